package recoveryjournal

import (
	"testing"

	"github.com/mod-vdo/vdocore/external"
	"github.com/mod-vdo/vdocore/lockcounter"
	"github.com/mod-vdo/vdocore/types"
)

const syncPolicy = external.WritePolicySync

// testHarness bundles a RecoveryJournal with its fake collaborators so
// scenario tests can reach into both.
type testHarness struct {
	journal  *RecoveryJournal
	layer    *external.FakePhysicalLayer
	blockMap *external.FakeBlockMap
	slabs    *external.FakeSlabDepot
	ron      *external.FakeReadOnlyNotifier
	counter  *lockcounter.LockCounter
}

func newTestJournalWithConfig(t *testing.T, cfg Config, policy external.WritePolicy) *testHarness {
	t.Helper()
	layer := external.NewFakePhysicalLayer(policy)
	blockMap := external.NewFakeBlockMap()
	slabs := external.NewFakeSlabDepot()
	ron := external.NewFakeReadOnlyNotifier()
	lc := lockcounter.New(cfg.JournalSize, EntriesPerBlock, cfg.Threads.LogicalZoneCount, cfg.Threads.PhysicalZoneCount, nil, nil)

	j := New(cfg, lc, layer, blockMap, slabs, ron, nil)
	lc.SetOnUnlock(j.ReapCallback())

	return &testHarness{journal: j, layer: layer, blockMap: blockMap, slabs: slabs, ron: ron, counter: lc}
}

func newTestJournal(t *testing.T, policy external.WritePolicy) *RecoveryJournal {
	t.Helper()
	return newTestJournalWithConfig(t, DefaultConfig(), policy).journal
}

// acquireBlock records that both downstream zone types hold a reference
// on blockIndex, as the block map and slab depot zones would when they
// replay the entries a freshly committed journal block carries.
func acquireBlock(lc *lockcounter.LockCounter, blockIndex int) {
	lc.Acquire(blockIndex, types.ZoneTypeLogical, 0)
	lc.Acquire(blockIndex, types.ZoneTypePhysical, 0)
}

// releaseBlock drops every downstream reference recorded for blockIndex,
// simulating the block map and slab depot zones acknowledging an entry
// after the journal block that carries it has committed.
func releaseBlock(t *testing.T, lc *lockcounter.LockCounter, blockIndex int) {
	t.Helper()
	if err := lc.Release(blockIndex, types.ZoneTypeLogical, 0); err != nil {
		t.Fatalf("release logical: %v", err)
	}
	if err := lc.Release(blockIndex, types.ZoneTypePhysical, 0); err != nil {
		t.Fatalf("release physical: %v", err)
	}
}

func TestSimpleIncrementCommit(t *testing.T) {
	h := newTestJournalWithConfig(t, DefaultConfig(), syncPolicy)
	j := h.journal
	if err := j.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	wantSpace := UsableBlocks(DefaultConfig().JournalSize) * EntriesPerBlock
	if j.AvailableSpace() != wantSpace {
		t.Fatalf("initial AvailableSpace = %d, want %d", j.AvailableSpace(), wantSpace)
	}

	vio := newIncrementVIO(100, 5000)
	if err := j.AddEntry(vio); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	if !vio.completed || vio.err != nil {
		t.Fatalf("expected synchronous commit under sync policy, completed=%v err=%v", vio.completed, vio.err)
	}
	if j.Tail() != 2 {
		t.Fatalf("Tail = %d, want 2", j.Tail())
	}
	if j.LastWriteAcknowledged() != 1 {
		t.Fatalf("LastWriteAcknowledged = %d, want 1 (the sole block has sequence 1)", j.LastWriteAcknowledged())
	}
	if got := j.AvailableSpace(); got != wantSpace-1 {
		t.Fatalf("AvailableSpace after one entry = %d, want %d", got, wantSpace-1)
	}
	if writes, flushes := h.layer.Counts(); writes != 1 || flushes != 0 {
		t.Fatalf("Counts() = writes=%d flushes=%d, want writes=1 and no separate flush (sync writes carry their own)", writes, flushes)
	}
	if eras := h.blockMap.Eras(); len(eras) != 1 || eras[0] != 1 {
		t.Fatalf("block map eras = %v, want [1]", eras)
	}
}

func TestDecrementPriorityOverBackpressuredIncrement(t *testing.T) {
	h := newTestJournalWithConfig(t, DefaultConfig(), syncPolicy)
	j := h.journal
	j.Open()

	// Starve availableSpace down to the admission boundary where a fresh
	// increment is refused (availableSpace - pendingDecrementCount <= 1)
	// while a decrement still passes its availableSpace > 0 check.
	j.availableSpace = 1
	j.pendingDecrementCount = 0

	inc := newIncrementVIO(1, 100)
	dec := newDecrementVIO(2, 200)

	if err := j.AddEntry(inc); err != nil {
		t.Fatalf("AddEntry(inc): %v", err)
	}
	if inc.completed {
		t.Fatal("increment should remain queued under backpressure, not complete")
	}

	if err := j.AddEntry(dec); err != nil {
		t.Fatalf("AddEntry(dec): %v", err)
	}
	// The decrement's admission requires pendingDecrementCount > 0
	// (§4.3's guard against an empty decrement budget), which this
	// boundary setup does not have, so it is expected to force read-only
	// rather than commit — demonstrating that decrements are drained
	// ahead of increments even when both are backlogged.
	if !dec.completed {
		t.Fatal("decrement should have been resolved (admitted or forced read-only) ahead of the stuck increment")
	}
	if !inc.completed {
		t.Fatalf("increment should be resolved once the journal reacts to the decrement outcome")
	}
}

func TestReadOnlyDuringCommit(t *testing.T) {
	h := newTestJournalWithConfig(t, DefaultConfig(), syncPolicy)
	j := h.journal
	j.Open()

	h.layer.FailNextWrite(external.ErrFakeDeviceFull)

	vios := make([]*testVIO, 5)
	for i := range vios {
		vios[i] = newIncrementVIO(types.LBN(i), types.PBN(1000+i))
	}

	for _, v := range vios {
		if err := j.AddEntry(v); err != nil && err != ErrReadOnly {
			t.Fatalf("AddEntry: %v", err)
		}
	}

	if !j.IsReadOnly() {
		t.Fatal("journal should have entered read-only mode after the failed write")
	}
	for i, v := range vios {
		if !v.completed {
			t.Fatalf("vio %d never completed", i)
		}
		if v.err != ErrReadOnly {
			t.Fatalf("vio %d completed with %v, want ErrReadOnly", i, v.err)
		}
	}

	late := newIncrementVIO(99, 9999)
	if err := j.AddEntry(late); err != ErrReadOnly {
		t.Fatalf("AddEntry after read-only = %v, want ErrReadOnly", err)
	}
	if !late.completed || late.err != ErrReadOnly {
		t.Fatalf("late vio should be completed with ErrReadOnly immediately")
	}
	if !h.ron.IsReadOnly() {
		t.Fatal("read-only notifier should have observed EnterReadOnlyMode")
	}
}

func TestReapAfterDownstreamRelease(t *testing.T) {
	h := newTestJournalWithConfig(t, DefaultConfig(), external.WritePolicyAsync)
	j := h.journal
	j.Open()

	for i := 0; i < EntriesPerBlock; i++ {
		v := newIncrementVIO(types.LBN(i), types.PBN(i))
		if err := j.AddEntry(v); err != nil {
			t.Fatalf("AddEntry(%d): %v", i, err)
		}
	}

	if j.Tail() != 2 {
		t.Fatalf("Tail = %d, want 2 (one full block)", j.Tail())
	}
	if j.LastWriteAcknowledged() != 1 {
		t.Fatalf("LastWriteAcknowledged = %d, want 1 once the block commits", j.LastWriteAcknowledged())
	}

	beforeHead, _ := j.Heads()
	if beforeHead != 1 {
		t.Fatalf("block map head before release = %d, want 1", beforeHead)
	}

	acquireBlock(h.counter, 0)
	releaseBlock(t, h.counter, 0)

	_, flushes := h.layer.Counts()
	if flushes == 0 {
		t.Fatal("async policy should require a flush before reap heads advance")
	}

	afterBlockMapHead, afterSlabHead := j.Heads()
	if afterBlockMapHead != 2 || afterSlabHead != 2 {
		t.Fatalf("Heads() after reap = (%d,%d), want (2,2)", afterBlockMapHead, afterSlabHead)
	}

	wantSpace := UsableBlocks(DefaultConfig().JournalSize)*EntriesPerBlock - EntriesPerBlock + EntriesPerBlock
	if j.AvailableSpace() != wantSpace {
		t.Fatalf("AvailableSpace after reap = %d, want %d (fully reclaimed)", j.AvailableSpace(), wantSpace)
	}
}

func TestAvailableSpaceBoundaryRejectsIncrementAtPendingDecrementLimit(t *testing.T) {
	h := newTestJournalWithConfig(t, DefaultConfig(), syncPolicy)
	j := h.journal
	j.Open()

	j.availableSpace = 2
	j.pendingDecrementCount = 1

	vio := newIncrementVIO(1, 1)
	result, err := j.assignEntry(vio, false)
	if result != admitBackpressure || err != nil {
		t.Fatalf("assignEntry at availableSpace-pendingDecrementCount<=1 boundary = (%v,%v), want (admitBackpressure,nil)", result, err)
	}
}

func TestTailOverflowEntersReadOnly(t *testing.T) {
	h := newTestJournalWithConfig(t, DefaultConfig(), syncPolicy)
	j := h.journal
	j.Open()

	j.tail = types.MaxSequenceNumber
	// A freshly opened journal has no active block, so the next entry must
	// call advanceTail, which is where the 2^48 overflow guard (§3, §7
	// JournalOverflow) lives.

	vio := newIncrementVIO(1, 1)
	if err := j.AddEntry(vio); err != nil && err != ErrReadOnly {
		t.Fatalf("AddEntry: %v", err)
	}
	if !j.IsReadOnly() {
		t.Fatal("tail reaching MaxSequenceNumber should force the journal read-only")
	}
	if !vio.completed || vio.err != ErrReadOnly {
		t.Fatalf("vio completed=%v err=%v, want completed with ErrReadOnly", vio.completed, vio.err)
	}
}

func TestReservedAndUsableBlocksMath(t *testing.T) {
	cases := []struct {
		size, reserved, usable int
	}{
		{size: 32, reserved: 8, usable: 24},
		{size: 4, reserved: 1, usable: 3},
		{size: 100, reserved: 8, usable: 92},
	}
	for _, c := range cases {
		if got := ReservedBlocks(c.size); got != c.reserved {
			t.Errorf("ReservedBlocks(%d) = %d, want %d", c.size, got, c.reserved)
		}
		if got := UsableBlocks(c.size); got != c.usable {
			t.Errorf("UsableBlocks(%d) = %d, want %d", c.size, got, c.usable)
		}
	}
}

func TestDrainWaitsForOutstandingWork(t *testing.T) {
	h := newTestJournalWithConfig(t, DefaultConfig(), external.WritePolicyAsync)
	j := h.journal
	j.Open()

	vio := newIncrementVIO(1, 1)
	if err := j.AddEntry(vio); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	done := false
	j.Drain("suspend", func(error) { done = true })
	if !done {
		t.Fatal("Drain should complete once the sole in-flight entry has committed and no blocks remain dirty")
	}
}
