package hashlock

import (
	"errors"
	"testing"

	"github.com/mod-vdo/vdocore/external"
	"github.com/mod-vdo/vdocore/types"
)

// TestSoloWriteNoAdvice covers §8 scenario 5: a single DataVIO writes
// content the dedup index has no advice for. It should query, find
// nothing, write its own data, post the new advice, and be destroyed with
// no duplicate lock ever taken out.
func TestSoloWriteNoAdvice(t *testing.T) {
	h := newTestHarness(t)
	hash := hashOf(1)
	dv := newTestVIO(1, hash)
	dv.allocationPBN = 100

	h.enter(dv)

	if !dv.wrote {
		t.Fatalf("expected the solo writer to have written its own data")
	}
	if dv.dedupedCalled {
		t.Fatalf("solo writer with no advice should never be told to dedupe")
	}
	updates := h.dedupIndex.Updates()
	if len(updates) != 1 || updates[0].PBN != 100 || updates[0].Hash != hash {
		t.Fatalf("expected exactly one index update for pbn 100, got %+v", updates)
	}

	lock, ok := h.zone.locks[hash]
	if ok {
		t.Fatalf("lock should have been destroyed and returned to the pool, found %v", lock.state)
	}
	if got := h.zone.Stats(); got.ActiveLocks != 0 || got.PooledLocks != 1 {
		t.Fatalf("expected the lock back in the pool, got %+v", got)
	}
}

// TestValidAdviceDedupe covers the straight-line valid-advice path: a
// second writer of the same content finds advice, locks, verifies, and
// dedupes against it instead of writing.
func TestValidAdviceDedupe(t *testing.T) {
	h := newTestHarness(t)
	hash := hashOf(2)
	h.slabs.SetIncrementLimit(50, 5)
	h.dedupIndex.SetAdvice(hash, 50, types.MappingStateMapped)

	dv := newTestVIO(1, hash)
	h.enter(dv)

	if dv.wrote {
		t.Fatalf("writer should have deduped, not written, when advice is valid")
	}
	if !dv.dedupedCalled || dv.dedupedPBN != 50 {
		t.Fatalf("expected Dedupe(50, ...), got called=%v pbn=%v", dv.dedupedCalled, dv.dedupedPBN)
	}
	if got := h.zone.Stats(); got.ValidAdvice != 1 || got.DataMatch != 1 {
		t.Fatalf("expected valid advice + data match counters, got %+v", got)
	}
	if _, ok := h.zone.locks[hash]; ok {
		t.Fatalf("lock should have been destroyed after the sole holder finished")
	}
}

// hookedDedupIndex wraps a FakeDedupIndex to let a test inject the
// concurrent arrival of waiters between the moment a query is issued and
// the moment its (otherwise synchronous) answer comes back — modeling the
// real suspension point the fake's immediate callback collapses away.
type hookedDedupIndex struct {
	*external.FakeDedupIndex
	beforeCheckDone func()
}

func (d *hookedDedupIndex) CheckForDuplication(hash types.Hash, onDone func(bool, types.PBN, types.MappingState)) {
	d.FakeDedupIndex.CheckForDuplication(hash, func(isDup bool, pbn types.PBN, state types.MappingState) {
		if d.beforeCheckDone != nil {
			d.beforeCheckDone()
		}
		onDone(isDup, pbn, state)
	})
}

// TestForkOnRollover covers §8 scenario 6: three concurrent writers of the
// same content find advice with only one increment of budget remaining.
// The first claims it and dedupes; once the budget runs out the second
// forks onto a fresh lock and writes its own data, and the third moves to
// that new lock and dedupes against the second's write at pbn 200.
func TestForkOnRollover(t *testing.T) {
	pbnZone := external.NewFakePBNZone()
	slabs := external.NewFakeSlabDepot()
	dedup := &hookedDedupIndex{FakeDedupIndex: external.NewFakeDedupIndex()}
	zone := New(Config{ZoneID: 0}, pbnZone, slabs, dedup, nil, nil)

	hash := hashOf(3)
	slabs.SetIncrementLimit(70, 1)
	// dv2 becomes the fork's own writing agent; its own fresh allocation
	// then becomes the new duplicate lock dv3 claims against, so it
	// needs its own budget too.
	slabs.SetIncrementLimit(200, 5)
	dedup.SetAdvice(hash, 70, types.MappingStateMapped)

	dv1 := newTestVIO(1, hash)
	dv2 := newTestVIO(2, hash)
	dv2.allocationPBN = 200
	dv3 := newTestVIO(3, hash)
	dv3.allocationPBN = 300

	// While dv1's CheckForDuplication is "in flight", dv2 and dv3 arrive
	// and queue up behind it.
	dedup.beforeCheckDone = func() {
		dv2.zone = zone
		dv2.pbnZone = pbnZone
		zone.EnterHashLock(hash, dv2, true)
		dv3.zone = zone
		dv3.pbnZone = pbnZone
		zone.EnterHashLock(hash, dv3, true)
	}

	dv1.zone = zone
	dv1.pbnZone = pbnZone
	zone.EnterHashLock(hash, dv1, true)

	if !dv1.dedupedCalled || dv1.dedupedPBN != 70 {
		t.Fatalf("expected dv1 to dedupe against pbn 70, got called=%v pbn=%v", dv1.dedupedCalled, dv1.dedupedPBN)
	}
	if dv2.dedupedCalled {
		t.Fatalf("dv2 should have forked onto a fresh lock, not deduped")
	}
	if !dv2.wrote {
		t.Fatalf("dv2 should have written its own data after forking")
	}
	// dv3 joined the forked lock behind dv2 and finds dv2's own fresh
	// write has budget to spare, so it dedupes against it rather than
	// cascading into a second fork.
	if !dv3.dedupedCalled || dv3.dedupedPBN != 200 {
		t.Fatalf("expected dv3 to dedupe against dv2's fresh write at pbn 200, got called=%v pbn=%v", dv3.dedupedCalled, dv3.dedupedPBN)
	}
	if dv3.wrote {
		t.Fatalf("dv3 should not have needed its own write")
	}

	if got := zone.Stats(); got.Forks != 1 {
		t.Fatalf("expected exactly one fork to be counted, got %+v", got)
	}

	updates := dedup.Updates()
	sawFreshAdvice := false
	for _, u := range updates {
		if u.Hash == hash && u.PBN == 200 {
			sawFreshAdvice = true
		}
	}
	if !sawFreshAdvice {
		t.Fatalf("expected the fork's new agent to post fresh advice, got %+v", updates)
	}
}

// TestHashCollisionBypasses checks that a reported data mismatch sends the
// DataVIO down compress-and-write without joining the lock, and is counted
// as one collision.
func TestHashCollisionBypasses(t *testing.T) {
	h := newTestHarness(t)
	hash := hashOf(4)
	dv1 := newTestVIO(1, hash)
	h.enter(dv1)

	dv2 := newTestVIO(2, hash)
	h.enterColliding(dv2)

	if !dv2.compressAndWrote {
		t.Fatalf("a colliding DataVIO must take the plain compress-and-write path")
	}
	if dv2.lock != nil {
		t.Fatalf("a colliding DataVIO must never be joined to a HashLock")
	}
	if got := h.zone.Stats(); got.Collisions != 1 {
		t.Fatalf("expected exactly one collision counted, got %+v", got)
	}
}

// TestStaleAdviceFallsBackToWriting checks that advice pointing at a
// zero-budget block is abandoned in favor of a fresh write.
func TestStaleAdviceFallsBackToWriting(t *testing.T) {
	h := newTestHarness(t)
	hash := hashOf(5)
	h.dedupIndex.SetAdvice(hash, 90, types.MappingStateMapped)
	// No SetIncrementLimit call: GetIncrementLimit(90) defaults to 0.

	dv := newTestVIO(1, hash)
	dv.allocationPBN = 900
	h.enter(dv)

	if !dv.wrote {
		t.Fatalf("expected a fallback to a fresh write when advice has no budget")
	}
	if got := h.zone.Stats(); got.StaleAdvice != 1 {
		t.Fatalf("expected one stale-advice count, got %+v", got)
	}
}

// TestVerifyMismatchUnlocksAndRewrites checks the Verifying -> Unlocking ->
// Writing path when the advice block's data does not actually match.
func TestVerifyMismatchUnlocksAndRewrites(t *testing.T) {
	h := newTestHarness(t)
	hash := hashOf(6)
	h.slabs.SetIncrementLimit(10, 3)
	h.dedupIndex.SetAdvice(hash, 10, types.MappingStateMapped)
	h.dedupIndex.SetVerifyResult(10, false)

	dv := newTestVIO(1, hash)
	dv.allocationPBN = 1000
	h.enter(dv)

	if dv.dedupedCalled {
		t.Fatalf("a verify mismatch must never dedupe")
	}
	if !dv.wrote {
		t.Fatalf("a verify mismatch must fall back to writing fresh data")
	}
	// The duplicate PBN lock taken out during Locking must have been
	// released before the lock reached Writing again: re-attempting it
	// now should hand back a fresh lock with no holders.
	relocked, err := h.pbnZone.AttemptLock(10, external.PBNLockRead)
	if err != nil || relocked.HolderCount() != 0 {
		t.Fatalf("expected the stale duplicate lock on pbn 10 to have been released, holders=%d", relocked.HolderCount())
	}
}

// TestAbortOnWriteFailureFailsAgent checks that a write error on a lone
// agent fails that DataVIO and destroys the lock.
func TestAbortOnWriteFailureFailsAgent(t *testing.T) {
	h := newTestHarness(t)
	hash := hashOf(7)

	dv1 := newTestVIO(1, hash)
	dv1.writeErr = errors.New("disk error")
	h.enter(dv1)

	if dv1.failed == nil {
		t.Fatalf("expected dv1 to be failed after its own write errored")
	}
	if _, ok := h.zone.locks[hash]; ok {
		t.Fatalf("expected the lock to be destroyed after an abort")
	}
}

// TestReferenceCountTracksHolders exercises addHolder/removeHolder
// bookkeeping while a lock has more than one holder still pending, then
// confirms it drains back to zero and the lock is recycled once every
// holder has finished.
func TestReferenceCountTracksHolders(t *testing.T) {
	pbnZone := external.NewFakePBNZone()
	slabs := external.NewFakeSlabDepot()
	dedup := &hookedDedupIndex{FakeDedupIndex: external.NewFakeDedupIndex()}
	zone := New(Config{ZoneID: 0}, pbnZone, slabs, dedup, nil, nil)

	hash := hashOf(8)
	slabs.SetIncrementLimit(20, 5)
	dedup.SetAdvice(hash, 20, types.MappingStateMapped)

	dv1 := newTestVIO(1, hash)
	dv1.zone, dv1.pbnZone = zone, pbnZone
	dv2 := newTestVIO(2, hash)
	dv2.zone, dv2.pbnZone = zone, pbnZone
	dv3 := newTestVIO(3, hash)
	dv3.zone, dv3.pbnZone = zone, pbnZone

	var refCountWithAllThreeQueued int
	dedup.beforeCheckDone = func() {
		zone.EnterHashLock(hash, dv2, true)
		zone.EnterHashLock(hash, dv3, true)
		refCountWithAllThreeQueued = zone.locks[hash].ReferenceCount()
	}

	zone.EnterHashLock(hash, dv1, true)

	if refCountWithAllThreeQueued != 3 {
		t.Fatalf("expected all three DataVIOs counted as holders while dv1's query was outstanding, got %d", refCountWithAllThreeQueued)
	}
	if !dv1.dedupedCalled || !dv2.dedupedCalled || !dv3.dedupedCalled {
		t.Fatalf("expected every holder to dedupe against the shared advice, got dv1=%v dv2=%v dv3=%v",
			dv1.dedupedCalled, dv2.dedupedCalled, dv3.dedupedCalled)
	}
	if _, ok := zone.locks[hash]; ok {
		t.Fatalf("expected the lock to be destroyed once every holder finished")
	}
	if got := zone.Stats(); got.PooledLocks != 1 {
		t.Fatalf("expected the lock returned to the pool, got %+v", got)
	}
}
