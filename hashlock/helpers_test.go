package hashlock

import (
	"testing"

	"github.com/mod-vdo/vdocore/external"
	"github.com/mod-vdo/vdocore/types"
)

// testVIO is a DataVIO double, mirroring recoveryjournal's testVIO: every
// asynchronous method completes synchronously, on the calling goroutine,
// so a test can drive the state machine to completion with plain function
// calls and then assert on the recorded outcome.
type testVIO struct {
	id   int
	hash types.Hash

	hasAllocation  bool
	allocationPBN  types.PBN
	allocationLock external.PBNLock

	zone    *HashZone
	lock    *HashLock
	pbnZone external.PBNZone

	writeErr          error
	sharedLockOnWrite external.PBNLock
	dedupeErr         error

	wrote            bool
	dedupedCalled    bool
	dedupedPBN       types.PBN
	dedupedState     types.MappingState
	compressAndWrote bool
	failed           error
}

func newTestVIO(id int, hash types.Hash) *testVIO {
	return &testVIO{id: id, hash: hash}
}

func (v *testVIO) Hash() types.Hash                 { return v.hash }
func (v *testVIO) HasAllocation() bool              { return v.hasAllocation }
func (v *testVIO) Allocation() types.PBN            { return v.allocationPBN }
func (v *testVIO) AllocationLock() external.PBNLock { return v.allocationLock }
func (v *testVIO) SetHashLock(lock *HashLock)       { v.lock = lock }

func (v *testVIO) Write() {
	v.wrote = true
	// A real write always takes out a write-mode lock on its own
	// allocation; simulate that so Writing→Deduping's transfer path
	// (when a waiter arrives behind this write) has a real lock to
	// downgrade.
	if v.allocationLock == nil && v.pbnZone != nil && v.allocationPBN != 0 {
		lock, _ := v.pbnZone.AttemptLock(v.allocationPBN, external.PBNLockWrite)
		v.allocationLock = lock
	}
	v.zone.ContinueHashLock(v.lock, v, v.writeErr, v.sharedLockOnWrite)
}

func (v *testVIO) Dedupe(pbn types.PBN, state types.MappingState) {
	v.dedupedCalled = true
	v.dedupedPBN = pbn
	v.dedupedState = state
	v.zone.ContinueHashLock(v.lock, v, v.dedupeErr, nil)
}

func (v *testVIO) CompressAndWrite() { v.compressAndWrote = true }

func (v *testVIO) Fail(err error) { v.failed = err }

// testHarness bundles a HashZone with its fake collaborators, matching
// recoveryjournal's testHarness convention.
type testHarness struct {
	zone       *HashZone
	pbnZone    *external.FakePBNZone
	slabs      *external.FakeSlabDepot
	dedupIndex *external.FakeDedupIndex
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		pbnZone:    external.NewFakePBNZone(),
		slabs:      external.NewFakeSlabDepot(),
		dedupIndex: external.NewFakeDedupIndex(),
	}
	h.zone = New(Config{ZoneID: 0}, h.pbnZone, h.slabs, h.dedupIndex, nil, nil)
	return h
}

// enter joins dv to the zone's lock for its own hash, assuming no existing
// holder to compare against (the common case in these tests: each hash is
// introduced by its first DataVIO).
func (h *testHarness) enter(dv *testVIO) {
	dv.zone = h.zone
	dv.pbnZone = h.pbnZone
	h.zone.EnterHashLock(dv.hash, dv, true)
}

// enterColliding joins dv to the zone's lock for its own hash, simulating a
// data-layer byte-compare mismatch against whatever currently holds it.
func (h *testHarness) enterColliding(dv *testVIO) {
	dv.zone = h.zone
	dv.pbnZone = h.pbnZone
	h.zone.EnterHashLock(dv.hash, dv, false)
}

func hashOf(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}
