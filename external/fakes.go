package external

import (
	"errors"
	"sync"

	"github.com/mod-vdo/vdocore/types"
)

// ErrFakeDeviceFull is returned by FakePhysicalLayer when asked to write
// past its configured block count, standing in for a full partition.
var ErrFakeDeviceFull = errors.New("external: fake device is full")

// FakePhysicalLayer is a deterministic, single-process PhysicalLayer
// backed by an in-memory slice of fixed-size blocks. It completes every
// write and flush synchronously (on the calling goroutine, before
// returning), which is sufficient to drive the recovery journal through
// its whole write-scheduling and reap logic in tests. Grounded on the
// teacher's in-memory NodeDatabase (trie/database.go), which plays the
// same "minimal concrete collaborator for tests" role for the trie layer.
type FakePhysicalLayer struct {
	mu       sync.Mutex
	policy   WritePolicy
	blocks   map[uint64][]byte
	failNext error // if set, the next WriteBlock call fails once, then clears
	flushes  int
	writes   int
}

// NewFakePhysicalLayer creates a FakePhysicalLayer using the given write
// policy.
func NewFakePhysicalLayer(policy WritePolicy) *FakePhysicalLayer {
	return &FakePhysicalLayer{policy: policy, blocks: make(map[uint64][]byte)}
}

// WritePolicy implements PhysicalLayer.
func (f *FakePhysicalLayer) WritePolicy() WritePolicy { return f.policy }

// WriteBlock implements PhysicalLayer.
func (f *FakePhysicalLayer) WriteBlock(blockNumber uint64, data []byte, onComplete func(error)) {
	f.mu.Lock()
	f.writes++
	var err error
	if f.failNext != nil {
		err = f.failNext
		f.failNext = nil
	} else {
		cp := make([]byte, len(data))
		copy(cp, data)
		f.blocks[blockNumber] = cp
	}
	f.mu.Unlock()
	onComplete(err)
}

// LaunchFlush implements PhysicalLayer.
func (f *FakePhysicalLayer) LaunchFlush(onComplete func(error)) {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
	onComplete(nil)
}

// FailNextWrite makes the next WriteBlock call fail with err.
func (f *FakePhysicalLayer) FailNextWrite(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

// Block returns the last data written to blockNumber, for assertions.
func (f *FakePhysicalLayer) Block(blockNumber uint64) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[blockNumber]
	return b, ok
}

// Counts returns the number of writes and flushes observed so far.
func (f *FakePhysicalLayer) Counts() (writes, flushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes, f.flushes
}

// FakeBlockMap records every era advance, for assertions.
type FakeBlockMap struct {
	mu    sync.Mutex
	eras  []types.SequenceNumber
}

// NewFakeBlockMap creates an empty FakeBlockMap.
func NewFakeBlockMap() *FakeBlockMap { return &FakeBlockMap{} }

// AdvanceBlockMapEra implements BlockMap.
func (m *FakeBlockMap) AdvanceBlockMapEra(seq types.SequenceNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eras = append(m.eras, seq)
}

// Eras returns every era advance observed so far, in order.
func (m *FakeBlockMap) Eras() []types.SequenceNumber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.SequenceNumber{}, m.eras...)
}

// fakePBNLock is the lock handle FakeSlabDepot/FakePBNZone hand out.
type fakePBNLock struct {
	mu             sync.Mutex
	mode           PBNLockMode
	incrementLimit uint32
	remaining      uint32
	holders        int
}

func (l *fakePBNLock) IsReadLock() bool { return l.mode == PBNLockRead }

func (l *fakePBNLock) DowngradeWriteLock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = PBNLockRead
}

func (l *fakePBNLock) ClaimIncrement() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining == 0 {
		return false
	}
	l.remaining--
	return true
}

func (l *fakePBNLock) HolderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders
}

func (l *fakePBNLock) IncrementLimit() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.incrementLimit
}

func (l *fakePBNLock) AddHolder() {
	l.mu.Lock()
	l.holders++
	l.mu.Unlock()
}

// FakeSlabDepot is a single-process SlabDepot. Every pbn starts with a
// configurable increment limit (default 0, i.e. not a duplication
// candidate) until SetIncrementLimit is called, matching how tests set up
// "advice points at a block with budget N" scenarios (§8 scenarios 5-6).
type FakeSlabDepot struct {
	mu              sync.Mutex
	incrementLimits map[types.PBN]uint32
	commits         []types.SequenceNumber
}

// NewFakeSlabDepot creates an empty FakeSlabDepot.
func NewFakeSlabDepot() *FakeSlabDepot {
	return &FakeSlabDepot{incrementLimits: make(map[types.PBN]uint32)}
}

// SetIncrementLimit configures the increment budget reported for pbn.
func (d *FakeSlabDepot) SetIncrementLimit(pbn types.PBN, limit uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.incrementLimits[pbn] = limit
}

// GetIncrementLimit implements SlabDepot.
func (d *FakeSlabDepot) GetIncrementLimit(pbn types.PBN) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.incrementLimits[pbn]
}

// AcquireProvisionalReference implements SlabDepot. The fake always
// succeeds and stamps the lock with the pbn's configured increment limit.
func (d *FakeSlabDepot) AcquireProvisionalReference(pbn types.PBN, lock PBNLock) error {
	fl, ok := lock.(*fakePBNLock)
	if !ok {
		return nil
	}
	d.mu.Lock()
	limit := d.incrementLimits[pbn]
	d.mu.Unlock()

	fl.mu.Lock()
	fl.incrementLimit = limit
	fl.remaining = limit
	fl.mu.Unlock()
	return nil
}

// CommitOldestSlabJournalTailBlocks implements SlabDepot.
func (d *FakeSlabDepot) CommitOldestSlabJournalTailBlocks(upTo types.SequenceNumber) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits = append(d.commits, upTo)
	return nil
}

// Commits returns every CommitOldestSlabJournalTailBlocks argument
// observed so far, in order.
func (d *FakeSlabDepot) Commits() []types.SequenceNumber {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.SequenceNumber{}, d.commits...)
}

// FakePBNZone is a single-process PBNZone: one lock per pbn, created on
// first AttemptLock and released once its holder count reaches zero.
type FakePBNZone struct {
	mu    sync.Mutex
	locks map[types.PBN]*fakePBNLock
}

// NewFakePBNZone creates an empty FakePBNZone.
func NewFakePBNZone() *FakePBNZone {
	return &FakePBNZone{locks: make(map[types.PBN]*fakePBNLock)}
}

// AttemptLock implements PBNZone.
func (z *FakePBNZone) AttemptLock(pbn types.PBN, mode PBNLockMode) (PBNLock, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if l, ok := z.locks[pbn]; ok {
		return l, nil
	}
	l := &fakePBNLock{mode: mode}
	z.locks[pbn] = l
	return l, nil
}

// ReleaseLock implements PBNZone.
func (z *FakePBNZone) ReleaseLock(pbn types.PBN, lock PBNLock) {
	z.mu.Lock()
	defer z.mu.Unlock()

	fl, ok := lock.(*fakePBNLock)
	if !ok {
		return
	}
	fl.mu.Lock()
	if fl.holders > 0 {
		fl.holders--
	}
	empty := fl.holders == 0
	fl.mu.Unlock()

	if empty {
		delete(z.locks, pbn)
	}
}

// FakeReadOnlyNotifier is a single-process ReadOnlyNotifier.
type FakeReadOnlyNotifier struct {
	mu        sync.Mutex
	readOnly  bool
	err       error
	listeners []func(err error, ack func())
}

// NewFakeReadOnlyNotifier creates a FakeReadOnlyNotifier.
func NewFakeReadOnlyNotifier() *FakeReadOnlyNotifier {
	return &FakeReadOnlyNotifier{}
}

// RegisterListener implements ReadOnlyNotifier.
func (n *FakeReadOnlyNotifier) RegisterListener(onEnter func(err error, ack func())) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, onEnter)
}

// EnterReadOnlyMode implements ReadOnlyNotifier. Listeners are invoked
// synchronously, in registration order, each with its own ack function;
// EnterReadOnlyMode does not wait for acks.
func (n *FakeReadOnlyNotifier) EnterReadOnlyMode(err error) {
	n.mu.Lock()
	if n.readOnly {
		n.mu.Unlock()
		return
	}
	n.readOnly = true
	n.err = err
	listeners := append([]func(err error, ack func()){}, n.listeners...)
	n.mu.Unlock()

	for _, l := range listeners {
		l(err, func() {})
	}
}

// IsReadOnly implements ReadOnlyNotifier.
func (n *FakeReadOnlyNotifier) IsReadOnly() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readOnly
}

// Err returns the error that triggered read-only mode, if any.
func (n *FakeReadOnlyNotifier) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// FakeDedupIndex is a deterministic, single-process DedupIndex. Advice is
// configured explicitly per hash via SetAdvice; VerifyDuplication matches
// whatever SetVerifyResult last configured for the pbn (default: match).
// Every callback runs synchronously, on the calling goroutine, before the
// triggering method returns — sufficient to drive the hash lock state
// machine through its whole query/verify/update path in tests, the same
// role FakePhysicalLayer plays for the recovery journal.
type FakeDedupIndex struct {
	mu      sync.Mutex
	advice  map[types.Hash]fakeAdvice
	verify  map[types.PBN]bool
	updates []fakeUpdate
}

type fakeAdvice struct {
	pbn   types.PBN
	state types.MappingState
}

type fakeUpdate struct {
	hash  types.Hash
	pbn   types.PBN
	state types.MappingState
}

// NewFakeDedupIndex creates a FakeDedupIndex with no advice configured
// for any hash (every CheckForDuplication reports no duplicate until
// SetAdvice is called).
func NewFakeDedupIndex() *FakeDedupIndex {
	return &FakeDedupIndex{
		advice: make(map[types.Hash]fakeAdvice),
		verify: make(map[types.PBN]bool),
	}
}

// SetAdvice configures CheckForDuplication to report pbn/state as a
// duplication candidate for hash.
func (d *FakeDedupIndex) SetAdvice(hash types.Hash, pbn types.PBN, state types.MappingState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advice[hash] = fakeAdvice{pbn: pbn, state: state}
}

// ClearAdvice removes any configured advice for hash.
func (d *FakeDedupIndex) ClearAdvice(hash types.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.advice, hash)
}

// SetVerifyResult configures whether VerifyDuplication reports a match
// for pbn. Unconfigured pbns default to matching, since most test
// scenarios set up advice that is in fact correct.
func (d *FakeDedupIndex) SetVerifyResult(pbn types.PBN, matched bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verify[pbn] = matched
}

// CheckForDuplication implements DedupIndex.
func (d *FakeDedupIndex) CheckForDuplication(hash types.Hash, onDone func(isDuplicate bool, pbn types.PBN, state types.MappingState)) {
	d.mu.Lock()
	a, ok := d.advice[hash]
	d.mu.Unlock()
	if !ok {
		onDone(false, 0, types.MappingStateUnmapped)
		return
	}
	onDone(true, a.pbn, a.state)
}

// VerifyDuplication implements DedupIndex.
func (d *FakeDedupIndex) VerifyDuplication(pbn types.PBN, hash types.Hash, onDone func(matched bool)) {
	_ = hash
	d.mu.Lock()
	matched, configured := d.verify[pbn]
	d.mu.Unlock()
	if !configured {
		matched = true
	}
	onDone(matched)
}

// UpdateDedupeIndex implements DedupIndex.
func (d *FakeDedupIndex) UpdateDedupeIndex(hash types.Hash, pbn types.PBN, state types.MappingState, onDone func()) {
	d.mu.Lock()
	d.updates = append(d.updates, fakeUpdate{hash: hash, pbn: pbn, state: state})
	d.advice[hash] = fakeAdvice{pbn: pbn, state: state}
	d.mu.Unlock()
	onDone()
}

// Updates returns every UpdateDedupeIndex call observed so far, as
// (pbn, state) pairs keyed by hash in call order, for assertions.
func (d *FakeDedupIndex) Updates() []struct {
	Hash  types.Hash
	PBN   types.PBN
	State types.MappingState
} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]struct {
		Hash  types.Hash
		PBN   types.PBN
		State types.MappingState
	}, len(d.updates))
	for i, u := range d.updates {
		out[i] = struct {
			Hash  types.Hash
			PBN   types.PBN
			State types.MappingState
		}{Hash: u.hash, PBN: u.pbn, State: u.state}
	}
	return out
}
