// Package lockcounter implements the LockCounter component (§4.1 of the
// specification): a per-journal-block table of per-zone reference counts,
// with a single journal-thread-visible aggregate per zone type indicating
// whether any zone of that type still references the block.
//
// The shape is lifted directly from the teacher's RefCountDB
// (trie/refcount_db.go): a mutex-guarded map from key to count, with
// Reference/Dereference-style mutators and a Stats() snapshot. LockCounter
// generalizes that one-count-per-key table to one count per
// (block, zone type, zone id), plus the aggregate-and-callback machinery
// §4.1 requires for reaping.
package lockcounter

import (
	"errors"
	"sync"

	"github.com/mod-vdo/vdocore/types"
	"github.com/mod-vdo/vdocore/vdolog"
)

// ErrCountNegative is returned when a Release would drive a reference
// count below zero. The specification treats this as a programming error
// that is fatal to the owning journal (§4.1 "Failure semantics"); the
// LockCounter itself has no notion of read-only and simply reports the
// error for its caller to act on.
var ErrCountNegative = errors.New("lockcounter: reference count went negative")

// OnUnlock is invoked at most once per (block, zone type) between calls to
// Acknowledge for that pair: when every zone of that type has released
// its reference to the block, the journal thread is notified so it can
// attempt to reap. Further 0-transitions before Acknowledge coalesce into
// the single outstanding notification (§4.1 "at-most-one-outstanding").
type OnUnlock func(blockIndex int, zoneType types.ZoneType)

type slot struct {
	// perZone[zoneType][zoneID] is that zone's reference count on this
	// journal block.
	perZone [2][]uint32
	// aggregate[zoneType] is the count of zones of that type whose
	// perZone entry is currently nonzero.
	aggregate [2]uint32
	// pendingNotify[zoneType] guarantees at most one outstanding
	// OnUnlock callback per (block, zone type) pair.
	pendingNotify [2]bool
	// perEntryLock protects the block from reuse while any entry's
	// effects are unflushed; initialized to entriesPerBlock+1 and
	// decremented only via the ReleaseJournalZoneReference* fast paths.
	perEntryLock int32
}

// LockCounter is the per-journal-block reference-count table described in
// §3 and §4.1. It is safe for concurrent use from any zone; only
// Initialize, the ReleaseJournalZoneReference* fast paths, and IsLocked are
// documented as journal-thread-only, a restriction this type relies on its
// caller (the recovery journal) to honor rather than enforcing itself.
type LockCounter struct {
	mu              sync.Mutex
	entriesPerBlock uint16
	zoneCount       [2]int // number of zones of each ZoneType
	slots           []slot
	onUnlock        OnUnlock
	log             *vdolog.Logger
}

// New creates a LockCounter with size slots, one per journal block, sized
// for logicalZones zones of ZoneTypeLogical and physicalZones zones of
// ZoneTypePhysical. entriesPerBlock is the on-disk entry capacity of a
// journal block, used by Initialize's "+1" accounting (§4.1).
func New(size int, entriesPerBlock uint16, logicalZones, physicalZones int, onUnlock OnUnlock, log *vdolog.Logger) *LockCounter {
	lc := &LockCounter{
		entriesPerBlock: entriesPerBlock,
		zoneCount:       [2]int{logicalZones, physicalZones},
		slots:           make([]slot, size),
		onUnlock:        onUnlock,
		log:             log,
	}
	for i := range lc.slots {
		lc.slots[i].perZone[types.ZoneTypeLogical] = make([]uint32, logicalZones)
		lc.slots[i].perZone[types.ZoneTypePhysical] = make([]uint32, physicalZones)
	}
	return lc
}

// Size returns the number of journal-block slots tracked.
func (lc *LockCounter) Size() int { return len(lc.slots) }

// SetOnUnlock installs the callback invoked on a 0-transition of either
// zone-type aggregate. It exists because the journal that owns this
// callback is typically constructed after the LockCounter it shares with
// other collaborators (§4.1, §4.3 "reap_recovery_journal_callback").
func (lc *LockCounter) SetOnUnlock(fn OnUnlock) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.onUnlock = fn
}

// Initialize resets the per-entry lock for blockIndex to
// entriesPerBlock+1 (one reservation per entry, plus one held by the
// block itself while it is dirty), as a fresh block enters the active
// ring. Journal-thread only.
func (lc *LockCounter) Initialize(blockIndex int) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.slots[blockIndex].perEntryLock = int32(lc.entriesPerBlock) + 1
}

// Acquire increments the reference count that zone (zoneType, zoneID)
// holds on blockIndex. On a 0→1 transition it increments the
// journal-visible aggregate for that zone type. Callable from any zone.
func (lc *LockCounter) Acquire(blockIndex int, zoneType types.ZoneType, zoneID int) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	s := &lc.slots[blockIndex]
	if s.perZone[zoneType][zoneID] == 0 {
		s.aggregate[zoneType]++
	}
	s.perZone[zoneType][zoneID]++
}

// Release decrements the reference count that zone (zoneType, zoneID)
// holds on blockIndex. On a 1→0 transition it decrements the aggregate;
// if the aggregate reaches zero, it posts the at-most-one-outstanding
// OnUnlock notification for (blockIndex, zoneType). Callable from any
// zone.
func (lc *LockCounter) Release(blockIndex int, zoneType types.ZoneType, zoneID int) error {
	lc.mu.Lock()
	s := &lc.slots[blockIndex]
	if s.perZone[zoneType][zoneID] == 0 {
		lc.mu.Unlock()
		return ErrCountNegative
	}
	s.perZone[zoneType][zoneID]--
	notify := false
	if s.perZone[zoneType][zoneID] == 0 {
		s.aggregate[zoneType]--
		if s.aggregate[zoneType] == 0 && !s.pendingNotify[zoneType] {
			s.pendingNotify[zoneType] = true
			notify = true
		}
	}
	lc.mu.Unlock()

	if notify && lc.onUnlock != nil {
		lc.onUnlock(blockIndex, zoneType)
	}
	return nil
}

// Acknowledge clears the pending-notification flag for (blockIndex,
// zoneType), allowing a future 0-transition to post another OnUnlock
// callback. The recovery journal calls this first, before acting on a
// notification, per §4.3 reaping protocol step 1 ("acknowledge the unlock
// notification first so new releases are not lost").
func (lc *LockCounter) Acknowledge(blockIndex int, zoneType types.ZoneType) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.slots[blockIndex].pendingNotify[zoneType] = false
}

// ReleaseJournalZoneReference decrements the per-entry lock the journal
// thread itself holds directly on blockIndex (its "+1" share, or a share
// claimed on behalf of a paired decrement entry). No callback is ever
// posted for this fast path: the journal thread already knows it
// released its own hold. Journal-thread only.
func (lc *LockCounter) ReleaseJournalZoneReference(blockIndex int) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	s := &lc.slots[blockIndex]
	if s.perEntryLock <= 0 {
		return ErrCountNegative
	}
	s.perEntryLock--
	return nil
}

// ReleaseJournalZoneReferenceFromOtherZone is the equivalent fast path
// used when the release is known (by the caller's own bookkeeping) not to
// require a callback, even though it did not originate on the journal
// thread.
func (lc *LockCounter) ReleaseJournalZoneReferenceFromOtherZone(blockIndex int) error {
	return lc.ReleaseJournalZoneReference(blockIndex)
}

// PerEntryLock returns the current per-entry lock count for blockIndex,
// mainly for tests and Stats.
func (lc *LockCounter) PerEntryLock(blockIndex int) int32 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.slots[blockIndex].perEntryLock
}

// IsLocked reports whether any zone of the given type still references
// blockIndex. Journal-thread read of the aggregate.
func (lc *LockCounter) IsLocked(blockIndex int, zoneType types.ZoneType) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.slots[blockIndex].aggregate[zoneType] > 0
}

// Stats summarizes the counter table, mirroring RefCountDB.Stats() in the
// teacher. Additive observability named in SPEC_FULL.md §0.3.
type Stats struct {
	Slots          int
	LogicalLocked  int // slots where the logical aggregate is nonzero
	PhysicalLocked int // slots where the physical aggregate is nonzero
	MaxPerEntry    int32
}

// Stats returns a snapshot of counter-table statistics.
func (lc *LockCounter) Stats() Stats {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	st := Stats{Slots: len(lc.slots)}
	for i := range lc.slots {
		s := &lc.slots[i]
		if s.aggregate[types.ZoneTypeLogical] > 0 {
			st.LogicalLocked++
		}
		if s.aggregate[types.ZoneTypePhysical] > 0 {
			st.PhysicalLocked++
		}
		if s.perEntryLock > st.MaxPerEntry {
			st.MaxPerEntry = s.perEntryLock
		}
	}
	return st
}
