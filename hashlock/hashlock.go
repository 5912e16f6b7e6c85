// Package hashlock implements the HashLock state machine and its owning
// HashZone (§4.4–§4.6 of the specification): per-content-hash coordination
// that funnels concurrent writers of identical data through a single
// physical-block read lock, a single dedup-index query, and (where
// possible) a single new physical write.
//
// Grounded on the teacher's pkg/core/state/journal.go change-log taxonomy
// for the "one verb per transition, explicit tag" style, and on
// trie/refcount_db.go for the pooled, mutex-free, single-owner-thread
// object lifecycle (here a HashZone's own thread instead of a shared
// mutex). The ten-state machine itself has no direct analogue in the
// teacher; its shape is lifted mechanically from §4.5's transition table.
package hashlock

import (
	"github.com/mod-vdo/vdocore/external"
	"github.com/mod-vdo/vdocore/types"
	"github.com/mod-vdo/vdocore/waitqueue"
)

// HashLock coordinates every DataVIO currently writing the same content
// (§3 "HashLock entity"). A HashLock is only ever mutated on its owning
// HashZone's thread (§5); it has no internal locking of its own, matching
// RecoveryJournal's "single executor, no internal mutex" convention.
type HashLock struct {
	hash  types.Hash
	state lockState

	// agent is the DataVIO currently driving the lock's asynchronous
	// work, or nil. Always nil in stateDeduping (§4.5 table: "Agent?
	// none").
	agent DataVIO
	// waiters holds DataVIOs that joined while the lock was not
	// shareable (every state but Deduping and, transiently, Bypassing).
	waiters *waitqueue.Queue[DataVIO]

	// duplicate candidate/verified location.
	duplicatePBN   types.PBN
	duplicateState types.MappingState
	haveDuplicate  bool

	// duplicateLock is the shared PBN read lock this HashLock owns
	// while it is about to use it, using it, or releasing it (§3
	// invariant).
	duplicateLock external.PBNLock

	verified bool
	// unlockToWriting remembers, across the synchronous Unlocking step,
	// whether the lock was released without ever having written or
	// verified its own data (Locking's no-budget-after-relock path,
	// Verifying's data-mismatch path) — in which case the lock must
	// still go write fresh data — versus having already written or
	// finished deduping (Writing/Updating/Deduping's release paths),
	// in which case there is nothing left to do but destroy the lock.
	// This disambiguates the two "no waiter" exits from Unlocking that
	// §4.5 describes only informally ("we released an unverified
	// lock" vs "no further obligations").
	unlockToWriting bool

	updateAdvice bool

	// duplicateRing holds every DataVIO currently counted against this
	// lock, for hash-collision comparison and reference-count
	// accounting (§3 "duplicate_ring").
	duplicateRing []DataVIO
	// referenceCount is len(duplicateRing), tracked separately because
	// the spec names it as its own field and property 4 (§8) asserts
	// on it directly.
	referenceCount int
}

// State returns the lock's current state, for tests and diagnostics.
func (l *HashLock) State() string { return l.state.String() }

// ReferenceCount returns the number of DataVIOs currently counted against
// this lock.
func (l *HashLock) ReferenceCount() int { return l.referenceCount }

// Hash returns the content hash this lock is keyed by.
func (l *HashLock) Hash() types.Hash { return l.hash }

// reset returns the lock to its pristine, pool-ready shape. Per the §3
// invariant, duplicateLock must already be nil here — every transition
// path releases it before the lock can reach Destroying.
func (l *HashLock) reset() {
	assertf(l.duplicateLock == nil, "hashlock: returned to pool while still holding a duplicate lock")
	*l = HashLock{}
	l.waiters = waitqueue.New[DataVIO]()
	l.state = stateInitializing
}

func (l *HashLock) addHolder(dv DataVIO) {
	l.duplicateRing = append(l.duplicateRing, dv)
	l.referenceCount++
}

func (l *HashLock) removeHolder(dv DataVIO) {
	for i, r := range l.duplicateRing {
		if r == dv {
			l.duplicateRing = append(l.duplicateRing[:i], l.duplicateRing[i+1:]...)
			break
		}
	}
	if l.referenceCount > 0 {
		l.referenceCount--
	}
}
