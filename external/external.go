// Package external declares the collaborator interfaces the recovery
// journal and hash lock core depend on but do not implement: the block
// map, the slab depot, the physical I/O layer, the read-only notifier, and
// the per-physical-block lock (§1 "Out of scope", §4.6, §6 "Collaborator
// callback interfaces"). It also ships small deterministic in-memory
// implementations of each, used by this module's own test suites and by
// the cmd/vdo-journalctl demo — never imported by recoveryjournal or
// hashlock themselves outside of tests, matching spec.md's scoping of
// these subsystems as external.
//
// The interface shapes follow the teacher's own minimal-collaborator
// style in trie/database.go (NodeReader/NodeWriter: a two-method
// interface per concern, named for what the caller needs, not for what
// the real subsystem happens to expose).
package external

import "github.com/mod-vdo/vdocore/types"

// WritePolicy selects how the recovery journal schedules block writes
// (§4.3 "Write scheduling").
type WritePolicy uint8

const (
	// WritePolicySync issues every full block immediately and the
	// active block whenever it is otherwise idle; every write also
	// carries an implicit flush.
	WritePolicySync WritePolicy = iota
	// WritePolicyAsync batches: full blocks are only issued once no
	// write is already outstanding, and reaping requires an explicit
	// flush before heads may advance.
	WritePolicyAsync
	// WritePolicyAsyncUnsafe behaves like Sync for scheduling purposes
	// but, like Async, requires an explicit flush before reap heads may
	// advance (not a literal VDO mode distinction the core needs to
	// treat differently at the write-scheduling layer beyond which
	// writes are issued eagerly).
	WritePolicyAsyncUnsafe
)

// PhysicalLayer is the storage and flush collaborator (§6). The recovery
// journal submits one journal block write at a time per in-flight I/O and
// a single flush VIO during reaping; both complete asynchronously via the
// supplied callback, invoked exactly once.
type PhysicalLayer interface {
	// WritePolicy reports the configured write policy.
	WritePolicy() WritePolicy
	// WriteBlock writes data (exactly one physical block) to
	// blockNumber and invokes onComplete with the result. May complete
	// synchronously or on another goroutine; it must not be called
	// again for the same write before onComplete has returned.
	WriteBlock(blockNumber uint64, data []byte, onComplete func(error))
	// LaunchFlush issues a device flush and invokes onComplete with the
	// result once every previously submitted write is durable.
	LaunchFlush(onComplete func(error))
}

// BlockMap is the collaborator notified as the journal's tail advances
// (§6 "BlockMap: advance_block_map_era(sequence)").
type BlockMap interface {
	AdvanceBlockMapEra(sequence types.SequenceNumber)
}

// SlabDepot is the physical-allocation collaborator. RecoveryJournal uses
// CommitOldestSlabJournalTailBlocks to keep the slab journal's own reap
// frontier moving (§4.3); HashLock uses GetIncrementLimit and
// AcquireProvisionalReference directly when locking a duplicate physical
// block (§4.5 "Locking algorithm").
type SlabDepot interface {
	// CommitOldestSlabJournalTailBlocks asks the depot to commit slab
	// journal tail blocks covering sequence numbers up to and including
	// upTo, so the recovery journal's slab_journal_head may eventually
	// advance past them.
	CommitOldestSlabJournalTailBlocks(upTo types.SequenceNumber) error
	// GetIncrementLimit returns the number of additional references pbn
	// may accept right now (0 if none).
	GetIncrementLimit(pbn types.PBN) uint32
	// AcquireProvisionalReference reserves a reference on pbn on behalf
	// of lock, for the brand-new-lock case in §4.5 step 4.
	AcquireProvisionalReference(pbn types.PBN, lock PBNLock) error
}

// ReadOnlyNotifier is the process-wide absorbing-failure observer (§6,
// §9 "Global read-only notifier"). Listeners register a callback that is
// invoked with the triggering error and an ack function; the listener
// must call ack once it has made whatever internal progress is needed to
// unblock drain.
type ReadOnlyNotifier interface {
	RegisterListener(onEnter func(err error, ack func()))
	EnterReadOnlyMode(err error)
	IsReadOnly() bool
}

// PBNLockMode selects shared or exclusive acquisition in
// PBNZone.AttemptLock (§4.6).
type PBNLockMode uint8

const (
	// PBNLockRead is a shared read lock, the mode the hash lock uses
	// for deduplication targets.
	PBNLockRead PBNLockMode = iota
	// PBNLockWrite is an exclusive write lock, held while a block map
	// page, compressed block, or foreign data write is in flight.
	PBNLockWrite
)

// PBNLock is the shared/exclusive per-physical-block lock handle (§4.6).
// Its full implementation lives in the physical zone; the hash lock core
// only needs the narrow surface below.
type PBNLock interface {
	// IsReadLock reports whether this lock was acquired in read mode.
	IsReadLock() bool
	// DowngradeWriteLock converts a write lock to a read lock (used
	// when a writer's own allocation becomes the deduplication target,
	// §4.5 "Writing → Deduping").
	DowngradeWriteLock()
	// ClaimIncrement atomically consumes one of the lock's remaining
	// increment budget; returns false once exhausted (§4.5, §4.6).
	ClaimIncrement() bool
	// HolderCount reports how many HashLocks currently share this
	// PBNLock (§4.5 step 5).
	HolderCount() int
	// IncrementLimit reports the budget recorded when the lock was
	// created (§4.5 step 4).
	IncrementLimit() uint32
	// AddHolder records that one more HashLock now shares this lock,
	// incrementing HolderCount (§4.5 "Locking algorithm" step 5:
	// "setDuplicateLock ... increments lock.holder_count by 1").
	AddHolder()
}

// PBNZone is the physical-zone collaborator that owns PBNLock acquisition
// and release (§4.6).
type PBNZone interface {
	// AttemptLock tries to acquire a lock on pbn in the given mode,
	// returning the existing or newly created lock.
	AttemptLock(pbn types.PBN, mode PBNLockMode) (PBNLock, error)
	// ReleaseLock releases the caller's share of lock on pbn.
	ReleaseLock(pbn types.PBN, lock PBNLock)
}

// DedupIndex is the deduplication index collaborator (§6 "Dedup Index").
// All three operations are asynchronous and complete via the supplied
// callback rather than a return value, the same shape as PhysicalLayer's
// WriteBlock/LaunchFlush. The index is keyed purely by content hash and
// physical location so this interface, like BlockMap and SlabDepot above,
// never needs to know about the hash lock's own DataVIO type.
type DedupIndex interface {
	// CheckForDuplication queries the index for hash, reporting whether
	// it holds advice and, if so, the candidate physical location.
	CheckForDuplication(hash types.Hash, onDone func(isDuplicate bool, pbn types.PBN, state types.MappingState))
	// VerifyDuplication reads the advice block at pbn and compares it
	// against the data identified by hash, reporting whether they
	// match.
	VerifyDuplication(pbn types.PBN, hash types.Hash, onDone func(matched bool))
	// UpdateDedupeIndex posts the final deduplication outcome for hash
	// (now pointing at pbn/state) to the index.
	UpdateDedupeIndex(hash types.Hash, pbn types.PBN, state types.MappingState, onDone func())
}
