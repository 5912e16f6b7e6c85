package hashlock

import (
	"github.com/mod-vdo/vdocore/external"
	"github.com/mod-vdo/vdocore/types"
)

// DataVIO is the narrow view of an in-flight write request that the hash
// lock needs (GLOSSARY "DataVIO"; §2: "opaque to the core except for its
// content hash, allocation state, mapping operation, and a small set of
// zone callbacks"). It is deliberately distinct from
// recoveryjournal.DataVIO: the two packages need different slices of the
// same real request object, and a shared god-interface would couple them
// together for no benefit (recoveryjournal/datavio.go makes the same
// choice).
//
// Write, Dedupe and CompressAndWrite launch asynchronous work on another
// executor and return immediately; the implementation is responsible for
// calling back into the owning HashZone (HashZone.ContinueHashLock for
// Write/Dedupe) once that work completes, exactly as a real DataVIO would
// post a completion back to the hash-zone thread (§5 "Suspension /
// message passing").
type DataVIO interface {
	// Hash returns the content hash keying this DataVIO's hash lock.
	Hash() types.Hash
	// HasAllocation reports whether this DataVIO already holds its own
	// physical block allocation (relevant to Querying→Writing's
	// update_advice decision, §4.5).
	HasAllocation() bool
	// Allocation reports the physical block number of this DataVIO's
	// own allocation. Only meaningful once HasAllocation is true or
	// after Write has completed.
	Allocation() types.PBN
	// AllocationLock returns the write-mode PBNLock this DataVIO holds
	// on its own allocation, used by Writing→Deduping's
	// transfer_allocation_lock (§4.5). Only meaningful once Write has
	// completed and waiters are about to share the block.
	AllocationLock() external.PBNLock

	// SetHashLock records the HashLock now governing this DataVIO,
	// called once by the owning HashZone whenever the DataVIO joins a
	// lock (on entry, or on being reassigned to a fresh lock by a
	// fork). The DataVIO must stash lock and pass it back on every
	// subsequent call into the HashZone, exactly as a real DataVIO
	// would hold a direct pointer to its governing hash lock rather
	// than re-deriving it from the hash on every completion.
	SetHashLock(lock *HashLock)

	// Write launches compression and writing of this DataVIO's own
	// data. On completion the implementation must call
	// HashZone.ContinueHashLock(lock, this, err, sharedLock) — sharedLock
	// is non-nil only in the rare case the write landed in an existing
	// shared (read-locked) compressed block rather than a fresh
	// exclusive allocation (§4.5 "Writing → Unlocking").
	Write()
	// Dedupe launches a block-map reference update against the given
	// already-locked duplicate location. On completion the
	// implementation must call
	// HashZone.ContinueHashLock(lock, this, err, nil).
	Dedupe(duplicate types.PBN, state types.MappingState)
	// CompressAndWrite launches the plain write-without-dedup path.
	// Terminal for this DataVIO with respect to the hash lock: the zone
	// will not hear from it again on this path (§4.5 "Bypassing").
	CompressAndWrite()
	// Fail aborts this DataVIO's write with err.
	Fail(err error)
}

// Compressor is the optional packer collaborator a newly arriving DataVIO
// uses to try to pull a Writing agent's data out of the compressor early,
// so the agent is not held indefinitely while a sharer waits (§4.5 "enter
// hash lock" dispatch: "attempt cancel_compression(agent)"). The packer
// itself is out of scope (§1); a nil Compressor makes cancellation a
// no-op, which is always safe — at worst a waiter waits a little longer
// for the agent's natural completion.
type Compressor interface {
	// CancelCompression attempts to pull the Writing agent for hash out
	// of the compressor so its write proceeds immediately. Returns
	// whether cancellation actually happened.
	CancelCompression(hash types.Hash) bool
}
