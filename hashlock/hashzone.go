package hashlock

import (
	"github.com/mod-vdo/vdocore/external"
	"github.com/mod-vdo/vdocore/types"
	"github.com/mod-vdo/vdocore/vdolog"
	"github.com/mod-vdo/vdocore/vdometrics"
	"github.com/mod-vdo/vdocore/waitqueue"
)

// Config holds HashZone construction parameters, a plain struct matching
// recoveryjournal.Config's convention of no flag-parsing inside the
// library.
type Config struct {
	// ZoneID names this zone for logging ("hash-zone-3"); hash zones
	// are sharded by hash (§4.4), one dedicated thread per zone.
	ZoneID int
	// PreallocatedLocks seeds the free pool at construction so the
	// first burst of concurrent writers doesn't allocate. Zero is
	// fine; the pool grows lazily on demand.
	PreallocatedLocks int
}

// Stats snapshots a HashZone's counters (SPEC_FULL.md supplemented
// feature: a Stats() accessor, grounded on RefCountDB.Stats() in the
// teacher, for the counters §4.4 names but never gives a snapshot
// method).
type Stats struct {
	ValidAdvice   int64
	StaleAdvice   int64
	Collisions    int64
	DataMatch     int64
	MaxReferences int64
	Forks         int64
	ActiveLocks   int
	PooledLocks   int
}

// HashZone is the keyed map from content hash to pooled HashLock described
// in §4.4 ("HashLockTable"): one process-wide shard, running on a single
// dedicated thread. Every exported method is that thread's entrypoint; a
// HashZone has no internal locking of its own (§5), the same contract
// RecoveryJournal and LockCounter's journal-thread-only methods make.
type HashZone struct {
	id int

	locks map[types.Hash]*HashLock
	pool  []*HashLock

	pbnZone    external.PBNZone
	slabDepot  external.SlabDepot
	dedupIndex external.DedupIndex
	compressor Compressor
	log        *vdolog.Logger

	validAdvice, staleAdvice, collisions, dataMatch, forks int64
	maxReferences                                          int64
}

// New constructs an empty HashZone wired to the given collaborators. log
// may be nil (vdolog.Logger is nil-safe). compressor may be nil, making
// the cancel-compression best-effort step in enterHashLock a no-op.
func New(cfg Config, pbnZone external.PBNZone, slabDepot external.SlabDepot, dedupIndex external.DedupIndex, compressor Compressor, log *vdolog.Logger) *HashZone {
	z := &HashZone{
		id:         cfg.ZoneID,
		locks:      make(map[types.Hash]*HashLock),
		pool:       make([]*HashLock, 0, cfg.PreallocatedLocks),
		pbnZone:    pbnZone,
		slabDepot:  slabDepot,
		dedupIndex: dedupIndex,
		compressor: compressor,
		log:        log,
	}
	for i := 0; i < cfg.PreallocatedLocks; i++ {
		z.pool = append(z.pool, newPooledLock())
	}
	return z
}

func newPooledLock() *HashLock {
	return &HashLock{state: stateInitializing, waiters: waitqueue.New[DataVIO]()}
}

// Stats returns a snapshot of this zone's counters.
func (z *HashZone) Stats() Stats {
	return Stats{
		ValidAdvice:   z.validAdvice,
		StaleAdvice:   z.staleAdvice,
		Collisions:    z.collisions,
		DataMatch:     z.dataMatch,
		MaxReferences: z.maxReferences,
		Forks:         z.forks,
		ActiveLocks:   len(z.locks),
		PooledLocks:   len(z.pool),
	}
}

// Peek returns a representative existing holder of the lock currently
// keyed by hash, if any, so a caller can run the data-layer's byte
// compare before calling EnterHashLock (§4.5 "Hash collision": "compare
// the entrant's data against any existing lock holder via the data
// layer's compare function" — out of scope here, §1).
func (z *HashZone) Peek(hash types.Hash) (DataVIO, bool) {
	lock, ok := z.locks[hash]
	if !ok || len(lock.duplicateRing) == 0 {
		return nil, false
	}
	return lock.duplicateRing[0], true
}

// EnterHashLock is the zone's single entrypoint for a DataVIO joining the
// lock for hash (combining §4.4's acquire_hash_lock_from_zone lookup/pool
// step with §4.5's enter_hash_lock dispatch, since in this module both
// steps run on the same zone thread with no intervening suspension).
// sameData must be the caller's data-layer byte-compare result against
// whatever Peek returned before the call; pass true when Peek found
// nothing to compare against. On a collision (sameData == false), dv is
// not joined to any lock and is sent straight down the plain
// compress-and-write path, the same as a DataVIO entering a Bypassing
// lock — the caller need not call anything else for it.
func (z *HashZone) EnterHashLock(hash types.Hash, dv DataVIO, sameData bool) {
	if !sameData {
		z.collisions++
		vdometrics.HashLockCollisions.Inc()
		dv.CompressAndWrite()
		return
	}

	lock, ok := z.locks[hash]
	if !ok {
		lock = z.acquireFromPool(hash)
		z.locks[hash] = lock
	}
	z.dispatch(lock, dv)
}

func (z *HashZone) acquireFromPool(hash types.Hash) *HashLock {
	var lock *HashLock
	if n := len(z.pool); n > 0 {
		lock = z.pool[n-1]
		z.pool = z.pool[:n-1]
	} else {
		lock = newPooledLock()
	}
	lock.hash = hash
	lock.state = stateInitializing
	return lock
}

// dispatch implements §4.5 "Entry (enter_hash_lock)"'s per-state table for
// a DataVIO that is not a hash collision.
func (z *HashZone) dispatch(lock *HashLock, dv DataVIO) {
	switch lock.state {
	case stateInitializing:
		dv.SetHashLock(lock)
		lock.agent = dv
		lock.addHolder(dv)
		lock.state = stateQuerying
		z.startQuerying(lock)

	case stateQuerying, stateWriting, stateUpdating, stateLocking, stateVerifying, stateUnlocking:
		dv.SetHashLock(lock)
		lock.waiters.PushBack(dv)
		lock.addHolder(dv)
		if lock.referenceCount > int(z.maxReferences) {
			z.maxReferences = int64(lock.referenceCount)
			vdometrics.HashLockMaxReferences.Inc()
		}
		if lock.state == stateWriting && z.compressor != nil {
			z.compressor.CancelCompression(lock.hash)
		}

	case stateDeduping:
		dv.SetHashLock(lock)
		lock.addHolder(dv)
		z.claimAndDedupe(lock, dv)

	case stateBypassing:
		dv.CompressAndWrite()

	case stateDestroying:
		assertf(false, "enter_hash_lock on a lock in Destroying state")

	default:
		assertf(false, "enter_hash_lock on unknown state %v", lock.state)
	}
}

// ContinueHashLock re-enters the state machine after an agent's (or, in
// Deduping, a non-agent holder's) asynchronous step completes (§4.5
// "Continuation"). sharedLock is only meaningful when state is Writing
// (the rare shared-compressed-block case); pass nil otherwise.
func (z *HashZone) ContinueHashLock(lock *HashLock, dv DataVIO, err error, sharedLock external.PBNLock) {
	switch lock.state {
	case stateWriting:
		assertf(dv == lock.agent, "Writing continuation from a non-agent DataVIO")
		if err != nil {
			z.AbortHashLock(lock, dv, err)
			return
		}
		z.finishWriting(lock, sharedLock)

	case stateDeduping:
		z.finishDeduping(lock, dv, err)

	case stateBypassing:
		// dv already exited via CompressAndWrite; nothing to do.

	default:
		assertf(false, "illegal continuation in state %v", lock.state)
	}
}

// AbortHashLock moves the lock to Bypassing on an error (§4.5 "Any state
// → Bypassing on error via abort_hash_lock"). If err did not originate
// from the agent and other DataVIOs still share the lock, only dv exits;
// the lock's state is otherwise preserved.
func (z *HashZone) AbortHashLock(lock *HashLock, dv DataVIO, err error) {
	if dv != lock.agent && (len(lock.duplicateRing) > 1 || lock.waiters.Len() > 0) {
		lock.removeHolder(dv)
		dv.Fail(err)
		return
	}

	lock.state = stateBypassing
	lock.updateAdvice = false
	agent := lock.agent
	lock.agent = nil

	lock.waiters.DrainAll(func(w DataVIO) {
		w.CompressAndWrite()
	})
	lock.duplicateRing = nil
	lock.referenceCount = 0

	if lock.duplicateLock != nil {
		z.pbnZone.ReleaseLock(lock.duplicatePBN, lock.duplicateLock)
		lock.duplicateLock = nil
		lock.haveDuplicate = false
	}

	if agent != nil && agent != dv {
		agent.Fail(err)
	}
	dv.Fail(err)

	z.destroy(lock)
}

// --- Querying ---

func (z *HashZone) startQuerying(lock *HashLock) {
	agent := lock.agent
	z.dedupIndex.CheckForDuplication(lock.hash, func(isDuplicate bool, pbn types.PBN, state types.MappingState) {
		z.finishQuerying(lock, agent, isDuplicate, pbn, state)
	})
}

func (z *HashZone) finishQuerying(lock *HashLock, agent DataVIO, isDuplicate bool, pbn types.PBN, state types.MappingState) {
	if isDuplicate {
		z.validAdvice++
		vdometrics.HashLockValidAdvice.Inc()
		lock.duplicatePBN = pbn
		lock.duplicateState = state
		lock.haveDuplicate = true
		lock.state = stateLocking
		z.lockDuplicatePBN(lock)
		return
	}

	// Querying → Writing (no valid advice): if we already wrote our own
	// data (has_allocation) there is nothing further to post, so
	// update_advice is only needed when this write has no allocation of
	// its own yet.
	lock.updateAdvice = !agent.HasAllocation()
	lock.state = stateWriting
	agent.Write()
}

// --- Locking ---

// lockDuplicatePBN implements §4.5 "Locking algorithm (lock_duplicate_pbn)".
// PBNZone.AttemptLock and SlabDepot's methods are synchronous calls in this
// module (§6 models them as ordinary collaborator methods, not
// callback-async like PhysicalLayer/DedupIndex), so the whole algorithm
// runs inline rather than across a suspension point.
func (z *HashZone) lockDuplicatePBN(lock *HashLock) {
	limit := z.slabDepot.GetIncrementLimit(lock.duplicatePBN)
	if limit == 0 {
		z.adviceIsStale(lock)
		return
	}

	pbnLock, err := z.pbnZone.AttemptLock(lock.duplicatePBN, external.PBNLockRead)
	if err != nil || !pbnLock.IsReadLock() {
		// Write-locked (block map write, compressed-block write, or
		// foreign data write) → abandon.
		z.adviceIsStale(lock)
		return
	}

	if pbnLock.HolderCount() == 0 {
		if err := z.slabDepot.AcquireProvisionalReference(lock.duplicatePBN, pbnLock); err != nil {
			z.pbnZone.ReleaseLock(lock.duplicatePBN, pbnLock)
			z.adviceIsStale(lock)
			return
		}
	}

	lock.duplicateLock = pbnLock
	pbnLock.AddHolder()

	if !pbnLock.ClaimIncrement() {
		// Locking → Unlocking: lock acquired but no increment budget
		// after re-lock; must release and try again.
		lock.unlockToWriting = true
		lock.state = stateUnlocking
		z.finishUnlocking(lock)
		return
	}

	if lock.verified {
		// Locking → Deduping: already verified (a retry after
		// Unlocking→Locking), skip verify. The agent has never written
		// its own block-map reference, so it still must dedupe.
		z.enterDeduping(lock, true)
		return
	}

	// Locking → Verifying: got the lock, unverified.
	lock.state = stateVerifying
	z.startVerifying(lock)
}

// adviceIsStale implements Locking → Writing: the advice block is
// write-locked or has zero increment budget.
func (z *HashZone) adviceIsStale(lock *HashLock) {
	z.staleAdvice++
	vdometrics.HashLockStaleAdvice.Inc()
	lock.haveDuplicate = false
	lock.updateAdvice = true
	lock.state = stateWriting
	lock.agent.Write()
}

// --- Verifying ---

func (z *HashZone) startVerifying(lock *HashLock) {
	z.dedupIndex.VerifyDuplication(lock.duplicatePBN, lock.hash, func(matched bool) {
		z.finishVerifying(lock, matched)
	})
}

func (z *HashZone) finishVerifying(lock *HashLock, matched bool) {
	if matched {
		z.dataMatch++
		vdometrics.HashLockDataMatch.Inc()
		lock.verified = true
		// The agent itself still needs its own block-map reference
		// against the verified duplicate.
		z.enterDeduping(lock, true)
		return
	}

	// Verifying → Unlocking: data differs, release and go write fresh
	// data instead.
	lock.updateAdvice = true
	lock.unlockToWriting = true
	lock.state = stateUnlocking
	z.finishUnlocking(lock)
}

// --- Writing ---

func (z *HashZone) finishWriting(lock *HashLock, sharedLock external.PBNLock) {
	agent := lock.agent

	if lock.waiters.Len() > 0 {
		// Writing → Deduping: downgrade our own allocation lock into
		// the duplicate lock and launch waiters against it. The lock
		// just became a dedup target for the first time, so it needs a
		// provisional reference and increment budget the same way a
		// brand-new duplicate lock gets one in lockDuplicatePBN.
		pbnLock := agent.AllocationLock()
		assertf(pbnLock != nil, "Writing→Deduping with no allocation lock to transfer")
		pbnLock.DowngradeWriteLock()
		pbn := agent.Allocation()
		if err := z.slabDepot.AcquireProvisionalReference(pbn, pbnLock); err != nil {
			z.AbortHashLock(lock, agent, err)
			return
		}
		lock.duplicateLock = pbnLock
		lock.duplicatePBN = pbn
		lock.duplicateState = types.MappingStateMapped
		lock.haveDuplicate = true
		lock.verified = true
		// The agent already wrote and mapped its own data; only the
		// waiters behind it need to claim a reference.
		z.enterDeduping(lock, false)
		return
	}

	if sharedLock != nil {
		lock.duplicateLock = sharedLock
		lock.haveDuplicate = true
	}

	if !lock.haveDuplicate {
		// No advice led us here (or advice turned out stale): the
		// location we must post to the index, and/or release the lock
		// for, is the agent's own fresh allocation.
		lock.duplicatePBN = agent.Allocation()
		lock.duplicateState = types.MappingStateMapped
		lock.haveDuplicate = true
	}

	if lock.updateAdvice {
		lock.state = stateUpdating
		z.startUpdating(lock)
		return
	}

	if lock.duplicateLock != nil {
		// Writing → Unlocking: a compressed write gave us a shared
		// read lock we must release.
		lock.unlockToWriting = false
		lock.state = stateUnlocking
		z.finishUnlocking(lock)
		return
	}

	// Writing → Destroying: no waiters, no update, no duplicate lock.
	z.destroy(lock)
}

// --- Deduping ---

// enterDeduping transitions into Deduping from Locking, Verifying, Writing
// or Updating. agentDedupes distinguishes the two ways the current agent
// can arrive here: from Locking/Verifying it has never written its own
// block-map reference against the duplicate and must still call Dedupe
// like any other holder (true); from Writing/Updating it already wrote or
// already holds a reference and only needs removing from the holder count
// (false). Every accumulated waiter, in either case, attempts to claim its
// own increment.
func (z *HashZone) enterDeduping(lock *HashLock, agentDedupes bool) {
	agent := lock.agent
	lock.agent = nil
	lock.state = stateDeduping

	if agent != nil {
		if agentDedupes {
			agent.Dedupe(lock.duplicatePBN, lock.duplicateState)
		} else {
			z.finishDeduping(lock, agent, nil)
		}
	}
	lock.waiters.DrainAll(func(dv DataVIO) {
		z.claimAndDedupe(lock, dv)
	})
}

// claimAndDedupe claims one increment from the duplicate lock for dv,
// already counted in duplicateRing, and either launches its dedupe or
// forks a new lock once the budget is exhausted (§4.5 "Deduping (rollover,
// mid-path)").
func (z *HashZone) claimAndDedupe(lock *HashLock, dv DataVIO) {
	if lock.duplicateLock == nil || !lock.duplicateLock.ClaimIncrement() {
		z.fork(lock, dv)
		return
	}
	dv.Dedupe(lock.duplicatePBN, lock.duplicateState)
}

// fork implements §4.5 "fork": a new HashLock is allocated for the same
// hash, supersedes the old one in the map, and takes over as the vehicle
// for updating the index and for every waiter the old lock had not yet
// processed. dv — which just failed to claim an increment against the
// old lock — becomes the new lock's agent.
func (z *HashZone) fork(lock *HashLock, dv DataVIO) {
	lock.removeHolder(dv)

	z.forks++
	vdometrics.HashLockForks.Inc()

	newLock := z.acquireFromPool(lock.hash)
	lock.updateAdvice = false
	newLock.updateAdvice = true
	newLock.agent = dv
	newLock.addHolder(dv)
	z.locks[lock.hash] = newLock

	lock.waiters.DrainAll(func(w DataVIO) {
		lock.removeHolder(w)
		newLock.waiters.PushBack(w)
		newLock.addHolder(w)
	})

	// The old lock is superseded in the map but is not itself done: it
	// may still be holding pbn's read lock on behalf of holders that
	// have now all been removed (dv above, and every waiter just
	// transferred to newLock). Once its reference count has dropped to
	// zero, it needs exactly the same post-Deduping cleanup a holder's
	// own finishDeduping would have driven it through — updateAdvice is
	// already false (:487), so it goes straight Unlocking→Destroying —
	// but nothing else will ever call finishDeduping for it again, since
	// every holder it had has been reassigned elsewhere.
	if lock.referenceCount == 0 {
		lock.agent = nil
		lock.unlockToWriting = false
		lock.state = stateUnlocking
		z.finishUnlocking(lock)
	}

	dv.SetHashLock(newLock)
	newLock.state = stateWriting
	dv.Write()
}

func (z *HashZone) finishDeduping(lock *HashLock, dv DataVIO, err error) {
	lock.removeHolder(dv)
	if err != nil {
		dv.Fail(err)
	}

	if lock.referenceCount > 0 {
		return
	}

	// dv becomes the agent for whatever Deduping's last holder must do
	// next (§4.5 table lists Updating and Unlocking as agent-driven
	// states).
	lock.agent = dv

	if lock.updateAdvice {
		lock.state = stateUpdating
		z.startUpdating(lock)
		return
	}

	lock.unlockToWriting = false
	lock.state = stateUnlocking
	z.finishUnlocking(lock)
}

// --- Updating ---

func (z *HashZone) startUpdating(lock *HashLock) {
	z.dedupIndex.UpdateDedupeIndex(lock.hash, lock.duplicatePBN, lock.duplicateState, func() {
		z.finishUpdating(lock)
	})
}

func (z *HashZone) finishUpdating(lock *HashLock) {
	if lock.waiters.Len() > 0 {
		// The Updating agent always already holds its own reference
		// (it either just wrote and mapped its own data, or was
		// already a Deduping holder before becoming agent); only the
		// newly arrived waiters need to claim one.
		z.enterDeduping(lock, false)
		return
	}

	if lock.duplicateLock != nil {
		lock.unlockToWriting = false
		lock.state = stateUnlocking
		z.finishUnlocking(lock)
		return
	}

	z.destroy(lock)
}

// --- Unlocking ---

// finishUnlocking releases the duplicate PBN lock (a synchronous call in
// this module, §6) and then resolves §4.5's three Unlocking exits: a
// waiter retries the lock from scratch, an unverified release goes back
// to Writing, or there is nothing left to do.
func (z *HashZone) finishUnlocking(lock *HashLock) {
	if lock.duplicateLock != nil {
		z.pbnZone.ReleaseLock(lock.duplicatePBN, lock.duplicateLock)
		lock.duplicateLock = nil
	}
	lock.haveDuplicate = false

	if dv, ok := lock.waiters.PopFront(); ok {
		// Unlocking → Locking: retire the agent to the first waiter
		// and re-lock from scratch.
		lock.agent = dv
		lock.verified = false
		lock.state = stateLocking
		z.lockDuplicatePBN(lock)
		return
	}

	if lock.unlockToWriting {
		// Unlocking → Writing: we released an unverified lock; write
		// new data and remember to update.
		agent := lock.agent
		lock.updateAdvice = true
		lock.state = stateWriting
		agent.Write()
		return
	}

	// Unlocking → Destroying: no waiters, no further obligations.
	z.destroy(lock)
}

// --- Destroying ---

func (z *HashZone) destroy(lock *HashLock) {
	lock.state = stateDestroying
	// A forked lock is superseded in the map by its successor before it
	// is itself driven to Destroying (see fork); only remove the map
	// entry if it still points at this lock, or destroying the
	// superseded old lock would delete its successor instead.
	if z.locks[lock.hash] == lock {
		delete(z.locks, lock.hash)
	}
	lock.reset()
	z.pool = append(z.pool, lock)
}
