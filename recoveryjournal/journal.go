// Package recoveryjournal implements the circular write-ahead log that
// mediates admission, orders entries into fixed-size on-disk blocks,
// coordinates commit acknowledgement, and reaps journal space (§1, §3,
// §4.2, §4.3). Grounded on the teacher's pkg/txpool/tx_journal.go for the
// disk-backed append/rotate shape and pkg/core/state/journal.go for the
// revert-log bookkeeping style, generalized to the ring-of-fixed-blocks
// design §2 and §3 describe.
package recoveryjournal

import (
	"github.com/mod-vdo/vdocore/external"
	"github.com/mod-vdo/vdocore/lockcounter"
	"github.com/mod-vdo/vdocore/types"
	"github.com/mod-vdo/vdocore/vdolog"
	"github.com/mod-vdo/vdocore/vdometrics"
	"github.com/mod-vdo/vdocore/waitqueue"
)

// RecoveryJournal owns the ring of JournalBlocks, the admission queues,
// the reap frontiers, and the admin state machine (§3 "RecoveryJournal
// entity"). Every exported method that is not explicitly documented as
// safe from another zone is journal-thread-only (§5): this type has no
// internal locking of its own and relies on its caller to serialize
// access, exactly like the teacher's single-threaded TxJournal.
type RecoveryJournal struct {
	config Config

	lockCounter      *lockcounter.LockCounter
	layer            external.PhysicalLayer
	blockMap         external.BlockMap
	slabDepot        external.SlabDepot
	readOnlyNotifier external.ReadOnlyNotifier
	log              *vdolog.Logger

	tail                  types.SequenceNumber
	appendPoint           types.JournalPoint
	lastWriteAcknowledged types.SequenceNumber
	haveWriteAcknowledged bool // disambiguates lastWriteAcknowledged==0 from "nothing committed yet"
	commitPoint           types.JournalPoint

	blockMapHead        types.SequenceNumber
	slabJournalHead     types.SequenceNumber
	blockMapReapHead    types.SequenceNumber
	slabJournalReapHead types.SequenceNumber

	availableSpace        int
	pendingDecrementCount int

	logicalBlocksUsed  uint64
	blockMapDataBlocks uint64

	incrementWaiters *waitqueue.Queue[DataVIO]
	decrementWaiters *waitqueue.Queue[DataVIO]
	pendingWrites    *waitqueue.Queue[*JournalBlock]
	pendingWriteCount int

	freeTailBlocks   []*JournalBlock
	activeTailBlocks []*JournalBlock
	activeBlock      *JournalBlock

	reaping       bool
	addingEntries bool

	adminState adminState
}

// New constructs a RecoveryJournal in its fresh (unopened) admin state,
// sized per cfg, wired to the given collaborators (§6). lc must be sized
// for at least cfg.JournalSize slots; New does not allocate it, matching
// how the journal and the hash lock's PBN zones share a single
// process-wide LockCounter in the larger system.
func New(cfg Config, lc *lockcounter.LockCounter, layer external.PhysicalLayer, blockMap external.BlockMap, slabDepot external.SlabDepot, ron external.ReadOnlyNotifier, log *vdolog.Logger) *RecoveryJournal {
	j := &RecoveryJournal{
		config:           cfg,
		lockCounter:      lc,
		layer:            layer,
		blockMap:         blockMap,
		slabDepot:        slabDepot,
		readOnlyNotifier: ron,
		log:              log,
		incrementWaiters: waitqueue.New[DataVIO](),
		decrementWaiters: waitqueue.New[DataVIO](),
		pendingWrites:    waitqueue.New[*JournalBlock](),
		availableSpace:   UsableBlocks(cfg.JournalSize) * EntriesPerBlock,
		// Sequence numbers are 1-based (§8 scenario 1 "Start tail=1, all
		// heads=1"): sequence 0 is reserved as JournalPoint's "not yet
		// assigned" sentinel (types.JournalPoint.IsZero), so a fresh
		// journal's tail and both reap frontiers start at 1, not 0.
		tail:                1,
		blockMapHead:        1,
		slabJournalHead:     1,
		blockMapReapHead:    1,
		slabJournalReapHead: 1,
	}
	for i := 0; i < cfg.TailBufferSize; i++ {
		j.freeTailBlocks = append(j.freeTailBlocks, newJournalBlock())
	}
	if ron != nil {
		ron.RegisterListener(j.onReadOnlyNotified)
	}
	return j
}

// Open transitions the journal from freshly constructed to
// NormalOperation (§4.3 "open").
func (j *RecoveryJournal) Open() error {
	return j.adminState.open()
}

// IsReadOnly reports whether the journal has entered its absorbing
// read-only state.
func (j *RecoveryJournal) IsReadOnly() bool { return j.adminState.isReadOnly() }

// Tail returns the next free sequence number.
func (j *RecoveryJournal) Tail() types.SequenceNumber { return j.tail }

// CommitPoint returns the highest (sequence, entry) point released so
// far.
func (j *RecoveryJournal) CommitPoint() types.JournalPoint { return j.commitPoint }

// LastWriteAcknowledged returns the highest committed sequence number.
func (j *RecoveryJournal) LastWriteAcknowledged() types.SequenceNumber {
	return j.lastWriteAcknowledged
}

// AvailableSpace returns the number of entries that may still be
// assigned.
func (j *RecoveryJournal) AvailableSpace() int { return j.availableSpace }

// Heads returns the current block-map and slab-journal reap frontiers
// (§3 "block_map_head, slab_journal_head").
func (j *RecoveryJournal) Heads() (blockMapHead, slabJournalHead types.SequenceNumber) {
	return j.blockMapHead, j.slabJournalHead
}

// AddEntry admits vio's journal entry (§4.3 "add_entry"). Journal-thread
// only.
func (j *RecoveryJournal) AddEntry(vio DataVIO) error {
	if j.adminState.isReadOnly() {
		vio.Complete(ErrReadOnly)
		return ErrReadOnly
	}
	if !j.adminState.isNormal() {
		return ErrInvalidAdminState
	}
	j.appendPoint.EntryIndex++

	if vio.Operation() == types.DataDecrement {
		j.decrementWaiters.PushBack(vio)
	} else {
		j.incrementWaiters.PushBack(vio)
	}
	j.assignEntries()
	return nil
}

// admitResult is assignEntry's outcome. It is returned rather than acted
// on internally so assignEntries has one single place that pops the
// admission queue and, for the fatal case, enters read-only. The vio is
// not popped from its queue until after assignEntry returns; when
// assignEntry itself drove the journal read-only, enterReadOnly's queue
// drain has already removed and completed the vio, so assignEntries finds
// it gone from the queue and does not complete it a second time.
type admitResult int

const (
	admitAdmitted admitResult = iota
	admitBackpressure
	admitFatal
)

// assignEntries drains the admission queues, decrements first (§4.3
// "assign_entries"), guarded against re-entrant invocation from a
// synchronous write completion (§9 "Re-entrancy guard").
func (j *RecoveryJournal) assignEntries() {
	if j.addingEntries {
		return
	}
	j.addingEntries = true
	defer func() { j.addingEntries = false }()

	for {
		vio, ok := j.decrementWaiters.Front()
		if !ok {
			break
		}
		result, err := j.assignEntry(vio, true)
		_, stillQueued := j.decrementWaiters.PopFront()
		switch result {
		case admitAdmitted:
		case admitBackpressure:
			// Decrements are guaranteed admittable (§4.3): backpressure
			// here (no room to advance the tail) is really the fatal
			// RECOVERY_JOURNAL_FULL condition, not retryable.
			j.enterReadOnly(ErrJournalFull)
			vio.Complete(ErrReadOnly)
		case admitFatal:
			if err != ErrReadOnly {
				j.enterReadOnly(err)
			}
			if stillQueued {
				vio.Complete(ErrReadOnly)
			}
		}
	}

	for {
		vio, ok := j.incrementWaiters.Front()
		if !ok {
			break
		}
		result, err := j.assignEntry(vio, false)
		if result == admitBackpressure {
			vdometrics.JournalDiskFull.Inc()
			break
		}
		_, stillQueued := j.incrementWaiters.PopFront()
		if result == admitFatal {
			if err != ErrReadOnly {
				j.enterReadOnly(err)
			}
			if stillQueued {
				vio.Complete(ErrReadOnly)
			}
		}
	}

	j.writeBlocks()
	j.checkSlabJournalCommitThreshold()
}

// assignEntry attempts to admit one entry into the active block,
// advancing the tail if needed (§4.3 "assign_entries" per-entry body). It
// never mutates the admission queues and never completes vio itself —
// see admitResult.
func (j *RecoveryJournal) assignEntry(vio DataVIO, isDecrement bool) (admitResult, error) {
	if j.adminState.isReadOnly() {
		return admitFatal, ErrReadOnly
	}

	if j.activeBlock == nil || j.activeBlock.isFull() {
		if !j.advanceTail() {
			if j.adminState.isReadOnly() {
				return admitFatal, ErrReadOnly
			}
			return admitBackpressure, nil
		}
	}

	if isDecrement {
		if j.availableSpace <= 0 {
			return admitBackpressure, nil
		}
	} else if j.availableSpace-j.pendingDecrementCount <= 1 {
		return admitBackpressure, nil
	}

	op := vio.Operation()
	switch op {
	case types.DataIncrement:
		if vio.MappingState().IsMapped() {
			j.logicalBlocksUsed++
		}
		j.pendingDecrementCount++
	case types.DataDecrement:
		if vio.MappingState().IsMapped() {
			j.logicalBlocksUsed--
		}
		blockIndex := j.blockIndex(j.activeBlock.sequenceNumber)
		if err := j.lockCounter.ReleaseJournalZoneReference(blockIndex); err != nil {
			return admitFatal, err
		}
		if j.pendingDecrementCount <= 0 {
			return admitFatal, ErrJournalFull
		}
		j.pendingDecrementCount--
	case types.BlockMapIncrement:
		j.blockMapDataBlocks++
	default:
		return admitFatal, ErrNotImplemented
	}

	entry := Entry{Operation: op, MappingState: vio.MappingState(), LBN: vio.LBN(), PBN: vio.PBN()}
	j.activeBlock.enqueueEntry(vio, entry)
	j.availableSpace--

	if j.activeBlock.isFull() {
		j.queueForWrite(j.activeBlock)
	}
	return admitAdmitted, nil
}

// blockIndex maps a sequence number to its physical slot in the ring.
// Sequence numbers are 1-based (§8 scenario 1 "Start tail=1, all
// heads=1"), so the first block ever written (sequence 1) lands at index
// 0, matching the "not yet assigned" JournalPoint zero value staying
// distinct from any real point.
func (j *RecoveryJournal) blockIndex(seq types.SequenceNumber) int {
	return int(seq-1) % j.config.JournalSize
}

// advanceTail pops a free block, initializes it as the new active tail
// block, and advances tail (§4.3 "advance_tail"). It returns false when
// the ring has no room (either no in-memory buffer is free, or the
// on-disk ring has no free slot), in which case the caller treats the
// current admission as disk_full backpressure, or when the sequence
// number would overflow (§3, §7 JournalOverflow, fatal).
func (j *RecoveryJournal) advanceTail() bool {
	if j.tail.ExceedsMax() {
		j.enterReadOnly(ErrJournalOverflow)
		return false
	}

	head := j.blockMapHead
	if j.slabJournalHead < head {
		head = j.slabJournalHead
	}
	if uint64(j.tail)-uint64(head) >= uint64(j.config.JournalSize) {
		return false
	}

	if len(j.freeTailBlocks) == 0 {
		return false
	}
	block := j.freeTailBlocks[len(j.freeTailBlocks)-1]
	j.freeTailBlocks = j.freeTailBlocks[:len(j.freeTailBlocks)-1]

	seq := j.tail
	blockIndex := j.blockIndex(seq)
	block.reset(seq, uint64(blockIndex), j.config.Nonce, j.config.RecoveryCount)
	j.lockCounter.Initialize(blockIndex)

	j.activeTailBlocks = append(j.activeTailBlocks, block)
	j.activeBlock = block
	j.tail++
	j.appendPoint = types.JournalPoint{SequenceNumber: seq}
	if j.blockMap != nil {
		j.blockMap.AdvanceBlockMapEra(seq)
	}
	return true
}

// queueForWrite enqueues block onto pendingWrites unless it is already
// queued (§4.2 "write_waiter": self-link into the journal's pending
// writes queue).
func (j *RecoveryJournal) queueForWrite(block *JournalBlock) {
	if block.queuedForWrite {
		return
	}
	block.queuedForWrite = true
	j.pendingWrites.PushBack(block)
}

// writeBlocks schedules outstanding writes per the configured write
// policy (§4.3 "Write scheduling"). Async batches full blocks behind a
// zero-outstanding gate; Sync and AsyncUnsafe issue every full block
// eagerly. Both also opportunistically issue a committable active block
// once nothing else is pending, guaranteeing that at function return
// either no DataVIO is waiting or a write is outstanding whose completion
// will re-enter the scheduler.
func (j *RecoveryJournal) writeBlocks() {
	if j.adminState.isReadOnly() {
		return
	}

	if j.layer.WritePolicy() == external.WritePolicyAsync {
		if j.pendingWriteCount == 0 {
			j.drainPendingWrites()
		}
		if j.pendingWriteCount == 0 && j.activeBlock != nil && j.activeBlock.canCommit() {
			j.issueWrite(j.activeBlock)
		}
		return
	}

	j.drainPendingWrites()
	if j.activeBlock != nil && j.activeBlock.canCommit() && !j.activeBlock.queuedForWrite {
		j.issueWrite(j.activeBlock)
	}
}

func (j *RecoveryJournal) drainPendingWrites() {
	for {
		block, ok := j.pendingWrites.PopFront()
		if !ok {
			return
		}
		j.issueWrite(block)
	}
}

func (j *RecoveryJournal) issueWrite(block *JournalBlock) {
	block.queuedForWrite = false
	data := block.commit()
	j.pendingWriteCount++
	vdometrics.JournalBlocksWritten.Inc()
	j.layer.WriteBlock(block.blockNumber, data, func(err error) {
		j.completeWrite(block, err)
	})
}

// completeWrite runs on write completion for a single journal block
// (§4.3 "complete_write"). Journal-thread only (delivered via the
// PhysicalLayer completion callback, which this module assumes always
// re-enters the journal thread — see the demo command for how a real
// executor would hop back).
func (j *RecoveryJournal) completeWrite(block *JournalBlock, err error) {
	j.pendingWriteCount--
	block.completeCommit()

	if err != nil {
		j.enterReadOnly(ErrWrite)
	} else if !j.haveWriteAcknowledged || block.sequenceNumber > j.lastWriteAcknowledged {
		j.lastWriteAcknowledged = block.sequenceNumber
		j.haveWriteAcknowledged = true
	}

	j.notifyCommitWaiters()

	if !j.adminState.isReadOnly() {
		if block.isDirty() && block.isFull() {
			j.queueForWrite(block)
		}
		j.writeBlocks()
	}
	j.checkForDrainComplete()
}

// notifyCommitWaiters walks the active ring from the front, releasing
// each non-committing block's commit_waiters in strict point order and
// recycling fully committed, full blocks, stopping at the first block
// that is still committing, still dirty, or not yet full (§4.3
// "complete_write" / notify_commit_waiters). In read-only mode every
// block's waiters — both commit and entry — are released with the error
// instead (§9 open question (ii)).
func (j *RecoveryJournal) notifyCommitWaiters() {
	readOnly := j.adminState.isReadOnly()

	for len(j.activeTailBlocks) > 0 {
		block := j.activeTailBlocks[0]
		if block.committing {
			break
		}

		if readOnly {
			block.drainCommitWaiters(ErrReadOnly)
			block.drainEntryWaiters(ErrReadOnly)
			j.recycleBlock(block)
			j.activeTailBlocks = j.activeTailBlocks[1:]
			if j.activeBlock == block {
				j.activeBlock = nil
			}
			continue
		}

		block.notifyCommitWaiters(func(point types.JournalPoint) {
			vdometrics.JournalEntriesCommitted.Inc()
			if point.After(j.commitPoint) {
				j.commitPoint = point
			}
		})

		if !block.isFullyCommittedAndClean() {
			break
		}
		j.recycleBlock(block)
		j.activeTailBlocks = j.activeTailBlocks[1:]
		if j.activeBlock == block {
			j.activeBlock = nil
		}
	}
}

// recycleBlock returns block to the free pool. It does not touch the
// LockCounter: per-entry lock shares still held on the block's slot are
// not released here, and the slot's per-entry count is only reset when
// advanceTail next uses the slot. Downstream zones' references are
// unaffected by recycling the in-memory buffer.
func (j *RecoveryJournal) recycleBlock(block *JournalBlock) {
	j.freeTailBlocks = append(j.freeTailBlocks, block)
}

// checkSlabJournalCommitThreshold asks the slab depot to commit its
// oldest tail blocks once the journal has grown more than two thirds of
// the way to the slab journal head, keeping the reap frontier moving
// (§4.3).
func (j *RecoveryJournal) checkSlabJournalCommitThreshold() {
	if j.slabDepot == nil {
		return
	}
	if uint64(j.tail)-uint64(j.slabJournalHead) > uint64(j.config.JournalSize)*2/3 {
		if err := j.slabDepot.CommitOldestSlabJournalTailBlocks(j.slabJournalHead); err != nil {
			j.enterReadOnly(err)
		}
	}
}

// reapRecoveryJournalCallback is the LockCounter.OnUnlock callback
// (§4.1, §4.3 "Reaping"). It must be registered by the caller that
// constructs both the LockCounter and this journal, since LockCounter and
// RecoveryJournal are independently constructed collaborators.
func (j *RecoveryJournal) reapRecoveryJournalCallback(blockIndex int, zoneType types.ZoneType) {
	j.lockCounter.Acknowledge(blockIndex, zoneType)
	j.attemptReap()
}

func (j *RecoveryJournal) attemptReap() {
	if j.reaping {
		return
	}

	advancedLogical := j.advanceReapHead(&j.blockMapReapHead, types.ZoneTypeLogical)
	advancedPhysical := j.advanceReapHead(&j.slabJournalReapHead, types.ZoneTypePhysical)
	if !advancedLogical && !advancedPhysical {
		return
	}

	if j.layer.WritePolicy() == external.WritePolicySync {
		j.finishReaping(nil)
		return
	}

	j.reaping = true
	j.layer.LaunchFlush(func(err error) {
		j.onReapFlushComplete(err)
	})
}

// advanceReapHead advances *head by consecutive unlocked slots (per the
// given zone type), wrapping modulo the journal size, starting from the
// current head. It returns whether the head moved at all.
func (j *RecoveryJournal) advanceReapHead(head *types.SequenceNumber, zoneType types.ZoneType) bool {
	if !j.haveWriteAcknowledged {
		return false
	}
	moved := false
	for uint64(*head) <= uint64(j.lastWriteAcknowledged) {
		blockIndex := j.blockIndex(*head)
		if j.lockCounter.IsLocked(blockIndex, zoneType) {
			break
		}
		*head++
		moved = true
	}
	return moved
}

func (j *RecoveryJournal) onReapFlushComplete(err error) {
	j.reaping = false
	if err != nil {
		j.enterReadOnly(ErrFlush)
		j.checkForDrainComplete()
		return
	}
	j.finishReaping(nil)
}

// finishReaping applies the advanced reap heads as the real heads,
// credits the reclaimed space back to availableSpace, and retries
// assignment and further reaping (§4.3 step 5 "finish_reaping").
func (j *RecoveryJournal) finishReaping(err error) {
	if err != nil {
		j.enterReadOnly(err)
		return
	}

	// A ring slot is only free once both heads have passed it, so the
	// space reclaimed is how far the lower of the two heads moved.
	oldHead := min(j.blockMapHead, j.slabJournalHead)
	j.blockMapHead = j.blockMapReapHead
	j.slabJournalHead = j.slabJournalReapHead
	reaped := int(min(j.blockMapHead, j.slabJournalHead) - oldHead)
	if reaped > 0 {
		j.availableSpace += reaped * EntriesPerBlock
		vdometrics.JournalReaps.Add(int64(reaped))
		vdometrics.JournalAvailableSpace.Set(int64(j.availableSpace))
	}

	j.checkSlabJournalCommitThreshold()
	j.assignEntries()
	j.attemptReap()
	j.checkForDrainComplete()
}

// enterReadOnly forces the journal into its absorbing read-only admin
// state and notifies the process-wide read-only observer (§7).
func (j *RecoveryJournal) enterReadOnly(err error) {
	if j.adminState.isReadOnly() {
		return
	}
	j.adminState.enterReadOnly()
	if j.log != nil {
		j.log.Error("recovery journal entering read-only mode", vdolog.F("error", err))
	}
	if j.readOnlyNotifier != nil {
		j.readOnlyNotifier.EnterReadOnlyMode(err)
	}
	j.notifyCommitWaiters()
	j.incrementWaiters.DrainAll(func(v DataVIO) { v.Complete(ErrReadOnly) })
	j.decrementWaiters.DrainAll(func(v DataVIO) { v.Complete(ErrReadOnly) })
}

// onReadOnlyNotified is registered with the ReadOnlyNotifier at
// construction (§6 "ReadOnlyNotifier"); it re-runs
// check_for_drain_complete, per §7's propagation policy ("the RJ's
// listener simply re-runs check_for_drain_complete").
func (j *RecoveryJournal) onReadOnlyNotified(err error, ack func()) {
	j.checkForDrainComplete()
	ack()
}

// Drain begins a cooperative shutdown for the named operation ("save",
// "suspend", or any other drain reason); onDone is invoked exactly once
// when check_for_drain_complete's conditions hold (§4.3 "drain").
func (j *RecoveryJournal) Drain(operation string, onDone func(error)) {
	j.adminState.drain(operation, onDone)
	j.checkForDrainComplete()
}

// Resume brings a saved or loaded journal back to NormalOperation (§4.3
// "resume").
func (j *RecoveryJournal) Resume() {
	j.adminState.resume()
}

// checkForDrainComplete is idempotent and safe to call after any
// journal event; it only finishes the drain once every in-flight
// obligation has quiesced (§4.3 "check_for_drain_complete").
func (j *RecoveryJournal) checkForDrainComplete() {
	if !j.adminState.isDraining() {
		return
	}
	if j.reaping {
		return
	}
	for _, b := range j.activeTailBlocks {
		if !b.entryWaiters.IsEmpty() || !b.commitWaiters.IsEmpty() {
			return
		}
	}
	if !j.incrementWaiters.IsEmpty() || !j.decrementWaiters.IsEmpty() {
		return
	}
	if j.adminState.isSaving() {
		if j.activeBlock != nil && j.activeBlock.isDirty() {
			return
		}
		if len(j.activeTailBlocks) != 0 {
			return
		}
	}
	j.adminState.finishDrain(nil)
}

// Stats summarizes the journal's current counters, additive observability
// named in SPEC_FULL.md §0.3.
type Stats struct {
	Tail                  types.SequenceNumber
	LastWriteAcknowledged types.SequenceNumber
	AvailableSpace        int
	PendingDecrementCount int
	LogicalBlocksUsed     uint64
	BlockMapDataBlocks    uint64
	ActiveBlocks          int
	FreeBlocks            int
}

// Stats returns a snapshot of the journal's bookkeeping counters.
func (j *RecoveryJournal) Stats() Stats {
	return Stats{
		Tail:                  j.tail,
		LastWriteAcknowledged: j.lastWriteAcknowledged,
		AvailableSpace:        j.availableSpace,
		PendingDecrementCount: j.pendingDecrementCount,
		LogicalBlocksUsed:     j.logicalBlocksUsed,
		BlockMapDataBlocks:    j.blockMapDataBlocks,
		ActiveBlocks:          len(j.activeTailBlocks),
		FreeBlocks:            len(j.freeTailBlocks),
	}
}

// ReapCallback returns the callback to register with the journal's
// LockCounter as its OnUnlock handler (lockcounter.New's onUnlock
// parameter). Kept separate from New because the LockCounter must
// typically be constructed first (its size depends on config.JournalSize)
// and is then shared with other collaborators (e.g. the hash lock's PBN
// zones) before the journal itself is built.
func (j *RecoveryJournal) ReapCallback() lockcounter.OnUnlock {
	return j.reapRecoveryJournalCallback
}
