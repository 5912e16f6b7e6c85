// Command vdo-journalctl is a small composition-root binary over the
// recoveryjournal and hashlock library packages, grounded on the
// teacher's cmd/eth2030-geth: a thin main that wires library
// collaborators together and does no domain logic of its own.
//
// Two subcommands:
//
//	vdo-journalctl write -partition FILE -count N
//		Simulates N concurrent deduplicated writes against a fresh
//		recovery journal backed by FILE, routing each write through a
//		HashZone first and then the RecoveryJournal, and prints the
//		resulting stats.
//
//	vdo-journalctl dump -partition FILE -size N
//		Decodes and prints every on-disk journal block in an existing
//		partition file of N blocks.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mod-vdo/vdocore/external"
	"github.com/mod-vdo/vdocore/hashlock"
	"github.com/mod-vdo/vdocore/lockcounter"
	"github.com/mod-vdo/vdocore/recoveryjournal"
	"github.com/mod-vdo/vdocore/types"
	"github.com/mod-vdo/vdocore/vdolog"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "write":
		err = runWrite(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "vdo-journalctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vdo-journalctl <write|dump> [flags]")
}

// filePhysicalLayer is a PhysicalLayer (§6) backed by a real file,
// standing in for the dedicated journal partition. Every write completes
// synchronously on the calling goroutine, like the FakePhysicalLayer used
// in tests, but the bytes actually land on disk so `dump` can later
// re-read them.
type filePhysicalLayer struct {
	f      *os.File
	policy external.WritePolicy
}

func (l *filePhysicalLayer) WritePolicy() external.WritePolicy { return l.policy }

func (l *filePhysicalLayer) WriteBlock(blockNumber uint64, data []byte, onComplete func(error)) {
	_, err := l.f.WriteAt(data, int64(blockNumber)*recoveryjournal.BlockSize)
	onComplete(err)
}

func (l *filePhysicalLayer) LaunchFlush(onComplete func(error)) {
	onComplete(l.f.Sync())
}

// demoIncrementVIO is the minimal recoveryjournal.DataVIO a simulated
// write presents to the journal once its hash lock resolves a physical
// block (or decides to write its own).
type demoIncrementVIO struct {
	op    types.OperationKind
	state types.MappingState
	lbn   types.LBN
	pbn   types.PBN
	point types.JournalPoint
	done  chan error
}

func newDemoIncrementVIO(lbn types.LBN, pbn types.PBN) *demoIncrementVIO {
	return &demoIncrementVIO{op: types.DataIncrement, state: types.MappingStateMapped, lbn: lbn, pbn: pbn, done: make(chan error, 1)}
}

func (v *demoIncrementVIO) Operation() types.OperationKind        { return v.op }
func (v *demoIncrementVIO) MappingState() types.MappingState      { return v.state }
func (v *demoIncrementVIO) LBN() types.LBN                        { return v.lbn }
func (v *demoIncrementVIO) PBN() types.PBN                        { return v.pbn }
func (v *demoIncrementVIO) SetJournalPoint(p types.JournalPoint)  { v.point = p }
func (v *demoIncrementVIO) Complete(err error)                    { v.done <- err }

// demoDataVIO is a minimal hashlock.DataVIO: it allocates a fresh PBN for
// every write (no real block allocator exists in this demo) and, on
// either the write or dedupe path, forwards an increment entry straight
// into the shared RecoveryJournal via the journal-thread channel.
type demoDataVIO struct {
	hash    types.Hash
	lbn     types.LBN
	journal chan<- func()
	lock    *hashlock.HashLock
	done    chan error

	nextPBN func() types.PBN
}

func (v *demoDataVIO) Hash() types.Hash                          { return v.hash }
func (v *demoDataVIO) HasAllocation() bool                       { return false }
func (v *demoDataVIO) Allocation() types.PBN                     { return 0 }
func (v *demoDataVIO) AllocationLock() external.PBNLock          { return nil }
func (v *demoDataVIO) SetHashLock(lock *hashlock.HashLock)       { v.lock = lock }
func (v *demoDataVIO) Fail(err error)                            { v.done <- err }

// Write and Dedupe both report the request's own completion as soon as
// its recovery-journal entry commits — per §2 "on write completion or on
// dedup success, the DataVIO flows into the RecoveryJournal", that
// commit is the client-visible result — and separately drive the hash
// lock's remaining bookkeeping (advice update, PBN-lock release) via
// zoneContinue, which can keep running after the client has already been
// told the write succeeded.
func (v *demoDataVIO) Write() {
	pbn := v.nextPBN()
	v.submitIncrement(pbn, func(err error) {
		v.done <- err
		v.journal <- func() { zoneContinue(v, err) }
	})
}

func (v *demoDataVIO) Dedupe(duplicate types.PBN, state types.MappingState) {
	v.submitIncrement(duplicate, func(err error) {
		v.done <- err
		v.journal <- func() { zoneContinue(v, err) }
	})
}

func (v *demoDataVIO) CompressAndWrite() {
	pbn := v.nextPBN()
	v.submitIncrement(pbn, func(err error) { v.done <- err })
}

// submitIncrement hands an increment entry to the journal thread and
// reports its real completion (not AddEntry's immediate return, which is
// nil whenever the entry is merely admitted or queued) on a private
// channel, mirroring a DataVIO's completion hop (§5 "Suspension /
// message passing"). The wait lives in its own goroutine so a
// backpressured entry (queued, not yet completed) never blocks the
// journal thread against itself.
func (v *demoDataVIO) submitIncrement(pbn types.PBN, onDone func(error)) {
	vio := newDemoIncrementVIO(v.lbn, pbn)
	v.journal <- func() {
		// AddEntry is itself journal-thread-only; this closure already
		// runs on that single goroutine (see runWrite's dispatch loop).
		// Only the ErrInvalidAdminState path leaves vio uncompleted;
		// ErrReadOnly and the success/queued path complete it themselves.
		if err := addEntryFn(vio); err == recoveryjournal.ErrInvalidAdminState {
			vio.done <- err
		}
	}
	go func() { onDone(<-vio.done) }()
}

// the package-level hooks below let submitIncrement and zoneContinue
// reach the shared journal/zone objects without threading them through
// every DataVIO by hand; they are set once at start-up in runWrite.
var (
	addEntryFn   func(recoveryjournal.DataVIO) error
	zoneContinue func(v *demoDataVIO, err error)
)

func runWrite(args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	partition := fs.String("partition", "", "path to the journal partition file")
	count := fs.Int("count", 64, "number of simulated writes")
	async := fs.Bool("async", false, "use the async write policy instead of sync")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *partition == "" {
		return errors.New("-partition is required")
	}

	cfg := recoveryjournal.DefaultConfig()
	f, err := os.OpenFile(*partition, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(cfg.JournalSize) * recoveryjournal.BlockSize); err != nil {
		return fmt.Errorf("size partition: %w", err)
	}

	policy := external.WritePolicySync
	if *async {
		policy = external.WritePolicyAsync
	}
	layer := &filePhysicalLayer{f: f, policy: policy}
	blockMap := external.NewFakeBlockMap()
	slabs := external.NewFakeSlabDepot()
	ron := external.NewFakeReadOnlyNotifier()
	log := vdolog.Default("vdo-journalctl")

	lc := lockcounter.New(cfg.JournalSize, recoveryjournal.EntriesPerBlock, cfg.Threads.LogicalZoneCount, cfg.Threads.PhysicalZoneCount, nil, log)
	journal := recoveryjournal.New(cfg, lc, layer, blockMap, slabs, ron, log)
	lc.SetOnUnlock(journal.ReapCallback())
	if err := journal.Open(); err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	pbnZone := external.NewFakePBNZone()
	dedup := external.NewFakeDedupIndex()
	zone := hashlock.New(hashlock.Config{ZoneID: 0}, pbnZone, slabs, dedup, nil, log)

	// The journal thread is the single goroutine allowed to mutate the
	// RecoveryJournal (§5). Every other goroutine posts closures onto
	// journalWork rather than calling the journal directly. It runs
	// outside the writers errgroup below: its lifetime (drain until the
	// channel closes) is different from a writer's (return once its one
	// write completes), so folding it into the same group would make
	// Wait() deadlock against the close that only happens after Wait().
	journalWork := make(chan func(), *count)
	addEntryFn = func(vio recoveryjournal.DataVIO) error { return journal.AddEntry(vio) }
	zoneContinue = func(v *demoDataVIO, err error) { zone.ContinueHashLock(v.lock, v, err, nil) }

	journalLoopDone := make(chan struct{})
	go func() {
		for fn := range journalWork {
			fn()
		}
		close(journalLoopDone)
	}()

	var writers errgroup.Group
	var nextPBN atomic.Uint64
	allocatePBN := func() types.PBN { return types.PBN(nextPBN.Add(1)) }
	for i := 0; i < *count; i++ {
		i := i
		writers.Go(func() error {
			hash := demoHash(i % (*count/4 + 1)) // force some repeats to dedup
			v := &demoDataVIO{
				hash:    hash,
				lbn:     types.LBN(i),
				journal: journalWork,
				done:    make(chan error, 1),
				nextPBN: allocatePBN,
			}
			zone.EnterHashLock(hash, v, true)
			return <-v.done
		})
	}
	if err := writers.Wait(); err != nil {
		return fmt.Errorf("simulated write: %w", err)
	}
	close(journalWork)
	<-journalLoopDone

	stats := zone.Stats()
	fmt.Printf("tail=%d lastWriteAcknowledged=%d availableSpace=%d\n",
		journal.Tail(), journal.LastWriteAcknowledged(), journal.AvailableSpace())
	fmt.Printf("hashlock: validAdvice=%d staleAdvice=%d collisions=%d dataMatch=%d forks=%d\n",
		stats.ValidAdvice, stats.StaleAdvice, stats.Collisions, stats.DataMatch, stats.Forks)
	return nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	partition := fs.String("partition", "", "path to the journal partition file")
	size := fs.Int("size", 32, "number of blocks in the partition")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *partition == "" {
		return errors.New("-partition is required")
	}
	f, err := os.Open(*partition)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, recoveryjournal.BlockSize)
	for i := 0; i < *size; i++ {
		if _, err := f.ReadAt(buf, int64(i)*recoveryjournal.BlockSize); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		hdr, entries, err := recoveryjournal.DecodeBlockHeader(buf)
		if err != nil {
			fmt.Printf("block %d: %v\n", i, err)
			continue
		}
		fmt.Printf("block %d: sequence=%d entries=%d recoveryCount=%d\n", i, hdr.SequenceNumber, hdr.EntryCount, hdr.RecoveryCount)
		for _, e := range entries {
			fmt.Printf("  %s lbn=%d pbn=%d state=%d\n", e.Operation, e.LBN, e.PBN, e.MappingState)
		}
	}
	return nil
}

func demoHash(i int) types.Hash {
	var h types.Hash
	h[0] = byte(i)
	h[1] = byte(i >> 8)
	return h
}
