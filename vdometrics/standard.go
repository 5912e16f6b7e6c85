package vdometrics

// Pre-defined metrics for the recovery journal and hash lock subsystems.
// All metrics live in DefaultRegistry so they are globally accessible
// without passing a registry around, mirroring pkg/metrics/standard.go.

var (
	// ---- Recovery journal metrics (§3, §7) ----

	// JournalDiskFull counts admission cycles where an increment was
	// rejected for lack of available_space (non-fatal backpressure).
	JournalDiskFull = DefaultRegistry.Counter("recoveryjournal.disk_full")
	// JournalReaps counts completed reap operations (head advances).
	JournalReaps = DefaultRegistry.Counter("recoveryjournal.reaps")
	// JournalEntriesCommitted counts entries whose commit was
	// acknowledged to their DataVIO.
	JournalEntriesCommitted = DefaultRegistry.Counter("recoveryjournal.entries_committed")
	// JournalBlocksWritten counts journal block write I/Os issued.
	JournalBlocksWritten = DefaultRegistry.Counter("recoveryjournal.blocks_written")
	// JournalAvailableSpace records available_space after each reap that
	// reclaims space; admitting entries does not update it.
	JournalAvailableSpace = DefaultRegistry.Gauge("recoveryjournal.available_space")

	// ---- Hash lock metrics (§4.4) ----

	// HashLockValidAdvice counts queries that returned usable advice.
	HashLockValidAdvice = DefaultRegistry.Counter("hashlock.valid_advice")
	// HashLockStaleAdvice counts advice discovered stale during locking.
	HashLockStaleAdvice = DefaultRegistry.Counter("hashlock.stale_advice")
	// HashLockCollisions counts hash collisions detected on entry.
	HashLockCollisions = DefaultRegistry.Counter("hashlock.collisions")
	// HashLockDataMatch counts successful verification byte-compares.
	HashLockDataMatch = DefaultRegistry.Counter("hashlock.data_match")
	// HashLockMaxReferences counts lock acquisitions that hit the
	// maximum reference_count ever observed on a single lock.
	HashLockMaxReferences = DefaultRegistry.Counter("hashlock.max_references")
	// HashLockForks counts rollover forks (§4.5 "fork").
	HashLockForks = DefaultRegistry.Counter("hashlock.forks")
)
