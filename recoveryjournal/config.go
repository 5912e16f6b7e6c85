package recoveryjournal

// EntriesPerBlock is RECOVERY_JOURNAL_ENTRIES_PER_BLOCK, frozen per §9
// open question (iii) and SPEC_FULL.md's Open Question decisions: the
// packed on-disk entry layout (13 bytes/entry: 1B operation kind, 1B
// mapping state, 6B LBN, 5B PBN) fills a 4096-byte device block alongside
// a fixed 53-byte header, for 311 entries. This module treats the value
// as frozen, not re-derived at runtime from a configurable block size.
const EntriesPerBlock = 311

// ThreadConfig names the zone counts the LockCounter is sized for (§6
// "Parameters").
type ThreadConfig struct {
	LogicalZoneCount  int
	PhysicalZoneCount int
	JournalThreadID   int
}

// Config holds the construction-time parameters of a RecoveryJournal (§6
// "Parameters"). It is a plain struct with a Default constructor, matching
// the teacher's PipelineConfig/DefaultPipelineConfig convention
// (pkg/sync/pipeline.go) rather than a flag-parsing layer inside the
// library.
type Config struct {
	// JournalSize is the number of on-disk journal blocks in the ring.
	JournalSize int
	// TailBufferSize is the number of in-memory JournalBlocks kept ready
	// for the active/free rings; must be at least 8 (§6).
	TailBufferSize int
	// Nonce is stamped into every block header, used by the replayer
	// (external to this core) to distinguish journal generations.
	Nonce uint64
	// RecoveryCount is the wrap-safe generation byte stamped into every
	// block header (§3).
	RecoveryCount uint8
	// Threads describes the zone counts the LockCounter must be sized
	// for.
	Threads ThreadConfig
}

// MinTailBufferSize is the minimum legal TailBufferSize (§6 "Parameters":
// "must be ≥ 8 reserved").
const MinTailBufferSize = 8

// DefaultConfig returns the literal configuration used throughout §8's
// worked examples (entries_per_block = 311, size = 32, tail_buffer_size =
// 8). It is a test/demo default, not a production sizing: production
// callers must size JournalSize from the real device.
func DefaultConfig() Config {
	return Config{
		JournalSize:    32,
		TailBufferSize: MinTailBufferSize,
		Nonce:          1,
		RecoveryCount:  0,
		Threads:        ThreadConfig{LogicalZoneCount: 1, PhysicalZoneCount: 1, JournalThreadID: 0},
	}
}

// ReservedBlocks returns the number of ring blocks reserved and never
// assignable, per §8 "Boundary behaviors": get_recovery_journal_length(size)
// = size - min(size/4, 8).
func ReservedBlocks(size int) int {
	quarter := size / 4
	if quarter > 8 {
		quarter = 8
	}
	return quarter
}

// UsableBlocks returns the number of blocks in the ring actually available
// for assignment once reserved blocks are excluded.
func UsableBlocks(size int) int {
	return size - ReservedBlocks(size)
}
