// Package types defines the small value types shared by the recovery
// journal and hash lock packages: block addresses, sequence numbers, and
// the packed (sequence, entry) journal point used to order commits.
package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// HashLength is the width in bytes of a content hash.
	HashLength = 32
)

// Hash is the content hash of a block of data, used to key hash locks and
// to query the deduplication index.
type Hash [HashLength]byte

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// String implements fmt.Stringer.
func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// PBN is a physical block number: the address of a block on the
// underlying storage device.
type PBN uint64

// LBN is a logical block number: the address of a block in the logical
// address space presented to the user of the volume.
type LBN uint64

// SequenceNumber identifies a journal block's position in the tail
// sequence. Sequence numbers are strictly monotonic; by contract of §3 of
// the specification, a value must never be allowed to reach 2^48.
type SequenceNumber uint64

// MaxSequenceNumber is the first sequence number that is forbidden: any
// attempt to use a sequence number at or beyond this value is a fatal
// journal overflow (§3, §7 JournalOverflow).
const MaxSequenceNumber SequenceNumber = 1 << 48

// maxSequenceNumberBig mirrors MaxSequenceNumber as a uint256.Int so the
// overflow guard below has the same wraparound-safe comparison idiom the
// teacher uses for chain-scale counters, rather than a raw uint64 compare
// that would silently wrap if a caller ever widened SequenceNumber.
var maxSequenceNumberBig = uint256.NewInt(uint64(MaxSequenceNumber))

// ExceedsMax reports whether s has reached or passed MaxSequenceNumber.
// The comparison runs through uint256.Int so that widening SequenceNumber
// in the future (or feeding in a value assembled from untrusted on-disk
// bytes) can never produce a false negative via uint64 wraparound.
func (s SequenceNumber) ExceedsMax() bool {
	return uint256.NewInt(uint64(s)).Cmp(maxSequenceNumberBig) >= 0
}

// OperationKind identifies the kind of reference-count delta a recovery
// journal entry records.
type OperationKind uint8

const (
	// DataIncrement records a new reference from a logical block to a
	// physical block (a write or a deduplication hit).
	DataIncrement OperationKind = iota
	// DataDecrement records the removal of a logical-to-physical
	// reference (the logical block was overwritten or discarded).
	DataDecrement
	// BlockMapIncrement records a reference from a block map page to a
	// physical block that stores the page itself.
	BlockMapIncrement
)

// String implements fmt.Stringer.
func (k OperationKind) String() string {
	switch k {
	case DataIncrement:
		return "data-increment"
	case DataDecrement:
		return "data-decrement"
	case BlockMapIncrement:
		return "block-map-increment"
	default:
		return fmt.Sprintf("operation-kind(%d)", uint8(k))
	}
}

// IsIncrement reports whether the operation adds a reference. Decrements
// are the only operation kind that is not an increment.
func (k OperationKind) IsIncrement() bool {
	return k != DataDecrement
}

// MappingState describes what a logical-to-physical mapping means: plain
// mapped data, an unmapped (hole) entry, or one of the compressed-slot
// states. The exact enumeration of compressed states is owned by the
// block map (external to this core); only "unmapped" is distinguished
// here because it changes recovery-journal accounting (§4.3).
type MappingState uint8

const (
	// MappingStateUnmapped marks a logical block with no physical
	// backing (a hole). Increments/decrements of unmapped entries do
	// not change logicalBlocksUsed.
	MappingStateUnmapped MappingState = iota
	// MappingStateMapped is an ordinary, uncompressed mapping.
	MappingStateMapped
	// MappingStateCompressed is the first of a range of compressed
	// slot states; the exact count is owned by the block map.
	MappingStateCompressed
)

// IsMapped reports whether the state represents a backed logical block.
func (m MappingState) IsMapped() bool {
	return m != MappingStateUnmapped
}

// ZoneType distinguishes the two downstream consumers of journal entries
// that the LockCounter tracks reference counts for (§3, §4.1).
type ZoneType uint8

const (
	// ZoneTypeLogical is the block map's zone type.
	ZoneTypeLogical ZoneType = iota
	// ZoneTypePhysical is the slab depot's zone type.
	ZoneTypePhysical
)

// String implements fmt.Stringer.
func (z ZoneType) String() string {
	switch z {
	case ZoneTypeLogical:
		return "logical"
	case ZoneTypePhysical:
		return "physical"
	default:
		return fmt.Sprintf("zone-type(%d)", uint8(z))
	}
}

// JournalPoint names a single recovery journal entry: the sequence number
// of the block it lives in, and its index within that block. Commit
// notifications are released in strict JournalPoint order (§5).
type JournalPoint struct {
	SequenceNumber SequenceNumber
	EntryIndex     uint16
}

// Before reports whether p sorts strictly before other.
func (p JournalPoint) Before(other JournalPoint) bool {
	if p.SequenceNumber != other.SequenceNumber {
		return p.SequenceNumber < other.SequenceNumber
	}
	return p.EntryIndex < other.EntryIndex
}

// After reports whether p sorts strictly after other.
func (p JournalPoint) After(other JournalPoint) bool {
	return other.Before(p)
}

// IsZero reports whether p is the zero JournalPoint (sequence 0, index 0),
// used as a "not yet assigned" sentinel.
func (p JournalPoint) IsZero() bool {
	return p.SequenceNumber == 0 && p.EntryIndex == 0
}

// String implements fmt.Stringer.
func (p JournalPoint) String() string {
	return fmt.Sprintf("(%d,%d)", p.SequenceNumber, p.EntryIndex)
}
