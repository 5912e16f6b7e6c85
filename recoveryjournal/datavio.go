package recoveryjournal

import "github.com/mod-vdo/vdocore/types"

// DataVIO is the narrow view of an in-flight write request that the
// recovery journal needs (GLOSSARY "DataVIO"). It deliberately exposes
// only entry-admission and completion concerns; the hash lock package
// defines its own, differently narrow DataVIO view (§2's DataVIO is
// opaque to the core except for the fields each component actually
// touches), avoiding a shared god-interface that would couple the two
// packages together.
type DataVIO interface {
	// Operation reports the reference-count delta kind this entry
	// records.
	Operation() types.OperationKind
	// MappingState reports the mapping state recorded alongside the
	// entry.
	MappingState() types.MappingState
	// LBN reports the logical block number affected.
	LBN() types.LBN
	// PBN reports the physical block number affected.
	PBN() types.PBN
	// SetJournalPoint records the (sequence, entry index) this entry was
	// assigned, for later ordering assertions.
	SetJournalPoint(point types.JournalPoint)
	// Complete notifies the DataVIO that its journal entry has either
	// committed (err == nil) or failed.
	Complete(err error)
}
