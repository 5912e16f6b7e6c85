package recoveryjournal

import "errors"

// Sentinel errors for the recovery journal (§7). ErrDiskFull is the only
// non-fatal member of this set: everything else either reflects a caller
// mistake (ErrInvalidAdminState) or drives the journal into read-only mode.
var (
	// ErrReadOnly is returned to every admission and to every queued
	// waiter once the journal has entered read-only mode. It is
	// absorbing: no further admission ever succeeds afterward.
	ErrReadOnly = errors.New("recoveryjournal: journal is read-only")
	// ErrJournalOverflow is raised when a new tail block would be given a
	// sequence number at or beyond types.MaxSequenceNumber; it forces
	// immediate read-only.
	ErrJournalOverflow = errors.New("recoveryjournal: tail sequence number overflow")
	// ErrJournalFull is raised when a decrement cannot be admitted despite
	// its reserved slot; this indicates an accounting bug upstream and
	// forces immediate read-only.
	ErrJournalFull = errors.New("recoveryjournal: decrement admission failed, journal full")
	// ErrDiskFull names the non-fatal backpressure condition of an
	// increment that could not be admitted for lack of available space.
	// AddEntry does not return it: the DataVIO stays queued, the
	// recoveryjournal.disk_full counter is incremented, and admission is
	// retried as space is reaped.
	ErrDiskFull = errors.New("recoveryjournal: insufficient available space")
	// ErrInvalidAdminState is returned when add_entry is attempted while
	// the journal is not in NormalOperation.
	ErrInvalidAdminState = errors.New("recoveryjournal: invalid admin state for operation")
	// ErrNotImplemented is raised for an unrecognized operation kind; it
	// forces read-only and fails the offending DataVIO.
	ErrNotImplemented = errors.New("recoveryjournal: operation kind not implemented")
	// ErrWrite wraps a journal block write failure; it forces read-only.
	ErrWrite = errors.New("recoveryjournal: journal block write failed")
	// ErrFlush wraps a reap flush failure; it forces read-only.
	ErrFlush = errors.New("recoveryjournal: reap flush failed")
	// ErrBlockCorrupt is returned by DecodeBlockHeader when a block's
	// checksum does not match its contents (SPEC_FULL.md supplemented
	// feature: checksum verification on decode).
	ErrBlockCorrupt = errors.New("recoveryjournal: journal block failed checksum")
	// ErrStateCorrupt is returned by DecodeState when the persisted-state
	// header's id, version, or size does not match (§8 property 6).
	ErrStateCorrupt = errors.New("recoveryjournal: persisted state header mismatch")
	// ErrAlreadyOpen is returned by Open when the journal is not freshly
	// constructed (§4.3 "only legal from freshly constructed journal").
	ErrAlreadyOpen = errors.New("recoveryjournal: journal already open")
)
