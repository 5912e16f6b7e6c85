package recoveryjournal

import "fmt"

// adminCode enumerates the admin states the recovery journal core uses
// (§4.3 "Admin state machine"). ReadOnly is absorbing: once entered, no
// other code is ever assigned.
type adminCode uint8

const (
	// adminFresh is the zero value: a newly constructed journal that has
	// not yet been opened.
	adminFresh adminCode = iota
	adminNormalOperation
	// adminLoaded is this module's resolution of §9 open question (i):
	// a journal just decoded from persisted state, distinct from
	// adminSuspended so the provenance is honest. Resume behaves the
	// same from either state.
	adminLoaded
	adminSuspended
	adminSaving
	adminDraining
	adminQuiescent
	adminSaved
	adminReadOnly
)

func (c adminCode) String() string {
	switch c {
	case adminFresh:
		return "fresh"
	case adminNormalOperation:
		return "normal-operation"
	case adminLoaded:
		return "loaded"
	case adminSuspended:
		return "suspended"
	case adminSaving:
		return "saving"
	case adminDraining:
		return "draining"
	case adminQuiescent:
		return "quiescent"
	case adminSaved:
		return "saved"
	case adminReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("admin-state(%d)", uint8(c))
	}
}

// adminState tracks the journal's admin state machine plus the bookkeeping
// needed to resolve an in-flight drain once check_for_drain_complete's
// conditions hold. It is embedded in RecoveryJournal, not exposed as a
// standalone reusable type: it has exactly one implementation and one
// caller, so generalizing it into its own package would be unwarranted
// abstraction.
type adminState struct {
	code           adminCode
	drainOperation string
	onDrainDone    func(error)
}

// open transitions a freshly constructed journal into NormalOperation
// (§4.3 "open: only legal from freshly constructed journal").
func (a *adminState) open() error {
	if a.code != adminFresh {
		return ErrAlreadyOpen
	}
	a.code = adminNormalOperation
	return nil
}

// drain begins a drain for the named operation, recording the completion
// callback to invoke once check_for_drain_complete's conditions hold.
func (a *adminState) drain(operation string, onDone func(error)) {
	a.code = adminDraining
	a.drainOperation = operation
	a.onDrainDone = onDone
}

// finishDrain completes a pending drain with result, transitioning to
// Saved for a "save" drain or Quiescent otherwise, and invokes the
// recorded completion callback exactly once.
func (a *adminState) finishDrain(result error) {
	if a.drainOperation == "save" {
		a.code = adminSaved
	} else {
		a.code = adminQuiescent
	}
	cb := a.onDrainDone
	a.onDrainDone = nil
	a.drainOperation = ""
	if cb != nil {
		cb(result)
	}
}

// resume returns a saved, loaded or suspended journal to normal
// operation and leaves a quiescent journal quiescent. It changes only the
// admin code: neither it nor RecoveryJournal.Resume resets the in-memory
// heads or tail (Load is what sets those).
func (a *adminState) resume() {
	switch a.code {
	case adminSaved, adminLoaded, adminSuspended:
		a.code = adminNormalOperation
	case adminQuiescent:
		a.code = adminQuiescent
	}
}

func (a *adminState) isNormal() bool     { return a.code == adminNormalOperation }
func (a *adminState) isDraining() bool   { return a.code == adminDraining }
func (a *adminState) isSaving() bool     { return a.code == adminDraining && a.drainOperation == "save" }
func (a *adminState) isQuiescent() bool  { return a.code == adminQuiescent }
func (a *adminState) isSaved() bool      { return a.code == adminSaved }
func (a *adminState) isReadOnly() bool   { return a.code == adminReadOnly }
func (a *adminState) enterReadOnly()     { a.code = adminReadOnly }
