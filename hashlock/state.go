package hashlock

import "fmt"

// lockState is one of the ten HashLock states enumerated in §4.5 of the
// specification. It is authoritative: per the design note "State-machine
// coded as explicit transitions" (§9), the state is never inferred from
// which fields happen to be set.
type lockState uint8

const (
	// stateInitializing is the zero value: a lock fresh from the pool,
	// not yet keyed to any DataVIO.
	stateInitializing lockState = iota
	// stateQuerying: the agent is querying the dedup index.
	stateQuerying
	// stateWriting: the agent is compressing and writing new data.
	stateWriting
	// stateLocking: the agent is acquiring a PBN read lock on advice.
	stateLocking
	// stateVerifying: the agent reads the advice block and compares.
	stateVerifying
	// stateDeduping: every holder writes block-map references in
	// parallel against a single duplicate lock. No agent.
	stateDeduping
	// stateUpdating: the agent updates the dedup index.
	stateUpdating
	// stateUnlocking: the agent releases the duplicate PBN lock.
	stateUnlocking
	// stateBypassing: dedup abandoned; holders take the plain-write
	// path.
	stateBypassing
	// stateDestroying: final state before return to pool.
	stateDestroying
)

func (s lockState) String() string {
	switch s {
	case stateInitializing:
		return "initializing"
	case stateQuerying:
		return "querying"
	case stateWriting:
		return "writing"
	case stateLocking:
		return "locking"
	case stateVerifying:
		return "verifying"
	case stateDeduping:
		return "deduping"
	case stateUpdating:
		return "updating"
	case stateUnlocking:
		return "unlocking"
	case stateBypassing:
		return "bypassing"
	case stateDestroying:
		return "destroying"
	default:
		return fmt.Sprintf("lock-state(%d)", uint8(s))
	}
}

// assertf panics if cond is false, formatting msg like fmt.Sprintf. Used
// only for the handful of transitions §4.5 calls out as programming
// errors (entering a Destroying lock, an illegal continuation) — the same
// sparing use of panic the teacher reserves for "this cannot happen
// without a caller bug" (trie/hasher.go, trie/encoding.go), never for
// ordinary runtime failures.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("hashlock: "+format, args...))
	}
}
