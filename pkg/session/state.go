package session

// State represents the current state of a stream session
type State int

const (
	StateActive State = iota
	StateAwaitingDecision
	StateCompleted
	StateAborted
	StateErrored
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateAwaitingDecision:
		return "awaiting_decision"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Finished reports whether the session no longer receives deltas
func (s State) Finished() bool {
	return s != StateActive
}
