package conversation

import "github.com/oqwn/minichat/pkg/blocks"

// State of the continuation protocol for one conversation
type State int

const (
	StateIdle State = iota
	// StateStreaming means a user turn is being received
	StateStreaming
	// StatePendingDecision means the open assistant message ends with a
	// permission request that awaits approve or cancel
	StatePendingDecision
	// StateResuming means a continuation leg is being received
	StateResuming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StatePendingDecision:
		return "pending_decision"
	case StateResuming:
		return "resuming"
	default:
		return "unknown"
	}
}

// Decision is the user's answer to a permission request. Its value is sent
// verbatim as the synthetic user message of the continuation.
type Decision string

const (
	Approve Decision = "approve"
	Cancel  Decision = "cancel"
)

// EventKind identifies what changed in a conversation
type EventKind int

const (
	// EventSnapshot carries a new rendering snapshot of a message
	EventSnapshot EventKind = iota
	// EventRemoved reports a message taken out of the conversation
	EventRemoved
	// EventNote reports an appended system note
	EventNote
	// EventError carries the user-visible text of a failed turn
	EventError
	// EventWarning carries advice shown before a turn
	EventWarning
	// EventState reports a state transition
	EventState
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventRemoved:
		return "removed"
	case EventNote:
		return "note"
	case EventError:
		return "error"
	case EventWarning:
		return "warning"
	case EventState:
		return "state"
	default:
		return "unknown"
	}
}

// Event is delivered to the conversation's Observer
type Event struct {
	Kind    EventKind
	Message Message
	// Result is the classification of Message.Raw for snapshots
	Result    blocks.Result
	Streaming bool
	Text      string
	State     State
	// Permission is set on the transition into StatePendingDecision
	Permission *blocks.Permission
}

// Observer receives conversation events in order. It must not call back
// into the conversation synchronously.
type Observer func(Event)
