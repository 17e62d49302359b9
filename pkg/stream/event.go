package stream

// EventKind distinguishes the three things a transport can report
type EventKind int

const (
	EventDelta EventKind = iota
	EventError
	EventDone
)

// String returns the string representation of the kind
func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one item of a turn's event sequence. A well-formed sequence is
// zero or more deltas followed by exactly one error or done event. A
// cancelled sequence simply ends without a terminal event.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Terminal reports whether the event ends the sequence
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventDone
}

// Delta builds a content event
func Delta(text string) Event {
	return Event{Kind: EventDelta, Text: text}
}

// Done builds the successful terminal event
func Done() Event {
	return Event{Kind: EventDone}
}

// Fail builds the error terminal event
func Fail(err error) Event {
	return Event{Kind: EventError, Err: err}
}
