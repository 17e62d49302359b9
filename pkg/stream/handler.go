package stream

import "context"

// Handler receives the events of one turn. Exactly one of OnDone or OnError
// is called unless the turn is cancelled, in which case neither is.
type Handler interface {
	// OnDelta is called for every content fragment, in order.
	OnDelta(text string)

	// OnDone is called once when the stream ends normally.
	OnDone()

	// OnError is called once when the stream ends with a failure.
	OnError(err error)
}

// HandlerFunc is a function adapter for Handler interface
type HandlerFunc struct {
	DeltaFunc func(text string)
	DoneFunc  func()
	ErrorFunc func(err error)
}

// OnDelta implements Handler
func (h HandlerFunc) OnDelta(text string) {
	if h.DeltaFunc != nil {
		h.DeltaFunc(text)
	}
}

// OnDone implements Handler
func (h HandlerFunc) OnDone() {
	if h.DoneFunc != nil {
		h.DoneFunc()
	}
}

// OnError implements Handler
func (h HandlerFunc) OnError(err error) {
	if h.ErrorFunc != nil {
		h.ErrorFunc(err)
	}
}

// Dispatch forwards events to h until the sequence ends. It returns the
// terminal error, nil on done, or ErrCancelled when ctx was cancelled or the
// channel closed without a terminal event. Nothing is delivered to h after
// cancellation is observed.
func Dispatch(ctx context.Context, events <-chan Event, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ErrCancelled
		case ev, ok := <-events:
			if !ok {
				return ErrCancelled
			}
			if ctx.Err() != nil {
				return ErrCancelled
			}
			switch ev.Kind {
			case EventDelta:
				h.OnDelta(ev.Text)
			case EventDone:
				h.OnDone()
				return nil
			case EventError:
				h.OnError(ev.Err)
				return ev.Err
			}
		}
	}
}

// ToStreamingFunc converts an emitter into LangChain's streaming function
// signature, for use with llms.WithStreamingFunc.
func ToStreamingFunc(emit func(Event) bool) func(context.Context, []byte) error {
	return func(ctx context.Context, chunk []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if !emit(Delta(string(chunk))) {
			return ErrCancelled
		}
		return nil
	}
}

// Ensure implementations satisfy the interface
var _ Handler = HandlerFunc{}
