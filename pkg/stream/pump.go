package stream

import (
	"context"
	"errors"
	"io"
)

// ReadChunkSize is the read buffer used by Pump
const ReadChunkSize = 32 * 1024

// Pump reads r until EOF, feeding every chunk through dec, and delivers the
// resulting events on the returned channel. The channel is closed after the
// terminal event. If ctx is cancelled the channel is closed without a
// terminal event and no further events are sent. When r is an io.Closer it
// is closed once the pump exits, or on cancellation to unblock a read.
func Pump(ctx context.Context, r io.Reader, dec Decoder) <-chan Event {
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		if c, ok := r.(io.Closer); ok {
			stop := context.AfterFunc(ctx, func() { c.Close() })
			defer func() {
				if stop() {
					c.Close()
				}
			}()
		}

		send := func(evs []Event) bool {
			for _, ev := range evs {
				if ctx.Err() != nil {
					return false
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
				if ev.Terminal() {
					return false
				}
			}
			return true
		}

		buf := make([]byte, ReadChunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 && !send(dec.Feed(buf[:n])) {
				return
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				send(dec.Close())
				return
			}
			send([]Event{Fail(&TransportError{Op: "read stream", Cause: err})})
			return
		}
	}()

	return out
}

// Collect drains events and returns the concatenated deltas together with
// the terminal error, if any. A sequence that ends without a terminal event
// reports ErrCancelled.
func Collect(events <-chan Event) (string, error) {
	var text []byte
	for ev := range events {
		switch ev.Kind {
		case EventDelta:
			text = append(text, ev.Text...)
		case EventError:
			return string(text), ev.Err
		case EventDone:
			return string(text), nil
		}
	}
	return string(text), ErrCancelled
}

// FromEvents replays a fixed event list as a channel, for tests and replay.
func FromEvents(events ...Event) <-chan Event {
	out := make(chan Event, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)
	return out
}
