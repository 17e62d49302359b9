package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled marks a turn the user aborted. It is never shown as an error.
var ErrCancelled = errors.New("request aborted")

// TransportError is a connection or status failure. Deltas emitted before it
// remain valid.
type TransportError struct {
	Op     string
	Status int
	Body   string
	Cause  error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("%s failed with status %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Cause)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// ProtocolError describes one malformed frame. Frames with protocol errors are
// skipped and the stream continues.
type ProtocolError struct {
	Line  string
	Cause error
}

func (e *ProtocolError) Error() string {
	line := e.Line
	if len(line) > 100 {
		line = line[:100] + "..."
	}
	return fmt.Sprintf("malformed frame %q: %v", line, e.Cause)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// RemoteError is an error reported in-band by the backend, either through the
// [ERROR]: literal or an error frame.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// IsCancelled reports whether err represents a user abort rather than a failure
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "request aborted")
}
