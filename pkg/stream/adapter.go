package stream

import (
	"fmt"
	"io"
	"strings"
)

// WriterHandler adapts an io.Writer to implement the Handler interface.
// Deltas are written as they arrive and accumulated for Content.
type WriterHandler struct {
	writer io.Writer
	buffer strings.Builder
	err    error
}

// NewWriterHandler creates a new handler that writes to an io.Writer
func NewWriterHandler(w io.Writer) *WriterHandler {
	return &WriterHandler{
		writer: w,
	}
}

// OnDelta writes the delta to the underlying writer
func (w *WriterHandler) OnDelta(text string) {
	w.buffer.WriteString(text)
	if w.err != nil {
		return
	}
	if _, err := io.WriteString(w.writer, text); err != nil {
		w.err = err
	}
}

// OnDone terminates the output with a newline if needed
func (w *WriterHandler) OnDone() {
	if w.err == nil && w.buffer.Len() > 0 && !strings.HasSuffix(w.buffer.String(), "\n") {
		_, w.err = io.WriteString(w.writer, "\n")
	}
}

// OnError writes the failure after any partial content
func (w *WriterHandler) OnError(err error) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.writer, "\n[error] %v\n", err)
}

// Content returns the accumulated text
func (w *WriterHandler) Content() string {
	return w.buffer.String()
}

// Err returns the first write error, if any
func (w *WriterHandler) Err() error {
	return w.err
}

// MultiHandler broadcasts events to multiple handlers.
// Similar to io.MultiWriter but for our Handler interface.
type MultiHandler struct {
	handlers []Handler
}

// NewMultiHandler creates a handler that forwards to multiple handlers
func NewMultiHandler(handlers ...Handler) *MultiHandler {
	return &MultiHandler{
		handlers: handlers,
	}
}

// OnDelta forwards the delta to all handlers
func (m *MultiHandler) OnDelta(text string) {
	for _, h := range m.handlers {
		h.OnDelta(text)
	}
}

// OnDone forwards completion to all handlers
func (m *MultiHandler) OnDone() {
	for _, h := range m.handlers {
		h.OnDone()
	}
}

// OnError forwards errors to all handlers
func (m *MultiHandler) OnError(err error) {
	for _, h := range m.handlers {
		h.OnError(err)
	}
}

// Ensure implementations satisfy the interface
var (
	_ Handler = (*WriterHandler)(nil)
	_ Handler = (*MultiHandler)(nil)
)
