package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oqwn/minichat/pkg/logger"
)

const (
	// FrameMarker prefixes each frame line. Lines without it are accepted too.
	FrameMarker = "data:"

	// MaxLineSize bounds a single buffered frame line (1MB).
	MaxLineSize = 1024 * 1024

	doneSentinel = "[DONE]"
)

// Frame is one record of the framed transport
type Frame struct {
	Type    string  `json:"type"`
	Content string  `json:"content,omitempty"`
	Delta   string  `json:"delta,omitempty"`
	ID      FrameID `json:"id,omitempty"`
	Error   string  `json:"error,omitempty"`
	Message string  `json:"message,omitempty"`
}

// FrameID is a frame identifier. Backends send either a JSON number or a
// string; both are compared by their literal text.
type FrameID string

// UnmarshalJSON accepts numbers and strings
func (id *FrameID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FrameID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("frame id: %w", err)
	}
	*id = FrameID(n.String())
	return nil
}

// Text returns the frame's content, accepting the "delta" alias
func (f Frame) Text() string {
	if f.Content != "" {
		return f.Content
	}
	return f.Delta
}

// ErrorText returns the frame's error message, accepting the "message" alias
func (f Frame) ErrorText() string {
	if f.Error != "" {
		return f.Error
	}
	if f.Message != "" {
		return f.Message
	}
	return "unknown stream error"
}

// FrameStats counts what a FrameDecoder has seen
type FrameStats struct {
	Frames     int
	Duplicates int
	Malformed  int
}

// FrameDecoder reassembles newline-delimited frames from arbitrary chunks.
// An incomplete trailing line is buffered until its newline arrives.
// Content frames whose id was already applied are dropped: the id guards
// against exact at-least-once redelivery, it does not sequence frames.
type FrameDecoder struct {
	buf      []byte
	seen     map[string]struct{}
	finished bool
	stats    FrameStats
	log      *logger.ComponentLogger
}

// NewFrameDecoder creates a decoder for the framed transport
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{
		seen: make(map[string]struct{}),
		log:  logger.WithComponent("stream"),
	}
}

// Stats returns frame counters
func (d *FrameDecoder) Stats() FrameStats {
	return d.stats
}

// Feed implements Decoder
func (d *FrameDecoder) Feed(p []byte) []Event {
	if d.finished {
		return nil
	}
	d.buf = append(d.buf, p...)

	var out []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]

		ev, ok := d.parseLine(line)
		if !ok {
			continue
		}
		out = append(out, ev)
		if ev.Terminal() {
			d.finished = true
			d.buf = nil
			return out
		}
	}

	if len(d.buf) > MaxLineSize {
		d.malformed(string(d.buf[:64]), fmt.Errorf("line exceeds %d bytes", MaxLineSize))
		d.buf = nil
	}
	return out
}

// Close implements Decoder. A final line without a newline is still parsed.
// A clean end of input without a done frame counts as done.
func (d *FrameDecoder) Close() []Event {
	if d.finished {
		return nil
	}
	d.finished = true

	var out []Event
	if len(d.buf) > 0 {
		line := string(d.buf)
		d.buf = nil
		if ev, ok := d.parseLine(line); ok {
			out = append(out, ev)
			if ev.Terminal() {
				return out
			}
		}
	}
	return append(out, Done())
}

func (d *FrameDecoder) parseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return Event{}, false
	}
	if strings.HasPrefix(line, FrameMarker) {
		line = strings.TrimSpace(line[len(FrameMarker):])
	}
	if line == doneSentinel {
		return Done(), true
	}

	var f Frame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		d.malformed(line, err)
		return Event{}, false
	}
	d.stats.Frames++

	switch f.Type {
	case "content":
		if f.ID != "" {
			key := string(f.ID)
			if _, dup := d.seen[key]; dup {
				d.stats.Duplicates++
				d.log.Debug("duplicate frame dropped", "id", key)
				return Event{}, false
			}
			d.seen[key] = struct{}{}
		}
		text := f.Text()
		if text == "" {
			return Event{}, false
		}
		return Delta(text), true
	case "error":
		return Fail(&RemoteError{Message: f.ErrorText()}), true
	case "done":
		return Done(), true
	default:
		d.malformed(line, fmt.Errorf("unknown frame type %q", f.Type))
		return Event{}, false
	}
}

func (d *FrameDecoder) malformed(line string, cause error) {
	d.stats.Malformed++
	d.log.Warn("skipping frame", "error", &ProtocolError{Line: line, Cause: cause})
}
