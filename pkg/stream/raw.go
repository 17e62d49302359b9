package stream

import (
	"strings"
	"unicode/utf8"
)

// ErrorMarker introduces an out-of-band error in a raw text stream
const ErrorMarker = "[ERROR]:"

// Decoder turns arbitrary network chunks into events. Feed may be called
// with any split of the input; the concatenation of emitted deltas does not
// depend on where chunk boundaries fall. Close is called once at end of input
// and returns the remaining events, always ending with a terminal event
// unless one was already returned by Feed.
type Decoder interface {
	Feed(p []byte) []Event
	Close() []Event
}

// RawDecoder decodes a plain chunked UTF-8 body. Text is emitted as it
// arrives, except for a trailing partial rune or a trailing prefix of
// ErrorMarker, which are held until the next chunk disambiguates them.
// Once the marker is seen no more deltas are emitted and everything after
// it becomes the error message reported at Close.
type RawDecoder struct {
	partial  []byte
	pending  string
	errMode  bool
	errText  strings.Builder
	finished bool
}

// NewRawDecoder creates a decoder for the raw text transport
func NewRawDecoder() *RawDecoder {
	return &RawDecoder{}
}

// Feed implements Decoder
func (d *RawDecoder) Feed(p []byte) []Event {
	if d.finished || len(p) == 0 {
		return nil
	}

	text := d.pending + d.decode(p)
	d.pending = ""

	if d.errMode {
		d.errText.WriteString(text)
		return nil
	}

	if idx := strings.Index(text, ErrorMarker); idx >= 0 {
		d.errMode = true
		d.errText.WriteString(text[idx+len(ErrorMarker):])
		if idx > 0 {
			return []Event{Delta(text[:idx])}
		}
		return nil
	}

	keep := markerPrefixSuffix(text)
	d.pending = text[len(text)-keep:]
	if emit := text[:len(text)-keep]; emit != "" {
		return []Event{Delta(emit)}
	}
	return nil
}

// Close implements Decoder
func (d *RawDecoder) Close() []Event {
	if d.finished {
		return nil
	}
	d.finished = true

	tail := d.pending
	if len(d.partial) > 0 {
		tail += strings.ToValidUTF8(string(d.partial), "�")
		d.partial = nil
	}

	if d.errMode {
		d.errText.WriteString(tail)
		return []Event{Fail(&RemoteError{Message: strings.TrimSpace(d.errText.String())})}
	}

	var out []Event
	if tail != "" {
		out = append(out, Delta(tail))
	}
	return append(out, Done())
}

// decode prepends any held partial rune and holds back a new one
func (d *RawDecoder) decode(p []byte) string {
	buf := p
	if len(d.partial) > 0 {
		buf = append(d.partial, p...)
		d.partial = nil
	}

	cut := incompleteTail(buf)
	if cut > 0 {
		d.partial = append([]byte(nil), buf[len(buf)-cut:]...)
		buf = buf[:len(buf)-cut]
	}
	return string(buf)
}

// incompleteTail returns how many trailing bytes form the start of a rune
// that is not complete yet.
func incompleteTail(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if utf8.FullRune(b[len(b)-i:]) {
			return 0
		}
		return i
	}
	return 0
}

// markerPrefixSuffix returns the length of the longest suffix of s that is a
// proper prefix of ErrorMarker.
func markerPrefixSuffix(s string) int {
	max := len(ErrorMarker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, ErrorMarker[:n]) {
			return n
		}
	}
	return 0
}
