package blocks

import "strings"

// Kind identifies a recognized region of assistant text
type Kind int

const (
	PlainText Kind = iota
	PermissionRequest
	ReferenceList
	CanvasFragment
	// ErrorMarker is handled by the transport and never produced here
	ErrorMarker
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case PlainText:
		return "plain"
	case PermissionRequest:
		return "permission"
	case ReferenceList:
		return "references"
	case CanvasFragment:
		return "canvas"
	case ErrorMarker:
		return "error"
	default:
		return "unknown"
	}
}

// Span is a half-open byte range [Start, End) into Result.Text
type Span struct {
	Start int
	End   int
}

// Len returns the span length in bytes
func (s Span) Len() int {
	return s.End - s.Start
}

// Permission is the payload of a PermissionRequest block
type Permission struct {
	Tool        string
	Description string
	Purpose     string
}

// Reference is one entry of a ReferenceList block. Entries that do not match
// the expected pattern keep their first line as Title with Number and
// Similarity left at zero.
type Reference struct {
	Number     int
	Title      string
	Page       string
	Similarity float64
	Preview    string
}

// Block is a classified region. Open blocks reach the end of the text and
// have not seen their closing marker yet.
type Block struct {
	Kind       Kind
	Span       Span
	Open       bool
	Text       string
	Permission *Permission
	References []Reference
}

// Citation is an inline <cite> tag found in plain text
type Citation struct {
	Number int
	Title  string
	Source string
	Span   Span
}

// Result is the output of Classify
type Result struct {
	// Text is the normalized text every span indexes into
	Text string
	// Blocks are ordered by position and cover Text without overlap
	Blocks []Block
	// Open reports that an unclosed block suppresses the rest of the text
	Open bool
	// Citations are the inline citation tags inside plain text
	Citations []Citation
}

// Plain returns the plain text spans in order
func (r Result) Plain() []Block {
	var out []Block
	for _, b := range r.Blocks {
		if b.Kind == PlainText {
			out = append(out, b)
		}
	}
	return out
}

// Closed returns the recognized, closed blocks in order
func (r Result) Closed() []Block {
	var out []Block
	for _, b := range r.Blocks {
		if b.Kind != PlainText && !b.Open {
			out = append(out, b)
		}
	}
	return out
}

// Renderable returns the text that is safe to show: all plain spans up to
// the first open block.
func (r Result) Renderable() string {
	var sb strings.Builder
	for _, b := range r.Blocks {
		if b.Open {
			break
		}
		if b.Kind == PlainText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// PendingPermission returns the permission request that ends the text, if
// the last non-blank block is a closed PermissionRequest.
func (r Result) PendingPermission() (Permission, bool) {
	for i := len(r.Blocks) - 1; i >= 0; i-- {
		b := r.Blocks[i]
		if b.Kind == PlainText && strings.TrimSpace(b.Text) == "" {
			continue
		}
		if b.Kind == PermissionRequest && !b.Open && b.Permission != nil {
			return *b.Permission, true
		}
		return Permission{}, false
	}
	return Permission{}, false
}
