package capability

import (
	"errors"
	"regexp"
	"strings"

	"github.com/oqwn/minichat/pkg/stream"
)

// Category is the user-facing meaning of a turn failure
type Category int

const (
	// Other errors are shown to the user verbatim
	Other Category = iota
	// NotConfigured means the backend has no usable credentials
	NotConfigured
	// ToolsUnsupported means the model rejected tool use
	ToolsUnsupported
	// Aborted means the user cancelled; nothing is shown
	Aborted
)

// String returns the string representation of the category
func (c Category) String() string {
	switch c {
	case Other:
		return "other"
	case NotConfigured:
		return "not_configured"
	case ToolsUnsupported:
		return "tools_unsupported"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	notConfiguredRe = regexp.MustCompile(`(?i)\bnot configured\b|\bno api key\b|\bmissing api key\b`)
	toolsRe         = regexp.MustCompile(`(?i)(?:does not|doesn't|do not|not) support(?:ed)?\b[^.]{0,40}\b(?:tools?|tool use|function calling|functions)\b|\b(?:tools?|tool use|function calling|functions)\b[^.]{0,40}\b(?:not supported|unsupported)\b`)
)

// SemanticError is a remote error whose text identifies a known condition
type SemanticError struct {
	Category Category
	Message  string
}

func (e *SemanticError) Error() string {
	return e.Message
}

// Classify maps a turn error to its category. Semantic categories are
// derived from the error text, so wrapped transport and remote errors are
// classified alike.
func Classify(err error) Category {
	if err == nil {
		return Other
	}
	var se *SemanticError
	if errors.As(err, &se) {
		return se.Category
	}
	if stream.IsCancelled(err) {
		return Aborted
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage maps an error message to its category
func ClassifyMessage(msg string) Category {
	switch {
	case strings.Contains(strings.ToLower(msg), "request aborted"):
		return Aborted
	case notConfiguredRe.MatchString(msg):
		return NotConfigured
	case toolsRe.MatchString(msg):
		return ToolsUnsupported
	default:
		return Other
	}
}

// Semantic wraps err as a SemanticError when it falls in a semantic
// category, and returns it unchanged otherwise.
func Semantic(err error) error {
	if err == nil {
		return nil
	}
	switch cat := Classify(err); cat {
	case NotConfigured, ToolsUnsupported:
		var se *SemanticError
		if errors.As(err, &se) {
			return err
		}
		return &SemanticError{Category: cat, Message: err.Error()}
	default:
		return err
	}
}

// UserMessage returns the text shown for a failed turn, or "" when nothing
// should be shown.
func UserMessage(err error) string {
	switch Classify(err) {
	case Aborted:
		return ""
	case NotConfigured:
		return "The chat service is not configured. Add your API key in settings and try again."
	default:
		return err.Error()
	}
}
