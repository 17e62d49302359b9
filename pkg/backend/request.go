package backend

import (
	"context"

	"github.com/oqwn/minichat/pkg/config"
	"github.com/oqwn/minichat/pkg/stream"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry of the conversation sent to the backend
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the per-request generation options
type Options struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// Request is the outbound body of one streamed turn
type Request struct {
	Messages       []Message `json:"messages"`
	Options        Options   `json:"options"`
	RAGEnabled     bool      `json:"ragEnabled"`
	MCPAutoApprove bool      `json:"mcpAutoApprove"`
	CanvasMode     bool      `json:"canvasMode"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Model          string    `json:"model,omitempty"`
	Stream         bool      `json:"stream"`
	// Continuation marks the leg that follows a permission decision. Its
	// last user message is the decision, not a question.
	Continuation   bool      `json:"-"`
}

// LastUserMessage returns the content of the most recent user message
func (r Request) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ModelName returns the model the request targets
func (r Request) ModelName() string {
	if r.Options.Model != "" {
		return r.Options.Model
	}
	return r.Model
}

// OptionsFromConfig builds request options from the model section
func OptionsFromConfig(m config.ModelConfig) Options {
	return Options{
		Model:       m.Name,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		TopP:        m.TopP,
	}
}

// Backend opens one streamed turn. The returned sequence ends with exactly
// one terminal event, or closes without one when ctx is cancelled. A failure
// to open returns an error and no sequence.
type Backend interface {
	Open(ctx context.Context, req Request) (<-chan stream.Event, error)
}

// Func adapts a function to Backend
type Func func(ctx context.Context, req Request) (<-chan stream.Event, error)

// Open implements Backend
func (f Func) Open(ctx context.Context, req Request) (<-chan stream.Event, error) {
	return f(ctx, req)
}
