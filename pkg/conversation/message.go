package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oqwn/minichat/pkg/backend"
)

type Message struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	// Raw is the text as received, the source of truth for requests.
	Raw string `json:"raw"`
	// Content is the normalized rendering snapshot of Raw.
	Content   string    `json:"content"`
	Streaming bool      `json:"streaming"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newMessage(role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Raw:       content,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func NewUserMessage(content string) Message {
	return newMessage(backend.RoleUser, strings.TrimSpace(content))
}

func NewAssistantMessage() Message {
	msg := newMessage(backend.RoleAssistant, "")
	msg.Streaming = true
	return msg
}

func NewSystemMessage(content string) Message {
	return newMessage(backend.RoleSystem, content)
}

func (m Message) IsUser() bool {
	return m.Role == backend.RoleUser
}

func (m Message) IsAssistant() bool {
	return m.Role == backend.RoleAssistant
}

func (m Message) IsSystem() bool {
	return m.Role == backend.RoleSystem
}

// history converts messages to the request form. System notes are local
// and empty messages carry nothing, so both are left out.
func history(msgs []Message) []backend.Message {
	out := make([]backend.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsSystem() || strings.TrimSpace(m.Raw) == "" {
			continue
		}
		out = append(out, backend.Message{Role: m.Role, Content: m.Raw})
	}
	return out
}
