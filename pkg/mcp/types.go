package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Invoker executes a tool on a tool server
type Invoker interface {
	Invoke(ctx context.Context, server, tool string, params map[string]any) (*ToolInvocationRecord, error)
}

// ToolDefinition describes one tool offered by a server
type ToolDefinition struct {
	ID          int            `json:"id,omitempty"`
	Name        string         `json:"name"`
	Server      string         `json:"server,omitempty"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Enabled     bool           `json:"is_enabled"`
}

// RequiredCount returns how many parameters the tool requires. Both the
// JSON schema "required" array and a per-property "required": true flag are
// understood.
func (t ToolDefinition) RequiredCount() int {
	return len(t.RequiredParameters())
}

// RequiredParameters returns the sorted names of required parameters
func (t ToolDefinition) RequiredParameters() []string {
	names := make(map[string]struct{})

	if list, ok := t.Parameters["required"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				names[s] = struct{}{}
			}
		}
	}

	props, ok := t.Parameters["properties"].(map[string]any)
	if !ok {
		// flat form: {"query": {"type": "string", "required": true}}
		props = t.Parameters
	}
	for name, raw := range props {
		if p, ok := raw.(map[string]any); ok {
			if req, ok := p["required"].(bool); ok && req {
				names[name] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(names))
	for n := range names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ToolInvocationRecord is the outcome of one tool call. It is shown to the
// user once as a system note and then discarded.
type ToolInvocationRecord struct {
	ID         string         `json:"-"`
	ToolName   string         `json:"tool_name"`
	ServerName string         `json:"server_name"`
	Parameters map[string]any `json:"parameters"`
	Result     any            `json:"result,omitempty"`
	Status     string         `json:"status,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"-"`
	Timestamp  time.Time      `json:"-"`
}

// Failed reports whether the invocation produced an error
func (r *ToolInvocationRecord) Failed() bool {
	return r.Error != "" || (r.Status != "" && r.Status != "success")
}

// Note renders the record as the text of a system message
func (r *ToolInvocationRecord) Note() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool %s", r.ToolName)
	if r.ServerName != "" {
		fmt.Fprintf(&sb, " (server %s)", r.ServerName)
	}
	if len(r.Parameters) > 0 {
		params, _ := json.Marshal(r.Parameters)
		fmt.Fprintf(&sb, " called with %s", params)
	}

	if r.Failed() {
		msg := r.Error
		if msg == "" {
			msg = r.Status
		}
		fmt.Fprintf(&sb, " failed: %s", msg)
		return sb.String()
	}

	switch v := r.Result.(type) {
	case nil:
		sb.WriteString(" completed")
	case string:
		fmt.Fprintf(&sb, " returned: %s", v)
	default:
		out, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(&sb, " returned: %v", v)
		} else {
			fmt.Fprintf(&sb, " returned: %s", out)
		}
	}
	return sb.String()
}
