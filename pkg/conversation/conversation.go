package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oqwn/minichat/pkg/backend"
	"github.com/oqwn/minichat/pkg/blocks"
	"github.com/oqwn/minichat/pkg/capability"
	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/mcp"
	"github.com/oqwn/minichat/pkg/session"
	"github.com/oqwn/minichat/pkg/stream"
)

var (
	ErrEmptyInput        = errors.New("empty input")
	ErrSessionActive     = errors.New("a session is still active")
	ErrNoPendingDecision = errors.New("no permission request is pending")
	ErrInvalidDecision   = errors.New("decision must be approve or cancel")
	ErrNoInvoker         = errors.New("no tool invoker configured")
)

// DefaultAutoApproveDelay leaves the permission card visible before an
// automatic decision resolves it
const DefaultAutoApproveDelay = 800 * time.Millisecond

// Options configures a Conversation
type Options struct {
	ID      string
	Backend backend.Backend
	// Request holds the generation options sent with every turn
	Request        backend.Options
	RAGEnabled     bool
	CanvasMode     bool
	MCPAutoApprove bool

	CoalesceInterval time.Duration

	// Permissions decides permission requests automatically. Nil leaves
	// every request to the user.
	Permissions      *mcp.PermissionManager
	AutoApproveDelay time.Duration

	Capabilities *capability.Store
	Invoker      mcp.Invoker
	Observer     Observer
}

type pending struct {
	seq        uint64
	sess       *session.Session
	msgID      string
	permission blocks.Permission
}

// Conversation is an ordered list of messages with at most one open
// assistant message. It runs one session at a time and resumes the open
// message after a permission decision.
type Conversation struct {
	id     string
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	messages  []Message
	state     State
	active    *session.Session
	activeMsg string
	pending   *pending
	seq       uint64
	timer     *time.Timer
	outbox    []Event

	notifyMu sync.Mutex
	log      *logger.ComponentLogger
}

// New creates a conversation. Sessions derive from ctx, so cancelling it
// stops any turn in flight.
func New(ctx context.Context, opts Options) (*Conversation, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.AutoApproveDelay <= 0 {
		opts.AutoApproveDelay = DefaultAutoApproveDelay
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Conversation{
		id:     opts.ID,
		opts:   opts,
		ctx:    cctx,
		cancel: cancel,
		log:    logger.WithComponent("conversation"),
	}, nil
}

// ID returns the conversation ID sent with every request
func (c *Conversation) ID() string {
	return c.id
}

// State returns the continuation state
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the message list
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Active returns the session currently streaming, if any
func (c *Conversation) Active() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// PendingPermission returns the permission request awaiting a decision
func (c *Conversation) PendingPermission() (blocks.Permission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return blocks.Permission{}, false
	}
	return c.pending.permission, true
}

// Submit starts a new turn for text. A session still streaming is cancelled
// first, and a pending decision is dropped. It returns the ID of the new
// assistant message.
func (c *Conversation) Submit(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyInput
	}

	c.mu.Lock()
	if err := c.ctx.Err(); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("conversation closed: %w", err)
	}
	previous := c.detachActive()
	c.clearPending()

	user := NewUserMessage(text)
	assistant := NewAssistantMessage()
	c.messages = append(c.messages, user)
	req := c.request(history(c.messages))
	c.messages = append(c.messages, assistant)

	c.warnCapability(req.ModelName())
	sess := c.start(assistant.ID, "", req)
	c.setState(StateStreaming)
	c.queue(Event{Kind: EventSnapshot, Message: assistant, Streaming: true})
	c.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}
	c.flush()
	logger.LogTranscript(backend.RoleUser, text)
	c.log.Debug("turn submitted", "session", sess.ID(), "message", assistant.ID)

	go c.run(sess, assistant.ID, req)
	return assistant.ID, nil
}

// Decide resolves the pending permission request. The open assistant
// message gets a blank-line separator and a continuation session streams
// into it. A decision is ignored while a session is active.
func (c *Conversation) Decide(d Decision) error {
	return c.decide(0, d)
}

func (c *Conversation) decide(seq uint64, d Decision) error {
	if d != Approve && d != Cancel {
		return ErrInvalidDecision
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		c.log.Debug("decision ignored while a session is active", "decision", string(d))
		return ErrSessionActive
	}
	p := c.pending
	if p == nil || c.state != StatePendingDecision || (seq != 0 && p.seq != seq) {
		c.mu.Unlock()
		return ErrNoPendingDecision
	}
	c.clearPending()
	p.sess.Resolve()

	idx := c.indexOf(p.msgID)
	if idx < 0 {
		c.setState(StateIdle)
		c.mu.Unlock()
		c.flush()
		return ErrNoPendingDecision
	}

	msgs := history(c.messages)
	msgs = append(msgs, backend.Message{Role: backend.RoleUser, Content: string(d)})
	req := c.request(msgs)
	req.Continuation = true

	msg := &c.messages[idx]
	base := msg.Raw + "\n\n"
	result := blocks.Classify(base)
	msg.Raw = base
	msg.Content = result.Text
	msg.Streaming = true
	msg.Error = ""

	sess := c.start(p.msgID, base, req)
	c.setState(StateResuming)
	c.queue(Event{Kind: EventSnapshot, Message: *msg, Result: result, Streaming: true})
	c.mu.Unlock()

	c.flush()
	c.log.Info("continuing after decision", "decision", string(d), "tool", p.permission.Tool, "session", sess.ID())

	go c.run(sess, p.msgID, req)
	return nil
}

// Cancel stops the active session. Its partial text stays in the message.
// It reports whether a session was cancelled.
func (c *Conversation) Cancel() bool {
	c.mu.Lock()
	sess := c.detachActive()
	if sess != nil {
		c.setState(StateIdle)
	}
	c.mu.Unlock()

	if sess == nil {
		return false
	}
	sess.Cancel()
	c.flush()
	return true
}

// Close cancels any turn in flight and any scheduled decision
func (c *Conversation) Close() {
	c.mu.Lock()
	sess := c.detachActive()
	c.clearPending()
	c.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
	c.cancel()
}

// InvokeTool calls a tool and records the outcome as a system note. The
// invocation record is returned to the caller and not kept.
func (c *Conversation) InvokeTool(ctx context.Context, server, tool string, params map[string]any) (*mcp.ToolInvocationRecord, error) {
	if c.opts.Invoker == nil {
		return nil, ErrNoInvoker
	}
	record, err := c.opts.Invoker.Invoke(ctx, server, tool, params)
	if record == nil {
		return nil, err
	}

	note := NewSystemMessage(record.Note())
	c.mu.Lock()
	c.messages = append(c.messages, note)
	c.queue(Event{Kind: EventNote, Message: note, Text: note.Content})
	c.mu.Unlock()
	c.flush()

	logger.LogTranscript(backend.RoleSystem, note.Content)
	return record, err
}

// start creates the session for msgID and makes it the active one. Callers
// hold c.mu.
func (c *Conversation) start(msgID, base string, req backend.Request) *session.Session {
	sess := session.New(c.ctx, base, session.Options{
		CoalesceInterval: c.opts.CoalesceInterval,
		Sink:             c.sink(msgID),
	})
	c.active = sess
	c.activeMsg = msgID
	return sess
}

// detachActive forgets the active session and closes its message. The
// caller cancels the returned session after releasing c.mu.
func (c *Conversation) detachActive() *session.Session {
	sess := c.active
	if sess == nil {
		return nil
	}
	if idx := c.indexOf(c.activeMsg); idx >= 0 {
		c.messages[idx].Streaming = false
	}
	c.active = nil
	c.activeMsg = ""
	return sess
}

func (c *Conversation) clearPending() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = nil
}

func (c *Conversation) request(msgs []backend.Message) backend.Request {
	return backend.Request{
		Messages:       msgs,
		Options:        c.opts.Request,
		RAGEnabled:     c.opts.RAGEnabled,
		MCPAutoApprove: c.opts.MCPAutoApprove,
		CanvasMode:     c.opts.CanvasMode,
		ConversationID: c.id,
		Model:          c.opts.Request.Model,
		Stream:         true,
	}
}

func (c *Conversation) run(sess *session.Session, msgID string, req backend.Request) {
	events, err := c.opts.Backend.Open(sess.Context(), req)
	if err != nil {
		events = stream.FromEvents(stream.Fail(err))
	}
	err = sess.Run(events)
	c.finish(sess, msgID, req.ModelName(), err)
}

// sink applies snapshots of the session streaming into msgID, unless it was
// superseded.
func (c *Conversation) sink(msgID string) session.Sink {
	return session.SinkFunc(func(s *session.Session, text string, final bool) {
		c.mu.Lock()
		idx := c.indexOf(msgID)
		if c.active != s || s.Cancelled() || idx < 0 {
			c.mu.Unlock()
			return
		}
		result := blocks.Classify(text)
		msg := &c.messages[idx]
		msg.Raw = text
		msg.Content = result.Text
		msg.Streaming = !final
		c.queue(Event{Kind: EventSnapshot, Message: *msg, Result: result, Streaming: !final})
		c.mu.Unlock()
		c.flush()
	})
}

// finish applies the outcome of a session that ran to its end
func (c *Conversation) finish(sess *session.Session, msgID, model string, err error) {
	if err != nil && c.opts.Capabilities != nil && model != "" {
		if _, serr := c.opts.Capabilities.Observe(model, err); serr != nil {
			c.log.Warn("failed to record capability", "model", model, "error", serr)
		}
	}

	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.activeMsg = ""

	idx := c.indexOf(msgID)
	if idx < 0 {
		c.setState(StateIdle)
		c.mu.Unlock()
		c.flush()
		return
	}
	msg := &c.messages[idx]
	msg.Streaming = false

	switch cat := capability.Classify(err); {
	case err == nil:
		// a leg that added nothing cannot raise a new request
		result := blocks.Classify(msg.Raw)
		perm, ok := result.PendingPermission()
		if ok && strings.TrimSpace(sess.Raw()) != "" && sess.MarkAwaitingDecision() {
			c.enterPending(sess, msgID, perm)
		} else {
			c.setState(StateIdle)
		}
		logger.LogTranscript(backend.RoleAssistant, msg.Raw)

	case cat == capability.Aborted:
		c.setState(StateIdle)

	case cat == capability.NotConfigured:
		removed := *msg
		c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
		c.setState(StateIdle)
		c.queue(Event{Kind: EventRemoved, Message: removed})
		c.queue(Event{Kind: EventError, Text: capability.UserMessage(err)})

	default:
		text := capability.UserMessage(err)
		msg.Error = text
		c.setState(StateIdle)
		c.queue(Event{Kind: EventError, Message: *msg, Text: text})
		c.log.Warn("turn failed", "category", cat.String(), "error", err)
	}
	c.mu.Unlock()
	c.flush()
}

// enterPending records a permission request awaiting a decision and
// schedules the automatic one when the policy has it. Callers hold c.mu.
func (c *Conversation) enterPending(sess *session.Session, msgID string, perm blocks.Permission) {
	c.seq++
	p := &pending{seq: c.seq, sess: sess, msgID: msgID, permission: perm}
	c.pending = p
	c.state = StatePendingDecision
	c.queue(Event{Kind: EventState, State: StatePendingDecision, Permission: &perm})
	c.log.Info("permission requested", "tool", perm.Tool)

	if c.opts.Permissions == nil {
		return
	}
	res := c.opts.Permissions.Evaluate(perm.Tool)
	if !res.Automatic() {
		return
	}
	d := Approve
	if res.Action == mcp.ActionDeny {
		d = Cancel
	}
	seq := p.seq
	c.timer = time.AfterFunc(c.opts.AutoApproveDelay, func() {
		if err := c.decide(seq, d); err != nil {
			c.log.Debug("automatic decision skipped", "decision", string(d), "error", err)
		}
	})
}

func (c *Conversation) warnCapability(model string) {
	if c.opts.Capabilities == nil || model == "" {
		return
	}
	if entry, ok := c.opts.Capabilities.Get(model); ok && !entry.SupportsFunctionCalling {
		c.queue(Event{
			Kind: EventWarning,
			Text: fmt.Sprintf("Model %s does not support tool calling; tools are unavailable for this turn.", model),
		})
	}
}

func (c *Conversation) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state changed", "from", c.state.String(), "to", s.String())
	c.state = s
	c.queue(Event{Kind: EventState, State: s})
}

func (c *Conversation) indexOf(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// queue buffers an event for delivery once c.mu is released
func (c *Conversation) queue(ev Event) {
	c.outbox = append(c.outbox, ev)
}

// flush delivers queued events in order. Callers must not hold c.mu.
func (c *Conversation) flush() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	events := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	if c.opts.Observer == nil {
		return
	}
	for _, ev := range events {
		c.opts.Observer(ev)
	}
}
