package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/stream"
)

// DefaultCoalesceInterval caps snapshot frequency at about one per frame
const DefaultCoalesceInterval = 16 * time.Millisecond

// Sink receives render snapshots. Snapshots of one session are delivered
// sequentially from the goroutine running Session.Run. A Sink must not
// call Cancel on the session it is being notified about.
type Sink interface {
	OnSnapshot(s *Session, text string, final bool)
}

// SinkFunc is a function adapter for Sink
type SinkFunc func(s *Session, text string, final bool)

// OnSnapshot implements Sink
func (f SinkFunc) OnSnapshot(s *Session, text string, final bool) {
	f(s, text, final)
}

// Options configures a Session
type Options struct {
	// CoalesceInterval is the minimum spacing of non-final snapshots. Zero
	// pushes a snapshot for every delta.
	CoalesceInterval time.Duration
	Sink             Sink
}

// Stats holds counters for one session
type Stats struct {
	Deltas    int
	Snapshots int
	Started   time.Time
	Finished  time.Time
}

// Session is one in-flight assistant turn. It owns the text received for
// the turn and is the only writer of it. The text it renders is the base
// it was created with followed by everything received.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	base   string
	sink   Sink
	co     *coalescer

	mu    sync.RWMutex
	raw   strings.Builder
	state State
	err   error
	stats Stats

	// emitMu is held while a snapshot is delivered
	emitMu    sync.Mutex
	cancelled atomic.Bool
	ran       atomic.Bool
	done      chan struct{}

	log *logger.ComponentLogger
}

// New creates a session whose cancellation token derives from parent. base
// is the text already present in the target message.
func New(parent context.Context, base string, opts Options) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:     uuid.New().String(),
		ctx:    ctx,
		cancel: cancel,
		base:   base,
		sink:   opts.Sink,
		co:     newCoalescer(opts.CoalesceInterval),
		state:  StateActive,
		done:   make(chan struct{}),
		log:    logger.WithComponent("session"),
	}
	s.stats.Started = time.Now()
	return s
}

// ID returns the session handle
func (s *Session) ID() string {
	return s.id
}

// Context returns the session's cancellation token. Backends open their
// stream with it.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Base returns the text the session started from
func (s *Session) Base() string {
	return s.base
}

// Raw returns the text received by this session so far
func (s *Session) Raw() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw.String()
}

// Text returns the base followed by the received text
func (s *Session) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base + s.raw.String()
}

// State returns the current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that ended the session, if any
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Stats returns a copy of the session counters
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Done is closed when Run returns
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancelled reports whether Cancel was called
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Cancel stops the session. It never blocks on the network and is
// idempotent. When it returns, no further snapshot of the session will be
// delivered.
func (s *Session) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	// wait out a snapshot that is being delivered right now
	s.emitMu.Lock()
	s.emitMu.Unlock()

	s.mu.Lock()
	if s.state == StateActive {
		s.state = StateAborted
		s.stats.Finished = time.Now()
	}
	s.mu.Unlock()

	s.cancel()
	s.log.Debug("session cancelled", "id", s.id)
}

// MarkAwaitingDecision moves a completed session to AwaitingDecision
func (s *Session) MarkAwaitingDecision() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCompleted {
		return false
	}
	s.state = StateAwaitingDecision
	return true
}

// Resolve moves a session out of AwaitingDecision once the decision has
// been handed to a continuation.
func (s *Session) Resolve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingDecision {
		return false
	}
	s.state = StateCompleted
	return true
}

// Run applies events until the sequence ends or the session is cancelled.
// It returns nil on completion, the terminal error on failure and
// stream.ErrCancelled on cancellation. Run may be called once.
func (s *Session) Run(events <-chan stream.Event) error {
	if !s.ran.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(s.done)
	defer s.co.stop()
	defer s.cancel()

	s.log.Debug("session started", "id", s.id)

	for {
		select {
		case <-s.ctx.Done():
			return s.abort()

		case <-s.co.C():
			s.co.fired()
			s.emit(false)

		case ev, ok := <-events:
			if s.cancelled.Load() || s.ctx.Err() != nil {
				return s.abort()
			}
			if !ok {
				if s.ctx.Err() != nil {
					return s.abort()
				}
				return s.finish(StateErrored, &stream.TransportError{Op: "read stream", Cause: io.ErrUnexpectedEOF})
			}

			switch ev.Kind {
			case stream.EventDelta:
				s.apply(ev.Text)
				if s.co.request(time.Now()) {
					s.emit(false)
				}
			case stream.EventDone:
				return s.finish(StateCompleted, nil)
			case stream.EventError:
				if stream.IsCancelled(ev.Err) {
					return s.abort()
				}
				return s.finish(StateErrored, ev.Err)
			}
		}
	}
}

func (s *Session) apply(text string) {
	s.mu.Lock()
	s.raw.WriteString(text)
	s.stats.Deltas++
	s.mu.Unlock()
}

// emit delivers a snapshot unless the session was cancelled
func (s *Session) emit(final bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.cancelled.Load() {
		return
	}

	text := s.Text()
	s.mu.Lock()
	s.stats.Snapshots++
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.OnSnapshot(s, text, final)
	}
}

// finish records the outcome and pushes the final, uncoalesced snapshot
func (s *Session) finish(state State, err error) error {
	s.co.stop()

	s.emitMu.Lock()
	if s.cancelled.Load() {
		s.emitMu.Unlock()
		return s.abort()
	}
	s.mu.Lock()
	s.state = state
	s.err = err
	s.stats.Finished = time.Now()
	s.stats.Snapshots++
	text := s.base + s.raw.String()
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.OnSnapshot(s, text, true)
	}
	s.emitMu.Unlock()

	if err != nil {
		s.log.Warn("session failed", "id", s.id, "error", err)
	} else {
		s.log.Debug("session completed", "id", s.id, "deltas", s.Stats().Deltas)
	}
	return err
}

func (s *Session) abort() error {
	s.co.stop()
	s.cancelled.Store(true)

	s.mu.Lock()
	if s.state == StateActive {
		s.state = StateAborted
		s.stats.Finished = time.Now()
	}
	s.mu.Unlock()

	s.log.Debug("session aborted", "id", s.id)
	return stream.ErrCancelled
}
