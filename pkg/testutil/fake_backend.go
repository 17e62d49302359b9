package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/oqwn/minichat/pkg/backend"
	"github.com/oqwn/minichat/pkg/stream"
)

// Turn scripts one call to FakeBackend.Open
type Turn struct {
	// Err fails the open itself
	Err error
	// Events are delivered in order
	Events []stream.Event
	// Source, when set, is forwarded after Events until it closes
	Source <-chan stream.Event
	// Hold keeps the sequence open after the scripted events until the
	// context is cancelled
	Hold bool
}

// FakeBackend replays scripted turns and records every request
type FakeBackend struct {
	mu       sync.Mutex
	turns    []Turn
	requests []backend.Request
}

var _ backend.Backend = (*FakeBackend)(nil)

// NewFakeBackend creates a backend that serves turns in order
func NewFakeBackend(turns ...Turn) *FakeBackend {
	return &FakeBackend{turns: turns}
}

// Push queues another turn
func (f *FakeBackend) Push(turn Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
}

// Requests returns the requests received so far
func (f *FakeBackend) Requests() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.requests...)
}

// Open implements backend.Backend
func (f *FakeBackend) Open(ctx context.Context, req backend.Request) (<-chan stream.Event, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if len(f.turns) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no scripted turn")
	}
	turn := f.turns[0]
	f.turns = f.turns[1:]
	f.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	out := make(chan stream.Event)
	go func() {
		defer close(out)
		send := func(ev stream.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, ev := range turn.Events {
			if !send(ev) {
				return
			}
		}
		if turn.Source != nil && !forward(ctx, turn.Source, send) {
			return
		}
		if turn.Hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

// forward relays src until it closes. It reports false when ctx ended first.
func forward(ctx context.Context, src <-chan stream.Event, send func(stream.Event) bool) bool {
	for {
		select {
		case ev, ok := <-src:
			if !ok {
				return true
			}
			if !send(ev) {
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}
