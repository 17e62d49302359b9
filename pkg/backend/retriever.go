package backend

import (
	"context"
	"strings"
	"sync"

	"github.com/oqwn/minichat/pkg/blocks"
	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/stream"
	"github.com/oqwn/minichat/pkg/vectorstore"
)

// Searcher finds references for a query
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]blocks.Reference, error)
}

var _ Searcher = (*vectorstore.Store)(nil)

// Retriever augments a backend with local retrieval. For requests with
// RAGEnabled it looks up the last user message and, once the inner stream
// completes, appends a references section before the terminal done event.
//
// A leg that ends in a permission request gets no section; its references
// are held for the conversation and attached when a continuation leg
// settles. Continuations never search on their own.
type Retriever struct {
	inner    Backend
	searcher Searcher
	topK     int
	log      *logger.ComponentLogger

	mu   sync.Mutex
	held map[string][]blocks.Reference
}

// NewRetriever wraps inner
func NewRetriever(inner Backend, searcher Searcher, topK int) *Retriever {
	if topK <= 0 {
		topK = 3
	}
	return &Retriever{
		inner:    inner,
		searcher: searcher,
		topK:     topK,
		log:      logger.WithComponent("backend"),
		held:     make(map[string][]blocks.Reference),
	}
}

// Open implements Backend
func (r *Retriever) Open(ctx context.Context, req Request) (<-chan stream.Event, error) {
	if !req.RAGEnabled {
		return r.inner.Open(ctx, req)
	}

	// a new turn drops references held for an unanswered request
	refs := r.take(req.ConversationID)
	if !req.Continuation {
		var err error
		refs, err = r.searcher.Search(ctx, req.LastUserMessage(), r.topK)
		if err != nil {
			if ctx.Err() != nil {
				return nil, stream.ErrCancelled
			}
			// retrieval is best effort
			r.log.Warn("retrieval failed", "error", err)
			refs = nil
		}
	}

	events, err := r.inner.Open(ctx, req)
	if err != nil || len(refs) == 0 {
		return events, err
	}

	section := "\n\n" + blocks.FormatReferences(refs)
	out := make(chan stream.Event, 64)
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
		var leg strings.Builder
		for ev := range events {
			switch ev.Kind {
			case stream.EventDelta:
				leg.WriteString(ev.Text)
			case stream.EventDone:
				if _, ok := blocks.Classify(leg.String()).PendingPermission(); ok {
					r.hold(req.ConversationID, refs)
				} else if !send(stream.Delta(section)) {
					return
				}
			}
			if !send(ev) {
				return
			}
		}
	}()

	r.log.Debug("references attached", "count", len(refs), "continuation", req.Continuation)
	return out, nil
}

func (r *Retriever) hold(conversation string, refs []blocks.Reference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[conversation] = refs
	r.log.Debug("references held for a permission request", "conversation", conversation, "count", len(refs))
}

func (r *Retriever) take(conversation string) []blocks.Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := r.held[conversation]
	delete(r.held, conversation)
	return refs
}
