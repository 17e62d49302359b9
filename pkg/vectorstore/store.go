package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/oqwn/minichat/pkg/blocks"
	"github.com/oqwn/minichat/pkg/logger"
)

// PreviewLength bounds the preview quoted under each reference
const PreviewLength = 200

// Document is one indexed passage
type Document struct {
	ID      string
	Title   string
	Page    string
	Content string
}

// Store is a chromem-go collection of documents that answers queries with
// reference entries.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	mu         sync.RWMutex
	log        *logger.ComponentLogger
}

// NewStore opens collection in a persistent database under dir, or in memory
// when dir is empty.
func NewStore(dir, collection string, embed chromem.EmbeddingFunc) (*Store, error) {
	if collection == "" {
		return nil, errors.New("collection name is required")
	}
	if embed == nil {
		return nil, errors.New("embedding function is required")
	}

	var db *chromem.DB
	if dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to create persistent chromem DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", collection, err)
	}

	return &Store{
		db:         db,
		collection: col,
		log:        logger.WithComponent("vectorstore"),
	}, nil
}

// Add indexes documents. Documents without an ID get a random one.
func (s *Store) Add(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chromemDocs := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		id := doc.ID
		if id == "" {
			id = uuid.New().String()
		}
		chromemDocs = append(chromemDocs, chromem.Document{
			ID:      id,
			Content: doc.Content,
			Metadata: map[string]string{
				"title": doc.Title,
				"page":  doc.Page,
			},
		})
	}
	if len(chromemDocs) == 0 {
		return nil
	}

	if err := s.collection.AddDocuments(ctx, chromemDocs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	s.log.Debug("documents indexed", "count", len(chromemDocs))
	return nil
}

// Count returns the number of indexed documents
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection.Count()
}

// Search returns up to k references for query, best match first, numbered
// from 1.
func (s *Store) Search(ctx context.Context, query string, k int) ([]blocks.Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k > s.collection.Count() {
		k = s.collection.Count()
	}
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	refs := make([]blocks.Reference, 0, len(results))
	for i, r := range results {
		title := r.Metadata["title"]
		if title == "" {
			title = r.ID
		}
		page := r.Metadata["page"]
		if page == "" {
			page = "N/A"
		}
		refs = append(refs, blocks.Reference{
			Number:     i + 1,
			Title:      title,
			Page:       page,
			Similarity: float64(r.Similarity) * 100,
			Preview:    preview(r.Content),
		})
	}
	return refs, nil
}

// preview flattens content to one line of at most PreviewLength runes
func preview(content string) string {
	flat := strings.Join(strings.Fields(content), " ")
	flat = strings.ReplaceAll(flat, `"`, "'")
	runes := []rune(flat)
	if len(runes) > PreviewLength {
		return string(runes[:PreviewLength]) + "..."
	}
	return flat
}
