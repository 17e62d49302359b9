package vectorstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/textsplitter"
)

// Default chunking for indexed files
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Splitter returns the recursive splitter used for indexed files
func Splitter(chunkSize, overlap int) textsplitter.TextSplitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultChunkOverlap
		if overlap >= chunkSize {
			overlap = chunkSize / 5
		}
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", ", ", " ", ""}),
	)
}

// Load splits the text read from r into documents titled title. Each chunk
// is numbered from 1 in its Page.
func Load(ctx context.Context, r io.Reader, title string, splitter textsplitter.TextSplitter) ([]Document, error) {
	docs, err := documentloaders.NewText(r).LoadAndSplit(ctx, splitter)
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", title, err)
	}
	out := make([]Document, 0, len(docs))
	for i, d := range docs {
		out = append(out, Document{
			Title:   title,
			Page:    strconv.Itoa(i + 1),
			Content: d.PageContent,
		})
	}
	return out, nil
}

// LoadFile loads path, titled by its base name
func LoadFile(ctx context.Context, path string, splitter textsplitter.TextSplitter) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(ctx, f, filepath.Base(path), splitter)
}
