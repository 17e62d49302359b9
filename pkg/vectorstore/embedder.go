package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// MaxTextLength is the maximum length of text that can be embedded
const MaxTextLength = 8192

// EmbedderConfig selects and configures an embedding provider
type EmbedderConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// NewEmbeddingFunc builds a chromem embedding function backed by a
// langchaingo embedder for the configured provider.
func NewEmbeddingFunc(cfg EmbedderConfig) (chromem.EmbeddingFunc, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		httpClient.Timeout = 60 * time.Second
	}

	var (
		client embeddings.EmbedderClient
		err    error
	)
	switch cfg.Provider {
	case "", "ollama":
		opts := []ollama.Option{ollama.WithHTTPClient(httpClient)}
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		client, err = ollama.New(opts...)
	case "openai":
		opts := []openai.Option{openai.WithHTTPClient(httpClient)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.Model != "" {
			opts = append(opts, openai.WithEmbeddingModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		client, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s embedding client: %w", cfg.Provider, err)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return FromEmbedder(embedder), nil
}

// FromEmbedder adapts a langchaingo embedder to chromem
func FromEmbedder(e embeddings.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		if err := checkText(text); err != nil {
			return nil, err
		}
		return e.EmbedQuery(ctx, text)
	}
}

// HashEmbedding returns a deterministic bag-of-words embedding of the given
// dimensionality. Texts sharing words land close together, which is enough
// for offline use and tests.
func HashEmbedding(dims int) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		if err := checkText(text); err != nil {
			return nil, err
		}
		vec := make([]float32, dims)
		for _, word := range strings.FieldsFunc(strings.ToLower(text), isSeparator) {
			h := fnv.New32a()
			h.Write([]byte(word))
			vec[h.Sum32()%uint32(dims)]++
		}
		return normalize(vec), nil
	}
}

func checkText(text string) error {
	if text == "" {
		return errors.New("empty text")
	}
	if len(text) > MaxTextLength {
		return fmt.Errorf("text exceeds max length of %d characters", MaxTextLength)
	}
	return nil
}

func isSeparator(r rune) bool {
	return !(r == '_' || r == '-' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') || r > 127)
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		// chromem rejects zero vectors
		vec[0] = 1
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
