package backend

import (
	"fmt"

	"github.com/oqwn/minichat/pkg/config"
	"github.com/oqwn/minichat/pkg/vectorstore"
)

// New builds the backend selected by backend.transport. The HTTP transports
// leave retrieval to the remote service, which receives ragEnabled with the
// request; the langchain transport retrieves locally when rag.enabled is set.
func New(cfg *config.Config) (Backend, error) {
	switch cfg.Backend.Transport {
	case config.TransportRaw:
		return NewHTTPBackend(cfg.Backend.URL, cfg.Backend.APIKey, ShapeRaw, cfg.Backend.Timeout), nil
	case config.TransportFramed:
		return NewHTTPBackend(cfg.Backend.URL, cfg.Backend.APIKey, ShapeFramed, cfg.Backend.Timeout), nil
	case config.TransportLangChain:
		lc, err := NewLangChainFromConfig(cfg.Backend, cfg.Model)
		if err != nil {
			return nil, err
		}
		if !cfg.RAG.Enabled {
			return lc, nil
		}
		store, err := NewStore(cfg)
		if err != nil {
			return nil, err
		}
		return NewRetriever(lc, store, cfg.RAG.TopK), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Backend.Transport)
	}
}

// NewStore opens the local retrieval store described by the rag section,
// embedding with the backend's provider.
func NewStore(cfg *config.Config) (*vectorstore.Store, error) {
	embed, err := vectorstore.NewEmbeddingFunc(vectorstore.EmbedderConfig{
		Provider: cfg.Backend.Provider,
		Model:    cfg.RAG.EmbeddingModel,
		BaseURL:  cfg.Backend.URL,
		APIKey:   cfg.Backend.APIKey,
		Timeout:  cfg.Backend.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return vectorstore.NewStore(cfg.RAG.PersistenceDir, cfg.RAG.Collection, embed)
}
