package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/oqwn/minichat/pkg/config"
	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/stream"
)

// Providers accepted by NewLangChainFromConfig
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// LangChainBackend streams turns from any langchaingo model
type LangChainBackend struct {
	llm      llms.Model
	defaults Options
	log      *logger.ComponentLogger
}

// NewLangChainBackend wraps llm. defaults fill options a request leaves unset.
func NewLangChainBackend(llm llms.Model, defaults Options) *LangChainBackend {
	return &LangChainBackend{
		llm:      llm,
		defaults: defaults,
		log:      logger.WithComponent("backend"),
	}
}

// NewLangChainFromConfig builds an ollama or openai model from the backend
// and model sections.
func NewLangChainFromConfig(b config.BackendConfig, m config.ModelConfig) (*LangChainBackend, error) {
	var (
		llm llms.Model
		err error
	)
	httpClient := &http.Client{Timeout: b.Timeout}
	if b.Timeout <= 0 {
		httpClient.Timeout = 5 * time.Minute
	}

	switch b.Provider {
	case "", ProviderOllama:
		opts := []ollama.Option{ollama.WithHTTPClient(httpClient)}
		if b.URL != "" {
			opts = append(opts, ollama.WithServerURL(b.URL))
		}
		if m.Name != "" {
			opts = append(opts, ollama.WithModel(m.Name))
		}
		llm, err = ollama.New(opts...)
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithHTTPClient(httpClient)}
		if b.URL != "" {
			opts = append(opts, openai.WithBaseURL(b.URL))
		}
		if b.APIKey != "" {
			opts = append(opts, openai.WithToken(b.APIKey))
		}
		if m.Name != "" {
			opts = append(opts, openai.WithModel(m.Name))
		}
		llm, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown langchain provider %q", b.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", b.Provider, err)
	}
	return NewLangChainBackend(llm, OptionsFromConfig(m)), nil
}

// Open implements Backend. Deltas are the model's streaming chunks; the
// final response content is used when the model streamed nothing.
func (b *LangChainBackend) Open(ctx context.Context, req Request) (<-chan stream.Event, error) {
	messages := toMessageContent(req.Messages)
	if len(messages) == 0 {
		return nil, errors.New("request has no messages")
	}

	out := make(chan stream.Event, 64)
	var (
		mu       sync.Mutex
		streamed bool
	)
	emit := func(ev stream.Event) bool {
		if ev.Kind == stream.EventDelta {
			mu.Lock()
			streamed = true
			mu.Unlock()
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	opts := append(b.callOptions(req), llms.WithStreamingFunc(stream.ToStreamingFunc(emit)))

	go func() {
		defer close(out)
		resp, err := b.llm.GenerateContent(ctx, messages, opts...)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if stream.IsCancelled(err) {
				return
			}
			emit(stream.Fail(&stream.RemoteError{Message: err.Error()}))
			return
		}

		mu.Lock()
		empty := !streamed
		mu.Unlock()
		if empty && resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
			if !emit(stream.Delta(resp.Choices[0].Content)) {
				return
			}
		}
		emit(stream.Done())
	}()

	b.log.Debug("langchain stream opened", "messages", len(messages))
	return out, nil
}

func (b *LangChainBackend) callOptions(req Request) []llms.CallOption {
	o := req.Options
	if o.Model == "" {
		o.Model = req.Model
	}
	if o.Model == "" {
		o.Model = b.defaults.Model
	}
	if o.Temperature == 0 {
		o.Temperature = b.defaults.Temperature
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = b.defaults.MaxTokens
	}
	if o.TopP == 0 {
		o.TopP = b.defaults.TopP
	}

	var opts []llms.CallOption
	if o.Model != "" {
		opts = append(opts, llms.WithModel(o.Model))
	}
	if o.Temperature != 0 {
		opts = append(opts, llms.WithTemperature(o.Temperature))
	}
	if o.MaxTokens != 0 {
		opts = append(opts, llms.WithMaxTokens(o.MaxTokens))
	}
	if o.TopP != 0 {
		opts = append(opts, llms.WithTopP(o.TopP))
	}
	return opts
}

func toMessageContent(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Content == "" {
			continue
		}
		messageType := llms.ChatMessageTypeHuman
		switch msg.Role {
		case RoleSystem:
			messageType = llms.ChatMessageTypeSystem
		case RoleAssistant:
			messageType = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(messageType, msg.Content))
	}
	return out
}
