package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oqwn/minichat/pkg/logger"
	"github.com/oqwn/minichat/pkg/stream"
)

// ProbeResult is the backend's verdict on one model. Supported is nil when
// the backend could not decide.
type ProbeResult struct {
	Model     string `json:"model"`
	Supported *bool  `json:"supportsFunctionCalling"`
	Error     string `json:"error,omitempty"`
}

// Prober asks the backend whether a model supports tool calling and records
// definite answers in a Store.
type Prober struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	store      *Store
	log        *logger.ComponentLogger
}

// NewProber creates a prober against baseURL. store may be nil.
func NewProber(baseURL, apiKey string, timeout time.Duration, store *Store) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		store:      store,
		log:        logger.WithComponent("capability"),
	}
}

// Probe runs the capability test for model. A "not configured" answer is
// returned as a SemanticError and never recorded.
func (p *Prober) Probe(ctx context.Context, model string) (*ProbeResult, error) {
	body, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.baseURL + "/chat/test-capabilities"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &stream.TransportError{Op: "probe capabilities", Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &stream.TransportError{Op: "probe capabilities", Cause: err}
	}

	var result ProbeResult
	decodeErr := json.Unmarshal(data, &result)
	if result.Model == "" {
		result.Model = model
	}

	if resp.StatusCode != http.StatusOK {
		msg := result.Error
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		terr := &stream.TransportError{Op: "probe capabilities", Status: resp.StatusCode, Body: msg}
		if ClassifyMessage(msg) == NotConfigured {
			return nil, &SemanticError{Category: NotConfigured, Message: msg}
		}
		return nil, terr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode probe response: %w", decodeErr)
	}

	if result.Supported == nil {
		p.log.Warn("capability undetermined", "model", model, "error", result.Error)
		return &result, nil
	}
	if p.store != nil {
		record := p.store.MarkUnsupported
		if *result.Supported {
			record = p.store.MarkSupported
		}
		if err := record(model); err != nil {
			return &result, fmt.Errorf("failed to record capability: %w", err)
		}
	}
	p.log.Info("capability probed", "model", model, "supported", *result.Supported)
	return &result, nil
}
