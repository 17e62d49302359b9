package backend

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

// Shape selects the wire shape of the streaming endpoint
type Shape int

const (
	// ShapeRaw streams plain UTF-8 text with the [ERROR]: marker
	ShapeRaw Shape = iota
	// ShapeFramed streams newline-delimited JSON frames
	ShapeFramed
)

func (s Shape) path() string {
	if s == ShapeFramed {
		return "/chat/stream-asgi"
	}
	return "/chat/stream"
}

func (s Shape) decoder() stream.Decoder {
	if s == ShapeFramed {
		return stream.NewFrameDecoder()
	}
	return stream.NewRawDecoder()
}

func (s Shape) String() string {
	if s == ShapeFramed {
		return "framed"
	}
	return "raw"
}

// HTTPBackend streams turns from the chat backend over HTTP
type HTTPBackend struct {
	baseURL    string
	apiKey     string
	shape      Shape
	httpClient *http.Client
	log        *logger.ComponentLogger
}

// NewHTTPBackend creates a backend against baseURL. The timeout bounds
// connection setup and response headers only; a streamed body may run for
// as long as the context allows.
func NewHTTPBackend(baseURL, apiKey string, shape Shape, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		shape:      shape,
		httpClient: &http.Client{Transport: transport},
		log:        logger.WithComponent("backend"),
	}
}

// Open implements Backend
func (b *HTTPBackend) Open(ctx context.Context, req Request) (<-chan stream.Event, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := b.baseURL + b.shape.path()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.shape == ShapeFramed {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, stream.ErrCancelled
		}
		return nil, &stream.TransportError{Op: "open stream", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &stream.TransportError{
			Op:     "open stream",
			Status: resp.StatusCode,
			Body:   errorBody(data),
		}
	}

	b.log.Debug("stream opened", "url", url, "shape", b.shape.String(), "messages", len(req.Messages))
	return stream.Pump(ctx, resp.Body, b.shape.decoder()), nil
}

// errorBody extracts the message of a JSON error body, falling back to the
// raw text.
func errorBody(data []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		for _, s := range []string{payload.Error, payload.Message, payload.Detail} {
			if s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(data))
}
