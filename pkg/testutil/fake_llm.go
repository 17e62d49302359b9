package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// FakeLLM is a langchaingo model that streams scripted chunks through the
// streaming function of each call.
type FakeLLM struct {
	mu          sync.Mutex
	responses   [][]string
	callCount   int
	lastPrompt  string
	lastOptions llms.CallOptions
	errorOnCall int
	errorMsg    string
	block       bool
	silent      bool
}

var _ llms.Model = (*FakeLLM)(nil)

// NewFakeLLM creates a fake whose calls stream the given chunk lists in turn
func NewFakeLLM(responses ...[]string) *FakeLLM {
	return &FakeLLM{responses: responses}
}

// SetErrorOnCall makes the given call number fail after streaming its chunks
func (f *FakeLLM) SetErrorOnCall(callNumber int, errorMessage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorOnCall = callNumber
	f.errorMsg = errorMessage
}

// BlockAfterChunks makes calls wait for cancellation after streaming
func (f *FakeLLM) BlockAfterChunks() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = true
}

// Silent makes calls return their content in the response without streaming
func (f *FakeLLM) Silent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = true
}

// Call implements llms.Model
func (f *FakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

// GenerateContent implements llms.Model
func (f *FakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}

	var parts []string
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				parts = append(parts, string(msg.Role)+": "+text.Text)
			}
		}
	}

	f.mu.Lock()
	f.callCount++
	call := f.callCount
	f.lastPrompt = strings.Join(parts, "\n")
	f.lastOptions = opts
	var chunks []string
	if len(f.responses) > 0 {
		chunks = f.responses[(call-1)%len(f.responses)]
	}
	fail := f.errorOnCall == call
	errorMsg := f.errorMsg
	block := f.block
	silent := f.silent
	f.mu.Unlock()

	if !silent && opts.StreamingFunc != nil {
		for _, chunk := range chunks {
			if err := opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
	}
	if fail {
		if errorMsg == "" {
			errorMsg = fmt.Sprintf("fake error on call %d", call)
		}
		return nil, fmt.Errorf("%s", errorMsg)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: strings.Join(chunks, "")}},
	}, nil
}

// CallCount returns the number of calls made
func (f *FakeLLM) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

// LastPrompt returns the role-prefixed messages of the last call
func (f *FakeLLM) LastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrompt
}

// LastOptions returns the resolved options of the last call
func (f *FakeLLM) LastOptions() llms.CallOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOptions
}
