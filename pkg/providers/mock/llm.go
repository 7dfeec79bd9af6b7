package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/haven/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	ChunkDelay   time.Duration
	Err          error
}

// LLMAdapter replies with canned text and records every request.
type LLMAdapter struct {
	cfg      LLMConfig
	model    string
	mu       sync.Mutex
	requests []llm.Context
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" && len(cfg.StreamChunks) == 0 {
		cfg.ResponseText = "mock response."
	}
	return &LLMAdapter{cfg: cfg}
}

// WithModel records the model the adapter was built for.
func (a *LLMAdapter) WithModel(model string) *LLMAdapter {
	a.model = model
	return a
}

func (a *LLMAdapter) Model() string { return a.model }

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Requests() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.requests...)
}

func (a *LLMAdapter) record(input llm.Context) {
	a.mu.Lock()
	a.requests = append(a.requests, llm.Context{Messages: append([]llm.Message(nil), input.Messages...)})
	a.mu.Unlock()
}

func (a *LLMAdapter) chunks() []string {
	if len(a.cfg.StreamChunks) > 0 {
		return a.cfg.StreamChunks
	}
	return []string{a.cfg.ResponseText}
}

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.record(input)
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	return llm.Response{Text: strings.Join(a.chunks(), ""), FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	a.record(input)
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	chunks := a.chunks()
	out := make(chan string)
	go func() {
		defer close(out)
		for _, chunk := range chunks {
			if a.cfg.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(a.cfg.ChunkDelay):
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
