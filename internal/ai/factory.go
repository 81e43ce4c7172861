package ai

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/pennypilot/internal/ai/gemini"
	"github.com/kiranshivaraju/pennypilot/internal/ai/mock"
	"github.com/kiranshivaraju/pennypilot/internal/ai/openai"
	"github.com/kiranshivaraju/pennypilot/internal/config"
	"github.com/kiranshivaraju/pennypilot/internal/retry"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

// Completer runs one synchronous chat completion. Errors carry the package
// sentinels.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

// NewOpenAIClient builds the OpenAI transport shared by the batch gateway
// and the openai sync provider.
func NewOpenAIClient(cfg config.OpenAIConfig) *openai.Client {
	return openai.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout, retry.Default)
}

// NewCompleter constructs the sync provider selected by cfg.SyncProvider.
// Called once at server startup.
func NewCompleter(ctx context.Context, cfg config.AIConfig) (Completer, error) {
	switch cfg.SyncProvider {
	case "openai":
		return &completer{inner: NewOpenAIClient(cfg.OpenAI)}, nil
	case "gemini":
		p, err := gemini.NewProvider(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
		return &completer{inner: p, promptSchema: true}, nil
	case "mock":
		return &completer{inner: mock.NewMockProvider()}, nil
	default:
		return nil, fmt.Errorf("unknown AI sync provider %q: must be one of openai, gemini, mock", cfg.SyncProvider)
	}
}

// completer normalises provider errors and, for providers without native
// structured output, moves the schema into the prompt.
type completer struct {
	inner        Completer
	promptSchema bool
}

func (c *completer) Name() string { return c.inner.Name() }

func (c *completer) Complete(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	if c.promptSchema {
		req = ApplyJSONFallback(req)
	}
	resp, err := c.inner.Complete(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

// WrapCompleter applies the same error normalisation to an arbitrary provider.
func WrapCompleter(p Completer) Completer {
	return &completer{inner: p}
}

var (
	_ Completer   = (*openai.Client)(nil)
	_ Completer   = (*gemini.Provider)(nil)
	_ Completer   = (*mock.MockProvider)(nil)
	_ BatchClient = (*openai.Client)(nil)
)
