package mock

import (
	"context"

	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

const (
	securityJSON  = `{"title":"Steady Outlook","analysis":"Mock analysis: price action and news flow are balanced.","recommendation":"hold"}`
	portfolioJSON = `{"title":"Balanced Portfolio","assessment":"Mock assessment: holdings are reasonably diversified.","rating":7,` +
		`"actions":[{"action":"hold","symbol":"","amount":0,"reasoning":"No change needed","priority":"low"}],` +
		`"risk_assessment":{"current_risk_level":"moderate","alignment_with_target":"aligned","recommendations":"Keep current allocation."}}`
)

// MockProvider answers chat requests without a network call.
type MockProvider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &models.ChatResponse{}, nil
}

// NewMockProvider returns a MockProvider with canned JSON matching the
// requested schema.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
			content := securityJSON
			if req.Schema != nil && req.Schema.Name == "portfolio_analysis" {
				content = portfolioJSON
			}
			return &models.ChatResponse{ID: "mock-completion", Model: "mock-v1", Content: content}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.ChatRequest) (*models.ChatResponse, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		CompleteFunc: func(ctx context.Context, _ models.ChatRequest) (*models.ChatResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}
