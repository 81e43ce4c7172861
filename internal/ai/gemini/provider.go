// Package gemini runs synchronous completions against the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"google.golang.org/genai"
)

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Provider answers chat requests with Gemini. It asks for JSON output but
// cannot enforce a schema, so callers fold the schema into the prompt.
type Provider struct {
	models generator
	model  string
}

func NewProvider(ctx context.Context, apiKey, model string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Provider{models: client.Models, model: model}, nil
}

func (p *Provider) Name() string { return "gemini" }

// Complete ignores req.Model and uses the configured Gemini model.
func (p *Provider) Complete(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	temp := float32(req.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:      &temp,
		MaxOutputTokens:  int32(req.MaxTokens),
		ResponseMIMEType: "application/json",
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n")}}}
	}

	resp, err := p.models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini returned no text")
	}

	return &models.ChatResponse{Model: p.model, Content: text}, nil
}
