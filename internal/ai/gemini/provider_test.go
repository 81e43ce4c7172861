package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/kiranshivaraju/pennypilot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	gotModel    string
	gotContents []*genai.Content
	gotConfig   *genai.GenerateContentConfig
	resp        *genai.GenerateContentResponse
	err         error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel = model
	f.gotContents = contents
	f.gotConfig = config
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}}},
		},
	}
}

func TestComplete_MapsMessagesAndConfig(t *testing.T) {
	fake := &fakeModels{resp: textResponse(`{"title":"ok"}`)}
	p := &Provider{models: fake, model: "gemini-2.0-flash"}

	resp, err := p.Complete(context.Background(), models.ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []models.ChatMessage{
			{Role: "system", Content: "You are a professional financial analyst."},
			{Role: "user", Content: "Assess AAPL"},
		},
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"ok"}`, resp.Content)
	assert.Equal(t, "gemini-2.0-flash", resp.Model)

	assert.Equal(t, "gemini-2.0-flash", fake.gotModel)
	require.Len(t, fake.gotContents, 1)
	assert.Equal(t, "user", fake.gotContents[0].Role)
	assert.Equal(t, "application/json", fake.gotConfig.ResponseMIMEType)
	assert.Equal(t, int32(1000), fake.gotConfig.MaxOutputTokens)
	require.NotNil(t, fake.gotConfig.SystemInstruction)
	assert.Equal(t, "You are a professional financial analyst.", fake.gotConfig.SystemInstruction.Parts[0].Text)
}

func TestComplete_ErrorIsWrapped(t *testing.T) {
	boom := errors.New("quota exceeded")
	p := &Provider{models: &fakeModels{err: boom}, model: "m"}

	_, err := p.Complete(context.Background(), models.ChatRequest{})
	assert.ErrorIs(t, err, boom)
}

func TestComplete_EmptyTextIsError(t *testing.T) {
	p := &Provider{models: &fakeModels{resp: &genai.GenerateContentResponse{}}, model: "m"}

	_, err := p.Complete(context.Background(), models.ChatRequest{})
	assert.Error(t, err)
}
