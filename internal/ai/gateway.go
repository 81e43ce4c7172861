package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"

	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

// BatchClient is the transport behind Gateway. openai.Client implements it.
type BatchClient interface {
	Configured() bool
	UploadBatchFile(ctx context.Context, jsonl []byte) (string, error)
	CreateBatch(ctx context.Context, inputFileID string) (*models.BatchStatus, error)
	GetBatch(ctx context.Context, batchID string) (*models.BatchStatus, error)
	FileContent(ctx context.Context, fileID string) (string, error)
	CancelBatch(ctx context.Context, batchID string) (*models.BatchStatus, error)
}

// Gateway is the single boundary between the pipeline and the LLM service.
// Batch calls go to client, single completions to sync. Its methods never
// return errors: every failure is logged and reported as an absent result,
// so callers only branch on nil.
type Gateway struct {
	client BatchClient
	sync   Completer
}

// NewGateway pairs the batch transport with the provider used for
// immediate-mode completions. sync may be nil when only batches are used.
func NewGateway(client BatchClient, sync Completer) *Gateway {
	return &Gateway{client: client, sync: sync}
}

// Configured reports whether the underlying client has credentials.
func (g *Gateway) Configured() bool { return g.client.Configured() }

// CompleteSync runs one chat completion through the sync provider.
func (g *Gateway) CompleteSync(ctx context.Context, req models.ChatRequest) *models.ChatResponse {
	if g.sync == nil {
		slog.Error("chat completion requested without a sync provider", "model", req.Model)
		return nil
	}
	resp, err := g.sync.Complete(ctx, req)
	if err != nil {
		slog.Error("chat completion failed", "provider", g.sync.Name(), "model", req.Model, "error", classify(err))
		return nil
	}
	return resp
}

// SubmitBatch serialises requests as JSONL, uploads the file and starts a
// batch. Schemas are folded into the prompts because the batch endpoint
// does not honour response_format.
func (g *Gateway) SubmitBatch(ctx context.Context, reqs []models.BatchRequest) *models.BatchSubmission {
	if len(reqs) == 0 {
		slog.Warn("refusing to submit empty batch")
		return nil
	}

	var buf bytes.Buffer
	for i, r := range reqs {
		line := models.BatchRequest{
			CustomID: r.CustomID,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body:     ApplyJSONFallback(r.Body),
		}
		raw, err := json.Marshal(line)
		if err != nil {
			slog.Error("encoding batch request failed", "custom_id", r.CustomID, "error", err)
			return nil
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(raw)
	}

	fileID, err := g.client.UploadBatchFile(ctx, buf.Bytes())
	if err != nil {
		slog.Error("batch file upload failed", "requests", len(reqs), "error", classify(err))
		return nil
	}
	slog.Info("uploaded batch file", "file_id", fileID, "requests", len(reqs))

	st, err := g.client.CreateBatch(ctx, fileID)
	if err != nil {
		slog.Error("batch creation failed", "file_id", fileID, "error", classify(err))
		return nil
	}
	slog.Info("created batch", "batch_id", st.ID, "status", st.Status)

	return &models.BatchSubmission{BatchID: st.ID, FileID: fileID, Status: st.Status}
}

func (g *Gateway) GetBatchStatus(ctx context.Context, batchID string) *models.BatchStatus {
	st, err := g.client.GetBatch(ctx, batchID)
	if err != nil {
		slog.Warn("batch status check failed", "batch_id", batchID, "error", classify(err))
		return nil
	}
	return st
}

func (g *Gateway) DownloadResults(ctx context.Context, fileID string) *string {
	content, err := g.client.FileContent(ctx, fileID)
	if err != nil {
		slog.Error("batch file download failed", "file_id", fileID, "error", classify(err))
		return nil
	}
	return &content
}

// CancelBatch asks the service to stop a batch. The outcome distinguishes a
// batch that can no longer be cancelled from a transport failure.
func (g *Gateway) CancelBatch(ctx context.Context, batchID string) models.CancelOutcome {
	st, err := g.client.CancelBatch(ctx, batchID)
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrNotCancellable) {
			slog.Warn("batch not cancellable", "batch_id", batchID, "error", err)
			return models.CancelOutcome{NotCancellable: true, Error: err.Error()}
		}
		slog.Error("batch cancellation failed", "batch_id", batchID, "error", err)
		return models.CancelOutcome{Error: err.Error()}
	}
	slog.Info("batch cancelled", "batch_id", batchID, "status", st.Status)
	return models.CancelOutcome{Cancelled: true, Status: st.Status}
}

// ParseResponse decodes model output into a JSON object. Prose around the
// object is tolerated by retrying on the span between the first '{' and the
// last '}'.
func ParseResponse(text, label string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err == nil && out != nil {
		return out
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil && out != nil {
			return out
		}
	}

	slog.Warn("unparseable model response", "label", label, "length", len(text))
	return nil
}

// ValidateAssessment checks a parsed security assessment. The recommendation
// is normalised to lower case.
func ValidateAssessment(parsed map[string]any, label string) *models.ValidatedAssessment {
	if parsed == nil {
		slog.Warn("invalid assessment: empty object", "label", label)
		return nil
	}

	title, ok := nonEmptyString(parsed, "title")
	if !ok {
		slog.Warn("invalid assessment: missing title", "label", label)
		return nil
	}
	analysis, ok := nonEmptyString(parsed, "analysis")
	if !ok {
		slog.Warn("invalid assessment: missing analysis", "label", label)
		return nil
	}
	rec, ok := nonEmptyString(parsed, "recommendation")
	if !ok {
		slog.Warn("invalid assessment: missing recommendation", "label", label)
		return nil
	}
	rec = strings.ToLower(rec)
	if !models.ValidRecommendations[rec] {
		slog.Warn("invalid assessment: unknown recommendation", "label", label, "recommendation", rec)
		return nil
	}

	return &models.ValidatedAssessment{Title: title, Analysis: analysis, Recommendation: rec}
}

var validActions = map[string]bool{"buy": true, "sell": true, "hold": true, "rebalance": true}

var validPriorities = map[string]bool{"high": true, "medium": true, "low": true}

// ValidatePortfolioAnalysis checks a parsed portfolio analysis. Malformed
// action entries are dropped rather than failing the whole analysis.
func ValidatePortfolioAnalysis(parsed map[string]any, label string) *models.ValidatedPortfolioAnalysis {
	if parsed == nil {
		slog.Warn("invalid portfolio analysis: empty object", "label", label)
		return nil
	}

	assessment, ok := nonEmptyString(parsed, "assessment")
	if !ok {
		slog.Warn("invalid portfolio analysis: missing assessment", "label", label)
		return nil
	}

	ratingF, ok := parsed["rating"].(float64)
	if !ok || ratingF != math.Trunc(ratingF) || ratingF < 1 || ratingF > 10 {
		slog.Warn("invalid portfolio analysis: rating out of range", "label", label, "rating", parsed["rating"])
		return nil
	}

	riskRaw, ok := parsed["risk_assessment"].(map[string]any)
	if !ok {
		slog.Warn("invalid portfolio analysis: missing risk_assessment", "label", label)
		return nil
	}

	rawActions, ok := parsed["actions"].([]any)
	if !ok && parsed["actions"] != nil {
		slog.Warn("invalid portfolio analysis: actions is not a list", "label", label)
		return nil
	}

	title, _ := nonEmptyString(parsed, "title")
	if title == "" {
		title = "Portfolio Analysis"
	}

	out := &models.ValidatedPortfolioAnalysis{
		Title:      title,
		Assessment: assessment,
		Rating:     int(ratingF),
		Actions:    []models.PortfolioAction{},
		RiskAssessment: models.RiskAssessment{
			CurrentRiskLevel:    stringField(riskRaw, "current_risk_level"),
			AlignmentWithTarget: stringField(riskRaw, "alignment_with_target"),
			Recommendations:     stringField(riskRaw, "recommendations"),
		},
	}

	for _, raw := range rawActions {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		action := strings.ToLower(stringField(m, "action"))
		if !validActions[action] {
			continue
		}
		priority := strings.ToLower(stringField(m, "priority"))
		if !validPriorities[priority] {
			priority = "medium"
		}
		amount, _ := m["amount"].(float64)
		out.Actions = append(out.Actions, models.PortfolioAction{
			Action:    action,
			Symbol:    strings.ToUpper(stringField(m, "symbol")),
			Amount:    amount,
			Reasoning: stringField(m, "reasoning"),
			Priority:  priority,
		})
	}

	return out
}

func nonEmptyString(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
