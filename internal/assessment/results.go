package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pennypilot/internal/ai"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

// resultLine is one row of a batch output file.
type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error json.RawMessage `json:"error"`
}

func (l resultLine) content() string {
	if l.Response == nil || len(l.Response.Body.Choices) == 0 {
		return ""
	}
	return l.Response.Body.Choices[0].Message.Content
}

func (l resultLine) failed() bool {
	e := strings.TrimSpace(string(l.Error))
	return e != "" && e != "null"
}

type target struct {
	id   uuid.UUID
	name string
}

// ProcessBatchResults downloads a completed batch and stores one assessment
// per valid result line. It is safe to call again for the same batch: rows
// already stored today are counted as skipped.
//
// A batch with no output file but an error file is treated as fully
// rejected rather than failing, since polling again would not change it.
func (s *Service) ProcessBatchResults(ctx context.Context, job *models.Job, status *models.BatchStatus) (models.ProcessOutcome, error) {
	var out models.ProcessOutcome

	k, targets, err := s.resolveJob(job)
	if err != nil {
		return out, err
	}

	if status.OutputFileID == "" && status.ErrorFileID == "" {
		return out, ErrNoOutputFile
	}

	if status.ErrorFileID != "" {
		if text := s.gateway.DownloadResults(ctx, status.ErrorFileID); text != nil {
			out.ErrorFileProcessed = true
			out.ErrorFileLines = countLines(*text)
			slog.Warn("batch error file has failed requests",
				"job_id", job.ID, "file_id", status.ErrorFileID, "lines", out.ErrorFileLines)
		} else {
			slog.Warn("batch error file download failed", "job_id", job.ID, "file_id", status.ErrorFileID)
		}
	}

	lines := 0
	lineErrors := 0
	if status.OutputFileID != "" {
		text := s.gateway.DownloadResults(ctx, status.OutputFileID)
		if text == nil {
			return out, ErrDownloadFailed
		}

		today := s.today()
		for _, raw := range strings.Split(*text, "\n") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			lines++
			switch s.processLine(ctx, k, targets, job.ID, raw, today) {
			case outcomeCreated:
				out.Created++
			case outcomeSkipped:
				out.Skipped++
			default:
				lineErrors++
			}
		}
	}

	out.Errors = lineErrors + out.ErrorFileLines
	out.AllRejected = out.Created == 0 && out.Skipped == 0 &&
		((lines > 0 && lineErrors == lines) || (lines == 0 && out.ErrorFileLines > 0))

	slog.Info("processed batch results",
		"job_id", job.ID, "type", job.Type, "lines", lines,
		"created", out.Created, "skipped", out.Skipped, "errors", out.Errors)

	if out.AllRejected {
		s.auditRejected(ctx, job, out)
	}
	return out, nil
}

func (s *Service) resolveJob(job *models.Job) (kind, map[string]target, error) {
	switch d := job.Data.(type) {
	case *models.SecurityAnalysisData:
		m := make(map[string]target, len(d.SecurityMetadata))
		for id, meta := range d.Lookup() {
			m[id] = target{id: meta.SecurityID, name: meta.Symbol}
		}
		return securityKind{s}, m, nil
	case *models.PortfolioAnalysisData:
		m := make(map[string]target, len(d.PortfolioMetadata))
		for id, meta := range d.Lookup() {
			m[id] = target{id: meta.PortfolioID, name: meta.Name}
		}
		return portfolioKind{s: s}, m, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", models.ErrUnknownJobType, job.Type)
	}
}

func (s *Service) processLine(ctx context.Context, k kind, targets map[string]target, jobID uuid.UUID, raw string, today time.Time) outcome {
	var line resultLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		slog.Warn("unparseable batch result line", "job_id", jobID, "error", err)
		return outcomeInvalid
	}

	t, ok := targets[line.CustomID]
	if !ok {
		slog.Warn("batch result for unknown custom_id", "job_id", jobID, "custom_id", line.CustomID)
		return outcomeInvalid
	}
	if line.failed() {
		slog.Warn("batch request failed", "job_id", jobID, "custom_id", line.CustomID, "name", t.name, "error", string(line.Error))
		return outcomeInvalid
	}

	content := line.content()
	if content == "" {
		slog.Warn("batch result has no content", "job_id", jobID, "custom_id", line.CustomID, "name", t.name)
		return outcomeInvalid
	}

	parsed := ai.ParseResponse(content, t.name)
	if parsed == nil {
		return outcomeInvalid
	}
	return k.persist(ctx, t.id, parsed, &jobID, today, t.name)
}

func (s *Service) auditRejected(ctx context.Context, job *models.Job, out models.ProcessOutcome) {
	slog.Warn("every result in batch was rejected", "job_id", job.ID, "type", job.Type, "errors", out.Errors)

	entry := &models.SystemLog{
		ID:      uuid.New(),
		Level:   "error",
		Source:  "batch_results",
		Message: fmt.Sprintf("All %d results of %s job %s were rejected", out.Errors, job.Type, job.ID),
		Details: map[string]any{
			"job_id":           job.ID.String(),
			"job_type":         job.Type,
			"errors":           out.Errors,
			"error_file_lines": out.ErrorFileLines,
		},
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateSystemLog(ctx, entry); err != nil {
		slog.Warn("writing system log failed", "source", entry.Source, "error", err)
	}
}

func countLines(text string) int {
	n := 0
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}
