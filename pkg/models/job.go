package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	JobTypeSecurityAnalysis  = "security_analysis"
	JobTypePortfolioAnalysis = "portfolio_analysis"
)

// BatchJobTypes lists the job types backed by an external LLM batch.
var BatchJobTypes = []string{JobTypeSecurityAnalysis, JobTypePortfolioAnalysis}

// ErrUnknownJobType is returned when a job row carries a type with no payload shape.
var ErrUnknownJobType = errors.New("unknown job type")

// Job tracks one asynchronous unit of external work. Active only ever moves
// from true to false, and ExternalID is written once when the job is created.
type Job struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	Type       string     `db:"type"        json:"type"`
	Active     bool       `db:"active"      json:"active"`
	ExternalID *string    `db:"external_id" json:"external_id,omitempty"`
	Data       JobPayload `db:"data"        json:"data"`
	RunDate    time.Time  `db:"run_date"    json:"run_date"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"  json:"updated_at"`
}

// JobPayload is the typed content of jobs.data. Each job type has exactly one
// concrete payload.
type JobPayload interface {
	JobType() string
	Lifecycle() *BatchLifecycle
	ApplyOutcome(o ProcessOutcome)
}

// BatchLifecycle holds the fields shared by every batch-backed payload.
type BatchLifecycle struct {
	FileID                     string         `json:"file_id"`
	Status                     string         `json:"status"`
	LastChecked                *time.Time     `json:"last_checked,omitempty"`
	SubmittedAt                time.Time      `json:"submitted_at"`
	CompletedAt                *time.Time     `json:"completed_at,omitempty"`
	ErrorsEncountered          int            `json:"errors_encountered"`
	SkippedDuplicates          int            `json:"skipped_duplicates,omitempty"`
	ErrorFileProcessed         bool           `json:"error_file_processed"`
	ErrorFileLines             int            `json:"error_file_lines,omitempty"`
	AllRejected                bool           `json:"all_rejected,omitempty"`
	Error                      string         `json:"error,omitempty"`
	CancelledAt                *time.Time     `json:"cancelled_at,omitempty"`
	CancellationReason         string         `json:"cancellation_reason,omitempty"`
	ExternalCancellationResult *CancelOutcome `json:"external_cancellation_result,omitempty"`
}

func (l *BatchLifecycle) applyCounts(o ProcessOutcome) {
	l.ErrorsEncountered = o.Errors
	l.SkippedDuplicates = o.Skipped
	l.ErrorFileProcessed = o.ErrorFileProcessed
	l.ErrorFileLines = o.ErrorFileLines
	l.AllRejected = o.AllRejected
}

// SecurityRequestMeta maps a batch custom_id back to the security it assesses.
type SecurityRequestMeta struct {
	CustomID   string    `json:"custom_id"`
	SecurityID uuid.UUID `json:"security_id"`
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name"`
}

// SecurityAnalysisData is the payload of a security_analysis job.
type SecurityAnalysisData struct {
	BatchLifecycle
	SecurityMetadata   []SecurityRequestMeta `json:"security_metadata"`
	TotalAssessments   int                   `json:"total_assessments"`
	AssessmentsCreated int                   `json:"assessments_created"`
}

func (d *SecurityAnalysisData) JobType() string            { return JobTypeSecurityAnalysis }
func (d *SecurityAnalysisData) Lifecycle() *BatchLifecycle { return &d.BatchLifecycle }

func (d *SecurityAnalysisData) ApplyOutcome(o ProcessOutcome) {
	d.AssessmentsCreated = o.Created
	d.applyCounts(o)
}

// Lookup indexes the metadata by custom_id.
func (d *SecurityAnalysisData) Lookup() map[string]SecurityRequestMeta {
	m := make(map[string]SecurityRequestMeta, len(d.SecurityMetadata))
	for _, meta := range d.SecurityMetadata {
		m[meta.CustomID] = meta
	}
	return m
}

// PortfolioRequestMeta maps a batch custom_id back to the portfolio it analyses.
type PortfolioRequestMeta struct {
	CustomID    string    `json:"custom_id"`
	PortfolioID uuid.UUID `json:"portfolio_id"`
	Name        string    `json:"name"`
}

// PortfolioAnalysisData is the payload of a portfolio_analysis job.
type PortfolioAnalysisData struct {
	BatchLifecycle
	PortfolioMetadata []PortfolioRequestMeta `json:"portfolio_metadata"`
	TotalAnalyses     int                    `json:"total_analyses"`
	AnalysesCreated   int                    `json:"analyses_created"`
}

func (d *PortfolioAnalysisData) JobType() string            { return JobTypePortfolioAnalysis }
func (d *PortfolioAnalysisData) Lifecycle() *BatchLifecycle { return &d.BatchLifecycle }

func (d *PortfolioAnalysisData) ApplyOutcome(o ProcessOutcome) {
	d.AnalysesCreated = o.Created
	d.applyCounts(o)
}

// Lookup indexes the metadata by custom_id.
func (d *PortfolioAnalysisData) Lookup() map[string]PortfolioRequestMeta {
	m := make(map[string]PortfolioRequestMeta, len(d.PortfolioMetadata))
	for _, meta := range d.PortfolioMetadata {
		m[meta.CustomID] = meta
	}
	return m
}

// DecodeJobData unmarshals a raw jobs.data value into the payload for jobType.
func DecodeJobData(jobType string, raw []byte) (JobPayload, error) {
	var p JobPayload
	switch jobType {
	case JobTypeSecurityAnalysis:
		p = &SecurityAnalysisData{}
	case JobTypePortfolioAnalysis:
		p = &PortfolioAnalysisData{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s job data: %w", jobType, err)
	}
	return p, nil
}

// ProcessOutcome summarises one pass over a batch result file.
type ProcessOutcome struct {
	Created            int  `json:"created"`
	Errors             int  `json:"errors"`
	Skipped            int  `json:"skipped"`
	ErrorFileProcessed bool `json:"error_file_processed"`
	ErrorFileLines     int  `json:"error_file_lines"`
	AllRejected        bool `json:"all_rejected"`
}
