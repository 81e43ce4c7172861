// Package models contains shared data models used across the PennyPilot codebase.
package models

// ChatMessage is one turn of a chat-style completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JSONSchema describes the structured output a request expects.
type JSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// ChatRequest is a provider-neutral completion request. Schema is optional;
// providers that cannot enforce it natively fall back to prompt instructions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Schema      *JSONSchema   `json:"-"`
}

// ChatResponse is the first choice of a completion.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
}

// BatchRequest is one line of a batch input file.
type BatchRequest struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     ChatRequest `json:"body"`
}

// BatchSubmission identifies a batch accepted by the LLM service.
type BatchSubmission struct {
	BatchID string `json:"batch_id"`
	FileID  string `json:"file_id"`
	Status  string `json:"status"`
}

// Batch statuses as reported by the LLM service.
const (
	BatchValidating = "validating"
	BatchInProgress = "in_progress"
	BatchFinalizing = "finalizing"
	BatchCompleted  = "completed"
	BatchCancelling = "cancelling"
	BatchCancelled  = "cancelled"
	BatchFailed     = "failed"
	BatchExpired    = "expired"
)

// BatchStatus is the external view of a submitted batch.
type BatchStatus struct {
	ID            string        `json:"id"`
	Status        string        `json:"status"`
	OutputFileID  string        `json:"output_file_id,omitempty"`
	ErrorFileID   string        `json:"error_file_id,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	RequestCounts RequestCounts `json:"request_counts"`
}

// RequestCounts mirrors the per-request tallies of a batch.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CancelOutcome is the result of asking the LLM service to cancel a batch.
type CancelOutcome struct {
	Cancelled      bool   `json:"cancelled"`
	NotCancellable bool   `json:"not_cancellable,omitempty"`
	InternalOnly   bool   `json:"internal_only,omitempty"`
	Status         string `json:"status,omitempty"`
	Error          string `json:"error,omitempty"`
}
