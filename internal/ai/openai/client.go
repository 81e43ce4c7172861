// Package openai is a typed client for the OpenAI chat completions, files
// and batches endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kiranshivaraju/pennypilot/internal/retry"
	"github.com/kiranshivaraju/pennypilot/pkg/models"
)

// Sentinel errors for OpenAI client failures.
var (
	ErrUnavailable     = errors.New("openai unavailable")
	ErrTimeout         = errors.New("openai request timeout")
	ErrInvalidResponse = errors.New("openai invalid response")
	ErrNotCancellable  = errors.New("openai batch not cancellable")
)

const (
	batchEndpoint     = "/v1/chat/completions"
	completionWindow  = "24h"
	batchFileName     = "batch_requests.jsonl"
	maxErrorBodyBytes = 4096
)

// singleAttempt is used for calls that create server-side objects. A retry
// after a lost response would create a second, untracked one.
var singleAttempt = retry.Policy{MaxAttempts: 1}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("openai: status %d", e.StatusCode)
	}
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the OpenAI REST API. Every call is retried under policy
// on transport errors, 429 and 5xx responses.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
}

// NewClient creates a new OpenAI client. baseURL includes the /v1 suffix.
func NewClient(baseURL, apiKey string, timeout time.Duration, policy retry.Policy) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
	}
}

func (c *Client) Name() string { return "openai" }

// Configured reports whether an API key was provided.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Complete runs one synchronous chat completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{Type: "json_schema", JSONSchema: req.Schema}
	}

	var out chatCompletionResponse
	if err := c.doJSON(ctx, c.policy, http.MethodPost, "/chat/completions", body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in completion", ErrInvalidResponse)
	}
	return &models.ChatResponse{
		ID:      out.ID,
		Model:   out.Model,
		Content: out.Choices[0].Message.Content,
	}, nil
}

// UploadBatchFile uploads a JSONL batch input file and returns its file id.
func (c *Client) UploadBatchFile(ctx context.Context, jsonl []byte) (string, error) {
	var out fileObject
	err := c.send(ctx, singleAttempt, http.MethodPost, "/files", func() (io.Reader, string, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if err := w.WriteField("purpose", "batch"); err != nil {
			return nil, "", err
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, batchFileName))
		h.Set("Content-Type", "application/jsonl")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(jsonl); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: file upload returned no id", ErrInvalidResponse)
	}
	return out.ID, nil
}

// CreateBatch starts a batch over an uploaded input file.
func (c *Client) CreateBatch(ctx context.Context, inputFileID string) (*models.BatchStatus, error) {
	body := createBatchRequest{
		InputFileID:      inputFileID,
		Endpoint:         batchEndpoint,
		CompletionWindow: completionWindow,
	}
	var out batchObject
	if err := c.doJSON(ctx, singleAttempt, http.MethodPost, "/batches", body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: batch creation returned no id", ErrInvalidResponse)
	}
	return out.toStatus(), nil
}

func (c *Client) GetBatch(ctx context.Context, batchID string) (*models.BatchStatus, error) {
	var out batchObject
	if err := c.do(ctx, http.MethodGet, "/batches/"+batchID, nil, &out); err != nil {
		return nil, err
	}
	return out.toStatus(), nil
}

// FileContent downloads a file as text.
func (c *Client) FileContent(ctx context.Context, fileID string) (string, error) {
	var out bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/files/"+fileID+"/content", nil, &out); err != nil {
		return "", err
	}
	return out.String(), nil
}

// CancelBatch asks the API to cancel a batch. A 400 means the batch is
// already past the point where it can be cancelled.
func (c *Client) CancelBatch(ctx context.Context, batchID string) (*models.BatchStatus, error) {
	var out batchObject
	err := c.do(ctx, http.MethodPost, "/batches/"+batchID+"/cancel", nil, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %s", ErrNotCancellable, apiErr.Message)
		}
		return nil, err
	}
	return out.toStatus(), nil
}

func (c *Client) doJSON(ctx context.Context, policy retry.Policy, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.send(ctx, policy, method, path, func() (io.Reader, string, error) {
		return bytes.NewReader(payload), "application/json", nil
	}, out)
}

// do sends one request under the client's retry policy.
func (c *Client) do(ctx context.Context, method, path string, body func() (io.Reader, string, error), out any) error {
	return c.send(ctx, c.policy, method, path, body, out)
}

// send sends one request under policy. body is called once per attempt so
// readers are never reused. When out is a *bytes.Buffer the raw body is
// copied into it, otherwise it is decoded as JSON.
func (c *Client) send(ctx context.Context, policy retry.Policy, method, path string, body func() (io.Reader, string, error), out any) error {
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		var (
			rdr         io.Reader
			contentType string
		)
		if body != nil {
			var err error
			rdr, contentType, err = body()
			if err != nil {
				return retry.Permanent(fmt.Errorf("building request body: %w", err))
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
		if err != nil {
			return retry.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			err = classifyError(err)
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := readAPIError(resp)
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return fmt.Errorf("%w: %w", ErrUnavailable, apiErr)
			}
			return retry.Permanent(apiErr)
		}

		if buf, ok := out.(*bytes.Buffer); ok {
			buf.Reset()
			if _, err := io.Copy(buf, resp.Body); err != nil {
				return fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
			}
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("%w: decoding response: %v", ErrInvalidResponse, err))
		}
		return nil
	})
}

func readAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		apiErr.Message = env.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// --- OpenAI wire types ---

type responseFormat struct {
	Type       string             `json:"type"`
	JSONSchema *models.JSONSchema `json:"json_schema"`
}

type chatCompletionRequest struct {
	Model          string               `json:"model"`
	Messages       []models.ChatMessage `json:"messages"`
	Temperature    float64              `json:"temperature"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type fileObject struct {
	ID string `json:"id"`
}

type createBatchRequest struct {
	InputFileID      string `json:"input_file_id"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
	Errors       *struct {
		Data []struct {
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
	RequestCounts models.RequestCounts `json:"request_counts"`
}

func (b batchObject) toStatus() *models.BatchStatus {
	st := &models.BatchStatus{
		ID:            b.ID,
		Status:        b.Status,
		OutputFileID:  b.OutputFileID,
		ErrorFileID:   b.ErrorFileID,
		RequestCounts: b.RequestCounts,
	}
	if b.Errors != nil {
		msgs := make([]string, 0, len(b.Errors.Data))
		for _, e := range b.Errors.Data {
			if e.Message != "" {
				msgs = append(msgs, e.Message)
			}
		}
		st.ErrorMessage = strings.Join(msgs, "; ")
	}
	return st
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
