package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Usage is the token and cost accounting returned by the model gateway
// for a single call.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 { return u.InputTokens + u.OutputTokens }

// Request is one inference call against a primed specialist context.
type Request struct {
	Model         string          `json:"model"`
	ContextPrompt string          `json:"context_prompt"`
	DocumentID    string          `json:"document_id"`
	JobType       string          `json:"job_type"`
	Input         json.RawMessage `json:"input,omitempty"`
}

// Response carries the raw model output plus usage accounting. Output is
// decoded into a typed result by the caller.
type Response struct {
	Output json.RawMessage `json:"output"`
	Usage  Usage           `json:"usage"`
}

// Provider is the model gateway the worker pool runs jobs against.
type Provider interface {
	// Prime loads a specialist context into a fresh session and returns
	// what the warm-up cost.
	Prime(ctx context.Context, model, contextPrompt string) (Usage, error)
	// Infer runs one document job. Callers bound it with a deadline.
	Infer(ctx context.Context, req Request) (*Response, error)
}

// TransientError marks a failure worth retrying: timeouts, rate limits,
// gateway 5xx.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient inference failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: malformed
// request, unknown model, unprocessable document.
type PermanentError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent inference failure during %s (status %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// HTTPProvider talks to the model gateway over JSON/HTTP.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

// NewHTTPProvider creates an HTTPProvider. The client timeout is a
// backstop; per-job deadlines come from the caller's context.
func NewHTTPProvider(baseURL, apiKey string, logger *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		client:  &http.Client{Timeout: 10 * time.Minute},
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger,
	}
}

type primeRequest struct {
	Model         string `json:"model"`
	ContextPrompt string `json:"context_prompt"`
}

type primeResponse struct {
	Usage Usage `json:"usage"`
}

// Prime loads the specialist context and returns the warm-up usage.
func (p *HTTPProvider) Prime(ctx context.Context, model, contextPrompt string) (Usage, error) {
	var out primeResponse
	err := p.post(ctx, "/v1/prime", primeRequest{Model: model, ContextPrompt: contextPrompt}, &out)
	if err != nil {
		return Usage{}, err
	}
	return out.Usage, nil
}

// Infer runs one job against the gateway.
func (p *HTTPProvider) Infer(ctx context.Context, req Request) (*Response, error) {
	var out Response
	if err := p.post(ctx, "/v1/infer", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, in, out any) error {
	op := path
	body, err := json.Marshal(in)
	if err != nil {
		return &PermanentError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Network errors and context deadlines are retryable from the
		// pool's point of view: the job goes back to the queue.
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(raw, out); err != nil {
			return &PermanentError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return &TransientError{Op: op, Err: fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, truncate(raw, 256))}
	default:
		return &PermanentError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("gateway rejected request: %s", truncate(raw, 256))}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
