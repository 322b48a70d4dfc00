// Package store is the HTTP client for the session persistence gateway.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StatusRecording and friends are the persisted session status values.
const (
	StatusRecording = "recording"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Draft is the payload for the initial session create.
type Draft struct {
	PatientID  string    `json:"patientId"`
	OperatorID string    `json:"operatorId,omitempty"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
}

// Patch is a partial session update. Nil fields are omitted, so the same
// logical update applied twice is harmless.
type Patch struct {
	Status         *string    `json:"status,omitempty"`
	Transcript     *string    `json:"transcript,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	ElapsedSeconds *int64     `json:"elapsedSeconds,omitempty"`
}

// RetryPolicy bounds gateway call retries. Backoff doubles per attempt up to
// MaxDelay; there is never more than one attempt in flight per call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Client talks to the practice-management backend session resource.
type Client struct {
	baseURL   string
	authToken string
	httpc     *http.Client
	logger    *slog.Logger
}

// New constructs a gateway client. A nil httpc falls back to a client with a
// sane per-request timeout.
func New(baseURL, authToken string, httpc *http.Client, logger *slog.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken: authToken,
		httpc:     httpc,
		logger:    logger,
	}
}

// CreateSession creates the remote session record and returns its id.
func (c *Client) CreateSession(ctx context.Context, draft Draft, policy RetryPolicy) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/sessions", draft, &created, policy)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("gateway returned an empty session id")
	}
	return created.ID, nil
}

// UpdateSession applies a partial update to an existing session record.
func (c *Client) UpdateSession(ctx context.Context, id string, patch Patch, policy RetryPolicy) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session id is empty")
	}
	return c.do(ctx, http.MethodPatch, "/sessions/"+id, patch, nil, policy)
}

// do issues one logical call with bounded retries. All attempts share one
// idempotency key so a retried write is applied at most once server-side.
func (c *Client) do(ctx context.Context, method, path string, body any, out any, policy RetryPolicy) error {
	if c.baseURL == "" {
		return errors.New("gateway base URL is empty")
	}
	policy = policy.withDefaults()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode gateway payload: %w", err)
	}
	idempotencyKey := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepBackoff(ctx, policy, attempt-1); err != nil {
				return err
			}
			c.logger.Debug("retrying gateway call",
				"method", method, "path", path, "attempt", attempt)
		}

		lastErr = c.attempt(ctx, method, path, payload, idempotencyKey, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("gateway %s %s failed after %d attempts: %w",
		method, path, policy.MaxAttempts, lastErr)
}

// attempt performs a single HTTP exchange.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("gateway rejected request: HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

// sleepBackoff waits base*2^(attempt-1) capped at MaxDelay, or aborts on ctx.
func sleepBackoff(ctx context.Context, policy RetryPolicy, attempt int) error {
	delay := policy.BaseDelay << (attempt - 1)
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// retryable reports whether an attempt failure is worth repeating. Client
// errors (4xx) are deterministic and never retried.
func retryable(err error) bool {
	var transport *transportError
	if errors.As(err, &transport) {
		return true
	}
	var status *statusError
	return errors.As(err, &status)
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return "gateway request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("gateway returned HTTP %d", e.code)
	}
	return fmt.Sprintf("gateway returned HTTP %d: %s", e.code, e.body)
}

// StringPtr, TimePtr, and Int64Ptr build Patch fields in place.
func StringPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }

func Int64Ptr(n int64) *int64 { return &n }
