// Package mail sends transactional email through the Loops API.
// See https://loops.so/docs/api-reference.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultBaseURL = "https://app.loops.so/api/v1"
	defaultTimeout = 10 * time.Second
)

// Client posts transactional sends to Loops.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a client. An empty baseURL uses DefaultBaseURL.
func New(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// TransactionalRequest is one templated send.
type TransactionalRequest struct {
	Email           string         `json:"email"`
	TransactionalID string         `json:"transactionalId"`
	DataVariables   map[string]any `json:"dataVariables,omitempty"`
	// IdempotencyKey is sent as a header. Loops drops repeats within 24 hours.
	IdempotencyKey string `json:"-"`
}

// SendTransactional sends a transactional email.
func (c *Client) SendTransactional(ctx context.Context, req *TransactionalRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mail: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactional", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mail: failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("mail: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &apiResp) == nil && apiResp.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
}

// APIError is a non-2xx answer from Loops.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mail: API error %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether a retry may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
