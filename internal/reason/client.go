// Package reason wraps the reasoning backend behind a retrying HTTP
// client. Transient failures (rate limits, server errors) are retried
// with backoff; an authentication failure permanently marks the backend
// unavailable until process restart.
package reason

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable is returned once the backend is permanently disabled
// by an authentication failure.
var ErrUnavailable = errors.New("reasoning backend unavailable")

// TokenUsage reports tokens consumed by one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is one completed reasoning call.
type Response struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// Backend is the reasoning contract the supervisor and the delegation
// orchestrator consume.
type Backend interface {
	// Reason sends one system+user exchange. A nil error guarantees a
	// non-nil response. Transient failures are retried internally; an
	// exhausted retry budget or permanent failure returns an error.
	Reason(ctx context.Context, systemPrompt, userMessage string, maxOutputTokens int) (*Response, error)

	// Available reports whether future calls can succeed. It turns
	// false permanently after an authentication failure.
	Available() bool
}

// Config configures the HTTP client.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Client is an HTTP Backend implementation.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	log         *zap.Logger
	unavailable atomic.Bool
}

// NewClient creates a reasoning client.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

// Available implements Backend.
func (c *Client) Available() bool { return !c.unavailable.Load() }

type messageRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string     `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Reason implements Backend.
func (c *Client) Reason(ctx context.Context, systemPrompt, userMessage string, maxOutputTokens int) (*Response, error) {
	if c.unavailable.Load() {
		return nil, ErrUnavailable
	}
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("reason: API key not configured")
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = 4096
	}

	body, err := json.Marshal(messageRequest{
		Model:     c.cfg.Model,
		MaxTokens: maxOutputTokens,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: userMessage}},
	})
	if err != nil {
		return nil, fmt.Errorf("reason: encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying reasoning call",
				zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, retryable, err := c.call(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("reason: retries exhausted: %w", lastErr)
}

// call performs one HTTP exchange. The second return reports whether
// the failure class is transient.
func (c *Client) call(ctx context.Context, body []byte) (*Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("reason: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("reason: transport: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, true, fmt.Errorf("reason: read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		// Authentication failures disable all future cycles.
		c.unavailable.Store(true)
		c.log.Error("reasoning backend authentication failed; disabling future cycles",
			zap.Int("status", httpResp.StatusCode))
		return nil, false, ErrUnavailable
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return nil, true, fmt.Errorf("reason: backend status %d", httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("reason: backend status %d: %s", httpResp.StatusCode, truncate(string(data), 200))
	}

	var parsed messageResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, false, fmt.Errorf("reason: decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, false, fmt.Errorf("reason: backend error %s: %s", parsed.Error.Type, parsed.Error.Message)
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Response{Text: text, Usage: parsed.Usage, StopReason: parsed.StopReason}, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
