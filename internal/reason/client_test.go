package reason

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testClient(url string) *Client {
	return NewClient(Config{
		APIKey:       "sk-test",
		BaseURL:      url,
		Model:        "test-model",
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 10 * time.Millisecond,
	}, zap.NewNop())
}

const okBody = `{
	"content": [{"type": "text", "text": "hello"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 12, "output_tokens": 3}
}`

func TestReasonParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Reason(context.Background(), "sys", "user", 100)
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}
	if resp.Text != "hello" || resp.StopReason != "end_turn" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestReasonRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL).Reason(context.Background(), "", "user", 0)
	if err != nil {
		t.Fatalf("Reason after retries: %v", err)
	}
	if resp.Text != "hello" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("backend called %d times, want 3", got)
	}
}

func TestReasonExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	if _, err := c.Reason(context.Background(), "", "user", 0); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	// Transient exhaustion does not disable the backend.
	if !c.Available() {
		t.Fatal("backend marked unavailable after transient failures")
	}
}

func TestAuthFailureDisablesBackend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Reason(context.Background(), "", "user", 0)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("auth failure retried %d times, want no retries", calls.Load())
	}
	if c.Available() {
		t.Fatal("Available() = true after auth failure")
	}

	// Future calls fail fast without touching the network.
	before := calls.Load()
	if _, err := c.Reason(context.Background(), "", "user", 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls.Load() != before {
		t.Fatal("disabled client still called the backend")
	}
}
