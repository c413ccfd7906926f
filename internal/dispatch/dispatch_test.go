package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DarlingtonDeveloper/signalrouter/internal/agents"
	"github.com/DarlingtonDeveloper/signalrouter/internal/breaker"
	"github.com/DarlingtonDeveloper/signalrouter/internal/retry"
)

type recordingMetrics struct {
	mu       sync.Mutex
	success  []string
	failures []string
	reasons  []string
}

func (m *recordingMetrics) DownstreamSuccess(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.success = append(m.success, agent)
}

func (m *recordingMetrics) DownstreamFail(agent, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, agent)
	m.reasons = append(m.reasons, reason)
}

func noRetryExecutor() *retry.Executor {
	return retry.New(retry.Config{MaxAttempts: 1, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil)
}

func TestCaller_DLQShortCircuits(t *testing.T) {
	metrics := &recordingMetrics{}
	c := New(agents.NewRegistry(nil), breaker.New(breaker.DefaultConfig()), noRetryExecutor(), metrics)

	result, err := c.Call(context.Background(), agents.DLQ, map[string]any{"trace_id": "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["status"] != "queued_for_dlq" {
		t.Errorf("expected queued_for_dlq status, got %v", result)
	}
	if len(metrics.success) != 0 || len(metrics.failures) != 0 {
		t.Error("expected DLQ short-circuit to touch no metrics")
	}
}

func TestCaller_SuccessOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace-ID") != "t1" {
			t.Errorf("expected X-Trace-ID header, got %q", r.Header.Get("X-Trace-ID"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ack": true}`))
	}))
	defer srv.Close()

	metrics := &recordingMetrics{}
	br := breaker.New(breaker.DefaultConfig())
	c := New(agents.NewRegistry(map[agents.Agent]string{agents.Axis: srv.URL}), br, noRetryExecutor(), metrics)

	result, err := c.Call(context.Background(), agents.Axis, map[string]any{"trace_id": "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["ack"] != true {
		t.Errorf("expected decoded response, got %v", result)
	}
	if len(metrics.success) != 1 {
		t.Errorf("expected 1 success recorded, got %d", len(metrics.success))
	}
}

func TestCaller_StatusErrorRecordsFailureAndTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	metrics := &recordingMetrics{}
	br := breaker.New(breaker.Config{Threshold: 1, Recovery: time.Minute})
	c := New(agents.NewRegistry(map[agents.Agent]string{agents.Axis: srv.URL}), br, noRetryExecutor(), metrics)

	_, err := c.Call(context.Background(), agents.Axis, map[string]any{"trace_id": "t1"})
	if err == nil {
		t.Fatal("expected error on non-2xx status")
	}
	if len(metrics.reasons) != 1 || metrics.reasons[0] != ReasonStatusError {
		t.Errorf("expected status_error reason, got %v", metrics.reasons)
	}
	if !br.IsOpen("Axis") {
		t.Error("expected breaker to trip after threshold-1 failure")
	}
}

func TestCaller_MissingEndpoint(t *testing.T) {
	metrics := &recordingMetrics{}
	c := New(agents.NewRegistry(nil), breaker.New(breaker.DefaultConfig()), noRetryExecutor(), metrics)

	_, err := c.Call(context.Background(), agents.Axis, map[string]any{"trace_id": "t1"})
	if err == nil {
		t.Fatal("expected error for unregistered agent endpoint")
	}
	if len(metrics.reasons) != 1 || metrics.reasons[0] != ReasonMissingEndpoint {
		t.Errorf("expected missing_endpoint reason, got %v", metrics.reasons)
	}
}

func TestCaller_RejectsImmediatelyWhenBreakerOpen(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	metrics := &recordingMetrics{}
	br := breaker.New(breaker.Config{Threshold: 1, Recovery: time.Minute})
	br.RecordFailure("Axis")

	c := New(agents.NewRegistry(map[agents.Agent]string{agents.Axis: srv.URL}), br, noRetryExecutor(), metrics)
	_, err := c.Call(context.Background(), agents.Axis, map[string]any{"trace_id": "t1"})
	if err != ErrBreakerOpen {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if called {
		t.Error("expected no HTTP call while breaker is open")
	}
	if len(metrics.reasons) != 1 || metrics.reasons[0] != ReasonBreakerOpen {
		t.Errorf("expected breaker_open reason, got %v", metrics.reasons)
	}
}

func TestCaller_CallErrorOnUnreachableEndpoint(t *testing.T) {
	metrics := &recordingMetrics{}
	br := breaker.New(breaker.DefaultConfig())
	c := New(agents.NewRegistry(map[agents.Agent]string{agents.Axis: "http://127.0.0.1:1"}), br, noRetryExecutor(), metrics)

	_, err := c.Call(context.Background(), agents.Axis, map[string]any{"trace_id": "t1"})
	if err == nil {
		t.Fatal("expected error calling an unreachable endpoint")
	}
	if len(metrics.reasons) != 1 || metrics.reasons[0] != ReasonCallError {
		t.Errorf("expected call_error reason, got %v", metrics.reasons)
	}
}

func TestCaller_RetriedByWrappedExecutor(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ack": true}`))
	}))
	defer srv.Close()

	metrics := &recordingMetrics{}
	br := breaker.New(breaker.Config{Threshold: 100, Recovery: time.Minute})
	rt := retry.New(retry.Config{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil)
	c := New(agents.NewRegistry(map[agents.Agent]string{agents.Axis: srv.URL}), br, rt, metrics)

	result, err := c.Call(context.Background(), agents.Axis, map[string]any{"trace_id": "t1"})
	if err != nil {
		t.Fatalf("expected eventual success via retry, got %v", err)
	}
	if result["ack"] != true {
		t.Errorf("expected decoded response after retry, got %v", result)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}
