// Package dispatch implements the agent caller: one HTTP POST to one
// downstream agent, gated by a circuit breaker and wrapped in retry with
// backoff. See spec.md §4.7.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/DarlingtonDeveloper/signalrouter/internal/agents"
	"github.com/DarlingtonDeveloper/signalrouter/internal/breaker"
	"github.com/DarlingtonDeveloper/signalrouter/internal/retry"
)

// Failure reason labels for the downstream-fail counter, per spec.md §4.7.
const (
	ReasonStatusError     = "status_error"
	ReasonCallError       = "call_error"
	ReasonMissingEndpoint = "missing_endpoint"
	ReasonBreakerOpen     = "breaker_open"
)

// ErrBreakerOpen is returned when the breaker for an agent is currently open.
var ErrBreakerOpen = errors.New("dispatch: breaker open")

const defaultTimeout = 2 * time.Second

// Metrics receives downstream call outcomes, labeled by agent.
// Implementations must be safe for concurrent use; the telemetry package
// supplies the production one.
type Metrics interface {
	DownstreamSuccess(agent string)
	DownstreamFail(agent, reason string)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) DownstreamSuccess(string)        {}
func (NoopMetrics) DownstreamFail(string, string) {}

// Caller makes the single HTTP call to one agent, applying breaker checks,
// retry-with-backoff, and metrics recording.
type Caller struct {
	registry *agents.Registry
	breaker  *breaker.Breaker
	retry    *retry.Executor
	metrics  Metrics
	client   *http.Client
	timeout  time.Duration
}

// New builds a Caller. A nil metrics disables metrics recording.
func New(registry *agents.Registry, br *breaker.Breaker, rt *retry.Executor, metrics Metrics) *Caller {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Caller{
		registry: registry,
		breaker:  br,
		retry:    rt,
		metrics:  metrics,
		client:   &http.Client{Timeout: defaultTimeout},
		timeout:  defaultTimeout,
	}
}

// Call dispatches payload (which must already carry trace_id) to agent.
// DLQ short-circuits with a synthetic queued response and touches neither
// the breaker nor the network. Every other agent is gated by the breaker,
// then retried via the wrapped retry executor.
func (c *Caller) Call(ctx context.Context, agent agents.Agent, payload map[string]any) (map[string]any, error) {
	if agent == agents.DLQ {
		return map[string]any{"status": "queued_for_dlq"}, nil
	}

	key := string(agent)

	if c.breaker.IsOpen(key) {
		c.metrics.DownstreamFail(key, ReasonBreakerOpen)
		return nil, ErrBreakerOpen
	}

	var result map[string]any
	err := c.retry.Do(ctx, key, func(ctx context.Context) error {
		r, callErr := c.attempt(ctx, agent, payload)
		if callErr != nil {
			return callErr
		}
		result = r
		return nil
	})
	return result, err
}

func (c *Caller) attempt(ctx context.Context, agent agents.Agent, payload map[string]any) (map[string]any, error) {
	key := string(agent)

	endpoint, ok := c.registry.Endpoint(agent)
	if !ok {
		c.breaker.RecordFailure(key)
		c.metrics.DownstreamFail(key, ReasonMissingEndpoint)
		return nil, fmt.Errorf("dispatch: no endpoint registered for agent %s", key)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.breaker.RecordFailure(key)
		c.metrics.DownstreamFail(key, ReasonCallError)
		return nil, fmt.Errorf("dispatch: marshal payload for %s: %w", key, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		c.breaker.RecordFailure(key)
		c.metrics.DownstreamFail(key, ReasonCallError)
		return nil, fmt.Errorf("dispatch: build request for %s: %w", key, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID, ok := payload["trace_id"].(string); ok {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure(key)
		c.metrics.DownstreamFail(key, ReasonCallError)
		return nil, fmt.Errorf("dispatch: call %s: %w", key, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure(key)
		c.metrics.DownstreamFail(key, ReasonCallError)
		return nil, fmt.Errorf("dispatch: read response from %s: %w", key, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure(key)
		c.metrics.DownstreamFail(key, ReasonStatusError)
		return nil, fmt.Errorf("dispatch: %s responded %d", key, resp.StatusCode)
	}

	var decoded map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			c.breaker.RecordFailure(key)
			c.metrics.DownstreamFail(key, ReasonCallError)
			return nil, fmt.Errorf("dispatch: decode response from %s: %w", key, err)
		}
	}

	c.breaker.RecordSuccess(key)
	c.metrics.DownstreamSuccess(key)
	return decoded, nil
}
