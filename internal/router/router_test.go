package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/DarlingtonDeveloper/signalrouter/internal/agents"
	"github.com/DarlingtonDeveloper/signalrouter/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	logs map[string]store.LogRecord
	fail bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{logs: make(map[string]store.LogRecord)}
}

func (f *fakeStore) GetLog(_ context.Context, logID string) (*store.LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.logs[logID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeStore) UpsertLog(_ context.Context, rec store.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("upsert failed")
	}
	f.logs[rec.LogID] = rec
	return nil
}

type fakeDLQWriter struct {
	mu      sync.Mutex
	written []string
	succeed bool
}

func newFakeDLQWriter(succeed bool) *fakeDLQWriter {
	return &fakeDLQWriter{succeed: succeed}
}

func (f *fakeDLQWriter) Write(_ context.Context, logID, reason string, _ map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, reason)
	return f.succeed
}

type fakeCaller struct {
	results map[agents.Agent]map[string]any
	errors  map[agents.Agent]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{results: make(map[agents.Agent]map[string]any), errors: make(map[agents.Agent]error)}
}

func (f *fakeCaller) Call(_ context.Context, agent agents.Agent, _ map[string]any) (map[string]any, error) {
	if err, ok := f.errors[agent]; ok {
		return nil, err
	}
	if r, ok := f.results[agent]; ok {
		return r, nil
	}
	return map[string]any{"ack": true}, nil
}

func newTestRouter(s Store, caller AgentCaller, dlqw DLQWriter) *Router {
	registry := agents.NewRegistry(map[agents.Agent]string{
		agents.Axis: "http://axis",
		agents.M:    "http://m",
	})
	return New(s, registry, caller, dlqw, nil)
}

func TestRoute_AssistSuccess(t *testing.T) {
	r := newTestRouter(newFakeStore(), newFakeCaller(), newFakeDLQWriter(true))
	resp, err := r.Route(context.Background(), Request{
		TenantID: "t1", UserID: "u1", PayloadVersion: 1, TS: "2025-09-20T10:20:30Z",
		Payload: map[string]any{"text": "help me understand"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusSuccess {
		t.Errorf("expected success, got %q", resp.Status)
	}
	if len(resp.RoutedAgents) != 1 || resp.RoutedAgents[0] != "Axis" {
		t.Errorf("expected routed_agents=[Axis], got %v", resp.RoutedAgents)
	}
	if len(resp.TraceID) != 32 {
		t.Errorf("expected 32-hex trace id, got %q", resp.TraceID)
	}
}

func TestRoute_EmergencyFanOutBothSucceed(t *testing.T) {
	r := newTestRouter(newFakeStore(), newFakeCaller(), newFakeDLQWriter(true))
	resp, err := r.Route(context.Background(), Request{
		TenantID: "t1", UserID: "u1", PayloadVersion: 1,
		Payload: map[string]any{"text": "urgent crisis immediately"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusSuccess {
		t.Errorf("expected success, got %q", resp.Status)
	}
	agentSet := map[string]bool{}
	for _, a := range resp.RoutedAgents {
		agentSet[a] = true
	}
	if !agentSet["M"] || !agentSet["Axis"] {
		t.Errorf("expected both M and Axis present, got %v", resp.RoutedAgents)
	}
}

func TestRoute_EmergencyOneFails(t *testing.T) {
	caller := newFakeCaller()
	caller.errors[agents.Axis] = errors.New("downstream 500")

	r := newTestRouter(newFakeStore(), caller, newFakeDLQWriter(true))
	resp, err := r.Route(context.Background(), Request{
		TenantID: "t1", UserID: "u1", PayloadVersion: 1,
		Payload: map[string]any{"text": "urgent crisis immediately"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusSuccess {
		t.Errorf("expected success (partial), got %q", resp.Status)
	}
	if len(resp.RoutedAgents) != 1 || resp.RoutedAgents[0] != "M" {
		t.Errorf("expected routed_agents=[M], got %v", resp.RoutedAgents)
	}
	if len(resp.Failed) != 1 || resp.Failed[0] != "Axis" {
		t.Errorf("expected failed=[Axis], got %v", resp.Failed)
	}
}

func TestRoute_Unclassifiable(t *testing.T) {
	dlqw := newFakeDLQWriter(true)
	r := newTestRouter(newFakeStore(), newFakeCaller(), dlqw)
	resp, err := r.Route(context.Background(), Request{
		TenantID: "t1", UserID: "u1", PayloadVersion: 1,
		Payload: map[string]any{"text": "lorem ipsum"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusRoutedToDLQ {
		t.Errorf("expected routed_to_dlq, got %q", resp.Status)
	}
	if len(resp.RoutedAgents) != 1 || resp.RoutedAgents[0] != "DLQ" {
		t.Errorf("expected routed_agents=[DLQ], got %v", resp.RoutedAgents)
	}
	if len(dlqw.written) != 1 || dlqw.written[0] != "unknown_kind" {
		t.Errorf("expected dlq write reason unknown_kind, got %v", dlqw.written)
	}
}

func TestRoute_Duplicate(t *testing.T) {
	s := newFakeStore()
	req := Request{
		TenantID: "t1", UserID: "u1", PayloadVersion: 1, TS: "2025-09-20T10:20:30Z",
		Payload: map[string]any{"text": "help me understand"},
	}

	r := newTestRouter(s, newFakeCaller(), newFakeDLQWriter(true))
	first, err := r.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on first route: %v", err)
	}
	if first.Status != StatusSuccess {
		t.Fatalf("expected first call to succeed, got %q", first.Status)
	}

	second, err := r.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on second route: %v", err)
	}
	if second.Status != StatusAlreadyProcessed {
		t.Errorf("expected already_processed, got %q", second.Status)
	}
	if len(second.RoutedAgents) != 1 || second.RoutedAgents[0] != "Axis" {
		t.Errorf("expected existing routed_agents surfaced, got %v", second.RoutedAgents)
	}
}

func TestRoute_AllAgentsFailed(t *testing.T) {
	caller := newFakeCaller()
	caller.errors[agents.Axis] = errors.New("boom")

	dlqw := newFakeDLQWriter(true)
	r := newTestRouter(newFakeStore(), caller, dlqw)
	resp, err := r.Route(context.Background(), Request{
		TenantID: "t1", UserID: "u1", PayloadVersion: 1,
		Payload: map[string]any{"text": "help me understand"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusAllAgentsFailed {
		t.Errorf("expected all_agents_failed, got %q", resp.Status)
	}
	if len(resp.RoutedAgents) != 1 || resp.RoutedAgents[0] != "DLQ" {
		t.Errorf("expected routed_agents=[DLQ], got %v", resp.RoutedAgents)
	}
	if len(dlqw.written) != 1 || dlqw.written[0] != "all_agents_failed" {
		t.Errorf("expected dlq write reason all_agents_failed, got %v", dlqw.written)
	}
}

func TestRoute_CallerSuppliedKindBypassesClassifier(t *testing.T) {
	r := newTestRouter(newFakeStore(), newFakeCaller(), newFakeDLQWriter(true))
	resp, err := r.Route(context.Background(), Request{
		TenantID: "t1", UserID: "u1", PayloadVersion: 1, Kind: "policy",
		Payload: map[string]any{"text": "lorem ipsum"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusSuccess || len(resp.RoutedAgents) != 1 || resp.RoutedAgents[0] != "M" {
		t.Errorf("expected caller-supplied kind=policy to route to M, got %+v", resp)
	}
}

func TestRoute_LoggingFailureIsolatedFromRoutingSuccess(t *testing.T) {
	s := newFakeStore()
	s.fail = true
	r := newTestRouter(s, newFakeCaller(), newFakeDLQWriter(true))
	resp, err := r.Route(context.Background(), Request{
		TenantID: "t1", UserID: "u1", PayloadVersion: 1,
		Payload: map[string]any{"text": "help me understand"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusSuccess {
		t.Errorf("expected routing success despite logging failure, got %q", resp.Status)
	}
	if resp.LoggingStatus != "failed" {
		t.Errorf("expected logging_status=failed, got %q", resp.LoggingStatus)
	}
}

func TestRoute_DedupeProbeErrorPropagates(t *testing.T) {
	errStore := &erroringStore{}
	r := newTestRouter(errStore, newFakeCaller(), newFakeDLQWriter(true))
	_, err := r.Route(context.Background(), Request{TenantID: "t1", UserID: "u1", Payload: map[string]any{}})
	if err == nil {
		t.Fatal("expected dedupe probe error to propagate")
	}
}

type erroringStore struct{}

func (erroringStore) GetLog(context.Context, string) (*store.LogRecord, error) {
	return nil, errors.New("db unavailable")
}
func (erroringStore) UpsertLog(context.Context, store.LogRecord) error { return nil }
