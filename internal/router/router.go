// Package router implements the orchestrator described in spec.md §4.9: the
// single code path invoked per inbound POST /route request. It wires
// together identity, classification, agent fan-out, and the dedupe/DLQ
// write paths; rate-limiting and auth live one layer up in internal/api.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/DarlingtonDeveloper/signalrouter/internal/agents"
	"github.com/DarlingtonDeveloper/signalrouter/internal/classify"
	"github.com/DarlingtonDeveloper/signalrouter/internal/dlq"
	"github.com/DarlingtonDeveloper/signalrouter/internal/identity"
	"github.com/DarlingtonDeveloper/signalrouter/internal/parallel"
	"github.com/DarlingtonDeveloper/signalrouter/internal/store"
)

// Response status values, per spec.md §6.
const (
	StatusSuccess           = "success"
	StatusAlreadyProcessed  = "already_processed"
	StatusRoutedToDLQ       = "routed_to_dlq"
	StatusNoAgentsAvailable = "no_agents_available"
	StatusAllAgentsFailed   = "all_agents_failed"
)

// Request carries the known metadata fields of a POST /route body plus the
// open extension bag (everything else), per spec.md §6 and §9 "duck-typed
// payloads". Unknown keys in Payload must never be dropped — they
// participate in message_id.
type Request struct {
	TenantID       string
	EventID        string
	UserID         string
	PayloadVersion int
	Type           string
	TS             string
	Kind           string
	Payload        map[string]any
}

// Response is the /route reply body.
type Response struct {
	Status        string         `json:"status"`
	RoutedAgents  []string       `json:"routed_agents"`
	TraceID       string         `json:"trace_id"`
	Failed        []string       `json:"failed,omitempty"`
	Responses     map[string]any `json:"responses,omitempty"`
	LoggingStatus string         `json:"logging_status,omitempty"`
	DLQLogged     *bool          `json:"dlq_logged,omitempty"`
}

// Metrics receives the router-core observations of spec.md §4.12.
type Metrics interface {
	Ingress(kind string)
	Latency(operation, kind string, seconds float64)
	Rejected(reason string)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) Ingress(string)               {}
func (NoopMetrics) Latency(string, string, float64) {}
func (NoopMetrics) Rejected(string)              {}

// Store is the subset of store.Store the router needs.
type Store interface {
	GetLog(ctx context.Context, logID string) (*store.LogRecord, error)
	UpsertLog(ctx context.Context, rec store.LogRecord) error
}

// DLQWriter is the subset of dlq.Writer the router needs.
type DLQWriter interface {
	Write(ctx context.Context, logID, reason string, payload map[string]any) bool
}

// AgentCaller is the subset of dispatch.Caller the router needs.
type AgentCaller interface {
	Call(ctx context.Context, agent agents.Agent, payload map[string]any) (map[string]any, error)
}

// Router is the orchestrator. It holds no per-request state; shared state
// such as breaker counts lives in the collaborators it is built from, and
// rate limits live in internal/api.
type Router struct {
	store    Store
	registry *agents.Registry
	caller   AgentCaller
	dlqw     DLQWriter
	metrics  Metrics
	fanout   parallel.Config
}

// New builds a Router. A nil metrics disables metrics recording.
func New(s Store, registry *agents.Registry, caller AgentCaller, dlqw DLQWriter, metrics Metrics) *Router {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Router{
		store:    s,
		registry: registry,
		caller:   caller,
		dlqw:     dlqw,
		metrics:  metrics,
		fanout:   parallel.DefaultConfig(),
	}
}

// Route runs the full §4.9 sequence for one inbound request.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	ts := req.TS
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	traceID := identity.NewTraceID()

	messageID := identity.MessageID(req.TenantID, req.EventID, req.UserID, ts, req.PayloadVersion, req.Payload)

	resp, kind, err := r.route(ctx, req, messageID, ts, traceID)

	r.metrics.Latency("route", kind, time.Since(start).Seconds())
	return resp, err
}

func (r *Router) route(ctx context.Context, req Request, messageID, ts, traceID string) (Response, string, error) {
	existing, err := r.store.GetLog(ctx, messageID)
	if err != nil {
		return Response{}, "unknown", err
	}
	if existing != nil {
		r.metrics.Rejected("duplicate")
		return Response{
			Status:       StatusAlreadyProcessed,
			RoutedAgents: existing.RoutedAgents,
			TraceID:      traceID,
		}, existing.Kind, nil
	}

	var kind classify.Kind
	if req.Kind != "" {
		kind = classify.Kind(req.Kind)
	} else {
		kind, _ = classify.Classify(req.Payload)
	}
	r.metrics.Ingress(string(kind))

	routingPayload := make(map[string]any, len(req.Payload)+6)
	for k, v := range req.Payload {
		routingPayload[k] = v
	}
	routingPayload["tenant_id"] = req.TenantID
	routingPayload["user_id"] = req.UserID
	routingPayload["message_id"] = messageID
	routingPayload["ts"] = ts
	routingPayload["type"] = req.Type
	routingPayload["trace_id"] = traceID

	agentList := r.registry.AgentsFor(kind)

	if len(agentList) == 0 {
		logged := r.dlqw.Write(ctx, messageID, dlq.ReasonNoAgentsForKind, routingPayload)
		return dlqResponse(StatusNoAgentsAvailable, traceID, logged), string(kind), nil
	}
	if len(agentList) == 1 && agentList[0] == agents.DLQ {
		logged := r.dlqw.Write(ctx, messageID, dlq.ReasonUnknownKind, routingPayload)
		return dlqResponse(StatusRoutedToDLQ, traceID, logged), string(kind), nil
	}

	results := parallel.Run(ctx, r.fanout, agentList, func(ctx context.Context, a agents.Agent) (map[string]any, error) {
		return r.caller.Call(ctx, a, routingPayload)
	})

	var successful, failed []string
	responses := make(map[string]any, len(agentList))
	for i, a := range agentList {
		if results[i] != nil {
			successful = append(successful, string(a))
			responses[string(a)] = *results[i]
		} else {
			failed = append(failed, string(a))
		}
	}

	if len(successful) == 0 {
		logged := r.dlqw.Write(ctx, messageID, dlq.ReasonAllAgentsFailed, routingPayload)
		resp := dlqResponse(StatusAllAgentsFailed, traceID, logged)
		resp.Failed = failed
		return resp, string(kind), nil
	}

	resp := Response{
		Status:       StatusSuccess,
		RoutedAgents: successful,
		TraceID:      traceID,
		Failed:       failed,
		Responses:    responses,
	}

	senderID := req.UserID
	if senderID == "" {
		senderID = req.TenantID
	}
	rec := store.LogRecord{
		LogID:        messageID,
		TS:           parseTS(ts),
		SenderID:     senderID,
		Kind:         string(kind),
		RoutedAgents: successful,
		Response: map[string]any{
			"status":     StatusSuccess,
			"successful": successful,
			"failed":     failed,
			"responses":  responses,
		},
		Metadata: map[string]any{
			"trace_id":  traceID,
			"tenant_id": req.TenantID,
			"event_id":  req.EventID,
			"user_id":   req.UserID,
		},
	}
	if err := r.store.UpsertLog(ctx, rec); err != nil {
		slog.Error("router: logs upsert failed", "event", "logging_fallback", "log_id", messageID, "error", err)
		resp.LoggingStatus = "failed"
	}

	return resp, string(kind), nil
}

func dlqResponse(status, traceID string, logged bool) Response {
	resp := Response{
		Status:       status,
		RoutedAgents: []string{string(agents.DLQ)},
		TraceID:      traceID,
	}
	if !logged {
		dlqLogged := false
		resp.DLQLogged = &dlqLogged
	}
	return resp
}

func parseTS(ts string) time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}
