// Package api mounts the HTTP surface of spec.md §6: /route, /health,
// /logs, /dlq/status, /dlq/replay, /metrics. Auth sits in front of /route,
// /logs, /dlq/status and /dlq/replay; rate-limiting applies to /route only.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DarlingtonDeveloper/signalrouter/internal/dlq"
	"github.com/DarlingtonDeveloper/signalrouter/internal/ratelimit"
	"github.com/DarlingtonDeveloper/signalrouter/internal/router"
	"github.com/DarlingtonDeveloper/signalrouter/internal/store"
)

// RouteStore is the subset of store.Store the /logs endpoint needs.
type RouteStore interface {
	ListLogsBySender(ctx context.Context, senderID string, limit, offset int) ([]store.LogRecord, error)
	DLQStatusSummary(ctx context.Context) (*store.DLQStatus, error)
}

// Replayer is the subset of dlq.ReplayWorker the manual replay endpoint
// needs.
type Replayer interface {
	Tick(ctx context.Context, mode string, limit int, dryRun bool) (dlq.ReplaySummary, error)
}

// RejectMetrics receives router_rejected_total observations for auth and
// rate-limit failures (duplicate rejection is recorded inside router.Router).
type RejectMetrics interface {
	Rejected(reason string)
}

// Router is the subset of router.Router the /route endpoint needs.
type Router interface {
	Route(ctx context.Context, req router.Request) (router.Response, error)
}

// HealthComponent is probed by GET /health.
type HealthComponent struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server holds the collaborators the HTTP surface dispatches to.
type Server struct {
	router       Router
	store        RouteStore
	replayer     Replayer
	limiter      *ratelimit.Limiter
	metrics      RejectMetrics
	apiKey       string
	maxLogsLimit int
	components   []HealthComponent
}

// Config bundles Server's constructor arguments.
type Config struct {
	Router       Router
	Store        RouteStore
	Replayer     Replayer
	Limiter      *ratelimit.Limiter
	Metrics      RejectMetrics
	APIKey       string
	MaxLogsLimit int
	Components   []HealthComponent
}

// New builds a Server.
func New(cfg Config) *Server {
	if cfg.MaxLogsLimit <= 0 {
		cfg.MaxLogsLimit = 1000
	}
	return &Server{
		router:       cfg.Router,
		store:        cfg.Store,
		replayer:     cfg.Replayer,
		limiter:      cfg.Limiter,
		metrics:      cfg.Metrics,
		apiKey:       cfg.APIKey,
		maxLogsLimit: cfg.MaxLogsLimit,
		components:   cfg.Components,
	}
}

// Routes returns a chi.Router with every endpoint mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/route", s.handleRoute)
		r.Get("/logs", s.handleLogs)
		r.Get("/dlq/status", s.handleDLQStatus)
		r.Post("/dlq/replay", s.handleDLQReplay)
	})

	return r
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.apiKey {
			if s.metrics != nil {
				s.metrics.Rejected("auth")
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "auth_failed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// senderFor derives the rate-limit bucket key from the parsed body, per
// original_source/app/utils.py's sender_id-keyed RateLimiter — this repo's
// domain model has no single sender_id field, so user_id is preferred and
// tenant_id is the fallback.
func senderFor(body routeRequestBody) string {
	if body.UserID != "" {
		return body.UserID
	}
	return body.TenantID
}

type routeRequestBody struct {
	TenantID       string         `json:"tenant_id"`
	EventID        string         `json:"event_id"`
	UserID         string         `json:"user_id"`
	PayloadVersion int            `json:"payload_version"`
	Type           string         `json:"type"`
	TS             string         `json:"ts"`
	Kind           string         `json:"kind"`
	Extra          map[string]any `json:"-"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}

	body, payload := splitRequestBody(raw)
	if body.TenantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "validation_failed"})
		return
	}
	if body.PayloadVersion == 0 {
		body.PayloadVersion = 1
	}

	if s.limiter != nil && !s.limiter.Allow(senderFor(body)) {
		if s.metrics != nil {
			s.metrics.Rejected("rate_limit")
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		return
	}

	resp, err := s.router.Route(r.Context(), router.Request{
		TenantID:       body.TenantID,
		EventID:        body.EventID,
		UserID:         body.UserID,
		PayloadVersion: body.PayloadVersion,
		Type:           body.Type,
		TS:             body.TS,
		Kind:           body.Kind,
		Payload:        payload,
	})
	if err != nil {
		slog.Error("route failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// splitRequestBody separates the known metadata fields from the open
// extension bag, per spec.md §9 "duck-typed payloads" — unknown keys are
// never dropped.
func splitRequestBody(raw map[string]any) (routeRequestBody, map[string]any) {
	var body routeRequestBody
	if v, ok := raw["tenant_id"].(string); ok {
		body.TenantID = v
	}
	if v, ok := raw["event_id"].(string); ok {
		body.EventID = v
	}
	if v, ok := raw["user_id"].(string); ok {
		body.UserID = v
	}
	if v, ok := raw["payload_version"].(float64); ok {
		body.PayloadVersion = int(v)
	}
	if v, ok := raw["type"].(string); ok {
		body.Type = v
	}
	if v, ok := raw["ts"].(string); ok {
		body.TS = v
	}
	if v, ok := raw["kind"].(string); ok {
		body.Kind = v
	}

	metaKeys := map[string]bool{
		"tenant_id": true, "event_id": true, "user_id": true,
		"payload_version": true, "type": true, "ts": true, "kind": true,
	}
	payload := make(map[string]any, len(raw))
	for k, v := range raw {
		if !metaKeys[k] {
			payload[k] = v
		}
	}
	return body, payload
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	components := make(map[string]string, len(s.components))
	overall := "ok"
	for _, c := range s.components {
		if err := c.Check(r.Context()); err != nil {
			components[c.Name] = "error"
			overall = "error"
			continue
		}
		components[c.Name] = "ok"
	}

	status := http.StatusOK
	if overall == "error" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	senderID := r.URL.Query().Get("sender_id")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > s.maxLogsLimit {
		limit = s.maxLogsLimit
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	logs, err := s.store.ListLogsBySender(r.Context(), senderID, limit, offset)
	if err != nil {
		slog.Error("list logs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	if logs == nil {
		logs = []store.LogRecord{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleDLQStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.DLQStatusSummary(r.Context())
	if err != nil {
		slog.Error("dlq status failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"

	summary, err := s.replayer.Tick(r.Context(), dlq.ModeManual, limit, dryRun)
	if err != nil {
		slog.Error("manual replay failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "complete",
		"limit":          limit,
		"agents_healthy": summary.AgentsHealthy,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
