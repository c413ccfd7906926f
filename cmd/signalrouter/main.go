// Command signalrouter runs the HTTP ingress, DLQ replay worker, and
// Prometheus telemetry described in spec.md.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DarlingtonDeveloper/signalrouter/internal/agents"
	"github.com/DarlingtonDeveloper/signalrouter/internal/api"
	"github.com/DarlingtonDeveloper/signalrouter/internal/breaker"
	"github.com/DarlingtonDeveloper/signalrouter/internal/config"
	"github.com/DarlingtonDeveloper/signalrouter/internal/dispatch"
	"github.com/DarlingtonDeveloper/signalrouter/internal/dlq"
	"github.com/DarlingtonDeveloper/signalrouter/internal/ratelimit"
	"github.com/DarlingtonDeveloper/signalrouter/internal/retry"
	"github.com/DarlingtonDeveloper/signalrouter/internal/router"
	"github.com/DarlingtonDeveloper/signalrouter/internal/store"
	"github.com/DarlingtonDeveloper/signalrouter/internal/telemetry"
)

func main() {
	// Fatal (process exits): config or listener bind failure only, per
	// spec.md §7. Every other failure is per-request and isolated.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		slog.Error("signalrouter: migrations failed", "error", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "signalrouter: parse database url: ", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = 20 + 30 // pool size 20 plus an overflow of 30
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "signalrouter: connect db: ", err)
		os.Exit(1)
	}
	defer pool.Close()

	db := store.New(pool)
	tel := telemetry.New(prometheus.DefaultRegisterer)

	registry := agents.NewRegistry(agentEndpoints(cfg.MockAgentsURL))

	br := breaker.New(breaker.DefaultConfig())
	br.OnTrip(tel.BreakerTrip)

	rt := retry.New(retry.DefaultConfig(), tel)
	caller := dispatch.New(registry, br, rt, tel)

	writer := dlq.NewWriter(db, tel)
	rtr := router.New(db, registry, caller, writer, tel)

	replayWorker := dlq.NewReplayWorker(db, cfg.MockAgentsURL+"/health", cfg.AutoReplayInterval, cfg.AutoReplayBatchSize, tel)
	if cfg.EnableAutoReplay {
		go replayWorker.Run(ctx)
	}
	go tel.RunBacklogGauge(ctx, db)

	limiter := ratelimit.New(ratelimit.DefaultConfig())

	server := api.New(api.Config{
		Router:       rtr,
		Store:        db,
		Replayer:     replayWorker,
		Limiter:      limiter,
		Metrics:      tel,
		APIKey:       cfg.APIKey,
		MaxLogsLimit: cfg.MaxLogsLimit,
		Components: []api.HealthComponent{
			{Name: "database", Check: func(ctx context.Context) error { return pool.Ping(ctx) }},
		},
	})

	httpServer := &http.Server{
		Addr:    ":" + envOr("PORT", "8080"),
		Handler: server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("signalrouter: listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("signalrouter: shutting down")
	case err := <-errCh:
		fmt.Fprintln(os.Stderr, "signalrouter: listen: ", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("signalrouter: graceful shutdown failed", "error", err)
	}
}

// agentEndpoints builds the agent -> endpoint map from a single mock-agents
// base URL, each agent mounted under its own path.
func agentEndpoints(baseURL string) map[agents.Agent]string {
	if baseURL == "" {
		return map[agents.Agent]string{}
	}
	return map[agents.Agent]string{
		agents.Axis: baseURL + "/axis",
		agents.M:    baseURL + "/m",
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
