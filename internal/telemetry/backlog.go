package telemetry

import (
	"context"
	"log/slog"
	"time"
)

const backlogInterval = 60 * time.Second

// BacklogCounter is the single store method the gauge updater needs.
type BacklogCounter interface {
	CountDLQ(ctx context.Context) (int, error)
}

// RunBacklogGauge updates dlq_backlog every 60s until ctx is canceled.
// Intended to be launched as a background goroutine at startup.
func (t *Telemetry) RunBacklogGauge(ctx context.Context, counter BacklogCounter) {
	ticker := time.NewTicker(backlogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := counter.CountDLQ(ctx)
			if err != nil {
				slog.Error("telemetry: dlq backlog count failed", "error", err)
				continue
			}
			t.SetDLQBacklog(count)
		}
	}
}
