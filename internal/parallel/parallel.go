// Package parallel runs a bounded-concurrency fan-out over a list of items,
// preserving input order in the result slice. The executor itself never
// fails: a task that errors or times out simply yields a nil slot.
package parallel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config tunes fan-out concurrency and per-task timeout. Zero values fall
// back to DefaultConfig.
type Config struct {
	MaxConcurrency int64
	TaskTimeout    time.Duration
}

// DefaultConfig matches spec.md §4.6: max_concurrency=5, per-task timeout=3s.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 5, TaskTimeout: 3 * time.Second}
}

// Run executes op(item) for every item in items with at most
// cfg.MaxConcurrency concurrent in flight, each capped at cfg.TaskTimeout.
// The returned slice has one entry per item, in input order; a timed-out or
// erroring task's slot is nil.
func Run[T, R any](ctx context.Context, cfg Config, items []T, op func(context.Context, T) (R, error)) []*R {
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}

	results := make([]*R, len(items))
	if len(items) == 0 {
		return results
	}

	sem := semaphore.NewWeighted(cfg.MaxConcurrency)
	var wg sync.WaitGroup
	wg.Add(len(items))

	for i, item := range items {
		i, item := i, item
		go func() {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			taskCtx, cancel := context.WithTimeout(ctx, cfg.TaskTimeout)
			defer cancel()

			r, err := op(taskCtx, item)
			if err != nil {
				return
			}
			results[i] = &r
		}()
	}

	wg.Wait()
	return results
}
