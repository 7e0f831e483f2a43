// Package runner holds the ticker loops shared by background tasks.
package runner

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of background work
type Task func(context.Context) error

// RunPeriodic runs task immediately and then on every interval until the
// context is cancelled. Errors are logged and do not stop the loop.
// Usage example:
//
//	go runner.RunPeriodic(ctx, time.Minute, logger, "scheduler", func(ctx context.Context) error {
//	    return s.Tick(ctx)
//	})
func RunPeriodic(ctx context.Context, interval time.Duration, logger zerolog.Logger, name string, task Task) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run(ctx, logger, name, task)

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Str("task", name).Msg("Background task stopped")
			return
		case <-ticker.C:
			run(ctx, logger, name, task)
		}
	}
}

func run(ctx context.Context, logger zerolog.Logger, name string, task Task) {
	if ctx.Err() != nil {
		return
	}
	if err := task(ctx); err != nil {
		logger.Error().Err(err).Str("task", name).Msg("Background task error")
	}
}
