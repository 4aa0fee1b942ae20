package store

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = time.Hour

// StartTTLWorker runs a background goroutine that periodically removes
// conversation state idle for longer than ttl. It stops when ctx is done.
func StartTTLWorker(ctx context.Context, repo Repository, ttl, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpiredState(ctx, repo, ttl)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredState(ctx context.Context, repo Repository, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	deleted, err := repo.CleanupExpiredState(ctx, ttl)
	if err != nil {
		slog.Error("TTL worker failed to cleanup conversation state", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("TTL worker removed idle conversation state", "count", deleted)
	}
}
