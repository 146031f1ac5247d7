package database

import (
	"context"
	"log/slog"
	"time"
)

// StartRetentionTicker runs a background goroutine that periodically
// removes archived calls older than maxDays. A maxDays of 0 keeps records
// forever. The goroutine stops when ctx is cancelled.
func StartRetentionTicker(ctx context.Context, records CallRecordRepository, maxDays int, interval time.Duration) {
	if maxDays <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -maxDays)
				n, err := records.DeleteBefore(ctx, cutoff)
				if err != nil {
					slog.Error("call archive retention cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("call archive retention cleanup", "deleted", n, "max_days", maxDays)
				}
			}
		}
	}()
}
