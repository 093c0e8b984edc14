package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/oochat/internal/shared"
)

const (
	writeRetryAttempts = 3
	writeRetryBaseWait = 50 * time.Millisecond
)

// withRetry runs fn, retrying with exponential backoff while SQLite reports
// SQLITE_BUSY or "database is locked".
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < writeRetryAttempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeRetryAttempts-1 {
			break
		}

		delay := writeRetryBaseWait * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return err
}
