package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// StartRefreshWorker re-authenticates on every identity change and then on
// each interval tick, until ctx is canceled.
func StartRefreshWorker(ctx context.Context, m *Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Auth refresh worker started", "interval", interval)

		for {
			select {
			case <-m.Changes():
				refresh(ctx, m)
			case <-ticker.C:
				refresh(ctx, m)
			case <-ctx.Done():
				slog.Info("Auth refresh worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func refresh(ctx context.Context, m *Manager) {
	err := m.Authenticate(ctx)
	switch {
	case err == nil:
		slog.Debug("Auth refresh succeeded", "address", m.Address())
	case errors.Is(err, ErrSuperseded), errors.Is(err, ErrNoIdentity), ctx.Err() != nil:
	default:
		slog.Warn("Auth refresh failed", "error", err)
	}
}
