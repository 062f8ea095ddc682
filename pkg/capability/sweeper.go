package capability

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires pending approvals past their request
// deadline, grounded on the ticker + context-cancellation run loop shared
// by every background sweeper in this codebase (see internal/audit.Writer).
type Sweeper struct {
	store    *PostgresStore
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper constructs a Sweeper. The spec calls for a minutes-scale
// cadence; internal/app passes one minute.
func NewSweeper(store *PostgresStore, logger *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, logger: logger, interval: interval}
}

// Run blocks, expiring pending approvals every interval until ctx is
// cancelled. Intended to be started in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ExpirePending(ctx, time.Now())
			if err != nil {
				s.logger.Warn("capability sweeper: expiring pending approvals", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("capability sweeper: expired pending approvals", "count", n)
			}
		}
	}
}
