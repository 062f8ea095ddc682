package alerting

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes long-expired cooldown fallback rows,
// grounded on the same ticker+select shape as internal/audit.Writer's run
// loop and pkg/capability.Sweeper.
type Sweeper struct {
	cooldown *CooldownTracker
	logger   *slog.Logger
	interval time.Duration
}

func NewSweeper(cooldown *CooldownTracker, logger *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{cooldown: cooldown, logger: logger, interval: interval}
}

// Run blocks, sweeping every interval until ctx is cancelled. Spec §4.6
// gives no explicit sweep cadence for cooldown housekeeping; hourly keeps
// the fallback table small without adding meaningful load.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.cooldown.Sweep(ctx)
			if err != nil {
				s.logger.Error("alerting sweeper: sweeping cooldowns failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("alerting sweeper: removed expired cooldown rows", "count", n)
			}
		}
	}
}
