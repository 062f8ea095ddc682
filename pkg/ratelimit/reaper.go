package ratelimit

import (
	"context"
	"time"
)

// RunReaper blocks, evicting idle process-local windows every interval
// until ctx is cancelled (spec §5: "Reap rate-limit entries ... every few
// minutes"). Redis-backed entries expire on their own TTL and need no
// sweeping.
func (l *Limiter) RunReaper(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := l.ReapLocal(time.Now(), window)
			if n > 0 && l.logger != nil {
				l.logger.Info("ratelimit reaper: evicted idle local windows", "count", n)
			}
		}
	}
}
