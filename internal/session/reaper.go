package session

import (
	"context"
	"time"
)

// RunReaper blocks, reaping expired vault sessions every interval until ctx
// is cancelled — one of the sweepers named in spec §5 ("Reap rate-limit
// entries ... every few minutes" style cadence, applied here to sessions).
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := m.Reap(time.Now())
			if n > 0 && m.logger != nil {
				m.logger.Info("session reaper: evicted expired vault sessions", "count", n)
			}
		}
	}
}
