package flowstate

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper periodically removes expired sessions until ctx is cancelled.
// Intended to run as a goroutine from the serve command.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepExpiredFlows(); n > 0 {
				slog.Debug("swept expired flow sessions", "count", n)
			}
		}
	}
}
