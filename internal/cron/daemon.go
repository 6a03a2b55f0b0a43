package cron

import (
	"context"
	"time"

	. "github.com/llamar/toolserver/internal/logging"
)

// RunDaemon calls Step on store every interval until ctx is cancelled.
func RunDaemon(ctx context.Context, store *Store, interval time.Duration, run RunTaskFunc) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	L_info("cron: daemon started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			L_info("cron: daemon stopped")
			return
		case <-ticker.C:
			Step(store, time.Now(), run)
		}
	}
}
