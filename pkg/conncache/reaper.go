package conncache

import (
	"context"
	"time"

	"github.com/migadu/imapcache/logger"
)

// RunReaper closes idle connections once they have been idle for longer
// than expiration, checking every interval. It blocks until ctx is done.
// A fatal error stops the loop and is returned.
func (c *Cache[C]) RunReaper(ctx context.Context, expiration, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("ConnCache: Reaper started", "expiration", expiration, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("ConnCache: Reaper stopping")
			return nil
		case <-ticker.C:
			n, err := c.ReclaimUnderPressure(expiration)
			if err != nil {
				return err
			}
			if n > 0 {
				st := c.Stats()
				logger.Info("ConnCache: Reaper closed expired connections", "closed", n,
					"in_use", st.InUse, "retained", st.Retained, "free", st.Free)
			}
		}
	}
}
