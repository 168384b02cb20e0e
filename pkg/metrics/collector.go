package metrics

import (
	"context"
	"time"

	"github.com/migadu/imapcache/logger"
)

// PoolStats is a point-in-time view of the connection pool.
type PoolStats struct {
	InUse    int
	Retained int
	Peak     int
	Free     int
}

// StatsProvider is implemented by the connection pool.
type StatsProvider interface {
	PoolStats() PoolStats
}

// Collector periodically copies pool statistics into the gauges.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 10 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Debug("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	s := c.provider.PoolStats()
	PoolConnectionsInUse.Set(float64(s.InUse))
	PoolConnectionsRetained.Set(float64(s.Retained))
	PoolConnectionsPeak.Set(float64(s.Peak))
	PoolSlotsFree.Set(float64(s.Free))
}
