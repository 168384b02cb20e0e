package metrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type mockStatsProvider struct {
	calls atomic.Int32
	stats PoolStats
}

func (m *mockStatsProvider) PoolStats() PoolStats {
	m.calls.Add(1)
	return m.stats
}

func TestCollectorUpdatesGauges(t *testing.T) {
	provider := &mockStatsProvider{
		stats: PoolStats{InUse: 3, Retained: 7, Peak: 9, Free: 22},
	}

	collector := NewCollector(provider, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()
	collector.Start(ctx)

	if provider.calls.Load() < 2 {
		t.Errorf("Expected at least 2 collections, got %d", provider.calls.Load())
	}

	if got := testutil.ToFloat64(PoolConnectionsInUse); got != 3 {
		t.Errorf("Expected in-use gauge 3, got %v", got)
	}
	if got := testutil.ToFloat64(PoolConnectionsRetained); got != 7 {
		t.Errorf("Expected retained gauge 7, got %v", got)
	}
	if got := testutil.ToFloat64(PoolConnectionsPeak); got != 9 {
		t.Errorf("Expected peak gauge 9, got %v", got)
	}
	if got := testutil.ToFloat64(PoolSlotsFree); got != 22 {
		t.Errorf("Expected free gauge 22, got %v", got)
	}
}

func TestCollectorStop(t *testing.T) {
	collector := NewCollector(&mockStatsProvider{}, time.Hour)

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()

	collector.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Collector did not stop")
	}
}
