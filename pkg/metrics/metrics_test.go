package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAcquisitionMetrics(t *testing.T) {
	Acquisitions.Reset()
	AcquisitionFailures.Reset()

	Acquisitions.WithLabelValues("fresh", "success").Inc()
	Acquisitions.WithLabelValues("cache", "success").Add(2)
	Acquisitions.WithLabelValues("fresh", "failure").Inc()
	AcquisitionFailures.WithLabelValues("login").Inc()

	if got := testutil.ToFloat64(Acquisitions.WithLabelValues("cache", "success")); got != 2 {
		t.Errorf("Expected 2 cache hits, got %v", got)
	}
	if got := testutil.CollectAndCount(Acquisitions); got != 3 {
		t.Errorf("Expected 3 label combinations, got %d", got)
	}

	expected := `
# HELP imapcache_acquisition_failures_total Failed acquisitions by the step that failed
# TYPE imapcache_acquisition_failures_total counter
imapcache_acquisition_failures_total{state="login"} 1
`
	if err := testutil.CollectAndCompare(AcquisitionFailures, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric output: %v", err)
	}
}

func TestPoolEvictionReasons(t *testing.T) {
	PoolEvictions.Reset()

	for _, reason := range []string{"expired", "expired", "probe_failed", "password_mismatch"} {
		PoolEvictions.WithLabelValues(reason).Inc()
	}

	if got := testutil.ToFloat64(PoolEvictions.WithLabelValues("expired")); got != 2 {
		t.Errorf("Expected 2 expired evictions, got %v", got)
	}
	if got := testutil.ToFloat64(PoolEvictions.WithLabelValues("probe_failed")); got != 1 {
		t.Errorf("Expected 1 probe failure, got %v", got)
	}
}

func TestLoginDurationHistogram(t *testing.T) {
	UpstreamLoginDuration.Reset()

	UpstreamLoginDuration.WithLabelValues("plain").Observe(0.02)
	UpstreamLoginDuration.WithLabelValues("plain").Observe(0.3)

	if got := testutil.CollectAndCount(UpstreamLoginDuration); got != 1 {
		t.Errorf("Expected one histogram series, got %d", got)
	}
}
