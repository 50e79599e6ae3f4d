package otel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/clank08/govern"
	"github.com/clank08/govern/cache"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot govern.MetricsSnapshot
	dropped  uint64
	inv      cache.InvalidatorStats
}

func (f *fakeSource) MetricsSnapshot() govern.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := govern.MetricsSnapshot{
		Counters:   make(map[govern.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[govern.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		out.Histograms[k] = append([]uint64(nil), buckets...)
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func (f *fakeSource) InvalidationStats() cache.InvalidatorStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.inv
}

func newReader(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(t.Context()) })
	return reader, provider
}

func findSum(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				require.Len(t, data.DataPoints, 1)
				return data.DataPoints[0].Value
			case metricdata.Gauge[int64]:
				require.Len(t, data.DataPoints, 1)
				return data.DataPoints[0].Value
			}
		}
	}
	t.Fatalf("metric %s not collected", name)
	return 0
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader, provider := newReader(t)

	src := &fakeSource{
		snapshot: govern.MetricsSnapshot{
			Counters: map[govern.MetricID]uint64{
				govern.MetricLoginSuccess:        3,
				govern.MetricCacheHit:            9,
				govern.MetricRateLimitFailOpen:   2,
				govern.MetricInvalidationApplied: 5,
			},
			Histograms: map[govern.MetricID][]uint64{
				govern.MetricValidateLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		dropped: 1,
		inv:     cache.InvalidatorStats{Abandoned: 2},
	}

	exp, err := NewExporterFromSource(provider.Meter("govern-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	require.EqualValues(t, 3, findSum(t, rm, "govern_login_success_total"))
	require.EqualValues(t, 9, findSum(t, rm, "govern_cache_hit_total"))
	require.EqualValues(t, 2, findSum(t, rm, "govern_rate_limit_fail_open_total"))
	require.EqualValues(t, 1, findSum(t, rm, "govern_audit_dropped_total"))
	require.EqualValues(t, 2, findSum(t, rm, "govern_invalidation_abandoned_total"))
	require.EqualValues(t, 4, findSum(t, rm, "govern_validate_latency_seconds_bucket_le_0_05"))
	require.EqualValues(t, 8, findSum(t, rm, "govern_validate_latency_seconds_count"))
}

func TestExporterRejectsNilInputs(t *testing.T) {
	_, provider := newReader(t)

	_, err := NewExporterFromSource(provider.Meter("govern-test"), nil)
	require.ErrorIs(t, err, ErrNilSource)

	_, err = NewExporterFromSource(nil, &fakeSource{})
	require.ErrorIs(t, err, ErrNilMeter)
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader, provider := newReader(t)

	src := &fakeSource{
		snapshot: govern.MetricsSnapshot{
			Counters: map[govern.MetricID]uint64{
				govern.MetricLoginSuccess: 1,
			},
			Histograms: map[govern.MetricID][]uint64{
				govern.MetricValidateLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewExporterFromSource(provider.Meter("govern-test"), src)
	require.NoError(t, err)
	defer func() { require.NoError(t, exp.Close()) }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[govern.MetricLoginSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(t.Context(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
