package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func record(r Recorder) {
	r.BarrierCompleted("full", 2*time.Millisecond)
	r.BarrierCompleted("partial", time.Millisecond)
	r.QuietCompleted(1, time.Millisecond)
	r.CompletionFault(1, "link_down")
	r.QueueDrained(1)
	r.QueueDrained(2)
	r.AllocFailed("scratch")
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(PrometheusOptions{Registerer: reg})
	require.NoError(t, err)
	record(m)

	again, err := NewPrometheusMetrics(PrometheusOptions{Registerer: reg})
	require.NoError(t, err, "re-registration reuses collectors")
	again.AllocFailed("heap")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterSum(mfs, "rshmem_completion_faults_total"))
	assert.Equal(t, 2.0, counterSum(mfs, "rshmem_queue_drains_total"))
	assert.Equal(t, 2.0, counterSum(mfs, "rshmem_alloc_failures_total"))
	assert.Equal(t, uint64(2), histogramCount(mfs, "rshmem_barrier_duration_seconds"))
	assert.Equal(t, uint64(1), histogramCount(mfs, "rshmem_quiet_duration_seconds"))
}

func counterSum(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func histogramCount(mfs []*dto.MetricFamily, name string) uint64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var n uint64
		for _, m := range mf.Metric {
			n += m.GetHistogram().GetSampleCount()
		}
		return n
	}
	return 0
}

func TestOTelMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewOTelMetricsWithProvider(provider)
	require.NoError(t, err)
	record(m)

	ctx := context.Background()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(1), otelSum(rm, "rshmem.completion.faults"))
	assert.Equal(t, int64(2), otelSum(rm, "rshmem.queue.drains"))
	assert.Equal(t, int64(1), otelSum(rm, "rshmem.alloc.failures"))
	assert.Equal(t, uint64(2), otelHistogramCount(rm, "rshmem.barrier.duration"))
	assert.Equal(t, uint64(1), otelHistogramCount(rm, "rshmem.quiet.duration"))

	require.NoError(t, m.Shutdown(ctx))
}

func otelSum(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			if data, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func otelHistogramCount(rm metricdata.ResourceMetrics, name string) uint64 {
	var total uint64
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			if data, ok := metric.Data.(metricdata.Histogram[float64]); ok {
				for _, dp := range data.DataPoints {
					total += dp.Count
				}
			}
		}
	}
	return total
}

func TestExporterEndpoint(t *testing.T) {
	tests := []struct {
		addr     string
		scheme   string
		endpoint string
		wantErr  bool
	}{
		{addr: "localhost:4317", scheme: "grpc", endpoint: "localhost:4317"},
		{addr: "grpc://collector:4317", scheme: "grpc", endpoint: "collector:4317"},
		{addr: "HTTPS://collector:4318", scheme: "https", endpoint: "collector:4318"},
		{addr: "collector", wantErr: true},
		{addr: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			scheme, endpoint, err := exporterEndpoint(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.endpoint, endpoint)
		})
	}

	_, err := NewOTelMetrics(context.Background(), "pe0", "ftp://collector:21")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { record(Nop{}) })
}
