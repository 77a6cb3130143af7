package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/yuuki/rshmem"

// OTelMetrics records runtime events as OpenTelemetry instruments.
type OTelMetrics struct {
	provider *sdkmetric.MeterProvider

	barrierHistogram metric.Float64Histogram
	quietHistogram   metric.Float64Histogram
	faultCounter     metric.Int64Counter
	drainCounter     metric.Int64Counter
	allocFailCounter metric.Int64Counter
}

var _ Recorder = (*OTelMetrics)(nil)

// exporterEndpoint splits a collector address into scheme and host:port.
// Schemeless addresses such as "localhost:4317" default to grpc.
func exporterEndpoint(collectorAddr string) (scheme, endpoint string, err error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil || parsedURL.Host == "" {
		if collectorAddr != "" && !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":") {
			return "grpc", collectorAddr, nil
		}
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
	}
	return strings.ToLower(parsedURL.Scheme), parsedURL.Host, nil
}

// NewOTelMetrics exports to an OTLP collector every 10 seconds.
func NewOTelMetrics(ctx context.Context, instanceID, collectorAddr string) (*OTelMetrics, error) {
	scheme, endpoint, err := exporterEndpoint(collectorAddr)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rshmem"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http", "https":
		options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)
	return NewOTelMetricsWithProvider(provider)
}

// NewOTelMetricsWithProvider registers the instruments on provider.
func NewOTelMetricsWithProvider(provider *sdkmetric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter(meterName)
	m := &OTelMetrics{provider: provider}

	var err error
	if m.barrierHistogram, err = meter.Float64Histogram(
		"rshmem.barrier.duration",
		metric.WithDescription("Barrier latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.quietHistogram, err = meter.Float64Histogram(
		"rshmem.quiet.duration",
		metric.WithDescription("Time to drain outstanding one-sided operations to a peer"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.faultCounter, err = meter.Int64Counter(
		"rshmem.completion.faults",
		metric.WithDescription("Completions reported with a non-success status"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	if m.drainCounter, err = meter.Int64Counter(
		"rshmem.queue.drains",
		metric.WithDescription("Posts that had to drain a full send queue first"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	if m.allocFailCounter, err = meter.Int64Counter(
		"rshmem.alloc.failures",
		metric.WithDescription("Allocations that found no fitting range"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func peerAttr(peer int) attribute.KeyValue {
	return attribute.String("peer", strconv.Itoa(peer))
}

func (m *OTelMetrics) BarrierCompleted(kind string, d time.Duration) {
	m.barrierHistogram.Record(context.Background(), millis(d), metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *OTelMetrics) QuietCompleted(peer int, d time.Duration) {
	m.quietHistogram.Record(context.Background(), millis(d), metric.WithAttributes(peerAttr(peer)))
}

func (m *OTelMetrics) CompletionFault(peer int, status string) {
	m.faultCounter.Add(context.Background(), 1, metric.WithAttributes(peerAttr(peer), attribute.String("status", status)))
}

func (m *OTelMetrics) QueueDrained(peer int) {
	m.drainCounter.Add(context.Background(), 1, metric.WithAttributes(peerAttr(peer)))
}

func (m *OTelMetrics) AllocFailed(pool string) {
	m.allocFailCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("pool", pool)))
}

// Shutdown flushes and stops the meter provider.
func (m *OTelMetrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
