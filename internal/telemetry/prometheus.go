package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusOptions configures NewPrometheusMetrics.
type PrometheusOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	ConstLabels prometheus.Labels
}

// PrometheusMetrics records runtime events as Prometheus collectors.
type PrometheusMetrics struct {
	barrierSeconds *prometheus.HistogramVec
	quietSeconds   *prometheus.HistogramVec
	faults         *prometheus.CounterVec
	drains         *prometheus.CounterVec
	allocFailures  *prometheus.CounterVec
}

var _ Recorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the collectors on opts.Registerer, or on
// the default registerer when none is given. Registering twice reuses the
// existing collectors.
func NewPrometheusMetrics(opts PrometheusOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "rshmem"
	}

	latencyBuckets := prometheus.ExponentialBuckets(1e-6, 4, 12)
	p := &PrometheusMetrics{
		barrierSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "barrier_duration_seconds",
			Help:        "Barrier latency",
			Buckets:     latencyBuckets,
			ConstLabels: opts.ConstLabels,
		}, []string{"kind"}),
		quietSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "quiet_duration_seconds",
			Help:        "Time to drain outstanding one-sided operations to a peer",
			Buckets:     latencyBuckets,
			ConstLabels: opts.ConstLabels,
		}, []string{"peer"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "completion_faults_total",
			Help:        "Completions reported with a non-success status",
			ConstLabels: opts.ConstLabels,
		}, []string{"peer", "status"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "queue_drains_total",
			Help:        "Posts that had to drain a full send queue first",
			ConstLabels: opts.ConstLabels,
		}, []string{"peer"}),
		allocFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "alloc_failures_total",
			Help:        "Allocations that found no fitting range",
			ConstLabels: opts.ConstLabels,
		}, []string{"pool"}),
	}

	var err error
	if p.barrierSeconds, err = register(reg, p.barrierSeconds); err != nil {
		return nil, err
	}
	if p.quietSeconds, err = register(reg, p.quietSeconds); err != nil {
		return nil, err
	}
	if p.faults, err = register(reg, p.faults); err != nil {
		return nil, err
	}
	if p.drains, err = register(reg, p.drains); err != nil {
		return nil, err
	}
	if p.allocFailures, err = register(reg, p.allocFailures); err != nil {
		return nil, err
	}
	return p, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (p *PrometheusMetrics) BarrierCompleted(kind string, d time.Duration) {
	p.barrierSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *PrometheusMetrics) QuietCompleted(peer int, d time.Duration) {
	p.quietSeconds.WithLabelValues(strconv.Itoa(peer)).Observe(d.Seconds())
}

func (p *PrometheusMetrics) CompletionFault(peer int, status string) {
	p.faults.WithLabelValues(strconv.Itoa(peer), status).Inc()
}

func (p *PrometheusMetrics) QueueDrained(peer int) {
	p.drains.WithLabelValues(strconv.Itoa(peer)).Inc()
}

func (p *PrometheusMetrics) AllocFailed(pool string) {
	p.allocFailures.WithLabelValues(pool).Inc()
}
