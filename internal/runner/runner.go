// Package runner hosts a shmem world in one process and drives workloads
// over it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rshmem/internal/bootstrap"
	"github.com/yuuki/rshmem/internal/config"
	"github.com/yuuki/rshmem/internal/shmem"
	"github.com/yuuki/rshmem/internal/telemetry"
)

// Runner owns the world, its rendezvous store and the metrics backend.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.RuntimeConfig

	store    bootstrap.Store
	recorder telemetry.Recorder
	otel     *telemetry.OTelMetrics

	metricsServer   *http.Server
	metricsListener net.Listener

	world   *shmem.World
	reports [][]Report
	done    chan error
	wg      sync.WaitGroup
}

// New creates a runner for cfg.
func New(cfg *config.RuntimeConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config.InitLogging(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		ctx:      ctx,
		cancel:   cancel,
		config:   cfg,
		recorder: telemetry.Nop{},
		done:     make(chan error, 1),
	}, nil
}

// Options translates the configuration into PE options.
func (r *Runner) Options() shmem.Options {
	cfg := r.config
	opts := shmem.DefaultOptions(cfg.WorldSize)
	opts.PEsPerNode = cfg.PEsPerNode
	opts.HeapSize = cfg.HeapSize
	opts.ScratchSize = cfg.ScratchSize
	opts.QueueOrder = cfg.QueueOrder
	opts.QueuesPerPeer = cfg.QueuesPerPeer
	opts.Doorbell = cfg.CQDoorbell
	opts.MaxTeams = cfg.MaxTeams
	opts.SlotPoolSize = cfg.SlotPoolSize
	opts.DeviceCPU = cfg.DeviceCPU
	opts.Recorder = r.recorder
	return opts
}

func (r *Runner) startMetrics() error {
	switch r.config.Metrics {
	case config.MetricsOTel:
		m, err := telemetry.NewOTelMetrics(r.ctx, r.config.InstanceID, r.config.OTelCollectorAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
			return nil
		}
		r.otel, r.recorder = m, m
		log.Info().
			Str("instance_id", r.config.InstanceID).
			Str("collector_addr", r.config.OTelCollectorAddr).
			Msg("OpenTelemetry metrics initialized")

	case config.MetricsPrometheus:
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		m, err := telemetry.NewPrometheusMetrics(telemetry.PrometheusOptions{
			Registerer:  registry,
			ConstLabels: prometheus.Labels{"instance": r.config.InstanceID},
		})
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		r.recorder = m

		listener, err := net.Listen("tcp", r.config.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		r.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.metricsListener = listener

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
		log.Info().Str("addr", listener.Addr().String()).Msg("Serving Prometheus metrics")
	}
	return nil
}

// MetricsAddr returns the address of the /metrics endpoint, if serving.
func (r *Runner) MetricsAddr() string {
	if r.metricsListener == nil {
		return ""
	}
	return r.metricsListener.Addr().String()
}

// Start opens the store, brings up the world and launches the workload.
func (r *Runner) Start() error {
	if err := r.startMetrics(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.config.Timeout)
	defer cancel()

	store, err := bootstrap.Open(ctx, r.config.Bootstrap)
	if err != nil {
		return fmt.Errorf("failed to open bootstrap store: %w", err)
	}
	r.store = store

	world, err := shmem.NewWorld(ctx, store, r.Options())
	if err != nil {
		return fmt.Errorf("failed to start world: %w", err)
	}
	r.world = world
	r.reports = make([][]Report, world.Size())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.done <- r.world.Run(func(pe *shmem.Context) error {
			reports, err := RunWorkload(pe, r.config.Workload, r.config.Iterations, r.config.Rate)
			r.reports[pe.Rank()] = reports
			return err
		})
	}()

	log.Info().
		Int("worldSize", world.Size()).
		Str("workload", r.config.Workload).
		Int("iterations", r.config.Iterations).
		Msg("Workload started")
	return nil
}

// Wait blocks until the workload finishes and logs the rank 0 reports.
func (r *Runner) Wait() error {
	err := <-r.done
	if len(r.reports) > 0 {
		for _, rep := range r.reports[0] {
			log.Info().
				Str("workload", rep.Workload).
				Int("iterations", rep.Iterations).
				Dur("elapsed", rep.Elapsed).
				Dur("perIteration", rep.PerIteration()).
				Msg("Workload report")
		}
	}
	return err
}

// Reports returns the per-rank reports of a finished workload.
func (r *Runner) Reports() [][]Report { return r.reports }

// Stop releases the world, the store and the metrics backend. The world is
// only torn down when no workload is running on it.
func (r *Runner) Stop(workloadDone bool) error {
	log.Debug().Msg("Stopping runner")
	r.cancel()

	var result *multierror.Error
	if r.world != nil {
		if workloadDone {
			if err := r.world.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close world: %w", err))
			}
		} else {
			log.Warn().Msg("Workload still running, leaving world to process exit")
		}
	}

	if r.store != nil {
		if err := r.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close bootstrap store: %w", err))
		}
	}

	if r.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics server")
		}
	}

	if r.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.otel.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
	}

	if workloadDone {
		r.wg.Wait()
	}
	log.Info().Msg("Runner stopped")
	return result.ErrorOrNil()
}

// Run starts the workload and waits for it to finish or for SIGINT or
// SIGTERM. A second signal exits immediately.
func (r *Runner) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := r.Start(); err != nil {
		return errors.Join(err, r.Stop(false))
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- r.Wait() }()

	select {
	case err := <-waitCh:
		return errors.Join(err, r.Stop(true))

	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
		go func() {
			<-sigCh
			log.Warn().Msg("Received second signal, forcing immediate exit...")
			os.Exit(1)
		}()
		return r.Stop(false)
	}
}
