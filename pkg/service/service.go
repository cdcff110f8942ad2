// Package service wires the configured transport, lease store, host and sink
// into a running process with metrics and health endpoints.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/felixnotka/hubfence/pkg/host"
	"github.com/felixnotka/hubfence/pkg/lease"
	"github.com/felixnotka/hubfence/pkg/listener"
	"github.com/felixnotka/hubfence/pkg/sink"
	"github.com/felixnotka/hubfence/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type runner interface {
	Run(ctx context.Context) error
}

// Start initializes logging and runs the service until ctx is done or the
// host stops.
func Start(ctx context.Context, buildInfo BuildInfo, config Config) error {
	logger := zap.New(
		zap.UseDevMode(config.LogLevel > 0),
		zap.Level(zapcore.Level(-config.LogLevel)),
	)
	ctrl.SetLogger(logger)

	setupLog := ctrl.Log.WithName("setup")
	setupLog.Info("starting hubfence",
		"version", buildInfo.Version,
		"commit", buildInfo.Commit,
		"date", buildInfo.Date,
	)

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	setupLog.Info("configuration loaded",
		"transport", config.Transport,
		"consumerGroup", config.ConsumerGroup,
		"partitionIndex", config.PartitionIndex,
		"leaseBackend", config.LeaseBackend,
		"hostMode", config.HostMode,
		"sink", config.Sink,
	)
	return Run(ctx, config)
}

// Run opens the lease store, builds the host and serves metrics and probes
// while the host runs.
func Run(ctx context.Context, config Config) error {
	store, err := lease.Open(ctx, config.LeaseBackend, lease.Config{
		URL:           config.LeaseURL,
		EpochTable:    config.EpochTable,
		PositionTable: config.PositionTable,
		Namespace:     config.LeaseNamespace,
	})
	if err != nil {
		return fmt.Errorf("unable to open lease store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			ctrl.Log.WithName("setup").Error(err, "error closing lease store")
		}
	}()

	handler, err := sink.New(sink.Config{
		Kind:    config.Sink,
		URL:     config.SinkURL,
		Timeout: config.SinkTimeout.Duration,
	}, ctrl.Log)
	if err != nil {
		return fmt.Errorf("unable to create sink: %w", err)
	}

	h, err := newHost(config, store, handler)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var running atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serve(gctx, config.MetricsBindAddress, metricsHandler())
	})
	g.Go(func() error {
		return serve(gctx, config.HealthProbeBindAddress, probesHandler(&running))
	})
	g.Go(func() error {
		defer cancel()
		running.Store(true)
		defer running.Store(false)
		if err := h.Run(gctx); err != nil {
			return fmt.Errorf("host exited with error: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func newHost(config Config, store lease.Store, handler listener.Handler) (runner, error) {
	factory := func(ctx context.Context, isPrimary func() bool) (*listener.Listener, error) {
		t, err := transport.Open(config.Transport, transport.Config{
			ConnectionString: config.ConnectionString,
			Namespace:        config.Namespace,
			Name:             config.EventHub,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to open transport: %w", err)
		}
		return listener.New(listener.Config{
			ConsumerGroup:     config.ConsumerGroup,
			PartitionIndex:    config.PartitionIndex,
			NotReadyDelay:     config.NotReadyDelay.Duration,
			CheckpointTimeout: config.CheckpointTimeout.Duration,
			RetryDelay:        config.RetryDelay.Duration,
		}, t, lease.Guard(store, isPrimary), ctrl.Log.WithName("listener")), nil
	}
	opts := host.Options{
		Handler:      handler,
		MaxBatchSize: config.MaxBatchSize,
		WaitTime:     config.WaitTime.Duration,
	}

	switch config.HostMode {
	case HostElection:
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("unable to load kubeconfig: %w", err)
		}
		cs, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("unable to create kubernetes client: %w", err)
		}
		return &host.Election{
			Client:         cs,
			Namespace:      config.LeaseNamespace,
			LeaseName:      config.LeaderElectionID,
			PartitionIndex: config.PartitionIndex,
			Factory:        factory,
			Options:        opts,
			Log:            ctrl.Log.WithName("host").WithName("election"),
		}, nil
	default:
		return &host.Static{
			Factory: factory,
			Options: opts,
			Log:     ctrl.Log.WithName("host").WithName("static"),
		}, nil
	}
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func probesHandler(running *atomic.Bool) http.Handler {
	healthy := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
	ready := &healthz.Handler{Checks: map[string]healthz.Checker{
		"ping": healthz.Ping,
		"host": func(*http.Request) error {
			if !running.Load() {
				return errors.New("host is not running")
			}
			return nil
		},
	}}

	mux := http.NewServeMux()
	for path, h := range map[string]http.Handler{"/healthz": healthy, "/readyz": ready} {
		mux.Handle(path, http.StripPrefix(path, h))
		mux.Handle(path+"/", http.StripPrefix(path, h))
	}
	return mux
}

// serve runs an HTTP server on addr until ctx is done. An empty address or
// "0" disables the server.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" || addr == "0" {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
