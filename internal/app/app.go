// Package app builds the long-lived harvester services from configuration
// and owns their shutdown, acting as the dependency injection container for
// the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/api"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/checkpoint/memory"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/hash/sha256"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/logging"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/metrics"
	pubsubnotify "github.com/JakeFAU/realtime-cpi-harvester/internal/notify/pubsub"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pool"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress/sinks"
	sessionchromedp "github.com/JakeFAU/realtime-cpi-harvester/internal/session/chromedp"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/telemetry"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/universe"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/worker"
)

// Options tune Build beyond the config file.
type Options struct {
	// ConfigPath enables live pool resizing and preference saving.
	ConfigPath string
	// Quiet sends log lines only to the in-memory ring, for the TUI.
	Quiet bool
	// Logger overrides the zap logger built from config.
	Logger *zap.Logger
	// Notifier overrides the configured run notifier.
	Notifier harvest.Notifier
}

// App holds all the shared, long-lived services.
type App struct {
	cfg  config.Config
	opts Options

	logger      *zap.Logger
	ring        *logging.Ring
	registry    *prometheus.Registry
	httpMetrics *metrics.HTTP
	tally       *sinks.Tally
	hub         *progress.Hub
	controller  *engine.Controller
	tracer      *sdktrace.TracerProvider

	browsers      *sessionchromedp.Provider
	storageClient interface{ Close() error }
	pubsubClient  interface{ Close() error }
	pubsubNotify  *pubsubnotify.Notifier

	memMu     sync.Mutex
	memStores map[string]*memory.Store
}

const (
	fakeExtractDelay = 50 * time.Millisecond
	shutdownTimeout  = 10 * time.Second
	statusInterval   = 30 * time.Second
)

// Build creates the application's dependencies. The caller must Close it.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	a := &App{
		cfg:       cfg,
		opts:      opts,
		ring:      logging.NewRing(cfg.Logging.RingSize),
		registry:  prometheus.NewRegistry(),
		memStores: make(map[string]*memory.Store),
	}
	if opts.Logger != nil {
		a.logger = opts.Logger
	} else {
		logger, err := logging.Build(logging.Options{Development: cfg.Logging.Development, Ring: a.ring, Quiet: opts.Quiet})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		a.logger = logger
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.httpMetrics = metrics.NewHTTP(a.registry)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp

	if err := a.setupProgress(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	sessions, cleanup, err := a.setupSessions()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	exporter, err := a.setupExport(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	notifier, err := a.setupNotifier(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	extractor, err := a.setupExtractor()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	deps := engine.ControllerDeps{
		Source:    universe.FileSource{Width: cfg.Input.IDWidth, Hasher: sha256.New()},
		OpenStore: a.openStore,
		Sessions:  sessions,
		Extractor: extractor,
		Clock:     system.New(),
		IDs:       uuid.New(),
		Emitter:   a.hub,
		Logger:    a.logger,
		Notifier:  notifier,
		Cleanup:   cleanup,
		OnFinish:  a.saveFinishedPreferences,
	}
	if exporter != nil {
		deps.Exporter = exporter
	}
	a.controller = engine.NewController(deps, engine.DriverConfig{
		Workers:         cfg.Pool.Workers,
		Headless:        cfg.Session.Headless,
		BatchMultiplier: cfg.Checkpoint.BatchMultiplier,
		PollTimeout:     cfg.Checkpoint.PollTimeout,
		Pool: pool.Config{
			TickInterval: cfg.Pool.Tick,
			StartSpacing: cfg.Pool.StartSpacing,
			JoinTimeout:  cfg.Pool.JoinTimeout,
		},
		Worker: worker.Config{
			Headless:     cfg.Session.Headless,
			PollTimeout:  cfg.Checkpoint.PollTimeout,
			LoginBackoff: cfg.Session.LoginBackoff,
		},
	})

	if opts.ConfigPath != "" {
		err := config.WatchPoolTarget(opts.ConfigPath, func(n int) {
			a.logger.Info("pool.workers changed in config", zap.Int("workers", n))
			if err := a.controller.SetPoolTarget(n); err != nil {
				a.logger.Warn("apply pool target failed", zap.Error(err))
			}
		}, func(err error) {
			a.logger.Warn("config watch", zap.Error(err))
		})
		if err != nil {
			a.logger.Warn("config watch disabled", zap.Error(err))
		}
	}

	a.logger.Info("application services ready",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("session_provider", cfg.Session.Provider),
		zap.Int("workers", cfg.Pool.Workers),
	)
	return a, nil
}

// Controller returns the run controller.
func (a *App) Controller() *engine.Controller { return a.controller }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Ring returns the captured log lines.
func (a *App) Ring() *logging.Ring { return a.ring }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Request is the run described by the configuration.
func (a *App) Request(choice engine.Choice) engine.Request {
	return engine.Request{
		Input:     a.cfg.Input.Path,
		Partition: a.cfg.Input.Partition,
		Output:    a.outputTarget(),
		Workers:   a.cfg.Pool.Workers,
		Headless:  a.cfg.Session.Headless,
		Choice:    choice,
	}
}

func (a *App) outputTarget() string {
	if a.cfg.Checkpoint.Backend == config.BackendPostgres && a.cfg.Output.Path == "" {
		return "postgres"
	}
	return a.cfg.Output.Path
}

// APIServer builds the HTTP control surface.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.controller, api.Options{
		Defaults: a.Request(""),
		Logs:     a.ring,
		Events:   a.tally,
		Metrics:  a.httpMetrics,
		Gatherer: a.registry,
		Logger:   a.logger,
	})
}

// Serve runs the HTTP API and a periodic status log until ctx ends, then
// stops any active run and waits for its final checkpoint.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.APIServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.reportStatus(gctx, statusInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		if err := a.controller.Close(shutdownCtx); err != nil {
			a.logger.Warn("run did not stop cleanly", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// reportStatus logs the status line while a run is live.
func (a *App) reportStatus(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !a.controller.Active() {
				continue
			}
			snap, _ := a.controller.Snapshot()
			a.logger.Info("status",
				zap.String("progress", fmt.Sprintf("%d/%d", snap.Completed(), snap.Total)),
				zap.String("workers", fmt.Sprintf("%d/%d", snap.AliveWorkers, snap.TargetWorkers)),
				zap.Float64("per_minute", snap.RatePerMinute),
				zap.String("eta", engine.FormatETA(snap.ETA)),
			)
		}
	}
}

// Close releases every service. Safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.controller != nil {
		if err := a.controller.Close(ctx); err != nil {
			a.logger.Warn("controller close failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browsers != nil {
		a.browsers.CloseAll()
	}
	if a.pubsubNotify != nil {
		a.pubsubNotify.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
