package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/checkpoint/memory"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/checkpoint/postgres"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/checkpoint/sqlite"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/checkpoint/xlsx"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/export"
	extractorchromedp "github.com/JakeFAU/realtime-cpi-harvester/internal/extractor/chromedp"
	fakeextractor "github.com/JakeFAU/realtime-cpi-harvester/internal/extractor/fake"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
	memorynotify "github.com/JakeFAU/realtime-cpi-harvester/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/realtime-cpi-harvester/internal/notify/pubsub"
	collyprobe "github.com/JakeFAU/realtime-cpi-harvester/internal/probe/colly"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/ratelimit"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress/sinks"
	sessionchromedp "github.com/JakeFAU/realtime-cpi-harvester/internal/session/chromedp"
	fakesession "github.com/JakeFAU/realtime-cpi-harvester/internal/session/fake"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage/gcs"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage/local"
)

const recentKeep = 100

func (a *App) setupProgress() error {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("failed to register progress metrics: %w", err)
	}
	a.tally = sinks.NewTally(recentKeep)
	a.hub = progress.NewHub(progress.Config{Logger: a.logger},
		sinks.NewLogSink(a.logger),
		promSink,
		a.tally,
	)
	return nil
}

// setupSessions returns the session provider and the cleanup run after each
// wind-down.
func (a *App) setupSessions() (harvest.SessionProvider, func(), error) {
	cfg := a.cfg.Session
	switch cfg.Provider {
	case config.ProviderFake:
		a.logger.Info("using fake session provider")
		return &fakesession.Provider{}, nil, nil
	case config.ProviderChromedp:
		p, err := sessionchromedp.New(sessionchromedp.Config{
			BaseURL:      cfg.BaseURL,
			Username:     cfg.Username,
			Password:     cfg.Password,
			LoginTimeout: cfg.LoginTimeout,
			UserAgent:    a.cfg.Extractor.UserAgent,
		}, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create session provider: %w", err)
		}
		a.browsers = p
		return p, p.CloseAll, nil
	default:
		return nil, nil, fmt.Errorf("unknown session provider %q", cfg.Provider)
	}
}

func (a *App) setupExtractor() (harvest.Extractor, error) {
	if a.cfg.Session.Provider == config.ProviderFake {
		return &fakeextractor.Extractor{Delay: fakeExtractDelay}, nil
	}
	cfg := extractorchromedp.Config{
		BaseURL:        a.cfg.Session.BaseURL,
		LandingTimeout: a.cfg.Extractor.NavTimeout,
	}
	var ext *extractorchromedp.Extractor
	if a.cfg.Extractor.ProbeNotFound {
		probe := collyprobe.New(collyprobe.Config{
			UserAgent: a.cfg.Extractor.UserAgent,
			Timeout:   a.cfg.Extractor.ProbeTimeout,
		})
		ext = extractorchromedp.New(cfg, probe, a.logger)
	} else {
		ext = extractorchromedp.New(cfg, nil, a.logger)
	}
	if a.cfg.Extractor.MaxRPS > 0 {
		limiter, err := ratelimit.New(ratelimit.Config{RPS: a.cfg.Extractor.MaxRPS, Burst: 1}, a.registry)
		if err != nil {
			return nil, err
		}
		ext.WithPacer(limiter)
		a.logger.Info("pacing product requests", zap.Float64("max_rps", a.cfg.Extractor.MaxRPS))
	}
	return ext, nil
}

// openStore opens the configured checkpoint backend for one run.
func (a *App) openStore(ctx context.Context, output, partition string) (harvest.Store, error) {
	cfg := a.cfg.Checkpoint
	switch cfg.Backend {
	case config.BackendXLSX:
		return xlsx.New(output, partition)
	case config.BackendSQLite:
		return sqlite.Open(ctx, output, partition)
	case config.BackendPostgres:
		return postgres.New(ctx, postgres.Config{
			DSN:       cfg.PostgresDSN,
			Partition: partition,
			MaxConns:  cfg.MaxConns,
		})
	case config.BackendMemory:
		return a.memoryStore(output + "#" + partition), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

// memoryStore keeps one store per target so a later run in the same process
// can resume it.
func (a *App) memoryStore(key string) *memory.Store {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	s, ok := a.memStores[key]
	if !ok {
		s = memory.NewStore()
		a.memStores[key] = s
	}
	return s
}

func (a *App) setupExport(ctx context.Context) (*export.Exporter, error) {
	cfg := a.cfg.Export
	if !cfg.Enabled {
		return nil, nil
	}
	var store harvest.BlobStore
	switch cfg.Backend {
	case "local":
		s, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("failed to create local export store: %w", err)
		}
		store = s
	case "gcs":
		client, err := gcs.NewClient(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		a.storageClient = client
		s, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("failed to create gcs export store: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown export backend %q", cfg.Backend)
	}
	a.logger.Info("export enabled", zap.String("backend", cfg.Backend))
	return export.New(store, cfg.Prefix, a.logger), nil
}

func (a *App) setupNotifier(ctx context.Context) (harvest.Notifier, error) {
	if a.opts.Notifier != nil {
		return a.opts.Notifier, nil
	}
	cfg := a.cfg.Notify
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		a.logger.Info("notify topic not configured, keeping run summaries in memory")
		return memorynotify.New(), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	a.pubsubClient = client
	a.pubsubNotify = pubsubnotify.New(client.Topic(cfg.TopicName))
	return a.pubsubNotify, nil
}

// saveFinishedPreferences records the worker count and headless flag of a
// finished run back into the config file.
func (a *App) saveFinishedPreferences(req engine.Request, _ harvest.RunSummary) {
	if a.opts.ConfigPath == "" {
		return
	}
	workers := req.Workers
	if snap, ok := a.controller.Snapshot(); ok && snap.TargetWorkers > 0 {
		workers = snap.TargetWorkers
	}
	if err := config.SaveRunPreferences(a.opts.ConfigPath, workers, req.Headless); err != nil {
		a.logger.Warn("failed to save run preferences", zap.Error(err))
	}
}
