// Package app initializes and holds the long-lived services of the
// ingestion process, acting as the dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatlas/ingest/internal/api"
	"github.com/chatlas/ingest/internal/broker"
	clocksystem "github.com/chatlas/ingest/internal/clock/system"
	"github.com/chatlas/ingest/internal/config"
	"github.com/chatlas/ingest/internal/deletion"
	"github.com/chatlas/ingest/internal/embedding"
	"github.com/chatlas/ingest/internal/export"
	hashsha256 "github.com/chatlas/ingest/internal/hash/sha256"
	iduuid "github.com/chatlas/ingest/internal/id/uuid"
	"github.com/chatlas/ingest/internal/notify"
	"github.com/chatlas/ingest/internal/pipeline"
	queuememory "github.com/chatlas/ingest/internal/queue/memory"
	"github.com/chatlas/ingest/internal/queue/redisq"
	"github.com/chatlas/ingest/internal/rescrape"
	"github.com/chatlas/ingest/internal/scheduler"
	"github.com/chatlas/ingest/internal/scrape"
	storagememory "github.com/chatlas/ingest/internal/storage/memory"
	"github.com/chatlas/ingest/internal/storage/postgres"
	"github.com/chatlas/ingest/internal/telemetry"
	"github.com/chatlas/ingest/internal/worker"
)

// App holds every long-lived service of the process. Built once at startup;
// fails fast if any critical dependency cannot be initialized.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       pipeline.Store
	storeCloser func()
	redis       *broker.Client
	queue       pipeline.Queue
	queueCloser func()
	renderer    *scrape.ChromedpRenderer

	rescrapes *rescrape.Service
	deletions *deletion.Service
	exports   *export.Service

	pools []*worker.Pool
	cron  *scheduler.Cron
	http  *http.Server
}

// New wires the full pipeline from configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	clock := clocksystem.New()
	idGen := iduuid.NewUUIDGenerator()
	hasher := hashsha256.New()
	alerts := telemetry.NewAlertBuffer(64, logger)

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	var (
		cache   pipeline.Cache
		limiter pipeline.RateLimiter
	)
	if cfg.Redis.Enabled {
		client := broker.New(broker.Config{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			MaxRetries:      cfg.Redis.MaxRetries,
			MinRetryBackoff: time.Duration(cfg.Redis.BackoffInitialMs) * time.Millisecond,
			MaxRetryBackoff: time.Duration(cfg.Redis.BackoffMaxMs) * time.Millisecond,
		}, alerts, logger)
		a.redis = client
		cache = client
		limiter = client
		a.queue = redisq.New(client, logger)
		logger.Info("using redis broker", zap.String("addr", cfg.Redis.Addr))
	} else {
		mem := broker.NewMemory()
		cache = mem
		limiter = mem
		q := queuememory.NewQueue(1024)
		a.queue = q
		a.queueCloser = q.Close
		logger.Info("using in-process broker")
	}

	var renderer scrape.Renderer
	if cfg.Crawler.HeadlessEnabled {
		r, err := scrape.NewChromedpRenderer(scrape.RendererConfig{
			UserAgent:  cfg.Crawler.UserAgent,
			NavTimeout: time.Duration(cfg.Crawler.NavTimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init renderer: %w", err)
		}
		a.renderer = r
		renderer = r
	}
	fetcher := scrape.NewSiteCrawler(scrape.FetcherConfig{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   time.Duration(cfg.Crawler.TimeoutSeconds) * time.Second,
	}, renderer, logger)

	provider := embedding.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Embedding.Model)
	engine := embedding.NewEngine(a.store, provider, cache, hasher, clock, idGen, embedding.Config{
		BatchSize:  cfg.Embedding.BatchSize,
		BatchPause: time.Duration(cfg.Embedding.BatchPauseMs) * time.Millisecond,
		CacheTTL:   time.Duration(cfg.Embedding.CacheTTLSec) * time.Second,
	}, logger)

	notifier := notify.NewLogNotifier(logger)

	scrapeProc := scrape.NewProcessor(a.store, a.store, fetcher, engine, cache, clock, cfg.JobTimeout(), logger)
	a.rescrapes = rescrape.NewService(a.store, a.store, a.queue, cache, clock, idGen, logger)
	a.deletions = deletion.NewService(a.store, a.store, a.queue, clock, idGen,
		time.Duration(cfg.Deletion.GracePeriodDays)*24*time.Hour, logger)
	deletionProc := deletion.NewProcessor(a.store, a.store, notifier, clock, logger)
	a.exports = export.NewService(a.store, a.store, a.queue, limiter, clock, idGen,
		time.Duration(cfg.Export.RateLimitWindowH)*time.Hour, logger)
	exportProc := export.NewProcessor(a.store, a.store, notifier, clock,
		cfg.Export.StagingDir, time.Duration(cfg.Export.ExpiryDays)*24*time.Hour, logger)

	dispatcher := worker.NewDispatcher(scrapeProc, deletionProc, a.deletions, exportProc, logger)
	for name, qc := range map[string]config.QueueConfig{
		pipeline.QueueScrape:   cfg.Queues.Scrape,
		pipeline.QueueDeletion: cfg.Queues.Deletion,
		pipeline.QueueExport:   cfg.Queues.Export,
	} {
		a.pools = append(a.pools, worker.NewPool(a.queue, worker.PoolConfig{
			Queue:         name,
			Concurrency:   qc.Concurrency,
			LimiterMax:    qc.LimiterMax,
			LimiterPeriod: qc.LimiterPeriod(),
		}, dispatcher, worker.NewRetryPolicy(qc.Attempts, qc.Backoff()), logger))
	}

	a.cron = scheduler.New(ctx, logger)
	if err := a.registerSchedules(); err != nil {
		return nil, err
	}

	srv := api.NewServer(a.rescrapes, a.deletions, a.exports, a.store, clock, a.readiness, api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
	}, logger)
	a.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("application services initialized")
	return a, nil
}

// Rescrapes exposes the re-scrape service for one-shot commands.
func (a *App) Rescrapes() *rescrape.Service { return a.rescrapes }

// Deletions exposes the deletion service for one-shot commands.
func (a *App) Deletions() *deletion.Service { return a.deletions }

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.DB.Provider {
	case "postgres":
		st, err := postgres.NewStore(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.store = st
		a.storeCloser = st.Close
		a.logger.Info("using postgres store")
	case "memory":
		a.store = storagememory.NewStore()
		a.logger.Info("using in-memory store")
	default:
		return fmt.Errorf("unknown db provider %q", a.cfg.DB.Provider)
	}
	return nil
}

func (a *App) registerSchedules() error {
	if err := a.cron.RegisterRepeating("rescrape-scan", a.cfg.Rescrape.Cron, func(ctx context.Context) {
		if _, err := a.rescrapes.RunScheduledScan(ctx); err != nil {
			a.logger.Error("rescrape scan failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register rescrape schedule: %w", err)
	}
	// The deletion scan travels through the queue so it serializes with the
	// deletion workers.
	if err := a.cron.RegisterRepeating("deletion-scan", a.cfg.Deletion.Cron, func(ctx context.Context) {
		job := pipeline.Job{
			ID:       fmt.Sprintf("deletion-scan-%d", time.Now().Unix()),
			Kind:     pipeline.JobKindCheckedDeletions,
			Enqueued: time.Now(),
		}
		if err := a.queue.Enqueue(ctx, pipeline.QueueDeletion, job); err != nil {
			a.logger.Error("enqueue deletion scan failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register deletion schedule: %w", err)
	}
	return nil
}

func (a *App) readiness(ctx context.Context) error {
	if a.redis != nil {
		return a.redis.Ping(ctx)
	}
	return nil
}

// Run starts the HTTP server, worker pools, and the scheduler, then blocks
// until the context finishes and everything has shut down.
func (a *App) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	a.cron.Start()
	for _, pool := range a.pools {
		g.Go(func() error { return pool.Run(runCtx) })
	}
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.http.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
		if err := a.cron.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler shutdown", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases every held resource. Safe to call once after Run returns.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.renderer != nil {
		if err := a.renderer.Close(); err != nil {
			a.logger.Warn("close renderer", zap.Error(err))
		}
	}
	if a.queueCloser != nil {
		a.queueCloser()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.storeCloser != nil {
		a.storeCloser()
	}
	if err := a.logger.Sync(); err != nil {
		// Best effort; stderr sync failures are expected on some platforms.
		_ = err
	}
}
