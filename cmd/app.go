package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pricehound/pricehound/internal/batch"
	"github.com/pricehound/pricehound/internal/browserpool"
	"github.com/pricehound/pricehound/internal/config"
	"github.com/pricehound/pricehound/internal/logging"
	"github.com/pricehound/pricehound/internal/metrics"
	"github.com/pricehound/pricehound/internal/progress"
	"github.com/pricehound/pricehound/internal/progress/sinks"
	"github.com/pricehound/pricehound/internal/publisher"
	"github.com/pricehound/pricehound/internal/publisher/pubsub"
	"github.com/pricehound/pricehound/internal/retailer"
	"github.com/pricehound/pricehound/internal/scrape"
	"github.com/pricehound/pricehound/internal/storage"
	"github.com/pricehound/pricehound/internal/storage/postgres"
)

// app holds the wired service graph shared by all commands.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	pool      *browserpool.Pool
	runner    *scrape.Runner
	registry  retailer.Registry
	runs      *sinks.RunStore
	hub       *progress.Hub
	store     *postgres.PriceStore
	pub       publisher.Publisher
	processor *batch.Processor
}

// newApp loads configuration and builds every component a command may need.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	pool := browserpool.New(browserpool.Config{
		MaxBrowsers:        cfg.Pool.MaxBrowsers,
		MaxPagesPerBrowser: cfg.Pool.MaxPagesPerBrowser,
		AcquireTimeout:     cfg.Pool.AcquireTimeout,
		PageTimeout:        cfg.Pool.PageTimeout,
		BrowserIdleTTL:     cfg.Pool.BrowserIdleTTL,
		MemoryCeilingMB:    cfg.Pool.MemoryCeilingMB,
		CheckInterval:      cfg.Pool.CheckInterval,
		UserAgent:          cfg.Pool.UserAgent,
	}, logger)

	snapshots, err := storage.New(ctx, storage.Config{
		Provider: cfg.Snapshot.Provider,
		Bucket:   cfg.Snapshot.Bucket,
		BaseDir:  cfg.Snapshot.BaseDir,
	})
	if err != nil {
		return nil, fmt.Errorf("init snapshot store: %w", err)
	}
	snapshots = storage.WithPrefix(snapshots, cfg.Snapshot.Prefix)

	runner := scrape.NewRunner(scrape.Config{
		CacheEnabled:    cfg.Scrape.CacheEnabled,
		CacheTTL:        cfg.Scrape.CacheTTL,
		CacheMaxEntries: cfg.Scrape.CacheMaxEntries,
		MaxRetries:      cfg.Scrape.MaxRetries,
		RetryDelay:      cfg.Scrape.RetryDelay,
		Timeout:         cfg.Scrape.Timeout,
		RateQPS:         cfg.Scrape.RateQPS,
	}, pool, snapshots, logger)

	registry := retailer.NewRegistry(retailer.Credentials{
		MetroUsername: cfg.Retailer.Metro.Username,
		MetroPassword: cfg.Retailer.Metro.Password,
	})

	runs := sinks.NewRunStore(0)
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger), promSink, runs)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		runner:   runner,
		registry: registry,
		runs:     runs,
		hub:      hub,
		pub:      publisher.NoOp{},
	}

	opts := []batch.Option{batch.WithEmitter(hub)}
	if cfg.DB.DSN != "" {
		store, err := postgres.NewPriceStore(ctx, postgres.PriceStoreConfig{
			DSN:   cfg.DB.DSN,
			Table: cfg.DB.Table,
		})
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("init price store: %w", err)
		}
		a.store = store
		opts = append(opts, batch.WithStore(store))
	}
	if cfg.Publisher.Enabled {
		pub, err := pubsub.Connect(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		a.pub = pub
	}

	a.processor = batch.NewProcessor(batch.Config{
		Size:                cfg.Batch.Size,
		Concurrency:         cfg.Batch.Concurrency,
		DelayBetweenItems:   cfg.Batch.DelayBetweenItems,
		DelayBetweenBatches: cfg.Batch.DelayBetweenBatches,
		MaxAttempts:         cfg.Batch.MaxRetries,
		RetryDelay:          cfg.Batch.RetryDelay,
	}, runner, logger, opts...)

	return a, nil
}

// publishRun announces a finished batch run to the configured topic.
func (a *app) publishRun(ctx context.Context, out batch.RunResult) {
	if !a.cfg.Publisher.Enabled {
		return
	}
	id, err := a.pub.Publish(ctx, a.cfg.Publisher.Topic, out)
	if err != nil {
		a.logger.Warn("publish run result failed",
			zap.String("run_id", out.RunID.String()),
			zap.Error(err),
		)
		return
	}
	a.logger.Info("run result published",
		zap.String("run_id", out.RunID.String()),
		zap.String("message_id", id),
	)
}

// Close tears the service graph down in reverse dependency order.
func (a *app) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.processor != nil {
		a.processor.Stop()
	}
	if err := a.pool.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("pool shutdown failed", zap.Error(err))
	}
	if err := a.hub.Close(shutdownCtx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	if a.store != nil {
		a.store.Close()
	}
	if closer, ok := a.pub.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
