package scrape

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pricehound/pricehound/internal/browserpool"
	"github.com/pricehound/pricehound/internal/metrics"
)

// PagePool is the slice of the browser pool the runner depends on.
type PagePool interface {
	GetPage(ctx context.Context, key string) (*browserpool.Page, error)
	ReleasePage(page *browserpool.Page)
}

// SnapshotStore persists page HTML captured on final failed attempts, for
// offline diagnosis of selector drift and anti-bot blocks.
type SnapshotStore interface {
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Config controls caching, retries, and pacing for a Runner.
type Config struct {
	CacheEnabled    bool
	CacheTTL        time.Duration
	CacheMaxEntries int
	MaxRetries      int
	RetryDelay      time.Duration
	Timeout         time.Duration
	RateQPS         float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Minute
	}
	return c
}

// Runner executes the shared scrape algorithm for any Scraper. It is safe
// for concurrent use.
type Runner struct {
	cfg       Config
	pool      PagePool
	snapshots SnapshotStore
	logger    *zap.Logger
	cache     *resultCache
	limiters  sync.Map // pool key -> *rate.Limiter
}

// NewRunner builds a Runner. snapshots may be nil to disable failure
// snapshots.
func NewRunner(cfg Config, pool PagePool, snapshots SnapshotStore, logger *zap.Logger) *Runner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:       cfg,
		pool:      pool,
		snapshots: snapshots,
		logger:    logger,
	}
	if cfg.CacheEnabled {
		r.cache = newResultCache(cfg.CacheMaxEntries, cfg.CacheTTL)
	}
	return r
}

// Run scrapes one identifier through the given scraper. It never returns an
// error: scrape failures are reported in Result.Err so callers can batch
// past individual failures.
func (r *Runner) Run(ctx context.Context, s Scraper, gtin string) Result {
	start := time.Now()
	cacheKey := s.Key() + ":" + gtin

	if r.cache != nil {
		if res, ok := r.cache.get(cacheKey); ok {
			metrics.ObserveCacheHit(s.Key())
			res.Cached = true
			res.Duration = time.Since(start)
			return res
		}
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := r.waitRate(ctx, s.Key()); err != nil {
			lastErr = fmt.Errorf("rate wait: %w", err)
			break
		}

		ext, err := r.attempt(ctx, s, gtin, attempt == r.cfg.MaxRetries)
		if err == nil {
			res := Result{
				GTIN:       gtin,
				Price:      ext.Price,
				ProductURL: ext.ProductURL,
				Timestamp:  time.Now(),
				Duration:   time.Since(start),
			}
			if r.cache != nil {
				r.cache.put(cacheKey, res)
			}
			metrics.ObserveScrape(s.Key(), "success", res.Duration)
			return res
		}

		lastErr = err
		r.logger.Warn("scrape attempt failed",
			zap.String("retailer", s.Key()),
			zap.String("gtin", gtin),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < r.cfg.MaxRetries {
			select {
			case <-time.After(r.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				lastErr = fmt.Errorf("retry wait: %w", ctx.Err())
				attempt = r.cfg.MaxRetries
			}
		}
	}

	duration := time.Since(start)
	metrics.ObserveScrape(s.Key(), "failure", duration)
	return Result{
		GTIN:      gtin,
		Err:       lastErr.Error(),
		Timestamp: time.Now(),
		Duration:  duration,
	}
}

// attempt acquires a page, runs setup and extraction under the operation
// timeout, and always releases the page.
func (r *Runner) attempt(ctx context.Context, s Scraper, gtin string, final bool) (Extraction, error) {
	page, err := r.pool.GetPage(ctx, s.Key())
	if err != nil {
		return Extraction{}, fmt.Errorf("acquire page: %w", err)
	}
	defer r.pool.ReleasePage(page)

	opCtx, cancel := context.WithTimeout(page.Ctx(), r.cfg.Timeout)
	defer cancel()

	if err := r.setupPage(opCtx, s); err != nil {
		return Extraction{}, fmt.Errorf("setup page: %w", err)
	}

	ext, err := s.Scrape(opCtx, gtin)
	if err != nil {
		if final {
			r.snapshotFailure(page, s.Key(), gtin)
		}
		return Extraction{}, err
	}
	return ext, nil
}

func (r *Runner) setupPage(ctx context.Context, s Scraper) error {
	if c, ok := s.(PageConfigurator); ok {
		return c.SetupPage(ctx)
	}
	return BlockHeavyResources(ctx)
}

// waitRate paces attempts per retailer so retries and concurrent batch items
// cannot burst against one site.
func (r *Runner) waitRate(ctx context.Context, key string) error {
	if r.cfg.RateQPS <= 0 {
		return nil
	}
	v, _ := r.limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(r.cfg.RateQPS), 1))
	return v.(*rate.Limiter).Wait(ctx)
}

// snapshotFailure captures the page HTML after the last failed attempt.
// Snapshot errors are logged and swallowed; they never affect the scrape
// outcome.
func (r *Runner) snapshotFailure(page *browserpool.Page, key, gtin string) {
	if r.snapshots == nil {
		return
	}

	capCtx, cancel := context.WithTimeout(page.Ctx(), 5*time.Second)
	defer cancel()

	var html string
	if err := chromedp.Run(capCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		r.logger.Warn("failure snapshot capture failed", zap.String("gtin", gtin), zap.Error(err))
		return
	}

	path := fmt.Sprintf("%s/%s-%d.html", key, gtin, time.Now().UnixMilli())
	putCtx, cancelPut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPut()
	if _, err := r.snapshots.PutObject(putCtx, path, "text/html; charset=utf-8", []byte(html)); err != nil {
		r.logger.Warn("failure snapshot store failed", zap.String("gtin", gtin), zap.Error(err))
	}
}
