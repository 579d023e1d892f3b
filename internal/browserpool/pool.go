// Package browserpool manages a bounded pool of headless browser processes
// and their pages, shared across retailer scrapers. Browsers are partitioned
// by pool key so each scraper gets its own browser lineage; pages are handed
// out exclusively and reclaimed on release.
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pricehound/pricehound/internal/metrics"
)

var (
	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("browser pool is shut down")
	// ErrPoolExhausted indicates no page became available within the
	// acquisition timeout. Callers may retry.
	ErrPoolExhausted = errors.New("timed out waiting for a free page")
)

const resetTimeout = 5 * time.Second

// Config controls pool sizing, timeouts, and maintenance behavior.
type Config struct {
	MaxBrowsers        int
	MaxPagesPerBrowser int
	AcquireTimeout     time.Duration
	PageTimeout        time.Duration
	BrowserIdleTTL     time.Duration
	MemoryCeilingMB    int
	CheckInterval      time.Duration
	UserAgent          string
}

func (c Config) withDefaults() Config {
	if c.MaxBrowsers <= 0 {
		c.MaxBrowsers = 3
	}
	if c.MaxPagesPerBrowser <= 0 {
		c.MaxPagesPerBrowser = 5
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 45 * time.Second
	}
	if c.BrowserIdleTTL <= 0 {
		c.BrowserIdleTTL = 5 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 60 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// waiter represents one pending GetPage call. The channel is buffered so a
// releaser can hand off a page without blocking; a nil send signals freed
// capacity and tells the waiter to re-claim.
type waiter struct {
	ch chan *Page
}

// Pool owns every Browser and Page resource. Construct with New and pass by
// reference; lifecycle is tied to the owning service via Shutdown.
type Pool struct {
	cfg      Config
	logger   *zap.Logger
	launcher launcher

	mu       sync.Mutex
	browsers map[string]*Browser
	waiters  map[string][]*waiter
	closed   bool

	closedCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Pool backed by headless Chrome and starts its maintenance
// goroutine.
func New(cfg Config, logger *zap.Logger) *Pool {
	cfg = cfg.withDefaults()
	return newWithLauncher(cfg, logger, &chromeLauncher{cfg: cfg})
}

func newWithLauncher(cfg Config, logger *zap.Logger, l launcher) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		launcher: l,
		browsers: make(map[string]*Browser),
		waiters:  make(map[string][]*waiter),
		closedCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go p.maintain()
	return p
}

// GetPage returns a page marked in-use for exclusive use by the caller. The
// caller must call ReleasePage exactly once on every code path. Waiters are
// served in FIFO order per pool key.
func (p *Pool) GetPage(ctx context.Context, key string) (*Page, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		page, w, err := p.claim(ctx, key)
		if err != nil {
			return nil, err
		}
		if page != nil {
			metrics.ObservePoolWait(time.Since(start))
			return page, nil
		}

		select {
		case page := <-w.ch:
			if page != nil {
				metrics.ObservePoolWait(time.Since(start))
				return page, nil
			}
			// Capacity freed; loop and claim again.
		case <-p.closedCh:
			p.abandonWaiter(key, w)
			return nil, ErrPoolClosed
		case <-ctx.Done():
			p.abandonWaiter(key, w)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w for key %q after %s", ErrPoolExhausted, key, p.cfg.AcquireTimeout)
			}
			return nil, fmt.Errorf("page wait canceled: %w", ctx.Err())
		}
	}
}

// claim attempts to satisfy an acquisition immediately. It returns either a
// page, or a registered waiter the caller should block on.
func (p *Pool) claim(ctx context.Context, key string) (*Page, *waiter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}

	b := p.browsers[key]
	switch {
	case b == nil:
		evicted := p.evictForCapacityLocked()
		b = &Browser{
			key:       key,
			ready:     make(chan struct{}),
			createdAt: time.Now(),
			lastUsed:  time.Now(),
		}
		p.browsers[key] = b
		p.mu.Unlock()

		if evicted != nil {
			p.closeBrowser(evicted, "capacity")
		}

		handle, err := p.launcher.Launch(ctx)

		p.mu.Lock()
		if err != nil {
			delete(p.browsers, key)
			close(b.ready)
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("launch browser for %q: %w", key, err)
		}
		b.handle = handle
		close(b.ready)
		if p.closed {
			p.mu.Unlock()
			_ = handle.Close()
			return nil, nil, ErrPoolClosed
		}
		p.logger.Info("browser launched", zap.String("pool_key", key))

	case b.handle == nil:
		// Another caller is launching this browser; wait for it.
		ready := b.ready
		p.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("browser launch wait: %w", ctx.Err())
		}
		p.mu.Lock()
		b = p.browsers[key]
		if b == nil || b.handle == nil {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("browser launch for %q failed", key)
		}
	}

	now := time.Now()
	b.lastUsed = now

	// Prefer an existing idle page; lazily purge pages found closed.
	var page *Page
	kept := b.pages[:0]
	for _, pg := range b.pages {
		if pg.handle != nil && pg.handle.Closed() {
			metrics.ObserveEviction("closed")
			go func(h pageHandle) { _ = h.Close() }(pg.handle)
			continue
		}
		kept = append(kept, pg)
		if page == nil && !pg.inUse && pg.handle != nil {
			page = pg
		}
	}
	b.pages = kept

	if page != nil {
		page.inUse = true
		page.lastUsed = now
		page.useCount++
		b.useCount++
		p.mu.Unlock()
		return page, nil, nil
	}

	if len(b.pages) < p.cfg.MaxPagesPerBrowser {
		pg := &Page{browser: b, inUse: true, lastUsed: now, useCount: 1}
		b.pages = append(b.pages, pg)
		b.useCount++
		p.mu.Unlock()

		handle, err := b.handle.NewPage(ctx)

		p.mu.Lock()
		if err != nil {
			b.removePageLocked(pg)
			p.wakeOneLocked(key)
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("open page for %q: %w", key, err)
		}
		pg.handle = handle
		if p.closed {
			b.removePageLocked(pg)
			p.mu.Unlock()
			_ = handle.Close()
			return nil, nil, ErrPoolClosed
		}
		p.mu.Unlock()
		return pg, nil, nil
	}

	w := &waiter{ch: make(chan *Page, 1)}
	p.waiters[key] = append(p.waiters[key], w)
	p.mu.Unlock()
	return nil, w, nil
}

// ReleasePage returns a page to the pool. The page is reset to a blank state
// and either handed to the oldest waiter or marked idle. A page that is
// closed or fails to reset is force-closed and removed instead.
func (p *Pool) ReleasePage(page *Page) {
	if page == nil || page.browser == nil {
		return
	}
	if page.handle == nil || page.handle.Closed() {
		p.discard(page, "closed")
		return
	}

	rctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	err := page.handle.Reset(rctx)
	cancel()
	if err != nil {
		p.logger.Warn("page reset failed, removing page",
			zap.String("pool_key", page.browser.key),
			zap.Error(err),
		)
		p.discard(page, "reset_failed")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = page.handle.Close()
		return
	}
	now := time.Now()
	page.lastUsed = now
	page.browser.lastUsed = now

	if w := p.dequeueWaiterLocked(page.browser.key); w != nil {
		// Direct hand-off: the page stays in-use for the new holder.
		page.useCount++
		page.browser.useCount++
		w.ch <- page
		p.mu.Unlock()
		return
	}

	page.inUse = false
	p.mu.Unlock()
}

// discard force-closes a page, removes it from its browser, and wakes one
// waiter so it can open a replacement.
func (p *Pool) discard(page *Page, reason string) {
	metrics.ObserveEviction(reason)
	if page.handle != nil {
		go func(h pageHandle) { _ = h.Close() }(page.handle)
	}
	p.mu.Lock()
	page.browser.removePageLocked(page)
	p.wakeOneLocked(page.browser.key)
	p.mu.Unlock()
}

func (p *Pool) dequeueWaiterLocked(key string) *waiter {
	q := p.waiters[key]
	if len(q) == 0 {
		return nil
	}
	w := q[0]
	p.waiters[key] = q[1:]
	return w
}

// wakeOneLocked signals freed capacity to the oldest waiter for the key.
func (p *Pool) wakeOneLocked(key string) {
	if w := p.dequeueWaiterLocked(key); w != nil {
		w.ch <- nil
	}
}

// abandonWaiter removes a waiter after timeout or shutdown. If the waiter was
// already dequeued by a releaser, any handed-off page is put back in rotation.
func (p *Pool) abandonWaiter(key string, w *waiter) {
	p.mu.Lock()
	q := p.waiters[key]
	for i, cand := range q {
		if cand == w {
			p.waiters[key] = append(q[:i], q[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Hand-off sends happen under the pool lock, so by the time we fail to
	// find the waiter any pending page is already in the buffer.
	select {
	case page := <-w.ch:
		if page != nil {
			p.ReleasePage(page)
			return
		}
		// Drained a freed-capacity wake meant for us; pass it on or the
		// next waiter starves on a free slot.
		p.mu.Lock()
		if !p.closed {
			p.wakeOneLocked(key)
		}
		p.mu.Unlock()
	default:
	}
}

// evictForCapacityLocked makes room for one more browser, preferring the
// least-recently-used browser without in-use pages. Returns the removed
// browser, which the caller must close outside the lock.
func (p *Pool) evictForCapacityLocked() *Browser {
	if len(p.browsers) < p.cfg.MaxBrowsers {
		return nil
	}
	var victim *Browser
	for _, b := range p.browsers {
		if b.handle == nil || b.anyInUseLocked() {
			continue
		}
		if victim == nil || b.lastUsed.Before(victim.lastUsed) {
			victim = b
		}
	}
	if victim == nil {
		// Every browser has work in flight; evict the coldest one anyway so
		// new pool keys are never rejected outright.
		for _, b := range p.browsers {
			if b.handle == nil {
				continue
			}
			if victim == nil || b.lastUsed.Before(victim.lastUsed) {
				victim = b
			}
		}
	}
	if victim == nil {
		return nil
	}
	delete(p.browsers, victim.key)
	p.logger.Warn("evicting browser to make room",
		zap.String("pool_key", victim.key),
		zap.Time("last_used", victim.lastUsed),
	)
	return victim
}

// closeBrowser closes all pages then the browser process. Cleanup errors are
// logged and swallowed; they must never block other resources.
func (p *Pool) closeBrowser(b *Browser, reason string) {
	metrics.ObserveEviction(reason)
	for _, pg := range b.pages {
		if pg.handle != nil {
			_ = pg.handle.Close()
		}
	}
	if b.handle != nil {
		if err := b.handle.Close(); err != nil {
			p.logger.Warn("browser close failed",
				zap.String("pool_key", b.key),
				zap.Error(err),
			)
		}
	}
}

// Stats reports a point-in-time view of pool occupancy and process heap use.
type Stats struct {
	ActiveBrowsers int      `json:"active_browsers"`
	TotalPages     int      `json:"total_pages"`
	PagesInUse     int      `json:"pages_in_use"`
	PoolKeys       []string `json:"pool_keys"`
	HeapAllocMB    uint64   `json:"heap_alloc_mb"`
}

// Stats returns current pool occupancy. Used for observability, not
// correctness.
func (p *Pool) Stats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	p.mu.Lock()
	s := Stats{
		PoolKeys:    make([]string, 0, len(p.browsers)),
		HeapAllocMB: m.HeapAlloc / 1024 / 1024,
	}
	for key, b := range p.browsers {
		s.ActiveBrowsers++
		s.TotalPages += len(b.pages)
		for _, pg := range b.pages {
			if pg.inUse {
				s.PagesInUse++
			}
		}
		s.PoolKeys = append(s.PoolKeys, key)
	}
	p.mu.Unlock()

	metrics.SetPoolGauges(s.ActiveBrowsers, s.TotalPages)
	return s
}

// Shutdown closes every page then every browser. Subsequent GetPage calls
// fail immediately with ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)
	browsers := make([]*Browser, 0, len(p.browsers))
	for _, b := range p.browsers {
		browsers = append(browsers, b)
	}
	p.browsers = make(map[string]*Browser)
	p.waiters = make(map[string][]*waiter)
	p.mu.Unlock()

	close(p.stopCh)
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown wait: %w", ctx.Err())
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, b := range browsers {
		b := b
		eg.Go(func() error {
			p.closeBrowser(b, "shutdown")
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	p.logger.Info("browser pool shut down", zap.Int("browsers_closed", len(browsers)))
	return nil
}
