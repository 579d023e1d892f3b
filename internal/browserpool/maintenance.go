package browserpool

import (
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pricehound/pricehound/internal/metrics"
)

// maintain runs memory and idle checks on a fixed interval, independent of
// any request, until Shutdown.
func (p *Pool) maintain() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkMemory()
			p.evictIdle()
			p.Stats()
		}
	}
}

// checkMemory samples heap usage and, above the configured ceiling, first
// drops all idle pages pool-wide, then closes the least-recently-used half of
// all browsers if pressure persists.
func (p *Pool) checkMemory() {
	if p.cfg.MemoryCeilingMB <= 0 {
		return
	}
	ceiling := uint64(p.cfg.MemoryCeilingMB) * 1024 * 1024

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapAlloc <= ceiling {
		return
	}

	p.logger.Warn("memory ceiling exceeded, closing idle pages",
		zap.Uint64("heap_alloc_mb", m.HeapAlloc/1024/1024),
		zap.Int("ceiling_mb", p.cfg.MemoryCeilingMB),
	)
	p.closeIdlePages(0, "memory")

	runtime.GC()
	runtime.ReadMemStats(&m)
	if m.HeapAlloc <= ceiling {
		return
	}

	p.logger.Warn("memory still above ceiling, closing coldest browsers",
		zap.Uint64("heap_alloc_mb", m.HeapAlloc/1024/1024),
	)
	p.closeOldestBrowsersHalf()
}

// evictIdle closes browsers idle past the TTL outright, and inside still-warm
// browsers closes individual pages idle past half the TTL to drain page count
// without killing the browser.
func (p *Pool) evictIdle() {
	ttl := p.cfg.BrowserIdleTTL
	if ttl <= 0 {
		return
	}
	now := time.Now()

	p.mu.Lock()
	var victims []*Browser
	for key, b := range p.browsers {
		if b.handle == nil || b.anyInUseLocked() {
			continue
		}
		if now.Sub(b.lastUsed) > ttl {
			victims = append(victims, b)
			delete(p.browsers, key)
		}
	}
	p.mu.Unlock()

	for _, b := range victims {
		p.logger.Info("closing idle browser",
			zap.String("pool_key", b.key),
			zap.Time("last_used", b.lastUsed),
		)
		p.closeBrowser(b, "idle")
	}

	p.closeIdlePages(ttl/2, "idle_page")
}

// closeIdlePages removes every non-in-use page whose own idle time is at
// least minIdle, across all browsers. Waiters are woken since page slots
// freed up.
func (p *Pool) closeIdlePages(minIdle time.Duration, reason string) {
	now := time.Now()

	p.mu.Lock()
	var handles []pageHandle
	for key, b := range p.browsers {
		kept := b.pages[:0]
		freed := 0
		for _, pg := range b.pages {
			if !pg.inUse && pg.handle != nil && now.Sub(pg.lastUsed) >= minIdle {
				handles = append(handles, pg.handle)
				metrics.ObserveEviction(reason)
				freed++
				continue
			}
			kept = append(kept, pg)
		}
		b.pages = kept
		for i := 0; i < freed; i++ {
			p.wakeOneLocked(key)
		}
	}
	p.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	if len(handles) > 0 {
		p.logger.Info("closed idle pages", zap.Int("count", len(handles)), zap.String("reason", reason))
	}
}

// closeOldestBrowsersHalf closes the LRU half of all browsers, oldest first.
func (p *Pool) closeOldestBrowsersHalf() {
	p.mu.Lock()
	all := make([]*Browser, 0, len(p.browsers))
	for _, b := range p.browsers {
		if b.handle != nil {
			all = append(all, b)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastUsed.Before(all[j].lastUsed) })

	n := len(all) / 2
	if n == 0 && len(all) > 0 {
		n = 1
	}
	victims := all[:n]
	for _, b := range victims {
		delete(p.browsers, b.key)
	}
	p.mu.Unlock()

	for _, b := range victims {
		p.logger.Warn("closing browser under memory pressure", zap.String("pool_key", b.key))
		p.closeBrowser(b, "memory")
	}
}
