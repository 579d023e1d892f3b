package browserpool

import (
	"context"
	"time"
)

// launcher abstracts browser process creation so pool logic can be tested
// without a real Chrome binary.
type launcher interface {
	Launch(ctx context.Context) (browserHandle, error)
}

// browserHandle is one OS-level browser process.
type browserHandle interface {
	NewPage(ctx context.Context) (pageHandle, error)
	Close() error
}

// pageHandle is one tab within a browser process.
type pageHandle interface {
	// Ctx returns the tab context automation commands run against.
	Ctx() context.Context
	// Reset returns the tab to a neutral blank state for reuse.
	Reset(ctx context.Context) error
	Closed() bool
	Close() error
}

// Browser tracks one pooled browser process and its pages. The pool is the
// sole owner; all fields are guarded by the pool mutex.
type Browser struct {
	key       string
	handle    browserHandle
	ready     chan struct{}
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	pages     []*Page // insertion order = creation order
}

func (b *Browser) removePageLocked(target *Page) {
	for i, pg := range b.pages {
		if pg == target {
			b.pages = append(b.pages[:i], b.pages[i+1:]...)
			return
		}
	}
}

func (b *Browser) anyInUseLocked() bool {
	for _, pg := range b.pages {
		if pg.inUse {
			return true
		}
	}
	return false
}

// Page is the unit of exclusive allocation handed to a scrape operation.
// At most one caller holds a Page between GetPage and ReleasePage.
type Page struct {
	browser  *Browser // back-reference for removal bookkeeping only
	handle   pageHandle
	inUse    bool
	lastUsed time.Time
	useCount int64
}

// Ctx returns the tab context for running automation commands. Callers derive
// their own operation timeout from it.
func (p *Page) Ctx() context.Context {
	if p == nil || p.handle == nil {
		return context.Background()
	}
	return p.handle.Ctx()
}

// PoolKey reports which scraper lineage the page belongs to.
func (p *Page) PoolKey() string {
	if p == nil || p.browser == nil {
		return ""
	}
	return p.browser.key
}
