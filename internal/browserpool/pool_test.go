package browserpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLauncher struct {
	mu        sync.Mutex
	launched  int
	failNext  bool
	lastAdded *fakeBrowser
}

func (l *fakeLauncher) Launch(_ context.Context) (browserHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return nil, errors.New("chrome exec not found")
	}
	l.launched++
	b := &fakeBrowser{}
	l.lastAdded = b
	return b, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched
}

type fakeBrowser struct {
	mu         sync.Mutex
	pagesMade  int
	closed     bool
	newPageErr error
}

func (b *fakeBrowser) NewPage(_ context.Context) (pageHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.newPageErr != nil {
		return nil, b.newPageErr
	}
	b.pagesMade++
	return &fakePage{}, nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type fakePage struct {
	mu       sync.Mutex
	closed   bool
	resetErr error
	resets   int
}

func (p *fakePage) Ctx() context.Context { return context.Background() }

func (p *fakePage) Reset(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return p.resetErr
}

func (p *fakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeLauncher) {
	t.Helper()
	l := &fakeLauncher{}
	p := newWithLauncher(cfg, zap.NewNop(), l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p, l
}

func TestGetPageLaunchesLazilyAndReusesBrowser(t *testing.T) {
	t.Parallel()
	p, l := newTestPool(t, Config{MaxBrowsers: 2, MaxPagesPerBrowser: 2})

	ctx := context.Background()
	pg1, err := p.GetPage(ctx, "dm")
	require.NoError(t, err)
	require.Equal(t, "dm", pg1.PoolKey())
	require.Equal(t, 1, l.launchCount())

	pg2, err := p.GetPage(ctx, "dm")
	require.NoError(t, err)
	require.NotSame(t, pg1, pg2)
	require.Equal(t, 1, l.launchCount(), "second page must reuse the browser")

	p.ReleasePage(pg1)
	p.ReleasePage(pg2)

	pg3, err := p.GetPage(ctx, "dm")
	require.NoError(t, err)
	require.Equal(t, 1, l.launchCount())
	p.ReleasePage(pg3)
}

func TestPageCapBlocksThirdCallerUntilRelease(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, Config{
		MaxBrowsers:        1,
		MaxPagesPerBrowser: 2,
		AcquireTimeout:     2 * time.Second,
	})

	ctx := context.Background()
	pg1, err := p.GetPage(ctx, "x")
	require.NoError(t, err)
	pg2, err := p.GetPage(ctx, "x")
	require.NoError(t, err)

	got := make(chan *Page, 1)
	go func() {
		pg, err := p.GetPage(ctx, "x")
		if err == nil {
			got <- pg
		}
	}()

	select {
	case <-got:
		t.Fatal("third acquisition must block while both pages are held")
	case <-time.After(100 * time.Millisecond):
	}

	p.ReleasePage(pg1)

	select {
	case pg3 := <-got:
		require.NotNil(t, pg3)
		p.ReleasePage(pg3)
	case <-time.After(time.Second):
		t.Fatal("third acquisition did not complete after release")
	}
	p.ReleasePage(pg2)

	s := p.Stats()
	require.Equal(t, 1, s.ActiveBrowsers)
	require.LessOrEqual(t, s.TotalPages, 2)
}

func TestGetPageTimesOutWithPoolExhausted(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, Config{
		MaxBrowsers:        1,
		MaxPagesPerBrowser: 1,
		AcquireTimeout:     50 * time.Millisecond,
	})

	ctx := context.Background()
	pg, err := p.GetPage(ctx, "x")
	require.NoError(t, err)
	defer p.ReleasePage(pg)

	_, err = p.GetPage(ctx, "x")
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestWaitersServedInFIFOOrder(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, Config{
		MaxBrowsers:        1,
		MaxPagesPerBrowser: 1,
		AcquireTimeout:     5 * time.Second,
	})

	ctx := context.Background()
	held, err := p.GetPage(ctx, "x")
	require.NoError(t, err)

	order := make(chan int, 2)
	var wg sync.WaitGroup
	start := func(id int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pg, err := p.GetPage(ctx, "x")
			require.NoError(t, err)
			order <- id
			time.Sleep(20 * time.Millisecond)
			p.ReleasePage(pg)
		}()
	}

	start(1)
	time.Sleep(50 * time.Millisecond) // ensure waiter 1 queues first
	start(2)
	time.Sleep(50 * time.Millisecond)

	p.ReleasePage(held)
	wg.Wait()

	require.Equal(t, 1, <-order)
	require.Equal(t, 2, <-order)
}

func TestAbandonedWaiterForwardsFreedCapacityWake(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, Config{
		MaxBrowsers:        1,
		MaxPagesPerBrowser: 1,
		AcquireTimeout:     time.Second,
	})

	ctx := context.Background()
	held, err := p.GetPage(ctx, "x")
	require.NoError(t, err)

	// Two callers queue behind the held page.
	pg, w1, err := p.claim(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, pg)
	require.NotNil(t, w1)
	pg, w2, err := p.claim(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, pg)
	require.NotNil(t, w2)

	// The held page dies, so its release frees the slot and wakes the
	// oldest waiter with a capacity signal instead of a page.
	held.handle.(*fakePage).Close()
	p.ReleasePage(held)

	// That waiter times out at the same moment and abandons without ever
	// reading its wake.
	p.abandonWaiter("x", w1)

	select {
	case got := <-w2.ch:
		require.Nil(t, got, "second waiter must get the capacity wake, not a page")
	case <-time.After(time.Second):
		t.Fatal("freed-capacity wake was lost; second waiter never woken")
	}

	pg2, err := p.GetPage(ctx, "x")
	require.NoError(t, err)
	p.ReleasePage(pg2)
}

func TestReleaseOfClosedPageRemovesIt(t *testing.T) {
	t.Parallel()
	p, l := newTestPool(t, Config{MaxBrowsers: 1, MaxPagesPerBrowser: 1})

	ctx := context.Background()
	pg, err := p.GetPage(ctx, "x")
	require.NoError(t, err)

	// Simulate a tab crash while held.
	pg.handle.(*fakePage).Close()
	p.ReleasePage(pg)

	s := p.Stats()
	require.Equal(t, 0, s.TotalPages)

	// The slot is free again; a fresh page must be created.
	pg2, err := p.GetPage(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, 2, l.lastAdded.pagesMade)
	p.ReleasePage(pg2)
}

func TestResetFailureForcesRemoval(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, Config{MaxBrowsers: 1, MaxPagesPerBrowser: 1})

	ctx := context.Background()
	pg, err := p.GetPage(ctx, "x")
	require.NoError(t, err)

	fp := pg.handle.(*fakePage)
	fp.mu.Lock()
	fp.resetErr = errors.New("target detached")
	fp.mu.Unlock()

	p.ReleasePage(pg)

	require.Eventually(t, func() bool {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		return fp.closed
	}, time.Second, 10*time.Millisecond, "page failing reset must be force-closed")
	require.Equal(t, 0, p.Stats().TotalPages)
}

func TestLaunchFailureSurfacesAndNextCallRetries(t *testing.T) {
	t.Parallel()
	p, l := newTestPool(t, Config{MaxBrowsers: 1, MaxPagesPerBrowser: 1})

	l.mu.Lock()
	l.failNext = true
	l.mu.Unlock()

	ctx := context.Background()
	_, err := p.GetPage(ctx, "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "launch browser")

	pg, err := p.GetPage(ctx, "x")
	require.NoError(t, err)
	p.ReleasePage(pg)
}

func TestNewKeyEvictsLRUBrowserAtCapacity(t *testing.T) {
	t.Parallel()
	p, l := newTestPool(t, Config{MaxBrowsers: 2, MaxPagesPerBrowser: 1})

	ctx := context.Background()
	pa, err := p.GetPage(ctx, "a")
	require.NoError(t, err)
	p.ReleasePage(pa)
	firstBrowser := l.lastAdded

	pb, err := p.GetPage(ctx, "b")
	require.NoError(t, err)
	p.ReleasePage(pb)

	// "a" is now the least recently used; a third key must evict it.
	pc, err := p.GetPage(ctx, "c")
	require.NoError(t, err)
	p.ReleasePage(pc)

	s := p.Stats()
	require.Equal(t, 2, s.ActiveBrowsers)
	require.NotContains(t, s.PoolKeys, "a")
	require.Eventually(t, func() bool {
		firstBrowser.mu.Lock()
		defer firstBrowser.mu.Unlock()
		return firstBrowser.closed
	}, time.Second, 10*time.Millisecond)
}

func TestGetPageAfterShutdownFails(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{}
	p := newWithLauncher(Config{MaxBrowsers: 1, MaxPagesPerBrowser: 1}, zap.NewNop(), l)

	ctx := context.Background()
	pg, err := p.GetPage(ctx, "x")
	require.NoError(t, err)
	p.ReleasePage(pg)

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx), "shutdown must be idempotent")

	_, err = p.GetPage(ctx, "x")
	require.ErrorIs(t, err, ErrPoolClosed)
	require.True(t, l.lastAdded.closed)
}

func TestEvictIdleClosesColdBrowserAndDrainsWarmPages(t *testing.T) {
	t.Parallel()
	p, l := newTestPool(t, Config{
		MaxBrowsers:        2,
		MaxPagesPerBrowser: 2,
		BrowserIdleTTL:     100 * time.Millisecond,
		CheckInterval:      time.Hour, // drive maintenance manually
	})

	ctx := context.Background()
	pg, err := p.GetPage(ctx, "cold")
	require.NoError(t, err)
	p.ReleasePage(pg)
	coldBrowser := l.lastAdded

	time.Sleep(150 * time.Millisecond)
	p.evictIdle()

	s := p.Stats()
	require.Equal(t, 0, s.ActiveBrowsers)
	require.True(t, coldBrowser.closed)

	// A warm browser keeps running but sheds pages idle past half the TTL.
	pg1, err := p.GetPage(ctx, "warm")
	require.NoError(t, err)
	pg2, err := p.GetPage(ctx, "warm")
	require.NoError(t, err)
	p.ReleasePage(pg1)
	time.Sleep(60 * time.Millisecond)

	// Touch the browser so it does not qualify for whole-browser eviction.
	p.ReleasePage(pg2)
	p.evictIdle()

	s = p.Stats()
	require.Equal(t, 1, s.ActiveBrowsers)
	require.Equal(t, 1, s.TotalPages, "page idle past half the TTL must be closed")
}

func TestStatsCountsInUsePages(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, Config{MaxBrowsers: 1, MaxPagesPerBrowser: 3})

	ctx := context.Background()
	pg1, err := p.GetPage(ctx, "x")
	require.NoError(t, err)
	pg2, err := p.GetPage(ctx, "x")
	require.NoError(t, err)
	p.ReleasePage(pg2)

	s := p.Stats()
	require.Equal(t, 1, s.ActiveBrowsers)
	require.Equal(t, 2, s.TotalPages)
	require.Equal(t, 1, s.PagesInUse)
	require.Equal(t, []string{"x"}, s.PoolKeys)

	p.ReleasePage(pg1)
}
