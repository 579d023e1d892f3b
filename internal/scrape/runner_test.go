package scrape

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pricehound/pricehound/internal/browserpool"
)

type fakePool struct {
	mu       sync.Mutex
	gets     int
	releases int
	getErrs  int // number of initial GetPage calls that fail
}

func (p *fakePool) GetPage(_ context.Context, _ string) (*browserpool.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	if p.gets <= p.getErrs {
		return nil, browserpool.ErrPoolExhausted
	}
	return &browserpool.Page{}, nil
}

func (p *fakePool) ReleasePage(_ *browserpool.Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
}

func (p *fakePool) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets, p.releases
}

type fakeScraper struct {
	mu       sync.Mutex
	key      string
	attempts int
	fails    int // fail this many attempts before succeeding
	price    float64
}

func (s *fakeScraper) Key() string { return s.key }

func (s *fakeScraper) SetupPage(_ context.Context) error { return nil }

func (s *fakeScraper) Scrape(_ context.Context, gtin string) (Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.fails {
		return Extraction{}, errors.New("results container not found")
	}
	price := s.price
	return Extraction{Price: &price, ProductURL: "https://shop.example/p/" + gtin}, nil
}

func (s *fakeScraper) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func TestRunSucceedsAndCaches(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	scraper := &fakeScraper{key: "dm-scraper", price: 13.95}
	r := NewRunner(Config{
		CacheEnabled: true,
		CacheTTL:     time.Minute,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
	}, pool, nil, zap.NewNop())

	res := r.Run(context.Background(), scraper, "4012345678901")
	require.True(t, res.Success())
	require.False(t, res.Cached)
	require.NotNil(t, res.Price)
	require.Equal(t, 13.95, *res.Price)
	require.Equal(t, "https://shop.example/p/4012345678901", res.ProductURL)

	cached := r.Run(context.Background(), scraper, "4012345678901")
	require.True(t, cached.Success())
	require.True(t, cached.Cached)
	require.Equal(t, res.Price, cached.Price)
	require.Equal(t, res.ProductURL, cached.ProductURL)
	require.Equal(t, 1, scraper.attemptCount(), "cache hit must not scrape again")

	gets, releases := pool.counts()
	require.Equal(t, 1, gets)
	require.Equal(t, 1, releases)
}

func TestRunCacheExpires(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	scraper := &fakeScraper{key: "dm-scraper", price: 1.95}
	r := NewRunner(Config{
		CacheEnabled: true,
		CacheTTL:     50 * time.Millisecond,
		MaxRetries:   1,
	}, pool, nil, zap.NewNop())

	first := r.Run(context.Background(), scraper, "4000000000001")
	require.False(t, first.Cached)

	time.Sleep(80 * time.Millisecond)

	second := r.Run(context.Background(), scraper, "4000000000001")
	require.False(t, second.Cached, "expired entry must trigger a fresh scrape")
	require.Equal(t, 2, scraper.attemptCount())
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	scraper := &fakeScraper{key: "rossmann-scraper", fails: 2, price: 4.49}
	r := NewRunner(Config{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, pool, nil, zap.NewNop())

	res := r.Run(context.Background(), scraper, "4012345678901")
	require.True(t, res.Success())
	require.Equal(t, 3, scraper.attemptCount())

	gets, releases := pool.counts()
	require.Equal(t, gets, releases, "every acquired page must be released")
	require.Equal(t, 3, gets, "a fresh page is acquired per attempt")
}

func TestRunExhaustsRetriesAndReturnsErrorResult(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	scraper := &fakeScraper{key: "dm-scraper", fails: 100}
	r := NewRunner(Config{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, pool, nil, zap.NewNop())

	res := r.Run(context.Background(), scraper, "4012345678901")
	require.False(t, res.Success())
	require.Contains(t, res.Err, "results container not found")
	require.Equal(t, 3, scraper.attemptCount(), "exactly maxRetries attempts")
	require.False(t, res.Cached)
	require.Positive(t, res.Duration)

	gets, releases := pool.counts()
	require.Equal(t, gets, releases)
}

func TestRunRecoversFromPoolExhaustion(t *testing.T) {
	t.Parallel()
	pool := &fakePool{getErrs: 1}
	scraper := &fakeScraper{key: "dm-scraper", price: 2.75}
	r := NewRunner(Config{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, pool, nil, zap.NewNop())

	res := r.Run(context.Background(), scraper, "4012345678901")
	require.True(t, res.Success(), "pool exhaustion is retryable")
	require.Equal(t, 1, scraper.attemptCount())

	gets, releases := pool.counts()
	require.Equal(t, 2, gets)
	require.Equal(t, 1, releases, "failed acquisitions have nothing to release")
}

func TestRunNeverCachesFailures(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	scraper := &fakeScraper{key: "dm-scraper", fails: 1, price: 9.99}
	r := NewRunner(Config{
		CacheEnabled: true,
		CacheTTL:     time.Minute,
		MaxRetries:   1,
	}, pool, nil, zap.NewNop())

	res := r.Run(context.Background(), scraper, "4012345678901")
	require.False(t, res.Success())

	res = r.Run(context.Background(), scraper, "4012345678901")
	require.True(t, res.Success())
	require.False(t, res.Cached, "failure must not have been cached")
}

func TestRunBackoffIsNonDecreasing(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	scraper := &fakeScraper{key: "dm-scraper", fails: 100}
	r := NewRunner(Config{
		MaxRetries: 3,
		RetryDelay: 30 * time.Millisecond,
	}, pool, nil, zap.NewNop())

	start := time.Now()
	res := r.Run(context.Background(), scraper, "4012345678901")
	elapsed := time.Since(start)

	require.False(t, res.Success())
	// Delays are retryDelay*1 + retryDelay*2 between the three attempts.
	require.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}
