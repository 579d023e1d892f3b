package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricehound/pricehound/internal/progress"
	"github.com/pricehound/pricehound/internal/scrape"
)

type stubScraper struct{}

func (stubScraper) Key() string { return "dm-scraper" }

func (stubScraper) Scrape(context.Context, string) (scrape.Extraction, error) {
	return scrape.Extraction{}, nil
}

// fakeRunner simulates the scrape layer without any browser work.
type fakeRunner struct {
	mu          sync.Mutex
	calls       map[string]int
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	total       atomic.Int32
	// failFor returns an error message for the given gtin and call number
	// (1-based); empty means success.
	failFor func(gtin string, call int) string
	cached  map[string]bool
	onRun   func(totalCalls int32)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[string]int{}}
}

func (f *fakeRunner) Run(ctx context.Context, _ scrape.Scraper, gtin string) scrape.Result {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	n := f.total.Add(1)
	if f.onRun != nil {
		f.onRun(n)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.calls[gtin]++
	call := f.calls[gtin]
	f.mu.Unlock()

	res := scrape.Result{GTIN: gtin, Timestamp: time.Now()}
	if f.failFor != nil {
		if msg := f.failFor(gtin, call); msg != "" {
			res.Err = msg
			return res
		}
	}
	price := 1.95
	res.Price = &price
	if f.cached != nil && f.cached[gtin] {
		res.Cached = true
	}
	return res
}

func (f *fakeRunner) callCount(gtin string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[gtin]
}

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{GTIN: fmt.Sprintf("40059001234%02d", i)}
	}
	return items
}

// collectEmitter records every emitted event for assertions.
type collectEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *collectEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collectEmitter) byStage(stage progress.Stage) []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []progress.Event
	for _, evt := range c.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}

// TestProcessSplitsIntoBatches runs 25 items with batch size 10 and expects
// exactly three batches of 10, 10, and 5 with complete aggregate counts.
func TestProcessSplitsIntoBatches(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	emitter := &collectEmitter{}
	proc := NewProcessor(Config{Size: 10, Concurrency: 3, RetryDelay: time.Millisecond},
		runner, nil, WithEmitter(emitter))

	var batchCalls []Progress
	var mu sync.Mutex
	cbs := Callbacks{
		OnBatchComplete: func(batch int, p Progress) {
			mu.Lock()
			batchCalls = append(batchCalls, p)
			mu.Unlock()
		},
	}

	items := makeItems(25)
	out, err := proc.Process(context.Background(), stubScraper{}, items, cbs)
	require.NoError(t, err)
	require.False(t, out.Stopped)
	require.Len(t, out.Results, 25)

	require.Len(t, batchCalls, 3)
	assert.Equal(t, 10, batchCalls[0].Completed)
	assert.Equal(t, 20, batchCalls[1].Completed)
	assert.Equal(t, 25, batchCalls[2].Completed)
	assert.Equal(t, 3, batchCalls[2].TotalBatches)

	assert.Equal(t, 25, out.Progress.Completed)
	assert.Equal(t, 25, out.Progress.Successful+out.Progress.Failed)

	// Every input item appears exactly once in the results.
	seen := map[string]int{}
	for _, r := range out.Results {
		seen[r.Item.GTIN]++
	}
	for _, it := range items {
		assert.Equal(t, 1, seen[it.GTIN], "gtin %s", it.GTIN)
	}

	require.Len(t, emitter.byStage(progress.StageBatchDone), 3)
	require.Len(t, emitter.byStage(progress.StageRunDone), 1)
	require.Len(t, emitter.byStage(progress.StageItemDone), 25)
}

// TestProcessBoundsConcurrency asserts in-flight scrapes never exceed the limit.
func TestProcessBoundsConcurrency(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.delay = 20 * time.Millisecond
	proc := NewProcessor(Config{Size: 12, Concurrency: 3}, runner, nil)

	out, err := proc.Process(context.Background(), stubScraper{}, makeItems(12), Callbacks{})
	require.NoError(t, err)
	require.Len(t, out.Results, 12)
	assert.LessOrEqual(t, runner.maxInFlight.Load(), int32(3))
}

// TestProcessStopMidRun stops after the first batch; no later batch begins but
// everything already dispatched completes and is returned.
func TestProcessStopMidRun(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.delay = 10 * time.Millisecond
	proc := NewProcessor(Config{Size: 5, Concurrency: 2, RetryDelay: time.Millisecond}, runner, nil)
	runner.onRun = func(total int32) {
		if total == 3 {
			proc.Stop()
		}
	}

	out, err := proc.Process(context.Background(), stubScraper{}, makeItems(20), Callbacks{})
	require.NoError(t, err)
	require.True(t, out.Stopped)
	assert.LessOrEqual(t, len(out.Results), 5, "no batch after the first may start")
	assert.GreaterOrEqual(t, len(out.Results), 3, "dispatched items must complete")
	for _, r := range out.Results {
		assert.NotZero(t, r.Result.Timestamp)
	}
}

// TestProcessSingleFlight rejects a second concurrent run.
func TestProcessSingleFlight(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.delay = 50 * time.Millisecond
	proc := NewProcessor(Config{Size: 5, Concurrency: 1}, runner, nil)

	started := make(chan struct{})
	runner.onRun = func(int32) {
		select {
		case <-started:
		default:
			close(started)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := proc.Process(context.Background(), stubScraper{}, makeItems(4), Callbacks{})
		done <- err
	}()
	<-started

	_, err := proc.Process(context.Background(), stubScraper{}, makeItems(1), Callbacks{})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.NoError(t, <-done)

	// The flag clears once the first run finishes.
	_, err = proc.Process(context.Background(), stubScraper{}, makeItems(1), Callbacks{})
	require.NoError(t, err)
}

// TestProcessRetriesFailedItems retries a failing item at this layer and
// records the eventual success.
func TestProcessRetriesFailedItems(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.failFor = func(gtin string, call int) string {
		if gtin == "4005900123401" && call == 1 {
			return "timeout waiting for results"
		}
		return ""
	}
	proc := NewProcessor(Config{Size: 5, Concurrency: 2, MaxAttempts: 2, RetryDelay: time.Millisecond},
		runner, nil)

	out, err := proc.Process(context.Background(), stubScraper{}, makeItems(3), Callbacks{})
	require.NoError(t, err)
	require.Len(t, out.Results, 3)
	assert.Equal(t, 2, runner.callCount("4005900123401"))
	assert.Equal(t, 3, out.Progress.Successful)
	assert.Zero(t, out.Progress.Failed)
}

// TestProcessExhaustedRetriesCountFailed keeps a permanently failing item in
// the results with its error intact.
func TestProcessExhaustedRetriesCountFailed(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.failFor = func(gtin string, _ int) string {
		if gtin == "4005900123400" {
			return "login rejected"
		}
		return ""
	}
	proc := NewProcessor(Config{Size: 5, Concurrency: 2, MaxAttempts: 2, RetryDelay: time.Millisecond},
		runner, nil)

	out, err := proc.Process(context.Background(), stubScraper{}, makeItems(2), Callbacks{})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.Equal(t, 1, out.Progress.Failed)
	assert.Equal(t, 1, out.Progress.Successful)
	assert.Equal(t, 2, runner.callCount("4005900123400"))

	var failed *ItemResult
	for i := range out.Results {
		if out.Results[i].Item.GTIN == "4005900123400" {
			failed = &out.Results[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "login rejected", failed.Result.Err)
}

// TestProcessCountsCachedResults classifies cache hits separately.
func TestProcessCountsCachedResults(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.cached = map[string]bool{"4005900123400": true}
	proc := NewProcessor(Config{Size: 5, Concurrency: 1}, runner, nil)

	out, err := proc.Process(context.Background(), stubScraper{}, makeItems(2), Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Progress.Cached)
	assert.Equal(t, 2, out.Progress.Successful)
}

// TestProcessPersistsResults forwards each completed result to the store.
func TestProcessPersistsResults(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	store := &collectStore{}
	proc := NewProcessor(Config{Size: 5, Concurrency: 2}, runner, nil, WithStore(store))

	out, err := proc.Process(context.Background(), stubScraper{}, makeItems(4), Callbacks{})
	require.NoError(t, err)
	require.Len(t, store.rows(), 4)
	for _, row := range store.rows() {
		assert.Equal(t, out.RunID, row.runID)
		assert.Equal(t, "dm-scraper", row.retailer)
	}
}

// TestProcessProgressCallbacks invokes OnProgress once per completed item.
func TestProcessProgressCallbacks(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	proc := NewProcessor(Config{Size: 3, Concurrency: 1}, runner, nil)

	var count atomic.Int32
	var last atomic.Int32
	cbs := Callbacks{OnProgress: func(p Progress) {
		count.Add(1)
		last.Store(int32(p.Completed))
	}}

	_, err := proc.Process(context.Background(), stubScraper{}, makeItems(6), cbs)
	require.NoError(t, err)
	assert.Equal(t, int32(6), count.Load())
	assert.Equal(t, int32(6), last.Load())
}

type storeRow struct {
	runID    uuid.UUID
	retailer string
	res      scrape.Result
}

type collectStore struct {
	mu   sync.Mutex
	data []storeRow
}

func (s *collectStore) InsertPrice(_ context.Context, runID uuid.UUID, retailer string, res scrape.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, storeRow{runID: runID, retailer: retailer, res: res})
	return nil
}

func (s *collectStore) rows() []storeRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storeRow(nil), s.data...)
}

func TestReadItems(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"# shampoo assortment",
		"4005900123451 Balea Shampoo",
		"",
		"40123455",
		"12345678901234",
	}, "\n")

	items, err := ReadItems(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, Item{GTIN: "4005900123451", Name: "Balea Shampoo"}, items[0])
	assert.Equal(t, Item{GTIN: "40123455"}, items[1])
	assert.Equal(t, Item{GTIN: "12345678901234"}, items[2])
}

func TestReadItemsRejectsBadGTIN(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
	}{
		{"too short", "1234567"},
		{"too long", "123456789012345"},
		{"letters", "40059001234ab"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ReadItems(strings.NewReader(tc.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid gtin")
		})
	}
}
