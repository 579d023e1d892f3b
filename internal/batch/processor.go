// Package batch runs large sets of product lookups through a scraper in
// fixed-size batches with bounded concurrency, staggered dispatch, and
// cooperative early termination.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pricehound/pricehound/internal/metrics"
	"github.com/pricehound/pricehound/internal/progress"
	"github.com/pricehound/pricehound/internal/scrape"
)

// ErrAlreadyRunning is returned when Process is called while a previous run
// on the same Processor has not finished.
var ErrAlreadyRunning = errors.New("batch: run already in progress")

// Item is one product identifier to scrape plus optional display metadata.
type Item struct {
	GTIN string `json:"gtin"`
	Name string `json:"name,omitempty"`
}

// ItemResult pairs an input item with the outcome of its scrape.
type ItemResult struct {
	Item   Item          `json:"item"`
	Result scrape.Result `json:"result"`
}

// Progress is a cumulative snapshot of a run, suitable for callbacks and UIs.
type Progress struct {
	Total        int           `json:"total"`
	Completed    int           `json:"completed"`
	Successful   int           `json:"successful"`
	Failed       int           `json:"failed"`
	Cached       int           `json:"cached"`
	CurrentBatch int           `json:"current_batch"`
	TotalBatches int           `json:"total_batches"`
	ETA          time.Duration `json:"eta"`
}

// Callbacks are optional per-run hooks. OnProgress fires after every item and
// may be invoked concurrently from worker goroutines; OnBatchComplete fires
// once per batch, from the run goroutine.
type Callbacks struct {
	OnProgress      func(Progress)
	OnBatchComplete func(batch int, p Progress)
}

// RunResult is the final outcome of a Process call. Results holds exactly one
// entry per item that was dispatched; items skipped after Stop are absent.
type RunResult struct {
	RunID    uuid.UUID     `json:"run_id"`
	Results  []ItemResult  `json:"results"`
	Progress Progress      `json:"progress"`
	Stopped  bool          `json:"stopped"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Config tunes batching and pacing.
type Config struct {
	// Size is the number of items per batch.
	Size int
	// Concurrency bounds in-flight scrapes within a batch.
	Concurrency int
	// DelayBetweenItems staggers dispatch of consecutive items in a batch.
	DelayBetweenItems time.Duration
	// DelayBetweenBatches pauses the run between batches.
	DelayBetweenBatches time.Duration
	// MaxAttempts is the per-item attempt ceiling at this layer. It sits on
	// top of the scrape runner's own retries and defaults to 2.
	MaxAttempts int
	// RetryDelay is the base pause between item attempts; the pause grows
	// linearly with the attempt number.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Runner executes a single product lookup. *scrape.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, s scrape.Scraper, gtin string) scrape.Result
}

// ResultStore persists individual results as they complete. Store failures
// are logged and never abort the run.
type ResultStore interface {
	InsertPrice(ctx context.Context, runID uuid.UUID, retailer string, res scrape.Result) error
}

// Option customizes a Processor.
type Option func(*Processor)

// WithEmitter attaches a progress event emitter to the processor.
func WithEmitter(e progress.Emitter) Option {
	return func(p *Processor) { p.emitter = e }
}

// WithStore attaches a result store to the processor.
func WithStore(s ResultStore) Option {
	return func(p *Processor) { p.store = s }
}

// Processor drives batch runs. A Processor executes at most one run at a
// time; concurrent Process calls beyond the first fail with ErrAlreadyRunning.
type Processor struct {
	cfg     Config
	runner  Runner
	logger  *zap.Logger
	emitter progress.Emitter
	store   ResultStore

	running atomic.Bool
	stop    atomic.Bool
}

// NewProcessor constructs a Processor around the given runner.
func NewProcessor(cfg Config, runner Runner, logger *zap.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		cfg:    cfg.withDefaults(),
		runner: runner,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stop requests cooperative termination of the active run. The flag is
// checked between batches and between item dispatches; items already in
// flight finish normally and appear in the results.
func (p *Processor) Stop() {
	p.stop.Store(true)
}

// Running reports whether a run is currently in progress.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Process scrapes all items through s in fixed-size batches. It returns one
// ItemResult per dispatched item regardless of individual failures; scrape
// errors surface inside the results, never as the returned error.
func (p *Processor) Process(ctx context.Context, s scrape.Scraper, items []Item, cbs Callbacks) (RunResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return RunResult{}, ErrAlreadyRunning
	}
	defer p.running.Store(false)
	return p.run(ctx, uuid.New(), s, items, cbs), nil
}

// StartAsync begins a run in the background and returns its ID immediately.
// The single-flight rule still applies across Process and StartAsync.
func (p *Processor) StartAsync(ctx context.Context, s scrape.Scraper, items []Item, cbs Callbacks) (uuid.UUID, error) {
	if !p.running.CompareAndSwap(false, true) {
		return uuid.Nil, ErrAlreadyRunning
	}
	runID := uuid.New()
	go func() {
		defer p.running.Store(false)
		p.run(ctx, runID, s, items, cbs)
	}()
	return runID, nil
}

func (p *Processor) run(ctx context.Context, runID uuid.UUID, s scrape.Scraper, items []Item, cbs Callbacks) RunResult {
	p.stop.Store(false)

	st := newRunState(runID, s.Key(), len(items), p.batchCount(len(items)))
	p.logger.Info("batch run starting",
		zap.String("run_id", st.runID.String()),
		zap.String("retailer", st.retailer),
		zap.Int("items", len(items)),
		zap.Int("batches", st.totalBatches),
		zap.Int("batch_size", p.cfg.Size),
		zap.Int("concurrency", p.cfg.Concurrency),
	)
	p.emit(st.event(progress.StageRunStart))

	results := make([]ItemResult, 0, len(items))
	stopped := false
	for bi := 0; bi < st.totalBatches; bi++ {
		if p.stop.Load() || ctx.Err() != nil {
			stopped = true
			break
		}
		st.beginBatch(bi + 1)
		lo := bi * p.cfg.Size
		hi := min(lo+p.cfg.Size, len(items))
		batchResults := p.runBatch(ctx, s, st, items[lo:hi], cbs)
		results = append(results, batchResults...)

		prog := st.progress()
		p.emit(st.event(progress.StageBatchDone))
		if cbs.OnBatchComplete != nil {
			cbs.OnBatchComplete(bi+1, prog)
		}
		p.logger.Info("batch complete",
			zap.String("run_id", st.runID.String()),
			zap.Int("batch", bi+1),
			zap.Int("completed", prog.Completed),
			zap.Int("failed", prog.Failed),
			zap.Duration("eta", prog.ETA),
		)
		if bi+1 < st.totalBatches && !p.stop.Load() {
			sleepCtx(ctx, p.cfg.DelayBetweenBatches)
		}
	}
	if !stopped && (p.stop.Load() || ctx.Err() != nil) {
		// Stop landed during the final batch; in-flight items already
		// finished, so the run is complete rather than cut short.
		stopped = len(results) < len(items)
	}

	final := st.progress()
	out := RunResult{
		RunID:    st.runID,
		Results:  results,
		Progress: final,
		Stopped:  stopped,
		Elapsed:  time.Since(st.start),
	}
	stage := progress.StageRunDone
	if stopped {
		stage = progress.StageRunStopped
	}
	p.emit(st.event(stage))
	p.logger.Info("batch run finished",
		zap.String("run_id", st.runID.String()),
		zap.Bool("stopped", stopped),
		zap.Int("completed", final.Completed),
		zap.Int("successful", final.Successful),
		zap.Int("failed", final.Failed),
		zap.Int("cached", final.Cached),
		zap.Duration("elapsed", out.Elapsed),
	)
	return out
}

func (p *Processor) batchCount(n int) int {
	if n == 0 {
		return 0
	}
	return (n + p.cfg.Size - 1) / p.cfg.Size
}

// runBatch dispatches the batch's items in order, pacing consecutive starts
// by DelayBetweenItems and holding concurrency at the configured bound. It
// returns one result per item actually dispatched.
func (p *Processor) runBatch(ctx context.Context, s scrape.Scraper, st *runState, items []Item, cbs Callbacks) []ItemResult {
	out := make([]ItemResult, len(items))
	dispatched := make([]bool, len(items))
	sem := newSemaphore(p.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, it := range items {
		if p.stop.Load() || ctx.Err() != nil {
			break
		}
		if i > 0 {
			sleepCtx(ctx, p.cfg.DelayBetweenItems)
		}
		if err := sem.acquire(ctx); err != nil {
			break
		}
		dispatched[i] = true
		wg.Add(1)
		go func(i int, it Item) {
			defer wg.Done()
			defer sem.release()
			res := p.scrapeItem(ctx, s, it)
			out[i] = ItemResult{Item: it, Result: res}
			p.recordItem(ctx, st, it, res, cbs)
		}(i, it)
	}
	wg.Wait()

	kept := out[:0]
	for i := range out {
		if dispatched[i] {
			kept = append(kept, out[i])
		}
	}
	return kept
}

// scrapeItem wraps the runner with a coarse outer retry. The inner runner
// already retries transient page errors; this layer catches whole-run
// failures such as pool exhaustion.
func (p *Processor) scrapeItem(ctx context.Context, s scrape.Scraper, it Item) scrape.Result {
	var res scrape.Result
	for attempt := 1; ; attempt++ {
		res = p.runner.Run(ctx, s, it.GTIN)
		if res.Success() {
			return res
		}
		if attempt >= p.cfg.MaxAttempts || p.stop.Load() || ctx.Err() != nil {
			return res
		}
		p.logger.Debug("item attempt failed, retrying",
			zap.String("gtin", it.GTIN),
			zap.Int("attempt", attempt),
			zap.String("error", res.Err),
		)
		if !sleepCtx(ctx, time.Duration(attempt)*p.cfg.RetryDelay) {
			return res
		}
	}
}

func (p *Processor) recordItem(ctx context.Context, st *runState, it Item, res scrape.Result, cbs Callbacks) {
	outcome := classify(res)
	prog := st.recordItem(outcome)
	metrics.ObserveBatchItem(string(outcome))

	evt := st.event(progress.StageItemDone)
	evt.GTIN = it.GTIN
	evt.Outcome = outcome
	if !res.Success() {
		evt.Note = res.Err
	}
	p.emit(evt)

	if cbs.OnProgress != nil {
		cbs.OnProgress(prog)
	}
	if p.store != nil {
		if err := p.store.InsertPrice(ctx, st.runID, st.retailer, res); err != nil {
			p.logger.Warn("persist batch result failed",
				zap.String("run_id", st.runID.String()),
				zap.String("gtin", res.GTIN),
				zap.Error(err),
			)
		}
	}
}

func (p *Processor) emit(evt progress.Event) {
	if p.emitter != nil {
		p.emitter.Emit(evt)
	}
}

func classify(res scrape.Result) progress.Outcome {
	switch {
	case res.Cached:
		return progress.OutcomeCached
	case res.Success():
		return progress.OutcomeSuccess
	default:
		return progress.OutcomeFailed
	}
}

// sleepCtx pauses for d, returning false early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// runState tracks cumulative counters for one run under a mutex.
type runState struct {
	mu           sync.Mutex
	runID        uuid.UUID
	retailer     string
	start        time.Time
	total        int
	totalBatches int
	batch        int
	completed    int
	successful   int
	failed       int
	cached       int
}

func newRunState(runID uuid.UUID, retailer string, total, totalBatches int) *runState {
	return &runState{
		runID:        runID,
		retailer:     retailer,
		start:        time.Now(),
		total:        total,
		totalBatches: totalBatches,
	}
}

func (st *runState) beginBatch(n int) {
	st.mu.Lock()
	st.batch = n
	st.mu.Unlock()
}

func (st *runState) recordItem(outcome progress.Outcome) Progress {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.completed++
	switch outcome {
	case progress.OutcomeCached:
		st.cached++
		st.successful++
	case progress.OutcomeSuccess:
		st.successful++
	default:
		st.failed++
	}
	return st.progressLocked()
}

func (st *runState) progress() Progress {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.progressLocked()
}

func (st *runState) progressLocked() Progress {
	p := Progress{
		Total:        st.total,
		Completed:    st.completed,
		Successful:   st.successful,
		Failed:       st.failed,
		Cached:       st.cached,
		CurrentBatch: st.batch,
		TotalBatches: st.totalBatches,
	}
	if st.completed > 0 && st.completed < st.total {
		perItem := time.Since(st.start) / time.Duration(st.completed)
		p.ETA = perItem * time.Duration(st.total-st.completed)
	}
	return p
}

func (st *runState) event(stage progress.Stage) progress.Event {
	st.mu.Lock()
	defer st.mu.Unlock()
	p := st.progressLocked()
	return progress.Event{
		RunID:        progress.UUIDToBytes(st.runID),
		TS:           time.Now().UTC(),
		Stage:        stage,
		Retailer:     st.retailer,
		Batch:        p.CurrentBatch,
		TotalBatches: p.TotalBatches,
		Total:        p.Total,
		Completed:    p.Completed,
		Successful:   p.Successful,
		Failed:       p.Failed,
		Cached:       p.Cached,
		ETA:          p.ETA,
	}
}
