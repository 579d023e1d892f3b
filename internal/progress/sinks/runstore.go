package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pricehound/pricehound/internal/progress"
)

// RunState describes the lifecycle of a batch run snapshot.
type RunState string

// Supported run states.
const (
	RunRunning RunState = "running"
	RunDone    RunState = "done"
	RunStopped RunState = "stopped"
)

// RunSnapshot is the latest known view of a batch run, built from the event
// stream. It is what the API returns for run status queries.
type RunSnapshot struct {
	RunID        uuid.UUID     `json:"run_id"`
	Retailer     string        `json:"retailer"`
	State        RunState      `json:"state"`
	Batch        int           `json:"batch"`
	TotalBatches int           `json:"total_batches"`
	Total        int           `json:"total"`
	Completed    int           `json:"completed"`
	Successful   int           `json:"successful"`
	Failed       int           `json:"failed"`
	Cached       int           `json:"cached"`
	ETA          time.Duration `json:"eta"`
	StartedAt    time.Time     `json:"started_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Note         string        `json:"note,omitempty"`
}

const defaultMaxRuns = 128

// RunStore keeps the latest snapshot per run in memory. Old finished runs are
// evicted once the store exceeds its capacity.
type RunStore struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]*RunSnapshot
	maxRuns int
}

// NewRunStore constructs a RunStore holding at most maxRuns snapshots; pass
// zero for the default capacity.
func NewRunStore(maxRuns int) *RunStore {
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	return &RunStore{
		runs:    make(map[uuid.UUID]*RunSnapshot),
		maxRuns: maxRuns,
	}
}

// Consume folds each event into the per-run snapshot.
func (s *RunStore) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.applyLocked(evt)
	}
	s.evictLocked()
	return nil
}

func (s *RunStore) applyLocked(evt progress.Event) {
	id := evt.RunUUID()
	snap := s.runs[id]
	if snap == nil {
		snap = &RunSnapshot{RunID: id, State: RunRunning, StartedAt: evt.TS}
		s.runs[id] = snap
	}
	if evt.Retailer != "" {
		snap.Retailer = evt.Retailer
	}
	if evt.Batch > 0 {
		snap.Batch = evt.Batch
	}
	if evt.TotalBatches > 0 {
		snap.TotalBatches = evt.TotalBatches
	}
	if evt.Total > 0 {
		snap.Total = evt.Total
	}
	snap.Completed = evt.Completed
	snap.Successful = evt.Successful
	snap.Failed = evt.Failed
	snap.Cached = evt.Cached
	snap.ETA = evt.ETA
	if evt.Note != "" {
		snap.Note = evt.Note
	}
	switch evt.Stage {
	case progress.StageRunStart:
		snap.StartedAt = evt.TS
	case progress.StageRunDone:
		snap.State = RunDone
		snap.ETA = 0
	case progress.StageRunStopped:
		snap.State = RunStopped
		snap.ETA = 0
	}
	if evt.TS.After(snap.UpdatedAt) {
		snap.UpdatedAt = evt.TS
	}
}

// evictLocked drops the stalest finished runs once over capacity. Running
// snapshots are kept so an active run never disappears mid-flight.
func (s *RunStore) evictLocked() {
	if len(s.runs) <= s.maxRuns {
		return
	}
	finished := make([]*RunSnapshot, 0, len(s.runs))
	for _, snap := range s.runs {
		if snap.State != RunRunning {
			finished = append(finished, snap)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].UpdatedAt.Before(finished[j].UpdatedAt)
	})
	for _, snap := range finished {
		if len(s.runs) <= s.maxRuns {
			return
		}
		delete(s.runs, snap.RunID)
	}
}

// Get returns a copy of the snapshot for the given run, if known.
func (s *RunStore) Get(id uuid.UUID) (RunSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.runs[id]
	if !ok {
		return RunSnapshot{}, false
	}
	return *snap, true
}

// List returns all known snapshots ordered by most recently updated first.
func (s *RunStore) List() []RunSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunSnapshot, 0, len(s.runs))
	for _, snap := range s.runs {
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *RunStore) Close(context.Context) error {
	return nil
}
