// Package progress defines the event structures emitted by batch scrape runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageItemDone   Stage = "ITEM_DONE"
	StageBatchDone  Stage = "BATCH_DONE"
	StageRunDone    Stage = "RUN_DONE"
	StageRunStopped Stage = "RUN_STOPPED"
)

// Outcome classifies how a single item scrape ended.
type Outcome string

// Supported item outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeCached  Outcome = "cached"
)

// Event captures a single milestone of a batch scrape run.
type Event struct {
	// RunID uniquely identifies a batch run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Retailer labels the scraper driving the run.
	Retailer string
	// GTIN is set on item events only.
	GTIN string
	// Outcome is set on item events only.
	Outcome Outcome
	// Batch is the 1-based index of the batch the event belongs to.
	Batch int
	// TotalBatches is the number of batches in the run.
	TotalBatches int
	// Counters below are cumulative for the run at emit time.
	Total      int
	Completed  int
	Successful int
	Failed     int
	Cached     int
	// ETA estimates how long the remaining items will take.
	ETA time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageBatchDone, StageRunDone, StageRunStopped:
	case StageItemDone:
		if e.GTIN == "" {
			return errors.New("item done requires gtin")
		}
		if e.Outcome == "" {
			return errors.New("item done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Completed > e.Total {
		return errors.New("completed exceeds total")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for stores.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
