package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/store"
)

// MetricsSnapshot holds a point-in-time view of workflow health.
type MetricsSnapshot struct {
	// Extraction outcomes updated within the lookback window.
	ExtractionsSucceeded int     `json:"extractions_succeeded"`
	ExtractionsFailed    int     `json:"extractions_failed"`
	ExtractionsExhausted int     `json:"extractions_exhausted"`
	ExtractionFailRate   float64 `json:"extraction_fail_rate"`

	// Current queue depths.
	ReviewBacklog int `json:"review_backlog"`
	PendingExport int `json:"pending_export"`

	// Latest sync per type that failed within the window.
	FailedSyncs []model.SyncLogEntry `json:"failed_syncs,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the part of the local store the collector reads.
type Source interface {
	CountByState(ctx context.Context) ([]store.StateCount, error)
	ListExtractions(ctx context.Context, filter store.ExtractionFilter) ([]model.Extraction, error)
	ListUnsyncedOffices(ctx context.Context, limit int) ([]model.ValidatedOffice, error)
	LastSyncs(ctx context.Context) ([]model.SyncLogEntry, error)
}

// Collector gathers metrics from the local store.
type Collector struct {
	store Source
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st Source) *Collector {
	return &Collector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot of workflow metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	exts, err := c.store.ListExtractions(ctx, store.ExtractionFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list extractions")
	}
	for _, e := range exts {
		if e.UpdatedAt.Before(cutoff) {
			continue
		}
		switch {
		case e.State == model.StateFailed:
			snap.ExtractionsFailed++
			if e.Exhausted {
				snap.ExtractionsExhausted++
			}
		case !e.State.InFlight() || e.State == model.StateValidating:
			snap.ExtractionsSucceeded++
		}
	}
	if finished := snap.ExtractionsSucceeded + snap.ExtractionsFailed; finished > 0 {
		snap.ExtractionFailRate = float64(snap.ExtractionsFailed) / float64(finished)
	}

	counts, err := c.store.CountByState(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count by state")
	}
	for _, sc := range counts {
		if sc.State == model.StateExtracted || sc.State == model.StateValidating {
			snap.ReviewBacklog += sc.Count
		}
	}

	pending, err := c.store.ListUnsyncedOffices(ctx, 0)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list unsynced offices")
	}
	snap.PendingExport = len(pending)

	syncs, err := c.store.LastSyncs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last syncs")
	}
	for _, s := range syncs {
		if s.Status == model.SyncFailed && !s.StartedAt.Before(cutoff) {
			snap.FailedSyncs = append(snap.FailedSyncs, s)
		}
	}

	return snap, nil
}
