// Package scheduler drives eligible entities through fetch, extract and
// persist with bounded concurrency.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/district-offices/internal/config"
	"github.com/sells-group/district-offices/internal/extract"
	"github.com/sells-group/district-offices/internal/fetcher"
	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/resilience"
	"github.com/sells-group/district-offices/internal/store"
)

// Store is the part of the record store the scheduler writes to.
type Store interface {
	GetEntity(ctx context.Context, entityID string) (*model.Entity, error)
	EligibleEntities(ctx context.Context, filter store.EligibilityFilter) ([]model.Entity, error)
	CreateExtraction(ctx context.Context, entityID, sourceURL string, opts store.CreateOptions) (*model.Extraction, error)
	Transition(ctx context.Context, id int64, to model.State, opts store.TransitionOptions) (*model.Extraction, error)
	CompleteExtraction(ctx context.Context, id int64, candidates []model.OfficeCandidate, detail any) (*model.Extraction, error)
	AppendEvent(ctx context.Context, extractionID int64, step, outcome string, detail any) (*model.ProvenanceEvent, error)
	ListStale(ctx context.Context, runID string, olderThan time.Time) ([]model.Extraction, error)
	AdoptExtraction(ctx context.Context, id int64, runID string) error
}

// Artifacts stores attempt documents.
type Artifacts interface {
	Put(ctx context.Context, extractionID int64, kind model.ArtifactKind, data []byte, contentType string) (model.ArtifactRef, error)
	Supersede(ctx context.Context, extractionID int64, kind model.ArtifactKind, data []byte, contentType string) (model.ArtifactRef, error)
	Current(ctx context.Context, extractionID int64, kind model.ArtifactKind) ([]byte, *model.Artifact, error)
	Exists(ctx context.Context, extractionID int64, kind model.ArtifactKind) (bool, error)
}

// Options tune a scheduler.
type Options struct {
	Concurrency      int
	Lookahead        int
	MaxAttempts      int
	Backoff          resilience.Backoff
	FallbackPaths    []string
	MaxFallbacks     int
	StaleAfter       time.Duration
	MaxDocumentChars int
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency:      cfg.Scheduler.Concurrency,
		Lookahead:        cfg.Scheduler.Lookahead,
		MaxAttempts:      cfg.Scheduler.MaxAttempts,
		Backoff:          resilience.FromSchedulerConfig(cfg.Scheduler),
		FallbackPaths:    cfg.Scheduler.FallbackPaths,
		MaxFallbacks:     cfg.Scheduler.MaxFallbacks,
		StaleAfter:       time.Duration(cfg.Scheduler.StaleAfterSecs) * time.Second,
		MaxDocumentChars: cfg.Anthropic.MaxDocumentChars,
	}
}

// Request selects the entities of one run.
type Request struct {
	// EntityIDs limits the run. Empty means every eligible entity.
	EntityIDs []string
	// Force re-extracts entities that already have offices or a finished
	// extraction.
	Force    bool
	Priority int
	// Limit caps the number of entities started. Zero means no cap.
	Limit int
}

// Outcome is how one entity ended in a run.
type Outcome struct {
	EntityID     string          `json:"entity_id"`
	ExtractionID int64           `json:"extraction_id"`
	State        model.State     `json:"state"`
	SourceURL    string          `json:"source_url"`
	Offices      int             `json:"offices"`
	Attempts     int             `json:"attempts"`
	ErrorKind    model.ErrorKind `json:"error_kind,omitempty"`
	Exhausted    bool            `json:"exhausted"`
	Skipped      bool            `json:"skipped,omitempty"`
	// HandedOff marks a skip after this run already made attempts.
	HandedOff    bool            `json:"handed_off,omitempty"`
	Resumed      bool            `json:"resumed,omitempty"`
}

// Summary reports a whole run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Outcomes  []Outcome `json:"outcomes"`
	Abandoned int       `json:"abandoned"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// Count returns how many entities ended in state st.
func (s *Summary) Count(st model.State) int {
	n := 0
	for _, o := range s.Outcomes {
		if !o.Skipped && o.State == st {
			n++
		}
	}
	return n
}

// Skipped returns how many entities were already taken by another worker.
func (s *Summary) Skipped() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Skipped {
			n++
		}
	}
	return n
}

// Unrecovered returns the entities that ended the run failed.
func (s *Summary) Unrecovered() []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if !o.Skipped && o.State == model.StateFailed {
			out = append(out, o)
		}
	}
	return out
}

// Scheduler runs extraction attempts.
type Scheduler struct {
	store     Store
	artifacts Artifacts
	fetch     fetcher.Fetcher
	extract   extract.Extractor
	opts      Options
}

// New creates a Scheduler.
func New(st Store, arts Artifacts, f fetcher.Fetcher, x extract.Extractor, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = opts.Concurrency * 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == (resilience.Backoff{}) {
		opts.Backoff = resilience.DefaultBackoff()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	return &Scheduler{store: st, artifacts: arts, fetch: f, extract: x, opts: opts}
}

// job is one entity to process, optionally resuming a recovered extraction.
type job struct {
	entity model.Entity
	resume *model.Extraction
}

// Run recovers work orphaned by earlier runs, then processes eligible
// entities with at most Concurrency attempts in flight. Per-entity failures
// are recorded in the Summary; an error is returned only for integrity
// violations or when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, req Request) (*Summary, error) {
	runID := uuid.NewString()
	sum := &Summary{RunID: runID, Started: time.Now().UTC()}
	log := zap.L().With(zap.String("run_id", runID))

	resumes, abandoned, err := s.recoverStale(ctx, runID)
	if err != nil {
		return nil, err
	}
	sum.Abandoned = abandoned

	entities, err := s.store.EligibleEntities(ctx, store.EligibilityFilter{
		EntityIDs: req.EntityIDs,
		Force:     req.Force,
		Limit:     req.Limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: eligible entities")
	}

	log.Info("scheduler: starting run",
		zap.Int("eligible", len(entities)),
		zap.Int("resumed", len(resumes)),
		zap.Int("abandoned", abandoned),
		zap.Int("concurrency", s.opts.Concurrency),
		zap.Bool("force", req.Force),
	)

	var mu sync.Mutex
	record := func(o Outcome) {
		mu.Lock()
		sum.Outcomes = append(sum.Outcomes, o)
		mu.Unlock()
	}

	jobs := make(chan job, s.opts.Lookahead)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for _, j := range resumes {
			select {
			case jobs <- j:
			case <-gctx.Done():
				return nil
			}
		}
		for _, e := range entities {
			select {
			case jobs <- job{entity: e}:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for range s.opts.Concurrency {
		g.Go(func() error {
			for j := range jobs {
				o, err := s.processEntity(gctx, runID, req, j)
				if err != nil {
					return err
				}
				record(o)
			}
			return nil
		})
	}

	err = g.Wait()
	sum.Finished = time.Now().UTC()

	log.Info("scheduler: run complete",
		zap.Int("extracted", sum.Count(model.StateExtracted)),
		zap.Int("failed", sum.Count(model.StateFailed)),
		zap.Int("skipped", sum.Skipped()),
		zap.Duration("elapsed", sum.Finished.Sub(sum.Started)),
	)

	if err != nil {
		return sum, err
	}
	if ctx.Err() != nil {
		return sum, eris.Wrap(ctx.Err(), "scheduler: run cancelled")
	}
	return sum, nil
}

// isFatal reports errors that must stop the run instead of failing one
// entity.
func isFatal(err error) bool {
	return errors.Is(err, store.ErrIllegalTransition)
}
