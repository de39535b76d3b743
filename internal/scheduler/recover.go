package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/store"
)

// recoverStale adopts in-flight extractions orphaned by an earlier run.
// Those with a stored raw document are returned as resume jobs; the rest
// are failed as abandoned so their entities become eligible again.
func (s *Scheduler) recoverStale(ctx context.Context, runID string) ([]job, int, error) {
	cutoff := time.Now().UTC().Add(-s.opts.StaleAfter)
	stale, err := s.store.ListStale(ctx, runID, cutoff)
	if err != nil {
		return nil, 0, eris.Wrap(err, "scheduler: list stale extractions")
	}

	var (
		resumes   []job
		abandoned int
	)
	for i := range stale {
		ext := stale[i]
		log := zap.L().With(
			zap.Int64("extraction_id", ext.ID),
			zap.String("entity_id", ext.EntityID),
			zap.String("state", string(ext.State)),
			zap.String("previous_run_id", ext.RunID),
		)
		previous := ext.RunID

		if err := s.store.AdoptExtraction(ctx, ext.ID, runID); err != nil {
			return nil, 0, eris.Wrapf(err, "scheduler: adopt extraction %d", ext.ID)
		}
		ext.RunID = runID

		if j, ok, err := s.resumable(ctx, &ext); err != nil {
			return nil, 0, err
		} else if ok {
			log.Info("scheduler: recovered extraction will resume")
			resumes = append(resumes, j)
			continue
		}

		if _, err := s.store.Transition(ctx, ext.ID, model.StateFailed, store.TransitionOptions{
			ErrorKind:    model.ErrorKindAbandoned,
			ErrorMessage: "abandoned by run " + previous,
		}); err != nil {
			return nil, 0, eris.Wrapf(err, "scheduler: abandon extraction %d", ext.ID)
		}
		log.Warn("scheduler: abandoned orphaned extraction")
		abandoned++
	}
	return resumes, abandoned, nil
}

// resumable reports whether ext can continue at the extract step.
func (s *Scheduler) resumable(ctx context.Context, ext *model.Extraction) (job, bool, error) {
	if ext.State != model.StateFetching && ext.State != model.StateExtracting {
		return job{}, false, nil
	}
	ok, err := s.artifacts.Exists(ctx, ext.ID, model.ArtifactRawHTML)
	if err != nil {
		return job{}, false, eris.Wrapf(err, "scheduler: check raw document of %d", ext.ID)
	}
	if !ok {
		return job{}, false, nil
	}
	entity, err := s.store.GetEntity(ctx, ext.EntityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return job{}, false, nil
		}
		return job{}, false, eris.Wrapf(err, "scheduler: get entity %s", ext.EntityID)
	}
	return job{entity: *entity, resume: ext}, true, nil
}
