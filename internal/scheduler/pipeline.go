package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/extract"
	"github.com/sells-group/district-offices/internal/fetcher"
	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/store"
)

// result is how one attempt ended. A nil err means the extraction reached
// extracted.
type result struct {
	offices   int
	kind      model.ErrorKind
	err       error
	retryable bool
	// fatal aborts the whole run.
	fatal error
}

func failure(kind model.ErrorKind, err error, retryable bool) result {
	if isFatal(err) {
		return result{fatal: err}
	}
	return result{kind: kind, err: err, retryable: retryable}
}

// processEntity runs attempts for one entity until one succeeds, the
// fallback URLs are used up, or the attempt ceiling is reached.
func (s *Scheduler) processEntity(ctx context.Context, runID string, req Request, j job) (Outcome, error) {
	e := j.entity
	out := Outcome{EntityID: e.ID}
	log := zap.L().With(zap.String("run_id", runID), zap.String("entity_id", e.ID))

	urls := candidateURLs(e.SourceURL(), s.opts.FallbackPaths, s.opts.MaxFallbacks)
	start := 0
	retryCount := 0
	resume := j.resume
	if resume != nil {
		out.Resumed = true
		retryCount = resume.RetryCount
		start = -1
		for i, u := range urls {
			if normalizeURL(u) == normalizeURL(resume.SourceURL) {
				start = i
				break
			}
		}
		if start < 0 {
			urls = append([]string{resume.SourceURL}, urls...)
			start = 0
		}
	}

	failures := 0
	for i := start; i < len(urls); i++ {
		u := urls[i]
		last := i == len(urls)-1

		for {
			var (
				ext *model.Extraction
				res result
			)
			if resume != nil {
				ext, resume = resume, nil
				log.Info("scheduler: resuming recovered extraction",
					zap.Int64("extraction_id", ext.ID), zap.String("state", string(ext.State)))
				res = s.resumeAttempt(ctx, ext)
			} else {
				created, err := s.store.CreateExtraction(ctx, e.ID, u, store.CreateOptions{
					Priority:   req.Priority,
					RunID:      runID,
					RetryCount: retryCount,
					Force:      req.Force,
				})
				switch {
				case err == nil:
					ext = created
				case ctx.Err() != nil:
					out.ErrorKind = model.ErrorKindCancelled
					return out, nil
				case errors.Is(err, store.ErrActiveExtraction):
					// Another worker or run created an extraction after the
					// eligibility query ran, or while this one was backing off.
					log.Info("scheduler: entity taken by another worker, skipping",
						zap.Int("attempts", out.Attempts), zap.Error(err))
					out.Skipped = true
					out.HandedOff = out.Attempts > 0
					return out, nil
				case isFatal(err):
					return out, eris.Wrapf(err, "scheduler: create extraction for %s", e.ID)
				default:
					log.Error("scheduler: create extraction failed", zap.Int("attempts", out.Attempts), zap.Error(err))
					out.State = model.StateFailed
					out.ErrorKind = model.ErrorKindInternal
					return out, nil
				}
				res = s.attempt(ctx, ext, u)
			}

			retryCount++
			out.Attempts++
			out.ExtractionID = ext.ID
			out.SourceURL = ext.SourceURL

			if res.fatal != nil {
				return out, eris.Wrapf(res.fatal, "scheduler: extraction %d", ext.ID)
			}
			elog := log.With(zap.Int64("extraction_id", ext.ID), zap.String("url", ext.SourceURL), zap.Int("attempt", out.Attempts))

			if res.err == nil {
				out.State = model.StateExtracted
				out.Offices = res.offices
				out.ErrorKind = model.ErrorKindNone
				elog.Info("scheduler: extracted offices", zap.Int("offices", res.offices))
				return out, nil
			}

			out.State = model.StateFailed

			if ctx.Err() != nil {
				out.ErrorKind = model.ErrorKindCancelled
				elog.Warn("scheduler: attempt cancelled", zap.Error(res.err))
				return out, s.fail(ctx, ext.ID, model.ErrorKindCancelled, res.err, false)
			}

			if res.kind == model.ErrorKindNoOffices {
				out.ErrorKind = res.kind
				out.Exhausted = last
				elog.Info("scheduler: no offices at url", zap.Bool("last_url", last))
				if err := s.fail(ctx, ext.ID, res.kind, res.err, last); err != nil {
					return out, err
				}
				break
			}

			failures++
			exhausted := !res.retryable || failures >= s.opts.MaxAttempts
			out.ErrorKind = res.kind
			out.Exhausted = exhausted
			elog.Warn("scheduler: attempt failed",
				zap.String("error_kind", string(res.kind)),
				zap.Int("failures", failures),
				zap.Bool("exhausted", exhausted),
				zap.Error(res.err),
			)
			if err := s.fail(ctx, ext.ID, res.kind, res.err, exhausted); err != nil {
				return out, err
			}
			if exhausted {
				return out, nil
			}

			delay := s.opts.Backoff.Delay(failures - 1)
			if _, err := s.store.AppendEvent(ctx, ext.ID, model.StepRetry, model.OutcomeOK, map[string]any{
				"attempt":  out.Attempts + 1,
				"delay_ms": delay.Milliseconds(),
				"url":      u,
			}); err != nil && ctx.Err() == nil {
				return out, eris.Wrapf(err, "scheduler: log retry for %d", ext.ID)
			}
			if err := sleep(ctx, delay); err != nil {
				return out, nil
			}
		}
	}
	return out, nil
}

// attempt runs fetch, artifact persistence and extraction for one freshly
// created extraction. The raw document is stored before the move to
// extracting so an interrupted attempt can resume without re-fetching.
func (s *Scheduler) attempt(ctx context.Context, ext *model.Extraction, url string) result {
	if _, err := s.store.Transition(ctx, ext.ID, model.StateFetching, store.TransitionOptions{
		Detail: map[string]any{"url": url},
	}); err != nil {
		return failure(model.ErrorKindInternal, err, true)
	}

	doc, err := s.fetch.Fetch(ctx, url)
	if err != nil {
		return fetchFailure(err)
	}

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	if err := s.putArtifact(ctx, ext.ID, model.ArtifactRawHTML, doc.Body, contentType); err != nil {
		return failure(model.ErrorKindInternal, err, true)
	}

	if _, err := s.store.Transition(ctx, ext.ID, model.StateExtracting, store.TransitionOptions{
		FinalURL: doc.FinalURL,
		Detail: map[string]any{
			"status_code": doc.StatusCode,
			"bytes":       len(doc.Body),
			"block":       string(doc.Block),
			"truncated":   doc.Truncated,
		},
	}); err != nil {
		return failure(model.ErrorKindInternal, err, true)
	}

	return s.extractDocument(ctx, ext.ID, doc.Body)
}

// resumeAttempt continues a recovered extraction from its stored raw
// document.
func (s *Scheduler) resumeAttempt(ctx context.Context, ext *model.Extraction) result {
	raw, _, err := s.artifacts.Current(ctx, ext.ID, model.ArtifactRawHTML)
	if err != nil {
		return failure(model.ErrorKindInternal, eris.Wrap(err, "load raw document"), true)
	}
	if ext.State == model.StateFetching {
		if _, err := s.store.Transition(ctx, ext.ID, model.StateExtracting, store.TransitionOptions{
			FinalURL: ext.FinalURL,
			Detail:   map[string]any{"resumed": true, "bytes": len(raw)},
		}); err != nil {
			return failure(model.ErrorKindInternal, err, true)
		}
	}
	return s.extractDocument(ctx, ext.ID, raw)
}

// extractDocument cleans the raw document, calls the extractor and stores
// the candidates. The extraction must be in extracting.
func (s *Scheduler) extractDocument(ctx context.Context, id int64, raw []byte) result {
	cleaned := extract.Clean(raw, s.opts.MaxDocumentChars)
	if cleaned != "" {
		if err := s.putArtifact(ctx, id, model.ArtifactCleanedHTML, []byte(cleaned), "text/plain; charset=utf-8"); err != nil {
			return failure(model.ErrorKindInternal, err, true)
		}
	}

	res, err := s.extract.Extract(ctx, cleaned)
	if err != nil {
		ee, ok := extract.AsExtractError(err)
		if !ok {
			return failure(model.ErrorKindInternal, err, true)
		}
		if ee.Response != "" {
			if perr := s.putArtifact(ctx, id, model.ArtifactLLMResponse, []byte(ee.Response), "text/plain; charset=utf-8"); perr != nil {
				zap.L().Warn("scheduler: store malformed response", zap.Int64("extraction_id", id), zap.Error(perr))
			}
		}
		return failure(ee.Kind, err, ee.Retryable())
	}

	if res.Response != "" {
		if err := s.putArtifact(ctx, id, model.ArtifactLLMResponse, []byte(res.Response), "text/plain; charset=utf-8"); err != nil {
			return failure(model.ErrorKindInternal, err, true)
		}
	}

	if len(res.Candidates) == 0 {
		return result{kind: model.ErrorKindNoOffices, err: eris.New("no offices found in document")}
	}

	if _, err := s.store.CompleteExtraction(ctx, id, res.Candidates, map[string]any{
		"offices":       len(res.Candidates),
		"model":         res.Model,
		"input_tokens":  res.Usage.InputTokens,
		"output_tokens": res.Usage.OutputTokens,
		"cost_usd":      res.CostUSD,
		"duration_ms":   res.Duration.Milliseconds(),
	}); err != nil {
		return failure(model.ErrorKindInternal, err, true)
	}
	return result{offices: len(res.Candidates)}
}

func fetchFailure(err error) result {
	fe, ok := fetcher.AsFetchError(err)
	if !ok {
		return failure(model.ErrorKindInternal, err, true)
	}
	if fe.NotFound() {
		return result{kind: model.ErrorKindNoOffices, err: err}
	}
	kind := model.ErrorKindConnection
	switch fe.Kind {
	case fetcher.KindTimeout:
		kind = model.ErrorKindTimeout
	case fetcher.KindHTTPStatus:
		kind = model.ErrorKindHTTPStatus
	}
	return failure(kind, err, fe.Retryable())
}

// putArtifact stores an attempt artifact, superseding a version left by an
// interrupted run.
func (s *Scheduler) putArtifact(ctx context.Context, id int64, kind model.ArtifactKind, data []byte, contentType string) error {
	_, err := s.artifacts.Put(ctx, id, kind, data, contentType)
	if errors.Is(err, store.ErrArtifactExists) {
		_, err = s.artifacts.Supersede(ctx, id, kind, data, contentType)
	}
	if err != nil {
		return eris.Wrapf(err, "scheduler: store %s", kind)
	}
	return nil
}

// fail moves an extraction to failed. It runs even after ctx is cancelled
// so no row is left in an in-progress state.
func (s *Scheduler) fail(ctx context.Context, id int64, kind model.ErrorKind, cause error, exhausted bool) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.store.Transition(context.WithoutCancel(ctx), id, model.StateFailed, store.TransitionOptions{
		ErrorKind:    kind,
		ErrorMessage: msg,
		Exhausted:    exhausted,
	})
	if err != nil {
		return eris.Wrapf(err, "scheduler: fail extraction %d", id)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
