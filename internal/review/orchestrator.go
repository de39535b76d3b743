// Package review hands extracted records to human reviewers one at a time
// and applies their decisions.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/store"
)

// ErrValidationTimeout indicates the reviewer's claim expired before the
// decision arrived. The record has gone back to the queue.
var ErrValidationTimeout = errors.New("review: claim expired before decision")

// Store is the part of the record store the orchestrator uses.
type Store interface {
	GetEntity(ctx context.Context, entityID string) (*model.Entity, error)
	GetExtraction(ctx context.Context, id int64) (*model.Extraction, error)
	ListExtractedOffices(ctx context.Context, extractionID int64) ([]model.ExtractedOffice, error)
	ListValidatedOffices(ctx context.Context, entityID string) ([]model.ValidatedOffice, error)
	Events(ctx context.Context, extractionID int64) ([]model.ProvenanceEvent, error)
	CountByState(ctx context.Context) ([]store.StateCount, error)
	ClaimNext(ctx context.Context, holder string, ttl time.Duration) (*model.Extraction, error)
	Release(ctx context.Context, id int64, token string) error
	ReleaseExpired(ctx context.Context, now time.Time) ([]int64, error)
	Decide(ctx context.Context, in store.DecisionInput) (*store.DecisionResult, error)
}

// Artifacts reads and writes review artifacts.
type Artifacts interface {
	Put(ctx context.Context, extractionID int64, kind model.ArtifactKind, data []byte, contentType string) (model.ArtifactRef, error)
	Get(ctx context.Context, ref model.ArtifactRef) ([]byte, *model.Artifact, error)
	List(ctx context.Context, extractionID int64) ([]model.Artifact, error)
}

// Claim is a record checked out to one reviewer. Prior holds the entity's
// already validated offices so the reviewer can confirm them by office_id
// instead of creating duplicates.
type Claim struct {
	Extraction *model.Extraction       `json:"extraction"`
	Entity     *model.Entity           `json:"entity"`
	Candidates []model.ExtractedOffice `json:"candidates"`
	Prior      []model.ValidatedOffice `json:"prior_offices"`
	Token      string                  `json:"token"`
	ExpiresAt  time.Time               `json:"expires_at"`
}

// Detail is everything recorded about one extraction.
type Detail struct {
	Extraction *model.Extraction       `json:"extraction"`
	Candidates []model.ExtractedOffice `json:"candidates"`
	Events     []model.ProvenanceEvent `json:"events"`
	Artifacts  []model.Artifact        `json:"artifacts"`
	Validated  []model.ValidatedOffice `json:"validated_offices,omitempty"`
}

// Orchestrator runs the claim and decide protocol.
type Orchestrator struct {
	store     Store
	artifacts Artifacts
	ttl       time.Duration
	now       func() time.Time
}

// New creates an Orchestrator whose claims last ttl.
func New(st Store, arts Artifacts, ttl time.Duration) *Orchestrator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Orchestrator{store: st, artifacts: arts, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// ClaimNext checks out the next record for holder. It returns nil when the
// queue is empty.
func (o *Orchestrator) ClaimNext(ctx context.Context, holder string) (*Claim, error) {
	if holder == "" {
		holder = "anonymous"
	}
	ext, err := o.store.ClaimNext(ctx, holder, o.ttl)
	if err != nil {
		return nil, eris.Wrap(err, "review: claim next")
	}
	if ext == nil {
		return nil, nil
	}

	claim := &Claim{Extraction: ext, Token: ext.ClaimToken}
	if ext.ClaimExpiresAt != nil {
		claim.ExpiresAt = *ext.ClaimExpiresAt
	}
	if claim.Entity, err = o.store.GetEntity(ctx, ext.EntityID); err != nil {
		return nil, eris.Wrapf(err, "review: entity of %d", ext.ID)
	}
	if claim.Candidates, err = o.store.ListExtractedOffices(ctx, ext.ID); err != nil {
		return nil, eris.Wrapf(err, "review: candidates of %d", ext.ID)
	}
	if claim.Prior, err = o.store.ListValidatedOffices(ctx, ext.EntityID); err != nil {
		return nil, eris.Wrapf(err, "review: prior offices of %s", ext.EntityID)
	}

	zap.L().Info("review: claimed extraction",
		zap.Int64("extraction_id", ext.ID),
		zap.String("entity_id", ext.EntityID),
		zap.String("holder", holder),
		zap.Time("expires_at", claim.ExpiresAt),
	)
	return claim, nil
}

// Release gives a claim back without deciding.
func (o *Orchestrator) Release(ctx context.Context, id int64, token string) error {
	if err := o.store.Release(ctx, id, token); err != nil {
		return eris.Wrapf(err, "review: release %d", id)
	}
	zap.L().Info("review: released claim", zap.Int64("extraction_id", id))
	return nil
}

// ReleaseExpired returns every timed-out claim to the queue.
func (o *Orchestrator) ReleaseExpired(ctx context.Context) ([]int64, error) {
	ids, err := o.store.ReleaseExpired(ctx, o.now())
	if err != nil {
		return nil, eris.Wrap(err, "review: release expired")
	}
	for _, id := range ids {
		zap.L().Warn("review: claim timed out", zap.Int64("extraction_id", id))
	}
	return ids, nil
}

// Sweep calls ReleaseExpired every interval until ctx is done.
func (o *Orchestrator) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ReleaseExpired(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("review: sweep failed", zap.Error(err))
			}
		}
	}
}

// Decide applies a verdict and records it as a validation_result artifact.
func (o *Orchestrator) Decide(ctx context.Context, in store.DecisionInput) (*store.DecisionResult, error) {
	ext, err := o.store.GetExtraction(ctx, in.ExtractionID)
	if err != nil {
		return nil, eris.Wrapf(err, "review: decide %d", in.ExtractionID)
	}
	if ext.State == model.StateValidating && ext.ClaimToken == in.Token && in.Token != "" &&
		ext.ClaimExpiresAt != nil && !ext.ClaimExpiresAt.After(o.now()) {
		return nil, eris.Wrapf(ErrValidationTimeout, "extraction %d", ext.ID)
	}

	res, err := o.store.Decide(ctx, in)
	if err != nil {
		return nil, eris.Wrapf(err, "review: decide %d", in.ExtractionID)
	}

	record, err := json.MarshalIndent(map[string]any{
		"extraction_id": in.ExtractionID,
		"decision":      in.Decision,
		"reason":        in.Reason,
		"holder":        ext.ClaimHolder,
		"submitted":     in.Offices,
		"original":      res.Original,
		"final":         res.Offices,
		"decided_at":    o.now(),
	}, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "review: encode validation result")
	}
	if _, err := o.artifacts.Put(ctx, in.ExtractionID, model.ArtifactValidationResult, record, "application/json"); err != nil {
		// The decision is already committed.
		zap.L().Error("review: store validation result", zap.Int64("extraction_id", in.ExtractionID), zap.Error(err))
	}

	zap.L().Info("review: decision applied",
		zap.Int64("extraction_id", in.ExtractionID),
		zap.String("entity_id", ext.EntityID),
		zap.String("decision", string(in.Decision)),
		zap.Int("offices", len(res.Offices)),
	)
	return res, nil
}

// Detail loads one extraction with its candidates, provenance and
// artifacts.
func (o *Orchestrator) Detail(ctx context.Context, id int64) (*Detail, error) {
	ext, err := o.store.GetExtraction(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "review: detail %d", id)
	}
	d := &Detail{Extraction: ext}
	if d.Candidates, err = o.store.ListExtractedOffices(ctx, id); err != nil {
		return nil, eris.Wrapf(err, "review: candidates of %d", id)
	}
	if d.Events, err = o.store.Events(ctx, id); err != nil {
		return nil, eris.Wrapf(err, "review: events of %d", id)
	}
	if d.Artifacts, err = o.artifacts.List(ctx, id); err != nil {
		return nil, eris.Wrapf(err, "review: artifacts of %d", id)
	}
	all, err := o.store.ListValidatedOffices(ctx, ext.EntityID)
	if err != nil {
		return nil, eris.Wrapf(err, "review: validated offices of %s", ext.EntityID)
	}
	for _, vo := range all {
		if vo.SourceExtractionID != nil && *vo.SourceExtractionID == id {
			d.Validated = append(d.Validated, vo)
		}
	}
	return d, nil
}

// Queue returns extraction counts by state.
func (o *Orchestrator) Queue(ctx context.Context) ([]store.StateCount, error) {
	counts, err := o.store.CountByState(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "review: queue counts")
	}
	return counts, nil
}

// Artifact returns the bytes of an artifact version. A zero version selects
// the current one.
func (o *Orchestrator) Artifact(ctx context.Context, id int64, kind model.ArtifactKind, version int) ([]byte, *model.Artifact, error) {
	data, meta, err := o.artifacts.Get(ctx, model.ArtifactRef{ExtractionID: id, Kind: kind, Version: version})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "review: artifact %d/%s", id, kind)
	}
	return data, meta, nil
}
