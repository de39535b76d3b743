package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
)

// claimable matches extractions a review session may take: freshly
// extracted ones, and validating ones whose claim was released or expired.
const claimable = `superseded_at IS NULL AND (
	state = 'extracted'
	OR (state = 'validating' AND (claim_token IS NULL OR claim_expires_at < ?))
)`

// ClaimNext atomically assigns the highest-priority claimable extraction to
// holder. The first claim is the extracted -> validating transition; a
// re-claim of a released record only swaps the token. Returns nil when the
// queue is empty.
func (s *SQLiteStore) ClaimNext(ctx context.Context, holder string, ttl time.Duration) (*model.Extraction, error) {
	var out *model.Extraction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM extractions WHERE `+claimable+` ORDER BY priority DESC, id LIMIT 1`, now,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: select claimable")
		}

		ext, err := getExtraction(ctx, tx, id)
		if err != nil {
			return err
		}

		token := uuid.NewString()
		expires := now.Add(ttl)
		res, err := tx.ExecContext(ctx,
			`UPDATE extractions SET state = ?, claim_token = ?, claim_holder = ?, claim_expires_at = ?, updated_at = ?
			 WHERE id = ? AND `+claimable,
			string(model.StateValidating), token, holder, expires, now, id, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: claim extraction %d", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		detail := map[string]any{"holder": holder, "expires_at": expires}
		if ext.State == model.StateExtracted {
			_, err = appendEvent(ctx, tx, id, now, model.StepTransition, model.OutcomeOK,
				model.StateExtracted, model.StateValidating, detail)
		} else {
			detail["previous_holder"] = ext.ClaimHolder
			_, err = appendEvent(ctx, tx, id, now, model.StepClaimed, model.OutcomeOK, "", "", detail)
		}
		if err != nil {
			return err
		}

		out, err = getExtraction(ctx, tx, id)
		if err == nil {
			out.ClaimToken = token
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Release returns a claimed extraction to the review queue. The state stays
// validating with no holder, so the lifecycle never moves backward.
func (s *SQLiteStore) Release(ctx context.Context, id int64, token string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE extractions SET claim_token = NULL, claim_holder = NULL, claim_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND state = 'validating' AND claim_token = ?`,
			now, id, token)
		if err != nil {
			return eris.Wrapf(err, "sqlite: release extraction %d", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(ErrClaimLost, "extraction %d", id)
		}
		_, err = appendEvent(ctx, tx, id, now, model.StepClaimReleased, model.OutcomeOK, "", "",
			map[string]any{"reason": "released"})
		return err
	})
}

// ReleaseExpired clears every claim whose deadline has passed and returns
// the affected extraction ids.
func (s *SQLiteStore) ReleaseExpired(ctx context.Context, now time.Time) ([]int64, error) {
	var released []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now.UTC()
		stale, err := queryExtractions(ctx, tx,
			`SELECT `+extractionColumns+` FROM extractions
			 WHERE state = 'validating' AND claim_token IS NOT NULL AND claim_expires_at < ?`, ts)
		if err != nil {
			return err
		}
		for _, ext := range stale {
			if _, err := tx.ExecContext(ctx,
				`UPDATE extractions SET claim_token = NULL, claim_holder = NULL, claim_expires_at = NULL, updated_at = ?
				 WHERE id = ?`, ts, ext.ID); err != nil {
				return eris.Wrapf(err, "sqlite: expire claim %d", ext.ID)
			}
			if _, err := appendEvent(ctx, tx, ext.ID, ts, model.StepClaimReleased, "timeout", "", "",
				map[string]any{"reason": "validation_timeout", "holder": ext.ClaimHolder, "expired_at": ext.ClaimExpiresAt}); err != nil {
				return err
			}
			released = append(released, ext.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Decide applies a reviewer's verdict. Accept writes one validated office
// per submitted office and moves the extraction to validated; reject moves
// it to rejected and writes no offices. The original candidates and the
// final values are recorded verbatim in the transition event.
func (s *SQLiteStore) Decide(ctx context.Context, in DecisionInput) (*DecisionResult, error) {
	if !in.Decision.Valid() {
		return nil, eris.Errorf("store: invalid decision %q", in.Decision)
	}

	var result *DecisionResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		ext, err := getExtraction(ctx, tx, in.ExtractionID)
		if err != nil {
			return err
		}
		if ext.State != model.StateValidating || ext.ClaimToken == "" || ext.ClaimToken != in.Token {
			return eris.Wrapf(ErrClaimLost, "extraction %d is %s", ext.ID, ext.State)
		}

		original, err := listExtractedOffices(ctx, tx, ext.ID)
		if err != nil {
			return err
		}
		result = &DecisionResult{Original: original}

		var (
			to     model.State
			detail map[string]any
		)
		switch in.Decision {
		case model.DecisionAccept:
			var accepted []model.EditedOffice
			for _, o := range in.Offices {
				if !o.OfficeFields.Empty() {
					accepted = append(accepted, o)
				}
			}
			if len(accepted) == 0 {
				return eris.Wrapf(ErrNoAcceptedOffices, "extraction %d", ext.ID)
			}
			for _, o := range accepted {
				vo, err := upsertValidatedOffice(ctx, tx, now, ext, o)
				if err != nil {
					return err
				}
				result.Offices = append(result.Offices, *vo)
			}
			to = model.StateValidated
			detail = map[string]any{
				"decision": in.Decision,
				"holder":   ext.ClaimHolder,
				"original": original,
				"final":    result.Offices,
			}
		case model.DecisionReject:
			to = model.StateRejected
			detail = map[string]any{
				"decision": in.Decision,
				"holder":   ext.ClaimHolder,
				"reason":   in.Reason,
				"original": original,
			}
		}

		result.Extraction, err = transition(ctx, tx, now, ext.ID, to, TransitionOptions{Detail: detail})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func upsertValidatedOffice(ctx context.Context, tx *sql.Tx, now time.Time, ext *model.Extraction, o model.EditedOffice) (*model.ValidatedOffice, error) {
	f := o.OfficeFields
	if o.OfficeID != "" {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT entity_id FROM validated_offices WHERE office_id = ?`, o.OfficeID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != ext.EntityID) {
			return nil, eris.Wrapf(ErrUnknownOffice, "office %s for entity %s", o.OfficeID, ext.EntityID)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: look up office %s", o.OfficeID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE validated_offices SET source_extraction_id = ?, office_type = ?, building = ?, address = ?, suite = ?,
				city = ?, state = ?, zip = ?, phone = ?, fax = ?, hours = ?,
				revision = revision + 1, synced_to_upstream = 0, synced_at = NULL, validated_at = ?, updated_at = ?
			 WHERE office_id = ?`,
			ext.ID, f.OfficeType, f.Building, f.Address, f.Suite, f.City, f.State, f.Zip, f.Phone, f.Fax, f.Hours,
			now, now, o.OfficeID)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: revalidate office %s", o.OfficeID)
		}
		return getValidatedOffice(ctx, tx, o.OfficeID)
	}

	id := uuid.NewString()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO validated_offices (office_id, entity_id, source_extraction_id, office_type, building, address, suite,
			city, state, zip, phone, fax, hours, synced_to_upstream, validated_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id, ext.EntityID, ext.ID, f.OfficeType, f.Building, f.Address, f.Suite, f.City, f.State, f.Zip, f.Phone, f.Fax, f.Hours,
		now, now)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert validated office for %d", ext.ID)
	}
	return getValidatedOffice(ctx, tx, id)
}
