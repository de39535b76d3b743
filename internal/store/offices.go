package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
)

const officeColumns = `office_id, entity_id, source_extraction_id, office_type, building, address, suite,
	city, state, zip, phone, fax, hours, revision, synced_to_upstream, synced_at, validated_at, updated_at`

// ListValidatedOffices returns validated offices, optionally for one entity.
func (s *SQLiteStore) ListValidatedOffices(ctx context.Context, entityID string) ([]model.ValidatedOffice, error) {
	query := `SELECT ` + officeColumns + ` FROM validated_offices`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY entity_id, validated_at, office_id`
	return queryOffices(ctx, s.db, query, args...)
}

// ListUnsyncedOffices returns offices not yet written upstream, oldest
// validation first.
func (s *SQLiteStore) ListUnsyncedOffices(ctx context.Context, limit int) ([]model.ValidatedOffice, error) {
	query := `SELECT ` + officeColumns + ` FROM validated_offices WHERE synced_to_upstream = 0 ORDER BY validated_at, office_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryOffices(ctx, s.db, query, args...)
}

// MarkOfficeSynced flags an exported office as synced, logs the export on
// its source extraction, and moves that extraction to exported once none of
// its offices remain unsynced. The update only applies if the office was not
// re-validated since it was read; false means it changed and stays pending.
func (s *SQLiteStore) MarkOfficeSynced(ctx context.Context, office model.ValidatedOffice, at time.Time) (bool, error) {
	marked := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`UPDATE validated_offices SET synced_to_upstream = 1, synced_at = ?
			 WHERE office_id = ? AND synced_to_upstream = 0 AND revision = ?`,
			at.UTC(), office.OfficeID, office.Revision)
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark office synced %s", office.OfficeID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		marked = true

		if office.SourceExtractionID == nil {
			return nil
		}
		extID := *office.SourceExtractionID
		if _, err := appendEvent(ctx, tx, extID, now, model.StepExported, model.OutcomeOK, "", "",
			map[string]any{"office_id": office.OfficeID, "synced_at": at.UTC()}); err != nil {
			return err
		}
		return finalizeIfSynced(ctx, tx, now, extID)
	})
	return marked, err
}

// RecordExportFailure logs a failed upstream write on the office's source
// extraction. The office stays unsynced for the next export.
func (s *SQLiteStore) RecordExportFailure(ctx context.Context, office model.ValidatedOffice, cause error) error {
	if office.SourceExtractionID == nil {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.AppendEvent(ctx, *office.SourceExtractionID, model.StepExportFailed, model.OutcomeFailed,
		map[string]any{"office_id": office.OfficeID, "error": msg})
	return err
}

// FinalizeExported moves every validated extraction with no unsynced offices
// to exported. This covers extractions whose offices were all re-validated
// by a later extraction.
func (s *SQLiteStore) FinalizeExported(ctx context.Context) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		rows, err := tx.QueryContext(ctx,
			`SELECT x.id FROM extractions x
			 WHERE x.state = 'validated' AND NOT EXISTS (
				SELECT 1 FROM validated_offices v
				WHERE v.source_extraction_id = x.id AND v.synced_to_upstream = 0)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: select exportable extractions")
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close() //nolint:errcheck
				return eris.Wrap(err, "sqlite: scan exportable extraction")
			}
			ids = append(ids, id)
		}
		rows.Close() //nolint:errcheck
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "sqlite: iterate exportable extractions")
		}

		for _, id := range ids {
			if _, err := transition(ctx, tx, now, id, model.StateExported, TransitionOptions{
				Detail: map[string]any{"reason": "all offices synced"},
			}); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func finalizeIfSynced(ctx context.Context, tx *sql.Tx, now time.Time, extID int64) error {
	ext, err := getExtraction(ctx, tx, extID)
	if err != nil {
		return err
	}
	if ext.State != model.StateValidated {
		return nil
	}
	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM validated_offices WHERE source_extraction_id = ? AND synced_to_upstream = 0`, extID,
	).Scan(&pending); err != nil {
		return eris.Wrapf(err, "sqlite: count unsynced offices for %d", extID)
	}
	if pending > 0 {
		return nil
	}
	_, err = transition(ctx, tx, now, extID, model.StateExported, TransitionOptions{
		Detail: map[string]any{"reason": "all offices synced"},
	})
	return err
}

func getValidatedOffice(ctx context.Context, q queryer, officeID string) (*model.ValidatedOffice, error) {
	offices, err := queryOffices(ctx, q, `SELECT `+officeColumns+` FROM validated_offices WHERE office_id = ?`, officeID)
	if err != nil {
		return nil, err
	}
	if len(offices) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "office %s", officeID)
	}
	return &offices[0], nil
}

func queryOffices(ctx context.Context, q queryer, query string, args ...any) ([]model.ValidatedOffice, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query validated offices")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ValidatedOffice
	for rows.Next() {
		o, err := scanOffice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate validated offices")
}

func scanOffice(row scannable) (*model.ValidatedOffice, error) {
	var (
		o        model.ValidatedOffice
		source   sql.NullInt64
		synced   int
		syncedAt sql.NullTime
	)
	err := row.Scan(&o.OfficeID, &o.EntityID, &source, &o.OfficeType, &o.Building, &o.Address, &o.Suite,
		&o.City, &o.State, &o.Zip, &o.Phone, &o.Fax, &o.Hours, &o.Revision, &synced, &syncedAt, &o.ValidatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan validated office")
	}
	if source.Valid {
		o.SourceExtractionID = &source.Int64
	}
	o.SyncedToUpstream = synced != 0
	if syncedAt.Valid {
		t := syncedAt.Time
		o.SyncedAt = &t
	}
	return &o, nil
}
