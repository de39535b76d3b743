package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
)

const extractionColumns = `id, entity_id, source_url, final_url, state, priority, retry_count,
	error_kind, error_message, exhausted, run_id, superseded_by,
	claim_token, claim_holder, claim_expires_at, created_at, updated_at`

// CreateExtraction starts a new extraction in state pending. All earlier
// current extractions of the entity are superseded, so the newest row is the
// one eligibility queries see. An in-flight extraction always blocks
// creation; an extracted or validated one blocks it unless opts.Force is set.
func (s *SQLiteStore) CreateExtraction(ctx context.Context, entityID, sourceURL string, opts CreateOptions) (*model.Extraction, error) {
	var created *model.Extraction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		prior, err := queryExtractions(ctx, tx,
			`SELECT `+extractionColumns+` FROM extractions WHERE entity_id = ? AND superseded_at IS NULL`, entityID)
		if err != nil {
			return err
		}
		for _, p := range prior {
			if p.State.InFlight() || (p.Active() && !opts.Force) {
				return eris.Wrapf(ErrActiveExtraction, "entity %s has extraction %d in %s", entityID, p.ID, p.State)
			}
		}
		for _, p := range prior {
			if _, err := tx.ExecContext(ctx,
				`UPDATE extractions SET superseded_at = ?, updated_at = ? WHERE id = ?`, now, now, p.ID); err != nil {
				return eris.Wrapf(err, "sqlite: supersede extraction %d", p.ID)
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO extractions (entity_id, source_url, state, priority, retry_count, run_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entityID, sourceURL, string(model.StatePending), opts.Priority, opts.RetryCount, opts.RunID, now, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return eris.Wrapf(ErrActiveExtraction, "entity %s", entityID)
			}
			return eris.Wrapf(err, "sqlite: insert extraction for %s", entityID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return eris.Wrap(err, "sqlite: extraction id")
		}

		for _, p := range prior {
			if _, err := tx.ExecContext(ctx,
				`UPDATE extractions SET superseded_by = ? WHERE id = ?`, id, p.ID); err != nil {
				return eris.Wrapf(err, "sqlite: link superseded extraction %d", p.ID)
			}
			if _, err := appendEvent(ctx, tx, p.ID, now, model.StepSuperseded, model.OutcomeOK, "", "",
				map[string]any{"superseded_by": id, "state": p.State, "forced": opts.Force}); err != nil {
				return err
			}
		}

		if _, err := appendEvent(ctx, tx, id, now, model.StepCreated, model.OutcomeOK, "", model.StatePending,
			map[string]any{"entity_id": entityID, "source_url": sourceURL, "run_id": opts.RunID, "retry_count": opts.RetryCount}); err != nil {
			return err
		}

		created, err = getExtraction(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetExtraction returns one extraction.
func (s *SQLiteStore) GetExtraction(ctx context.Context, id int64) (*model.Extraction, error) {
	return getExtraction(ctx, s.db, id)
}

// ListExtractions returns extractions matching the filter, newest first.
func (s *SQLiteStore) ListExtractions(ctx context.Context, filter ExtractionFilter) ([]model.Extraction, error) {
	var (
		where []string
		args  []any
	)
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if filter.CurrentOnly {
		where = append(where, "superseded_at IS NULL")
	}

	query := `SELECT ` + extractionColumns + ` FROM extractions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}
	return queryExtractions(ctx, s.db, query, args...)
}

// Transition moves an extraction to a new state and appends exactly one
// provenance event in the same transaction. Re-exporting an exported
// extraction is a no-op.
func (s *SQLiteStore) Transition(ctx context.Context, id int64, to model.State, opts TransitionOptions) (*model.Extraction, error) {
	var out *model.Extraction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = transition(ctx, tx, s.now(), id, to, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteExtraction stores the candidate offices and moves the extraction
// from extracting to extracted atomically.
func (s *SQLiteStore) CompleteExtraction(ctx context.Context, id int64, candidates []model.OfficeCandidate, detail any) (*model.Extraction, error) {
	var out *model.Extraction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		for i, c := range candidates {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO extracted_offices (extraction_id, seq, office_type, building, address, suite, city, state, zip, phone, fax, hours, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, i+1, optValue(c.OfficeType), optValue(c.Building), optValue(c.Address), optValue(c.Suite),
				optValue(c.City), optValue(c.State), optValue(c.Zip), optValue(c.Phone), optValue(c.Fax),
				optValue(c.Hours), now,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert extracted office %d/%d", id, i+1)
			}
		}
		var err error
		out, err = transition(ctx, tx, now, id, model.StateExtracted, TransitionOptions{Detail: detail})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListExtractedOffices returns the candidates of one extraction in order.
func (s *SQLiteStore) ListExtractedOffices(ctx context.Context, extractionID int64) ([]model.ExtractedOffice, error) {
	return listExtractedOffices(ctx, s.db, extractionID)
}

// AdoptExtraction hands an orphaned extraction to the current run.
func (s *SQLiteStore) AdoptExtraction(ctx context.Context, id int64, runID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		ext, err := getExtraction(ctx, tx, id)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE extractions SET run_id = ?, updated_at = ? WHERE id = ?`, runID, now, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: adopt extraction %d", id)
		}
		if err := checkRowsAffected(res, "extraction", id); err != nil {
			return err
		}
		_, err = appendEvent(ctx, tx, id, now, model.StepRecovered, model.OutcomeOK, "", "",
			map[string]any{"previous_run_id": ext.RunID, "run_id": runID, "state": ext.State})
		return err
	})
}

// ListStale returns current in-flight extractions left behind by another
// run that have not moved since olderThan.
func (s *SQLiteStore) ListStale(ctx context.Context, runID string, olderThan time.Time) ([]model.Extraction, error) {
	return queryExtractions(ctx, s.db,
		`SELECT `+extractionColumns+` FROM extractions
		 WHERE superseded_at IS NULL AND state IN ('pending', 'fetching', 'extracting')
		   AND run_id != ? AND updated_at < ?
		 ORDER BY id`,
		runID, olderThan.UTC(),
	)
}

// CountByState tallies current extractions per state.
func (s *SQLiteStore) CountByState(ctx context.Context) ([]StateCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM extractions WHERE superseded_at IS NULL GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by state")
	}
	defer rows.Close() //nolint:errcheck

	counts := map[model.State]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan state count")
		}
		counts[model.State(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate state counts")
	}
	out := make([]StateCount, 0, len(model.AllStates))
	for _, st := range model.AllStates {
		out = append(out, StateCount{State: st, Count: counts[st]})
	}
	return out, nil
}

// ActiveViolations returns entities with more than one active extraction.
// The unique index makes this empty unless the schema was bypassed.
func (s *SQLiteStore) ActiveViolations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id FROM extractions
		 WHERE superseded_at IS NULL AND state NOT IN ('rejected', 'exported', 'failed')
		 GROUP BY entity_id HAVING COUNT(*) > 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active violations")
	}
	defer rows.Close() //nolint:errcheck
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan violation")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate violations")
}

// Purge deletes the candidate offices and artifacts of a terminal or
// superseded extraction. The extraction row, its provenance, and any
// validated offices it produced are kept. Returns blob keys the caller must
// delete from external storage.
func (s *SQLiteStore) Purge(ctx context.Context, id int64) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		ext, err := getExtraction(ctx, tx, id)
		if err != nil {
			return err
		}
		if ext.Active() {
			return eris.Wrapf(ErrNotPurgeable, "extraction %d is %s", id, ext.State)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT blob_key FROM artifacts WHERE extraction_id = ? AND blob_key IS NOT NULL`, id)
		if err != nil {
			return eris.Wrap(err, "sqlite: list artifact blobs")
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close() //nolint:errcheck
				return eris.Wrap(err, "sqlite: scan blob key")
			}
			keys = append(keys, k)
		}
		rows.Close() //nolint:errcheck

		artRes, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE extraction_id = ?`, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: purge artifacts %d", id)
		}
		offRes, err := tx.ExecContext(ctx, `DELETE FROM extracted_offices WHERE extraction_id = ?`, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: purge offices %d", id)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE extractions SET purged_at = ?, updated_at = ? WHERE id = ?`, now, now, id); err != nil {
			return eris.Wrapf(err, "sqlite: mark purged %d", id)
		}
		nArt, _ := artRes.RowsAffected()
		nOff, _ := offRes.RowsAffected()
		_, err = appendEvent(ctx, tx, id, now, model.StepPurged, model.OutcomeOK, "", "",
			map[string]any{"artifacts": nArt, "offices": nOff, "blob_keys": keys})
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func transition(ctx context.Context, tx *sql.Tx, now time.Time, id int64, to model.State, opts TransitionOptions) (*model.Extraction, error) {
	ext, err := getExtraction(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	from := ext.State
	if from == model.StateExported && to == model.StateExported {
		return ext, nil
	}
	if !model.CanTransition(from, to) {
		return nil, eris.Wrapf(ErrIllegalTransition, "extraction %d: %s -> %s", id, from, to)
	}

	set := []string{"state = ?", "updated_at = ?"}
	args := []any{string(to), now}
	if to == model.StateFailed {
		set = append(set, "retry_count = retry_count + 1", "error_kind = ?", "error_message = ?", "exhausted = ?")
		args = append(args, string(opts.ErrorKind), opts.ErrorMessage, boolInt(opts.Exhausted))
	}
	if opts.FinalURL != "" {
		set = append(set, "final_url = ?")
		args = append(args, opts.FinalURL)
	}
	if from == model.StateValidating {
		set = append(set, "claim_token = NULL", "claim_holder = NULL", "claim_expires_at = NULL")
	}
	args = append(args, id, string(from))

	// The state guard makes the update conditional on what was read.
	res, err := tx.ExecContext(ctx,
		`UPDATE extractions SET `+strings.Join(set, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: transition extraction %d", id)
	}
	if err := checkRowsAffected(res, "extraction", id); err != nil {
		return nil, err
	}

	outcome := model.OutcomeOK
	if to == model.StateFailed {
		outcome = model.OutcomeFailed
	}
	detail := opts.Detail
	if to == model.StateFailed {
		detail = map[string]any{
			"error_kind":    opts.ErrorKind,
			"error_message": opts.ErrorMessage,
			"exhausted":     opts.Exhausted,
			"detail":        opts.Detail,
		}
	}
	if _, err := appendEvent(ctx, tx, id, now, model.StepTransition, outcome, from, to, detail); err != nil {
		return nil, err
	}
	return getExtraction(ctx, tx, id)
}

func getExtraction(ctx context.Context, q queryer, id int64) (*model.Extraction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+extractionColumns+` FROM extractions WHERE id = ?`, id)
	ext, err := scanExtraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "extraction %d", id)
	}
	return ext, err
}

func queryExtractions(ctx context.Context, q queryer, query string, args ...any) ([]model.Extraction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query extractions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Extraction
	for rows.Next() {
		ext, err := scanExtraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ext)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate extractions")
}

func scanExtraction(row scannable) (*model.Extraction, error) {
	var (
		e            model.Extraction
		state, kind  string
		errMsg       sql.NullString
		exhausted    int
		supersededBy sql.NullInt64
		token        sql.NullString
		holder       sql.NullString
		expires      sql.NullTime
	)
	err := row.Scan(&e.ID, &e.EntityID, &e.SourceURL, &e.FinalURL, &state, &e.Priority, &e.RetryCount,
		&kind, &errMsg, &exhausted, &e.RunID, &supersededBy,
		&token, &holder, &expires, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan extraction")
	}
	e.State = model.State(state)
	e.ErrorKind = model.ErrorKind(kind)
	e.Exhausted = exhausted != 0
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}
	if supersededBy.Valid {
		e.SupersededBy = &supersededBy.Int64
	}
	e.ClaimToken = token.String
	e.ClaimHolder = holder.String
	if expires.Valid {
		t := expires.Time
		e.ClaimExpiresAt = &t
	}
	return &e, nil
}

func listExtractedOffices(ctx context.Context, q queryer, extractionID int64) ([]model.ExtractedOffice, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, extraction_id, seq, office_type, building, address, suite, city, state, zip, phone, fax, hours, created_at
		 FROM extracted_offices WHERE extraction_id = ? ORDER BY seq`, extractionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extracted offices")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExtractedOffice
	for rows.Next() {
		var (
			o      model.ExtractedOffice
			fields [10]sql.NullString
		)
		err := rows.Scan(&o.ID, &o.ExtractionID, &o.Seq,
			&fields[0], &fields[1], &fields[2], &fields[3], &fields[4],
			&fields[5], &fields[6], &fields[7], &fields[8], &fields[9], &o.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extracted office")
		}
		o.Candidate = model.OfficeCandidate{
			OfficeType: optFrom(fields[0]),
			Building:   optFrom(fields[1]),
			Address:    optFrom(fields[2]),
			Suite:      optFrom(fields[3]),
			City:       optFrom(fields[4]),
			State:      optFrom(fields[5]),
			Zip:        optFrom(fields[6]),
			Phone:      optFrom(fields[7]),
			Fax:        optFrom(fields[8]),
			Hours:      optFrom(fields[9]),
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate extracted offices")
}

// optValue maps an absent field to NULL and a present one, even "", to text.
func optValue(o model.OptString) any {
	if !o.Present {
		return nil
	}
	return o.Value
}

func optFrom(ns sql.NullString) model.OptString {
	if !ns.Valid {
		return model.None()
	}
	return model.Some(ns.String)
}
