package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
)

// AppendEvent records a non-transition provenance event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, extractionID int64, step, outcome string, detail any) (*model.ProvenanceEvent, error) {
	var ev *model.ProvenanceEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = appendEvent(ctx, tx, extractionID, s.now(), step, outcome, "", "", detail)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Events returns the provenance of one extraction in sequence order.
func (s *SQLiteStore) Events(ctx context.Context, extractionID int64) ([]model.ProvenanceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, extraction_id, seq, ts, step, outcome, from_state, to_state, detail
		 FROM provenance_events WHERE extraction_id = ? ORDER BY seq`, extractionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list provenance")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProvenanceEvent
	for rows.Next() {
		var (
			ev       model.ProvenanceEvent
			from, to string
			detail   sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.ExtractionID, &ev.Seq, &ev.Timestamp, &ev.Step, &ev.Outcome, &from, &to, &detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provenance")
		}
		ev.FromState = model.State(from)
		ev.ToState = model.State(to)
		if detail.Valid {
			ev.Detail = json.RawMessage(detail.String)
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate provenance")
}

// appendEvent writes one event inside tx. The per-extraction sequence is
// derived in the same transaction, and the unique (extraction_id, seq) key
// rejects any interleaving.
func appendEvent(ctx context.Context, tx *sql.Tx, extractionID int64, ts time.Time, step, outcome string, from, to model.State, detail any) (*model.ProvenanceEvent, error) {
	var detailJSON sql.NullString
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: marshal provenance detail for %d", extractionID)
		}
		detailJSON = sql.NullString{String: string(b), Valid: true}
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM provenance_events WHERE extraction_id = ?`, extractionID,
	).Scan(&seq); err != nil {
		return nil, eris.Wrapf(err, "sqlite: next provenance seq for %d", extractionID)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO provenance_events (extraction_id, seq, ts, step, outcome, from_state, to_state, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		extractionID, seq, ts, step, outcome, string(from), string(to), detailJSON,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: append provenance %s for %d", step, extractionID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: provenance id")
	}

	ev := &model.ProvenanceEvent{
		ID:           id,
		ExtractionID: extractionID,
		Seq:          seq,
		Timestamp:    ts,
		Step:         step,
		Outcome:      outcome,
		FromState:    from,
		ToState:      to,
	}
	if detailJSON.Valid {
		ev.Detail = json.RawMessage(detailJSON.String)
	}
	return ev, nil
}
