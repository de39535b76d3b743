package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
)

// StartSync records the start of an import or export run.
func (s *SQLiteStore) StartSync(ctx context.Context, syncType model.SyncType, direction string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (sync_type, direction, status, started_at) VALUES (?, ?, ?, ?)`,
		string(syncType), direction, string(model.SyncStarted), s.now())
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: start sync %s", syncType)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: sync id")
}

// CompleteSync marks a sync run as completed with its row counts.
func (s *SQLiteStore) CompleteSync(ctx context.Context, id int64, processed, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_log SET status = ?, records_processed = ?, records_failed = ?, completed_at = ? WHERE id = ?`,
		string(model.SyncCompleted), processed, failed, s.now(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete sync %d", id)
	}
	return checkRowsAffected(res, "sync", id)
}

// FailSync marks a sync run as failed.
func (s *SQLiteStore) FailSync(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_log SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		string(model.SyncFailed), msg, s.now(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail sync %d", id)
	}
	return checkRowsAffected(res, "sync", id)
}

// LastSyncs returns the most recent run of each sync type.
func (s *SQLiteStore) LastSyncs(ctx context.Context) ([]model.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sync_type, direction, status, records_processed, records_failed, error_message, started_at, completed_at
		 FROM sync_log
		 WHERE id IN (SELECT MAX(id) FROM sync_log GROUP BY sync_type)
		 ORDER BY sync_type`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last syncs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncLogEntry
	for rows.Next() {
		var (
			e         model.SyncLogEntry
			syncType  string
			status    string
			errMsg    sql.NullString
			completed sql.NullTime
		)
		if err := rows.Scan(&e.ID, &syncType, &e.Direction, &status, &e.RecordsProcessed, &e.RecordsFailed,
			&errMsg, &e.StartedAt, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync log")
		}
		e.SyncType = model.SyncType(syncType)
		e.Status = model.SyncStatus(status)
		e.ErrorMessage = errMsg.String
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sync log")
}
