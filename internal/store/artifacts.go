package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
)

const artifactColumns = `id, extraction_id, kind, version, content_type, byte_length, stored_length,
	compressed, content, blob_key, superseded, created_at`

// InsertArtifact stores a new artifact row. Without supersede an existing
// current (extraction, kind) artifact is an error; with supersede the
// current version is retired, a new version is written, and the
// supersession is logged as a provenance event.
func (s *SQLiteStore) InsertArtifact(ctx context.Context, rec ArtifactRecord, supersede bool) (*model.Artifact, error) {
	var out *model.Artifact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()

		current, err := currentArtifact(ctx, tx, rec.ExtractionID, rec.Kind)
		switch {
		case errors.Is(err, ErrNotFound):
			current = nil
		case err != nil:
			return err
		}

		version := 1
		if current != nil {
			if !supersede {
				return eris.Wrapf(ErrArtifactExists, "extraction %d kind %s", rec.ExtractionID, rec.Kind)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE artifacts SET superseded = 1 WHERE id = ?`, current.ID); err != nil {
				return eris.Wrapf(err, "sqlite: supersede artifact %d", current.ID)
			}
			version = current.Version + 1
		}

		var content any
		if rec.BlobKey == "" {
			content = rec.Content
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (extraction_id, kind, version, content_type, byte_length, stored_length, compressed, content, blob_key, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ExtractionID, string(rec.Kind), version, rec.ContentType, rec.ByteLength, rec.StoredLength,
			boolInt(rec.Compressed), content, nullString(rec.BlobKey), now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return eris.Wrapf(ErrArtifactExists, "extraction %d kind %s", rec.ExtractionID, rec.Kind)
			}
			return eris.Wrapf(err, "sqlite: insert artifact %s for %d", rec.Kind, rec.ExtractionID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return eris.Wrap(err, "sqlite: artifact id")
		}

		step := model.StepArtifactStored
		detail := map[string]any{"kind": rec.Kind, "version": version, "byte_length": rec.ByteLength, "compressed": rec.Compressed}
		if current != nil {
			step = model.StepArtifactSuperseded
			detail["previous_version"] = current.Version
		}
		if rec.BlobKey != "" {
			detail["blob_key"] = rec.BlobKey
		}
		if _, err := appendEvent(ctx, tx, rec.ExtractionID, now, step, model.OutcomeOK, "", "", detail); err != nil {
			return err
		}

		a := rec.Artifact
		a.ID = id
		a.Version = version
		a.Superseded = false
		a.CreatedAt = now
		out = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetArtifact returns one artifact version with its stored bytes. A zero
// Version selects the current one.
func (s *SQLiteStore) GetArtifact(ctx context.Context, ref model.ArtifactRef) (*ArtifactRecord, error) {
	if ref.Version == 0 {
		return currentArtifact(ctx, s.db, ref.ExtractionID, ref.Kind)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE extraction_id = ? AND kind = ? AND version = ?`,
		ref.ExtractionID, string(ref.Kind), ref.Version)
	rec, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "artifact %d/%s/v%d", ref.ExtractionID, ref.Kind, ref.Version)
	}
	return rec, err
}

// CurrentArtifact returns the non-superseded version of an artifact.
func (s *SQLiteStore) CurrentArtifact(ctx context.Context, extractionID int64, kind model.ArtifactKind) (*ArtifactRecord, error) {
	return currentArtifact(ctx, s.db, extractionID, kind)
}

// ListArtifacts returns metadata for every version of an extraction's
// artifacts.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, extractionID int64) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE extraction_id = ? ORDER BY kind, version`, extractionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list artifacts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Artifact
	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Artifact)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate artifacts")
}

func currentArtifact(ctx context.Context, q queryer, extractionID int64, kind model.ArtifactKind) (*ArtifactRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE extraction_id = ? AND kind = ? AND superseded = 0`,
		extractionID, string(kind))
	rec, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "artifact %d/%s", extractionID, kind)
	}
	return rec, err
}

func scanArtifact(row scannable) (*ArtifactRecord, error) {
	var (
		rec                    ArtifactRecord
		kind                   string
		compressed, superseded int
		blobKey                sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.ExtractionID, &kind, &rec.Version, &rec.ContentType, &rec.ByteLength,
		&rec.StoredLength, &compressed, &rec.Content, &blobKey, &superseded, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan artifact")
	}
	rec.Kind = model.ArtifactKind(kind)
	rec.Compressed = compressed != 0
	rec.Superseded = superseded != 0
	rec.BlobKey = blobKey.String
	return &rec, nil
}
