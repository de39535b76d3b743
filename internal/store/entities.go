package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
)

// UpsertEntities inserts or refreshes entities keyed by entity_id.
func (s *SQLiteStore) UpsertEntities(ctx context.Context, entities []model.Entity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entities (entity_id, name, state, website_url, contact_url, imported_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity_id) DO UPDATE SET
				name = excluded.name,
				state = excluded.state,
				website_url = excluded.website_url,
				contact_url = CASE WHEN excluded.contact_url != '' THEN excluded.contact_url ELSE entities.contact_url END,
				updated_at = excluded.updated_at`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare entity upsert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, e := range entities {
			if e.ID == "" {
				return eris.New("sqlite: entity without entity_id")
			}
			if _, err := stmt.ExecContext(ctx, e.ID, e.Name, e.State, e.WebsiteURL, e.ContactURL, now, now); err != nil {
				return eris.Wrapf(err, "sqlite: upsert entity %s", e.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(entities), nil
}

// GetEntity returns one entity.
func (s *SQLiteStore) GetEntity(ctx context.Context, entityID string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, name, state, website_url, contact_url, imported_at FROM entities WHERE entity_id = ?`,
		entityID,
	)
	e, err := scanEntity(row)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", entityID)
	}
	return e, err
}

// ListEntities returns all entities ordered by id.
func (s *SQLiteStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, name, state, website_url, contact_url, imported_at FROM entities ORDER BY entity_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close() //nolint:errcheck
	return collectEntities(rows)
}

// EligibleEntities returns entities the scheduler may start an extraction
// for. An entity is never eligible while it has an in-flight extraction.
// Without Force it is also skipped when it already has synced offices, when
// its current extraction is awaiting review or export, or when its current
// extraction was rejected or failed with retries exhausted.
func (s *SQLiteStore) EligibleEntities(ctx context.Context, filter EligibilityFilter) ([]model.Entity, error) {
	query := `
		SELECT e.entity_id, e.name, e.state, e.website_url, e.contact_url, e.imported_at
		FROM entities e
		WHERE NOT EXISTS (
			SELECT 1 FROM extractions x
			WHERE x.entity_id = e.entity_id AND x.superseded_at IS NULL
			  AND x.state IN ('pending', 'fetching', 'extracting', 'validating')
		)`
	var args []any
	if !filter.Force {
		query += `
		AND NOT EXISTS (
			SELECT 1 FROM validated_offices v
			WHERE v.entity_id = e.entity_id AND v.synced_to_upstream = 1
		)
		AND NOT EXISTS (
			SELECT 1 FROM extractions x
			WHERE x.entity_id = e.entity_id AND x.superseded_at IS NULL
			  AND (x.state IN ('extracted', 'validated', 'rejected', 'exported')
			       OR (x.state = 'failed' AND x.exhausted = 1))
		)`
	}
	if len(filter.EntityIDs) > 0 {
		query += ` AND e.entity_id IN (` + placeholders(len(filter.EntityIDs)) + `)`
		for _, id := range filter.EntityIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY e.entity_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: eligible entities")
	}
	defer rows.Close() //nolint:errcheck
	return collectEntities(rows)
}

func scanEntity(row scannable) (*model.Entity, error) {
	var e model.Entity
	if err := row.Scan(&e.ID, &e.Name, &e.State, &e.WebsiteURL, &e.ContactURL, &e.ImportedAt); err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan entity")
	}
	return &e, nil
}

func collectEntities(rows *sql.Rows) ([]model.Entity, error) {
	var out []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entities")
}
