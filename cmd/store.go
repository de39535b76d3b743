package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/artifact"
	"github.com/sells-group/district-offices/internal/db"
	"github.com/sells-group/district-offices/internal/store"
	"github.com/sells-group/district-offices/internal/upstream"
)

// initStore opens the local store and applies migrations.
func initStore(ctx context.Context) (*store.SQLiteStore, error) {
	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// initArtifacts builds the artifact store over st, offloading large
// artifacts to Azure when that backend is configured.
func initArtifacts(ctx context.Context, st *store.SQLiteStore) (*artifact.Store, error) {
	opts := artifact.Options{
		CompressThreshold: cfg.Artifacts.CompressThreshold,
		OffloadThreshold:  cfg.Artifacts.OffloadThreshold,
	}
	switch cfg.Artifacts.Backend {
	case "", "local":
		return artifact.New(st, nil, opts), nil
	case "azure":
		blobs, err := artifact.NewAzure(ctx, cfg.Artifacts)
		if err != nil {
			return nil, err
		}
		return artifact.New(st, blobs, opts), nil
	default:
		return nil, eris.Errorf("unsupported artifacts backend: %s", cfg.Artifacts.Backend)
	}
}

// initUpstream connects to the canonical Postgres store. dsn overrides the
// configured URL when set.
func initUpstream(ctx context.Context, dsn string) (*upstream.Client, error) {
	ucfg := cfg.Upstream
	if dsn != "" {
		ucfg.DatabaseURL = dsn
	}
	if ucfg.DatabaseURL == "" {
		return nil, eris.New("upstream database url is required (DISTRICT_UPSTREAM_DATABASE_URL or --upstream)")
	}
	pool, err := db.Connect(ctx, ucfg)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("upstream connected", zap.Int32("max_conns", pool.Config().MaxConns))
	return upstream.New(pool), nil
}
