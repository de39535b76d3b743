package syncer

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/upstream"
)

// EntityStore is the part of the local store an import touches.
type EntityStore interface {
	UpsertEntities(ctx context.Context, entities []model.Entity) (int, error)
	StartSync(ctx context.Context, syncType model.SyncType, direction string) (int64, error)
	CompleteSync(ctx context.Context, id int64, processed, failed int) error
	FailSync(ctx context.Context, id int64, cause error) error
}

// MemberSource lists current members upstream.
type MemberSource interface {
	ListMembers(ctx context.Context) ([]upstream.Member, error)
}

// ImportEntities copies current members from upstream into the local
// entities table.
func ImportEntities(ctx context.Context, st EntityStore, src MemberSource) (int, error) {
	return record(ctx, st, DirectionFromUpstream, func() ([]model.Entity, error) {
		members, err := src.ListMembers(ctx)
		if err != nil {
			return nil, err
		}
		entities := make([]model.Entity, 0, len(members))
		for _, m := range members {
			e := m.Entity()
			if e.ID == "" || e.SourceURL() == "" {
				zap.L().Warn("syncer: skipping member without id or url", zap.String("entity_id", e.ID))
				continue
			}
			entities = append(entities, e)
		}
		return entities, nil
	})
}

// seedFile is the offline entity list format.
type seedFile struct {
	Entities []model.Entity `yaml:"entities"`
}

// LoadSeedFile reads entities from a YAML seed file.
func LoadSeedFile(path string) ([]model.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "syncer: read seed file %s", path)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, eris.Wrapf(err, "syncer: parse seed file %s", path)
	}
	for i, e := range seed.Entities {
		e.ID = strings.TrimSpace(e.ID)
		e.State = strings.ToUpper(strings.TrimSpace(e.State))
		e.WebsiteURL = strings.TrimSpace(e.WebsiteURL)
		e.ContactURL = strings.TrimSpace(e.ContactURL)
		if e.ID == "" || e.SourceURL() == "" {
			return nil, eris.Errorf("syncer: seed entity %d needs entity_id and website_url or contact_url", i+1)
		}
		seed.Entities[i] = e
	}
	return seed.Entities, nil
}

// ImportSeed upserts entities loaded from a seed file.
func ImportSeed(ctx context.Context, st EntityStore, entities []model.Entity) (int, error) {
	return record(ctx, st, DirectionFromFile, func() ([]model.Entity, error) { return entities, nil })
}

func record(ctx context.Context, st EntityStore, direction string, load func() ([]model.Entity, error)) (int, error) {
	syncID, err := st.StartSync(ctx, model.SyncEntitiesImport, direction)
	if err != nil {
		return 0, eris.Wrap(err, "syncer: start import")
	}

	fail := func(cause error) (int, error) {
		if ferr := st.FailSync(context.WithoutCancel(ctx), syncID, cause); ferr != nil {
			zap.L().Error("syncer: record failed import", zap.Error(ferr))
		}
		return 0, cause
	}

	entities, err := load()
	if err != nil {
		return fail(eris.Wrap(err, "syncer: load entities"))
	}
	n, err := st.UpsertEntities(ctx, entities)
	if err != nil {
		return fail(eris.Wrap(err, "syncer: upsert entities"))
	}
	if err := st.CompleteSync(ctx, syncID, n, 0); err != nil {
		return n, eris.Wrap(err, "syncer: complete import")
	}

	zap.L().Info("syncer: entities imported", zap.Int("count", n), zap.String("direction", direction))
	return n, nil
}
