// Package syncer moves data between the local store and the upstream
// database: entities in, validated offices out.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/model"
)

// Direction labels recorded in the sync log.
const (
	DirectionToUpstream   = "to_upstream"
	DirectionFromUpstream = "from_upstream"
	DirectionFromFile     = "from_file"
)

// ExportStore is the part of the local store an export touches.
type ExportStore interface {
	ListUnsyncedOffices(ctx context.Context, limit int) ([]model.ValidatedOffice, error)
	MarkOfficeSynced(ctx context.Context, office model.ValidatedOffice, at time.Time) (bool, error)
	RecordExportFailure(ctx context.Context, office model.ValidatedOffice, cause error) error
	FinalizeExported(ctx context.Context) (int, error)
	StartSync(ctx context.Context, syncType model.SyncType, direction string) (int64, error)
	CompleteSync(ctx context.Context, id int64, processed, failed int) error
	FailSync(ctx context.Context, id int64, cause error) error
}

// OfficeWriter upserts one office upstream, keyed by office_id.
type OfficeWriter interface {
	UpsertOffice(ctx context.Context, office model.ValidatedOffice) error
}

// SyncError is an upstream write failure for one office. The office stays
// unsynced and is retried by the next export.
type SyncError struct {
	OfficeID string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync office %s: %v", e.OfficeID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ExportResult reports one export run. Changed counts offices written
// upstream but re-validated locally before they could be marked; the next
// export sends the new values.
type ExportResult struct {
	SyncID    int64        `json:"sync_id"`
	Exported  int          `json:"exported"`
	Changed   int          `json:"changed"`
	Finalized int          `json:"finalized"`
	Failures  []*SyncError `json:"-"`
}

// Failed returns the number of offices whose upstream write failed.
func (r *ExportResult) Failed() int { return len(r.Failures) }

// Exporter writes unsynced validated offices upstream.
type Exporter struct {
	store     ExportStore
	upstream  OfficeWriter
	batchSize int
	now       func() time.Time
}

// NewExporter creates an Exporter. batchSize bounds how many offices are
// read from the local store at a time.
func NewExporter(st ExportStore, up OfficeWriter, batchSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Exporter{store: st, upstream: up, batchSize: batchSize, now: func() time.Time { return time.Now().UTC() }}
}

// ExportPending upserts every unsynced office upstream. A failed row is
// logged and left for the next run without stopping the batch. Running it
// again right after a clean run writes nothing.
func (x *Exporter) ExportPending(ctx context.Context) (*ExportResult, error) {
	syncID, err := x.store.StartSync(ctx, model.SyncOfficesExport, DirectionToUpstream)
	if err != nil {
		return nil, eris.Wrap(err, "syncer: start export")
	}
	res := &ExportResult{SyncID: syncID}

	if err := x.export(ctx, res); err != nil {
		if ferr := x.store.FailSync(context.WithoutCancel(ctx), syncID, err); ferr != nil {
			zap.L().Error("syncer: record failed export", zap.Error(ferr))
		}
		return res, err
	}

	finalized, err := x.store.FinalizeExported(ctx)
	if err != nil {
		return res, eris.Wrap(err, "syncer: finalize exported extractions")
	}
	res.Finalized += finalized

	if err := x.store.CompleteSync(ctx, syncID, res.Exported, res.Failed()); err != nil {
		return res, eris.Wrap(err, "syncer: complete export")
	}

	zap.L().Info("syncer: export complete",
		zap.Int64("sync_id", syncID),
		zap.Int("exported", res.Exported),
		zap.Int("failed", res.Failed()),
		zap.Int("changed", res.Changed),
		zap.Int("finalized", res.Finalized),
	)
	return res, nil
}

func (x *Exporter) export(ctx context.Context, res *ExportResult) error {
	// attempted holds offices already handled in this run; failed ones are
	// still unsynced and would otherwise be read again.
	attempted := make(map[string]bool)
	for {
		batch, err := x.store.ListUnsyncedOffices(ctx, x.batchSize+len(attempted))
		if err != nil {
			return eris.Wrap(err, "syncer: list unsynced offices")
		}

		var todo []model.ValidatedOffice
		for _, o := range batch {
			if !attempted[o.OfficeID] {
				todo = append(todo, o)
			}
		}
		if len(todo) == 0 {
			return nil
		}

		for _, o := range todo {
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "syncer: export interrupted")
			}
			attempted[o.OfficeID] = true
			if err := x.exportOne(ctx, o, res); err != nil {
				return err
			}
		}
	}
}

// exportOne writes one office. Only local store errors are returned.
func (x *Exporter) exportOne(ctx context.Context, o model.ValidatedOffice, res *ExportResult) error {
	log := zap.L().With(zap.String("office_id", o.OfficeID), zap.String("entity_id", o.EntityID))

	if err := x.upstream.UpsertOffice(ctx, o); err != nil {
		se := &SyncError{OfficeID: o.OfficeID, Err: err}
		res.Failures = append(res.Failures, se)
		log.Warn("syncer: upstream write failed", zap.Error(err))
		if rerr := x.store.RecordExportFailure(ctx, o, err); rerr != nil {
			return eris.Wrapf(rerr, "syncer: record failure for %s", o.OfficeID)
		}
		return nil
	}

	marked, err := x.store.MarkOfficeSynced(ctx, o, x.now())
	if err != nil {
		return eris.Wrapf(err, "syncer: mark %s synced", o.OfficeID)
	}
	if !marked {
		res.Changed++
		log.Info("syncer: office changed during export, left pending")
		return nil
	}
	res.Exported++
	log.Debug("syncer: office exported", zap.Int("revision", o.Revision))
	return nil
}
