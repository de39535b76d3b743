package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/store"
)

func newTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedEntity(t *testing.T, st *store.SQLiteStore, id string) {
	t.Helper()
	_, err := st.UpsertEntities(context.Background(), []model.Entity{{ID: id, Name: id, WebsiteURL: "https://" + id + ".house.gov"}})
	require.NoError(t, err)
}

func seedExtracted(t *testing.T, st *store.SQLiteStore, id string) {
	t.Helper()
	ctx := context.Background()
	seedEntity(t, st, id)
	ext, err := st.CreateExtraction(ctx, id, "https://"+id+".house.gov", store.CreateOptions{})
	require.NoError(t, err)
	for _, to := range []model.State{model.StateFetching, model.StateExtracting} {
		_, err = st.Transition(ctx, ext.ID, to, store.TransitionOptions{})
		require.NoError(t, err)
	}
	_, err = st.CompleteExtraction(ctx, ext.ID, []model.OfficeCandidate{{City: model.Some("Austin")}}, nil)
	require.NoError(t, err)
}

func seedFailed(t *testing.T, st *store.SQLiteStore, id string, exhausted bool) {
	t.Helper()
	ctx := context.Background()
	seedEntity(t, st, id)
	ext, err := st.CreateExtraction(ctx, id, "https://"+id+".house.gov", store.CreateOptions{})
	require.NoError(t, err)
	_, err = st.Transition(ctx, ext.ID, model.StateFailed, store.TransitionOptions{
		ErrorKind: model.ErrorKindTimeout, ErrorMessage: "deadline exceeded", Exhausted: exhausted,
	})
	require.NoError(t, err)
}

func TestCollect_CountsOutcomesAndQueues(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedExtracted(t, st, "A1")
	seedExtracted(t, st, "B2")
	seedFailed(t, st, "C3", true)
	seedFailed(t, st, "D4", false)

	// A pending extraction is neither a success nor a failure.
	seedEntity(t, st, "E5")
	_, err := st.CreateExtraction(ctx, "E5", "https://e5.house.gov", store.CreateOptions{})
	require.NoError(t, err)

	id, err := st.StartSync(ctx, model.SyncOfficesExport, "to_upstream")
	require.NoError(t, err)
	require.NoError(t, st.FailSync(ctx, id, errors.New("connection refused")))

	snap, err := NewCollector(st).Collect(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ExtractionsSucceeded)
	assert.Equal(t, 2, snap.ExtractionsFailed)
	assert.Equal(t, 1, snap.ExtractionsExhausted)
	assert.InDelta(t, 0.5, snap.ExtractionFailRate, 0.0001)
	assert.Equal(t, 2, snap.ReviewBacklog)
	assert.Zero(t, snap.PendingExport)
	require.Len(t, snap.FailedSyncs, 1)
	assert.Contains(t, snap.FailedSyncs[0].ErrorMessage, "connection refused")
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollect_IgnoresOutcomesOutsideWindow(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedFailed(t, st, "A1", true)

	c := NewCollector(st)
	c.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.ExtractionsFailed)
	assert.Zero(t, snap.ExtractionFailRate)
}

func TestCollect_Empty(t *testing.T) {
	snap, err := NewCollector(newTestSQLiteStore(t)).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.ExtractionsSucceeded)
	assert.Zero(t, snap.ReviewBacklog)
	assert.Empty(t, snap.FailedSyncs)
}
