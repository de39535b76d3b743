package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/district-offices/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedEntities(t *testing.T, st *SQLiteStore, ids ...string) {
	t.Helper()
	var entities []model.Entity
	for _, id := range ids {
		entities = append(entities, model.Entity{
			ID:         id,
			Name:       "Rep " + id,
			State:      "TX",
			WebsiteURL: "https://" + id + ".house.gov",
		})
	}
	_, err := st.UpsertEntities(context.Background(), entities)
	require.NoError(t, err)
}

// driveTo walks a fresh extraction forward to the requested state.
func driveTo(t *testing.T, st *SQLiteStore, entityID string, target model.State, candidates ...model.OfficeCandidate) *model.Extraction {
	t.Helper()
	ctx := context.Background()
	ext, err := st.CreateExtraction(ctx, entityID, "https://"+entityID+".house.gov/contact", CreateOptions{RunID: "run-1"})
	require.NoError(t, err)
	if target == model.StatePending {
		return ext
	}
	ext, err = st.Transition(ctx, ext.ID, model.StateFetching, TransitionOptions{})
	require.NoError(t, err)
	if target == model.StateFetching {
		return ext
	}
	ext, err = st.Transition(ctx, ext.ID, model.StateExtracting, TransitionOptions{})
	require.NoError(t, err)
	if target == model.StateExtracting {
		return ext
	}
	if len(candidates) == 0 {
		candidates = []model.OfficeCandidate{{Address: model.Some("1 Main St"), City: model.Some("Austin"), Phone: model.Some("512-555-0100")}}
	}
	ext, err = st.CompleteExtraction(ctx, ext.ID, candidates, nil)
	require.NoError(t, err)
	return ext
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

// --- Entities ---

func TestSQLite_UpsertEntities(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.UpsertEntities(ctx, []model.Entity{
		{ID: "A000001", Name: "Jane Doe", WebsiteURL: "https://doe.house.gov", ContactURL: "https://doe.house.gov/contact"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-import without a contact URL keeps the known one.
	_, err = st.UpsertEntities(ctx, []model.Entity{{ID: "A000001", Name: "Jane Q. Doe", WebsiteURL: "https://doe.house.gov"}})
	require.NoError(t, err)

	e, err := st.GetEntity(ctx, "A000001")
	require.NoError(t, err)
	assert.Equal(t, "Jane Q. Doe", e.Name)
	assert.Equal(t, "https://doe.house.gov/contact", e.ContactURL)

	_, err = st.GetEntity(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_UpsertEntities_RequiresID(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.UpsertEntities(context.Background(), []model.Entity{{Name: "nobody"}})
	assert.Error(t, err)
}

// --- Extractions ---

func TestSQLite_CreateExtraction(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	ext, err := st.CreateExtraction(ctx, "E1", "https://e1.house.gov/contact", CreateOptions{Priority: 3, RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, ext.State)
	assert.Equal(t, 3, ext.Priority)
	assert.Equal(t, "r1", ext.RunID)
	assert.True(t, ext.Active())

	events, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.StepCreated, events[0].Step)
	assert.Equal(t, model.StatePending, events[0].ToState)
}

func TestSQLite_CreateExtraction_RefusesSecondActive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	_, err := st.CreateExtraction(ctx, "E1", "https://e1.house.gov", CreateOptions{})
	require.NoError(t, err)

	_, err = st.CreateExtraction(ctx, "E1", "https://e1.house.gov/offices", CreateOptions{})
	assert.True(t, errors.Is(err, ErrActiveExtraction))

	// Force never overrides an in-flight extraction.
	_, err = st.CreateExtraction(ctx, "E1", "https://e1.house.gov/offices", CreateOptions{Force: true})
	assert.True(t, errors.Is(err, ErrActiveExtraction))
}

func TestSQLite_CreateExtraction_ConcurrentSameEntity(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E2")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		refused int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.CreateExtraction(ctx, "E2", "https://e2.house.gov", CreateOptions{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if errors.Is(err, ErrActiveExtraction) {
				refused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, refused)

	all, err := st.ListExtractions(ctx, ExtractionFilter{EntityID: "E2"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	violations, err := st.ActiveViolations(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestSQLite_CreateExtraction_SupersedesTerminal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	first := driveTo(t, st, "E1", model.StateExtracting)
	_, err := st.Transition(ctx, first.ID, model.StateFailed, TransitionOptions{ErrorKind: model.ErrorKindNoOffices, ErrorMessage: "no offices"})
	require.NoError(t, err)

	second, err := st.CreateExtraction(ctx, "E1", "https://e1.house.gov/offices", CreateOptions{})
	require.NoError(t, err)

	first, err = st.GetExtraction(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, first.SupersededBy)
	assert.Equal(t, second.ID, *first.SupersededBy)
	assert.Equal(t, model.StateFailed, first.State)
	assert.NotEqual(t, first.ID, second.ID)

	current, err := st.ListExtractions(ctx, ExtractionFilter{EntityID: "E1", CurrentOnly: true})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, second.ID, current[0].ID)

	events, err := st.Events(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepSuperseded, events[len(events)-1].Step)
}

func TestSQLite_CreateExtraction_ForceSupersedesExtracted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	first := driveTo(t, st, "E1", model.StateExtracted)

	_, err := st.CreateExtraction(ctx, "E1", "https://e1.house.gov", CreateOptions{})
	require.True(t, errors.Is(err, ErrActiveExtraction))

	second, err := st.CreateExtraction(ctx, "E1", "https://e1.house.gov", CreateOptions{Force: true})
	require.NoError(t, err)

	first, err = st.GetExtraction(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, first.Current())
	assert.Equal(t, model.StateExtracted, first.State)
	assert.True(t, second.Active())
}

func TestSQLite_Transition_Legal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	ext := driveTo(t, st, "E1", model.StateExtracted)
	assert.Equal(t, model.StateExtracted, ext.State)

	events, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)
	// created + three transitions, strictly ordered
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
	}
	assert.Equal(t, model.StatePending, events[1].FromState)
	assert.Equal(t, model.StateFetching, events[1].ToState)
	assert.Equal(t, model.StateExtracting, events[3].FromState)
	assert.Equal(t, model.StateExtracted, events[3].ToState)
}

func TestSQLite_Transition_Illegal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	ext := driveTo(t, st, "E1", model.StatePending)

	_, err := st.Transition(ctx, ext.ID, model.StateExtracted, TransitionOptions{})
	assert.True(t, errors.Is(err, ErrIllegalTransition))

	// No event is written for a refused transition.
	events, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = st.Transition(ctx, 9999, model.StateFetching, TransitionOptions{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_Transition_Failed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	ext := driveTo(t, st, "E1", model.StateFetching)
	failed, err := st.Transition(ctx, ext.ID, model.StateFailed, TransitionOptions{
		ErrorKind:    model.ErrorKindTimeout,
		ErrorMessage: "deadline exceeded",
		Exhausted:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, failed.State)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, model.ErrorKindTimeout, failed.ErrorKind)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "deadline exceeded", *failed.ErrorMessage)
	assert.True(t, failed.Exhausted)

	_, err = st.Transition(ctx, ext.ID, model.StateFailed, TransitionOptions{})
	assert.True(t, errors.Is(err, ErrIllegalTransition), "failed is terminal")
}

func TestSQLite_Transition_ExportedIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	ext := driveTo(t, st, "E1", model.StateExtracted)
	claimed, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)
	_, err = st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID, Token: claimed.ClaimToken, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeFields: model.OfficeFields{Address: "1 Main St"}}},
	})
	require.NoError(t, err)

	_, err = st.Transition(ctx, ext.ID, model.StateExported, TransitionOptions{})
	require.NoError(t, err)
	before, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)

	again, err := st.Transition(ctx, ext.ID, model.StateExported, TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.StateExported, again.State)

	after, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestSQLite_CompleteExtraction_PreservesAbsentVsEmpty(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	ext := driveTo(t, st, "E1", model.StateExtracted, model.OfficeCandidate{
		Address: model.Some("1 Main St"),
		Suite:   model.Some(""),
		Zip:     model.Some("78701"),
	}, model.OfficeCandidate{City: model.Some("Waco")})

	offices, err := st.ListExtractedOffices(ctx, ext.ID)
	require.NoError(t, err)
	require.Len(t, offices, 2)
	assert.Equal(t, 1, offices[0].Seq)
	assert.Equal(t, model.Some(""), offices[0].Candidate.Suite)
	assert.False(t, offices[0].Candidate.Fax.Present)
	assert.Equal(t, "Waco", offices[1].Candidate.City.Value)
}

func TestSQLite_ExtractedOfficesImmutable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)

	_, err := st.DB().ExecContext(ctx, `UPDATE extracted_offices SET city = 'Elsewhere' WHERE extraction_id = ?`, ext.ID)
	assert.Error(t, err)
}

func TestSQLite_ListStaleAndAdopt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1", "E2")

	old := driveTo(t, st, "E1", model.StateFetching)
	driveTo(t, st, "E2", model.StateExtracted)

	stale, err := st.ListStale(ctx, "run-2", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	stale, err = st.ListStale(ctx, "run-1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale, "own run is never stale")

	require.NoError(t, st.AdoptExtraction(ctx, old.ID, "run-2"))
	adopted, err := st.GetExtraction(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-2", adopted.RunID)
}

func TestSQLite_CountByState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1", "E2", "E3")
	driveTo(t, st, "E1", model.StateExtracted)
	driveTo(t, st, "E2", model.StateExtracted)
	driveTo(t, st, "E3", model.StatePending)

	counts, err := st.CountByState(ctx)
	require.NoError(t, err)
	got := map[model.State]int{}
	for _, c := range counts {
		got[c.State] = c.Count
	}
	assert.Equal(t, 2, got[model.StateExtracted])
	assert.Equal(t, 1, got[model.StatePending])
	assert.Equal(t, 0, got[model.StateExported])
	assert.Len(t, counts, len(model.AllStates))
}

// --- Eligibility ---

func TestSQLite_EligibleEntities(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "FRESH", "INFLIGHT", "EXTRACTED", "RETRYABLE", "EXHAUSTED", "REJECTED")

	driveTo(t, st, "INFLIGHT", model.StateFetching)
	driveTo(t, st, "EXTRACTED", model.StateExtracted)

	r := driveTo(t, st, "RETRYABLE", model.StateFetching)
	_, err := st.Transition(ctx, r.ID, model.StateFailed, TransitionOptions{ErrorKind: model.ErrorKindTimeout})
	require.NoError(t, err)

	x := driveTo(t, st, "EXHAUSTED", model.StateFetching)
	_, err = st.Transition(ctx, x.ID, model.StateFailed, TransitionOptions{ErrorKind: model.ErrorKindTimeout, Exhausted: true})
	require.NoError(t, err)

	rj := driveTo(t, st, "REJECTED", model.StateExtracted)
	claimed, err := st.ClaimNext(ctx, "bob", time.Minute)
	require.NoError(t, err)
	// EXTRACTED is ahead in the queue; keep claiming until REJECTED comes up.
	for claimed.ID != rj.ID {
		claimed, err = st.ClaimNext(ctx, "bob", time.Minute)
		require.NoError(t, err)
	}
	_, err = st.Decide(ctx, DecisionInput{ExtractionID: rj.ID, Token: claimed.ClaimToken, Decision: model.DecisionReject})
	require.NoError(t, err)

	eligible, err := st.EligibleEntities(ctx, EligibilityFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"FRESH", "RETRYABLE"}, entityIDs(eligible))

	forced, err := st.EligibleEntities(ctx, EligibilityFilter{Force: true})
	require.NoError(t, err)
	assert.NotContains(t, entityIDs(forced), "INFLIGHT")
	assert.Contains(t, entityIDs(forced), "EXHAUSTED")
	assert.Contains(t, entityIDs(forced), "REJECTED")

	only, err := st.EligibleEntities(ctx, EligibilityFilter{EntityIDs: []string{"FRESH", "INFLIGHT"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"FRESH"}, entityIDs(only))
}

func TestSQLite_EligibleEntities_SyncedOfficesExclude(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	exportOne(t, st, "E1")

	eligible, err := st.EligibleEntities(ctx, EligibilityFilter{})
	require.NoError(t, err)
	assert.Empty(t, eligible)

	forced, err := st.EligibleEntities(ctx, EligibilityFilter{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"E1"}, entityIDs(forced))
}

func entityIDs(entities []model.Entity) []string {
	var out []string
	for _, e := range entities {
		out = append(out, e.ID)
	}
	return out
}

// exportOne validates and syncs one office for the entity.
func exportOne(t *testing.T, st *SQLiteStore, entityID string) *model.ValidatedOffice {
	t.Helper()
	ctx := context.Background()
	ext := driveTo(t, st, entityID, model.StateExtracted)
	claimed, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ext.ID, claimed.ID)
	res, err := st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID, Token: claimed.ClaimToken, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeFields: model.OfficeFields{Address: "1 Main St", City: "Austin"}}},
	})
	require.NoError(t, err)
	ok, err := st.MarkOfficeSynced(ctx, res.Offices[0], time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	return &res.Offices[0]
}

// --- Provenance ---

func TestSQLite_ProvenanceAppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StatePending)

	ev, err := st.AppendEvent(ctx, ext.ID, model.StepRetry, model.OutcomeOK, map[string]any{"attempt": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Seq)

	var detail map[string]any
	require.NoError(t, json.Unmarshal(ev.Detail, &detail))
	assert.EqualValues(t, 2, detail["attempt"])

	_, err = st.DB().ExecContext(ctx, `UPDATE provenance_events SET outcome = 'x' WHERE id = ?`, ev.ID)
	assert.Error(t, err)
	_, err = st.DB().ExecContext(ctx, `DELETE FROM provenance_events WHERE id = ?`, ev.ID)
	assert.Error(t, err)
}

func TestSQLite_ProvenanceConcurrentOrdering(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StatePending)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.AppendEvent(ctx, ext.ID, "note", model.OutcomeOK, map[string]int{"i": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)
	require.Len(t, events, 21)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
	}
}

// --- Artifacts ---

func TestSQLite_Artifacts_PutGetSupersede(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateFetching)

	rec := ArtifactRecord{
		Artifact: model.Artifact{ExtractionID: ext.ID, Kind: model.ArtifactRawHTML, ContentType: "text/html", ByteLength: 5, StoredLength: 5},
		Content:  []byte("<p/>!"),
	}
	a, err := st.InsertArtifact(ctx, rec, false)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Version)

	_, err = st.InsertArtifact(ctx, rec, false)
	assert.True(t, errors.Is(err, ErrArtifactExists))

	rec.Content = []byte("<p>2</p>")
	rec.ByteLength, rec.StoredLength = 8, 8
	b, err := st.InsertArtifact(ctx, rec, true)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Version)

	cur, err := st.CurrentArtifact(ctx, ext.ID, model.ArtifactRawHTML)
	require.NoError(t, err)
	assert.Equal(t, "<p>2</p>", string(cur.Content))

	v1, err := st.GetArtifact(ctx, model.ArtifactRef{ExtractionID: ext.ID, Kind: model.ArtifactRawHTML, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "<p/>!", string(v1.Content))
	assert.True(t, v1.Superseded)

	all, err := st.ListArtifacts(ctx, ext.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	events, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.StepArtifactSuperseded, last.Step)

	_, err = st.CurrentArtifact(ctx, ext.ID, model.ArtifactLLMResponse)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- Review ---

func TestSQLite_ClaimNext_Exclusive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims []*model.Extraction
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := st.ClaimNext(ctx, "session", time.Minute)
			assert.NoError(t, err)
			if c != nil {
				mu.Lock()
				claims = append(claims, c)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claims, 1)
	assert.Equal(t, ext.ID, claims[0].ID)
	assert.Equal(t, model.StateValidating, claims[0].State)
	assert.NotEmpty(t, claims[0].ClaimToken)
}

func TestSQLite_ClaimNext_Priority(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "LOW", "HIGH")

	driveTo(t, st, "LOW", model.StateExtracted)
	high, err := st.CreateExtraction(ctx, "HIGH", "https://high.house.gov", CreateOptions{Priority: 10})
	require.NoError(t, err)
	_, err = st.Transition(ctx, high.ID, model.StateFetching, TransitionOptions{})
	require.NoError(t, err)
	_, err = st.Transition(ctx, high.ID, model.StateExtracting, TransitionOptions{})
	require.NoError(t, err)
	_, err = st.CompleteExtraction(ctx, high.ID, []model.OfficeCandidate{{City: model.Some("Dallas")}}, nil)
	require.NoError(t, err)

	c, err := st.ClaimNext(ctx, "s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, high.ID, c.ID)
}

func TestSQLite_ClaimNext_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	c, err := st.ClaimNext(context.Background(), "s", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSQLite_ReleaseAndReclaim(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)

	c1, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)

	none, err := st.ClaimNext(ctx, "bob", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "held claim is not claimable")

	assert.True(t, errors.Is(st.Release(ctx, ext.ID, "wrong-token"), ErrClaimLost))
	require.NoError(t, st.Release(ctx, ext.ID, c1.ClaimToken))

	released, err := st.GetExtraction(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateValidating, released.State)
	assert.Empty(t, released.ClaimToken)

	c2, err := st.ClaimNext(ctx, "bob", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.Equal(t, ext.ID, c2.ID)
	assert.NotEqual(t, c1.ClaimToken, c2.ClaimToken)

	// The stale token can no longer decide.
	_, err = st.Decide(ctx, DecisionInput{ExtractionID: ext.ID, Token: c1.ClaimToken, Decision: model.DecisionReject})
	assert.True(t, errors.Is(err, ErrClaimLost))
}

func TestSQLite_ReleaseExpired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1", "E2")
	e1 := driveTo(t, st, "E1", model.StateExtracted)
	driveTo(t, st, "E2", model.StateExtracted)

	_, err := st.ClaimNext(ctx, "short", time.Second)
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "long", time.Hour)
	require.NoError(t, err)

	released, err := st.ReleaseExpired(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []int64{e1.ID}, released)

	events, err := st.Events(ctx, e1.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.StepClaimReleased, last.Step)
	assert.Equal(t, "timeout", last.Outcome)
}

func TestSQLite_ClaimNext_TakesExpired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	driveTo(t, st, "E1", model.StateExtracted)

	c1, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)

	st.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	c2, err := st.ClaimNext(ctx, "bob", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, c2)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, "bob", c2.ClaimHolder)
}

func TestSQLite_Decide_Accept(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)
	c, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)

	res, err := st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID,
		Token:        c.ClaimToken,
		Decision:     model.DecisionAccept,
		Offices: []model.EditedOffice{
			{OfficeFields: model.OfficeFields{Address: "1 Main Street", City: "Austin", State: "TX"}},
			{},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateValidated, res.Extraction.State)
	require.Len(t, res.Offices, 1, "blank submissions are dropped")
	assert.NotEmpty(t, res.Offices[0].OfficeID)
	assert.False(t, res.Offices[0].SyncedToUpstream)
	assert.Equal(t, "1 Main Street", res.Offices[0].Address)
	assert.Empty(t, res.Extraction.ClaimToken)

	events, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.StateValidating, last.FromState)
	assert.Equal(t, model.StateValidated, last.ToState)

	var detail struct {
		Original []model.ExtractedOffice  `json:"original"`
		Final    []model.ValidatedOffice `json:"final"`
	}
	require.NoError(t, json.Unmarshal(last.Detail, &detail))
	assert.Equal(t, "1 Main St", detail.Original[0].Candidate.Address.Value)
	assert.Equal(t, "1 Main Street", detail.Final[0].Address)
}

func TestSQLite_Decide_AcceptRequiresOffice(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)
	c, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)

	_, err = st.Decide(ctx, DecisionInput{ExtractionID: ext.ID, Token: c.ClaimToken, Decision: model.DecisionAccept})
	assert.True(t, errors.Is(err, ErrNoAcceptedOffices))

	still, err := st.GetExtraction(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateValidating, still.State)
}

func TestSQLite_Decide_Reject(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)
	c, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)

	res, err := st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID, Token: c.ClaimToken, Decision: model.DecisionReject, Reason: "wrong page",
		Offices: []model.EditedOffice{{OfficeFields: model.OfficeFields{Address: "ignored"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, res.Extraction.State)
	assert.Empty(t, res.Offices)

	offices, err := st.ListValidatedOffices(ctx, "E1")
	require.NoError(t, err)
	assert.Empty(t, offices)
}

func TestSQLite_Decide_Revalidation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1", "E9")

	prior := exportOne(t, st, "E1")

	ext, err := st.CreateExtraction(ctx, "E1", "https://e1.house.gov", CreateOptions{Force: true})
	require.NoError(t, err)
	_, err = st.Transition(ctx, ext.ID, model.StateFetching, TransitionOptions{})
	require.NoError(t, err)
	_, err = st.Transition(ctx, ext.ID, model.StateExtracting, TransitionOptions{})
	require.NoError(t, err)
	_, err = st.CompleteExtraction(ctx, ext.ID, []model.OfficeCandidate{{Address: model.Some("2 Oak Ave")}}, nil)
	require.NoError(t, err)
	c, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)

	_, err = st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID, Token: c.ClaimToken, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeID: "not-an-office", OfficeFields: model.OfficeFields{Address: "x"}}},
	})
	assert.True(t, errors.Is(err, ErrUnknownOffice))

	res, err := st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID, Token: c.ClaimToken, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeID: prior.OfficeID, OfficeFields: model.OfficeFields{Address: "2 Oak Ave", City: "Austin"}}},
	})
	require.NoError(t, err)
	require.Len(t, res.Offices, 1)
	assert.Equal(t, prior.OfficeID, res.Offices[0].OfficeID)
	assert.Equal(t, "2 Oak Ave", res.Offices[0].Address)
	assert.False(t, res.Offices[0].SyncedToUpstream)
	assert.Equal(t, prior.Revision+1, res.Offices[0].Revision)

	all, err := st.ListValidatedOffices(ctx, "E1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// --- Offices / export bookkeeping ---

func TestSQLite_MarkOfficeSynced_FinalizesExtraction(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)
	c, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)
	res, err := st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID, Token: c.ClaimToken, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{
			{OfficeFields: model.OfficeFields{Address: "1 Main St"}},
			{OfficeFields: model.OfficeFields{Address: "9 Elm St"}},
		},
	})
	require.NoError(t, err)

	unsynced, err := st.ListUnsyncedOffices(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)

	ok, err := st.MarkOfficeSynced(ctx, res.Offices[0], time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	mid, err := st.GetExtraction(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateValidated, mid.State)

	ok, err = st.MarkOfficeSynced(ctx, res.Offices[1], time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	done, err := st.GetExtraction(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExported, done.State)

	// Marking again is a no-op.
	ok, err = st.MarkOfficeSynced(ctx, res.Offices[1], time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	unsynced, err = st.ListUnsyncedOffices(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestSQLite_MarkOfficeSynced_StaleRevision(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)
	c, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)
	res, err := st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID, Token: c.ClaimToken, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeFields: model.OfficeFields{Address: "1 Main St"}}},
	})
	require.NoError(t, err)

	stale := res.Offices[0]
	stale.Revision = 0
	ok, err := st.MarkOfficeSynced(ctx, stale, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_RecordExportFailure(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)
	c, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)
	res, err := st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID, Token: c.ClaimToken, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeFields: model.OfficeFields{Address: "1 Main St"}}},
	})
	require.NoError(t, err)

	require.NoError(t, st.RecordExportFailure(ctx, res.Offices[0], errors.New("connection reset")))
	events, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.StepExportFailed, last.Step)
	assert.Contains(t, string(last.Detail), "connection reset")
}

func TestSQLite_FinalizeExported_AfterRevalidationElsewhere(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")

	ext := driveTo(t, st, "E1", model.StateExtracted)
	c, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)
	res, err := st.Decide(ctx, DecisionInput{
		ExtractionID: ext.ID, Token: c.ClaimToken, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeFields: model.OfficeFields{Address: "1 Main St"}}},
	})
	require.NoError(t, err)

	// A forced re-extraction takes over the office before it is exported.
	ext2, err := st.CreateExtraction(ctx, "E1", "https://e1.house.gov", CreateOptions{Force: true})
	require.NoError(t, err)
	_, err = st.Transition(ctx, ext2.ID, model.StateFetching, TransitionOptions{})
	require.NoError(t, err)
	_, err = st.Transition(ctx, ext2.ID, model.StateExtracting, TransitionOptions{})
	require.NoError(t, err)
	_, err = st.CompleteExtraction(ctx, ext2.ID, []model.OfficeCandidate{{Address: model.Some("1 Main St")}}, nil)
	require.NoError(t, err)
	c2, err := st.ClaimNext(ctx, "alice", time.Minute)
	require.NoError(t, err)
	_, err = st.Decide(ctx, DecisionInput{
		ExtractionID: ext2.ID, Token: c2.ClaimToken, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeID: res.Offices[0].OfficeID, OfficeFields: model.OfficeFields{Address: "1 Main St"}}},
	})
	require.NoError(t, err)

	n, err := st.FinalizeExported(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first, err := st.GetExtraction(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExported, first.State)
}

// --- Purge ---

func TestSQLite_Purge(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	office := exportOne(t, st, "E1")
	exts, err := st.ListExtractions(ctx, ExtractionFilter{EntityID: "E1"})
	require.NoError(t, err)
	ext := exts[0]

	_, err = st.InsertArtifact(ctx, ArtifactRecord{
		Artifact: model.Artifact{ExtractionID: ext.ID, Kind: model.ArtifactRawHTML, ContentType: "text/html", BlobKey: "extractions/1/raw_html/1"},
	}, false)
	require.NoError(t, err)

	keys, err := st.Purge(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"extractions/1/raw_html/1"}, keys)

	arts, err := st.ListArtifacts(ctx, ext.ID)
	require.NoError(t, err)
	assert.Empty(t, arts)
	offices, err := st.ListExtractedOffices(ctx, ext.ID)
	require.NoError(t, err)
	assert.Empty(t, offices)

	// Validated offices and provenance survive.
	validated, err := st.ListValidatedOffices(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, validated, 1)
	assert.Equal(t, office.OfficeID, validated[0].OfficeID)
	events, err := st.Events(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepPurged, events[len(events)-1].Step)
}

func TestSQLite_Purge_RefusesActive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedEntities(t, st, "E1")
	ext := driveTo(t, st, "E1", model.StateExtracted)

	_, err := st.Purge(ctx, ext.ID)
	assert.True(t, errors.Is(err, ErrNotPurgeable))
}

// --- Sync log ---

func TestSQLite_SyncLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id1, err := st.StartSync(ctx, model.SyncEntitiesImport, "from_upstream")
	require.NoError(t, err)
	require.NoError(t, st.CompleteSync(ctx, id1, 435, 0))

	id2, err := st.StartSync(ctx, model.SyncOfficesExport, "to_upstream")
	require.NoError(t, err)
	require.NoError(t, st.FailSync(ctx, id2, errors.New("upstream down")))

	last, err := st.LastSyncs(ctx)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, model.SyncEntitiesImport, last[0].SyncType)
	assert.Equal(t, model.SyncCompleted, last[0].Status)
	assert.Equal(t, 435, last[0].RecordsProcessed)
	assert.Equal(t, model.SyncFailed, last[1].Status)
	assert.Equal(t, "upstream down", last[1].ErrorMessage)

	assert.True(t, errors.Is(st.CompleteSync(ctx, 999, 0, 0), ErrNotFound))
}
