package review

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/district-offices/internal/artifact"
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

type fixture struct {
	st   *store.SQLiteStore
	arts *artifact.Store
	orch *Orchestrator
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	st := newTestSQLiteStore(t)
	arts := artifact.New(st, nil, artifact.Options{})
	return &fixture{st: st, arts: arts, orch: New(st, arts, ttl)}
}

// extracted seeds an entity and drives one extraction to extracted.
func (f *fixture) extracted(t *testing.T, entityID string, cands ...model.OfficeCandidate) *model.Extraction {
	t.Helper()
	ctx := context.Background()
	_, err := f.st.UpsertEntities(ctx, []model.Entity{{
		ID: entityID, Name: "Rep " + entityID, State: "TX", WebsiteURL: "https://" + entityID + ".house.gov",
	}})
	require.NoError(t, err)

	ext, err := f.st.CreateExtraction(ctx, entityID, "https://"+entityID+".house.gov/contact", store.CreateOptions{Force: true})
	require.NoError(t, err)
	_, err = f.st.Transition(ctx, ext.ID, model.StateFetching, store.TransitionOptions{})
	require.NoError(t, err)
	_, err = f.st.Transition(ctx, ext.ID, model.StateExtracting, store.TransitionOptions{})
	require.NoError(t, err)
	if len(cands) == 0 {
		cands = []model.OfficeCandidate{{Address: model.Some("1 Main St"), City: model.Some("Austin"), State: model.Some("TX")}}
	}
	ext, err = f.st.CompleteExtraction(ctx, ext.ID, cands, nil)
	require.NoError(t, err)
	return ext
}

func TestClaimNext_ReturnsCandidatesAndPriorOffices(t *testing.T) {
	f := newFixture(t, time.Minute)
	ext := f.extracted(t, "E1")

	claim, err := f.orch.ClaimNext(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, ext.ID, claim.Extraction.ID)
	assert.Equal(t, model.StateValidating, claim.Extraction.State)
	assert.NotEmpty(t, claim.Token)
	assert.Equal(t, "Rep E1", claim.Entity.Name)
	require.Len(t, claim.Candidates, 1)
	assert.Empty(t, claim.Prior)
	assert.WithinDuration(t, time.Now().Add(time.Minute), claim.ExpiresAt, 5*time.Second)

	next, err := f.orch.ClaimNext(context.Background(), "bob")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDecide_AcceptWritesOfficesAndResult(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	ext := f.extracted(t, "E1")

	claim, err := f.orch.ClaimNext(ctx, "alice")
	require.NoError(t, err)

	res, err := f.orch.Decide(ctx, store.DecisionInput{
		ExtractionID: ext.ID,
		Token:        claim.Token,
		Decision:     model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeFields: model.OfficeFields{
			Address: "1 Main Street", City: "Austin", State: "TX", Zip: "78701",
		}}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateValidated, res.Extraction.State)
	require.Len(t, res.Offices, 1)
	assert.Equal(t, "1 Main Street", res.Offices[0].Address)

	data, meta, err := f.arts.Current(ctx, ext.ID, model.ArtifactValidationResult)
	require.NoError(t, err)
	assert.Equal(t, "application/json", meta.ContentType)
	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "accept", record["decision"])
	assert.Equal(t, "alice", record["holder"])
	assert.Len(t, record["original"], 1)
	assert.Len(t, record["final"], 1)
}

func TestDecide_RejectWritesNoOffices(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	ext := f.extracted(t, "E1")
	claim, err := f.orch.ClaimNext(ctx, "alice")
	require.NoError(t, err)

	res, err := f.orch.Decide(ctx, store.DecisionInput{
		ExtractionID: ext.ID, Token: claim.Token, Decision: model.DecisionReject, Reason: "campaign office",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, res.Extraction.State)

	offices, err := f.st.ListValidatedOffices(ctx, "E1")
	require.NoError(t, err)
	assert.Empty(t, offices)
}

func TestDecide_RevalidationKeepsOfficeID(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	first := f.extracted(t, "E1")
	claim, err := f.orch.ClaimNext(ctx, "alice")
	require.NoError(t, err)
	res, err := f.orch.Decide(ctx, store.DecisionInput{
		ExtractionID: first.ID, Token: claim.Token, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeFields: model.OfficeFields{Address: "1 Main St", City: "Austin"}}},
	})
	require.NoError(t, err)
	officeID := res.Offices[0].OfficeID

	second := f.extracted(t, "E1")
	claim, err = f.orch.ClaimNext(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, second.ID, claim.Extraction.ID)
	require.Len(t, claim.Prior, 1)
	assert.Equal(t, officeID, claim.Prior[0].OfficeID)

	res, err = f.orch.Decide(ctx, store.DecisionInput{
		ExtractionID: second.ID, Token: claim.Token, Decision: model.DecisionAccept,
		Offices: []model.EditedOffice{{OfficeID: officeID, OfficeFields: model.OfficeFields{Address: "2 Main St", City: "Austin"}}},
	})
	require.NoError(t, err)
	require.Len(t, res.Offices, 1)
	assert.Equal(t, officeID, res.Offices[0].OfficeID)
	assert.Equal(t, "2 Main St", res.Offices[0].Address)
	assert.Equal(t, 2, res.Offices[0].Revision)
}

func TestDecide_ExpiredClaimTimesOut(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	ext := f.extracted(t, "E1")
	claim, err := f.orch.ClaimNext(ctx, "alice")
	require.NoError(t, err)

	f.orch.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	_, err = f.orch.Decide(ctx, store.DecisionInput{ExtractionID: ext.ID, Token: claim.Token, Decision: model.DecisionReject})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationTimeout))

	released, err := f.orch.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{ext.ID}, released)

	again, err := f.orch.ClaimNext(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, ext.ID, again.Extraction.ID)
	assert.NotEqual(t, claim.Token, again.Token)
}

func TestDecide_StaleTokenLosesClaim(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	ext := f.extracted(t, "E1")
	claim, err := f.orch.ClaimNext(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, f.orch.Release(ctx, ext.ID, claim.Token))

	_, err = f.orch.Decide(ctx, store.DecisionInput{ExtractionID: ext.ID, Token: claim.Token, Decision: model.DecisionReject})
	assert.True(t, errors.Is(err, store.ErrClaimLost))
}

func TestSweep_ReleasesExpiredClaims(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ext := f.extracted(t, "E1")

	claim, err := f.orch.ClaimNext(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, claim)

	go f.orch.Sweep(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		got, err := f.st.GetExtraction(context.Background(), ext.ID)
		return err == nil && got.ClaimHolder == ""
	}, time.Second, 10*time.Millisecond)
}

func TestReviewPage_RendersAndArchivesOnce(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	ext := f.extracted(t, "E1")
	claim, err := f.orch.ClaimNext(ctx, "alice")
	require.NoError(t, err)

	page, err := f.orch.ReviewPage(ctx, ext.ID, claim.Token)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Rep E1")
	assert.Contains(t, string(page), `value="1 Main St"`)
	assert.Contains(t, string(page), claim.Token)

	_, err = f.orch.ReviewPage(ctx, ext.ID, claim.Token)
	require.NoError(t, err)

	archived, meta, err := f.arts.Current(ctx, ext.ID, model.ArtifactReviewPage)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Version)
	assert.NotContains(t, string(archived), claim.Token)

	_, err = f.orch.ReviewPage(ctx, ext.ID, "wrong")
	assert.True(t, errors.Is(err, store.ErrClaimLost))
}

func TestDetail_IncludesEventsAndArtifacts(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	ext := f.extracted(t, "E1")
	_, err := f.arts.Put(ctx, ext.ID, model.ArtifactRawHTML, []byte("<html></html>"), "text/html")
	require.NoError(t, err)

	d, err := f.orch.Detail(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, ext.ID, d.Extraction.ID)
	assert.Len(t, d.Candidates, 1)
	assert.Len(t, d.Artifacts, 1)
	assert.NotEmpty(t, d.Events)
	assert.Equal(t, model.StepCreated, d.Events[0].Step)

	_, err = f.orch.Detail(ctx, 9999)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
