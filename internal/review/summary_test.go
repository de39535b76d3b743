package review

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/sells-group/district-offices/internal/model"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestFormatSummary_Full(t *testing.T) {
	claim := &Claim{
		Entity: &model.Entity{ID: "A000370", Name: "Alma Adams", State: "NC"},
		Extraction: &model.Extraction{
			ID:         42,
			State:      model.StateValidating,
			RetryCount: 1,
			Priority:   2,
			SourceURL:  "https://adams.house.gov/contact",
			FinalURL:   "https://adams.house.gov/contact/offices",
		},
		Candidates: []model.ExtractedOffice{
			{Seq: 1, Candidate: model.OfficeCandidate{
				OfficeType: model.Some("district"),
				Address:    model.Some("1 Main St"),
				Suite:      model.Some("Suite 100"),
				City:       model.Some("Charlotte"),
				State:      model.Some("NC"),
				Zip:        model.Some("28202"),
				Phone:      model.Some("704-555-0100"),
				Hours:      model.Some("Mon-Fri 9-5"),
			}},
			{Seq: 2, Candidate: model.OfficeCandidate{City: model.Some("Greensboro"), Phone: model.Some("336-555-0101")}},
			{Seq: 3, Candidate: model.OfficeCandidate{Phone: model.Some("704-555-0199")}},
		},
		Prior: []model.ValidatedOffice{{
			OfficeID:         "off-1",
			OfficeFields:     model.OfficeFields{Address: "1 Main St", City: "Charlotte", State: "NC", Zip: "28202"},
			Revision:         2,
			SyncedToUpstream: true,
		}},
	}

	newGoldie(t).Assert(t, "summary_full", []byte(FormatSummary(claim)))
}

func TestFormatSummary_Empty(t *testing.T) {
	claim := &Claim{Extraction: &model.Extraction{ID: 7, State: model.StateExtracted, SourceURL: "https://x.house.gov"}}

	newGoldie(t).Assert(t, "summary_empty", []byte(FormatSummary(claim)))
}
