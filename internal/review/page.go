package review

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"

	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/store"
)

//go:embed templates/review.html
var templates embed.FS

var reviewTemplate = template.Must(template.ParseFS(templates, "templates/review.html"))

var officeColumns = []string{
	"office_type", "building", "address", "suite", "city",
	"state", "zip", "phone", "fax", "hours",
}

type pageRow struct {
	Index int
	model.OfficeFields
}

type pageData struct {
	Extraction *model.Extraction
	Entity     *model.Entity
	Rows       []pageRow
	Prior      []model.ValidatedOffice
	Fields     []string
	Token      string
	Summary    string
}

// ReviewPage renders the review form for a claimed extraction. The first
// rendering is kept as a review_page artifact without the claim token.
func (o *Orchestrator) ReviewPage(ctx context.Context, id int64, token string) ([]byte, error) {
	ext, err := o.store.GetExtraction(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "review: page %d", id)
	}
	if !ext.Claimed(o.now()) || ext.ClaimToken != token {
		return nil, eris.Wrapf(store.ErrClaimLost, "extraction %d", id)
	}

	claim := &Claim{Extraction: ext, Token: token}
	if ext.ClaimExpiresAt != nil {
		claim.ExpiresAt = *ext.ClaimExpiresAt
	}
	if claim.Entity, err = o.store.GetEntity(ctx, ext.EntityID); err != nil {
		return nil, eris.Wrapf(err, "review: entity of %d", id)
	}
	if claim.Candidates, err = o.store.ListExtractedOffices(ctx, id); err != nil {
		return nil, eris.Wrapf(err, "review: candidates of %d", id)
	}
	if claim.Prior, err = o.store.ListValidatedOffices(ctx, ext.EntityID); err != nil {
		return nil, eris.Wrapf(err, "review: prior offices of %s", ext.EntityID)
	}

	page, err := renderPage(claim, token)
	if err != nil {
		return nil, err
	}

	archived, err := renderPage(claim, "")
	if err != nil {
		return nil, err
	}
	if _, err := o.artifacts.Put(ctx, id, model.ArtifactReviewPage, archived, "text/html; charset=utf-8"); err != nil &&
		!errors.Is(err, store.ErrArtifactExists) {
		return nil, eris.Wrapf(err, "review: store page of %d", id)
	}
	return page, nil
}

func renderPage(c *Claim, token string) ([]byte, error) {
	data := pageData{
		Extraction: c.Extraction,
		Entity:     c.Entity,
		Prior:      c.Prior,
		Fields:     officeColumns,
		Token:      token,
		Summary:    FormatSummary(c),
	}
	for i, cand := range c.Candidates {
		data.Rows = append(data.Rows, pageRow{Index: i, OfficeFields: model.FieldsFromCandidate(cand.Candidate)})
	}
	var buf bytes.Buffer
	if err := reviewTemplate.Execute(&buf, data); err != nil {
		return nil, eris.Wrap(err, "review: render page")
	}
	return buf.Bytes(), nil
}
