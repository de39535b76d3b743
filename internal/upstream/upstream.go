// Package upstream reads entities from and writes validated offices to the
// canonical Postgres database.
package upstream

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/district-offices/internal/db"
	"github.com/sells-group/district-offices/internal/model"
)

// OfficeTable is the upstream table validated offices are written to.
const OfficeTable = "district_offices"

var officeUpsert = db.UpsertConfig{
	Table: OfficeTable,
	Columns: []string{
		"office_id", "bioguide_id", "office_type", "address", "suite", "building",
		"city", "state", "zip", "phone", "fax", "hours",
	},
	ConflictKeys: []string{"office_id"},
}

// Member is a current member row joined with its contact page, if any.
type Member struct {
	BioguideID  string
	WebsiteURL  string
	FirstName   string
	LastName    string
	State       string
	ContactPage string
}

// Entity converts the member into a local entity.
func (m Member) Entity() model.Entity {
	return model.Entity{
		ID:         m.BioguideID,
		Name:       model.DisplayName(m.FirstName, m.LastName),
		State:      strings.ToUpper(strings.TrimSpace(m.State)),
		WebsiteURL: strings.TrimSpace(m.WebsiteURL),
		ContactURL: strings.TrimSpace(m.ContactPage),
	}
}

// Client wraps the upstream pool.
type Client struct {
	pool db.Pool
}

// New creates a Client over an open pool.
func New(pool db.Pool) *Client {
	return &Client{pool: pool}
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// ListMembers returns current members with their contact pages merged in.
// Contact rows for unknown or former members are ignored.
func (c *Client) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT bioguideid, COALESCE(officialwebsiteurl, ''), COALESCE(firstname, ''),
		        COALESCE(lastname, ''), COALESCE(state, '')
		   FROM members
		  WHERE currentmember = true
		  ORDER BY bioguideid`)
	if err != nil {
		return nil, eris.Wrap(err, "upstream: list members")
	}
	defer rows.Close()

	var members []Member
	index := make(map[string]int)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.BioguideID, &m.WebsiteURL, &m.FirstName, &m.LastName, &m.State); err != nil {
			return nil, eris.Wrap(err, "upstream: scan member")
		}
		index[m.BioguideID] = len(members)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "upstream: iterate members")
	}

	contacts, err := c.listContacts(ctx)
	if err != nil {
		return nil, err
	}
	for id, page := range contacts {
		if i, ok := index[id]; ok {
			members[i].ContactPage = page
		}
	}
	return members, nil
}

func (c *Client) listContacts(ctx context.Context) (map[string]string, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT bioguideid, contact_page FROM members_contact WHERE contact_page IS NOT NULL AND contact_page <> ''`)
	if err != nil {
		return nil, eris.Wrap(err, "upstream: list contacts")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, page string
		if err := rows.Scan(&id, &page); err != nil {
			return nil, eris.Wrap(err, "upstream: scan contact")
		}
		out[id] = page
	}
	return out, eris.Wrap(rows.Err(), "upstream: iterate contacts")
}

// UpsertOffice writes one validated office keyed by office_id. Repeating
// the call with the same office is idempotent.
func (c *Client) UpsertOffice(ctx context.Context, o model.ValidatedOffice) error {
	if o.OfficeID == "" || o.EntityID == "" {
		return eris.New("upstream: office_id and entity_id are required")
	}
	_, err := db.Upsert(ctx, c.pool, officeUpsert, []any{
		o.OfficeID, o.EntityID, nullable(o.OfficeType),
		nullable(o.Address), nullable(o.Suite), nullable(o.Building),
		nullable(o.City), nullable(o.State), nullable(o.Zip),
		nullable(o.Phone), nullable(o.Fax), nullable(o.Hours),
	})
	if err != nil {
		return eris.Wrapf(err, "upstream: upsert office %s", o.OfficeID)
	}
	return nil
}

// CountOffices returns how many offices upstream holds for an entity.
func (c *Client) CountOffices(ctx context.Context, entityID string) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgx.Identifier{OfficeTable}.Sanitize()+` WHERE bioguide_id = $1`, entityID).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "upstream: count offices for %s", entityID)
	}
	return n, nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
