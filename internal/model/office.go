package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// OptString is a string field that distinguishes "absent" from "present but
// empty". JSON null and a missing key both decode as absent.
type OptString struct {
	Value   string
	Present bool
}

// Some returns a present OptString.
func Some(v string) OptString {
	return OptString{Value: v, Present: true}
}

// None returns an absent OptString.
func None() OptString {
	return OptString{}
}

// Or returns the value when present, otherwise def.
func (o OptString) Or(def string) string {
	if o.Present {
		return o.Value
	}
	return def
}

// Filled reports whether the field is present and non-blank.
func (o OptString) Filled() bool {
	return o.Present && strings.TrimSpace(o.Value) != ""
}

// MarshalJSON encodes absent as null.
func (o OptString) MarshalJSON() ([]byte, error) {
	if !o.Present {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON accepts strings, numbers, and null. Model output sometimes
// renders zip codes and phone numbers as bare numbers.
func (o *OptString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*o = OptString{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return eris.Wrap(err, "model: decode string field")
		}
		*o = Some(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return eris.Errorf("model: field must be a string, number, or null, got %s", string(data))
	}
	if i, err := n.Int64(); err == nil {
		*o = Some(strconv.FormatInt(i, 10))
		return nil
	}
	*o = Some(n.String())
	return nil
}

// OfficeCandidate is a strictly shaped office produced by the extraction
// step. Each field records whether the model supplied it.
type OfficeCandidate struct {
	OfficeType OptString `json:"office_type"`
	Building   OptString `json:"building"`
	Address    OptString `json:"address"`
	Suite      OptString `json:"suite"`
	City       OptString `json:"city"`
	State      OptString `json:"state"`
	Zip        OptString `json:"zip"`
	Phone      OptString `json:"phone"`
	Fax        OptString `json:"fax"`
	Hours      OptString `json:"hours"`
}

// Usable reports whether the candidate has enough content to be reviewed.
func (c OfficeCandidate) Usable() bool {
	return c.Address.Filled() || c.City.Filled() || c.Phone.Filled()
}

var upper = cases.Upper(language.English)

// Normalize applies Unicode NFC, collapses internal whitespace, and
// upper-cases the state code. Absent fields stay absent.
func (c OfficeCandidate) Normalize() OfficeCandidate {
	clean := func(o OptString) OptString {
		if !o.Present {
			return o
		}
		return Some(strings.Join(strings.Fields(norm.NFC.String(o.Value)), " "))
	}
	out := OfficeCandidate{
		OfficeType: clean(c.OfficeType),
		Building:   clean(c.Building),
		Address:    clean(c.Address),
		Suite:      clean(c.Suite),
		City:       clean(c.City),
		State:      clean(c.State),
		Zip:        clean(c.Zip),
		Phone:      clean(c.Phone),
		Fax:        clean(c.Fax),
		Hours:      clean(c.Hours),
	}
	if out.State.Present {
		out.State.Value = upper.String(out.State.Value)
	}
	return out
}

// ExtractedOffice is an immutable candidate owned by one extraction.
type ExtractedOffice struct {
	ID           int64           `json:"id"`
	ExtractionID int64           `json:"extraction_id"`
	Seq          int             `json:"seq"`
	Candidate    OfficeCandidate `json:"candidate"`
	CreatedAt    time.Time       `json:"created_at"`
}

// OfficeFields are the reviewed values of an office.
type OfficeFields struct {
	OfficeType string `json:"office_type"`
	Building   string `json:"building"`
	Address    string `json:"address"`
	Suite      string `json:"suite"`
	City       string `json:"city"`
	State      string `json:"state"`
	Zip        string `json:"zip"`
	Phone      string `json:"phone"`
	Fax        string `json:"fax"`
	Hours      string `json:"hours"`
}

// FieldsFromCandidate flattens a candidate, turning absent fields into "".
func FieldsFromCandidate(c OfficeCandidate) OfficeFields {
	return OfficeFields{
		OfficeType: c.OfficeType.Or(""),
		Building:   c.Building.Or(""),
		Address:    c.Address.Or(""),
		Suite:      c.Suite.Or(""),
		City:       c.City.Or(""),
		State:      c.State.Or(""),
		Zip:        c.Zip.Or(""),
		Phone:      c.Phone.Or(""),
		Fax:        c.Fax.Or(""),
		Hours:      c.Hours.Or(""),
	}
}

// Empty reports whether the reviewer supplied nothing for the office.
func (f OfficeFields) Empty() bool {
	return f == OfficeFields{}
}

// EditedOffice is one office as submitted by a reviewer. OfficeID is set
// when the reviewer confirms a previously validated office.
type EditedOffice struct {
	OfficeID string `json:"office_id,omitempty"`
	OfficeFields
}

// ValidatedOffice is a human-approved office with its own stable identity.
// It outlives the extraction that produced it.
type ValidatedOffice struct {
	OfficeID           string `json:"office_id"`
	EntityID           string `json:"entity_id"`
	SourceExtractionID *int64 `json:"source_extraction_id,omitempty"`
	OfficeFields
	Revision         int        `json:"revision"`
	SyncedToUpstream bool       `json:"synced_to_upstream"`
	SyncedAt         *time.Time `json:"synced_at,omitempty"`
	ValidatedAt      time.Time  `json:"validated_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Decision is a reviewer's verdict on an extraction.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Valid reports whether d is accept or reject.
func (d Decision) Valid() bool {
	return d == DecisionAccept || d == DecisionReject
}
