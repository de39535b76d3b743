package model

import (
	"strings"
	"time"
)

// Entity is a representative whose district offices are tracked. Entities
// are imported from the upstream store and are read-only during processing.
type Entity struct {
	ID         string    `json:"entity_id" yaml:"entity_id"`
	Name       string    `json:"name" yaml:"name"`
	State      string    `json:"state,omitempty" yaml:"state"`
	WebsiteURL string    `json:"website_url" yaml:"website_url"`
	ContactURL string    `json:"contact_url,omitempty" yaml:"contact_url"`
	ImportedAt time.Time `json:"imported_at" yaml:"-"`
}

// SourceURL returns the URL extraction should start from: the contact page
// when one is known, otherwise the official website.
func (e Entity) SourceURL() string {
	if u := strings.TrimSpace(e.ContactURL); u != "" {
		return u
	}
	return strings.TrimSpace(e.WebsiteURL)
}

// DisplayName joins first and last name the way the upstream members table
// stores them.
func DisplayName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
