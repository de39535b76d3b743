package model

import (
	"time"
)

// State is the lifecycle state of an extraction attempt.
type State string

const (
	StatePending    State = "pending"
	StateFetching   State = "fetching"
	StateExtracting State = "extracting"
	StateExtracted  State = "extracted"
	StateValidating State = "validating"
	StateValidated  State = "validated"
	StateRejected   State = "rejected"
	StateExported   State = "exported"
	StateFailed     State = "failed"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePending, StateFetching, StateExtracting, StateExtracted,
	StateValidating, StateValidated, StateRejected, StateExported, StateFailed,
}

// forward holds the legal non-failure transitions.
var forward = map[State][]State{
	StatePending:    {StateFetching},
	StateFetching:   {StateExtracting},
	StateExtracting: {StateExtracted},
	StateExtracted:  {StateValidating},
	StateValidating: {StateValidated, StateRejected},
	StateValidated:  {StateExported},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateExported || s == StateFailed
}

// InFlight reports whether a worker or reviewer is actively driving the
// extraction. In-flight extractions are never superseded.
func (s State) InFlight() bool {
	switch s {
	case StatePending, StateFetching, StateExtracting, StateValidating:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is legal. Only forward moves are
// allowed, plus failed from any non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies why an extraction failed.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindHTTPStatus ErrorKind = "http_status"
	ErrorKindConnection ErrorKind = "connection"
	ErrorKindProvider   ErrorKind = "provider_error"
	ErrorKindMalformed  ErrorKind = "malformed_response"
	ErrorKindQuota      ErrorKind = "quota"
	ErrorKindNoOffices  ErrorKind = "no_offices"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindAbandoned  ErrorKind = "abandoned"
	ErrorKindInternal   ErrorKind = "internal"
)

// Extraction is one attempt to obtain offices for an entity from one URL.
type Extraction struct {
	ID             int64      `json:"extraction_id"`
	EntityID       string     `json:"entity_id"`
	SourceURL      string     `json:"source_url"`
	FinalURL       string     `json:"final_url,omitempty"`
	State          State      `json:"state"`
	Priority       int        `json:"priority"`
	RetryCount     int        `json:"retry_count"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	Exhausted      bool       `json:"exhausted"`
	RunID          string     `json:"run_id,omitempty"`
	SupersededBy   *int64     `json:"superseded_by,omitempty"`
	ClaimToken     string     `json:"-"`
	ClaimHolder    string     `json:"claim_holder,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Current reports whether the extraction has not been superseded.
func (e Extraction) Current() bool {
	return e.SupersededBy == nil
}

// Active reports whether the extraction counts against the one-active-per-
// entity invariant.
func (e Extraction) Active() bool {
	return e.Current() && !e.State.Terminal()
}

// Claimed reports whether a review session holds an unexpired claim.
func (e Extraction) Claimed(now time.Time) bool {
	return e.State == StateValidating && e.ClaimToken != "" &&
		e.ClaimExpiresAt != nil && e.ClaimExpiresAt.After(now)
}
