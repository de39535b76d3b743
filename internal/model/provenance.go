package model

import (
	"encoding/json"
	"time"
)

// Provenance step names.
const (
	StepCreated            = "created"
	StepTransition         = "transition"
	StepArtifactStored     = "artifact_stored"
	StepArtifactSuperseded = "artifact_superseded"
	StepSuperseded         = "superseded"
	StepClaimed            = "claimed"
	StepClaimReleased      = "claim_released"
	StepDecision           = "decision"
	StepExported           = "office_exported"
	StepExportFailed       = "office_export_failed"
	StepRetry              = "retry_scheduled"
	StepRecovered          = "recovered"
	StepPurged             = "purged"
)

// Provenance outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// ProvenanceEvent is an append-only audit record for one extraction. Seq is
// strictly increasing per extraction.
type ProvenanceEvent struct {
	ID           int64           `json:"id"`
	ExtractionID int64           `json:"extraction_id"`
	Seq          int             `json:"seq"`
	Timestamp    time.Time       `json:"timestamp"`
	Step         string          `json:"step"`
	Outcome      string          `json:"outcome"`
	FromState    State           `json:"from_state,omitempty"`
	ToState      State           `json:"to_state,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
}

// Transition describes a state change and the event that records it.
type Transition struct {
	From    State
	To      State
	Outcome string
	Detail  any
}

// SyncType names a sync-log operation.
type SyncType string

const (
	SyncEntitiesImport SyncType = "entities_import"
	SyncOfficesExport  SyncType = "offices_export"
)

// SyncStatus tracks a sync-log row through its lifecycle.
type SyncStatus string

const (
	SyncStarted   SyncStatus = "started"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncLogEntry records one import or export run.
type SyncLogEntry struct {
	ID               int64      `json:"id"`
	SyncType         SyncType   `json:"sync_type"`
	Direction        string     `json:"direction"`
	Status           SyncStatus `json:"status"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsFailed    int        `json:"records_failed"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}
