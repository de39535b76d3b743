package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/district-offices/internal/model"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrIllegalTransition indicates a state change the lifecycle forbids.
	ErrIllegalTransition = errors.New("store: illegal state transition")
	// ErrActiveExtraction indicates the entity already has an active extraction.
	ErrActiveExtraction = errors.New("store: entity has an active extraction")
	// ErrArtifactExists indicates a current artifact already exists for the
	// (extraction, kind) pair.
	ErrArtifactExists = errors.New("store: artifact already exists")
	// ErrClaimLost indicates the caller no longer holds the review claim.
	ErrClaimLost = errors.New("store: review claim not held")
	// ErrNoAcceptedOffices indicates an accept decision without offices.
	ErrNoAcceptedOffices = errors.New("store: accept requires at least one office")
	// ErrUnknownOffice indicates a re-validation referenced an office the
	// entity does not own.
	ErrUnknownOffice = errors.New("store: unknown office id for entity")
	// ErrNotPurgeable indicates the extraction is still active.
	ErrNotPurgeable = errors.New("store: only terminal or superseded extractions can be purged")
)

// CreateOptions control how a new extraction is created.
type CreateOptions struct {
	Priority   int
	RunID      string
	RetryCount int
	// Force supersedes an extracted or validated extraction instead of
	// refusing. In-flight extractions are never superseded.
	Force bool
}

// TransitionOptions carry the data recorded with a state change.
type TransitionOptions struct {
	ErrorKind    model.ErrorKind
	ErrorMessage string
	// Exhausted marks a failed extraction as out of automatic retries.
	Exhausted bool
	FinalURL  string
	Detail    any
}

// ExtractionFilter specifies criteria for listing extractions.
type ExtractionFilter struct {
	EntityID    string
	States      []model.State
	CurrentOnly bool
	Limit       int
	Offset      int
}

// EligibilityFilter selects entities the scheduler may start work on.
type EligibilityFilter struct {
	EntityIDs []string
	Force     bool
	Limit     int
}

// DecisionInput is a reviewer's verdict for a claimed extraction.
type DecisionInput struct {
	ExtractionID int64
	Token        string
	Decision     model.Decision
	Offices      []model.EditedOffice
	Reason       string
}

// DecisionResult reports what a decision wrote.
type DecisionResult struct {
	Extraction *model.Extraction
	Offices    []model.ValidatedOffice
	Original   []model.ExtractedOffice
}

// ArtifactRecord is an artifact row with its stored bytes.
type ArtifactRecord struct {
	model.Artifact
	Content []byte
}

// StateCount is a per-state extraction tally.
type StateCount struct {
	State model.State `json:"state"`
	Count int         `json:"count"`
}

// Store defines the persistence interface for the extraction workflow.
type Store interface {
	// Entities
	UpsertEntities(ctx context.Context, entities []model.Entity) (int, error)
	GetEntity(ctx context.Context, entityID string) (*model.Entity, error)
	ListEntities(ctx context.Context) ([]model.Entity, error)
	EligibleEntities(ctx context.Context, filter EligibilityFilter) ([]model.Entity, error)

	// Extractions
	CreateExtraction(ctx context.Context, entityID, sourceURL string, opts CreateOptions) (*model.Extraction, error)
	GetExtraction(ctx context.Context, id int64) (*model.Extraction, error)
	ListExtractions(ctx context.Context, filter ExtractionFilter) ([]model.Extraction, error)
	Transition(ctx context.Context, id int64, to model.State, opts TransitionOptions) (*model.Extraction, error)
	CompleteExtraction(ctx context.Context, id int64, candidates []model.OfficeCandidate, detail any) (*model.Extraction, error)
	ListExtractedOffices(ctx context.Context, extractionID int64) ([]model.ExtractedOffice, error)
	AdoptExtraction(ctx context.Context, id int64, runID string) error
	ListStale(ctx context.Context, runID string, olderThan time.Time) ([]model.Extraction, error)
	CountByState(ctx context.Context) ([]StateCount, error)
	ActiveViolations(ctx context.Context) ([]string, error)
	Purge(ctx context.Context, id int64) ([]string, error)

	// Artifacts
	InsertArtifact(ctx context.Context, rec ArtifactRecord, supersede bool) (*model.Artifact, error)
	GetArtifact(ctx context.Context, ref model.ArtifactRef) (*ArtifactRecord, error)
	CurrentArtifact(ctx context.Context, extractionID int64, kind model.ArtifactKind) (*ArtifactRecord, error)
	ListArtifacts(ctx context.Context, extractionID int64) ([]model.Artifact, error)

	// Provenance
	AppendEvent(ctx context.Context, extractionID int64, step, outcome string, detail any) (*model.ProvenanceEvent, error)
	Events(ctx context.Context, extractionID int64) ([]model.ProvenanceEvent, error)

	// Review
	ClaimNext(ctx context.Context, holder string, ttl time.Duration) (*model.Extraction, error)
	Release(ctx context.Context, id int64, token string) error
	ReleaseExpired(ctx context.Context, now time.Time) ([]int64, error)
	Decide(ctx context.Context, in DecisionInput) (*DecisionResult, error)

	// Validated offices
	ListValidatedOffices(ctx context.Context, entityID string) ([]model.ValidatedOffice, error)
	ListUnsyncedOffices(ctx context.Context, limit int) ([]model.ValidatedOffice, error)
	MarkOfficeSynced(ctx context.Context, office model.ValidatedOffice, at time.Time) (bool, error)
	RecordExportFailure(ctx context.Context, office model.ValidatedOffice, cause error) error
	FinalizeExported(ctx context.Context) (int, error)

	// Sync log
	StartSync(ctx context.Context, syncType model.SyncType, direction string) (int64, error)
	CompleteSync(ctx context.Context, id int64, processed, failed int) error
	FailSync(ctx context.Context, id int64, cause error) error
	LastSyncs(ctx context.Context) ([]model.SyncLogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
