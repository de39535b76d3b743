package model

import "time"

// ArtifactKind tags what an artifact holds.
type ArtifactKind string

const (
	ArtifactRawHTML          ArtifactKind = "raw_html"
	ArtifactCleanedHTML      ArtifactKind = "cleaned_html"
	ArtifactLLMResponse      ArtifactKind = "llm_response"
	ArtifactReviewPage       ArtifactKind = "review_page"
	ArtifactValidationResult ArtifactKind = "validation_result"
)

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactRawHTML, ArtifactCleanedHTML, ArtifactLLMResponse, ArtifactReviewPage, ArtifactValidationResult:
		return true
	}
	return false
}

// ArtifactRef addresses one stored version of an artifact.
type ArtifactRef struct {
	ExtractionID int64        `json:"extraction_id"`
	Kind         ArtifactKind `json:"kind"`
	Version      int          `json:"version"`
}

// Artifact is the metadata of an immutable blob owned by one extraction.
type Artifact struct {
	ID           int64        `json:"id"`
	ExtractionID int64        `json:"extraction_id"`
	Kind         ArtifactKind `json:"kind"`
	Version      int          `json:"version"`
	ContentType  string       `json:"content_type"`
	ByteLength   int64        `json:"byte_length"`
	StoredLength int64        `json:"stored_length"`
	Compressed   bool         `json:"compressed"`
	BlobKey      string       `json:"blob_key,omitempty"`
	Superseded   bool         `json:"superseded"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Ref returns the address of this artifact version.
func (a Artifact) Ref() ArtifactRef {
	return ArtifactRef{ExtractionID: a.ExtractionID, Kind: a.Kind, Version: a.Version}
}
