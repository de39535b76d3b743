// Package artifact stores the immutable blobs produced by each extraction:
// fetched documents, cleaned text, model responses, review pages, and
// review results. Compression and external offload are invisible to callers.
package artifact

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/store"
)

// ErrCorrupt indicates stored bytes no longer match the recorded length.
var ErrCorrupt = errors.New("artifact: stored length mismatch")

// Metadata is the subset of the local store the artifact store needs.
type Metadata interface {
	InsertArtifact(ctx context.Context, rec store.ArtifactRecord, supersede bool) (*model.Artifact, error)
	GetArtifact(ctx context.Context, ref model.ArtifactRef) (*store.ArtifactRecord, error)
	ListArtifacts(ctx context.Context, extractionID int64) ([]model.Artifact, error)
}

// Options tune compression and offload.
type Options struct {
	// CompressThreshold is the size at or above which content is gzipped.
	// Zero disables compression.
	CompressThreshold int
	// OffloadThreshold is the stored size above which content goes to the
	// blob backend. Ignored without a backend.
	OffloadThreshold int
}

// Store puts and gets artifacts addressed by (extraction id, kind).
type Store struct {
	meta  Metadata
	blobs BlobStore
	opts  Options
}

// New creates an artifact store. blobs may be nil to keep all bytes local.
func New(meta Metadata, blobs BlobStore, opts Options) *Store {
	return &Store{meta: meta, blobs: blobs, opts: opts}
}

// Put stores a new artifact. It fails with store.ErrArtifactExists when a
// current artifact of the same kind already exists for the extraction.
func (s *Store) Put(ctx context.Context, extractionID int64, kind model.ArtifactKind, data []byte, contentType string) (model.ArtifactRef, error) {
	return s.write(ctx, extractionID, kind, data, contentType, false)
}

// Supersede stores a new version of an artifact, retiring the current one.
// The old version stays readable by its ref and the supersession is logged
// in provenance.
func (s *Store) Supersede(ctx context.Context, extractionID int64, kind model.ArtifactKind, data []byte, contentType string) (model.ArtifactRef, error) {
	return s.write(ctx, extractionID, kind, data, contentType, true)
}

// Get returns the original bytes of an artifact version. A zero Version
// selects the current one.
func (s *Store) Get(ctx context.Context, ref model.ArtifactRef) ([]byte, *model.Artifact, error) {
	rec, err := s.meta.GetArtifact(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	stored := rec.Content
	if rec.BlobKey != "" {
		if s.blobs == nil {
			return nil, nil, eris.Errorf("artifact: %s is offloaded but no blob backend is configured", rec.BlobKey)
		}
		stored, err = s.blobs.Download(ctx, rec.BlobKey)
		if err != nil {
			return nil, nil, err
		}
	}
	if int64(len(stored)) != rec.StoredLength {
		return nil, nil, eris.Wrapf(ErrCorrupt, "%d/%s/v%d stored %d bytes, recorded %d",
			rec.ExtractionID, rec.Kind, rec.Version, len(stored), rec.StoredLength)
	}

	data := stored
	if rec.Compressed {
		data, err = gunzip(stored)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "artifact: decompress %d/%s", rec.ExtractionID, rec.Kind)
		}
	}
	if int64(len(data)) != rec.ByteLength {
		return nil, nil, eris.Wrapf(ErrCorrupt, "%d/%s/v%d has %d bytes, recorded %d",
			rec.ExtractionID, rec.Kind, rec.Version, len(data), rec.ByteLength)
	}
	meta := rec.Artifact
	return data, &meta, nil
}

// Current returns the current version of an artifact kind.
func (s *Store) Current(ctx context.Context, extractionID int64, kind model.ArtifactKind) ([]byte, *model.Artifact, error) {
	return s.Get(ctx, model.ArtifactRef{ExtractionID: extractionID, Kind: kind})
}

// Exists reports whether a current artifact of the kind exists.
func (s *Store) Exists(ctx context.Context, extractionID int64, kind model.ArtifactKind) (bool, error) {
	_, err := s.meta.GetArtifact(ctx, model.ArtifactRef{ExtractionID: extractionID, Kind: kind})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns artifact metadata for an extraction.
func (s *Store) List(ctx context.Context, extractionID int64) ([]model.Artifact, error) {
	return s.meta.ListArtifacts(ctx, extractionID)
}

// DeleteBlobs removes offloaded bytes after an extraction is purged.
func (s *Store) DeleteBlobs(ctx context.Context, keys []string) error {
	if s.blobs == nil || len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		if err := s.blobs.Delete(ctx, k); err != nil && !errors.Is(err, ErrBlobNotFound) {
			return err
		}
	}
	return nil
}

func (s *Store) write(ctx context.Context, extractionID int64, kind model.ArtifactKind, data []byte, contentType string, supersede bool) (model.ArtifactRef, error) {
	if !kind.Valid() {
		return model.ArtifactRef{}, eris.Errorf("artifact: unknown kind %q", kind)
	}

	stored := data
	compressed := false
	if s.opts.CompressThreshold > 0 && len(data) >= s.opts.CompressThreshold {
		gz, err := gzipBytes(data)
		if err != nil {
			return model.ArtifactRef{}, eris.Wrapf(err, "artifact: compress %d/%s", extractionID, kind)
		}
		if len(gz) < len(data) {
			stored, compressed = gz, true
		}
	}

	rec := store.ArtifactRecord{
		Artifact: model.Artifact{
			ExtractionID: extractionID,
			Kind:         kind,
			ContentType:  contentType,
			ByteLength:   int64(len(data)),
			StoredLength: int64(len(stored)),
			Compressed:   compressed,
		},
		Content: stored,
	}

	if s.blobs != nil && s.opts.OffloadThreshold > 0 && len(stored) > s.opts.OffloadThreshold {
		key, err := s.offload(ctx, extractionID, kind, stored, compressed, contentType)
		if err != nil {
			return model.ArtifactRef{}, err
		}
		rec.BlobKey = key
		rec.Content = nil
	}

	a, err := s.meta.InsertArtifact(ctx, rec, supersede)
	if err != nil {
		if rec.BlobKey != "" {
			if delErr := s.blobs.Delete(ctx, rec.BlobKey); delErr != nil {
				zap.L().Warn("artifact: orphaned blob", zap.String("key", rec.BlobKey), zap.Error(delErr))
			}
		}
		return model.ArtifactRef{}, err
	}

	zap.L().Debug("artifact: stored",
		zap.Int64("extraction_id", extractionID),
		zap.String("kind", string(kind)),
		zap.Int("version", a.Version),
		zap.Int64("bytes", a.ByteLength),
		zap.Bool("compressed", compressed),
		zap.Bool("offloaded", rec.BlobKey != ""),
	)
	return a.Ref(), nil
}

// offload uploads under a key unique to this write, since the version is
// only assigned when the metadata row is inserted.
func (s *Store) offload(ctx context.Context, extractionID int64, kind model.ArtifactKind, stored []byte, compressed bool, contentType string) (string, error) {
	existing, err := s.meta.ListArtifacts(ctx, extractionID)
	if err != nil {
		return "", err
	}
	next := 1
	for _, a := range existing {
		if a.Kind == kind && a.Version >= next {
			next = a.Version + 1
		}
	}
	key := fmt.Sprintf("extractions/%d/%s/%d", extractionID, kind, next)
	ct := contentType
	if compressed {
		ct = "application/gzip"
	}
	if err := s.blobs.Upload(ctx, key, stored, ct); err != nil {
		return "", err
	}
	return key, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close() //nolint:errcheck
	return io.ReadAll(zr)
}
