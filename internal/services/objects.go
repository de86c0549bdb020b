package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trustlock/storage-audit/internal/apperr"
	"github.com/trustlock/storage-audit/internal/metadata"
	"github.com/trustlock/storage-audit/internal/store"
)

// ErrUploadTooLarge is returned before any storage write when an upload
// exceeds the configured cap.
var ErrUploadTooLarge error = apperr.TooLarge("upload exceeds configured size limit")

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// ObjectService composes the content-addressed backend with the metadata
// index: the index short-circuits duplicate uploads without touching the
// backend, and successful writes are recorded for the next existence check.
type ObjectService struct {
	backend  store.Backend
	meta     *metadata.Store
	maxBytes int64
}

// NewObjectService creates an ObjectService. maxBytes caps upload size.
func NewObjectService(backend store.Backend, meta *metadata.Store, maxBytes int64) *ObjectService {
	return &ObjectService{backend: backend, meta: meta, maxBytes: maxBytes}
}

// MaxBytes returns the configured upload cap.
func (s *ObjectService) MaxBytes() int64 {
	return s.maxBytes
}

// Upload stores data and returns its record. The bool reports whether a new
// object was written (false for a dedup hit). Uploading identical bytes
// twice returns the same record both times, regardless of the name hint.
func (s *ObjectService) Upload(ctx context.Context, data []byte, originalName string) (metadata.ObjectRecord, bool, error) {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return metadata.ObjectRecord{}, false, ErrUploadTooLarge
	}

	digest := store.Digest(data)
	rec, err := s.meta.Get(digest)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		return metadata.ObjectRecord{}, false, fmt.Errorf("metadata lookup: %w", err)
	}

	res, err := s.backend.Put(ctx, data, originalName)
	if err != nil {
		// Nothing was committed to the index for a failed write.
		return metadata.ObjectRecord{}, false, fmt.Errorf("store object: %w", err)
	}

	rec, err = s.meta.Put(metadata.ObjectRecord{
		SHA256:       res.SHA256,
		StoragePath:  res.Path,
		Size:         res.Size,
		OriginalName: originalName,
		CreatedAt:    time.Now().UTC().Format(timeFormat),
	})
	if err != nil {
		return metadata.ObjectRecord{}, false, fmt.Errorf("record object metadata: %w", err)
	}
	return rec, true, nil
}

// Fetch returns the record and bytes for a stored digest.
func (s *ObjectService) Fetch(ctx context.Context, sha256Hex string) (metadata.ObjectRecord, []byte, error) {
	rec, err := s.meta.Get(sha256Hex)
	if err != nil {
		return metadata.ObjectRecord{}, nil, err
	}
	data, err := s.backend.Get(ctx, rec.StoragePath)
	if err != nil {
		return metadata.ObjectRecord{}, nil, fmt.Errorf("fetch object %s: %w", sha256Hex, err)
	}
	return rec, data, nil
}

// List returns a point-in-time scan of all object records.
func (s *ObjectService) List(ctx context.Context) ([]metadata.ObjectRecord, error) {
	return s.meta.List()
}
