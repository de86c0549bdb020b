// Package store persists object bytes addressed by their SHA-256 digest.
// Two interchangeable backends exist: a local filesystem layout and a
// MinIO/S3 bucket. Callers see only the Backend interface.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// PutResult describes where an object landed.
type PutResult struct {
	Path   string
	Size   int64
	SHA256 string
}

// Backend is the storage capability: content-addressed put, read-back by
// storage path, and an existence probe by digest. Put is idempotent for
// identical bytes: a duplicate upload returns the existing location without
// a second write.
type Backend interface {
	Put(ctx context.Context, data []byte, originalName string) (PutResult, error)
	Get(ctx context.Context, storagePath string) ([]byte, error)
	Exists(ctx context.Context, sha256Hex string) (string, bool, error)
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// objectName builds the opaque per-object file name:
// <uuid>_<digest-prefix><original extension>.
func objectName(digest, originalName string) string {
	ext := ""
	if originalName != "" {
		ext = filepath.Ext(originalName)
	}
	return uuid.NewString() + "_" + digest[:8] + ext
}

// datePrefix groups objects by upload date, e.g. "20260829".
func datePrefix(now time.Time) string {
	return now.UTC().Format("20060102")
}
