package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local stores objects under <baseDir>/objects/<YYYYMMDD>/<name>. The digest
// prefix embedded in each file name doubles as the existence index.
type Local struct {
	baseDir string
}

// NewLocal creates a filesystem backend rooted at dataDir.
func NewLocal(dataDir string) (*Local, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("objects dir: %w", err)
	}
	return &Local{baseDir: dataDir}, nil
}

func (l *Local) objectsDir() string {
	return filepath.Join(l.baseDir, "objects")
}

// Put writes data unless an object with the same digest already exists, in
// which case the existing location is returned and no write occurs.
func (l *Local) Put(ctx context.Context, data []byte, originalName string) (PutResult, error) {
	digest := Digest(data)

	existing, ok, err := l.Exists(ctx, digest)
	if err != nil {
		return PutResult{}, err
	}
	if ok {
		info, err := os.Stat(existing)
		if err != nil {
			return PutResult{}, fmt.Errorf("stat existing object: %w", err)
		}
		return PutResult{Path: existing, Size: info.Size(), SHA256: digest}, nil
	}

	dir := filepath.Join(l.objectsDir(), datePrefix(time.Now()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PutResult{}, fmt.Errorf("object date dir: %w", err)
	}
	path := filepath.Join(dir, objectName(digest, originalName))

	// Temp-write then rename so a failed write never leaves a file that a
	// later existence probe would mistake for the object.
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return PutResult{}, fmt.Errorf("object temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return PutResult{}, fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return PutResult{}, fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return PutResult{}, fmt.Errorf("publish object: %w", err)
	}

	return PutResult{Path: path, Size: int64(len(data)), SHA256: digest}, nil
}

// Get reads an object back by its storage path. The path must resolve inside
// the objects directory.
func (l *Local) Get(ctx context.Context, storagePath string) ([]byte, error) {
	abs, err := filepath.Abs(storagePath)
	if err != nil {
		return nil, fmt.Errorf("resolve object path: %w", err)
	}
	root, err := filepath.Abs(l.objectsDir())
	if err != nil {
		return nil, fmt.Errorf("resolve objects dir: %w", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return nil, fmt.Errorf("object path %q escapes storage root", storagePath)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Exists scans the date directories for a file carrying the digest prefix.
func (l *Local) Exists(ctx context.Context, sha256Hex string) (string, bool, error) {
	if len(sha256Hex) < 8 {
		return "", false, fmt.Errorf("short digest %q", sha256Hex)
	}
	marker := "_" + sha256Hex[:8]
	dates, err := os.ReadDir(l.objectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("scan objects dir: %w", err)
	}
	for _, d := range dates {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(l.objectsDir(), d.Name()))
		if err != nil {
			return "", false, fmt.Errorf("scan date dir %s: %w", d.Name(), err)
		}
		for _, f := range files {
			if strings.Contains(f.Name(), marker) {
				return filepath.Join(l.objectsDir(), d.Name(), f.Name()), true, nil
			}
		}
	}
	return "", false, nil
}
