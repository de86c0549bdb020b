package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds MinIO connection settings.
type MinioConfig struct {
	Endpoint  string // e.g. "minio:9000" or "localhost:9000"
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Minio stores objects in a single bucket under date-prefixed keys and
// reports storage paths as "s3://<bucket>/<key>".
type Minio struct {
	mc     *minio.Client
	bucket string
}

// NewMinio creates a MinIO-backed store.
func NewMinio(cfg MinioConfig) (*Minio, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Minio{mc: mc, bucket: cfg.Bucket}, nil
}

// ensureBucket creates the bucket if it does not exist (idempotent).
func (m *Minio) ensureBucket(ctx context.Context) error {
	exists, err := m.mc.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("bucket check: %w", err)
	}
	if exists {
		return nil
	}
	return m.mc.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{})
}

// Put uploads data unless an object with the same digest already exists.
// Concurrent duplicate puts are harmless: identical digest means identical
// bytes, so last-writer-wins stores the same content.
func (m *Minio) Put(ctx context.Context, data []byte, originalName string) (PutResult, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return PutResult{}, err
	}
	digest := Digest(data)

	existing, ok, err := m.Exists(ctx, digest)
	if err != nil {
		return PutResult{}, err
	}
	if ok {
		return PutResult{Path: existing, Size: int64(len(data)), SHA256: digest}, nil
	}

	key := datePrefix(time.Now()) + "/" + objectName(digest, originalName)
	_, err = m.mc.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return PutResult{}, fmt.Errorf("put object: %w", err)
	}
	return PutResult{
		Path:   "s3://" + m.bucket + "/" + key,
		Size:   int64(len(data)),
		SHA256: digest,
	}, nil
}

// Get downloads an object by its "s3://bucket/key" storage path.
func (m *Minio) Get(ctx context.Context, storagePath string) ([]byte, error) {
	key, err := m.keyFromPath(storagePath)
	if err != nil {
		return nil, err
	}
	obj, err := m.mc.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Exists lists bucket objects and matches the digest prefix embedded in the
// key. The integrated upload path consults the metadata index first, so this
// scan only runs when the index missed.
func (m *Minio) Exists(ctx context.Context, sha256Hex string) (string, bool, error) {
	if len(sha256Hex) < 8 {
		return "", false, fmt.Errorf("short digest %q", sha256Hex)
	}
	marker := "_" + sha256Hex[:8]
	ch := m.mc.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Recursive: true})
	for obj := range ch {
		if obj.Err != nil {
			return "", false, fmt.Errorf("list objects: %w", obj.Err)
		}
		if strings.Contains(obj.Key, marker) {
			return "s3://" + m.bucket + "/" + obj.Key, true, nil
		}
	}
	return "", false, nil
}

func (m *Minio) keyFromPath(storagePath string) (string, error) {
	prefix := "s3://" + m.bucket + "/"
	if !strings.HasPrefix(storagePath, prefix) {
		return "", fmt.Errorf("storage path %q is not in bucket %s", storagePath, m.bucket)
	}
	return strings.TrimPrefix(storagePath, prefix), nil
}
