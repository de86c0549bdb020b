// Package metadata is the durable object index: one record per distinct
// content digest, consulted before any storage write so duplicate uploads
// never touch the backend.
package metadata

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trustlock/storage-audit/internal/apperr"
)

// ErrNotFound is returned when no record exists for a digest.
var ErrNotFound error = apperr.NotFound("object metadata not found")

// ObjectRecord describes one stored object.
type ObjectRecord struct {
	SHA256       string `json:"sha256"`
	StoragePath  string `json:"storage_path"`
	Size         int64  `json:"size"`
	OriginalName string `json:"original_name,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// Store manages object metadata in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the index under dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metadata dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "objects.db")+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init metadata schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		sha256 TEXT PRIMARY KEY,
		storage_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		original_name TEXT,
		created_at TEXT NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Put records an object. Writing the same digest twice keeps the first
// record, preserving the at-most-one-record-per-digest invariant under
// concurrent duplicate uploads.
func (s *Store) Put(rec ObjectRecord) (ObjectRecord, error) {
	_, err := s.db.Exec(
		`INSERT INTO objects (sha256, storage_path, size, original_name, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(sha256) DO NOTHING`,
		rec.SHA256, rec.StoragePath, rec.Size, rec.OriginalName, rec.CreatedAt,
	)
	if err != nil {
		return ObjectRecord{}, fmt.Errorf("put object metadata: %w", err)
	}
	// Return whichever record won, so racing callers converge.
	return s.Get(rec.SHA256)
}

// Get returns the record for a digest, or ErrNotFound.
func (s *Store) Get(sha256Hex string) (ObjectRecord, error) {
	var rec ObjectRecord
	var name sql.NullString
	err := s.db.QueryRow(
		`SELECT sha256, storage_path, size, original_name, created_at FROM objects WHERE sha256 = ?`,
		sha256Hex,
	).Scan(&rec.SHA256, &rec.StoragePath, &rec.Size, &name, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return ObjectRecord{}, ErrNotFound
	}
	if err != nil {
		return ObjectRecord{}, fmt.Errorf("get object metadata: %w", err)
	}
	rec.OriginalName = name.String
	return rec, nil
}

// List returns a point-in-time scan of all records, newest first.
func (s *Store) List() ([]ObjectRecord, error) {
	rows, err := s.db.Query(
		`SELECT sha256, storage_path, size, original_name, created_at FROM objects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list object metadata: %w", err)
	}
	defer rows.Close()

	out := []ObjectRecord{}
	for rows.Next() {
		var rec ObjectRecord
		var name sql.NullString
		if err := rows.Scan(&rec.SHA256, &rec.StoragePath, &rec.Size, &name, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan object metadata: %w", err)
		}
		rec.OriginalName = name.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
