// Package audit implements the per-subject hash-chained audit log. Each
// stream is an append-only newline-delimited JSON file; every entry's hash
// commits to the previous entry's hash plus the canonical serialization of
// the entry itself, so any retroactive edit is detectable.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trustlock/storage-audit/internal/apperr"
	"github.com/trustlock/storage-audit/internal/canonical"
)

// HashPrefix tags every log hash so the encoding is self-describing.
const HashPrefix = "sha256:"

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// maxLineBytes bounds a single audit entry line on read.
const maxLineBytes = 16 << 20

// ErrInvalidID is returned when an audit_id fails validation.
var ErrInvalidID error = apperr.BadRequest("invalid audit id")

// ErrHeadConflict is returned when a caller-supplied prev_hash does not
// match the stream's current head. The losing side of a concurrent append
// sees this instead of silently forking the chain.
var ErrHeadConflict error = apperr.New(http.StatusConflict, "prev_hash does not match stream head", nil)

// Entry is one record in a stream. Field order matches the wire format; the
// hash input is the canonical serialization, so JSON field order does not
// affect hashing.
type Entry struct {
	AuditID   string `json:"audit_id"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Payload   any    `json:"payload"`
	PrevHash  string `json:"prev_hash"`
	Timestamp string `json:"timestamp"`
	LogHash   string `json:"log_hash"`
}

// AppendResult is returned to the caller after a successful append.
type AppendResult struct {
	LogHash   string `json:"log_hash"`
	Timestamp string `json:"timestamp"`
}

// stream is the in-process state for one audit ID: its append lock and the
// cached log_hash of its newest entry. head is only read or written while mu
// is held, so an append always sees the hash of the entry it must follow.
type stream struct {
	mu     sync.Mutex
	head   string
	loaded bool
}

// Log manages all audit streams under a single directory, one file per
// audit ID. Appends to the same stream are serialized; different streams
// append in parallel.
type Log struct {
	dir string

	mu      sync.Mutex
	streams map[string]*stream
}

// NewLog creates the audit log rooted at dir (created if missing).
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit log dir: %w", err)
	}
	return &Log{dir: dir, streams: make(map[string]*stream)}, nil
}

// NewAuditID returns a fresh stream identifier, e.g. "audit_<uuid>".
func NewAuditID(prefix string) string {
	if prefix == "" {
		prefix = "audit"
	}
	return prefix + "_" + uuid.NewString()
}

func validID(id string) bool {
	if id == "" || len(id) > 200 {
		return false
	}
	// Stream IDs become file names; keep path syntax out of them.
	return !strings.ContainsAny(id, "/\\") && !strings.Contains(id, "..")
}

func (l *Log) stream(id string) *stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[id]
	if !ok {
		s = &stream{}
		l.streams[id] = s
	}
	return s
}

func (l *Log) streamPath(id string) string {
	return filepath.Join(l.dir, id+".log")
}

// headLocked returns the stream's current head, repairing a torn tail and
// reading the last line on first use. s.mu must be held.
func (l *Log) headLocked(id string, s *stream) (string, error) {
	if s.loaded {
		return s.head, nil
	}
	path := l.streamPath(id)
	if err := repairTornTail(path); err != nil {
		return "", fmt.Errorf("repair stream %s: %w", id, err)
	}
	head, err := readHead(path)
	if err != nil {
		return "", fmt.Errorf("load stream %s head: %w", id, err)
	}
	s.head = head
	s.loaded = true
	return head, nil
}

// hashEntry computes the chained hash for an entry that does not yet carry
// its log_hash. The digest input is prev_hash + "|" + canonical(entry).
func hashEntry(e Entry) (string, error) {
	canon, err := canonical.Canonicalize(map[string]any{
		"audit_id":  e.AuditID,
		"actor":     e.Actor,
		"action":    e.Action,
		"payload":   e.Payload,
		"prev_hash": e.PrevHash,
		"timestamp": e.Timestamp,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(e.PrevHash + "|" + canon))
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// Rehash recomputes the chained hash from an entry's stored fields, ignoring
// its recorded log_hash. Verifiers compare the result against the stored
// value to detect tampering.
func Rehash(e Entry) (string, error) {
	return hashEntry(e)
}

// Append adds one entry to the stream identified by auditID. The timestamp
// is assigned here; callers cannot override it. prevHash must be the
// log_hash of the stream's latest entry, empty for the first entry. The
// stream head is checked under the append lock, so two callers carrying the
// same prevHash cannot both commit: the second gets ErrHeadConflict instead
// of forking the chain.
func (l *Log) Append(auditID, actor, action string, payload any, prevHash string) (AppendResult, error) {
	return l.append(auditID, actor, action, payload, &prevHash)
}

// AppendAuto adds one entry chained onto whatever the stream's head is at
// commit time. Use this when the caller has no head of its own to assert;
// the head is read under the same lock the write holds, so the entry always
// extends the chain.
func (l *Log) AppendAuto(auditID, actor, action string, payload any) (AppendResult, error) {
	return l.append(auditID, actor, action, payload, nil)
}

func (l *Log) append(auditID, actor, action string, payload any, prevHash *string) (AppendResult, error) {
	if !validID(auditID) {
		return AppendResult{}, fmt.Errorf("%w: %q", ErrInvalidID, auditID)
	}

	s := l.stream(auditID)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Always check the tail before writing: a crash may have torn a line
	// since the head was cached, and appending after a torn fragment would
	// glue two lines together.
	if err := repairTornTail(l.streamPath(auditID)); err != nil {
		return AppendResult{}, fmt.Errorf("repair stream %s: %w", auditID, err)
	}
	head, err := l.headLocked(auditID, s)
	if err != nil {
		return AppendResult{}, err
	}
	if prevHash != nil && *prevHash != head {
		return AppendResult{}, fmt.Errorf("%w: stream %s is at %q, caller supplied %q",
			ErrHeadConflict, auditID, head, *prevHash)
	}

	e := Entry{
		AuditID:   auditID,
		Actor:     actor,
		Action:    action,
		Payload:   payload,
		PrevHash:  head,
		Timestamp: time.Now().UTC().Format(timeFormat),
	}
	logHash, err := hashEntry(e)
	if err != nil {
		return AppendResult{}, fmt.Errorf("hash entry: %w", err)
	}
	e.LogHash = logHash

	line, err := json.Marshal(e)
	if err != nil {
		return AppendResult{}, fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.streamPath(auditID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return AppendResult{}, fmt.Errorf("open stream %s: %w", auditID, err)
	}
	defer f.Close()
	// Whole-line single write; a crash mid-write leaves at most one torn
	// trailing line, which the next head load truncates.
	if _, err := f.Write(line); err != nil {
		return AppendResult{}, fmt.Errorf("append to stream %s: %w", auditID, err)
	}

	s.head = e.LogHash
	return AppendResult{LogHash: e.LogHash, Timestamp: e.Timestamp}, nil
}

// Read returns the stream's entries in append order. A stream that never
// existed reads as empty. An unparseable trailing line (torn write) is
// dropped; garbage anywhere else is an error.
func (l *Log) Read(auditID string) ([]Entry, error) {
	if !validID(auditID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, auditID)
	}
	f, err := os.Open(l.streamPath(auditID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("open stream %s: %w", auditID, err)
	}
	defer f.Close()

	entries := []Entry{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	var parseErr error
	for sc.Scan() {
		if parseErr != nil {
			return nil, fmt.Errorf("stream %s: corrupt line before end of file: %w", auditID, parseErr)
		}
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			parseErr = err
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stream %s: %w", auditID, err)
	}
	return entries, nil
}

// Latest returns the log_hash of the stream's newest entry, or "" for an
// empty or unknown stream. The head is cached per stream, so this does not
// rescan the file once the stream has been touched.
func (l *Log) Latest(auditID string) (string, error) {
	if !validID(auditID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, auditID)
	}
	s := l.stream(auditID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.headLocked(auditID, s)
}

// Streams lists all stream IDs in sorted order.
func (l *Log) Streams() ([]string, error) {
	dirents, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	var ids []string
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".log"))
	}
	sort.Strings(ids)
	return ids, nil
}

// readHead returns the log_hash of the file's last complete entry. The file
// must end on a newline (run repairTornTail first); only the final line is
// read, not the whole stream.
func readHead(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := fi.Size()
	if size == 0 {
		return "", nil
	}
	start, err := lastNewline(f, size-1)
	if err != nil {
		return "", err
	}
	line := make([]byte, size-1-start)
	if _, err := f.ReadAt(line, start); err != nil {
		return "", err
	}
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return "", fmt.Errorf("decode last entry: %w", err)
	}
	return e.LogHash, nil
}

// repairTornTail truncates a trailing partial line left by a crash
// mid-write. Only the tail of the file is inspected.
func repairTornTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	if size == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	cut, err := lastNewline(f, size)
	if err != nil {
		return err
	}
	return f.Truncate(cut)
}

// lastNewline scans backward from off and returns the offset just past the
// nearest '\n', or 0 if none exists before off.
func lastNewline(f *os.File, off int64) (int64, error) {
	const chunk = 4096
	for off > 0 {
		n := int64(chunk)
		if off < n {
			n = off
		}
		buf := make([]byte, n)
		if _, err := f.ReadAt(buf, off-n); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
			return off - n + int64(i) + 1, nil
		}
		off -= n
	}
	return 0, nil
}
