package merkle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/trustlock/storage-audit/internal/audit"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Snapshot is the persisted result of one Merkle scan. Root is nil when no
// audit entries existed at snapshot time; such snapshots are returned but not
// written to disk.
type Snapshot struct {
	Root      *string `json:"root"`
	Count     int     `json:"count"`
	Timestamp string  `json:"timestamp"`
}

// Engine scans all audit streams, builds a Merkle tree over their entry
// hashes and persists timestamped immutable snapshots. Stream reads run on a
// worker pool; leaf order stays deterministic because results are slotted by
// the stream's position in the sorted stream list.
type Engine struct {
	dir    string
	log    *audit.Log
	pool   *ants.Pool
	logger *slog.Logger
}

// NewEngine creates a snapshot engine writing under snapDir.
func NewEngine(snapDir string, auditLog *audit.Log, workers int, logger *slog.Logger) (*Engine, error) {
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	if workers < 1 {
		workers = 4
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("snapshot worker pool: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{dir: snapDir, log: auditLog, pool: pool, logger: logger}, nil
}

// Close releases the worker pool.
func (e *Engine) Close() {
	e.pool.Release()
}

// collectLeaves reads every stream's log hashes (prefix stripped, hex
// decoded) in sorted stream order. The view is best-effort: entries appended
// while the scan runs are picked up by the next snapshot.
func (e *Engine) collectLeaves(ctx context.Context) ([][]byte, error) {
	streams, err := e.log.Streams()
	if err != nil {
		return nil, fmt.Errorf("enumerate streams: %w", err)
	}

	perStream := make([][][]byte, len(streams))
	errs := make([]error, len(streams))
	var wg sync.WaitGroup
	for i, id := range streams {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		i, id := i, id
		wg.Add(1)
		task := func() {
			defer wg.Done()
			entries, err := e.log.Read(id)
			if err != nil {
				errs[i] = err
				return
			}
			hashes := make([][]byte, 0, len(entries))
			for _, entry := range entries {
				raw, err := hex.DecodeString(strings.TrimPrefix(entry.LogHash, audit.HashPrefix))
				if err != nil {
					errs[i] = fmt.Errorf("stream %s: malformed log_hash %q: %w", id, entry.LogHash, err)
					return
				}
				hashes = append(hashes, raw)
			}
			perStream[i] = hashes
		}
		if err := e.pool.Submit(task); err != nil {
			wg.Done()
			return nil, fmt.Errorf("submit scan task: %w", err)
		}
	}
	wg.Wait()

	var leaves [][]byte
	for i := range streams {
		if errs[i] != nil {
			return nil, errs[i]
		}
		leaves = append(leaves, perStream[i]...)
	}
	return leaves, nil
}

// CollectLeaves exposes the engine's current leaf set in snapshot order, for
// building inclusion proofs against a root.
func (e *Engine) CollectLeaves(ctx context.Context) ([][]byte, error) {
	return e.collectLeaves(ctx)
}

// Snapshot scans all streams and persists a new snapshot. With zero leaves it
// returns a degenerate {root: null, count: 0} snapshot without writing.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	leaves, err := e.collectLeaves(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Count: len(leaves), Timestamp: time.Now().UTC().Format(timeFormat)}
	if len(leaves) == 0 {
		return snap, nil
	}
	rootHex := hex.EncodeToString(Root(leaves))
	snap.Root = &rootHex

	if err := e.publish(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// publish writes the snapshot to a temp file and renames it into place, so a
// crash mid-write never corrupts the previous latest snapshot.
func (e *Engine) publish(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	final := filepath.Join(e.dir, snap.Timestamp+".json")
	tmp, err := os.CreateTemp(e.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Latest returns the snapshot with the greatest timestamp, or nil if none
// has been persisted.
func (e *Engine) Latest() (*Snapshot, error) {
	dirents, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var names []string
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		names = append(names, d.Name())
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	data, err := os.ReadFile(filepath.Join(e.dir, names[len(names)-1]))
	if err != nil {
		return nil, fmt.Errorf("read latest snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode latest snapshot: %w", err)
	}
	return &snap, nil
}

// Run takes a snapshot on every interval tick until ctx is cancelled.
// Failures are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			snap, err := e.Snapshot(ctx)
			if err != nil {
				e.logger.Error("scheduled snapshot failed", "error", err)
				continue
			}
			e.logger.Info("snapshot complete",
				"count", snap.Count,
				"duration", time.Since(start).String())
		}
	}
}
