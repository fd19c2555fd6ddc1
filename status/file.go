package status

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// FileTracker persists one JSONL log per run id under a base directory.
// Appends are synced immediately, mirroring the memory store's durability
// discipline, and the latest projection is rebuilt by full-history replay
// after a process restart.
type FileTracker struct {
	dir string

	mu     sync.Mutex
	latest map[string]map[string]core.StatusRecord // run -> task -> latest
	seqs   map[string]int64                        // run -> last sequence
	loaded map[string]bool                         // runs already replayed
}

var _ core.StatusStore = (*FileTracker)(nil)

// NewFileTracker creates a tracker rooted at dir.
func NewFileTracker(dir string) (*FileTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &core.StorageError{Op: "mkdir", Err: err}
	}
	return &FileTracker{
		dir:    dir,
		latest: map[string]map[string]core.StatusRecord{},
		seqs:   map[string]int64{},
		loaded: map[string]bool{},
	}, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func (t *FileTracker) path(runID string) string {
	return filepath.Join(t.dir, sanitize(runID)+".jsonl")
}

// Record appends one transition to the run's log and updates the projection.
// Zero Seq/Timestamp fields are filled in; externally injected records may
// carry their own timestamps, and the newest timestamp wins the projection
// while the log keeps every transition.
func (t *FileTracker) Record(rec core.StatusRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoadedLocked(rec.RunID); err != nil {
		return err
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Seq == 0 {
		rec.Seq = t.seqs[rec.RunID] + 1
	}
	if rec.Seq > t.seqs[rec.RunID] {
		t.seqs[rec.RunID] = rec.Seq
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return &core.StorageError{Op: "encode", Err: err}
	}
	f, err := os.OpenFile(t.path(rec.RunID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &core.StorageError{Op: "open", Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &core.StorageError{Op: "append", Err: err}
	}
	if err := f.Sync(); err != nil {
		return &core.StorageError{Op: "sync", Err: err}
	}

	t.projectLocked(rec)
	return nil
}

// Latest returns the newest known transition for the task within the run.
func (t *FileTracker) Latest(runID, taskID string) (core.StatusRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(runID); err != nil {
		return core.StatusRecord{}, false
	}
	rec, ok := t.latest[runID][taskID]
	return rec, ok
}

// All returns the latest projection for every task of the run. The map is a
// snapshot safe for caller mutation.
func (t *FileTracker) All(runID string) map[string]core.StatusRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLoadedLocked(runID); err != nil {
		return map[string]core.StatusRecord{}
	}
	out := make(map[string]core.StatusRecord, len(t.latest[runID]))
	for k, v := range t.latest[runID] {
		out[k] = v
	}
	return out
}

// projectLocked folds one record into the latest projection. Last writer by
// timestamp wins; ties fall to the higher sequence.
func (t *FileTracker) projectLocked(rec core.StatusRecord) {
	runLatest, ok := t.latest[rec.RunID]
	if !ok {
		runLatest = map[string]core.StatusRecord{}
		t.latest[rec.RunID] = runLatest
	}
	cur, ok := runLatest[rec.TaskID]
	if !ok || rec.Timestamp.After(cur.Timestamp) ||
		(rec.Timestamp.Equal(cur.Timestamp) && rec.Seq > cur.Seq) {
		runLatest[rec.TaskID] = rec
	}
}

// ensureLoadedLocked replays the run's log once per process lifetime.
func (t *FileTracker) ensureLoadedLocked(runID string) error {
	if t.loaded[runID] {
		return nil
	}
	t.loaded[runID] = true

	f, err := os.Open(t.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &core.StorageError{Op: "open", Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec core.StatusRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return &core.StorageError{Op: "decode", Err: err}
		}
		if rec.Seq > t.seqs[runID] {
			t.seqs[runID] = rec.Seq
		}
		t.projectLocked(rec)
	}
	if err := scanner.Err(); err != nil {
		return &core.StorageError{Op: "scan", Err: err}
	}
	return nil
}
