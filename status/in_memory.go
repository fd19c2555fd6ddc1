package status

import (
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// InMemoryTracker keeps the full transition log and the latest projection in
// process-local maps. For tests and ephemeral runs.
type InMemoryTracker struct {
	mu     sync.RWMutex
	log    map[string][]core.StatusRecord
	latest map[string]map[string]core.StatusRecord
	seqs   map[string]int64
}

var _ core.StatusStore = (*InMemoryTracker)(nil)

// NewInMemoryTracker constructs an empty tracker.
func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		log:    map[string][]core.StatusRecord{},
		latest: map[string]map[string]core.StatusRecord{},
		seqs:   map[string]int64{},
	}
}

// Record appends the transition and updates the projection.
func (t *InMemoryTracker) Record(rec core.StatusRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Seq == 0 {
		rec.Seq = t.seqs[rec.RunID] + 1
	}
	if rec.Seq > t.seqs[rec.RunID] {
		t.seqs[rec.RunID] = rec.Seq
	}
	t.log[rec.RunID] = append(t.log[rec.RunID], rec)

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
	return nil
}

// Latest returns the newest transition for the task.
func (t *InMemoryTracker) Latest(runID, taskID string) (core.StatusRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.latest[runID][taskID]
	return rec, ok
}

// All returns a snapshot of the latest projection for the run.
func (t *InMemoryTracker) All(runID string) map[string]core.StatusRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]core.StatusRecord, len(t.latest[runID]))
	for k, v := range t.latest[runID] {
		out[k] = v
	}
	return out
}

// Log returns the full transition history for the run. Test helper.
func (t *InMemoryTracker) Log(runID string) []core.StatusRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]core.StatusRecord, len(t.log[runID]))
	copy(out, t.log[runID])
	return out
}
