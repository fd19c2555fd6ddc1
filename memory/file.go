package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// record is one append-only log line. The current value of a scope+key is the
// record with the highest sequence number; the log is never rewritten in
// place during a run.
type record struct {
	Scope     string    `json:"scope"`
	Key       string    `json:"key"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Value     any       `json:"value"`
}

// FileStore is the durable MemoryStore: one JSONL file per scope under a
// base directory (isolated/<task>_<session>.jsonl, shared_<ns>.jsonl), an
// authoritative in-RAM cache, and a per scope+key lock table guaranteeing at
// most one concurrent writer per key.
//
// Durability happens at Set time (append + sync); Flush only clears the
// cache so a long-lived process does not grow without bound. Cold reads
// replay the scope log and take the highest sequence per key.
type FileStore struct {
	dir string

	mu    sync.RWMutex
	locks map[string]*sync.Mutex // scope+key -> writer lock
	cache map[string]record      // scope+key -> latest record
	seqs  map[string]int64       // scope+key -> last assigned sequence
}

// compile-time assertion
var _ core.MemoryStore = (*FileStore)(nil)

// NewFileStore creates a file backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "isolated"), 0o755); err != nil {
		return nil, &core.StorageError{Op: "mkdir", Err: err}
	}
	return &FileStore{
		dir:   dir,
		locks: map[string]*sync.Mutex{},
		cache: map[string]record{},
		seqs:  map[string]int64{},
	}, nil
}

// keyLock returns the exclusive writer lock for a qualified scope+key.
func (s *FileStore) keyLock(qk string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[qk]
	if !ok {
		l = &sync.Mutex{}
		s.locks[qk] = l
	}
	return l
}

func qualifiedKey(scope core.Scope, key string) string {
	return scope.Qualify() + "|" + key
}

// sanitize keeps scope components filesystem safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// scopePath maps a scope to its log file.
func (s *FileStore) scopePath(scope core.Scope) string {
	if scope.Kind == core.ScopeShared {
		return filepath.Join(s.dir, fmt.Sprintf("shared_%s.jsonl", sanitize(scope.Namespace)))
	}
	return filepath.Join(s.dir, "isolated", fmt.Sprintf("%s_%s.jsonl", sanitize(scope.TaskID), sanitize(scope.SessionID)))
}

// Get consults the cache first, replaying the durable log only on a cold
// miss. ok=false means the key was never set in the scope.
func (s *FileStore) Get(scope core.Scope, key string) (any, bool, error) {
	if err := scope.Validate(); err != nil {
		return nil, false, err
	}
	qk := qualifiedKey(scope, key)

	s.mu.RLock()
	rec, hit := s.cache[qk]
	s.mu.RUnlock()
	if hit {
		return rec.Value, true, nil
	}

	lock := s.keyLock(qk)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have warmed the cache while we waited.
	s.mu.RLock()
	rec, hit = s.cache[qk]
	s.mu.RUnlock()
	if hit {
		return rec.Value, true, nil
	}

	rec, found, err := s.replay(scope, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	s.mu.Lock()
	s.cache[qk] = rec
	if rec.Seq > s.seqs[qk] {
		s.seqs[qk] = rec.Seq
	}
	s.mu.Unlock()

	return rec.Value, true, nil
}

// Set appends a new durable entry then updates the cache, all under the
// key's exclusive lock. Subsequent Gets on the same key from any task
// observe the written value.
func (s *FileStore) Set(scope core.Scope, key string, value any) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	qk := qualifiedKey(scope, key)

	lock := s.keyLock(qk)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	seq, known := s.seqs[qk]
	s.mu.RUnlock()
	if !known {
		// Cold key: learn the last persisted sequence before appending.
		if rec, found, err := s.replay(scope, key); err != nil {
			return err
		} else if found {
			seq = rec.Seq
		}
	}

	rec := record{
		Scope:     scope.Qualify(),
		Key:       key,
		Seq:       seq + 1,
		Timestamp: time.Now().UTC(),
		Value:     value,
	}
	if err := s.append(s.scopePath(scope), rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[qk] = rec
	s.seqs[qk] = rec.Seq
	s.mu.Unlock()

	return nil
}

// Snapshot returns the current value of every key in the scope: the full
// scope log replayed to latest-per-key, overlaid with any cached entries
// that are newer.
func (s *FileStore) Snapshot(scope core.Scope) (map[string]any, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	latest, err := s.replayAll(scope)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	prefix := scope.Qualify() + "|"
	for qk, rec := range s.cache {
		if !strings.HasPrefix(qk, prefix) {
			continue
		}
		if prev, ok := latest[rec.Key]; !ok || rec.Seq >= prev.Seq {
			latest[rec.Key] = rec
		}
	}
	s.mu.RUnlock()

	out := make(map[string]any, len(latest))
	for key, rec := range latest {
		out[key] = rec.Value
	}
	return out, nil
}

// replayAll reconstructs the latest record per key from the scope log.
func (s *FileStore) replayAll(scope core.Scope) (map[string]record, error) {
	latest := map[string]record{}

	f, err := os.Open(s.scopePath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return latest, nil
		}
		return nil, &core.StorageError{Op: "open", Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, &core.StorageError{Op: "decode", Err: err}
		}
		if prev, ok := latest[rec.Key]; !ok || rec.Seq >= prev.Seq {
			latest[rec.Key] = rec
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &core.StorageError{Op: "scan", Err: err}
	}
	return latest, nil
}

// Flush clears the in-RAM cache. Durability already happened at Set time;
// the next access to any key replays the log.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = map[string]record{}
	s.seqs = map[string]int64{}
	return nil
}

// append writes one JSONL line and syncs it to stable storage.
func (s *FileStore) append(path string, rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return &core.StorageError{Op: "encode", Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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
	return nil
}

// replay reconstructs the latest record for scope+key from the scope log.
func (s *FileStore) replay(scope core.Scope, key string) (record, bool, error) {
	f, err := os.Open(s.scopePath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return record{}, false, nil
		}
		return record{}, false, &core.StorageError{Op: "open", Err: err}
	}
	defer f.Close()

	var latest record
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return record{}, false, &core.StorageError{Op: "decode", Err: err}
		}
		if rec.Key != key {
			continue
		}
		if !found || rec.Seq >= latest.Seq {
			latest = rec
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		return record{}, false, &core.StorageError{Op: "scan", Err: err}
	}
	return latest, found, nil
}

// Compact rewrites every scope log keeping only the latest entry per key.
// It is an offline maintenance operation and must never run mid-run.
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := []string{}
	shared, err := filepath.Glob(filepath.Join(s.dir, "shared_*.jsonl"))
	if err != nil {
		return &core.StorageError{Op: "glob", Err: err}
	}
	paths = append(paths, shared...)
	isolated, err := filepath.Glob(filepath.Join(s.dir, "isolated", "*.jsonl"))
	if err != nil {
		return &core.StorageError{Op: "glob", Err: err}
	}
	paths = append(paths, isolated...)

	for _, path := range paths {
		if err := compactFile(path); err != nil {
			return err
		}
	}

	// Cached sequences may no longer match the rewritten logs.
	s.cache = map[string]record{}
	s.seqs = map[string]int64{}
	return nil
}

func compactFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &core.StorageError{Op: "open", Err: err}
	}

	latest := map[string]record{}
	order := []string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			f.Close()
			return &core.StorageError{Op: "decode", Err: err}
		}
		if _, seen := latest[rec.Key]; !seen {
			order = append(order, rec.Key)
		}
		if prev, seen := latest[rec.Key]; !seen || rec.Seq >= prev.Seq {
			latest[rec.Key] = rec
		}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return &core.StorageError{Op: "scan", Err: err}
	}
	f.Close()

	tmp := path + ".compact"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &core.StorageError{Op: "open", Err: err}
	}
	for _, key := range order {
		line, err := json.Marshal(latest[key])
		if err != nil {
			out.Close()
			return &core.StorageError{Op: "encode", Err: err}
		}
		if _, err := out.Write(append(line, '\n')); err != nil {
			out.Close()
			return &core.StorageError{Op: "append", Err: err}
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return &core.StorageError{Op: "sync", Err: err}
	}
	out.Close()

	if err := os.Rename(tmp, path); err != nil {
		return &core.StorageError{Op: "rename", Err: err}
	}
	return nil
}
