package memory

import (
	"sync"

	"github.com/flowmesh/flowmesh/core"
)

// InMemoryStore is a volatile MemoryStore storing entries in a process local
// map. It preserves the per-key sequencing semantics of the durable store but
// keeps no log; best suited for tests and ephemeral demo runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]any
	seqs    map[string]int64
}

var _ core.MemoryStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: map[string]any{}, seqs: map[string]int64{}}
}

// Get returns the current value for the scope+key.
func (s *InMemoryStore) Get(scope core.Scope, key string) (any, bool, error) {
	if err := scope.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[qualifiedKey(scope, key)]
	return v, ok, nil
}

// Set stores the value, assigning the next sequence for the key.
func (s *InMemoryStore) Set(scope core.Scope, key string, value any) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	qk := qualifiedKey(scope, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[qk] = value
	s.seqs[qk]++
	return nil
}

// Snapshot returns the current value of every key in the scope.
func (s *InMemoryStore) Snapshot(scope core.Scope) (map[string]any, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	prefix := scope.Qualify() + "|"
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]any{}
	for qk, v := range s.entries {
		if len(qk) > len(prefix) && qk[:len(prefix)] == prefix {
			out[qk[len(prefix):]] = v
		}
	}
	return out, nil
}

// Seq returns the last sequence assigned to the scope+key. Test helper.
func (s *InMemoryStore) Seq(scope core.Scope, key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seqs[qualifiedKey(scope, key)]
}

// Flush is a no-op: there is no durable log to rebuild the cache from, so
// clearing the map would lose data rather than bound memory.
func (s *InMemoryStore) Flush() error { return nil }
