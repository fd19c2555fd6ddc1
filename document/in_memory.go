package document

import (
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// InMemoryStore is a volatile DocumentStore for tests and examples.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]docRecord
}

type docRecord struct {
	content  string
	created  time.Time
	modified time.Time
}

var _ core.DocumentStore = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in-memory document repository.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: map[string]docRecord{}}
}

// Exists reports whether a document with the id is stored.
func (s *InMemoryStore) Exists(id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[id]
	return ok, nil
}

// Read returns the document content or ErrNotFound.
func (s *InMemoryStore) Read(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.docs[id]
	if !ok {
		return "", ErrNotFound
	}
	return rec.content, nil
}

// Write replaces the document content wholesale.
func (s *InMemoryStore) Write(id, content string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	rec, ok := s.docs[id]
	if !ok {
		rec = docRecord{created: now}
	}
	rec.content = content
	rec.modified = now
	s.docs[id] = rec
	return nil
}
