package document

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/core"
)

// ErrNotFound is returned when no document exists for the given id.
var ErrNotFound = errors.New("document not found")

// FileStore keeps one markdown file per document id under a base directory.
// Writes are whole-content replaces serialized by a per-id lock, so
// concurrent tasks in the same parallel step never interleave partial
// writes. Identifiers are validated before they reach the filesystem.
type FileStore struct {
	dir string
	ext string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ core.DocumentStore = (*FileStore)(nil)

// Options configures a FileStore.
type Options struct {
	// Ext is the filename extension appended to ids. Defaults to ".md".
	Ext string
}

// NewFileStore creates a document repository rooted at dir.
func NewFileStore(dir string, optFns ...func(o *Options)) (*FileStore, error) {
	opts := Options{Ext: ".md"}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &core.StorageError{Op: "mkdir", Err: err}
	}
	return &FileStore{dir: dir, ext: opts.Ext, locks: map[string]*sync.Mutex{}}, nil
}

// ValidateID rejects identifiers that could escape the repository root.
// Invalid ids fail fast with a ValidationError and never reach storage.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &core.ValidationError{Subject: "document", Reason: "id must not be empty"}
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return &core.ValidationError{Subject: id, Reason: "id must not contain path separators or '..'"}
	}
	return nil
}

func (s *FileStore) idLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+s.ext)
}

// Exists reports whether a document with the id is stored.
func (s *FileStore) Exists(id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &core.StorageError{Op: "stat", Err: err}
}

// Read returns the document content or ErrNotFound.
func (s *FileStore) Read(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", &core.StorageError{Op: "read", Err: err}
	}
	return string(data), nil
}

// Write replaces the document content wholesale. Last writer wins; the
// per-id lock plus write-to-temp-then-rename keeps partial writes invisible.
func (s *FileStore) Write(id, content string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	lock := s.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return &core.StorageError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		return &core.StorageError{Op: "rename", Err: err}
	}
	return nil
}

// ModTime exposes the last-modified timestamp of a document, mirroring the
// record's creation/modification metadata for status surfaces.
func (s *FileStore) ModTime(id string) (time.Time, error) {
	if err := ValidateID(id); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, &core.StorageError{Op: "stat", Err: err}
	}
	return info.ModTime(), nil
}
