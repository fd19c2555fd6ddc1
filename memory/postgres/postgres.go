// Package postgres provides a remote MemoryStore backend on PostgreSQL. It
// keeps the same append-only discipline as the file store: every Set inserts
// a new row with the next per scope+key sequence, and the current value is
// the row with the highest sequence. The engine stays agnostic to which
// backend is active.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowmesh/flowmesh/core"
)

// Schema is the DDL the store expects. Apply it with your migration tooling;
// the store never mutates the schema itself.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	scope      TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	seq        BIGINT      NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	value      JSONB,
	PRIMARY KEY (scope, key, seq)
);
`

// Store implements core.MemoryStore on a pgx connection pool. A local cache
// mirrors the file store behavior: authoritative during a run, dropped by
// Flush. The per-key lock table serializes writers within this process;
// cross-process exclusivity comes from the (scope, key, seq) primary key.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration

	mu    sync.RWMutex
	locks map[string]*sync.Mutex
	cache map[string]cached
	seqs  map[string]int64
}

type cached struct {
	value any
	seq   int64
}

var _ core.MemoryStore = (*Store)(nil)

// Options configures the store.
type Options struct {
	// Timeout bounds each database round trip. Defaults to 5s.
	Timeout time.Duration
}

// New wraps an existing pool. The caller owns the pool lifecycle.
func New(pool *pgxpool.Pool, optFns ...func(o *Options)) *Store {
	opts := Options{Timeout: 5 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{
		pool:    pool,
		timeout: opts.Timeout,
		locks:   map[string]*sync.Mutex{},
		cache:   map[string]cached{},
		seqs:    map[string]int64{},
	}
}

// Connect builds a pool from a DSN and wraps it.
func Connect(ctx context.Context, dsn string, optFns ...func(o *Options)) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &core.StorageError{Op: "parse dsn", Err: err}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, &core.StorageError{Op: "connect", Err: err}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, &core.StorageError{Op: "ping", Err: err}
	}
	return New(pool, optFns...), nil
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) keyLock(qk string) *sync.Mutex {
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

// Get consults the cache first, falling back to the latest persisted row.
func (s *Store) Get(scope core.Scope, key string) (any, bool, error) {
	if err := scope.Validate(); err != nil {
		return nil, false, err
	}
	qk := qualifiedKey(scope, key)

	s.mu.RLock()
	c, hit := s.cache[qk]
	s.mu.RUnlock()
	if hit {
		return c.value, true, nil
	}

	lock := s.keyLock(qk)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	c, hit = s.cache[qk]
	s.mu.RUnlock()
	if hit {
		return c.value, true, nil
	}

	value, seq, found, err := s.selectLatest(scope, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	s.mu.Lock()
	s.cache[qk] = cached{value: value, seq: seq}
	if seq > s.seqs[qk] {
		s.seqs[qk] = seq
	}
	s.mu.Unlock()
	return value, true, nil
}

// Set appends the next sequenced row then updates the cache. A concurrent
// writer from another process colliding on the sequence surfaces as a
// StorageError rather than silently overwriting history.
func (s *Store) Set(scope core.Scope, key string, value any) error {
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
		_, latest, found, err := s.selectLatest(scope, key)
		if err != nil {
			return err
		}
		if found {
			seq = latest
		}
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return &core.StorageError{Op: "encode", Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_entries (scope, key, seq, ts, value) VALUES ($1, $2, $3, $4, $5)`,
		scope.Qualify(), key, seq+1, time.Now().UTC(), payload,
	)
	if err != nil {
		return &core.StorageError{Op: "insert", Err: err}
	}

	s.mu.Lock()
	s.cache[qk] = cached{value: value, seq: seq + 1}
	s.seqs[qk] = seq + 1
	s.mu.Unlock()
	return nil
}

// Snapshot returns the current value of every key in the scope, overlaying
// locally cached entries that are newer than the persisted rows.
func (s *Store) Snapshot(scope core.Scope) (map[string]any, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (key) key, seq, value FROM memory_entries
		 WHERE scope = $1 ORDER BY key, seq DESC`,
		scope.Qualify(),
	)
	if err != nil {
		return nil, &core.StorageError{Op: "select", Err: err}
	}
	defer rows.Close()

	type versioned struct {
		value any
		seq   int64
	}
	latest := map[string]versioned{}
	for rows.Next() {
		var key string
		var seq int64
		var payload []byte
		if err := rows.Scan(&key, &seq, &payload); err != nil {
			return nil, &core.StorageError{Op: "scan", Err: err}
		}
		var value any
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, &core.StorageError{Op: "decode", Err: err}
		}
		latest[key] = versioned{value: value, seq: seq}
	}
	if err := rows.Err(); err != nil {
		return nil, &core.StorageError{Op: "select", Err: err}
	}

	s.mu.RLock()
	prefix := scope.Qualify() + "|"
	for qk, c := range s.cache {
		if !strings.HasPrefix(qk, prefix) {
			continue
		}
		key := strings.TrimPrefix(qk, prefix)
		if prev, ok := latest[key]; !ok || c.seq >= prev.seq {
			latest[key] = versioned{value: c.value, seq: c.seq}
		}
	}
	s.mu.RUnlock()

	out := make(map[string]any, len(latest))
	for key, v := range latest {
		out[key] = v.value
	}
	return out, nil
}

// Flush clears the local cache; rows remain in the database.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = map[string]cached{}
	s.seqs = map[string]int64{}
	return nil
}

func (s *Store) selectLatest(scope core.Scope, key string) (any, int64, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var payload []byte
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT value, seq FROM memory_entries WHERE scope = $1 AND key = $2 ORDER BY seq DESC LIMIT 1`,
		scope.Qualify(), key,
	).Scan(&payload, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, &core.StorageError{Op: "select", Err: err}
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, 0, false, &core.StorageError{Op: "decode", Err: fmt.Errorf("scope %s key %s: %w", scope.Qualify(), key, err)}
	}
	return value, seq, true, nil
}
