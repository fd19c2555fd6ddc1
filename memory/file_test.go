package memory

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/flowmesh/flowmesh/core"
)

func TestFileStore_SetGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	iso := core.IsolatedScope("agent1", "story1")
	if err := store.Set(iso, "result", map[string]any{"data": "test_value"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	v, ok, err := store.Get(iso, "result")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if v.(map[string]any)["data"] != "test_value" {
		t.Fatalf("unexpected value: %#v", v)
	}

	shared := core.SharedScope("global")
	if err := store.Set(shared, "config", "value"); err != nil {
		t.Fatalf("set shared failed: %v", err)
	}
	v, ok, _ = store.Get(shared, "config")
	if !ok || v != "value" {
		t.Fatalf("unexpected shared value: %#v", v)
	}
}

func TestFileStore_IsolatedScopesDoNotCollide(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())

	pairs := []core.Scope{
		core.IsolatedScope("agent1", "story1"),
		core.IsolatedScope("agent1", "story2"),
		core.IsolatedScope("agent2", "story1"),
	}
	for i, sc := range pairs {
		if err := store.Set(sc, "data", i); err != nil {
			t.Fatalf("set %d failed: %v", i, err)
		}
	}
	for i, sc := range pairs {
		v, ok, _ := store.Get(sc, "data")
		if !ok || v.(int) != i {
			t.Fatalf("scope %s: expected %d, got %#v", sc.Qualify(), i, v)
		}
	}
}

func TestFileStore_FileLayout(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir)

	if err := store.Set(core.IsolatedScope("agent1", "story1"), "k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(core.SharedScope("global"), "k", "v"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	isolated := filepath.Join(dir, "isolated", "agent1_story1.jsonl")
	shared := filepath.Join(dir, "shared_global.jsonl")
	for _, path := range []string{isolated, shared} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected log file %s: %v", path, err)
		}
	}

	// Every line carries scope, key, seq and timestamp for replay.
	f, err := os.Open(isolated)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("expected at least one record")
	}
	var rec record
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Scope != "isolated:agent1:story1" || rec.Key != "k" || rec.Seq != 1 || rec.Timestamp.IsZero() {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestFileStore_ReplayAfterRestart(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir)

	sc := core.IsolatedScope("agentX", "s1")
	for i := 1; i <= 5; i++ {
		if err := store.Set(sc, "key1", i); err != nil {
			t.Fatalf("set %d failed: %v", i, err)
		}
	}
	live, _, _ := store.Get(sc, "key1")

	// A fresh store over the same directory replays to the same value.
	restarted, _ := NewFileStore(dir)
	replayed, ok, err := restarted.Get(sc, "key1")
	if err != nil || !ok {
		t.Fatalf("replay get failed: ok=%v err=%v", ok, err)
	}
	// json round-trips ints as float64
	if replayed.(float64) != float64(live.(int)) {
		t.Fatalf("replay mismatch: live=%v replayed=%v", live, replayed)
	}

	// Sequences continue from the replayed log, not from 1.
	if err := restarted.Set(sc, "key1", 6); err != nil {
		t.Fatalf("set after replay failed: %v", err)
	}
	again, _ := NewFileStore(dir)
	v, _, _ := again.Get(sc, "key1")
	if v.(float64) != 6 {
		t.Fatalf("expected seq continuation to win replay, got %v", v)
	}
}

func TestFileStore_FlushClearsCacheOnly(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	sc := core.SharedScope("ns")

	if err := store.Set(sc, "k", "v1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	v, ok, err := store.Get(sc, "k")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("expected value to survive flush: ok=%v v=%#v err=%v", ok, v, err)
	}
}

func TestFileStore_ConcurrentWritersSameKey(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	sc := core.IsolatedScope("agentX", "s1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Set(sc, "key1", i); err != nil {
				t.Errorf("set error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// The cached value must match the record with the highest sequence,
	// regardless of arrival order.
	live, ok, _ := store.Get(sc, "key1")
	if !ok {
		t.Fatalf("expected value after concurrent writes")
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	replayed, _, _ := store.Get(sc, "key1")
	if replayed.(float64) != float64(live.(int)) {
		t.Fatalf("cache/log divergence: cache=%v replay=%v", live, replayed)
	}
}

func TestFileStore_Compact(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir)
	sc := core.SharedScope("ns")

	for i := 0; i < 10; i++ {
		_ = store.Set(sc, "a", i)
		_ = store.Set(sc, "b", i*10)
	}
	if err := store.Compact(); err != nil {
		t.Fatalf("compact failed: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "shared_ns.jsonl"))
	if err != nil {
		t.Fatalf("open compacted log: %v", err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected one line per key after compaction, got %d", lines)
	}

	va, _, _ := store.Get(sc, "a")
	vb, _, _ := store.Get(sc, "b")
	if va.(float64) != 9 || vb.(float64) != 90 {
		t.Fatalf("compaction lost latest values: a=%v b=%v", va, vb)
	}
}

func TestFileStore_InvalidScope(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	if err := store.Set(core.Scope{Kind: core.ScopeIsolated}, "k", "v"); err == nil {
		t.Fatalf("expected validation error for incomplete scope")
	}
}
