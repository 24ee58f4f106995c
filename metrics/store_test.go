package metrics

import (
	"path/filepath"
	"testing"
)

func TestMemoryStoreLatest(t *testing.T) {
	store, err := Open("", 4)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()

	if _, ok := store.Latest("loss_total"); ok {
		t.Fatal("empty store returned an event")
	}

	store.Record(0, "loss_total", 3.0)
	store.Record(1, "loss_total", 2.0)
	store.Record(1, "lr_multiplier", 0.5)

	e, ok := store.Latest("loss_total")
	if !ok {
		t.Fatal("expected a loss_total event")
	}
	if e.Iteration != 1 || e.Value != 2.0 {
		t.Fatalf("expected the most recent event, got iter %d value %v", e.Iteration, e.Value)
	}
}

func TestMemoryStoreWindowEviction(t *testing.T) {
	store, err := Open("", 2)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()

	store.Record(0, "old", 1.0)
	store.Record(1, "a", 1.0)
	store.Record(2, "b", 1.0)

	if _, ok := store.Latest("old"); ok {
		t.Fatal("event outside the window survived")
	}
	if _, ok := store.Latest("b"); !ok {
		t.Fatal("recent event missing")
	}
}

func TestMemoryStoreFlushIsNoop(t *testing.T) {
	store, err := Open("", 0)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	store.Record(0, "loss_total", 1.0)
	if err := store.Flush(); err != nil {
		t.Fatalf("memory-only flush failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	store, err := Open(path, 8)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	store.Record(0, "loss_total", 3.0)
	store.Record(1, "loss_total", 2.5)
	if err := store.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	// Flushing twice must not re-insert already flushed events.
	if err := store.Flush(); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Reopening the same database exercises the idempotent migration.
	store2, err := Open(path, 8)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := store2.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
