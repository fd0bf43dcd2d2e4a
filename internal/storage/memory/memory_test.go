package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/goodtune/kbudget/internal/storage"
)

func TestStoreGetSetRemove(t *testing.T) {
	ctx := context.Background()
	store := New()

	if _, err := store.Get(ctx, "usage.abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "usage.abc", "12"); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := store.Get(ctx, "usage.abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "12" {
		t.Fatalf("expected 12, got %q", value)
	}

	if err := store.Remove(ctx, "usage.abc"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(ctx, "usage.abc"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if _, err := store.Get(ctx, "usage.abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestStoreKeys(t *testing.T) {
	ctx := context.Background()
	store := New()
	_ = store.Set(ctx, "restricted.b", "true")
	_ = store.Set(ctx, "restricted.a", "false")
	_ = store.Set(ctx, "usage.a", "3")

	keys, err := store.Keys(ctx, "restricted.")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "restricted.a" || keys[1] != "restricted.b" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestStoreFailing(t *testing.T) {
	ctx := context.Background()
	store := New()
	store.SetFailing(true)

	if err := store.Set(ctx, "k", "v"); !storage.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := store.Get(ctx, "k"); !storage.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	store.SetFailing(false)
	if err := store.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set after recovery: %v", err)
	}
}

func TestShuffledFlushAppliesAllWrites(t *testing.T) {
	ctx := context.Background()
	store := NewShuffled(7, 0)

	_ = store.Set(ctx, "a", "1")
	_ = store.Set(ctx, "b", "2")
	_ = store.Remove(ctx, "c")

	if _, err := store.Get(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("writes should be pending before flush, got %v", err)
	}
	if store.Pending() != 3 {
		t.Fatalf("expected 3 pending writes, got %d", store.Pending())
	}

	store.Flush(ctx)

	if store.Pending() != 0 {
		t.Fatalf("expected empty backlog, got %d", store.Pending())
	}
	snapshot := store.Snapshot()
	if snapshot["a"] != "1" || snapshot["b"] != "2" {
		t.Fatalf("unexpected snapshot: %v", snapshot)
	}
}
