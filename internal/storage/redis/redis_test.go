package redis

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     4,
		MinIdleConns: 1,
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
		KeyPrefix:    "kbudget:",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestStore_GetSetRemove(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "usage.abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "usage.abc", "42"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Keys are namespaced on the server
	raw, err := mr.Get("kbudget:usage.abc")
	if err != nil {
		t.Fatalf("miniredis get: %v", err)
	}
	if raw != "42" {
		t.Errorf("expected raw value 42, got %q", raw)
	}

	value, err := store.Get(ctx, "usage.abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "42" {
		t.Errorf("expected 42, got %q", value)
	}

	if err := store.Remove(ctx, "usage.abc"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := store.Remove(ctx, "usage.abc"); err != nil {
		t.Fatalf("Remove of absent key failed: %v", err)
	}
	if mr.Exists("kbudget:usage.abc") {
		t.Error("key should be gone after remove")
	}
}

func TestStore_Keys(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	_ = mr.Set("kbudget:restricted.a", "true")
	_ = mr.Set("kbudget:restricted.b", "false")
	_ = mr.Set("kbudget:limit.a", "60")
	_ = mr.Set("other:restricted.c", "true")

	keys, err := store.Keys(ctx, "restricted.")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	sort.Strings(keys)

	if len(keys) != 2 || keys[0] != "restricted.a" || keys[1] != "restricted.b" {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestStore_Unavailable(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	mr.Close()

	if _, err := store.Get(ctx, "usage.abc"); !storage.IsUnavailable(err) {
		t.Errorf("expected unavailable after server shutdown, got %v", err)
	}
	if err := store.Set(ctx, "usage.abc", "1"); !storage.IsUnavailable(err) {
		t.Errorf("expected unavailable on set, got %v", err)
	}
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "soon", ReadTimeout: "1s", WriteTimeout: "1s"})
	if err == nil {
		t.Fatal("expected error for invalid dial timeout")
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Errorf("unexpected escape: %s", got)
	}
}
