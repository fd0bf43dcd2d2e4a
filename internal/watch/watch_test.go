package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startWatcher(t *testing.T, path string, calls *atomic.Int32) {
	t.Helper()
	w, err := New(path, func(context.Context) { calls.Add(1) },
		Config{MinInterval: 50 * time.Millisecond, Settle: 10 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWatcherTriggersOnStoreWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbudget.db")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var calls atomic.Int32
	startWatcher(t, path, &calls)

	// Unrelated files in the same directory are ignored.
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600)
	time.Sleep(150 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("unrelated write triggered %d calls", calls.Load())
	}

	for i := 0; i < 20; i++ {
		_ = os.WriteFile(path+"-wal", []byte{byte(i)}, 0o600)
	}
	waitFor(t, func() bool { return calls.Load() >= 1 })

	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got > 5 {
		t.Errorf("burst of 20 writes was not coalesced: %d calls", got)
	}
}

func TestNewFailsForMissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope", "kbudget.db")
	if _, err := New(missing, func(context.Context) {}, Config{}, zerolog.Nop()); err == nil {
		t.Error("expected error for missing directory")
	}
}
