// Package watch turns changes to a file-backed store into reconciliation
// triggers, so writes from the monitor or the CLI are picked up without
// waiting for the next tick.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config throttles triggers.
type Config struct {
	// MinInterval is the shortest gap between two triggers. Default 2s.
	MinInterval time.Duration
	// Settle is how long events are ignored after a trigger returns, which
	// swallows the changes the trigger itself wrote. Default 250ms.
	Settle time.Duration
}

// Watcher calls onChange after the store file changes. Bursts of events
// collapse into one call.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(ctx context.Context)
	limiter  *rate.Limiter
	settle   time.Duration
	dirty    chan struct{}
	logger   zerolog.Logger
}

// New watches the directory holding path. Events for path and its
// companion files (the SQLite -wal and -shm files) count as changes.
func New(path string, onChange func(ctx context.Context), cfg Config, logger zerolog.Logger) (*Watcher, error) {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 2 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 250 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		watcher:  fw,
		onChange: onChange,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		settle:   cfg.Settle,
		dirty:    make(chan struct{}, 1),
		logger:   logger.With().Str("component", "watch").Logger(),
	}, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	go w.triggerLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			select {
			case w.dirty <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Store watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return strings.HasPrefix(name, w.path)
}

func (w *Watcher) triggerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.dirty:
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.logger.Debug().Str("path", w.path).Msg("Store changed")
		w.onChange(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.settle):
		}
		select {
		case <-w.dirty:
		default:
		}
	}
}
