package restriction

import (
	"context"
	"sync"
)

// Recorder is an in-memory mechanism that remembers which resources are
// currently restricted and how many calls it has seen.
type Recorder struct {
	mu         sync.Mutex
	restricted map[string]bool
	applies    int
	clears     int
	err        error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{restricted: make(map[string]bool)}
}

func (r *Recorder) Apply(_ context.Context, targets []Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies++
	if r.err != nil {
		return r.err
	}
	for _, t := range targets {
		r.restricted[t.Resource] = true
	}
	return nil
}

func (r *Recorder) Clear(_ context.Context, targets []Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	if r.err != nil {
		return r.err
	}
	for _, t := range targets {
		delete(r.restricted, t.Resource)
	}
	return nil
}

// SetError makes subsequent calls fail with err. Nil restores normal operation.
func (r *Recorder) SetError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Restricted reports whether resource is currently applied.
func (r *Recorder) Restricted(resource string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restricted[resource]
}

// Calls returns the number of Apply and Clear calls seen.
func (r *Recorder) Calls() (applies, clears int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applies, r.clears
}
