package events

import (
	"context"
	"sync"
)

// Published is one event seen by a Recorder.
type Published struct {
	Subject string
	Event   Event
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(ctx context.Context, subject string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Subject: subject, Event: event})
	return nil
}

// Events returns a copy of what has been published.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

func (r *Recorder) Close() error {
	return nil
}
