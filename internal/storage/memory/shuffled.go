package memory

import (
	"context"
	"math/rand/v2"
	"sync"
)

type pendingWrite struct {
	key    string
	value  string
	remove bool
}

// Shuffled wraps a Store and delays writes, applying them later in a random
// order. Reads go straight to the underlying store, so a writer may not see
// its own recent writes and two writers racing on one key end in either
// order. It exists to exercise the no-locks design under reordering.
type Shuffled struct {
	*Store

	mu        sync.Mutex
	rng       *rand.Rand
	pending   []pendingWrite
	flushProb float64
}

// NewShuffled creates a reordering store seeded with seed. flushProb is the
// chance that any single operation also applies a random part of the backlog.
func NewShuffled(seed uint64, flushProb float64) *Shuffled {
	return &Shuffled{
		Store:     New(),
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		flushProb: flushProb,
	}
}

// Get reads the underlying store after possibly settling some writes.
func (s *Shuffled) Get(ctx context.Context, key string) (string, error) {
	s.maybeFlush(ctx)
	return s.Store.Get(ctx, key)
}

// Set queues a write.
func (s *Shuffled) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = append(s.pending, pendingWrite{key: key, value: value})
	s.mu.Unlock()
	s.maybeFlush(ctx)
	return nil
}

// Remove queues a delete.
func (s *Shuffled) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = append(s.pending, pendingWrite{key: key, remove: true})
	s.mu.Unlock()
	s.maybeFlush(ctx)
	return nil
}

// Flush applies every queued write in a random order.
func (s *Shuffled) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	s.mu.Unlock()

	s.apply(ctx, batch)
}

// Pending returns the number of queued writes.
func (s *Shuffled) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Shuffled) maybeFlush(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 || s.rng.Float64() >= s.flushProb {
		s.mu.Unlock()
		return
	}
	n := 1 + s.rng.IntN(len(s.pending))
	s.rng.Shuffle(len(s.pending), func(i, j int) { s.pending[i], s.pending[j] = s.pending[j], s.pending[i] })
	batch := append([]pendingWrite(nil), s.pending[:n]...)
	s.pending = append(s.pending[:0], s.pending[n:]...)
	s.mu.Unlock()

	s.apply(ctx, batch)
}

func (s *Shuffled) apply(ctx context.Context, batch []pendingWrite) {
	for _, w := range batch {
		if w.remove {
			_ = s.Store.Remove(ctx, w.key)
			continue
		}
		_ = s.Store.Set(ctx, w.key, w.value)
	}
}
