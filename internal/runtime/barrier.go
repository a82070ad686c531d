package runtime

import (
	"context"
	"sync"
)

// Barrier is a reusable rendezvous point for a fixed number of parties.
// Every party blocks in Await until all parties arrive, then all of them
// depart together and the barrier is reset for the next generation.
type Barrier struct {
	mu      sync.Mutex
	parties int
	arrived int
	gen     chan struct{}
}

// NewBarrier returns barrier for n parties. n less than one is set to one.
func NewBarrier(n int) *Barrier {
	if n < 1 {
		n = 1
	}
	return &Barrier{
		parties: n,
		gen:     make(chan struct{}),
	}
}

// Await blocks until all parties arrive or context is done. If context is
// done, the party leaves the current generation and context error is
// returned.
func (b *Barrier) Await(ctx context.Context) error {
	b.mu.Lock()
	gen := b.gen
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.gen = make(chan struct{})
		b.mu.Unlock()
		close(gen)
		return nil
	}
	b.mu.Unlock()

	select {
	case <-gen:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		defer b.mu.Unlock()
		// generation could be released at the same moment
		if gen != b.gen {
			return nil
		}
		b.arrived--
		return ctx.Err()
	}
}
