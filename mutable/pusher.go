package mutable

import (
	"errors"
	"sync"
)

// ErrUnknownContext is returned when mutation is pushed for a context
// without destination.
var ErrUnknownContext = errors.New("unknown mutable context")

type (
	// Pusher routes mutations to mailboxes of their contexts.
	Pusher struct {
		mu           sync.RWMutex
		destinations map[Context]*Mailbox
	}

	// Mailbox accumulates mutations until the owner applies them.
	Mailbox struct {
		mu      sync.Mutex
		pending Mutations
	}
)

// NewPusher creates new pusher.
func NewPusher() *Pusher {
	return &Pusher{
		destinations: make(map[Context]*Mailbox),
	}
}

// AddDestination maps context to the mailbox.
func (p *Pusher) AddDestination(c Context, mb *Mailbox) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destinations[c] = mb
}

// RemoveDestination removes mapping of the context.
func (p *Pusher) RemoveDestination(c Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.destinations, c)
}

// Push delivers mutations to their mailboxes. If any mutation has unknown
// context, nothing is delivered and ErrUnknownContext is returned.
func (p *Pusher) Push(mutations ...Mutation) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range mutations {
		if _, ok := p.destinations[m.Context]; !ok {
			return ErrUnknownContext
		}
	}
	for _, m := range mutations {
		p.destinations[m.Context].Put(m)
	}
	return nil
}

// Put mutation into the mailbox.
func (mb *Mailbox) Put(m Mutation) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.pending = mb.pending.Put(m)
}

// Pending reports whether the mailbox has mutations.
func (mb *Mailbox) Pending() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.pending) > 0
}

// Apply consumes all mutations of provided context.
func (mb *Mailbox) Apply(c Context) error {
	mb.mu.Lock()
	ms := mb.pending.Detach(c)
	mb.mu.Unlock()
	return ms.ApplyTo(c)
}
