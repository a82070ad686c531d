/*
Package mutable allows to change state of nodes while the graph is
running.

Every node owns a mutable Context. Changes are expressed as mutations
bound to that context:

    m := node.Mutability().Mutate(func() error {
        node.level = 0.5
        return nil
    })

Mutations are delivered through a Pusher into the Mailbox of the owning
node and applied by the only goroutine that executes the node at that
moment, so mutators never race with node callbacks.
*/
package mutable

import (
	"github.com/rs/xid"
	"go.uber.org/multierr"
)

// zero value for context is immutable.
var immutable = Context{}

type (
	// Context identifies the owner of mutable state.
	Context struct {
		id xid.ID
	}

	// Mutation is mutator function associated with a certain mutable
	// context.
	Mutation struct {
		Context
		mutator MutatorFunc
	}

	// Mutations is a set of mutators mapped to their contexts.
	Mutations map[Context][]MutatorFunc

	// MutatorFunc mutates the object.
	MutatorFunc func() error
)

// Mutable returns new mutable context.
func Mutable() Context {
	return Context{id: xid.New()}
}

// Mutate associates provided mutator with context and returns mutation.
func (c Context) Mutate(m MutatorFunc) Mutation {
	if c == immutable {
		panic("mutate immutable")
	}
	return Mutation{
		Context: c,
		mutator: m,
	}
}

func (c Context) String() string {
	if c == immutable {
		return "immutable"
	}
	return c.id.String()
}

// Apply mutator function.
func (m Mutation) Apply() error {
	return m.mutator()
}

// Put mutation to the set of mutations.
func (ms Mutations) Put(m Mutation) Mutations {
	if m.Context == immutable {
		return ms
	}
	if ms == nil {
		return Mutations{m.Context: {m.mutator}}
	}
	ms[m.Context] = append(ms[m.Context], m.mutator)
	return ms
}

// ApplyTo consumes mutations defined for provided context. All mutators
// are applied, their errors are combined.
func (ms Mutations) ApplyTo(c Context) error {
	if ms == nil || c == immutable {
		return nil
	}
	fns, ok := ms[c]
	if !ok {
		return nil
	}
	delete(ms, c)
	var err error
	for _, fn := range fns {
		err = multierr.Append(err, fn())
	}
	return err
}

// Detach removes mutations of provided context from the set and returns
// them as a new set.
func (ms Mutations) Detach(c Context) Mutations {
	if ms == nil {
		return nil
	}
	if v, ok := ms[c]; ok {
		delete(ms, c)
		return Mutations{c: v}
	}
	return nil
}
