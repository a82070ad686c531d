package dataflow

import (
	"fmt"
	"sync/atomic"
)

// Checkpointable is implemented by nodes with internal state that
// should survive pause and rewind. Captured state must not share memory
// with the node.
type Checkpointable interface {
	CaptureState() any
	RestoreState(any) error
}

// NodeState is a snapshot of node data: buffered port data and captured
// internal state. It's immutable and can be loaded only once.
type NodeState struct {
	node     string
	inputs   map[string]portSnapshot
	outputs  map[string]portSnapshot
	captured any
	consumed atomic.Bool
}

// Node returns id of the node the state was saved from.
func (s *NodeState) Node() string {
	return s.node
}

// Consumed reports whether state was loaded.
func (s *NodeState) Consumed() bool {
	return s.consumed.Load()
}

// Captured returns internal state captured from the node or nil.
func (s *NodeState) Captured() any {
	return s.captured
}

// SaveState captures state of the node. Graph must be paused or stopped.
func (g *Graph) SaveState(n Node) (*NodeState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Running {
		return nil, fmt.Errorf("%w: save state while %v", ErrInvalidState, g.state)
	}
	if _, ok := g.byID[n.ID()]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, n.Name())
	}
	s := NodeState{
		node:    n.ID(),
		inputs:  make(map[string]portSnapshot),
		outputs: make(map[string]portSnapshot),
	}
	for _, p := range n.Inputs() {
		s.inputs[p.Name()] = p.snapshot()
	}
	for _, p := range n.Outputs() {
		s.outputs[p.Name()] = p.snapshot()
	}
	if c, ok := n.(Checkpointable); ok {
		s.captured = c.CaptureState()
	}
	return &s, nil
}

// LoadState restores state of the node. Graph must be paused or stopped.
// State is consumed even if restore fails.
func (g *Graph) LoadState(n Node, s *NodeState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Running {
		return fmt.Errorf("%w: load state while %v", ErrInvalidState, g.state)
	}
	if _, ok := g.byID[n.ID()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, n.Name())
	}
	if s.node != n.ID() {
		return fmt.Errorf("%w: state of %s loaded into %s", ErrStateMismatch, s.node, n.ID())
	}
	if !s.consumed.CompareAndSwap(false, true) {
		return ErrStateConsumed
	}
	for _, p := range n.Inputs() {
		if err := p.restore(s.inputs[p.Name()]); err != nil {
			return &NodeError{Node: n.Name(), Op: "load state", Err: err}
		}
	}
	for _, p := range n.Outputs() {
		if err := p.restore(s.outputs[p.Name()]); err != nil {
			return &NodeError{Node: n.Name(), Op: "load state", Err: err}
		}
	}
	if c, ok := n.(Checkpointable); ok {
		if err := c.RestoreState(s.captured); err != nil {
			return &NodeError{Node: n.Name(), Op: "load state", Err: err}
		}
	}
	return nil
}
