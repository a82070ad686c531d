package dataflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned if graph method cannot be executed at
	// this moment.
	ErrInvalidState = errors.New("invalid state")
	// ErrKindMismatch is returned when ports of different kinds are
	// connected.
	ErrKindMismatch = errors.New("port kind mismatch")
	// ErrAlreadyConnected is returned when input port already has
	// upstream connection.
	ErrAlreadyConnected = errors.New("input already connected")
	// ErrNotConnected is returned when ports are not connected.
	ErrNotConnected = errors.New("ports not connected")
	// ErrPortOwned is returned when port is added to a second node.
	ErrPortOwned = errors.New("port belongs to another node")
	// ErrDuplicatePort is returned when node already has port with the
	// same name.
	ErrDuplicatePort = errors.New("duplicate port name")
	// ErrCycle is returned when connection would close a cycle.
	ErrCycle = errors.New("connection closes a cycle")
	// ErrUnknownNode is returned when node doesn't belong to the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrNodeAttached is returned when node already belongs to a graph.
	ErrNodeAttached = errors.New("node attached to a graph")
	// ErrUninitialized is returned when node doesn't embed BaseNode
	// created with NewBaseNode.
	ErrUninitialized = errors.New("node is not initialized")
	// ErrUnknownAttribute is returned when node has no attribute with
	// provided name.
	ErrUnknownAttribute = errors.New("unknown attribute")
	// ErrDuplicateAttribute is returned when node already has attribute
	// with the same name.
	ErrDuplicateAttribute = errors.New("duplicate attribute")
	// ErrFlushDiverged is returned when flush doesn't settle within
	// allowed number of passes.
	ErrFlushDiverged = errors.New("flush diverged")
	// ErrStateConsumed is returned when node state is loaded twice.
	ErrStateConsumed = errors.New("node state consumed")
	// ErrStateMismatch is returned when node state is loaded into
	// another node.
	ErrStateMismatch = errors.New("node state mismatch")
)

// NodeError is returned when node callback fails.
type NodeError struct {
	Node string
	Op   string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s %s: %v", e.Node, e.Op, e.Err)
}

// Unwrap returns the cause of failure.
func (e *NodeError) Unwrap() error {
	return e.Err
}
