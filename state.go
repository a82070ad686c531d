package dataflow

import "fmt"

// State of graph and its nodes. Allowed transitions are:
//
//	Stopped -> Running
//	Running -> Paused
//	Paused  -> Running
//	Running -> Stopped
//	Paused  -> Stopped
type State int32

// States.
const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Flush is the result of node flush.
type Flush int

// Flush results.
const (
	// Empty means node had nothing to move.
	Empty Flush = iota
	// Some means node moved data and can be flushed again.
	Some
)
