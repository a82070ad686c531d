package dataflow

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"pipelined.dev/dataflow/mutable"
	"pipelined.dev/dataflow/stamp"
)

// Node is a processing unit of the graph. Nodes must embed BaseNode
// created with NewBaseNode.
//
// Lifecycle hooks are called by the graph in the following order:
// PrepareProcessing and StartProcessing on start, SuspendProcessing,
// flush and StopProcessing on stop. After SuspendProcessing node must
// not generate new data on its own, so flush can settle.
//
// CanProcess and CanTransfer must be cheap and free of side effects.
// Process must not block. Transfer is bounded by free space of
// downstream connections, data that doesn't fit stays staged.
type Node interface {
	Name() string
	ID() string
	Inputs() []InPort
	Outputs() []OutPort

	PrepareProcessing() error
	StartProcessing() error
	SuspendProcessing() error
	StopProcessing() error

	CanProcess() bool
	CanTransfer() bool
	Process() error
	Transfer() error
	FlushData() (Flush, error)

	base() *BaseNode
}

// BaseNode implements port and attribute registration and default
// behaviour of the node. The zero value is not usable, use NewBaseNode.
type BaseNode struct {
	name       string
	id         xid.ID
	inputs     []InPort
	outputs    []OutPort
	attributes []AttributeValue
	mutability mutable.Context
	rt         *nodeRuntime
}

// nodeRuntime is the part of node controlled by the graph.
type nodeRuntime struct {
	self    Node
	state   atomic.Int32
	graph   atomic.Pointer[Graph]
	mailbox mutable.Mailbox
	latency time.Duration
	minimum int
	staging int
}

// NewBaseNode returns base node with provided name.
func NewBaseNode(name string) BaseNode {
	return BaseNode{
		name:       name,
		id:         xid.New(),
		mutability: mutable.Mutable(),
		rt:         &nodeRuntime{},
	}
}

// Name returns the node name.
func (n *BaseNode) Name() string {
	return n.name
}

// ID returns unique id of the node.
func (n *BaseNode) ID() string {
	return n.id.String()
}

// Inputs returns input ports in order of registration.
func (n *BaseNode) Inputs() []InPort {
	return append([]InPort(nil), n.inputs...)
}

// Outputs returns output ports in order of registration.
func (n *BaseNode) Outputs() []OutPort {
	return append([]OutPort(nil), n.outputs...)
}

// Mutability returns mutable context of the node.
func (n *BaseNode) Mutability() mutable.Context {
	return n.mutability
}

// ProcessingState returns the state of the node.
func (n *BaseNode) ProcessingState() State {
	if n.rt == nil {
		return Stopped
	}
	return State(n.rt.state.Load())
}

// Synchronize relocates the clock of the graph the node belongs to.
// Detached node has no clock and the call does nothing.
func (n *BaseNode) Synchronize(shouldBe stamp.Stamp) {
	if n.rt == nil {
		return
	}
	if g := n.rt.graph.Load(); g != nil {
		g.Synchronize(shouldBe)
	}
}

// AddInput registers input ports. Ports must have unique names within
// the node and can't belong to another node.
func (n *BaseNode) AddInput(ports ...InPort) error {
	for _, p := range ports {
		if n.input(p.Name()) != nil {
			return fmt.Errorf("%w: input %s of %s", ErrDuplicatePort, p.Name(), n.name)
		}
		if err := p.setOwner(n.ID()); err != nil {
			return err
		}
		n.inputs = append(n.inputs, p)
	}
	return nil
}

// AddOutput registers output ports. Ports must have unique names within
// the node and can't belong to another node.
func (n *BaseNode) AddOutput(ports ...OutPort) error {
	for _, p := range ports {
		if n.output(p.Name()) != nil {
			return fmt.Errorf("%w: output %s of %s", ErrDuplicatePort, p.Name(), n.name)
		}
		if err := p.setOwner(n.ID()); err != nil {
			return err
		}
		n.outputs = append(n.outputs, p)
	}
	return nil
}

func (n *BaseNode) input(name string) InPort {
	for _, p := range n.inputs {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (n *BaseNode) output(name string) OutPort {
	for _, p := range n.outputs {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Attributes returns attributes of the node.
func (n *BaseNode) Attributes() []AttributeValue {
	return append([]AttributeValue(nil), n.attributes...)
}

// Attribute returns attribute with provided name or nil.
func (n *BaseNode) Attribute(name string) AttributeValue {
	for _, a := range n.attributes {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// PrepareProcessing sizes port buffers with graph settings.
func (n *BaseNode) PrepareProcessing() error {
	for _, p := range n.inputs {
		p.Prepare(n.rt.latency, n.rt.minimum)
	}
	for _, p := range n.outputs {
		p.Prepare(n.rt.staging)
	}
	return nil
}

// StartProcessing does nothing.
func (n *BaseNode) StartProcessing() error { return nil }

// SuspendProcessing does nothing.
func (n *BaseNode) SuspendProcessing() error { return nil }

// StopProcessing does nothing.
func (n *BaseNode) StopProcessing() error { return nil }

// CanProcess returns false.
func (n *BaseNode) CanProcess() bool { return false }

// Process does nothing.
func (n *BaseNode) Process() error { return nil }

// CanTransfer returns true if any output has staged data and room
// downstream.
func (n *BaseNode) CanTransfer() bool {
	for _, p := range n.outputs {
		if p.Pending() > 0 && p.Writable() {
			return true
		}
	}
	return false
}

// Transfer moves staged data of every output.
func (n *BaseNode) Transfer() error {
	for _, p := range n.outputs {
		p.Transfer()
	}
	return nil
}

// FlushData transfers staged data, processes buffered input if node is
// ready and transfers the result. Some is returned if anything moved.
func (n *BaseNode) FlushData() (Flush, error) {
	self := n.rt.self
	if self == nil {
		return Empty, nil
	}
	result := Empty
	if moved, err := flushTransfer(self); err != nil {
		return Empty, err
	} else if moved {
		result = Some
	}
	if self.CanProcess() {
		if err := self.Process(); err != nil {
			return result, err
		}
		result = Some
		if _, err := flushTransfer(self); err != nil {
			return result, err
		}
	}
	return result, nil
}

// flushTransfer transfers node data and reports whether any output
// moved something.
func flushTransfer(n Node) (bool, error) {
	if !n.CanTransfer() {
		return false, nil
	}
	before := pending(n)
	if err := n.Transfer(); err != nil {
		return false, err
	}
	return pending(n) != before, nil
}

func pending(n Node) int {
	total := 0
	for _, p := range n.Outputs() {
		total += p.Pending()
	}
	return total
}

func (n *BaseNode) base() *BaseNode {
	return n
}

func (n *BaseNode) setState(s State) {
	n.rt.state.Store(int32(s))
}
