package dataflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/dataflow/config"
	"pipelined.dev/dataflow/internal/runtime"
	"pipelined.dev/dataflow/log"
	"pipelined.dev/dataflow/metric"
	"pipelined.dev/dataflow/mutable"
	"pipelined.dev/dataflow/stamp"
)

// Connection between output and input ports.
type Connection struct {
	ID   string
	From OutPort
	To   InPort
}

// Graph is a set of nodes connected with ports. Topology can be changed
// only when graph is stopped.
type Graph struct {
	id       string
	name     string
	host     Context
	settings config.Settings
	logger   logrus.FieldLogger
	metrics  *metric.Metrics
	clock    *stamp.Clock
	drift    *metric.Clock
	pusher   *mutable.Pusher

	mu          sync.Mutex
	state       State
	nodes       []Node
	byID        map[string]Node
	connections []Connection
	processor   *runtime.Processor
	generation  uint64
	err         error
	done        chan struct{}
}

// New returns stopped graph hosted by provided context.
func New(host Context, options ...Option) *Graph {
	id := xid.New().String()
	g := Graph{
		id:       id,
		name:     id,
		host:     host,
		settings: config.Default(),
		clock:    stamp.NewClock(),
		pusher:   mutable.NewPusher(),
		byID:     make(map[string]Node),
		done:     make(chan struct{}),
	}
	close(g.done)
	for _, option := range options {
		option(&g)
	}
	if g.host == nil {
		g.host = discard{}
	}
	if g.logger == nil {
		g.logger = log.GetLogger()
	}
	g.logger = g.logger.WithField("graph", g.name)
	g.drift = g.metrics.Clock(g.name)
	if err := g.settings.Validate(); err != nil {
		g.notify(Warning, "invalid settings, using defaults", err)
		g.settings = config.Default()
	}
	return &g
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.name
}

// Clock returns the clock of the graph.
func (g *Graph) Clock() *stamp.Clock {
	return g.clock
}

// Synchronize adjusts the clock so that its readings follow shouldBe.
// It's safe to call from node callbacks and mutations.
func (g *Graph) Synchronize(shouldBe stamp.Stamp) {
	g.clock.Synchronize(shouldBe)
	correction := g.clock.Correction()
	g.drift.Corrected(correction)
	g.logger.WithFields(logrus.Fields{
		"position":   shouldBe,
		"correction": correction,
	}).Debug("clock synchronized")
}

// Settings returns settings of the graph.
func (g *Graph) Settings() config.Settings {
	return g.settings
}

// State returns the state of the graph.
func (g *Graph) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err returns the failure that stopped the last run.
func (g *Graph) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Done returns a channel that's closed when the current run is over.
// The channel of stopped graph is closed.
func (g *Graph) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Nodes returns nodes in order of addition.
func (g *Graph) Nodes() []Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Node(nil), g.nodes...)
}

// Connections returns connections in order of creation.
func (g *Graph) Connections() []Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Connection(nil), g.connections...)
}

// Add attaches nodes to the graph. Attribute values from settings are
// applied to added nodes.
func (g *Graph) Add(nodes ...Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Stopped {
		return fmt.Errorf("%w: add node while %v", ErrInvalidState, g.state)
	}
	for _, n := range nodes {
		if err := g.add(n); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) add(n Node) error {
	b := n.base()
	if b.rt == nil {
		return fmt.Errorf("%w: %s", ErrUninitialized, n.Name())
	}
	values := g.settings.Attributes[n.Name()]
	for name := range values {
		if b.Attribute(name) == nil {
			return fmt.Errorf("%w: %s of %s", ErrUnknownAttribute, name, n.Name())
		}
	}
	if !b.rt.graph.CompareAndSwap(nil, g) {
		return fmt.Errorf("%w: %s", ErrNodeAttached, n.Name())
	}
	for name, v := range values {
		if err := b.Attribute(name).SetValue(v); err != nil {
			b.rt.graph.Store(nil)
			return &NodeError{Node: n.Name(), Op: "add", Err: err}
		}
	}
	b.rt.self = n
	b.rt.latency = time.Duration(g.settings.BufferLatency)
	b.rt.minimum = g.settings.MinBufferSize
	b.rt.staging = g.settings.OutputBufferSize
	g.pusher.AddDestination(b.mutability, &b.rt.mailbox)
	g.nodes = append(g.nodes, n)
	g.byID[n.ID()] = n
	g.logger.WithField("node", n.Name()).Debug("node added")
	return nil
}

// Remove detaches the node and all its connections from the graph.
func (g *Graph) Remove(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Stopped {
		return fmt.Errorf("%w: remove node while %v", ErrInvalidState, g.state)
	}
	if _, ok := g.byID[n.ID()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, n.Name())
	}
	connections := g.connections[:0]
	for _, c := range g.connections {
		if c.From.NodeID() == n.ID() || c.To.NodeID() == n.ID() {
			c.From.disconnect(c.To)
			continue
		}
		connections = append(connections, c)
	}
	g.connections = connections
	for i := range g.nodes {
		if g.nodes[i] == n {
			g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
			break
		}
	}
	delete(g.byID, n.ID())
	b := n.base()
	g.pusher.RemoveDestination(b.mutability)
	b.rt.self = nil
	b.rt.graph.Store(nil)
	return nil
}

// Link connects ports of the same type.
func Link[T Payload](g *Graph, out *OutputPort[T], in *InputPort[T]) error {
	return g.Connect(out, in)
}

// Connect connects output to input. Ports must be of the same kind and
// belong to nodes of this graph. Input can have only one connection.
// Connection that closes a cycle is rejected.
func (g *Graph) Connect(out OutPort, in InPort) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Stopped {
		return fmt.Errorf("%w: connect while %v", ErrInvalidState, g.state)
	}
	from, ok := g.byID[out.NodeID()]
	if !ok {
		return fmt.Errorf("%w: owner of output %s", ErrUnknownNode, out.Name())
	}
	to, ok := g.byID[in.NodeID()]
	if !ok {
		return fmt.Errorf("%w: owner of input %s", ErrUnknownNode, in.Name())
	}
	if out.Kind() != in.Kind() {
		return fmt.Errorf("%w: %v output %s to %v input %s", ErrKindMismatch, out.Kind(), out.Name(), in.Kind(), in.Name())
	}
	if in.Connected() {
		return fmt.Errorf("%w: %s of %s", ErrAlreadyConnected, in.Name(), to.Name())
	}
	if g.reachable(to, from) {
		return fmt.Errorf("%w: %s to %s", ErrCycle, from.Name(), to.Name())
	}
	id := xid.New().String()
	if err := out.connect(in, g.metrics.Connection(g.name, id), g.settings.MinBufferSize); err != nil {
		return err
	}
	g.connections = append(g.connections, Connection{ID: id, From: out, To: in})
	g.logger.WithFields(logrus.Fields{
		"from": from.Name() + "." + out.Name(),
		"to":   to.Name() + "." + in.Name(),
	}).Debug("ports connected")
	return nil
}

// Disconnect removes connection between ports.
func (g *Graph) Disconnect(out OutPort, in InPort) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Stopped {
		return fmt.Errorf("%w: disconnect while %v", ErrInvalidState, g.state)
	}
	for i, c := range g.connections {
		if c.From == out && c.To == in {
			out.disconnect(in)
			g.connections = append(g.connections[:i], g.connections[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrNotConnected, out.Name(), in.Name())
}

// Start prepares and starts every node and launches the processor. If
// any node fails to prepare or start, nodes that were already prepared
// are stopped in reverse order and graph stays stopped.
func (g *Graph) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Stopped {
		return fmt.Errorf("%w: start while %v", ErrInvalidState, g.state)
	}
	order := g.fromSources()
	for i, n := range order {
		if err := n.PrepareProcessing(); err != nil {
			return g.abortStart(order[:i], &NodeError{Node: n.Name(), Op: "prepare", Err: err})
		}
	}

	g.generation++
	generation := g.generation
	tasks := make([]runtime.Task, 0, len(order))
	for _, n := range order {
		tasks = append(tasks, &nodeTask{
			node:    n,
			rt:      n.base().rt,
			context: n.base().mutability,
			meter:   g.metrics.Node(g.name, n.Name()),
		})
	}
	g.processor = runtime.New(tasks,
		runtime.WithWorkers(g.settings.Workers),
		runtime.WithBackoff(time.Duration(g.settings.IdleBackoff)),
		runtime.WithMetrics(g.metrics.Scheduler(g.name)),
		runtime.WithLogger(g.logger),
		runtime.WithFailureHandler(func(err error) {
			go g.emergencyStop(generation, err)
		}),
	)
	g.clock.Start()
	if err := g.processor.Start(); err != nil {
		g.clock.Stop()
		return g.abortStart(order, err)
	}
	for _, n := range order {
		if err := n.StartProcessing(); err != nil {
			g.processor.Stop()
			g.clock.Stop()
			return g.abortStart(order, &NodeError{Node: n.Name(), Op: "start", Err: err})
		}
	}
	for _, n := range order {
		n.base().setState(Running)
	}
	g.state = Running
	g.err = nil
	g.done = make(chan struct{})
	g.host.BeginSession()
	g.notify(Info, "graph started", nil)
	return nil
}

// abortStart stops prepared nodes in reverse order.
func (g *Graph) abortStart(prepared []Node, err error) error {
	for i := len(prepared) - 1; i >= 0; i-- {
		n := prepared[i]
		if serr := n.StopProcessing(); serr != nil {
			err = multierr.Append(err, &NodeError{Node: n.Name(), Op: "stop", Err: serr})
		}
	}
	g.notify(Error, "graph start failed", err)
	return err
}

// Stop suspends every node, stops the processor, flushes buffered data
// towards sinks and stops every node.
func (g *Graph) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Stopped {
		return fmt.Errorf("%w: stop while %v", ErrInvalidState, g.state)
	}
	var err error
	for _, n := range g.fromSources() {
		if serr := n.SuspendProcessing(); serr != nil {
			err = multierr.Append(err, &NodeError{Node: n.Name(), Op: "suspend", Err: serr})
		}
		n.base().setState(Paused)
	}
	g.processor.Stop()
	// failed run is not flushed
	if perr := g.processor.Err(); perr != nil {
		g.err = g.nodeError(perr)
		err = multierr.Append(err, g.err)
	} else {
		err = multierr.Append(err, g.flush())
	}
	err = multierr.Append(err, g.stopNodes())
	g.finish()
	if err != nil {
		g.notify(Error, "graph stopped with errors", err)
	} else {
		g.notify(Info, "graph stopped", nil)
	}
	return err
}

// flush calls FlushData on every node starting from sinks until a whole
// pass doesn't move anything.
func (g *Graph) flush() error {
	order := g.fromSinks()
	for pass := 0; pass < g.settings.MaxFlushPasses; pass++ {
		moved := false
		for _, n := range order {
			if err := n.base().rt.mailbox.Apply(n.base().mutability); err != nil {
				return &NodeError{Node: n.Name(), Op: "flush", Err: err}
			}
			f, err := n.FlushData()
			if err != nil {
				return &NodeError{Node: n.Name(), Op: "flush", Err: err}
			}
			if f == Some {
				moved = true
			}
		}
		if !moved {
			g.logger.WithField("passes", pass+1).Debug("graph flushed")
			return nil
		}
	}
	return fmt.Errorf("%w: %d passes", ErrFlushDiverged, g.settings.MaxFlushPasses)
}

func (g *Graph) stopNodes() error {
	var err error
	for _, n := range g.fromSources() {
		if serr := n.StopProcessing(); serr != nil {
			err = multierr.Append(err, &NodeError{Node: n.Name(), Op: "stop", Err: serr})
		}
		n.base().setState(Stopped)
	}
	return err
}

// finish moves graph into stopped state. Must be called under lock.
func (g *Graph) finish() {
	g.clock.Stop()
	g.state = Stopped
	close(g.done)
	g.host.EndSession()
}

// Pause parks processor workers. When Pause returns, no node is
// executed.
func (g *Graph) Pause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Running {
		return fmt.Errorf("%w: pause while %v", ErrInvalidState, g.state)
	}
	if err := g.processor.Pause(); err != nil {
		return err
	}
	for _, n := range g.nodes {
		n.base().setState(Paused)
	}
	g.clock.Stop()
	g.state = Paused
	g.logger.WithField("position", g.clock.Now()).Debug("clock stopped")
	g.notify(Info, "graph paused", nil)
	return nil
}

// Resume releases paused processor workers.
func (g *Graph) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Paused {
		return fmt.Errorf("%w: resume while %v", ErrInvalidState, g.state)
	}
	for _, n := range g.nodes {
		n.base().setState(Running)
	}
	if err := g.processor.Resume(); err != nil {
		return err
	}
	g.clock.Start()
	g.state = Running
	g.notify(Info, "graph resumed", nil)
	return nil
}

// Push delivers mutations to their nodes. Mutations of running graph are
// applied by workers before the next node cycle, otherwise they are
// applied immediately.
func (g *Graph) Push(mutations ...mutable.Mutation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.pusher.Push(mutations...); err != nil {
		return err
	}
	if g.state == Running {
		return nil
	}
	var err error
	for _, n := range g.nodes {
		b := n.base()
		err = multierr.Append(err, b.rt.mailbox.Apply(b.mutability))
	}
	return err
}

// SetAttribute converts value and pushes attribute change to the node.
func (g *Graph) SetAttribute(n Node, name string, value any) error {
	a := n.base().Attribute(name)
	if a == nil {
		return fmt.Errorf("%w: %s of %s", ErrUnknownAttribute, name, n.Name())
	}
	m, err := a.Mutation(value)
	if err != nil {
		return err
	}
	return g.Push(m)
}

// emergencyStop stops every node of failed run without flush.
func (g *Graph) emergencyStop(generation uint64, failure error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generation != generation || g.state == Stopped {
		return
	}
	err := g.nodeError(failure)
	if serr := g.stopNodes(); serr != nil {
		g.logger.WithError(serr).Warn("errors stopping failed graph")
	}
	g.err = err
	g.finish()
	g.notify(Error, "graph failed", err)
}

// nodeError converts processor failure into node error.
func (g *Graph) nodeError(err error) error {
	var taskErr *runtime.TaskError
	if !errors.As(err, &taskErr) {
		return err
	}
	var nodeErr *NodeError
	if errors.As(taskErr.Err, &nodeErr) {
		return nodeErr
	}
	return &NodeError{Node: taskErr.Task.Name(), Op: "process", Err: taskErr.Err}
}

func (g *Graph) notify(s Severity, text string, err error) {
	entry := g.logger
	if err != nil {
		entry = entry.WithError(err)
	}
	switch s {
	case Error:
		entry.Error(text)
	case Warning:
		entry.Warn(text)
	default:
		entry.Debug(text)
	}
	g.host.Notify(Message{
		Severity: s,
		Source:   g.name,
		Text:     text,
		Err:      err,
	})
}

// nodeTask schedules node with the processor. Node is executed only
// when its state is running.
type nodeTask struct {
	node    Node
	rt      *nodeRuntime
	context mutable.Context
	meter   *metric.Node
}

func (t *nodeTask) Name() string {
	return t.node.Name()
}

func (t *nodeTask) running() bool {
	return State(t.rt.state.Load()) == Running
}

func (t *nodeTask) CanProcess() bool {
	return t.running() && (t.rt.mailbox.Pending() || t.node.CanProcess())
}

func (t *nodeTask) CanTransfer() bool {
	return t.running() && t.node.CanTransfer()
}

func (t *nodeTask) Process() error {
	if err := t.rt.mailbox.Apply(t.context); err != nil {
		t.meter.Failure()
		return &NodeError{Node: t.node.Name(), Op: "mutate", Err: err}
	}
	if !t.node.CanProcess() {
		return nil
	}
	start := time.Now()
	err := t.node.Process()
	t.meter.Since(start)
	t.meter.Cycle(metric.OpProcess)
	if err != nil {
		t.meter.Failure()
		return &NodeError{Node: t.node.Name(), Op: "process", Err: err}
	}
	return nil
}

func (t *nodeTask) Transfer() error {
	t.meter.Cycle(metric.OpTransfer)
	if err := t.node.Transfer(); err != nil {
		t.meter.Failure()
		return &NodeError{Node: t.node.Name(), Op: "transfer", Err: err}
	}
	return nil
}

type discard struct{}

func (discard) Notify(Message)           {}
func (discard) WorkingDirectory() string { return "." }
func (discard) FileMask() string         { return config.DefaultFileMask }
func (discard) BeginSession()            {}
func (discard) EndSession()              {}
