// Package mock provides instrumented nodes for graph tests.
package mock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/dataflow"
)

const (
	defaultBufferSize = 512
	defaultSampleRate = 44100
)

// Source generates Limit samples of Value.
type Source struct {
	dataflow.BaseNode
	counter
	failure
	Hooks
	Out *dataflow.OutputPort[dataflow.Sample]

	Limit      int
	BufferSize int
	Value      dataflow.Sample
	SampleRate float64

	buffer []dataflow.Sample
}

// NewSource returns source node with output "out".
func NewSource(name string, limit int) *Source {
	m := Source{
		BaseNode:   dataflow.NewBaseNode(name),
		Out:        dataflow.NewOutput[dataflow.Sample]("out"),
		Limit:      limit,
		BufferSize: defaultBufferSize,
		Value:      1,
		SampleRate: defaultSampleRate,
	}
	mustAdd(m.AddOutput(m.Out))
	return &m
}

// PrepareProcessing sets output rate and prepares buffers.
func (m *Source) PrepareProcessing() error {
	if err := m.prepare(m.Name()); err != nil {
		return err
	}
	m.Out.SetSampleRate(m.SampleRate)
	return m.BaseNode.PrepareProcessing()
}

// StartProcessing implements dataflow.Node.
func (m *Source) StartProcessing() error { return m.start(m.Name()) }

// SuspendProcessing implements dataflow.Node.
func (m *Source) SuspendProcessing() error { return m.suspend(m.Name()) }

// StopProcessing implements dataflow.Node.
func (m *Source) StopProcessing() error { return m.stop(m.Name()) }

// CanProcess returns true until limit is reached.
func (m *Source) CanProcess() bool {
	_, samples := m.Count()
	return !m.Suspended() && samples < int64(m.Limit) && m.Out.Free() > 0
}

// Process writes the next buffer.
func (m *Source) Process() error {
	if err := m.call(); err != nil {
		return err
	}
	_, samples := m.Count()
	n := min(m.BufferSize, m.Limit-int(samples), m.Out.Free())
	if cap(m.buffer) < n {
		m.buffer = make([]dataflow.Sample, n)
	}
	b := m.buffer[:n]
	for i := range b {
		b[i] = m.Value
	}
	m.Out.Write(b)
	m.advance(n)
	return nil
}

// Transfer counts calls and transfers staged samples.
func (m *Source) Transfer() error {
	m.transfers.Add(1)
	return m.BaseNode.Transfer()
}

// CaptureState implements dataflow.Checkpointable.
func (m *Source) CaptureState() any {
	_, samples := m.Count()
	return samples
}

// RestoreState implements dataflow.Checkpointable.
func (m *Source) RestoreState(s any) error {
	samples, ok := s.(int64)
	if !ok {
		return errors.New("invalid source state")
	}
	m.samples.Store(samples)
	return nil
}

// Processor multiplies samples by gain attribute.
type Processor struct {
	dataflow.BaseNode
	counter
	failure
	Hooks
	In   *dataflow.InputPort[dataflow.Sample]
	Out  *dataflow.OutputPort[dataflow.Sample]
	Gain *dataflow.Attribute[float64]

	buffer []dataflow.Sample
}

// NewProcessor returns processor node with input "in" and output "out".
func NewProcessor(name string, options ...dataflow.PortOption) *Processor {
	m := Processor{
		BaseNode: dataflow.NewBaseNode(name),
		In:       dataflow.NewInput[dataflow.Sample]("in", options...),
		Out:      dataflow.NewOutput[dataflow.Sample]("out"),
		buffer:   make([]dataflow.Sample, defaultBufferSize),
	}
	mustAdd(m.AddInput(m.In))
	mustAdd(m.AddOutput(m.Out))
	var err error
	m.Gain, err = dataflow.NewAttribute(&m.BaseNode, "gain", 1.0)
	mustAdd(err)
	return &m
}

// PrepareProcessing propagates input rate to output.
func (m *Processor) PrepareProcessing() error {
	if err := m.prepare(m.Name()); err != nil {
		return err
	}
	m.Out.SetSampleRate(m.In.SampleRate())
	return m.BaseNode.PrepareProcessing()
}

// StartProcessing implements dataflow.Node.
func (m *Processor) StartProcessing() error { return m.start(m.Name()) }

// SuspendProcessing implements dataflow.Node.
func (m *Processor) SuspendProcessing() error { return m.suspend(m.Name()) }

// StopProcessing implements dataflow.Node.
func (m *Processor) StopProcessing() error { return m.stop(m.Name()) }

// CanProcess returns true if input has data and output has space.
func (m *Processor) CanProcess() bool {
	return m.In.Available() > 0 && m.Out.Free() > 0
}

// Process applies gain.
func (m *Processor) Process() error {
	if err := m.call(); err != nil {
		return err
	}
	n := min(len(m.buffer), m.Out.Free())
	n = m.In.Read(m.buffer[:n])
	gain := dataflow.Sample(m.Gain.Get())
	for i := range m.buffer[:n] {
		m.buffer[i] *= gain
	}
	m.Out.Write(m.buffer[:n])
	m.advance(n)
	return nil
}

// Sink collects received samples.
type Sink struct {
	dataflow.BaseNode
	counter
	failure
	Hooks
	In *dataflow.InputPort[dataflow.Sample]
	// Discard disables collection of samples.
	Discard bool

	mu     sync.Mutex
	values []dataflow.Sample
	buffer []dataflow.Sample
}

// NewSink returns sink node with input "in".
func NewSink(name string, options ...dataflow.PortOption) *Sink {
	m := Sink{
		BaseNode: dataflow.NewBaseNode(name),
		In:       dataflow.NewInput[dataflow.Sample]("in", options...),
		buffer:   make([]dataflow.Sample, defaultBufferSize),
	}
	mustAdd(m.AddInput(m.In))
	return &m
}

// PrepareProcessing implements dataflow.Node.
func (m *Sink) PrepareProcessing() error {
	if err := m.prepare(m.Name()); err != nil {
		return err
	}
	return m.BaseNode.PrepareProcessing()
}

// StartProcessing implements dataflow.Node.
func (m *Sink) StartProcessing() error { return m.start(m.Name()) }

// SuspendProcessing implements dataflow.Node.
func (m *Sink) SuspendProcessing() error { return m.suspend(m.Name()) }

// StopProcessing implements dataflow.Node.
func (m *Sink) StopProcessing() error { return m.stop(m.Name()) }

// CanProcess returns true if input has data.
func (m *Sink) CanProcess() bool {
	return m.In.Available() > 0
}

// Process consumes input.
func (m *Sink) Process() error {
	if err := m.call(); err != nil {
		return err
	}
	n := m.In.Read(m.buffer)
	if !m.Discard {
		m.mu.Lock()
		m.values = append(m.values, m.buffer[:n]...)
		m.mu.Unlock()
	}
	m.advance(n)
	return nil
}

// Values returns collected samples.
func (m *Sink) Values() []dataflow.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dataflow.Sample(nil), m.values...)
}

// Guarded detects concurrent execution of its callbacks. It's always
// ready to process and transfer until suspended.
type Guarded struct {
	dataflow.BaseNode
	counter
	Hooks
	// Delay is how long each process call takes.
	Delay time.Duration

	inside  atomic.Int32
	maximum atomic.Int32
}

// NewGuarded returns guarded node without ports.
func NewGuarded(name string, delay time.Duration) *Guarded {
	return &Guarded{
		BaseNode: dataflow.NewBaseNode(name),
		Delay:    delay,
	}
}

// SuspendProcessing implements dataflow.Node.
func (m *Guarded) SuspendProcessing() error { return m.suspend(m.Name()) }

// StopProcessing implements dataflow.Node.
func (m *Guarded) StopProcessing() error { return m.stop(m.Name()) }

// CanProcess returns true until suspended.
func (m *Guarded) CanProcess() bool {
	return !m.Suspended()
}

// CanTransfer returns true until suspended.
func (m *Guarded) CanTransfer() bool {
	defer m.enter()()
	return !m.Suspended()
}

// Process records concurrent entries.
func (m *Guarded) Process() error {
	defer m.enter()()
	time.Sleep(m.Delay)
	m.advance(0)
	return nil
}

// Transfer records concurrent entries.
func (m *Guarded) Transfer() error {
	defer m.enter()()
	m.transfers.Add(1)
	return nil
}

// MaxConcurrency returns the maximal number of concurrent callbacks.
func (m *Guarded) MaxConcurrency() int {
	return int(m.maximum.Load())
}

func (m *Guarded) enter() func() {
	n := m.inside.Add(1)
	for {
		peak := m.maximum.Load()
		if n <= peak || m.maximum.CompareAndSwap(peak, n) {
			break
		}
	}
	return func() { m.inside.Add(-1) }
}

func mustAdd(err error) {
	if err != nil {
		panic(err)
	}
}
