package dataflow

import (
	"fmt"
	"math"
	"sync"
	"time"

	"pipelined.dev/dataflow/config"
	"pipelined.dev/dataflow/metric"
	"pipelined.dev/dataflow/ringbuffer"
	"pipelined.dev/dataflow/stamp"
)

type (
	// InPort is an input port of any kind.
	InPort interface {
		Name() string
		NodeID() string
		Kind() Kind
		Connected() bool
		Overflow() bool
		SampleRate() float64
		Available() int
		Prepare(latency time.Duration, minimum int)

		setOwner(id string) error
		disconnectSource()
		snapshot() portSnapshot
		restore(portSnapshot) error
	}

	// OutPort is an output port of any kind.
	OutPort interface {
		Name() string
		NodeID() string
		Kind() Kind
		Pending() int
		Writable() bool
		Transfer() int
		SampleRate() float64
		SetSampleRate(rate float64)
		Connections() []InPort
		Prepare(capacity int)

		setOwner(id string) error
		connect(in InPort, meter *metric.Connection, minimum int) error
		disconnect(in InPort) bool
		snapshot() portSnapshot
		restore(portSnapshot) error
	}

	// PortOption configures a port.
	PortOption func(*portOptions)

	portOptions struct {
		overflow bool
		capacity int
	}

	port struct {
		name  string
		owner string
	}

	portSnapshot struct {
		data  any
		stamp stamp.Stamp
		rate  float64
	}
)

// WithOverflow sets overflow policy of input port connection. Overflowed
// connection drops the oldest data instead of applying backpressure.
func WithOverflow(overflow bool) PortOption {
	return func(o *portOptions) {
		o.overflow = overflow
	}
}

// WithCapacity sets fixed capacity of the port buffer. Fixed capacity
// is not changed by Prepare.
func WithCapacity(capacity int) PortOption {
	return func(o *portOptions) {
		o.capacity = capacity
	}
}

func newPortOptions(options []PortOption) portOptions {
	var o portOptions
	for _, option := range options {
		option(&o)
	}
	return o
}

// Name returns the port name.
func (p *port) Name() string {
	return p.name
}

// NodeID returns id of the owning node or empty string.
func (p *port) NodeID() string {
	return p.owner
}

func (p *port) setOwner(id string) error {
	if p.owner != "" && p.owner != id {
		return fmt.Errorf("%w: %s", ErrPortOwned, p.name)
	}
	p.owner = id
	return nil
}

// InputPort receives data from a single upstream output. The connection
// buffer is owned by the input port.
type InputPort[T Payload] struct {
	port
	overflow bool
	capacity int

	mu     sync.Mutex
	source *OutputPort[T]
	buffer *ringbuffer.Timed[T]
	meter  *metric.Connection
}

// NewInput returns new input port.
func NewInput[T Payload](name string, options ...PortOption) *InputPort[T] {
	o := newPortOptions(options)
	return &InputPort[T]{
		port:     port{name: name},
		overflow: o.overflow,
		capacity: o.capacity,
	}
}

// Kind returns kind of the port.
func (p *InputPort[T]) Kind() Kind {
	return KindOf[T]()
}

// Overflow returns overflow policy of the port.
func (p *InputPort[T]) Overflow() bool {
	return p.overflow
}

// Connected returns true if port has upstream connection.
func (p *InputPort[T]) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source != nil
}

// Connection returns the connection buffer or nil if port is not
// connected.
func (p *InputPort[T]) Connection() *ringbuffer.Timed[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer
}

// SampleRate returns the negotiated rate of the connection.
func (p *InputPort[T]) SampleRate() float64 {
	if b := p.Connection(); b != nil {
		return b.Rate()
	}
	return 0
}

// Available returns the number of buffered elements.
func (p *InputPort[T]) Available() int {
	if b := p.Connection(); b != nil {
		return b.Available()
	}
	return 0
}

// Read moves buffered elements into dst.
func (p *InputPort[T]) Read(dst []T) int {
	if b := p.Connection(); b != nil {
		return b.Read(dst)
	}
	return 0
}

// Stamp returns the time of the oldest buffered element.
func (p *InputPort[T]) Stamp() stamp.Stamp {
	if b := p.Connection(); b != nil {
		return b.StampForSample(0)
	}
	return stamp.Zero
}

// Prepare sizes the connection buffer to hold latency worth of data at
// negotiated rate, but not less than minimum elements. Prepare is
// idempotent for unchanged rate.
func (p *InputPort[T]) Prepare(latency time.Duration, minimum int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buffer == nil {
		return
	}
	p.buffer.Resize(p.size(p.buffer.Rate(), latency, minimum))
}

func (p *InputPort[T]) size(rate float64, latency time.Duration, minimum int) int {
	if p.capacity > 0 {
		return p.capacity
	}
	return max(1, minimum, int(math.Ceil(rate*latency.Seconds())))
}

func (p *InputPort[T]) attach(src *OutputPort[T], meter *metric.Connection, minimum int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rate := src.SampleRate()
	p.source = src
	p.meter = meter
	p.buffer = ringbuffer.NewTimed[T](
		p.size(rate, 0, minimum),
		rate,
		ringbuffer.WithOverflow(p.overflow),
		ringbuffer.WithDropHandler(meter.Dropped),
	)
	p.buffer.SetStamp(src.staging.StampForSample(0))
}

func (p *InputPort[T]) disconnectSource() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = nil
	p.buffer = nil
	p.meter = nil
}

func (p *InputPort[T]) target() (*ringbuffer.Timed[T], *metric.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer, p.meter
}

func (p *InputPort[T]) setRate(rate float64) {
	if b := p.Connection(); b != nil {
		b.SetRate(rate)
	}
}

func (p *InputPort[T]) snapshot() portSnapshot {
	b := p.Connection()
	if b == nil {
		return portSnapshot{}
	}
	return portSnapshot{
		data:  detach(b.Snapshot()),
		stamp: b.Stamp(),
		rate:  b.Rate(),
	}
}

func (p *InputPort[T]) restore(s portSnapshot) error {
	b := p.Connection()
	if s.data == nil {
		if b != nil {
			b.Reset()
		}
		return nil
	}
	data, ok := s.data.([]T)
	if !ok {
		return fmt.Errorf("%w: restore %s into %v port %s", ErrKindMismatch, kindOfData(s.data), p.Kind(), p.name)
	}
	if b == nil {
		return fmt.Errorf("%w: restore input %s", ErrNotConnected, p.name)
	}
	b.Restore(detach(data))
	b.SetRate(s.rate)
	b.SetStamp(s.stamp)
	return nil
}

// OutputPort stages data produced by the node and transfers it into
// every connected input.
type OutputPort[T Payload] struct {
	port
	capacity int
	staging  *ringbuffer.Timed[T]

	mu          sync.Mutex
	connections []*InputPort[T]
	scratch     []T
}

// NewOutput returns new output port.
func NewOutput[T Payload](name string, options ...PortOption) *OutputPort[T] {
	o := newPortOptions(options)
	capacity := o.capacity
	if capacity <= 0 {
		capacity = config.DefaultOutputBufferSize
	}
	return &OutputPort[T]{
		port:     port{name: name},
		capacity: o.capacity,
		staging:  ringbuffer.NewTimed[T](capacity, 0),
	}
}

// Kind returns kind of the port.
func (p *OutputPort[T]) Kind() Kind {
	return KindOf[T]()
}

// Write stages copy of items and returns the number of staged items.
// Short write means staging buffer is full and node should retry after
// transfer.
func (p *OutputPort[T]) Write(items []T) int {
	return p.staging.Write(detach(items))
}

// Claim returns free space of staging buffer. See ringbuffer.Buffer.Claim.
func (p *OutputPort[T]) Claim(n int) (first, second []T) {
	return p.staging.Claim(n)
}

// SetWritten commits items filled through Claim.
func (p *OutputPort[T]) SetWritten(n int) int {
	return p.staging.SetWritten(n)
}

// Pending returns the number of staged items.
func (p *OutputPort[T]) Pending() int {
	return p.staging.Available()
}

// Free returns the number of items that can be staged.
func (p *OutputPort[T]) Free() int {
	return p.staging.Free()
}

// Stamp returns the time after the last staged item.
func (p *OutputPort[T]) Stamp() stamp.Stamp {
	return p.staging.Stamp()
}

// SetStamp relocates the port in signal time.
func (p *OutputPort[T]) SetStamp(s stamp.Stamp) {
	p.staging.SetStamp(s)
}

// SampleRate returns the rate of the port.
func (p *OutputPort[T]) SampleRate() float64 {
	return p.staging.Rate()
}

// SetSampleRate sets the rate of the port and notifies connected inputs.
func (p *OutputPort[T]) SetSampleRate(rate float64) {
	p.staging.SetRate(rate)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, in := range p.connections {
		in.setRate(rate)
	}
}

// Connections returns connected inputs.
func (p *OutputPort[T]) Connections() []InPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]InPort, 0, len(p.connections))
	for _, in := range p.connections {
		result = append(result, in)
	}
	return result
}

// Prepare resizes staging buffer unless port has fixed capacity.
func (p *OutputPort[T]) Prepare(capacity int) {
	if p.capacity > 0 || capacity <= 0 {
		return
	}
	p.staging.Resize(capacity)
}

// Writable returns true if transfer can move at least one item: output
// has no connections, any connection overflows or every connection has
// free space.
func (p *OutputPort[T]) Writable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, in := range p.connections {
		b, _ := in.target()
		if b == nil {
			continue
		}
		if b.Overflow() {
			return true
		}
		if b.Free() == 0 {
			return false
		}
	}
	return true
}

// Transfer moves staged items into every connected input and returns
// the number of moved items. It moves as many items as the input with
// the least free space accepts, inputs with overflow don't limit the
// transfer. Output without connections discards staged items.
func (p *OutputPort[T]) Transfer() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.staging.Available()
	for _, in := range p.connections {
		if b, _ := in.target(); b != nil && !b.Overflow() {
			n = min(n, b.Free())
		}
	}
	if n == 0 {
		return 0
	}
	if cap(p.scratch) < n {
		p.scratch = make([]T, n)
	}
	items := p.scratch[:n]
	p.staging.Peek(items)
	for _, in := range p.connections {
		b, meter := in.target()
		if b == nil {
			continue
		}
		b.Write(detach(items))
		meter.Transferred(n, b.Rate())
	}
	p.staging.Discard(n)
	clear(items)
	return n
}

func (p *OutputPort[T]) connect(in InPort, meter *metric.Connection, minimum int) error {
	ip, ok := in.(*InputPort[T])
	if !ok {
		return fmt.Errorf("%w: %v output %s to %v input %s", ErrKindMismatch, p.Kind(), p.name, in.Kind(), in.Name())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ip.attach(p, meter, minimum)
	p.connections = append(p.connections, ip)
	return nil
}

func (p *OutputPort[T]) disconnect(in InPort) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.connections {
		if InPort(c) == in {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			c.disconnectSource()
			return true
		}
	}
	return false
}

func (p *OutputPort[T]) snapshot() portSnapshot {
	return portSnapshot{
		data:  detach(p.staging.Snapshot()),
		stamp: p.staging.Stamp(),
		rate:  p.staging.Rate(),
	}
}

func (p *OutputPort[T]) restore(s portSnapshot) error {
	if s.data == nil {
		p.staging.Reset()
		return nil
	}
	data, ok := s.data.([]T)
	if !ok {
		return fmt.Errorf("%w: restore %s into %v port %s", ErrKindMismatch, kindOfData(s.data), p.Kind(), p.name)
	}
	p.staging.Restore(detach(data))
	p.staging.SetStamp(s.stamp)
	return nil
}

func kindOfData(data any) string {
	switch data.(type) {
	case []Sample:
		return Signal.String()
	case []TimeValue:
		return Value.String()
	case []Frame:
		return Spectral.String()
	case []Occurrence:
		return Event.String()
	default:
		return fmt.Sprintf("%T", data)
	}
}
