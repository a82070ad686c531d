// Package metric provides prometheus meters for graphs. All meters are
// safe to use as nil values, in which case they do nothing.
package metric

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "dataflow"

// Operations measured for nodes.
const (
	OpProcess  = "process"
	OpTransfer = "transfer"
	OpFlush    = "flush"
)

type (
	// Metrics holds metric vectors of all graphs in the registry.
	Metrics struct {
		cycles      *prometheus.CounterVec
		failures    *prometheus.CounterVec
		latency     *prometheus.HistogramVec
		transferred *prometheus.CounterVec
		duration    *prometheus.CounterVec
		dropped     *prometheus.CounterVec
		idle        *prometheus.CounterVec
		pauses      *prometheus.CounterVec
		running     *prometheus.GaugeVec
		correction  *prometheus.GaugeVec
	}

	// Node measures node invocations.
	Node struct {
		cycles   *prometheus.CounterVec
		failures prometheus.Counter
		latency  prometheus.Observer
	}

	// Connection measures data flowing through a connection.
	Connection struct {
		transferred prometheus.Counter
		duration    prometheus.Counter
		dropped     prometheus.Counter
	}

	// Scheduler measures processor workers.
	Scheduler struct {
		idle    prometheus.Counter
		pauses  prometheus.Counter
		running prometheus.Gauge
	}

	// Clock measures drift correction of the graph clock.
	Clock struct {
		correction prometheus.Gauge
	}
)

// New creates metric vectors and registers them. Vectors that are
// already registered are reused, so multiple graphs can share a
// registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_cycles_total",
			Help:      "Total node invocations by operation",
		}, []string{"graph", "node", "op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_failures_total",
			Help:      "Total node failures",
		}, []string{"graph", "node"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_process_duration_seconds",
			Help:      "Time spent in node process calls",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"graph", "node"}),
		transferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_samples_total",
			Help:      "Total samples transferred through connection",
		}, []string{"graph", "connection"}),
		duration: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_signal_seconds_total",
			Help:      "Total signal duration transferred through connection",
		}, []string{"graph", "connection"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_dropped_total",
			Help:      "Total samples dropped due to overflow",
		}, []string{"graph", "connection"}),
		idle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_idle_sweeps_total",
			Help:      "Total worker sweeps without work",
		}, []string{"graph"}),
		pauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_pauses_total",
			Help:      "Total settled pauses",
		}, []string{"graph"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_workers",
			Help:      "Number of running workers",
		}, []string{"graph"}),
		correction: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_correction_seconds",
			Help:      "Drift correction of the graph clock",
		}, []string{"graph"}),
	}
	var err error
	m.cycles, err = register(reg, m.cycles, err)
	m.failures, err = register(reg, m.failures, err)
	m.latency, err = register(reg, m.latency, err)
	m.transferred, err = register(reg, m.transferred, err)
	m.duration, err = register(reg, m.duration, err)
	m.dropped, err = register(reg, m.dropped, err)
	m.idle, err = register(reg, m.idle, err)
	m.pauses, err = register(reg, m.pauses, err)
	m.running, err = register(reg, m.running, err)
	m.correction, err = register(reg, m.correction, err)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, err error) (C, error) {
	if rerr := reg.Register(c); rerr != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(rerr, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, err
			}
		}
		return c, multierr.Append(err, rerr)
	}
	return c, err
}

// Node returns meter for the node of the graph.
func (m *Metrics) Node(graph, node string) *Node {
	if m == nil {
		return nil
	}
	return &Node{
		cycles:   m.cycles.MustCurryWith(prometheus.Labels{"graph": graph, "node": node}),
		failures: m.failures.WithLabelValues(graph, node),
		latency:  m.latency.WithLabelValues(graph, node),
	}
}

// Connection returns meter for the connection of the graph.
func (m *Metrics) Connection(graph, connection string) *Connection {
	if m == nil {
		return nil
	}
	return &Connection{
		transferred: m.transferred.WithLabelValues(graph, connection),
		duration:    m.duration.WithLabelValues(graph, connection),
		dropped:     m.dropped.WithLabelValues(graph, connection),
	}
}

// Scheduler returns meter for the processor of the graph.
func (m *Metrics) Scheduler(graph string) *Scheduler {
	if m == nil {
		return nil
	}
	return &Scheduler{
		idle:    m.idle.WithLabelValues(graph),
		pauses:  m.pauses.WithLabelValues(graph),
		running: m.running.WithLabelValues(graph),
	}
}

// Clock returns meter for the clock of the graph.
func (m *Metrics) Clock(graph string) *Clock {
	if m == nil {
		return nil
	}
	return &Clock{
		correction: m.correction.WithLabelValues(graph),
	}
}

// Cycle counts invocation of the operation.
func (n *Node) Cycle(op string) {
	if n == nil {
		return
	}
	n.cycles.WithLabelValues(op).Inc()
}

// Failure counts node failure.
func (n *Node) Failure() {
	if n == nil {
		return
	}
	n.failures.Inc()
}

// Since observes duration of process call started at provided time.
func (n *Node) Since(start time.Time) {
	if n == nil {
		return
	}
	n.latency.Observe(time.Since(start).Seconds())
}

// Transferred counts samples moved through the connection. Signal
// duration is counted only for positive rate.
func (c *Connection) Transferred(samples int, rate float64) {
	if c == nil || samples <= 0 {
		return
	}
	c.transferred.Add(float64(samples))
	if rate > 0 {
		c.duration.Add(float64(samples) / rate)
	}
}

// Dropped counts samples dropped by overflow.
func (c *Connection) Dropped(samples int) {
	if c == nil || samples <= 0 {
		return
	}
	c.dropped.Add(float64(samples))
}

// Idle counts sweep without work.
func (s *Scheduler) Idle() {
	if s == nil {
		return
	}
	s.idle.Inc()
}

// Paused counts settled pause.
func (s *Scheduler) Paused() {
	if s == nil {
		return
	}
	s.pauses.Inc()
}

// Workers sets number of running workers.
func (s *Scheduler) Workers(n int) {
	if s == nil {
		return
	}
	s.running.Set(float64(n))
}

// Corrected sets the current drift correction.
func (c *Clock) Corrected(d time.Duration) {
	if c == nil {
		return
	}
	c.correction.Set(d.Seconds())
}
