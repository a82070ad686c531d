package dataflow_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/dataflow"
	"pipelined.dev/dataflow/config"
	"pipelined.dev/dataflow/log"
	"pipelined.dev/dataflow/metric"
	"pipelined.dev/dataflow/mock"
	"pipelined.dev/dataflow/stamp"
)

var errMock = errors.New("mock error")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// host records notifications.
type host struct {
	mu       sync.Mutex
	messages []dataflow.Message
	begun    int
	ended    int
}

func (h *host) Notify(m dataflow.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

func (h *host) WorkingDirectory() string { return "." }
func (h *host) FileMask() string         { return config.DefaultFileMask }

func (h *host) BeginSession() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begun++
}

func (h *host) EndSession() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended++
}

func (h *host) errors() []dataflow.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []dataflow.Message
	for _, m := range h.messages {
		if m.Severity == dataflow.Error {
			result = append(result, m)
		}
	}
	return result
}

func newGraph(t *testing.T, h dataflow.Context, settings ...func(*config.Settings)) *dataflow.Graph {
	t.Helper()
	s := config.Default()
	s.Workers = 4
	for _, fn := range settings {
		fn(&s)
	}
	return dataflow.New(h, dataflow.WithSettings(s), dataflow.WithLogger(log.Silent()), dataflow.WithName(t.Name()))
}

// chain adds nodes to the graph and links them one after another.
func chain(t *testing.T, g *dataflow.Graph, source *mock.Source, sink *mock.Sink, processors ...*mock.Processor) {
	t.Helper()
	require.NoError(t, g.Add(source))
	out := source.Out
	for _, p := range processors {
		require.NoError(t, g.Add(p))
		require.NoError(t, dataflow.Link(g, out, p.In))
		out = p.Out
	}
	if sink != nil {
		require.NoError(t, g.Add(sink))
		require.NoError(t, dataflow.Link(g, out, sink.In))
	}
}

func TestLifecycle(t *testing.T) {
	h := &host{}
	g := newGraph(t, h)
	source := mock.NewSource("source", 10000)
	processor := mock.NewProcessor("processor")
	sink := mock.NewSink("sink")
	chain(t, g, source, sink, processor)
	require.NoError(t, g.Push(processor.Gain.Set(0.5)))

	require.NoError(t, g.Start())
	assert.Equal(t, dataflow.Running, g.State())
	assert.Equal(t, dataflow.Running, sink.ProcessingState())
	assert.Eventually(t, func() bool {
		_, samples := sink.Count()
		return samples == 10000
	}, time.Second, time.Millisecond)
	require.NoError(t, g.Stop())
	assert.Equal(t, dataflow.Stopped, g.State())
	assert.Equal(t, dataflow.Stopped, sink.ProcessingState())
	assert.NoError(t, g.Err())

	values := sink.Values()
	require.Len(t, values, 10000)
	for _, v := range values {
		assert.Equal(t, dataflow.Sample(0.5), v)
	}
	for _, hooks := range []*mock.Hooks{&source.Hooks, &processor.Hooks, &sink.Hooks} {
		for _, op := range []string{mock.OpPrepare, mock.OpStart, mock.OpSuspend, mock.OpStop} {
			assert.Equal(t, 1, hooks.Calls(op), op)
		}
	}
	assert.Equal(t, 1, h.begun)
	assert.Equal(t, 1, h.ended)
	assert.Empty(t, h.errors())
	select {
	case <-g.Done():
	default:
		t.Fatal("done is not closed")
	}
}

func TestInvalidState(t *testing.T) {
	g := newGraph(t, nil)
	source := mock.NewSource("source", 0)
	sink := mock.NewSink("sink")
	chain(t, g, source, sink)

	assert.ErrorIs(t, g.Stop(), dataflow.ErrInvalidState)
	assert.ErrorIs(t, g.Pause(), dataflow.ErrInvalidState)
	assert.ErrorIs(t, g.Resume(), dataflow.ErrInvalidState)

	require.NoError(t, g.Start())
	assert.ErrorIs(t, g.Start(), dataflow.ErrInvalidState)
	assert.ErrorIs(t, g.Resume(), dataflow.ErrInvalidState)
	assert.ErrorIs(t, g.Add(mock.NewSink("other")), dataflow.ErrInvalidState)
	assert.ErrorIs(t, g.Remove(sink), dataflow.ErrInvalidState)
	assert.ErrorIs(t, g.Disconnect(source.Out, sink.In), dataflow.ErrInvalidState)
	_, err := g.SaveState(sink)
	assert.ErrorIs(t, err, dataflow.ErrInvalidState)

	require.NoError(t, g.Pause())
	assert.ErrorIs(t, g.Pause(), dataflow.ErrInvalidState)
	assert.ErrorIs(t, g.Connect(source.Out, sink.In), dataflow.ErrInvalidState)
	require.NoError(t, g.Resume())
	require.NoError(t, g.Stop())

	// restart
	require.NoError(t, g.Start())
	require.NoError(t, g.Stop())
}

func TestStartupAtomicity(t *testing.T) {
	testFailure := func(failing int, configure func(*mock.Hooks)) func(*testing.T) {
		return func(t *testing.T) {
			h := &host{}
			g := newGraph(t, h)
			journal := &mock.Journal{}
			source := mock.NewSource("n1", 0)
			processors := []*mock.Processor{
				mock.NewProcessor("n2"),
				mock.NewProcessor("n3"),
				mock.NewProcessor("n4"),
				mock.NewProcessor("n5"),
			}
			hooks := []*mock.Hooks{&source.Hooks}
			for _, p := range processors {
				hooks = append(hooks, &p.Hooks)
			}
			for _, hk := range hooks {
				hk.Journal = journal
			}
			configure(hooks[failing])
			chain(t, g, source, nil, processors...)

			err := g.Start()
			require.ErrorIs(t, err, errMock)
			var nodeErr *dataflow.NodeError
			require.ErrorAs(t, err, &nodeErr)
			assert.Equal(t, "n3", nodeErr.Node)
			assert.Equal(t, dataflow.Stopped, g.State())
			assert.Len(t, h.errors(), 1)
			assert.Equal(t, 0, h.begun)

			// prepared nodes are stopped exactly once in reverse order
			for i := 0; i < failing; i++ {
				assert.Equal(t, 1, hooks[i].Calls(mock.OpStop))
			}
			for _, hook := range hooks[failing+1:] {
				assert.Equal(t, 0, hook.Calls(mock.OpStop))
			}
			entries := journal.Entries()
			assert.Equal(t, []string{"n2:stop", "n1:stop"}, stops(entries)[:2])
		}
	}
	t.Run("prepare", testFailure(2, func(h *mock.Hooks) {
		h.ErrorOnPrepare = errMock
	}))

	t.Run("start", func(t *testing.T) {
		g := newGraph(t, nil)
		source := mock.NewSource("source", 0)
		sink := mock.NewSink("sink")
		sink.ErrorOnStart = errMock
		chain(t, g, source, sink)

		err := g.Start()
		require.ErrorIs(t, err, errMock)
		assert.Equal(t, dataflow.Stopped, g.State())
		assert.Equal(t, 1, source.Calls(mock.OpStop))
		assert.Equal(t, 1, sink.Calls(mock.OpStop))

		sink.ErrorOnStart = nil
		require.NoError(t, g.Start())
		require.NoError(t, g.Stop())
	})
}

func stops(entries []string) []string {
	var result []string
	for _, e := range entries {
		if len(e) > 5 && e[len(e)-5:] == ":stop" {
			result = append(result, e)
		}
	}
	return result
}

func TestFlush(t *testing.T) {
	g := newGraph(t, nil)
	source := mock.NewSource("source", 0)
	processor := mock.NewProcessor("processor")
	sink := mock.NewSink("sink")
	chain(t, g, source, sink, processor)
	require.NoError(t, g.Push(processor.Gain.Set(2)))

	require.NoError(t, g.Start())
	require.NoError(t, g.Pause())
	// no worker holds nodes, buffered data must be delivered by flush
	buffered := []dataflow.Sample{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 10, processor.In.Connection().Write(buffered))
	staged := []dataflow.Sample{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	assert.Equal(t, 10, source.Out.Write(staged))
	require.NoError(t, g.Stop())

	assert.Equal(t, []dataflow.Sample{
		2, 4, 6, 8, 10, 12, 14, 16, 18, 20,
		22, 24, 26, 28, 30, 32, 34, 36, 38, 40,
	}, sink.Values())
	assert.Equal(t, 0, source.Out.Pending())
	assert.Equal(t, 0, processor.In.Available())
	assert.Equal(t, 0, processor.Out.Pending())
}

// restless always reports flushed data.
type restless struct {
	dataflow.BaseNode
}

func (n *restless) FlushData() (dataflow.Flush, error) {
	return dataflow.Some, nil
}

func TestFlushDiverged(t *testing.T) {
	g := newGraph(t, nil, func(s *config.Settings) {
		s.MaxFlushPasses = 5
	})
	require.NoError(t, g.Add(&restless{BaseNode: dataflow.NewBaseNode("restless")}))
	require.NoError(t, g.Start())
	assert.ErrorIs(t, g.Stop(), dataflow.ErrFlushDiverged)
	assert.Equal(t, dataflow.Stopped, g.State())
}

func TestEmergencyStop(t *testing.T) {
	testFailure := func(configure func(*mock.Processor), check func(*testing.T, error)) func(*testing.T) {
		return func(t *testing.T) {
			h := &host{}
			g := newGraph(t, h)
			source := mock.NewSource("source", 1<<30)
			processor := mock.NewProcessor("processor")
			sink := mock.NewSink("sink")
			sink.Discard = true
			configure(processor)
			chain(t, g, source, sink, processor)

			require.NoError(t, g.Start())
			select {
			case <-g.Done():
			case <-time.After(time.Second):
				t.Fatal("graph didn't stop")
			}
			err := g.Err()
			require.Error(t, err)
			var nodeErr *dataflow.NodeError
			require.ErrorAs(t, err, &nodeErr)
			assert.Equal(t, "processor", nodeErr.Node)
			check(t, err)

			assert.Equal(t, dataflow.Stopped, g.State())
			for _, hooks := range []*mock.Hooks{&source.Hooks, &processor.Hooks, &sink.Hooks} {
				assert.Equal(t, 1, hooks.Calls(mock.OpStop))
				// failed graph is not suspended and flushed
				assert.Equal(t, 0, hooks.Calls(mock.OpSuspend))
			}
			errs := h.errors()
			require.Len(t, errs, 1)
			assert.Equal(t, err, errs[0].Err)
			assert.Equal(t, 1, h.ended)
			assert.ErrorIs(t, g.Stop(), dataflow.ErrInvalidState)

			// failed graph can be started again
			processor.ErrorOnCall = nil
			processor.PanicOnCall = false
			require.NoError(t, g.Start())
			require.NoError(t, g.Stop())
		}
	}
	t.Run("error", testFailure(func(p *mock.Processor) {
		p.ErrorOnCall = errMock
		p.FailAfter = 2
	}, func(t *testing.T, err error) {
		assert.ErrorIs(t, err, errMock)
	}))
	t.Run("panic", testFailure(func(p *mock.Processor) {
		p.PanicOnCall = true
	}, func(t *testing.T, err error) {
		assert.Contains(t, err.Error(), "mock panic")
	}))
}

func TestSingleOwner(t *testing.T) {
	g := newGraph(t, nil, func(s *config.Settings) {
		s.Workers = 8
	})
	nodes := make([]*mock.Guarded, 4)
	for i := range nodes {
		nodes[i] = mock.NewGuarded("guarded", 100*time.Microsecond)
		require.NoError(t, g.Add(nodes[i]))
	}
	require.NoError(t, g.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, g.Stop())
	for _, n := range nodes {
		assert.Equal(t, 1, n.MaxConcurrency())
		messages, _ := n.Count()
		assert.Greater(t, messages, int64(0))
		assert.Greater(t, n.Transfers(), int64(0))
	}
}

func TestPauseResume(t *testing.T) {
	g := newGraph(t, nil)
	source := mock.NewSource("source", 1<<30)
	sink := mock.NewSink("sink")
	sink.Discard = true
	chain(t, g, source, sink)

	require.NoError(t, g.Start())
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Pause())
		assert.Equal(t, dataflow.Paused, g.State())
		assert.Equal(t, dataflow.Paused, source.ProcessingState())
		assert.False(t, g.Clock().Running())
		_, before := sink.Count()
		time.Sleep(5 * time.Millisecond)
		_, after := sink.Count()
		assert.Equal(t, before, after)

		require.NoError(t, g.Resume())
		assert.Equal(t, dataflow.Running, g.State())
		assert.Eventually(t, func() bool {
			_, samples := sink.Count()
			return samples > after
		}, time.Second, time.Millisecond)
	}
	require.NoError(t, g.Stop())
	assert.Equal(t, 1, source.Calls(mock.OpStop))
}

func TestAttributes(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		g := newGraph(t, nil)
		source := mock.NewSource("source", 1<<30)
		processor := mock.NewProcessor("processor")
		sink := mock.NewSink("sink")
		sink.Discard = true
		chain(t, g, source, sink, processor)

		changes := make(chan float64, 1)
		processor.Gain.OnChange(func(v float64) {
			changes <- v
		})
		require.NoError(t, g.Start())
		require.NoError(t, g.Push(processor.Gain.Set(0.25)))
		select {
		case v := <-changes:
			assert.Equal(t, 0.25, v)
		case <-time.After(time.Second):
			t.Fatal("mutation not applied")
		}
		require.NoError(t, g.Stop())
	})
	t.Run("stopped", func(t *testing.T) {
		g := newGraph(t, nil)
		processor := mock.NewProcessor("processor")
		require.NoError(t, g.Add(processor))
		require.NoError(t, g.SetAttribute(processor, "gain", 2))
		assert.Equal(t, 2.0, processor.Gain.Get())
		assert.Equal(t, 2.0, processor.Attribute("gain").Value())
		assert.ErrorIs(t, g.SetAttribute(processor, "level", 1), dataflow.ErrUnknownAttribute)
		assert.Error(t, g.SetAttribute(processor, "gain", "loud"))
	})
	t.Run("settings", func(t *testing.T) {
		g := newGraph(t, nil, func(s *config.Settings) {
			s.Attributes = map[string]map[string]interface{}{
				"processor": {"gain": 0.75},
				"unknown":   {"level": 1},
			}
		})
		processor := mock.NewProcessor("processor")
		require.NoError(t, g.Add(processor))
		assert.Equal(t, 0.75, processor.Gain.Get())

		unknown := mock.NewProcessor("unknown")
		assert.ErrorIs(t, g.Add(unknown), dataflow.ErrUnknownAttribute)
	})
	t.Run("duplicate", func(t *testing.T) {
		processor := mock.NewProcessor("processor")
		_, err := dataflow.NewAttribute(&processor.BaseNode, "gain", 0.5)
		assert.ErrorIs(t, err, dataflow.ErrDuplicateAttribute)
		assert.Len(t, processor.Attributes(), 1)
	})
	t.Run("unknown node", func(t *testing.T) {
		g := newGraph(t, nil)
		processor := mock.NewProcessor("processor")
		assert.Error(t, g.Push(processor.Gain.Set(1)))
	})
}

func TestMembership(t *testing.T) {
	g1, g2 := newGraph(t, nil), newGraph(t, nil)
	source := mock.NewSource("source", 0)
	sink := mock.NewSink("sink")
	require.NoError(t, g1.Add(source, sink))
	require.NoError(t, dataflow.Link(g1, source.Out, sink.In))
	assert.ErrorIs(t, g2.Add(sink), dataflow.ErrNodeAttached)
	assert.ErrorIs(t, g1.Add(sink), dataflow.ErrNodeAttached)
	assert.ErrorIs(t, g1.Add(&restless{}), dataflow.ErrUninitialized)

	require.NoError(t, g1.Remove(sink))
	assert.False(t, sink.In.Connected())
	assert.Empty(t, g1.Connections())
	assert.Len(t, g1.Nodes(), 1)
	assert.ErrorIs(t, g1.Remove(sink), dataflow.ErrUnknownNode)
	require.NoError(t, g2.Add(sink))
	assert.ErrorIs(t, dataflow.Link(g2, source.Out, sink.In), dataflow.ErrUnknownNode)
}

// merge derives its output rate from the first input.
type merge struct {
	dataflow.BaseNode
	A, B *dataflow.InputPort[dataflow.Sample]
	Out  *dataflow.OutputPort[dataflow.Sample]

	prepared float64
}

func newMerge(t *testing.T, name string) *merge {
	t.Helper()
	m := merge{
		BaseNode: dataflow.NewBaseNode(name),
		A:        dataflow.NewInput[dataflow.Sample]("a"),
		B:        dataflow.NewInput[dataflow.Sample]("b"),
		Out:      dataflow.NewOutput[dataflow.Sample]("out"),
	}
	require.NoError(t, m.AddInput(m.A, m.B))
	require.NoError(t, m.AddOutput(m.Out))
	return &m
}

func (m *merge) PrepareProcessing() error {
	m.prepared = m.A.SampleRate()
	m.Out.SetSampleRate(m.prepared)
	return m.BaseNode.PrepareProcessing()
}

func TestDependencyOrder(t *testing.T) {
	g := newGraph(t, nil)
	s1, s2 := mock.NewSource("s1", 0), mock.NewSource("s2", 0)
	p1, p2 := mock.NewProcessor("p1"), mock.NewProcessor("p2")
	m := newMerge(t, "merge")
	sink := mock.NewSink("sink")
	journal := &mock.Journal{}
	for _, h := range []*mock.Hooks{&s1.Hooks, &s2.Hooks, &p1.Hooks, &p2.Hooks, &sink.Hooks} {
		h.Journal = journal
	}
	// a has longer path from sources than b
	require.NoError(t, g.Add(s1, s2, p1, p2, m, sink))
	require.NoError(t, dataflow.Link(g, s1.Out, p1.In))
	require.NoError(t, dataflow.Link(g, p1.Out, p2.In))
	require.NoError(t, dataflow.Link(g, p2.Out, m.A))
	require.NoError(t, dataflow.Link(g, s2.Out, m.B))
	require.NoError(t, dataflow.Link(g, m.Out, sink.In))

	require.NoError(t, g.Start())
	require.NoError(t, g.Stop())

	assert.Equal(t, s1.SampleRate, m.prepared)
	assert.Equal(t, s1.SampleRate, sink.In.SampleRate())
	assert.Equal(t, m.B.Connection().Capacity(), m.A.Connection().Capacity())
	assert.Greater(t, m.A.Connection().Capacity(), g.Settings().MinBufferSize)

	prepares := make([]string, 0)
	suspends := make([]string, 0)
	for _, e := range journal.Entries() {
		switch {
		case e[len(e)-len(mock.OpPrepare):] == mock.OpPrepare:
			prepares = append(prepares, e)
		case e[len(e)-len(mock.OpSuspend):] == mock.OpSuspend:
			suspends = append(suspends, e)
		}
	}
	assert.Equal(t, []string{"s1:prepare", "s2:prepare", "p1:prepare", "p2:prepare", "sink:prepare"}, prepares)
	assert.Equal(t, []string{"s1:suspend", "s2:suspend", "p1:suspend", "p2:suspend", "sink:suspend"}, suspends)
}

// stalled never consumes its input.
type stalled struct {
	dataflow.BaseNode
	In *dataflow.InputPort[dataflow.Sample]
}

func TestBackpressure(t *testing.T) {
	g := newGraph(t, nil, func(s *config.Settings) {
		s.Workers = 1
	})
	source := mock.NewSource("source", 1<<30)
	blocked := &stalled{
		BaseNode: dataflow.NewBaseNode("stalled"),
		In:       dataflow.NewInput[dataflow.Sample]("in", dataflow.WithCapacity(8)),
	}
	require.NoError(t, blocked.AddInput(blocked.In))
	require.NoError(t, g.Add(source, blocked))
	require.NoError(t, dataflow.Link(g, source.Out, blocked.In))

	require.NoError(t, g.Start())
	require.Eventually(t, func() bool {
		return source.Out.Free() == 0
	}, time.Second, time.Millisecond)
	transfers := source.Transfers()
	time.Sleep(50 * time.Millisecond)
	// blocked output is not transferred again
	assert.Equal(t, transfers, source.Transfers())
	assert.Equal(t, 8, blocked.In.Available())
	assert.Greater(t, source.Out.Pending(), 0)
	require.NoError(t, g.Stop())
}

// locator moves graph clock to the signal position.
type locator struct {
	dataflow.BaseNode
	Position *dataflow.Attribute[int64]
}

func newLocator(t *testing.T, rate float64) *locator {
	t.Helper()
	l := locator{BaseNode: dataflow.NewBaseNode("locator")}
	var err error
	l.Position, err = dataflow.NewAttribute(&l.BaseNode, "position", int64(0))
	require.NoError(t, err)
	l.Position.OnChange(func(v int64) {
		l.Synchronize(stamp.FromSamples(v, rate))
	})
	return &l
}

func TestClockSynchronize(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := metric.New(reg)
	require.NoError(t, err)
	s := config.Default()
	g := dataflow.New(nil,
		dataflow.WithSettings(s),
		dataflow.WithLogger(log.Silent()),
		dataflow.WithMetrics(metrics),
		dataflow.WithName("clock"),
	)
	l := newLocator(t, 1000)
	// detached node has no clock
	l.Synchronize(stamp.FromSeconds(10))
	assert.Zero(t, g.Clock().Correction())

	require.NoError(t, g.Add(l))
	require.NoError(t, g.SetAttribute(l, "position", 2000))
	assert.Equal(t, 2*time.Second, g.Clock().Correction())
	assert.InDelta(t, 2.0, g.Clock().Now().Seconds(), stamp.Epsilon)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP dataflow_clock_correction_seconds Drift correction of the graph clock
# TYPE dataflow_clock_correction_seconds gauge
dataflow_clock_correction_seconds{graph="clock"} 2
`), "dataflow_clock_correction_seconds"))

	require.NoError(t, g.Start())
	require.NoError(t, g.Push(l.Position.Set(5000)))
	assert.Eventually(t, func() bool {
		return !g.Clock().Now().Before(stamp.FromSeconds(5))
	}, time.Second, time.Millisecond)

	require.NoError(t, g.Pause())
	paused := g.Clock().Now()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, paused, g.Clock().Now())
	require.NoError(t, g.Resume())
	require.NoError(t, g.Stop())
}
