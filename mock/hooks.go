package mock

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Lifecycle operations recorded by hooks.
const (
	OpPrepare = "prepare"
	OpStart   = "start"
	OpSuspend = "suspend"
	OpStop    = "stop"
)

// Journal records lifecycle calls of multiple nodes in order.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Record appends entry to the journal.
func (j *Journal) Record(node, op string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf("%s:%s", node, op))
}

// Entries returns recorded entries.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// Hooks allows to mock lifecycle hooks of nodes.
type Hooks struct {
	Journal *Journal

	ErrorOnPrepare error
	ErrorOnStart   error
	ErrorOnSuspend error
	ErrorOnStop    error

	prepared  atomic.Int32
	started   atomic.Int32
	suspended atomic.Int32
	stopped   atomic.Int32
}

// Calls returns number of calls of the hook.
func (h *Hooks) Calls(op string) int {
	switch op {
	case OpPrepare:
		return int(h.prepared.Load())
	case OpStart:
		return int(h.started.Load())
	case OpSuspend:
		return int(h.suspended.Load())
	case OpStop:
		return int(h.stopped.Load())
	}
	return 0
}

// Suspended reports whether node is suspended and not stopped yet.
func (h *Hooks) Suspended() bool {
	return h.suspended.Load() > h.stopped.Load()
}

func (h *Hooks) prepare(node string) error {
	h.prepared.Add(1)
	h.Journal.Record(node, OpPrepare)
	return h.ErrorOnPrepare
}

func (h *Hooks) start(node string) error {
	h.started.Add(1)
	h.Journal.Record(node, OpStart)
	return h.ErrorOnStart
}

func (h *Hooks) suspend(node string) error {
	h.suspended.Add(1)
	h.Journal.Record(node, OpSuspend)
	return h.ErrorOnSuspend
}

func (h *Hooks) stop(node string) error {
	h.stopped.Add(1)
	h.Journal.Record(node, OpStop)
	return h.ErrorOnStop
}

type counter struct {
	messages  atomic.Int64
	samples   atomic.Int64
	transfers atomic.Int64
}

// Transfers returns the number of transfer calls.
func (c *counter) Transfers() int64 {
	return c.transfers.Load()
}

// Count returns the number of processed messages and samples.
func (c *counter) Count() (int64, int64) {
	return c.messages.Load(), c.samples.Load()
}

func (c *counter) advance(samples int) {
	c.messages.Add(1)
	c.samples.Add(int64(samples))
}

// failure makes Process fail after configured number of calls.
type failure struct {
	// ErrorOnCall is returned from Process once FailAfter calls
	// succeeded.
	ErrorOnCall error
	// PanicOnCall makes Process panic instead of returning error.
	PanicOnCall bool
	// FailAfter is the number of calls that succeed.
	FailAfter int64

	calls atomic.Int64
}

func (f *failure) call() error {
	n := f.calls.Add(1)
	if n <= f.FailAfter {
		return nil
	}
	if f.PanicOnCall {
		panic("mock panic")
	}
	return f.ErrorOnCall
}
