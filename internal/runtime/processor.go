// Package runtime schedules graph nodes over a pool of workers.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/dataflow/log"
	"pipelined.dev/dataflow/metric"
)

// ErrInvalidStatus is returned when processor operation is not allowed
// in the current status.
var ErrInvalidStatus = errors.New("invalid processor status")

// DefaultBackoff is the default idle sleep duration.
const DefaultBackoff = time.Millisecond

type (
	// Task is a unit of work scheduled by processor. Processor guarantees
	// that a task is held by at most one worker at any moment.
	Task interface {
		Name() string
		CanProcess() bool
		CanTransfer() bool
		Process() error
		Transfer() error
	}

	// TaskError is returned when task fails with error or panic.
	TaskError struct {
		Task Task
		Err  error
	}

	// Status of the processor.
	Status int

	// Option configures the processor.
	Option func(*Processor)

	// FailureHandler is called once when any task fails. It's called
	// after all workers exited.
	FailureHandler func(error)
)

// Processor statuses.
const (
	Stopped Status = iota
	Running
	Paused
)

// Processor runs tasks on a pool of workers. Tasks are kept in a buffered
// channel, every task exactly once. A worker takes a task from the
// channel, executes it and puts it back.
type Processor struct {
	tasks     []Task
	workers   int
	backoff   time.Duration
	onFailure FailureHandler
	meter     *metric.Scheduler
	logger    logrus.FieldLogger

	mu     sync.Mutex
	status Status
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	paused *atomic.Bool
	settle *Barrier
	depart *Barrier
	err    error
}

// WithWorkers sets the number of workers. Non-positive value means the
// number of CPUs available to the process.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		p.workers = n
	}
}

// WithBackoff sets how long a worker sleeps after a sweep without work.
func WithBackoff(d time.Duration) Option {
	return func(p *Processor) {
		p.backoff = d
	}
}

// WithFailureHandler sets the failure handler.
func WithFailureHandler(fn FailureHandler) Option {
	return func(p *Processor) {
		p.onFailure = fn
	}
}

// WithMetrics sets scheduler meter.
func WithMetrics(m *metric.Scheduler) Option {
	return func(p *Processor) {
		p.meter = m
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

// New returns stopped processor for provided tasks.
func New(tasks []Task, options ...Option) *Processor {
	p := Processor{
		tasks:   tasks,
		backoff: DefaultBackoff,
	}
	for _, option := range options {
		option(&p)
	}
	if p.workers <= 0 {
		p.workers = availableCPUs()
	}
	if p.logger == nil {
		p.logger = log.GetLogger()
	}
	return &p
}

// Workers returns the number of workers.
func (p *Processor) Workers() int {
	return p.workers
}

// Status returns current status.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Start launches workers.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != Stopped {
		return fmt.Errorf("%w: start in %v", ErrInvalidStatus, p.status)
	}

	work := make(chan Task, len(p.tasks))
	for _, t := range p.tasks {
		work <- t
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	p.ctx, p.cancel = gctx, cancel
	p.done = make(chan struct{})
	p.paused = &atomic.Bool{}
	p.settle = NewBarrier(p.workers + 1)
	p.depart = NewBarrier(p.workers + 1)
	p.err = nil

	sweep := max(1, len(p.tasks))
	for i := 0; i < p.workers; i++ {
		w := worker{
			id:      i,
			work:    work,
			sweep:   sweep,
			backoff: p.backoff,
			paused:  p.paused,
			settle:  p.settle,
			depart:  p.depart,
			meter:   p.meter,
			logger:  p.logger.WithField("worker", i),
		}
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	p.status = Running
	p.meter.Workers(p.workers)
	go p.wait(g, cancel, p.done)
	return nil
}

func (p *Processor) wait(g *errgroup.Group, cancel context.CancelFunc, done chan struct{}) {
	err := g.Wait()
	cancel()
	p.mu.Lock()
	p.status = Stopped
	p.err = err
	p.mu.Unlock()
	p.meter.Workers(0)
	close(done)
	if err != nil {
		p.logger.WithError(err).Debug("processor failed")
		if p.onFailure != nil {
			p.onFailure(err)
		}
	}
}

// Stop cancels workers and waits until they exit. Workers are cancelled
// between task invocations. Stop of stopped processor is no-op.
func (p *Processor) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Pause blocks until every worker parks at the barrier, so no task is
// held by any worker when it returns.
func (p *Processor) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != Running {
		return fmt.Errorf("%w: pause in %v", ErrInvalidStatus, p.status)
	}
	p.paused.Store(true)
	if err := p.settle.Await(p.ctx); err != nil {
		return fmt.Errorf("pause interrupted: %w", err)
	}
	p.status = Paused
	p.meter.Paused()
	return nil
}

// Resume releases parked workers. All workers depart together.
func (p *Processor) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != Paused {
		return fmt.Errorf("%w: resume in %v", ErrInvalidStatus, p.status)
	}
	p.paused.Store(false)
	if err := p.depart.Await(p.ctx); err != nil {
		return fmt.Errorf("resume interrupted: %w", err)
	}
	p.status = Running
	return nil
}

// Err returns the failure of the last run.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task.Name(), e.Err)
}

// Unwrap returns the cause of failure.
func (e *TaskError) Unwrap() error {
	return e.Err
}

type worker struct {
	id      int
	work    chan Task
	sweep   int
	backoff time.Duration
	paused  *atomic.Bool
	settle  *Barrier
	depart  *Barrier
	meter   *metric.Scheduler
	logger  logrus.FieldLogger
}

func (w *worker) run(ctx context.Context) error {
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker done")
	idle := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.paused.Load() {
			if w.settle.Await(ctx) != nil || w.depart.Await(ctx) != nil {
				return nil
			}
			idle = 0
			continue
		}

		var worked bool
		select {
		case t := <-w.work:
			if w.paused.Load() {
				w.work <- t
				continue
			}
			var err error
			if worked, err = execute(t); err != nil {
				return err
			}
			w.work <- t
		default:
		}

		if worked {
			idle = 0
			continue
		}
		if idle++; idle >= w.sweep {
			idle = 0
			w.meter.Idle()
			if !sleep(ctx, w.backoff) {
				return nil
			}
		}
	}
}

// execute runs a single cycle of the task. Panics are converted to
// errors.
func execute(t Task) (worked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskError{Task: t, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if t.CanTransfer() {
		worked = true
		if err := t.Transfer(); err != nil {
			return worked, &TaskError{Task: t, Err: err}
		}
	}
	if t.CanProcess() {
		worked = true
		if err := t.Process(); err != nil {
			return worked, &TaskError{Task: t, Err: err}
		}
	}
	return worked, nil
}

// sleep returns false if context is done before duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
