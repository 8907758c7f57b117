package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/log"
	"github.com/vnykmshr/lbucket/pkg/common/validation"
	"github.com/vnykmshr/lbucket/pkg/metrics"
)

// Task represents a unit of work run by the dispatcher.
type Task interface {
	// Execute runs the task. ctx carries the submitter's values and marks
	// the dispatcher loop, so nested Do calls run inline.
	Execute(ctx context.Context) error
}

// TaskFunc is a function type that implements the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute implements the Task interface for TaskFunc.
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Config holds configuration options for a Dispatcher.
type Config struct {
	// QueueSize is the capacity of the task queue. Submit blocks while the
	// queue is full. Defaults to 1024.
	QueueSize int

	// PanicHandler is called when a task panics.
	PanicHandler func(task Task, recovered interface{})

	// ErrorHandler receives errors returned by tasks queued with Submit.
	// If nil they are logged.
	ErrorHandler func(task Task, err error)

	Metrics *metrics.Registry
	Logger  log.Logger
}

type job struct {
	task Task
	ctx  context.Context
	done chan error
}

// Dispatcher executes tasks serially on one goroutine.
type Dispatcher struct {
	config  Config
	metrics *metrics.Registry
	logger  log.Logger

	queue        chan job
	shutdownCh   chan struct{}
	stopped      chan struct{}
	shutdownOnce sync.Once

	mu         sync.RWMutex
	isShutdown bool

	// deferred holds jobs submitted from inside the loop. Only the loop
	// goroutine touches it.
	deferred []job

	totalSubmitted int64
	totalCompleted int64
}

type loopKey struct{}

// New creates a dispatcher with the given queue size and starts its loop.
func New(queueSize int) *Dispatcher {
	d, err := NewWithConfig(Config{QueueSize: queueSize})
	if err != nil {
		panic(err)
	}
	return d
}

// NewWithConfig creates a dispatcher from config and starts its loop.
func NewWithConfig(config Config) (*Dispatcher, error) {
	if config.QueueSize == 0 {
		config.QueueSize = 1024
	}
	if err := validation.ValidatePositive("dispatch", "queue_size", int64(config.QueueSize)); err != nil {
		return nil, err
	}
	if config.Metrics == nil {
		config.Metrics = metrics.DefaultRegistry
	}

	d := &Dispatcher{
		config:     config,
		metrics:    config.Metrics,
		logger:     log.OrNop(config.Logger).With("component", "dispatch"),
		queue:      make(chan job, config.QueueSize),
		shutdownCh: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// InLoop reports whether ctx belongs to a task running on d.
func (d *Dispatcher) InLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Dispatcher)
	return owner == d
}

// Submit queues a task with context.Background().
func (d *Dispatcher) Submit(task Task) error {
	return d.SubmitWithContext(context.Background(), task)
}

// SubmitWithContext queues a task. The context is handed to the task and
// bounds the wait for queue space. From inside the loop the task is
// deferred until the running task returns.
func (d *Dispatcher) SubmitWithContext(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return d.enqueue(ctx, job{task: task, ctx: ctx})
}

// Do runs task on the dispatcher and returns its error. Called from inside
// the loop it runs the task inline. If ctx ends first, Do returns ctx.Err()
// and the task may still run later.
func (d *Dispatcher) Do(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if d.InLoop(ctx) {
		return d.execute(job{task: task, ctx: ctx})
	}

	done := make(chan error, 1)
	if err := d.enqueue(ctx, job{task: task, ctx: ctx, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		// the loop may have finished the job just before exiting
		select {
		case err := <-done:
			return err
		default:
			return fmt.Errorf("dispatcher stopped before running task: %w", lberrors.ErrClosed)
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, j job) error {
	d.mu.RLock()
	isShutdown := d.isShutdown
	d.mu.RUnlock()
	if isShutdown {
		return fmt.Errorf("cannot submit task: %w", lberrors.ErrClosed)
	}

	if d.InLoop(ctx) {
		d.deferred = append(d.deferred, j)
		atomic.AddInt64(&d.totalSubmitted, 1)
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: context canceled: %w", ctx.Err())
	default:
	}

	select {
	case d.queue <- j:
		atomic.AddInt64(&d.totalSubmitted, 1)
		d.metrics.DispatchQueued.Set(float64(len(d.queue)))
		return nil
	case <-d.shutdownCh:
		return fmt.Errorf("cannot submit task: %w", lberrors.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: context canceled: %w", ctx.Err())
	}
}

// Shutdown stops accepting tasks, runs what is already queued and stops
// the loop. The returned channel closes when the loop has exited.
func (d *Dispatcher) Shutdown() <-chan struct{} {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.isShutdown = true
		d.mu.Unlock()
		close(d.shutdownCh)
	})
	return d.stopped
}

// QueueSize returns the number of queued tasks.
func (d *Dispatcher) QueueSize() int {
	return len(d.queue)
}

// TotalSubmitted returns the number of accepted tasks.
func (d *Dispatcher) TotalSubmitted() int64 {
	return atomic.LoadInt64(&d.totalSubmitted)
}

// TotalCompleted returns the number of tasks that finished, including
// failed and panicked ones.
func (d *Dispatcher) TotalCompleted() int64 {
	return atomic.LoadInt64(&d.totalCompleted)
}

func (d *Dispatcher) run() {
	defer close(d.stopped)

	for {
		select {
		case j := <-d.queue:
			d.handle(j)
		case <-d.shutdownCh:
			for {
				select {
				case j := <-d.queue:
					d.handle(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(j job) {
	d.metrics.DispatchQueued.Set(float64(len(d.queue)))
	d.finish(j, d.execute(j))

	for len(d.deferred) > 0 {
		next := d.deferred[0]
		d.deferred = d.deferred[1:]
		d.finish(next, d.execute(next))
	}
	d.deferred = nil
}

func (d *Dispatcher) finish(j job, err error) {
	atomic.AddInt64(&d.totalCompleted, 1)
	if j.done != nil {
		j.done <- err
		return
	}
	if err == nil {
		return
	}
	if d.config.ErrorHandler != nil {
		d.config.ErrorHandler(j.task, err)
		return
	}
	d.logger.Error(j.ctx, err, "task failed")
}

// execute runs one task with panic recovery.
func (d *Dispatcher) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.DispatchPanics.Inc()
			err = fmt.Errorf("task panicked: %v\nStack trace:\n%s", r, debug.Stack())
			if d.config.PanicHandler != nil {
				d.config.PanicHandler(j.task, r)
			}
		}
	}()

	ctx := j.ctx
	if !d.InLoop(ctx) {
		ctx = context.WithValue(ctx, loopKey{}, d)
	}
	return j.task.Execute(ctx)
}
