package timer

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vnykmshr/lbucket/pkg/common/clock"
	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/log"
	"github.com/vnykmshr/lbucket/pkg/common/validation"
	"github.com/vnykmshr/lbucket/pkg/metrics"
	"github.com/vnykmshr/lbucket/pkg/scheduling/dispatch"
)

// Submitter accepts due tasks. *dispatch.Dispatcher implements it.
type Submitter interface {
	SubmitWithContext(ctx context.Context, task dispatch.Task) error
}

// Config holds timer service configuration.
type Config struct {
	// Submitter receives due tasks. Required.
	Submitter Submitter

	// Clock decides when timers are due. Defaults to the system clock.
	Clock clock.Clock

	// Location is used to evaluate cron expressions. Defaults to time.Local.
	Location *time.Location

	// TickInterval is how often due timers are collected. Defaults to 50ms.
	TickInterval time.Duration

	// MaxPending bounds the number of one-shot timers. Defaults to 1,000,000.
	MaxPending int

	Metrics *metrics.Registry
	Logger  log.Logger
}

// ID identifies a scheduled one-shot timer.
type ID uint64

type oneShot struct {
	id    ID
	runAt time.Time
	task  dispatch.Task
}

type timerHeap []*oneShot

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].id < h[j].id
	}
	return h[i].runAt.Before(h[j].runAt)
}
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*oneShot)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type cronJob struct {
	name     string
	expr     string
	schedule cron.Schedule
	next     time.Time
	task     dispatch.Task
}

// Service runs one-shot timers and cron jobs.
type Service struct {
	submitter    Submitter
	clock        clock.Clock
	location     *time.Location
	tickInterval time.Duration
	maxPending   int
	cronParser   cron.Parser
	metrics      *metrics.Registry
	logger       log.Logger

	mu      sync.Mutex
	timers  timerHeap
	nextID  ID
	jobs    map[string]*cronJob
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// New creates a timer service. Call Start to begin firing timers.
func New(cfg Config) (*Service, error) {
	if cfg.Submitter == nil {
		return nil, lberrors.NewValidationError("timer", "submitter", nil, "cannot be nil").
			WithHint("pass the dispatcher that should run due tasks")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if err := validation.ValidateNonNegativeDuration("timer", "tick_interval", cfg.TickInterval); err != nil {
		return nil, err
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000000
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultRegistry
	}

	return &Service{
		submitter:    cfg.Submitter,
		clock:        clock.OrSystem(cfg.Clock),
		location:     cfg.Location,
		tickInterval: cfg.TickInterval,
		maxPending:   cfg.MaxPending,
		cronParser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		metrics:      cfg.Metrics,
		logger:       log.OrNop(cfg.Logger).With("component", "timer"),
		jobs:         make(map[string]*cronJob),
	}, nil
}

// Schedule runs task once after delay. A non-positive delay makes the task
// due on the next tick.
func (s *Service) Schedule(delay time.Duration, task dispatch.Task) (ID, error) {
	return s.ScheduleAt(s.clock.Now().Add(delay), task)
}

// ScheduleAt runs task once at runAt.
func (s *Service) ScheduleAt(runAt time.Time, task dispatch.Task) (ID, error) {
	if task == nil {
		return 0, fmt.Errorf("task cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.timers) >= s.maxPending {
		return 0, fmt.Errorf("cannot schedule timer: maximum number of pending timers (%d) reached", s.maxPending)
	}
	s.nextID++
	heap.Push(&s.timers, &oneShot{id: s.nextID, runAt: runAt, task: task})
	s.metrics.TimersPending.Set(float64(len(s.timers)))
	return s.nextID, nil
}

// ScheduleCron registers a repeating job under a unique name.
func (s *Service) ScheduleCron(name, expr string, task dispatch.Task) error {
	if err := validation.ValidateNotEmpty("timer", "job_name", name); err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	schedule, err := s.ParseCron(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}
	s.jobs[name] = &cronJob{
		name:     name,
		expr:     expr,
		schedule: schedule,
		next:     schedule.Next(s.clock.Now().In(s.location)),
		task:     task,
	}
	return nil
}

// ParseCron validates a cron expression.
func (s *Service) ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, lberrors.NewValidationError("timer", "cron", expr, "cannot be empty")
	}
	schedule, err := s.cronParser.Parse(expr)
	if err != nil {
		return nil, lberrors.NewValidationError("timer", "cron", expr, err.Error()).
			WithHint(`use a cron expression or a descriptor such as "@every 1s"`)
	}
	return schedule, nil
}

// Pending returns the number of one-shot timers not yet handed off.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextDue returns the due time of the earliest one-shot timer.
func (s *Service) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return time.Time{}, false
	}
	return s.timers[0].runAt, true
}

// Start launches the ticker loop.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("timer service already running, call Stop() first")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	go s.run(s.done, s.stopped)
	return nil
}

// Stop ends the ticker loop. Pending timers stay queued and fire after a
// later Start. The returned channel closes when the loop has exited.
func (s *Service) Stop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	s.running = false
	close(s.done)
	return s.stopped
}

func (s *Service) run(done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.RunDue(context.Background())
		}
	}
}

// RunDue hands every due timer and cron job to the submitter, earliest
// first, and returns how many tasks it submitted. The ticker loop calls it;
// tests call it directly after advancing a mock clock.
func (s *Service) RunDue(ctx context.Context) int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []dispatch.Task
	for len(s.timers) > 0 && !s.timers[0].runAt.After(now) {
		due = append(due, heap.Pop(&s.timers).(*oneShot).task)
	}
	s.metrics.TimersPending.Set(float64(len(s.timers)))

	var jobs []*cronJob
	for _, j := range s.jobs {
		if !j.next.After(now) {
			jobs = append(jobs, j)
			j.next = j.schedule.Next(now.In(s.location))
		}
	}
	s.mu.Unlock()

	submitted := 0
	for _, task := range due {
		if err := s.submitter.SubmitWithContext(ctx, task); err != nil {
			s.logger.Error(ctx, err, "timer task dropped")
			continue
		}
		submitted++
	}
	for _, j := range jobs {
		s.metrics.CronRuns.WithLabelValues(j.name).Inc()
		if err := s.submitter.SubmitWithContext(ctx, j.task); err != nil {
			s.logger.Error(ctx, err, "cron job dropped", "job", j.name)
			continue
		}
		submitted++
	}
	return submitted
}
