package decay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnykmshr/lbucket/pkg/common/clock"
	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/log"
	"github.com/vnykmshr/lbucket/pkg/common/validation"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
	"github.com/vnykmshr/lbucket/pkg/metrics"
	"github.com/vnykmshr/lbucket/pkg/scheduling/dispatch"
	"github.com/vnykmshr/lbucket/pkg/scheduling/timer"
)

const tracerName = "github.com/vnykmshr/lbucket/pkg/decay"

// Strategy selects how COUNT schedules decay.
type Strategy string

const (
	// StrategyPocket batches every decrement due at the same instant under
	// one timer.
	StrategyPocket Strategy = "pocket"

	// StrategyBucket gives every counter its own record and timer.
	StrategyBucket Strategy = "bucket"
)

func (s Strategy) String() string { return string(s) }

const (
	DefaultGraceOffset   = 30 * time.Second
	DefaultGranularity   = time.Second
	DefaultSweepSchedule = "@every 1s"

	// MaxWindowSeconds bounds COUNT durations.
	MaxWindowSeconds = 1 << 32
)

// CronScheduler is implemented by timers that can also run repeating jobs.
type CronScheduler interface {
	ScheduleCron(name, expr string, task dispatch.Task) error
}

// Config holds configuration for an Engine.
type Config struct {
	// KeySpace stores counters and records. Required.
	KeySpace keyspace.KeySpace

	// Node identifies this process in key names. When zero a random node
	// in Namespace is generated.
	Node      Node
	Namespace string

	// Strategy is the decay strategy used by COUNT. Defaults to pocket.
	Strategy Strategy

	// Granularity rounds pocket instants up to a multiple of itself.
	// Defaults to one second.
	Granularity time.Duration

	// GraceOffset is added to record expiries beyond their timer so a lost
	// timer cannot keep a record alive forever. Defaults to 30s.
	GraceOffset time.Duration

	// SweepSchedule runs the key space's active expiry when it has one.
	// Defaults to "@every 1s".
	SweepSchedule string

	Clock clock.Clock

	// Dispatcher serializes every operation. Created when nil and then
	// shut down by Close.
	Dispatcher *dispatch.Dispatcher

	// Timer schedules decay. When nil a timer.Service feeding Dispatcher
	// is created and run between Start and Close.
	Timer Timer

	// TickInterval and QueueSize configure the owned timer and dispatcher.
	TickInterval time.Duration
	QueueSize    int

	TracerProvider trace.TracerProvider
	Metrics        *metrics.Registry
	Logger         log.Logger
}

// Engine runs the decay commands. All operations execute on one
// dispatcher, so no two of them interleave.
type Engine struct {
	config Config
	node   Node
	ks     keyspace.KeySpace

	counters  *CounterStore
	pockets   *PocketRegistry
	scheduler *DecayScheduler
	buckets   *Bucket

	dispatcher    *dispatch.Dispatcher
	ownDispatcher bool
	timer         Timer
	ownTimer      *timer.Service

	tracer  trace.Tracer
	metrics *metrics.Registry
	logger  log.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

func validateConfig(cfg Config) error {
	if cfg.KeySpace == nil {
		return lberrors.NewValidationError("decay", "keyspace", nil, "cannot be nil").
			WithHint("use memory.New() or rediskv.New()")
	}
	if err := validation.ValidateOneOf("decay", "strategy", string(cfg.Strategy),
		string(StrategyPocket), string(StrategyBucket)); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("decay", "granularity", cfg.Granularity); err != nil {
		return err
	}
	if cfg.Granularity%time.Second != 0 {
		return lberrors.NewValidationError("decay", "granularity", cfg.Granularity, "must be whole seconds")
	}
	return validation.ValidateNonNegativeDuration("decay", "grace_offset", cfg.GraceOffset)
}

func applyDefaults(cfg Config) Config {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPocket
	}
	cfg.Strategy = Strategy(strings.ToLower(string(cfg.Strategy)))
	if cfg.Granularity == 0 {
		cfg.Granularity = DefaultGranularity
	}
	if cfg.GraceOffset == 0 {
		cfg.GraceOffset = DefaultGraceOffset
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultRegistry
	}
	cfg.Clock = clock.OrSystem(cfg.Clock)
	cfg.Logger = log.OrNop(cfg.Logger)
	return cfg
}

// New creates an engine. Call Start before issuing commands that must
// decay, and Close when done.
func New(cfg Config) (*Engine, error) {
	cfg = applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	node := cfg.Node
	if node.IsZero() {
		var err error
		if node, err = NewNode(cfg.Namespace); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		config:  cfg,
		node:    node,
		ks:      cfg.KeySpace,
		tracer:  cfg.TracerProvider.Tracer(tracerName),
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "decay", "node", node.String()),
	}

	e.dispatcher = cfg.Dispatcher
	if e.dispatcher == nil {
		d, err := dispatch.NewWithConfig(dispatch.Config{
			QueueSize: cfg.QueueSize,
			Metrics:   cfg.Metrics,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		e.dispatcher, e.ownDispatcher = d, true
	}

	e.timer = cfg.Timer
	if e.timer == nil {
		svc, err := timer.New(timer.Config{
			Submitter:    e.dispatcher,
			Clock:        cfg.Clock,
			TickInterval: cfg.TickInterval,
			Metrics:      cfg.Metrics,
			Logger:       cfg.Logger,
		})
		if err != nil {
			e.shutdownDispatcher()
			return nil, err
		}
		e.timer, e.ownTimer = svc, svc
	}

	e.counters = NewCounterStore(e.ks, node)
	e.scheduler = &DecayScheduler{
		ks:       e.ks,
		node:     node,
		counters: e.counters,
		tracer:   e.tracer,
		metrics:  e.metrics,
		logger:   e.logger,
	}
	e.pockets = &PocketRegistry{
		ks:          e.ks,
		node:        node,
		counters:    e.counters,
		timer:       e.timer,
		fire:        e.scheduler.Task,
		clock:       cfg.Clock,
		granularity: int64(cfg.Granularity / time.Second),
		grace:       cfg.GraceOffset,
		metrics:     e.metrics,
		logger:      e.logger,
	}
	e.scheduler.registry = e.pockets
	e.buckets = &Bucket{
		ks:       e.ks,
		node:     node,
		counters: e.counters,
		timer:    e.timer,
		grace:    cfg.GraceOffset,
		metrics:  e.metrics,
		logger:   e.logger,
		live:     make(map[string]int64),
	}
	return e, nil
}

// Node returns the engine's identity.
func (e *Engine) Node() Node { return e.node }

// Dispatcher returns the dispatcher the engine runs on.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Start begins firing timers, subscribes to key removal notifications and
// registers the active expiry job when the key space needs one.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("start engine: %w", lberrors.ErrClosed)
	}
	if e.started {
		return fmt.Errorf("engine already started")
	}

	if n, ok := e.ks.(keyspace.Notifier); ok {
		n.OnRemove(e.onRemove)
	}
	if sw, ok := e.ks.(keyspace.Sweeper); ok {
		if cs, ok := e.timer.(CronScheduler); ok {
			task := dispatch.TaskFunc(func(ctx context.Context) error {
				if n := sw.Sweep(ctx); n > 0 {
					e.logger.Debug(ctx, "expired keys swept", "count", n)
				}
				return nil
			})
			if err := cs.ScheduleCron("keyspace-sweep", e.config.SweepSchedule, task); err != nil {
				return err
			}
		}
	}
	if e.ownTimer != nil {
		if err := e.ownTimer.Start(); err != nil {
			return err
		}
	}
	e.started = true
	e.logger.Info(context.Background(), "decay engine started", "strategy", string(e.config.Strategy))
	return nil
}

// Close stops the owned timer and dispatcher. Queued commands finish;
// pending timers are abandoned and their records expire.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.ownTimer != nil {
		<-e.ownTimer.Stop()
	}
	e.shutdownDispatcher()
	return nil
}

func (e *Engine) shutdownDispatcher() {
	if e.ownDispatcher {
		<-e.dispatcher.Shutdown()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// onRemove receives key space expiries and evictions. Only bucket records
// need cleanup; the pocket timer already tolerates a missing pocket.
func (e *Engine) onRemove(ctx context.Context, key, reason string) {
	kind, name, ok := e.node.ParseKey(key)
	if !ok || kind != KindBucket {
		return
	}
	err := e.dispatcher.SubmitWithContext(ctx, dispatch.TaskFunc(func(ctx context.Context) error {
		e.buckets.OnDelete(ctx, name)
		return nil
	}))
	if err != nil {
		e.logger.Warn(ctx, "bucket removal not processed", "key", key, "reason", reason, "err", err.Error())
	}
}

// run executes fn on the dispatcher inside a span named after command.
func (e *Engine) run(ctx context.Context, command string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "lbucket."+strings.ToLower(command), trace.WithAttributes(attrs...))
	defer span.End()

	err := e.runUntraced(ctx, fn)
	if err != nil {
		e.metrics.CommandErrors.WithLabelValues(command).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) runUntraced(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.isClosed() {
		return fmt.Errorf("engine: %w", lberrors.ErrClosed)
	}
	return e.dispatcher.Do(ctx, dispatch.TaskFunc(fn))
}

func validateKey(key string) error {
	return validation.ValidateNotEmpty("decay", "key", key)
}

func validateWindow(seconds int64) error {
	if err := validation.ValidateNonNegative("decay", "duration", seconds); err != nil {
		return err
	}
	if seconds > MaxWindowSeconds {
		return lberrors.NewValidationError("decay", "duration", seconds, "too large").
			WithHint(fmt.Sprintf("use at most %d seconds", int64(MaxWindowSeconds)))
	}
	return nil
}

// Count records one hit on key that decays after seconds, using the
// configured strategy. If ctx ends after the command is queued, Count
// returns ctx.Err() but the hit is still recorded and decays normally.
func (e *Engine) Count(ctx context.Context, key string, seconds int64) error {
	return e.count(ctx, "COUNT", e.config.Strategy, key, seconds)
}

// CountBucket records one hit on key with the per-key bucket strategy.
// Cancellation behaves as for Count.
func (e *Engine) CountBucket(ctx context.Context, key string, seconds int64) error {
	return e.count(ctx, "BUCKET", StrategyBucket, key, seconds)
}

func (e *Engine) count(ctx context.Context, command string, strategy Strategy, key string, seconds int64) error {
	attrs := []attribute.KeyValue{
		attribute.String("lbucket.key", key),
		attribute.Int64("lbucket.duration", seconds),
		attribute.String("lbucket.strategy", string(strategy)),
	}
	return e.run(ctx, command, attrs, func(ctx context.Context) error {
		if err := validateKey(key); err != nil {
			return err
		}
		if err := validateWindow(seconds); err != nil {
			return err
		}
		window := time.Duration(seconds) * time.Second
		if strategy == StrategyBucket {
			return e.buckets.Increment(ctx, window, key)
		}
		return e.pockets.RecordHit(ctx, window, key)
	})
}

// Get returns the current value of key.
func (e *Engine) Get(ctx context.Context, key string) (int64, error) {
	var v int64
	err := e.run(ctx, "GET", []attribute.KeyValue{attribute.String("lbucket.key", key)}, func(ctx context.Context) error {
		if err := validateKey(key); err != nil {
			return err
		}
		var err error
		v, err = e.counters.Get(ctx, key)
		return err
	})
	return v, err
}

// Delete removes the counter key. Pending decrements for it are dropped
// when they fire.
func (e *Engine) Delete(ctx context.Context, key string) (bool, error) {
	var existed bool
	err := e.run(ctx, "DEL", []attribute.KeyValue{attribute.String("lbucket.key", key)}, func(ctx context.Context) error {
		if err := validateKey(key); err != nil {
			return err
		}
		var err error
		existed, err = e.counters.Delete(ctx, key)
		return err
	})
	return existed, err
}

// Pocket returns the pending decrements due at instant.
func (e *Engine) Pocket(ctx context.Context, instant int64) (*Pocket, error) {
	var p *Pocket
	err := e.run(ctx, "POCKET", []attribute.KeyValue{attribute.Int64("lbucket.instant", instant)}, func(ctx context.Context) error {
		var err error
		p, err = e.pockets.Load(ctx, instant)
		return err
	})
	return p, err
}

// TargetInstant returns the instant a hit counted now with a window of
// seconds would decay at.
func (e *Engine) TargetInstant(seconds int64) (int64, error) {
	if err := validateWindow(seconds); err != nil {
		return 0, err
	}
	return e.pockets.TargetInstant(time.Duration(seconds) * time.Second)
}
