package decay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vnykmshr/lbucket/pkg/common/clock"
	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/log"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
	"github.com/vnykmshr/lbucket/pkg/metrics"
	"github.com/vnykmshr/lbucket/pkg/scheduling/dispatch"
	"github.com/vnykmshr/lbucket/pkg/scheduling/timer"
)

// Timer schedules a task to run once after delay. *timer.Service
// implements it. Scheduled tasks are never cancelled.
type Timer interface {
	Schedule(delay time.Duration, task dispatch.Task) (timer.ID, error)
}

// Pocket record layout: one meta field holding the instant, plus one field
// per counter with pending decrements.
const (
	pocketInstantField = "instant"
	pocketCounterField = "c:"
)

// Pocket aggregates the pending decrements of every counter due to decay at
// the same instant.
type Pocket struct {
	Instant int64

	// Decrements maps counter name to pending count. GetOrCreate returns a
	// handle with Decrements unset; Load fills it.
	Decrements map[string]int64
}

// PocketRegistry keeps at most one pocket, and one timer, per target
// instant. It is not safe for concurrent use; the engine calls it from its
// dispatcher only.
type PocketRegistry struct {
	ks          keyspace.KeySpace
	node        Node
	counters    *CounterStore
	timer       Timer
	fire        func(instant int64) dispatch.Task
	clock       clock.Clock
	granularity int64
	grace       time.Duration
	metrics     *metrics.Registry
	logger      log.Logger
}

// TargetInstant returns the epoch second at which a hit counted now with
// window decays: now plus window, truncated to the second and rounded up to
// the granularity.
func (r *PocketRegistry) TargetInstant(window time.Duration) (int64, error) {
	now := r.clock.Now()
	if now.Before(time.Unix(0, 0)) {
		return 0, fmt.Errorf("target instant: %w", lberrors.ErrClock)
	}
	at := now.Unix() + int64(window/time.Second)
	if g := r.granularity; g > 1 {
		at = (at + g - 1) / g * g
	}
	return at, nil
}

// delay is how long the timer for instant waits: never less than window,
// and long enough to reach instant.
func (r *PocketRegistry) delay(instant int64, window time.Duration) time.Duration {
	d := time.Unix(instant, 0).Sub(r.clock.Now())
	if d < window {
		d = window
	}
	return d
}

// GetOrCreate returns the pocket for instant, creating it and scheduling
// its single timer when absent. created reports whether this call did so.
func (r *PocketRegistry) GetOrCreate(ctx context.Context, instant int64, window time.Duration) (p *Pocket, created bool, err error) {
	key := r.node.PocketKey(instant)

	typ, err := r.ks.Type(ctx, key)
	if err != nil {
		return nil, false, err
	}
	switch typ {
	case keyspace.TypeRecord:
		return &Pocket{Instant: instant}, false, nil
	case keyspace.TypeNone:
	default:
		return nil, false, fmt.Errorf("pocket %s holds a %s: %w", key, typ, lberrors.ErrWrongType)
	}

	delay := r.delay(instant, window)
	fields := map[string]int64{pocketInstantField: instant}
	if err := r.ks.CreateRecord(ctx, key, fields, delay+r.grace); err != nil {
		return nil, false, err
	}
	if _, err := r.timer.Schedule(delay, r.fire(instant)); err != nil {
		// a pocket without a timer never drains
		if _, derr := r.ks.Delete(ctx, key); derr != nil {
			r.logger.Error(ctx, derr, "remove pocket after failed schedule", "key", key)
		}
		return nil, false, fmt.Errorf("schedule pocket %d: %w", instant, err)
	}

	r.metrics.PocketsCreated.Inc()
	r.metrics.TimersScheduled.WithLabelValues(metrics.StrategyPocket).Inc()
	r.logger.Debug(ctx, "pocket created", "instant", instant, "delay", delay)
	return &Pocket{Instant: instant}, true, nil
}

// RegisterDecrement adds one pending decrement for counter to p.
func (r *PocketRegistry) RegisterDecrement(ctx context.Context, p *Pocket, counter string) error {
	_, err := r.ks.IncrRecord(ctx, r.node.PocketKey(p.Instant), pocketCounterField+counter, 1)
	if err != nil {
		return err
	}
	if p.Decrements != nil {
		p.Decrements[counter]++
	}
	return nil
}

// RecordHit counts one hit on counter and schedules its decay after window.
// A hit whose decrement cannot be registered is taken back out of the
// counter before the error is returned.
func (r *PocketRegistry) RecordHit(ctx context.Context, window time.Duration, counter string) error {
	created, err := r.counters.increment(ctx, counter)
	if err != nil {
		return err
	}
	if err := r.registerHit(ctx, window, counter); err != nil {
		if uerr := r.counters.undoIncrement(ctx, counter, created); uerr != nil {
			r.logger.Error(ctx, uerr, "undo increment after failed decay registration", "counter", counter)
		}
		return err
	}
	r.metrics.Hits.WithLabelValues(metrics.StrategyPocket).Inc()
	return nil
}

func (r *PocketRegistry) registerHit(ctx context.Context, window time.Duration, counter string) error {
	instant, err := r.TargetInstant(window)
	if err != nil {
		return err
	}
	p, _, err := r.GetOrCreate(ctx, instant, window)
	if err != nil {
		return err
	}
	return r.RegisterDecrement(ctx, p, counter)
}

// Load reads the pocket for instant with its decrements.
func (r *PocketRegistry) Load(ctx context.Context, instant int64) (*Pocket, error) {
	rec, err := r.ks.ReadRecord(ctx, r.node.PocketKey(instant))
	if err != nil {
		return nil, err
	}
	p := &Pocket{Instant: instant, Decrements: make(map[string]int64, len(rec))}
	for field, n := range rec {
		if name, ok := strings.CutPrefix(field, pocketCounterField); ok {
			p.Decrements[name] = n
		}
	}
	return p, nil
}
