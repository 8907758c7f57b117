package decay

import (
	"context"
	"errors"
	"fmt"
	"time"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/log"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
	"github.com/vnykmshr/lbucket/pkg/metrics"
	"github.com/vnykmshr/lbucket/pkg/scheduling/dispatch"
)

// Bucket record fields.
const (
	bucketGenField       = "gen"
	bucketDecrementField = "decrement"
)

// Bucket is the per-key decay strategy: each counter gets its own record
// and timer, and the record is dropped when the key space expires or
// evicts it. Each record carries a generation so a timer scheduled for an
// older record never drains a newer one. Not safe for concurrent use.
type Bucket struct {
	ks       keyspace.KeySpace
	node     Node
	counters *CounterStore
	timer    Timer
	grace    time.Duration
	metrics  *metrics.Registry
	logger   log.Logger

	live    map[string]int64
	lastGen int64
}

// bucketTask is the timer payload for one bucket generation.
type bucketTask struct {
	b    *Bucket
	name string
	gen  int64
}

func (t bucketTask) Execute(ctx context.Context) error {
	return t.b.Fire(ctx, t.name, t.gen)
}

// Live returns the generation of the bucket for name, if one is live.
func (b *Bucket) Live(name string) (int64, bool) {
	gen, ok := b.live[name]
	return gen, ok
}

// Increment counts one hit on name. The first hit of a window creates the
// bucket record and schedules its timer; later hits only add to the
// record's pending decrement.
func (b *Bucket) Increment(ctx context.Context, window time.Duration, name string) error {
	created, err := b.counters.increment(ctx, name)
	if err != nil {
		return err
	}
	if err := b.register(ctx, window, name); err != nil {
		if uerr := b.counters.undoIncrement(ctx, name, created); uerr != nil {
			b.logger.Error(ctx, uerr, "undo increment after failed decay registration", "counter", name)
		}
		return err
	}
	b.metrics.Hits.WithLabelValues(metrics.StrategyBucket).Inc()
	return nil
}

// register adds one pending decrement for name to its live bucket,
// creating the bucket and its timer when there is none.
func (b *Bucket) register(ctx context.Context, window time.Duration, name string) error {
	key := b.node.BucketKey(name)
	if !b.isLive(ctx, key, name) {
		b.lastGen++
		gen := b.lastGen
		fields := map[string]int64{bucketGenField: gen, bucketDecrementField: 0}
		if err := b.ks.CreateRecord(ctx, key, fields, window+b.grace); err != nil {
			return err
		}
		if _, err := b.timer.Schedule(window, dispatch.Task(bucketTask{b: b, name: name, gen: gen})); err != nil {
			if _, derr := b.ks.Delete(ctx, key); derr != nil {
				b.logger.Error(ctx, derr, "remove bucket after failed schedule", "key", key)
			}
			return fmt.Errorf("schedule bucket %s: %w", name, err)
		}
		b.live[name] = gen
		b.metrics.TimersScheduled.WithLabelValues(metrics.StrategyBucket).Inc()
	}

	_, err := b.ks.IncrRecord(ctx, key, bucketDecrementField, 1)
	return err
}

// isLive reports whether the record under key belongs to the live
// generation for name. A stale entry is forgotten.
func (b *Bucket) isLive(ctx context.Context, key, name string) bool {
	gen, ok := b.live[name]
	if !ok {
		return false
	}
	rec, err := b.ks.ReadRecord(ctx, key)
	if err == nil && rec[bucketGenField] == gen {
		return true
	}
	delete(b.live, name)
	return false
}

// Fire drains the bucket for name if gen is still its live generation.
func (b *Bucket) Fire(ctx context.Context, name string, gen int64) error {
	start := time.Now()
	defer func() {
		b.metrics.FireDuration.WithLabelValues(metrics.StrategyBucket).Observe(time.Since(start).Seconds())
	}()

	if cur, ok := b.live[name]; !ok || cur != gen {
		return nil
	}
	delete(b.live, name)

	key := b.node.BucketKey(name)
	rec, err := b.ks.ReadRecord(ctx, key)
	if errors.Is(err, lberrors.ErrNotFound) {
		// removed before the notification reached us
		b.metrics.BucketEvictions.Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read bucket %s: %w", name, err)
	}
	if rec[bucketGenField] != gen {
		return nil
	}

	if n := rec[bucketDecrementField]; n > 0 {
		existed, err := b.counters.Decrement(ctx, name, n)
		switch {
		case err != nil:
			b.metrics.Decrements.WithLabelValues(metrics.OutcomeFailed).Add(float64(n))
			b.logger.Error(ctx, err, "apply bucket decrement", "counter", name, "count", n)
		case !existed:
			b.metrics.Decrements.WithLabelValues(metrics.OutcomeDropped).Add(float64(n))
		default:
			b.metrics.Decrements.WithLabelValues(metrics.OutcomeApplied).Add(float64(n))
		}
	}
	if _, err := b.ks.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return nil
}

// OnDelete handles expiry or eviction of the bucket record for name. It is
// idempotent and never waits for the bucket's timer. A notification that
// arrives after the record was recreated is ignored.
func (b *Bucket) OnDelete(ctx context.Context, name string) {
	if _, ok := b.live[name]; !ok {
		return
	}
	key := b.node.BucketKey(name)
	if b.isLive(ctx, key, name) {
		return
	}
	if _, err := b.ks.Delete(ctx, key); err != nil {
		b.logger.Error(ctx, err, "delete orphaned bucket", "key", key)
	}
	b.metrics.BucketEvictions.Inc()
	b.logger.Debug(ctx, "bucket removed before its timer", "counter", name)
}
