package decay

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/lbucket/internal/testutil"
	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
	"github.com/vnykmshr/lbucket/pkg/metrics"
)

func TestBucket_IncrementSchedulesOnce(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{}
	f := newFixture(t, ft)
	b := f.engine.buckets

	testutil.AssertNoError(t, b.Increment(ctx, 10*time.Second, "img1"))
	testutil.AssertNoError(t, b.Increment(ctx, 10*time.Second, "img1"))

	testutil.AssertEqual(t, ft.calls(), 1)
	testutil.AssertEqual(t, ft.delays[0], 10*time.Second)

	gen, ok := b.Live("img1")
	testutil.AssertEqual(t, ok, true)
	rec, err := f.ks.ReadRecord(ctx, f.node.BucketKey("img1"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, rec[bucketGenField], gen)
	testutil.AssertEqual(t, rec[bucketDecrementField], int64(2))

	ttl, _ := f.ks.TTL(ctx, f.node.BucketKey("img1"))
	testutil.AssertEqual(t, ttl, 10*time.Second+DefaultGraceOffset)

	v, _ := f.engine.counters.Get(ctx, "img1")
	testutil.AssertEqual(t, v, int64(2))
	testutil.AssertEqual(t, promtest.ToFloat64(f.metrics.Hits.WithLabelValues(metrics.StrategyBucket)), float64(2))
}

func TestBucket_FireDrains(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{}
	f := newFixture(t, ft)
	b := f.engine.buckets

	testutil.AssertNoError(t, b.Increment(ctx, 10*time.Second, "img1"))
	testutil.AssertNoError(t, b.Increment(ctx, 10*time.Second, "img1"))
	ft.runAll(t, ctx)

	v, _ := f.engine.counters.Get(ctx, "img1")
	testutil.AssertEqual(t, v, int64(0))
	_, ok := b.Live("img1")
	testutil.AssertEqual(t, ok, false)
	typ, _ := f.ks.Type(ctx, f.node.BucketKey("img1"))
	testutil.AssertEqual(t, typ, keyspace.TypeNone)

	// the next hit opens a new window
	testutil.AssertNoError(t, b.Increment(ctx, 10*time.Second, "img1"))
	testutil.AssertEqual(t, ft.calls(), 1)
}

func TestBucket_StaleTimerLeavesNewGeneration(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{}
	f := newFixture(t, ft)
	b := f.engine.buckets

	testutil.AssertNoError(t, b.Increment(ctx, 10*time.Second, "img1"))
	first, _ := b.Live("img1")

	// record lost without a notification
	_, err := f.ks.Delete(ctx, f.node.BucketKey("img1"))
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, b.Increment(ctx, 10*time.Second, "img1"))
	second, _ := b.Live("img1")
	testutil.AssertNotEqual(t, second, first)
	testutil.AssertEqual(t, ft.calls(), 2)

	testutil.AssertNoError(t, b.Fire(ctx, "img1", first))
	v, _ := f.engine.counters.Get(ctx, "img1")
	testutil.AssertEqual(t, v, int64(2))
	cur, ok := b.Live("img1")
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, cur, second)

	testutil.AssertNoError(t, b.Fire(ctx, "img1", second))
	v, _ = f.engine.counters.Get(ctx, "img1")
	testutil.AssertEqual(t, v, int64(1))
}

func TestBucket_FireAfterSilentRemoval(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{}
	f := newFixture(t, ft)
	b := f.engine.buckets

	testutil.AssertNoError(t, b.Increment(ctx, 10*time.Second, "img1"))
	_, _ = f.ks.Delete(ctx, f.node.BucketKey("img1"))
	ft.runAll(t, ctx)

	v, _ := f.engine.counters.Get(ctx, "img1")
	testutil.AssertEqual(t, v, int64(1))
	testutil.AssertEqual(t, promtest.ToFloat64(f.metrics.BucketEvictions), float64(1))
}

func TestBucket_OnDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeTimer{})
	b := f.engine.buckets

	// unknown name
	b.OnDelete(ctx, "nobody")
	testutil.AssertEqual(t, promtest.ToFloat64(f.metrics.BucketEvictions), float64(0))

	testutil.AssertNoError(t, b.Increment(ctx, 10*time.Second, "img1"))

	// record still live: stale notification
	b.OnDelete(ctx, "img1")
	_, ok := b.Live("img1")
	testutil.AssertEqual(t, ok, true)

	_, _ = f.ks.Delete(ctx, f.node.BucketKey("img1"))
	b.OnDelete(ctx, "img1")
	b.OnDelete(ctx, "img1")

	_, ok = b.Live("img1")
	testutil.AssertEqual(t, ok, false)
	testutil.AssertEqual(t, promtest.ToFloat64(f.metrics.BucketEvictions), float64(1))
}

func TestBucket_ScheduleFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeTimer{err: errors.New("no timers left")})
	b := f.engine.buckets

	testutil.AssertError(t, b.Increment(ctx, 10*time.Second, "img1"))
	_, ok := b.Live("img1")
	testutil.AssertEqual(t, ok, false)
	typ, _ := f.ks.Type(ctx, f.node.BucketKey("img1"))
	testutil.AssertEqual(t, typ, keyspace.TypeNone)
}

func TestBucket_ScheduleFailureUndoesIncrement(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{}
	f := newFixture(t, ft)

	testutil.AssertNoError(t, f.engine.Count(ctx, "img1", 5))
	ft.fail(errors.New("no timers left"))

	testutil.AssertError(t, f.engine.CountBucket(ctx, "img1", 10))
	v, err := f.engine.Get(ctx, "img1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, int64(1))

	testutil.AssertError(t, f.engine.CountBucket(ctx, "img2", 10))
	_, err = f.engine.Get(ctx, "img2")
	testutil.AssertErrorIs(t, err, lberrors.ErrNotFound)
}
