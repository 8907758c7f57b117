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

func TestTargetInstant(t *testing.T) {
	tests := []struct {
		name        string
		now         time.Time
		granularity time.Duration
		window      time.Duration
		want        int64
	}{
		{"whole second", time.Unix(1000, 0), time.Second, 5 * time.Second, 1005},
		{"fraction truncated", time.Unix(1000, 999e6), time.Second, 5 * time.Second, 1005},
		{"zero window", time.Unix(1000, 0), time.Second, 0, 1000},
		{"rounded up to granularity", time.Unix(1001, 0), 10 * time.Second, 5 * time.Second, 1010},
		{"already aligned", time.Unix(1005, 0), 10 * time.Second, 5 * time.Second, 1010},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &fakeTimer{}, func(c *Config) { c.Granularity = tt.granularity })
			f.clk.Set(tt.now)

			got, err := f.engine.pockets.TargetInstant(tt.window)
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, got, tt.want)
		})
	}
}

func TestTargetInstant_ClockBeforeEpoch(t *testing.T) {
	f := newFixture(t, &fakeTimer{})
	f.clk.Set(time.Unix(-10, 0))

	_, err := f.engine.pockets.TargetInstant(5 * time.Second)
	testutil.AssertErrorIs(t, err, lberrors.ErrClock)
}

func TestGetOrCreate_SingleTimerPerInstant(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{}
	f := newFixture(t, ft)
	r := f.engine.pockets

	p, created, err := r.GetOrCreate(ctx, 1005, 5*time.Second)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, created, true)
	testutil.AssertEqual(t, p.Instant, int64(1005))

	for i := 0; i < 3; i++ {
		_, created, err = r.GetOrCreate(ctx, 1005, 5*time.Second)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, created, false)
	}
	testutil.AssertEqual(t, ft.calls(), 1)
	testutil.AssertEqual(t, ft.delays[0], 5*time.Second)
	testutil.AssertEqual(t, promtest.ToFloat64(f.metrics.PocketsCreated), float64(1))

	ttl, err := f.ks.TTL(ctx, f.node.PocketKey(1005))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ttl, 5*time.Second+DefaultGraceOffset)

	rec, err := f.ks.ReadRecord(ctx, f.node.PocketKey(1005))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, rec[pocketInstantField], int64(1005))
}

func TestGetOrCreate_DelayReachesInstant(t *testing.T) {
	ft := &fakeTimer{}
	f := newFixture(t, ft, func(c *Config) { c.Granularity = 10 * time.Second })
	f.clk.Set(time.Unix(1001, 500e6))

	_, _, err := f.engine.pockets.GetOrCreate(context.Background(), 1010, 5*time.Second)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ft.delays[0], 8500*time.Millisecond)
}

func TestGetOrCreate_ScheduleFailureRemovesPocket(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{err: errors.New("timer full")}
	f := newFixture(t, ft)

	_, _, err := f.engine.pockets.GetOrCreate(ctx, 1005, 5*time.Second)
	testutil.AssertError(t, err)

	typ, err := f.ks.Type(ctx, f.node.PocketKey(1005))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, typ, keyspace.TypeNone)
}

func TestRecordHit_ScheduleFailureUndoesIncrement(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{}
	f := newFixture(t, ft)

	testutil.AssertNoError(t, f.engine.Count(ctx, "k", 5))
	ft.fail(errors.New("timer full"))

	testutil.AssertError(t, f.engine.Count(ctx, "k", 10))
	v, err := f.engine.Get(ctx, "k")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, int64(1))

	testutil.AssertError(t, f.engine.Count(ctx, "fresh", 10))
	_, err = f.engine.Get(ctx, "fresh")
	testutil.AssertErrorIs(t, err, lberrors.ErrNotFound)

	testutil.AssertEqual(t, ft.calls(), 1)
	testutil.AssertEqual(t, promtest.ToFloat64(f.metrics.Hits.WithLabelValues(metrics.StrategyPocket)), float64(1))
}

func TestGetOrCreate_WrongType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeTimer{})
	testutil.AssertNoError(t, f.ks.Set(ctx, f.node.PocketKey(1005), "x"))

	_, _, err := f.engine.pockets.GetOrCreate(ctx, 1005, 5*time.Second)
	testutil.AssertErrorIs(t, err, lberrors.ErrWrongType)
}

func TestRecordHit_SharesPocket(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{}
	f := newFixture(t, ft)
	r := f.engine.pockets

	testutil.AssertNoError(t, r.RecordHit(ctx, 5*time.Second, "img1"))
	testutil.AssertNoError(t, r.RecordHit(ctx, 5*time.Second, "img1"))
	testutil.AssertNoError(t, r.RecordHit(ctx, 5*time.Second, "img2"))

	p, err := r.Load(ctx, 1005)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(p.Decrements), 2)
	testutil.AssertEqual(t, p.Decrements["img1"], int64(2))
	testutil.AssertEqual(t, p.Decrements["img2"], int64(1))
	testutil.AssertEqual(t, ft.calls(), 1)
	testutil.AssertEqual(t, promtest.ToFloat64(f.metrics.Hits.WithLabelValues(metrics.StrategyPocket)), float64(3))
}

func TestRecordHit_DistinctInstants(t *testing.T) {
	ctx := context.Background()
	ft := &fakeTimer{}
	f := newFixture(t, ft)
	r := f.engine.pockets

	testutil.AssertNoError(t, r.RecordHit(ctx, 5*time.Second, "a"))
	testutil.AssertNoError(t, r.RecordHit(ctx, 6*time.Second, "a"))
	f.clk.Advance(time.Second)
	testutil.AssertNoError(t, r.RecordHit(ctx, 5*time.Second, "a"))

	// 1005, 1006 and 1006 again
	testutil.AssertEqual(t, ft.calls(), 2)
	p, err := r.Load(ctx, 1006)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, p.Decrements["a"], int64(2))
}

func TestRegisterDecrement_UpdatesLoadedPocket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeTimer{})
	r := f.engine.pockets

	_, _, err := r.GetOrCreate(ctx, 1005, 5*time.Second)
	testutil.AssertNoError(t, err)
	p, err := r.Load(ctx, 1005)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, r.RegisterDecrement(ctx, p, "x"))
	testutil.AssertEqual(t, p.Decrements["x"], int64(1))

	again, err := r.Load(ctx, 1005)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, again.Decrements["x"], int64(1))
}

func TestLoad_Missing(t *testing.T) {
	f := newFixture(t, &fakeTimer{})
	_, err := f.engine.pockets.Load(context.Background(), 42)
	testutil.AssertErrorIs(t, err, lberrors.ErrNotFound)
}
