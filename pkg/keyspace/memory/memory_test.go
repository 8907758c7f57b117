package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/lbucket/internal/testutil"
	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
	"github.com/vnykmshr/lbucket/pkg/metrics"
)

func newTestStore(t *testing.T, maxKeys int) (*Store, *testutil.MockClock, *metrics.Registry) {
	t.Helper()
	clk := testutil.NewMockClockAt(1000)
	m := metrics.NewRegistry(prometheus.NewRegistry())
	s, err := NewWithConfig(Config{Clock: clk, MaxKeys: maxKeys, Metrics: m})
	testutil.AssertNoError(t, err)
	return s, clk, m
}

func TestNewWithConfig_Validation(t *testing.T) {
	_, err := NewWithConfig(Config{MaxKeys: -1})
	if !lberrors.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if New() == nil {
		t.Fatal("New returned nil")
	}
}

func TestStringValues(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	ctx := context.Background()

	_, err := s.Get(ctx, "a")
	testutil.AssertErrorIs(t, err, lberrors.ErrNotFound)

	typ, _ := s.Type(ctx, "a")
	testutil.AssertEqual(t, typ, keyspace.TypeNone)

	testutil.AssertNoError(t, s.Set(ctx, "a", "5"))
	v, err := s.Get(ctx, "a")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, "5")

	typ, _ = s.Type(ctx, "a")
	testutil.AssertEqual(t, typ, keyspace.TypeString)

	existed, _ := s.Delete(ctx, "a")
	testutil.AssertEqual(t, existed, true)
	existed, _ = s.Delete(ctx, "a")
	testutil.AssertEqual(t, existed, false)
}

func TestAddCounter(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		initial     *string
		delta       int64
		wantValue   int64
		wantExisted bool
		wantStored  string
		wantErr     error
	}{
		{name: "absent positive creates", delta: 1, wantValue: 1, wantStored: "1"},
		{name: "absent negative is no-op", delta: -3, wantStored: ""},
		{name: "empty string counts as absent", initial: strp(""), delta: 1, wantValue: 1, wantStored: "1"},
		{name: "empty string negative keeps empty", initial: strp(""), delta: -1, wantStored: ""},
		{name: "increments", initial: strp("4"), delta: 1, wantValue: 5, wantExisted: true, wantStored: "5"},
		{name: "decrements", initial: strp("4"), delta: -3, wantValue: 1, wantExisted: true, wantStored: "1"},
		{name: "clamps at zero", initial: strp("2"), delta: -5, wantValue: 0, wantExisted: true, wantStored: "0"},
		{name: "malformed", initial: strp("abc"), delta: 1, wantErr: lberrors.ErrMalformed, wantStored: "abc"},
		{name: "exponent", initial: strp("1e3"), delta: 1, wantErr: lberrors.ErrMalformed, wantStored: "1e3"},
		{name: "leading space", initial: strp(" 5"), delta: 1, wantErr: lberrors.ErrMalformed, wantStored: " 5"},
		{name: "explicit plus", initial: strp("+2"), delta: 1, wantErr: lberrors.ErrMalformed, wantStored: "+2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestStore(t, 0)
			if tt.initial != nil {
				testutil.AssertNoError(t, s.Set(ctx, "c", *tt.initial))
			}

			v, existed, err := s.AddCounter(ctx, "c", tt.delta)
			if tt.wantErr != nil {
				testutil.AssertErrorIs(t, err, tt.wantErr)
			} else {
				testutil.AssertNoError(t, err)
				testutil.AssertEqual(t, v, tt.wantValue)
				testutil.AssertEqual(t, existed, tt.wantExisted)
			}

			stored, err := s.Get(ctx, "c")
			if tt.wantStored == "" && tt.initial == nil {
				testutil.AssertErrorIs(t, err, lberrors.ErrNotFound)
				return
			}
			testutil.AssertEqual(t, stored, tt.wantStored)
		})
	}
}

func strp(s string) *string { return &s }

func TestRecords(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	ctx := context.Background()

	_, err := s.ReadRecord(ctx, "p")
	testutil.AssertErrorIs(t, err, lberrors.ErrNotFound)

	fields := map[string]int64{"instant": 1060}
	testutil.AssertNoError(t, s.CreateRecord(ctx, "p", fields, 0))
	fields["instant"] = 0 // caller's map must not alias the record

	n, err := s.IncrRecord(ctx, "p", "c1", 1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, int64(1))
	n, _ = s.IncrRecord(ctx, "p", "c1", 2)
	testutil.AssertEqual(t, n, int64(3))

	rec, err := s.ReadRecord(ctx, "p")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, rec["instant"], int64(1060))
	testutil.AssertEqual(t, rec["c1"], int64(3))

	rec["c1"] = 99
	again, _ := s.ReadRecord(ctx, "p")
	testutil.AssertEqual(t, again["c1"], int64(3))

	typ, _ := s.Type(ctx, "p")
	testutil.AssertEqual(t, typ, keyspace.TypeRecord)
}

func TestWrongType(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	ctx := context.Background()

	testutil.AssertNoError(t, s.Set(ctx, "str", "1"))
	testutil.AssertNoError(t, s.CreateRecord(ctx, "rec", map[string]int64{"x": 1}, 0))

	_, err := s.Get(ctx, "rec")
	testutil.AssertErrorIs(t, err, lberrors.ErrWrongType)

	_, _, err = s.AddCounter(ctx, "rec", 1)
	testutil.AssertErrorIs(t, err, lberrors.ErrWrongType)

	testutil.AssertErrorIs(t, s.Set(ctx, "rec", "1"), lberrors.ErrWrongType)

	_, err = s.ReadRecord(ctx, "str")
	testutil.AssertErrorIs(t, err, lberrors.ErrWrongType)

	_, err = s.IncrRecord(ctx, "str", "f", 1)
	testutil.AssertErrorIs(t, err, lberrors.ErrWrongType)
}

func TestExpiry(t *testing.T) {
	s, clk, m := newTestStore(t, 0)
	ctx := context.Background()
	removed := testutil.NewCallbackTracker()
	s.OnRemove(func(_ context.Context, key, reason string) {
		removed.Mark(key + "/" + reason)
	})

	testutil.AssertNoError(t, s.CreateRecord(ctx, "p", map[string]int64{"instant": 1}, 10*time.Second))
	testutil.AssertNoError(t, s.Set(ctx, "c", "1"))

	ttl, err := s.TTL(ctx, "p")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ttl, 10*time.Second)
	ttl, _ = s.TTL(ctx, "c")
	testutil.AssertEqual(t, ttl, time.Duration(-1))

	clk.Advance(9 * time.Second)
	_, err = s.ReadRecord(ctx, "p")
	testutil.AssertNoError(t, err)
	removed.AssertNotCalled(t)

	clk.Advance(time.Second)
	_, err = s.ReadRecord(ctx, "p")
	testutil.AssertErrorIs(t, err, lberrors.ErrNotFound)
	removed.AssertCallCount(t, 1)
	testutil.AssertEqual(t, removed.Value(), interface{}("p/expired"))
	testutil.AssertEqual(t, promtest.ToFloat64(m.KeysRemoved.WithLabelValues(keyspace.ReasonExpired)), float64(1))

	// explicit deletes are not reported
	_, _ = s.Delete(ctx, "c")
	removed.AssertCallCount(t, 1)
}

func TestExpire_KeepsTTLAcrossSet(t *testing.T) {
	s, clk, _ := newTestStore(t, 0)
	ctx := context.Background()

	ok, _ := s.Expire(ctx, "missing", time.Second)
	testutil.AssertEqual(t, ok, false)

	testutil.AssertNoError(t, s.Set(ctx, "c", "1"))
	ok, _ = s.Expire(ctx, "c", 5*time.Second)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertNoError(t, s.Set(ctx, "c", "2"))

	clk.Advance(5 * time.Second)
	_, err := s.Get(ctx, "c")
	testutil.AssertErrorIs(t, err, lberrors.ErrNotFound)
}

func TestSweep(t *testing.T) {
	s, clk, _ := newTestStore(t, 0)
	ctx := context.Background()
	removed := testutil.NewCallbackTracker()
	s.OnRemove(func(context.Context, string, string) { removed.Mark() })

	for _, k := range []string{"a", "b", "c"} {
		testutil.AssertNoError(t, s.CreateRecord(ctx, k, map[string]int64{"x": 1}, time.Second))
	}
	testutil.AssertNoError(t, s.Set(ctx, "keep", "1"))

	testutil.AssertEqual(t, s.Sweep(ctx), 0)
	clk.Advance(2 * time.Second)
	testutil.AssertEqual(t, s.Sweep(ctx), 3)
	testutil.AssertEqual(t, s.Len(), 1)
	removed.AssertCallCount(t, 3)
}

// evictionLog records removals reported to listeners as key/reason.
func evictionLog(s *Store) func() []string {
	var (
		mu  sync.Mutex
		log []string
	)
	s.OnRemove(func(_ context.Context, key, reason string) {
		mu.Lock()
		defer mu.Unlock()
		log = append(log, key+"/"+reason)
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), log...)
	}
}

func TestEviction(t *testing.T) {
	s, _, m := newTestStore(t, 3)
	ctx := context.Background()
	removed := evictionLog(s)

	testutil.AssertNoError(t, s.Set(ctx, "hot", "4"))
	testutil.AssertNoError(t, s.CreateRecord(ctx, "pocket", map[string]int64{"hot": 4}, time.Minute))
	testutil.AssertNoError(t, s.Set(ctx, "cold", "0"))

	// updating an existing key never evicts
	testutil.AssertNoError(t, s.Set(ctx, "hot", "5"))
	testutil.AssertEqual(t, len(removed()), 0)

	testutil.AssertNoError(t, s.Set(ctx, "new", "1"))
	testutil.AssertNoError(t, s.Set(ctx, "newer", "1"))
	testutil.AssertNoError(t, s.Set(ctx, "newest", "1"))
	testutil.AssertEqual(t, s.Len(), 3)

	got := removed()
	testutil.AssertEqual(t, len(got), 3)
	testutil.AssertEqual(t, got[0], "cold/evicted")
	testutil.AssertEqual(t, got[1], "hot/evicted")
	testutil.AssertEqual(t, got[2], "new/evicted")
	testutil.AssertEqual(t, promtest.ToFloat64(m.KeysRemoved.WithLabelValues(keyspace.ReasonEvicted)), float64(3))

	typ, err := s.Type(ctx, "pocket")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, typ, keyspace.TypeRecord)
}

func TestEviction_RecordsClosestToExpiryFirst(t *testing.T) {
	s, _, _ := newTestStore(t, 2)
	ctx := context.Background()
	removed := evictionLog(s)

	testutil.AssertNoError(t, s.CreateRecord(ctx, "late", map[string]int64{"x": 1}, time.Hour))
	testutil.AssertNoError(t, s.CreateRecord(ctx, "soon", map[string]int64{"x": 1}, time.Minute))
	testutil.AssertNoError(t, s.CreateRecord(ctx, "third", map[string]int64{"x": 1}, 2*time.Hour))

	got := removed()
	testutil.AssertEqual(t, len(got), 1)
	testutil.AssertEqual(t, got[0], "soon/evicted")
}

func TestEviction_PrefersExpiredKeys(t *testing.T) {
	s, clk, m := newTestStore(t, 2)
	ctx := context.Background()
	removed := evictionLog(s)

	testutil.AssertNoError(t, s.Set(ctx, "zero", "0"))
	testutil.AssertNoError(t, s.CreateRecord(ctx, "p", map[string]int64{"x": 1}, time.Second))
	clk.Advance(2 * time.Second)

	testutil.AssertNoError(t, s.Set(ctx, "n", "1"))
	got := removed()
	testutil.AssertEqual(t, len(got), 1)
	testutil.AssertEqual(t, got[0], "p/expired")
	testutil.AssertEqual(t, promtest.ToFloat64(m.KeysRemoved.WithLabelValues(keyspace.ReasonExpired)), float64(1))
}

func TestListenerMayReenterStore(t *testing.T) {
	s, clk, _ := newTestStore(t, 0)
	ctx := context.Background()

	s.OnRemove(func(ctx context.Context, key, _ string) {
		_ = s.Set(ctx, "seen:"+key, "1")
	})

	testutil.AssertNoError(t, s.CreateRecord(ctx, "p", map[string]int64{"x": 1}, time.Second))
	clk.Advance(time.Second)
	s.Sweep(ctx)

	v, err := s.Get(ctx, "seen:p")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, "1")
}

func TestConcurrentAddCounter(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	ctx := context.Background()

	const goroutines, perG = 8, 250
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				_, _, _ = s.AddCounter(ctx, "c", 1)
			}
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, "c")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, "2000")
}
