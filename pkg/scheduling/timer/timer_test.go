package timer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/lbucket/internal/testutil"
	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/metrics"
	"github.com/vnykmshr/lbucket/pkg/scheduling/dispatch"
)

// inlineSubmitter runs submitted tasks immediately on the caller.
type inlineSubmitter struct {
	mu   sync.Mutex
	fail error
}

func (s *inlineSubmitter) SubmitWithContext(ctx context.Context, task dispatch.Task) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return task.Execute(ctx)
}

func newTestService(t *testing.T, sub Submitter, clk *testutil.MockClock) (*Service, *metrics.Registry) {
	t.Helper()
	m := metrics.NewRegistry(prometheus.NewRegistry())
	s, err := New(Config{Submitter: sub, Clock: clk, Location: time.UTC, Metrics: m})
	testutil.AssertNoError(t, err)
	return s, m
}

func recorder(mu *sync.Mutex, out *[]string, name string) dispatch.Task {
	return dispatch.TaskFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		*out = append(*out, name)
		return nil
	})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	if !lberrors.IsValidationError(err) {
		t.Fatalf("expected validation error for missing submitter, got %v", err)
	}

	_, err = New(Config{Submitter: &inlineSubmitter{}, TickInterval: -time.Second})
	if !lberrors.IsValidationError(err) {
		t.Fatalf("expected validation error for negative tick, got %v", err)
	}
}

func TestSchedule_EarliestFirst(t *testing.T) {
	clk := testutil.NewMockClockAt(1000)
	s, m := newTestService(t, &inlineSubmitter{}, clk)

	var (
		mu    sync.Mutex
		fired []string
	)
	_, _ = s.Schedule(30*time.Second, recorder(&mu, &fired, "t30"))
	_, _ = s.Schedule(10*time.Second, recorder(&mu, &fired, "t10a"))
	_, _ = s.Schedule(20*time.Second, recorder(&mu, &fired, "t20"))
	_, _ = s.Schedule(10*time.Second, recorder(&mu, &fired, "t10b"))

	testutil.AssertEqual(t, s.Pending(), 4)
	next, ok := s.NextDue()
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, next.Unix(), int64(1010))
	testutil.AssertEqual(t, promtest.ToFloat64(m.TimersPending), float64(4))

	testutil.AssertEqual(t, s.RunDue(context.Background()), 0)

	clk.Advance(10 * time.Second)
	testutil.AssertEqual(t, s.RunDue(context.Background()), 2)

	clk.Advance(time.Minute)
	testutil.AssertEqual(t, s.RunDue(context.Background()), 2)
	testutil.AssertEqual(t, s.Pending(), 0)

	_, ok = s.NextDue()
	testutil.AssertEqual(t, ok, false)

	want := []string{"t10a", "t10b", "t20", "t30"}
	testutil.AssertEqual(t, len(fired), len(want))
	for i := range want {
		testutil.AssertEqual(t, fired[i], want[i])
	}
}

func TestSchedule_FiresOnce(t *testing.T) {
	clk := testutil.NewMockClockAt(1000)
	s, _ := newTestService(t, &inlineSubmitter{}, clk)

	var n int32
	_, err := s.Schedule(time.Second, dispatch.TaskFunc(func(context.Context) error {
		atomic.AddInt32(&n, 1)
		return nil
	}))
	testutil.AssertNoError(t, err)

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		s.RunDue(context.Background())
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&n), int32(1))
}

func TestSchedule_Errors(t *testing.T) {
	sub := &inlineSubmitter{}
	s, err := New(Config{Submitter: sub, Clock: testutil.NewMockClockAt(0), MaxPending: 1,
		Metrics: metrics.NewRegistry(prometheus.NewRegistry())})
	testutil.AssertNoError(t, err)

	_, err = s.Schedule(time.Second, nil)
	testutil.AssertError(t, err)

	_, err = s.Schedule(time.Second, dispatch.TaskFunc(func(context.Context) error { return nil }))
	testutil.AssertNoError(t, err)
	_, err = s.Schedule(time.Second, dispatch.TaskFunc(func(context.Context) error { return nil }))
	testutil.AssertError(t, err)
}

func TestRunDue_SubmitFailureDropsTask(t *testing.T) {
	clk := testutil.NewMockClockAt(0)
	sub := &inlineSubmitter{fail: errors.New("queue closed")}
	s, _ := newTestService(t, sub, clk)

	_, _ = s.Schedule(0, dispatch.TaskFunc(func(context.Context) error { return nil }))
	testutil.AssertEqual(t, s.RunDue(context.Background()), 0)
	testutil.AssertEqual(t, s.Pending(), 0)
}

func TestScheduleCron(t *testing.T) {
	clk := testutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, m := newTestService(t, &inlineSubmitter{}, clk)

	var runs int32
	task := dispatch.TaskFunc(func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	testutil.AssertNoError(t, s.ScheduleCron("sweep", "@every 1s", task))
	testutil.AssertError(t, s.ScheduleCron("sweep", "@every 1s", task))

	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		s.RunDue(context.Background())
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&runs), int32(3))
	testutil.AssertEqual(t, promtest.ToFloat64(m.CronRuns.WithLabelValues("sweep")), float64(3))

	// five-field expressions are accepted too
	testutil.AssertNoError(t, s.ScheduleCron("hourly", "0 * * * *", task))
}

func TestScheduleCron_Validation(t *testing.T) {
	s, _ := newTestService(t, &inlineSubmitter{}, testutil.NewMockClockAt(0))
	task := dispatch.TaskFunc(func(context.Context) error { return nil })

	tests := []struct {
		name string
		job  string
		expr string
	}{
		{"empty name", "", "@every 1s"},
		{"empty expression", "job", ""},
		{"garbage expression", "job", "every second please"},
		{"too many fields", "job", "* * * * * * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ScheduleCron(tt.job, tt.expr, task)
			if !lberrors.IsValidationError(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
	testutil.AssertError(t, s.ScheduleCron("job", "@every 1s", nil))
}

func TestStartStop_WithDispatcher(t *testing.T) {
	d, err := dispatch.NewWithConfig(dispatch.Config{Metrics: metrics.NewRegistry(prometheus.NewRegistry())})
	testutil.AssertNoError(t, err)
	defer func() { <-d.Shutdown() }()

	s, err := New(Config{
		Submitter:    d,
		TickInterval: 5 * time.Millisecond,
		Metrics:      metrics.NewRegistry(prometheus.NewRegistry()),
	})
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, s.Start())
	testutil.AssertError(t, s.Start())

	var fired int32
	_, err = s.Schedule(20*time.Millisecond, dispatch.TaskFunc(func(ctx context.Context) error {
		if !d.InLoop(ctx) {
			t.Error("timer tasks should run on the dispatcher")
		}
		atomic.AddInt32(&fired, 1)
		return nil
	}))
	testutil.AssertNoError(t, err)

	testutil.WaitForInt32(t, &fired, 1, time.Second)
	<-s.Stop()
	<-s.Stop()

	// restart after stop
	testutil.AssertNoError(t, s.Start())
	<-s.Stop()
}
