package decay

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/log"
	"github.com/vnykmshr/lbucket/pkg/keyspace"
	"github.com/vnykmshr/lbucket/pkg/metrics"
	"github.com/vnykmshr/lbucket/pkg/scheduling/dispatch"
)

// FireReport summarizes one pocket drain.
type FireReport struct {
	Instant int64
	Found   bool
	Applied int
	Dropped int
	Failed  int
}

// DecayScheduler drains pockets when their timer fires.
type DecayScheduler struct {
	ks       keyspace.KeySpace
	node     Node
	registry *PocketRegistry
	counters *CounterStore
	tracer   trace.Tracer
	metrics  *metrics.Registry
	logger   log.Logger
}

// fireTask is the timer payload: a copy of the instant, nothing else.
type fireTask struct {
	s       *DecayScheduler
	instant int64
}

func (t fireTask) Execute(ctx context.Context) error {
	t.s.Fire(ctx, t.instant)
	return nil
}

// Task returns the timer task that fires the pocket for instant.
func (s *DecayScheduler) Task(instant int64) dispatch.Task {
	return fireTask{s: s, instant: instant}
}

// Fire applies every pending decrement of the pocket for instant and then
// deletes the pocket. A missing pocket is a no-op. Counters that no longer
// exist are skipped. Failed entries are logged and do not stop the rest.
func (s *DecayScheduler) Fire(ctx context.Context, instant int64) FireReport {
	ctx, span := s.tracer.Start(ctx, "decay.fire", trace.WithAttributes(attribute.Int64("lbucket.instant", instant)))
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.FireDuration.WithLabelValues(metrics.StrategyPocket).Observe(time.Since(start).Seconds())
	}()

	report := FireReport{Instant: instant}
	key := s.node.PocketKey(instant)

	p, err := s.registry.Load(ctx, instant)
	switch {
	case errors.Is(err, lberrors.ErrNotFound):
		s.metrics.PocketsMissing.Inc()
		s.logger.Warn(ctx, "pocket not found, nothing to decay", "instant", instant)
		return report
	case err != nil:
		// unreadable pockets are deleted too
		s.logger.Error(ctx, err, "load pocket", "instant", instant)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load pocket")
		s.deletePocket(ctx, key)
		return report
	}
	report.Found = true
	s.metrics.PocketsFired.Inc()

	names := make([]string, 0, len(p.Decrements))
	for name := range p.Decrements {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := p.Decrements[name]
		if n <= 0 {
			continue
		}
		existed, err := s.counters.Decrement(ctx, name, n)
		switch {
		case err != nil:
			report.Failed++
			s.metrics.Decrements.WithLabelValues(metrics.OutcomeFailed).Add(float64(n))
			s.logger.Error(ctx, err, "apply decrement", "counter", name, "count", n, "instant", instant)
		case !existed:
			report.Dropped++
			s.metrics.Decrements.WithLabelValues(metrics.OutcomeDropped).Add(float64(n))
			s.logger.Debug(ctx, "counter gone, decrement dropped", "counter", name, "count", n)
		default:
			report.Applied++
			s.metrics.Decrements.WithLabelValues(metrics.OutcomeApplied).Add(float64(n))
		}
	}

	s.deletePocket(ctx, key)
	span.SetAttributes(
		attribute.Int("lbucket.applied", report.Applied),
		attribute.Int("lbucket.dropped", report.Dropped),
		attribute.Int("lbucket.failed", report.Failed),
	)
	if report.Failed > 0 {
		span.SetStatus(codes.Error, "some decrements failed")
	}
	return report
}

func (s *DecayScheduler) deletePocket(ctx context.Context, key string) {
	if _, err := s.ks.Delete(ctx, key); err != nil {
		s.logger.Error(ctx, err, "delete pocket", "key", key)
	}
}
