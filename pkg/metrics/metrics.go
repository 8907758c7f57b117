package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared by the engine and its collaborators.
const (
	StrategyPocket = "pocket"
	StrategyBucket = "bucket"

	OutcomeApplied = "applied"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"

	ReasonExpired = "expired"
	ReasonEvicted = "evicted"
	ReasonDeleted = "deleted"
)

// Registry holds all metric instances for lbucket components.
type Registry struct {
	// Decay engine
	Hits            *prometheus.CounterVec
	TimersScheduled *prometheus.CounterVec
	PocketsCreated  prometheus.Counter
	PocketsFired    prometheus.Counter
	PocketsMissing  prometheus.Counter
	Decrements      *prometheus.CounterVec
	FireDuration    *prometheus.HistogramVec
	BucketEvictions prometheus.Counter
	CommandErrors   *prometheus.CounterVec

	// Scheduling
	DispatchQueued prometheus.Gauge
	DispatchPanics prometheus.Counter
	TimersPending  prometheus.Gauge
	CronRuns       *prometheus.CounterVec

	// Key space
	KeysRemoved *prometheus.CounterVec

	// HTTP API
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	HTTPInflight     prometheus.Gauge
	RateLimitDenied  prometheus.Counter
	RateLimitClients prometheus.Gauge
}

// DefaultRegistry is shared by components constructed without an explicit
// registry so repeated construction does not panic on duplicate registration.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a metrics registry registered with reg under the
// default namespace.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return NewRegistryWithConfig(Config{Enabled: true, Registry: reg})
}

// NewRegistryWithConfig creates a metrics registry honoring cfg.
func NewRegistryWithConfig(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	factory := promauto.With(cfg.Registry)
	ns := cfg.Namespace
	labels := cfg.Labels

	return &Registry{
		Hits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "decay",
				Name:        "hits_total",
				Help:        "Total number of counted hits",
				ConstLabels: labels,
			},
			[]string{"strategy"},
		),

		TimersScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "decay",
				Name:        "timers_scheduled_total",
				Help:        "Total number of decay timers scheduled",
				ConstLabels: labels,
			},
			[]string{"strategy"},
		),

		PocketsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "decay",
				Name:        "pockets_created_total",
				Help:        "Total number of pockets created",
				ConstLabels: labels,
			},
		),

		PocketsFired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "decay",
				Name:        "pockets_fired_total",
				Help:        "Total number of pockets drained by their timer",
				ConstLabels: labels,
			},
		),

		PocketsMissing: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "decay",
				Name:        "pockets_missing_total",
				Help:        "Timer fires that found no pocket record",
				ConstLabels: labels,
			},
		),

		Decrements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "decay",
				Name:        "decrements_total",
				Help:        "Pending decrements processed at fire time, by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),

		FireDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   "decay",
				Name:        "fire_duration_seconds",
				Help:        "Time spent draining a pocket or bucket",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"strategy"},
		),

		BucketEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "decay",
				Name:        "bucket_evictions_total",
				Help:        "Bucket records removed before their timer fired",
				ConstLabels: labels,
			},
		),

		CommandErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "command",
				Name:        "errors_total",
				Help:        "Total number of failed commands",
				ConstLabels: labels,
			},
			[]string{"command"},
		),

		DispatchQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "dispatch",
				Name:        "queued_tasks",
				Help:        "Number of tasks waiting for the dispatcher",
				ConstLabels: labels,
			},
		),

		DispatchPanics: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "dispatch",
				Name:        "panics_total",
				Help:        "Tasks that panicked inside the dispatcher",
				ConstLabels: labels,
			},
		),

		TimersPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "timer",
				Name:        "pending",
				Help:        "Number of one-shot timers not yet fired",
				ConstLabels: labels,
			},
		),

		CronRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "timer",
				Name:        "cron_runs_total",
				Help:        "Total number of repeating job runs",
				ConstLabels: labels,
			},
			[]string{"job"},
		),

		KeysRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "keyspace",
				Name:        "keys_removed_total",
				Help:        "Keys removed from the key space, by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "http",
				Name:        "requests_total",
				Help:        "Total number of API requests",
				ConstLabels: labels,
			},
			[]string{"method", "route", "code"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   "http",
				Name:        "request_duration_seconds",
				Help:        "API request latency",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"method", "route"},
		),

		HTTPInflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "http",
				Name:        "inflight_requests",
				Help:        "API requests currently being served",
				ConstLabels: labels,
			},
		),

		RateLimitDenied: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "denied_total",
				Help:        "API requests rejected by the per-client limiter",
				ConstLabels: labels,
			},
		),

		RateLimitClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "ratelimit",
				Name:        "tracked_clients",
				Help:        "Clients with a live limiter",
				ConstLabels: labels,
			},
		),
	}
}
