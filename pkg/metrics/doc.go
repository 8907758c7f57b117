// Package metrics provides Prometheus instrumentation for lbucket components.
//
// A Registry groups every collector the decay engine, the dispatcher, the
// timer service and the key spaces update. Construct one per process and hand
// it to each component's Config:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewRegistryWithConfig(metrics.Config{
//		Enabled:  true,
//		Registry: reg,
//		Labels:   prometheus.Labels{"node": "a"},
//	})
//
// Components given no Registry fall back to DefaultRegistry.
//
// # Available Metrics
//
//   - lbucket_decay_hits_total{strategy}
//   - lbucket_decay_timers_scheduled_total{strategy}
//   - lbucket_decay_pockets_created_total
//   - lbucket_decay_pockets_fired_total
//   - lbucket_decay_pockets_missing_total
//   - lbucket_decay_decrements_total{outcome}
//   - lbucket_decay_fire_duration_seconds{strategy}
//   - lbucket_decay_bucket_evictions_total
//   - lbucket_command_errors_total{command}
//   - lbucket_dispatch_queued_tasks
//   - lbucket_dispatch_panics_total
//   - lbucket_timer_pending
//   - lbucket_timer_cron_runs_total{job}
//   - lbucket_keyspace_keys_removed_total{reason}
package metrics
