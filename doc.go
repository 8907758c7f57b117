/*
Package lbucket counts events in sliding windows using counters that decay.

A hit increments a counter immediately and schedules a matching decrement
for when the window has passed, so the counter always holds the number of
hits seen in the last N seconds. Decrements due at the same second share
one "pocket" and one timer; the alternative bucket strategy keeps one
record and timer per counter.

Packages:
  - pkg/decay: the engine, its commands and both decay strategies
  - pkg/keyspace: the storage contract, with memory and Redis backends
  - pkg/scheduling: the serial dispatcher and the timer service
  - pkg/ratelimit: per-client request limiting for the HTTP API
  - pkg/metrics: Prometheus collectors shared by all of the above
  - cmd/lbucketd: the HTTP daemon

Example usage:

	import (
		"github.com/vnykmshr/lbucket/pkg/decay"
		"github.com/vnykmshr/lbucket/pkg/keyspace/memory"
	)

	engine, _ := decay.New(decay.Config{KeySpace: memory.New()})
	_ = engine.Start()
	defer engine.Close()

	_ = engine.Count(ctx, "login:10.0.0.1", 60) // remembered for 60s
	n, _ := engine.Get(ctx, "login:10.0.0.1")
*/
package lbucket
