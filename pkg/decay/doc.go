// Package decay implements decaying counters.
//
// Every hit increments a counter and schedules a matching decrement for
// when the hit's window ends, so a counter always reads as the number of
// hits seen within the last window.
//
// Two strategies schedule the decrements:
//
//   - Pocket (the default). Decrements due at the same second, rounded up
//     to the configured granularity, are collected in one pocket record
//     under one timer. The number of timers is bounded by the number of
//     distinct due instants, not by traffic.
//   - Bucket. Each counter gets its own record and timer for the window
//     its first hit opened. Records carry a generation so a late timer
//     never drains a newer record.
//
// All keys written by an Engine carry its Node hash tag:
//
//	lbucket:captcha:{lbucket-42}:login:10.0.0.1
//	lbucket:pocket:{lbucket-42}:1700000060
//	lbucket:bucket:{lbucket-42}:login:10.0.0.1
//
// The Engine runs every command, timer fire and removal notification on a
// single dispatch.Dispatcher, so the components in this package need no
// locking of their own.
//
// Basic usage:
//
//	e, err := decay.New(decay.Config{KeySpace: memory.New()})
//	if err != nil {
//		return err
//	}
//	if err := e.Start(); err != nil {
//		return err
//	}
//	defer e.Close()
//
//	_ = e.Count(ctx, "login:10.0.0.1", 60)
//	n, _ := e.Get(ctx, "login:10.0.0.1")
//
// Decay is best effort. A decrement whose counter was deleted is dropped,
// and a pocket lost to eviction leaves its hits counted until the counter
// itself goes away.
package decay
