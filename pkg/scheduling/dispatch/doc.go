// Package dispatch runs tasks one at a time on a single goroutine.
//
// The decay engine relies on a serial executor: commands, timer fires and
// delete notifications must never interleave. A Dispatcher provides that
// without locks in the engine itself.
//
// Submit queues a task and returns immediately. Do queues a task and waits
// for its result. A task may call Do or Submit on its own dispatcher: Do
// then runs the nested task inline, and Submit defers it until the current
// task returns, so a task can never deadlock against the loop it runs on.
//
// Basic usage:
//
//	d := dispatch.New(1024)
//	defer func() { <-d.Shutdown() }()
//
//	err := d.Do(ctx, dispatch.TaskFunc(func(ctx context.Context) error {
//		return engine.apply(ctx)
//	}))
//
// Panics inside tasks are recovered, counted and reported to PanicHandler;
// the loop keeps running.
package dispatch
