/*
Package scheduling holds the execution primitives the decay engine runs on.

  - dispatch: a single serial loop. Every engine operation and every fired
    timer runs on it, one at a time.
  - timer: one-shot timers in a min-heap plus cron jobs. Due work is handed
    to a dispatcher rather than run on the timer goroutine.

Wiring them together:

	d := dispatch.New(1024)
	defer func() { <-d.Shutdown() }()

	tm, _ := timer.New(timer.Config{Submitter: d})
	_ = tm.Start()
	defer func() { <-tm.Stop() }()

	tm.Schedule(5*time.Second, dispatch.TaskFunc(func(ctx context.Context) error {
		// runs on the dispatcher loop
		return nil
	}))
*/
package scheduling
