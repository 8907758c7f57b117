// Package timer schedules one-shot and repeating tasks onto a dispatcher.
//
// One-shot timers are kept in a min-heap ordered by due time, then by
// scheduling order, and are never cancelled: the decay engine's tasks
// re-check their state when they run. A ticker loop hands due tasks to a
// Submitter, usually a dispatch.Dispatcher, so timer work is serialized
// with everything else the dispatcher runs.
//
// Repeating jobs use cron expressions parsed by robfig/cron, with an
// optional leading seconds field and descriptors such as "@every 1s".
//
//	svc, _ := timer.New(timer.Config{Submitter: dispatcher})
//	_ = svc.Start()
//	defer func() { <-svc.Stop() }()
//
//	svc.Schedule(30*time.Second, fireTask)
//	svc.ScheduleCron("sweep", "@every 1s", sweepTask)
package timer
