// Package chewytask is an in-process task scheduler with pluggable executors.
//
// Register named callables with an App, optionally attach a schedule rule
// (fixed interval or cron), then Run. Scheduled entries are dispatched by a
// single loop goroutine; on-demand runs go through Task.Delay and return a
// Handle the caller can wait on. Work executes either on a goroutine pool or
// in child worker processes, selected by Config.ExecutorKind.
//
//	app, _ := chewytask.New(chewytask.Config{Logger: log})
//	t, _ := app.RegisterScheduled("heartbeat", schedule.MustInterval(30*time.Second), beat)
//	go app.Run(ctx)
//	h, _ := t.Delay()            // extra run right now
//	v, err := h.Result(ctx)
package chewytask
