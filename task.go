package chewytask

import (
	"context"

	"chewytask/executor"
)

// Task is a named callable registered with an App. It can be fired on demand
// with Delay and, when registered with a rule, runs on schedule as well.
type Task struct {
	app  *App
	name string
	fn   executor.Func
}

func (t *Task) Name() string { return t.name }

// Delay submits one run of the task and returns its handle. It fails with
// ErrExecutorNotReady until the app has started; concurrent calls are safe
// and each returns its own handle.
func (t *Task) Delay(args ...any) (*executor.Handle, error) {
	return t.DelayContext(context.Background(), args...)
}

// DelayContext is Delay with a caller-supplied context bounding the wait for
// queue space.
func (t *Task) DelayContext(ctx context.Context, args ...any) (*executor.Handle, error) {
	exec := t.app.currentExecutor()
	if exec == nil {
		return nil, ErrExecutorNotReady
	}
	return exec.Submit(ctx, executor.Invocation{Name: t.name, Fn: t.fn, Args: args})
}
