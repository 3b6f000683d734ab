package executor

import (
	"errors"
	"fmt"
)

var (
	ErrStopped  = errors.New("executor stopped")
	ErrStopping = errors.New("executor stopping")

	// ErrQueueFull is returned by Enqueue when the executor is saturated.
	ErrQueueFull = errors.New("executor queue full")

	// ErrUnschedulable marks invocations a process executor cannot transfer
	// across the process boundary (unregistered callable or arguments that do
	// not survive JSON encoding). It is raised at submission time, never as a
	// silent hang.
	ErrUnschedulable = errors.New("invocation cannot cross process boundary")
)

func errUnknownKind(k Kind) error {
	return fmt.Errorf("unknown executor kind %q", k)
}

// TaskError is stored in a failed Handle. It wraps the callable's error (or
// a PanicError) with the task identity, so callers can errors.As/Is through it.
type TaskError struct {
	Task string
	ID   string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.Task, e.ID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// PanicError is the failure recorded when a callable panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
