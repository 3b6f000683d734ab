package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the lifecycle of a Handle. Exactly one terminal transition happens
// per handle; querying after that returns the stored outcome.
type State int32

const (
	StatePending State = iota
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle represents an in-flight or completed invocation.
//
// It is safe to share across goroutines; any number of callers may block on
// Result or select on Done.
type Handle struct {
	id   string
	task string

	state atomic.Int32
	once  sync.Once
	done  chan struct{}

	// value/err are written once before done is closed, then immutable.
	value any
	err   error
}

func newHandle(task string) *Handle {
	return &Handle{
		id:   uuid.NewString(),
		task: task,
		done: make(chan struct{}),
	}
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Task() string { return h.task }

func (h *Handle) State() State { return State(h.state.Load()) }

// Done is closed when the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result blocks until the invocation reaches a terminal state or ctx expires.
//
// A ctx timeout returns ctx.Err() to this caller only; it does not cancel the
// underlying work, which may still complete (its outcome stays on the handle).
func (h *Handle) Result(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome returns the stored result without blocking. ok is false while the
// handle is still pending.
func (h *Handle) Outcome() (value any, err error, ok bool) {
	select {
	case <-h.done:
		return h.value, h.err, true
	default:
		return nil, nil, false
	}
}

func (h *Handle) succeed(v any) {
	h.once.Do(func() {
		h.value = v
		h.state.Store(int32(StateSucceeded))
		close(h.done)
	})
}

func (h *Handle) fail(err error) {
	h.once.Do(func() {
		h.err = err
		h.state.Store(int32(StateFailed))
		close(h.done)
	})
}
