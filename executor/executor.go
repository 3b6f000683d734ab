// Package executor turns callables into awaitable results on a worker pool.
//
// Two concrete executors are provided: Pool runs work on worker goroutines
// sharing process memory, ProcPool runs work in child worker processes for
// isolation. Both capture task errors and panics into the returned Handle;
// a failing task never propagates into the pool machinery.
package executor

import (
	"context"
	"runtime"
	"time"

	"chewytask/eventbus"
	logx "chewytask/pkg/logx"
)

// Func is a unit of work. Args are the values passed to Submit/Enqueue.
type Func func(ctx context.Context, args ...any) (any, error)

// Invocation is one request to run a callable.
//
// Pool executors call Fn directly. Process executors ignore Fn and resolve
// Name through the function registry on the worker side, so Name must be
// registered (see RegisterFunc) and Args must survive JSON encoding.
type Invocation struct {
	Name string
	Fn   Func
	Args []any
}

// Executor accepts invocations and returns handles.
//
// Submit blocks for backpressure until the invocation is accepted, ctx is
// canceled, or the executor stops. Enqueue never blocks; it returns
// ErrQueueFull when the executor is saturated.
type Executor interface {
	Submit(ctx context.Context, inv Invocation) (*Handle, error)
	Enqueue(inv Invocation) (*Handle, error)

	// Shutdown stops accepting new work. With wait=true it blocks (bounded by
	// ctx) until all accepted work has reached a terminal state; with
	// wait=false it returns promptly.
	Shutdown(ctx context.Context, wait bool) error

	// Snapshot is a lightweight view for diagnostics.
	Snapshot() Snapshot
}

// Kind selects the executor implementation.
type Kind string

const (
	// KindPool runs work on goroutines sharing process memory ("thread" mode).
	// Suited to I/O-bound callables; arguments are passed by reference.
	KindPool Kind = "pool"
	// KindProcess runs work in child worker processes. Callables must be
	// registered by name and arguments must be JSON-transferable.
	KindProcess Kind = "process"
)

// Config controls an executor built by New.
type Config struct {
	Kind    Kind
	Workers int

	// QueueSize bounds the number of accepted-but-not-started invocations.
	QueueSize int

	// TaskTimeout bounds a single invocation; 0 disables the per-task deadline.
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindPool
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// New builds an executor of the configured kind.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (Executor, error) {
	cfg = cfg.withDefaults()
	switch cfg.Kind {
	case KindPool:
		return NewPool(cfg, log, bus), nil
	case KindProcess:
		return NewProcPool(cfg, log, bus)
	default:
		return nil, errUnknownKind(cfg.Kind)
	}
}

// Snapshot is a point-in-time view of an executor for diagnostics.
type Snapshot struct {
	Kind     Kind
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Submitted uint64
	Succeeded uint64
	Failed    uint64
	Dropped   uint64

	History []HistoryItem
}

// HistoryItem records one finished invocation in the bounded in-memory ring.
type HistoryItem struct {
	ID       string
	Task     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

const historySize = 200
