package chewytask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chewytask/eventbus"
	"chewytask/executor"
	logx "chewytask/pkg/logx"
	"chewytask/schedule"
	"chewytask/scheduler"
)

var (
	// ErrInvalidConfig wraps configuration errors detected by New.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("task already registered")
	// ErrExecutorNotReady is returned by Task.Delay before the app has
	// started and bound its executor.
	ErrExecutorNotReady = errors.New("executor not ready: app not started")
)

// Config holds everything an App needs. The zero value is usable.
type Config struct {
	// ExecutorKind selects pool (goroutine) or process workers.
	// Defaults to executor.KindPool.
	ExecutorKind executor.Kind

	// MaxWorkers is the worker count; defaults to runtime.NumCPU().
	MaxWorkers int

	// QueueSize bounds accepted-but-not-started invocations; default 256.
	QueueSize int

	// TaskTimeout bounds a single invocation and the shutdown drain.
	// 0 disables both limits.
	TaskTimeout time.Duration

	// MaxPollInterval caps the scheduler's sleep between wakes; default 1s.
	MaxPollInterval time.Duration

	Logger logx.Logger
	Bus    eventbus.Bus
}

func (c Config) validate() error {
	switch c.ExecutorKind {
	case "", executor.KindPool, executor.KindProcess:
	default:
		return fmt.Errorf("%w: unknown executor kind %q", ErrInvalidConfig, c.ExecutorKind)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("%w: task timeout must not be negative", ErrInvalidConfig)
	}
	if c.MaxPollInterval < 0 {
		return fmt.Errorf("%w: max poll interval must not be negative", ErrInvalidConfig)
	}
	return nil
}

type scheduledSpec struct {
	task string
	rule schedule.Rule
	fn   executor.Func
	args []any
}

// App ties tasks, schedules, the executor and the scheduler together.
//
// Registration happens while the app is idle (and, for scheduled entries,
// while running too); Run or Start then builds the executor and scheduler
// and binds every registered task to them.
type App struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.RWMutex
	tasks   map[string]*Task
	pending []scheduledSpec
	exec    executor.Executor
	sched   *scheduler.Scheduler
}

// New validates cfg and returns an idle App.
func New(cfg Config) (*App, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	return &App{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "app")),
		bus:   bus,
		tasks: map[string]*Task{},
	}, nil
}

// Bus returns the app's event bus for subscribers.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Register adds a named task for on-demand execution via Task.Delay.
// Names are unique across the app.
func (a *App) Register(name string, fn executor.Func) (*Task, error) {
	return a.register(name, fn)
}

// RegisterScheduled adds a named task and schedules it under rule. The task
// can still be triggered on demand through the returned Task. Registration
// while the app is running takes effect on the scheduler's next wake.
func (a *App) RegisterScheduled(name string, rule schedule.Rule, fn executor.Func, args ...any) (*Task, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: schedule rule required", ErrInvalidConfig)
	}
	t, err := a.register(name, fn)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	sched := a.sched
	if sched == nil {
		a.pending = append(a.pending, scheduledSpec{task: name, rule: rule, fn: fn, args: args})
	}
	a.mu.Unlock()

	if sched != nil {
		if _, err := sched.Add(name, rule, fn, args...); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Schedule attaches an additional rule to an already-registered task, so one
// callable can run on several schedules.
func (a *App) Schedule(name string, rule schedule.Rule, args ...any) error {
	if rule == nil {
		return fmt.Errorf("%w: schedule rule required", ErrInvalidConfig)
	}

	a.mu.Lock()
	t, ok := a.tasks[name]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("task %q not registered", name)
	}
	sched := a.sched
	if sched == nil {
		a.pending = append(a.pending, scheduledSpec{task: name, rule: rule, fn: t.fn, args: args})
	}
	a.mu.Unlock()

	if sched != nil {
		if _, err := sched.Add(name, rule, t.fn, args...); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) register(name string, fn executor.Func) (*Task, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: task name required", ErrInvalidConfig)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: task %q has nil callable", ErrInvalidConfig, name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.tasks[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, name)
	}
	t := &Task{app: a, name: name, fn: fn}
	a.tasks[name] = t
	return t, nil
}

// Task looks up a registered task by name.
func (a *App) Task(name string) (*Task, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tasks[name]
	return t, ok
}

// Run builds the executor, binds tasks, and runs the scheduler on the
// calling goroutine until ctx is canceled or Shutdown is called.
func (a *App) Run(ctx context.Context) error {
	sched, err := a.buildRuntime()
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}

// Start is the non-blocking variant of Run.
func (a *App) Start(ctx context.Context) error {
	sched, err := a.buildRuntime()
	if err != nil {
		return err
	}
	return sched.Start(ctx)
}

func (a *App) buildRuntime() (*scheduler.Scheduler, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sched != nil {
		if a.sched.Running() {
			return nil, scheduler.ErrAlreadyStarted
		}
		return nil, scheduler.ErrStopped
	}

	exec, err := executor.New(executor.Config{
		Kind:        a.cfg.ExecutorKind,
		Workers:     a.cfg.MaxWorkers,
		QueueSize:   a.cfg.QueueSize,
		TaskTimeout: a.cfg.TaskTimeout,
	}, a.log.With(logx.String("comp", "executor")), a.bus)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		MaxPollInterval: a.cfg.MaxPollInterval,
		TaskTimeout:     a.cfg.TaskTimeout,
	}, exec, a.log.With(logx.String("comp", "scheduler")), a.bus)

	for _, sp := range a.pending {
		if _, err := sched.Add(sp.task, sp.rule, sp.fn, sp.args...); err != nil {
			_ = exec.Shutdown(context.Background(), false)
			return nil, err
		}
	}
	a.pending = nil
	a.exec = exec
	a.sched = sched
	return sched, nil
}

// Shutdown stops the scheduler and executor. With wait=true it blocks until
// accepted work finished, bounded by Config.TaskTimeout. Shutdown on an app
// that never started is a no-op.
func (a *App) Shutdown(ctx context.Context, wait bool) error {
	a.mu.RLock()
	sched := a.sched
	a.mu.RUnlock()
	if sched == nil {
		return nil
	}
	return sched.Shutdown(ctx, wait)
}

// Snapshot reports app state for diagnostics. Before start only the task
// names are populated.
func (a *App) Snapshot() Snapshot {
	a.mu.RLock()
	names := make([]string, 0, len(a.tasks))
	for name := range a.tasks {
		names = append(names, name)
	}
	sched := a.sched
	a.mu.RUnlock()

	snap := Snapshot{Tasks: names}
	if sched != nil {
		s := sched.Snapshot()
		snap.Started = true
		snap.Scheduler = &s
	}
	return snap
}

// Snapshot is a point-in-time view of an App.
type Snapshot struct {
	Tasks     []string
	Started   bool
	Scheduler *scheduler.Snapshot
}

func (a *App) currentExecutor() executor.Executor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.exec
}
