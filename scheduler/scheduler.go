// Package scheduler merges recurring entries into a single wake schedule and
// dispatches due work to an executor.
//
// One loop goroutine owns all entry mutation. Immediate submissions never
// pass through the loop; they go straight to the executor (see Task.Delay),
// so the loop's sleep only has to wake for due entries and shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chewytask/eventbus"
	"chewytask/executor"
	logx "chewytask/pkg/logx"
	"chewytask/schedule"
)

var (
	// ErrAlreadyStarted is returned by Run/Start on a scheduler that is
	// already running.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrStopped is returned once a scheduler has stopped; a stopped
	// scheduler cannot be restarted, build a fresh instance instead.
	ErrStopped = errors.New("scheduler stopped")
)

// Config controls the scheduling loop.
type Config struct {
	// MaxPollInterval caps the loop's sleep so an empty or far-future entry
	// set still re-reads registrations regularly. Default 1s.
	MaxPollInterval time.Duration

	// TaskTimeout bounds the executor drain during Shutdown(wait=true).
	// 0 waits indefinitely.
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = time.Second
	}
	return c
}

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Scheduler owns the entry set and the executor and runs the wake/dispatch
// loop. Lifecycle is idle -> running -> stopped, irreversible.
type Scheduler struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	exec executor.Executor

	mu      sync.Mutex
	entries []*Entry

	state    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	doneCh   chan struct{}

	// Throttles dispatch-failure warnings (e.g. a saturated executor queue).
	dispatchWarn *rate.Limiter
}

// New builds an idle scheduler that will dispatch to exec. The scheduler
// takes ownership of exec and shuts it down as part of its own shutdown.
func New(cfg Config, exec executor.Executor, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:          cfg.withDefaults(),
		log:          log,
		bus:          bus,
		exec:         exec,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		dispatchWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Executor returns the executor this scheduler dispatches to.
func (s *Scheduler) Executor() executor.Executor { return s.exec }

// Add registers a recurring entry. Valid before Start and, because the loop
// re-reads the entry set at the top of each iteration, while running too.
func (s *Scheduler) Add(task string, rule schedule.Rule, fn executor.Func, args ...any) (*Entry, error) {
	if rule == nil {
		return nil, fmt.Errorf("schedule rule required")
	}
	if fn == nil {
		return nil, fmt.Errorf("task callable required")
	}
	if s.state.Load() == stateStopped {
		return nil, ErrStopped
	}

	e := newEntry(task, rule, fn, args, time.Now())

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	s.log.Info("entry registered", logx.String("task", task), logx.String("entry", e.id), logx.String("schedule", fmt.Sprint(rule)), logx.Time("next_run", e.nextRun))
	return e, nil
}

// Run executes the loop on the calling goroutine and returns only after the
// full shutdown protocol has completed. Canceling ctx triggers shutdown
// (this is how an interrupt during blocking mode is wired up).
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.transitionRunning(); err != nil {
		return err
	}
	return s.run(ctx)
}

// Start runs the loop on a background goroutine and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.transitionRunning(); err != nil {
		return err
	}
	go func() { _ = s.run(ctx) }()
	return nil
}

func (s *Scheduler) transitionRunning() error {
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		if s.state.Load() == stateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.loop(ctx)
	// Loop exit (stop request, ctx cancel, or interrupt) always runs the
	// full shutdown protocol so in-flight work is accounted for.
	return s.Shutdown(context.Background(), true)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.doneOnce.Do(func() { close(s.doneCh) })

	s.log.Info("scheduler started", logx.Int("entries", s.entryCount()))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerStarted})
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		now := time.Now()
		due, wakeAt := s.collectDue(now)

		// Dispatch in registration order; ties on due time keep that order.
		for _, e := range due {
			s.dispatch(e, now)
		}

		sleep := s.cfg.MaxPollInterval
		if !wakeAt.IsZero() {
			if d := time.Until(wakeAt); d < sleep {
				sleep = d
			}
		}
		if sleep < 0 {
			sleep = 0
		}

		timer.Reset(sleep)
		select {
		case <-s.stopCh:
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			s.log.Info("scheduler interrupted", logx.Err(ctx.Err()))
			return
		case <-timer.C:
		}
	}
}

// collectDue snapshots due entries and eagerly advances their state so a
// slow task never delays computation of the next wake time. Overlap is
// allowed by design: an entry still running when its next tick arrives is
// dispatched again.
func (s *Scheduler) collectDue(now time.Time) (due []*Entry, wakeAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if !e.nextRun.After(now) {
			due = append(due, e)
			e.lastRun = now
			next := e.rule.Next(now)
			// nextRun must never move backwards.
			if next.After(e.nextRun) {
				e.nextRun = next
			}
			e.runCount.Add(1)
		}
		if wakeAt.IsZero() || e.nextRun.Before(wakeAt) {
			wakeAt = e.nextRun
		}
	}
	return due, wakeAt
}

func (s *Scheduler) dispatch(e *Entry, now time.Time) {
	_, err := s.exec.Enqueue(executor.Invocation{Name: e.task, Fn: e.fn, Args: e.args})
	if err != nil {
		// Submission failures are logged and never fatal to the loop.
		if s.dispatchWarn.Allow() {
			s.log.Warn("entry dispatch failed", logx.String("task", e.task), logx.String("entry", e.id), logx.Err(err))
		}
		return
	}
	s.log.Debug("entry dispatched", logx.String("task", e.task), logx.String("entry", e.id), logx.Time("next_run", e.nextRun))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeEntryDispatched, Time: now, Data: eventbus.EntryEvent{
			EntryID:  e.id,
			Task:     e.task,
			DueAt:    now,
			NextRun:  e.nextRun,
			RunCount: e.runCount.Load(),
		}})
	}
}

// Shutdown requests stop, wakes the sleeping loop promptly, and then shuts
// the executor down. With wait=true it blocks until executor-accepted work
// reached a terminal state, bounded by Config.TaskTimeout.
//
// Shutdown is idempotent and safe to call concurrently; the scheduler is
// terminally stopped afterwards.
func (s *Scheduler) Shutdown(ctx context.Context, wait bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	started := s.state.Load() != stateIdle
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if !started {
			// Loop never ran; nothing else will close doneCh.
			s.doneOnce.Do(func() { close(s.doneCh) })
		}
	})
	<-s.doneCh

	execCtx := ctx
	if wait && s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}
	err := s.exec.Shutdown(execCtx, wait)

	if s.state.Swap(stateStopped) != stateStopped {
		s.log.Info("scheduler stopped")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerStopped})
		}
	}
	return err
}

func (s *Scheduler) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Running reports whether the loop is currently active.
func (s *Scheduler) Running() bool { return s.state.Load() == stateRunning }

// Snapshot is a point-in-time view of the scheduler and its executor.
type Snapshot struct {
	Running  bool
	Entries  []EntryInfo
	Executor executor.Snapshot
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	infos := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		infos = append(infos, EntryInfo{
			ID:       e.id,
			Task:     e.task,
			Rule:     fmt.Sprint(e.rule),
			NextRun:  e.nextRun,
			LastRun:  e.lastRun,
			RunCount: e.runCount.Load(),
		})
	}
	s.mu.Unlock()

	return Snapshot{
		Running:  s.Running(),
		Entries:  infos,
		Executor: s.exec.Snapshot(),
	}
}
