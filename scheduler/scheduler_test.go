package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chewytask/executor"
	logx "chewytask/pkg/logx"
	"chewytask/schedule"
)

// fakeExec records dispatch order without running anything, so loop behavior
// can be asserted deterministically.
type fakeExec struct {
	mu    sync.Mutex
	names []string

	failWith error
	shutWait atomic.Bool
	shutdown atomic.Bool
}

func (f *fakeExec) Submit(ctx context.Context, inv executor.Invocation) (*executor.Handle, error) {
	return f.Enqueue(inv)
}

func (f *fakeExec) Enqueue(inv executor.Invocation) (*executor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.names = append(f.names, inv.Name)
	return nil, nil
}

func (f *fakeExec) Shutdown(ctx context.Context, wait bool) error {
	f.shutdown.Store(true)
	f.shutWait.Store(wait)
	return nil
}

func (f *fakeExec) Snapshot() executor.Snapshot {
	return executor.Snapshot{Kind: "fake"}
}

func (f *fakeExec) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

func noop(ctx context.Context, args ...any) (any, error) { return nil, nil }

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *fakeExec) {
	t.Helper()
	fe := &fakeExec{}
	s := New(cfg, fe, logx.Nop(), nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background(), true) })
	return s, fe
}

func TestSchedulerIntervalRunCount(t *testing.T) {
	t.Parallel()
	s, fe := newTestScheduler(t, Config{MaxPollInterval: 10 * time.Millisecond})

	// 50ms interval observed for 260ms: immediate fire plus 5 ticks, with the
	// last tick racing the stop. Expect 5 or 6 dispatches.
	e, err := s.Add("tick", schedule.MustInterval(50*time.Millisecond), noop)
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	time.Sleep(260 * time.Millisecond)
	if err := s.Shutdown(context.Background(), true); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	got := len(fe.dispatched())
	if got < 5 || got > 6 {
		t.Fatalf("dispatched %d times, want 5 or 6", got)
	}
	if rc := e.RunCount(); rc != uint64(got) {
		t.Fatalf("RunCount = %d, want %d", rc, got)
	}
}

func TestSchedulerFirstFireIsImmediate(t *testing.T) {
	t.Parallel()
	s, fe := newTestScheduler(t, Config{MaxPollInterval: 10 * time.Millisecond})

	if _, err := s.Add("immediate", schedule.MustInterval(time.Hour), noop); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(fe.dispatched()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first fire did not happen promptly")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The hour-long interval means exactly one dispatch.
	time.Sleep(50 * time.Millisecond)
	if got := fe.dispatched(); len(got) != 1 {
		t.Fatalf("dispatched = %v, want exactly one", got)
	}
}

func TestSchedulerRegistrationOrderOnTie(t *testing.T) {
	t.Parallel()
	s, fe := newTestScheduler(t, Config{MaxPollInterval: 10 * time.Millisecond})

	// Same interval, registered a/b/c: every wave must dispatch in that order.
	for _, name := range []string{"a", "b", "c"} {
		if _, err := s.Add(name, schedule.MustInterval(30*time.Millisecond), noop); err != nil {
			t.Fatalf("Add(%s) error: %v", name, err)
		}
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := s.Shutdown(context.Background(), true); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	got := fe.dispatched()
	if len(got) < 3 || len(got)%3 != 0 {
		t.Fatalf("dispatched = %v, want complete a/b/c waves", got)
	}
	for i := 0; i < len(got); i += 3 {
		if got[i] != "a" || got[i+1] != "b" || got[i+2] != "c" {
			t.Fatalf("wave %d = %v, want [a b c]", i/3, got[i:i+3])
		}
	}
}

func TestSchedulerDispatchFailureDoesNotKillLoop(t *testing.T) {
	t.Parallel()
	fe := &fakeExec{failWith: executor.ErrQueueFull}
	s := New(Config{MaxPollInterval: 10 * time.Millisecond}, fe, logx.Nop(), nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background(), true) })

	if _, err := s.Add("doomed", schedule.MustInterval(20*time.Millisecond), noop); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if !s.Running() {
		t.Fatal("loop died after dispatch failures")
	}

	// Executor recovers; dispatches resume.
	fe.mu.Lock()
	fe.failWith = nil
	fe.mu.Unlock()
	time.Sleep(80 * time.Millisecond)
	if len(fe.dispatched()) == 0 {
		t.Fatal("no dispatches after executor recovered")
	}
}

func TestSchedulerLiveRegistration(t *testing.T) {
	t.Parallel()
	s, fe := newTestScheduler(t, Config{MaxPollInterval: 10 * time.Millisecond})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := s.Add("late", schedule.MustInterval(time.Hour), noop); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(fe.dispatched()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("live-registered entry never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	t.Parallel()
	s, fe := newTestScheduler(t, Config{MaxPollInterval: 10 * time.Millisecond})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start error = %v, want ErrAlreadyStarted", err)
	}

	if err := s.Shutdown(context.Background(), true); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if !fe.shutdown.Load() || !fe.shutWait.Load() {
		t.Fatal("executor shutdown not propagated with wait=true")
	}

	// Terminal: no restart, no new registrations.
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after stop error = %v, want ErrStopped", err)
	}
	if _, err := s.Add("late", schedule.MustInterval(time.Second), noop); !errors.Is(err, ErrStopped) {
		t.Fatalf("Add after stop error = %v, want ErrStopped", err)
	}
	if err := s.Shutdown(context.Background(), true); err != nil {
		t.Fatalf("repeat Shutdown error: %v", err)
	}
}

func TestSchedulerShutdownWithoutStart(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Config{})
	if err := s.Shutdown(context.Background(), true); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if s.Running() {
		t.Fatal("scheduler running after shutdown")
	}
}

func TestSchedulerRunBlocksUntilContextCancel(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Config{MaxPollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Running() {
		t.Fatal("scheduler still running after Run returned")
	}
}

func TestSchedulerSnapshot(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Config{MaxPollInterval: 10 * time.Millisecond})

	if _, err := s.Add("job", schedule.MustInterval(time.Hour), noop, "arg1"); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	snap := s.Snapshot()
	if snap.Running {
		t.Fatal("Running before start")
	}
	if len(snap.Entries) != 1 {
		t.Fatalf("Entries = %d, want 1", len(snap.Entries))
	}
	e := snap.Entries[0]
	if e.Task != "job" || e.ID == "" || e.NextRun.IsZero() {
		t.Fatalf("entry snapshot incomplete: %+v", e)
	}
}
