package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chewytask/eventbus"
	"chewytask/internal/supervisor"
	logx "chewytask/pkg/logx"
)

type submission struct {
	inv        Invocation
	h          *Handle
	enqueuedAt time.Time
}

// Pool executes invocations on a bounded set of worker goroutines sharing
// process memory.
type Pool struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan submission
	stopCh chan struct{}
	sup    *supervisor.Supervisor

	// runCtx is the base context for invocations. It is canceled only when a
	// caller gives up on draining (wait=false or shutdown deadline exceeded);
	// in-flight work is never forcibly killed, only cooperatively canceled.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu       sync.Mutex
	stopping bool
	stopped  bool
	stopDone chan struct{}

	inFlight  atomic.Int32
	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	// Throttles queue-full warnings so a saturated pool doesn't spam logs.
	fullWarn *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

var _ Executor = (*Pool)(nil)

// NewPool builds and starts a goroutine-backed executor.
func NewPool(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		q:         make(chan submission, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
		fullWarn:  rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	p.sup = supervisor.New(context.Background(), supervisor.WithLogger(log.With(logx.String("comp", "executor"))))
	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		p.sup.Go(name, func(ctx context.Context) error {
			p.worker(ctx)
			return nil
		})
	}
	log.Info("executor started", logx.String("kind", string(KindPool)), logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	return p
}

func (p *Pool) prepare(inv Invocation) (*Handle, error) {
	if inv.Fn == nil {
		return nil, fmt.Errorf("invocation callable is nil")
	}
	name := strings.TrimSpace(inv.Name)
	if name == "" {
		return nil, fmt.Errorf("invocation name required")
	}

	p.mu.Lock()
	stopped, stopping := p.stopped, p.stopping
	p.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	if stopping {
		return nil, ErrStopping
	}
	return newHandle(name), nil
}

// Submit blocks until the invocation is accepted, ctx is canceled, or the
// pool stops.
func (p *Pool) Submit(ctx context.Context, inv Invocation) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := p.prepare(inv)
	if err != nil {
		return nil, err
	}
	select {
	case p.q <- submission{inv: inv, h: h, enqueuedAt: time.Now()}:
		p.submitted.Add(1)
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, ErrStopping
	}
}

// Enqueue accepts the invocation without blocking, or fails with ErrQueueFull.
func (p *Pool) Enqueue(inv Invocation) (*Handle, error) {
	h, err := p.prepare(inv)
	if err != nil {
		return nil, err
	}
	select {
	case p.q <- submission{inv: inv, h: h, enqueuedAt: time.Now()}:
		p.submitted.Add(1)
		return h, nil
	default:
		p.dropped.Add(1)
		if p.fullWarn.Allow() {
			p.log.Warn("invocation dropped: queue full",
				logx.String("task", inv.Name),
				logx.Int("queue_len", len(p.q)),
				logx.Int("queue_cap", cap(p.q)),
				logx.Uint64("dropped", p.dropped.Load()))
		}
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Data: eventbus.TaskEvent{Task: inv.Name, Error: "queue_full"}})
		}
		return nil, ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case sub := <-p.q:
			p.execOne(sub)
		}
	}
}

func (p *Pool) execOne(sub submission) {
	start := time.Now()
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	p.log.Debug("task.started", logx.String("task", sub.inv.Name), logx.String("id", sub.h.ID()), logx.Duration("queue_delay", start.Sub(sub.enqueuedAt)))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Time: start, Data: eventbus.TaskEvent{ID: sub.h.ID(), Task: sub.inv.Name, Started: start}})
	}

	runCtx := p.runCtx
	var cancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, p.cfg.TaskTimeout)
	}

	// Callable errors and panics are captured into the handle; one bad task
	// can't kill a worker or the pool.
	value, err := func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		return sub.inv.Fn(runCtx, sub.inv.Args...)
	}()
	if cancel != nil {
		cancel()
	}

	p.settle(sub, start, value, err)
}

func (p *Pool) settle(sub submission, start time.Time, value any, err error) {
	dur := time.Since(start)
	item := HistoryItem{ID: sub.h.ID(), Task: sub.inv.Name, Started: start, Duration: dur}

	if err != nil {
		terr := &TaskError{Task: sub.inv.Name, ID: sub.h.ID(), Err: err}
		sub.h.fail(terr)
		p.failed.Add(1)
		item.Error = err.Error()
		fields := []logx.Field{logx.String("task", sub.inv.Name), logx.String("id", sub.h.ID()), logx.Duration("dur", dur), logx.Err(err)}
		if pe, ok := err.(*PanicError); ok {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		p.log.Warn("task.failed", fields...)
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: eventbus.TaskEvent{ID: sub.h.ID(), Task: sub.inv.Name, Started: start, Duration: dur, Error: item.Error}})
		}
	} else {
		sub.h.succeed(value)
		p.succeeded.Add(1)
		p.log.Debug("task.completed", logx.String("task", sub.inv.Name), logx.String("id", sub.h.ID()), logx.Duration("dur", dur))
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskSucceeded, Data: eventbus.TaskEvent{ID: sub.h.ID(), Task: sub.inv.Name, Started: start, Duration: dur}})
		}
	}

	p.recordHistory(item)
}

func (p *Pool) recordHistory(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > historySize {
		p.history = p.history[len(p.history)-historySize:]
	}
	p.hmu.Unlock()
}

// Shutdown stops accepting new work. Workers finish their current invocation
// and exit; anything still queued is failed with ErrStopped so every accepted
// handle reaches a terminal state.
func (p *Pool) Shutdown(ctx context.Context, wait bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	if !p.stopping {
		p.stopping = true
		p.stopDone = make(chan struct{})
		close(p.stopCh)
		go p.finish()
	}
	done := p.stopDone
	p.mu.Unlock()

	if !wait {
		// Cooperative cancel for in-flight work; the finish goroutine keeps
		// settling handles in the background.
		p.runCancel()
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.runCancel()
		p.log.Warn("executor shutdown timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (p *Pool) finish() {
	// Wait unbounded in the background; Shutdown callers bound their own wait.
	_ = p.sup.Wait(context.Background())

	// Fail whatever never reached a worker.
	for {
		select {
		case sub := <-p.q:
			sub.h.fail(&TaskError{Task: sub.inv.Name, ID: sub.h.ID(), Err: ErrStopped})
			p.failed.Add(1)
		default:
			p.mu.Lock()
			p.stopped = true
			done := p.stopDone
			p.mu.Unlock()
			close(done)
			p.log.Info("executor stopped", logx.String("kind", string(KindPool)))
			return
		}
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Kind:      KindPool,
		Workers:   p.cfg.Workers,
		QueueLen:  len(p.q),
		QueueCap:  cap(p.q),
		InFlight:  int(p.inFlight.Load()),
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		History:   h,
	}
}
