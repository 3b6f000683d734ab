package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chewytask/eventbus"
	"chewytask/internal/supervisor"
	logx "chewytask/pkg/logx"
)

// ProcPool executes invocations in child worker processes.
//
// Each worker is this same binary re-exec'd with WorkerEnv set (see
// MaybeWorker); requests and results cross the boundary as JSON. Callables
// must be registered via RegisterFunc and arguments must be JSON-encodable;
// anything else fails at submission with ErrUnschedulable. A crashed worker
// fails its in-flight handle and is restarted with backoff.
type ProcPool struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	exe string

	q      chan submission
	stopCh chan struct{}
	sup    *supervisor.Supervisor

	pmu   sync.Mutex
	procs map[int]*exec.Cmd

	mu       sync.Mutex
	stopping bool
	stopped  bool
	stopDone chan struct{}

	inFlight  atomic.Int32
	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	fullWarn *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

var _ Executor = (*ProcPool)(nil)

// NewProcPool builds and starts a process-backed executor.
func NewProcPool(cfg Config, log logx.Logger, bus eventbus.Bus) (*ProcPool, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve worker binary: %w", err)
	}
	p := &ProcPool{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		exe:      exe,
		q:        make(chan submission, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		procs:    map[int]*exec.Cmd{},
		fullWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	p.sup = supervisor.New(context.Background(), supervisor.WithLogger(log.With(logx.String("comp", "procexec"))))
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("procworker.%d", idx)
		p.sup.GoRestart(name, func(ctx context.Context) error {
			return p.runChild(ctx, idx)
		})
	}
	log.Info("executor started", logx.String("kind", string(KindProcess)), logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
	return p, nil
}

// prepare validates that the invocation can cross the process boundary.
// Violations surface here, at submission time, never as a hang.
func (p *ProcPool) prepare(inv Invocation) (*Handle, error) {
	name := strings.TrimSpace(inv.Name)
	if name == "" {
		return nil, fmt.Errorf("invocation name required")
	}
	if _, ok := LookupFunc(name); !ok {
		return nil, fmt.Errorf("%w: task %q not registered (see executor.RegisterFunc)", ErrUnschedulable, name)
	}
	if _, err := json.Marshal(inv.Args); err != nil {
		return nil, fmt.Errorf("%w: arguments not serializable: %v", ErrUnschedulable, err)
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

func (p *ProcPool) Submit(ctx context.Context, inv Invocation) (*Handle, error) {
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

func (p *ProcPool) Enqueue(inv Invocation) (*Handle, error) {
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
				logx.Int("queue_cap", cap(p.q)))
		}
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Data: eventbus.TaskEvent{Task: inv.Name, Error: "queue_full"}})
		}
		return nil, ErrQueueFull
	}
}

// runChild owns one worker process: spawn, feed requests, read responses.
// A non-nil return means the child died unexpectedly and should be respawned.
func (p *ProcPool) runChild(ctx context.Context, idx int) error {
	cmd := exec.Command(p.exe)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	p.track(idx, cmd)
	defer p.untrack(idx)

	p.log.Debug("worker process started", logx.Int("worker", idx), logx.Int("pid", cmd.Process.Pid))

	enc := json.NewEncoder(stdin)
	dec := json.NewDecoder(stdout)

	stop := func() {
		// Closing stdin lets the child drain and exit on EOF.
		_ = stdin.Close()
		_ = cmd.Wait()
		p.log.Debug("worker process stopped", logx.Int("worker", idx))
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return nil
		case <-p.stopCh:
			stop()
			return nil
		case sub := <-p.q:
			if err := p.execOne(sub, enc, dec); err != nil {
				_ = stdin.Close()
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return err
			}
		}
	}
}

func (p *ProcPool) execOne(sub submission, enc *json.Encoder, dec *json.Decoder) error {
	start := time.Now()
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	p.log.Debug("task.started", logx.String("task", sub.inv.Name), logx.String("id", sub.h.ID()), logx.Duration("queue_delay", start.Sub(sub.enqueuedAt)))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Time: start, Data: eventbus.TaskEvent{ID: sub.h.ID(), Task: sub.inv.Name, Started: start}})
	}

	req := procRequest{ID: sub.h.ID(), Task: sub.inv.Name, Args: sub.inv.Args, Timeout: p.cfg.TaskTimeout}
	if err := enc.Encode(req); err != nil {
		werr := fmt.Errorf("worker process lost: %w", err)
		p.settle(sub, start, nil, werr)
		return werr
	}
	var resp procResponse
	if err := dec.Decode(&resp); err != nil {
		werr := fmt.Errorf("worker process lost: %w", err)
		p.settle(sub, start, nil, werr)
		return werr
	}

	if resp.Err != "" {
		p.settle(sub, start, nil, fmt.Errorf("%s", resp.Err))
	} else {
		p.settle(sub, start, resp.Value, nil)
	}
	return nil
}

func (p *ProcPool) settle(sub submission, start time.Time, value any, err error) {
	dur := time.Since(start)
	item := HistoryItem{ID: sub.h.ID(), Task: sub.inv.Name, Started: start, Duration: dur}

	if err != nil {
		sub.h.fail(&TaskError{Task: sub.inv.Name, ID: sub.h.ID(), Err: err})
		p.failed.Add(1)
		item.Error = err.Error()
		p.log.Warn("task.failed", logx.String("task", sub.inv.Name), logx.String("id", sub.h.ID()), logx.Duration("dur", dur), logx.Err(err))
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

	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > historySize {
		p.history = p.history[len(p.history)-historySize:]
	}
	p.hmu.Unlock()
}

func (p *ProcPool) track(idx int, cmd *exec.Cmd) {
	p.pmu.Lock()
	p.procs[idx] = cmd
	p.pmu.Unlock()
}

func (p *ProcPool) untrack(idx int) {
	p.pmu.Lock()
	delete(p.procs, idx)
	p.pmu.Unlock()
}

// Shutdown stops accepting new work. With wait=true, workers finish their
// in-flight request, drain, and exit; with wait=false, worker processes are
// killed immediately.
func (p *ProcPool) Shutdown(ctx context.Context, wait bool) error {
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
		p.killAll()
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.killAll()
		p.log.Warn("executor shutdown timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (p *ProcPool) killAll() {
	p.pmu.Lock()
	for _, cmd := range p.procs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	p.pmu.Unlock()
}

func (p *ProcPool) finish() {
	// Unblock any GoRestart backoff sleeps; in-flight responses are still
	// read to completion because the decode path is not context-bound.
	p.sup.Cancel()
	_ = p.sup.Wait(context.Background())

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
			p.log.Info("executor stopped", logx.String("kind", string(KindProcess)))
			return
		}
	}
}

func (p *ProcPool) Snapshot() Snapshot {
	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Kind:      KindProcess,
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
