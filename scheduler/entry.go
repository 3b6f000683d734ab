package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chewytask/executor"
	"chewytask/schedule"
)

// Entry is the runtime state of one recurring task inside the loop.
//
// nextRun/lastRun are mutated only by the loop goroutine (under the
// scheduler mutex, so Snapshot can read them); nextRun is always set and
// monotonically non-decreasing. Entries live until the scheduler stops;
// there is no unregistration.
type Entry struct {
	id   string
	task string
	fn   executor.Func
	args []any
	rule schedule.Rule

	nextRun  time.Time
	lastRun  time.Time
	runCount atomic.Uint64
}

func newEntry(task string, rule schedule.Rule, fn executor.Func, args []any, registeredAt time.Time) *Entry {
	return &Entry{
		id:      uuid.NewString(),
		task:    task,
		fn:      fn,
		args:    args,
		rule:    rule,
		nextRun: rule.First(registeredAt),
	}
}

func (e *Entry) ID() string          { return e.id }
func (e *Entry) Task() string        { return e.task }
func (e *Entry) Rule() schedule.Rule { return e.rule }

// RunCount reports how many times the entry has been dispatched.
func (e *Entry) RunCount() uint64 { return e.runCount.Load() }

// EntryInfo is a copyable view of an Entry for diagnostics.
type EntryInfo struct {
	ID       string
	Task     string
	Rule     string
	NextRun  time.Time
	LastRun  time.Time
	RunCount uint64
}
