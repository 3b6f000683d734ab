// Package schedule defines when recurring tasks fire.
//
// A Rule is a pure computation from run times to run times; the scheduler
// loop treats all rules uniformly, so new rule kinds can be added without
// touching the loop.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidInterval is returned when an interval rule is constructed with a
// non-positive duration.
var ErrInvalidInterval = errors.New("schedule: interval must be > 0")

// Rule computes fire times for a recurring entry.
//
// Implementations must be pure and side-effect free so a single rule value
// can be shared across entries and recomputed safely.
type Rule interface {
	// First returns the first due time for an entry registered at t.
	First(t time.Time) time.Time
	// Next returns the due time following a run that fired at t.
	Next(t time.Time) time.Time
}

// Interval fires immediately on registration and then every fixed duration.
type Interval struct {
	every time.Duration
}

// NewInterval builds a fixed-interval rule. The interval must be positive.
func NewInterval(every time.Duration) (Interval, error) {
	if every <= 0 {
		return Interval{}, fmt.Errorf("%w (got %s)", ErrInvalidInterval, every)
	}
	return Interval{every: every}, nil
}

// MustInterval is NewInterval for intervals known to be valid at compile time.
// It panics on a non-positive interval.
func MustInterval(every time.Duration) Interval {
	r, err := NewInterval(every)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Interval) Every() time.Duration { return r.every }

// First fires at registration time: the first run is immediate, the interval
// applies between runs.
func (r Interval) First(t time.Time) time.Time { return t }

func (r Interval) Next(t time.Time) time.Time { return t.Add(r.every) }

func (r Interval) String() string { return fmt.Sprintf("every %s", r.every) }

// Cron fires according to a cron expression.
//
// Both 5-field and 6-field (with seconds) specs are accepted, plus
// descriptors like "@hourly" and "@every 55m".
type Cron struct {
	spec  string
	sched cron.Schedule
}

// cronParser allows both 5-field and 6-field cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewCron parses spec and builds a cron rule.
func NewCron(spec string) (Cron, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return Cron{}, fmt.Errorf("schedule: invalid cron spec %q: %w", spec, err)
	}
	return Cron{spec: spec, sched: sched}, nil
}

func (r Cron) Spec() string { return r.spec }

// First returns the first cron fire time strictly after registration; cron
// rules do not fire immediately.
func (r Cron) First(t time.Time) time.Time { return r.sched.Next(t) }

func (r Cron) Next(t time.Time) time.Time { return r.sched.Next(t) }

func (r Cron) String() string { return fmt.Sprintf("cron %q", r.spec) }
