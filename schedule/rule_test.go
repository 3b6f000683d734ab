package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestIntervalFirstIsImmediate(t *testing.T) {
	t.Parallel()
	r := MustInterval(time.Second)
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	if got := r.First(at); !got.Equal(at) {
		t.Fatalf("First = %v, want %v", got, at)
	}
}

func TestIntervalNextIsExact(t *testing.T) {
	t.Parallel()
	r := MustInterval(90 * time.Second)
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	// Chaining Next must not drift: n steps land exactly n*interval out.
	cur := at
	for i := 0; i < 100; i++ {
		cur = r.Next(cur)
	}
	want := at.Add(100 * 90 * time.Second)
	if !cur.Equal(want) {
		t.Fatalf("after 100 steps got %v, want %v", cur, want)
	}
}

func TestNewIntervalRejectsNonPositive(t *testing.T) {
	t.Parallel()
	for _, d := range []time.Duration{0, -time.Second} {
		if _, err := NewInterval(d); !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("NewInterval(%v) error = %v, want ErrInvalidInterval", d, err)
		}
	}
}

func TestMustIntervalPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero interval")
		}
	}()
	MustInterval(0)
}

func TestCronFirstIsNotImmediate(t *testing.T) {
	t.Parallel()
	r, err := NewCron("0 * * * *")
	if err != nil {
		t.Fatalf("NewCron error: %v", err)
	}
	at := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)
	want := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)
	if got := r.First(at); !got.Equal(want) {
		t.Fatalf("First = %v, want %v", got, want)
	}
	if got := r.Next(at); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNewCronSixFields(t *testing.T) {
	t.Parallel()
	r, err := NewCron("*/10 * * * * *")
	if err != nil {
		t.Fatalf("NewCron error: %v", err)
	}
	at := time.Date(2026, 8, 25, 12, 0, 5, 0, time.UTC)
	want := time.Date(2026, 8, 25, 12, 0, 10, 0, time.UTC)
	if got := r.Next(at); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		every time.Duration // 0 means expect a cron rule
	}{
		{name: "duration", raw: "10m", every: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", every: 45 * time.Second},
		{name: "every prefix", raw: "every:2h30m", every: 2*time.Hour + 30*time.Minute},
		{name: "hhmm", raw: "01:30", every: 90 * time.Minute},
		{name: "cron", raw: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *"},
		{name: "descriptor", raw: "@hourly"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if tt.every > 0 {
				iv, ok := got.(Interval)
				if !ok {
					t.Fatalf("Parse(%q) = %T, want Interval", tt.raw, got)
				}
				if iv.Every() != tt.every {
					t.Fatalf("Every = %v, want %v", iv.Every(), tt.every)
				}
				return
			}
			if _, ok := got.(Cron); !ok {
				t.Fatalf("Parse(%q) = %T, want Cron", tt.raw, got)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "interval:", "00:99", "interval:0s"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
	}
}
