package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestHandleSingleTerminalTransition(t *testing.T) {
	t.Parallel()
	h := newHandle("demo")
	if h.State() != StatePending {
		t.Fatalf("State = %v, want pending", h.State())
	}

	h.succeed(42)
	h.fail(errors.New("too late"))
	h.succeed(99)

	v, err := h.Result(context.Background())
	if err != nil {
		t.Fatalf("Result error: %v", err)
	}
	if v != 42 {
		t.Fatalf("Result = %v, want 42", v)
	}
	if h.State() != StateSucceeded {
		t.Fatalf("State = %v, want succeeded", h.State())
	}
}

func TestHandleResultRepeatable(t *testing.T) {
	t.Parallel()
	h := newHandle("demo")
	want := errors.New("task broke")
	h.fail(want)

	for i := 0; i < 3; i++ {
		if _, err := h.Result(context.Background()); !errors.Is(err, want) {
			t.Fatalf("Result #%d error = %v, want %v", i, err, want)
		}
	}
	if _, err, ok := h.Outcome(); !ok || !errors.Is(err, want) {
		t.Fatalf("Outcome = (%v, %v), want stored failure", err, ok)
	}
}

func TestHandleResultContextTimeout(t *testing.T) {
	t.Parallel()
	h := newHandle("demo")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Result(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Result error = %v, want deadline exceeded", err)
	}

	// A caller giving up must not affect the handle itself.
	h.succeed("done")
	if v, _ := h.Result(context.Background()); v != "done" {
		t.Fatalf("Result = %v, want done", v)
	}
}

func TestHandleConcurrentWaiters(t *testing.T) {
	t.Parallel()
	h := newHandle("demo")

	const waiters = 16
	var wg sync.WaitGroup
	results := make([]any, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = h.Result(context.Background())
		}()
	}

	time.Sleep(10 * time.Millisecond)
	h.succeed("shared")
	wg.Wait()

	for i, v := range results {
		if v != "shared" {
			t.Fatalf("waiter %d got %v, want shared", i, v)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StatePending, "pending"},
		{StateSucceeded, "succeeded"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Fatalf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
