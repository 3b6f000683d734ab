package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"
)

// WorkerEnv marks a child process as an executor worker. The parent sets it
// when spawning; MaybeWorker checks it at startup.
const WorkerEnv = "CHEWYTASK_PROC_WORKER"

// Wire format between parent and worker: one JSON object per line, one
// request in flight per worker at a time, responses in request order.
//
// Values cross the boundary as JSON, so results come back with JSON's type
// mapping (numbers decode as float64, objects as map[string]any).
type procRequest struct {
	ID      string        `json:"id"`
	Task    string        `json:"task"`
	Args    []any         `json:"args,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

type procResponse struct {
	ID    string `json:"id"`
	Value any    `json:"value,omitempty"`
	Err   string `json:"err,omitempty"`
}

// MaybeWorker runs the worker loop and exits if this process was spawned as
// an executor worker. Call it first thing in main(), before any other setup.
func MaybeWorker() {
	if os.Getenv(WorkerEnv) != "1" {
		return
	}
	if err := RunWorker(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "chewytask worker:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// RunWorker serves requests from r until EOF, resolving callables through the
// process-wide registry. Exposed for tests; production entry is MaybeWorker.
func RunWorker(r io.Reader, w io.Writer) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	for {
		var req procRequest
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}

		resp := procResponse{ID: req.ID}
		fn, ok := LookupFunc(req.Task)
		if !ok {
			resp.Err = fmt.Sprintf("task %q not registered in worker process", req.Task)
		} else {
			value, err := runProtected(fn, req)
			if err != nil {
				resp.Err = err.Error()
			} else if value != nil {
				// The response must survive encoding; a bad return value is a
				// task failure, not a dead worker.
				if _, merr := json.Marshal(value); merr != nil {
					resp.Err = fmt.Sprintf("result not serializable: %v", merr)
				} else {
					resp.Value = value
				}
			}
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}
}

func runProtected(fn Func, req procRequest) (value any, err error) {
	ctx := context.Background()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, req.Args...)
}
