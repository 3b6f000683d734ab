package main

import (
	"context"
	"os"
	"runtime"
	"time"

	"chewytask/executor"
)

var startedAt = time.Now()

// Built-in tasks available to config-declared jobs. Registration happens
// before executor.MaybeWorker so the names resolve in worker processes too.
func registerBuiltins() {
	must(executor.RegisterFunc("heartbeat", heartbeat))
	must(executor.RegisterFunc("runtime.stats", runtimeStats))
	must(executor.RegisterFunc("runtime.gc", forceGC))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func heartbeat(ctx context.Context, args ...any) (any, error) {
	return map[string]any{
		"pid":    os.Getpid(),
		"uptime": time.Since(startedAt).Round(time.Second).String(),
	}, nil
}

func runtimeStats(ctx context.Context, args ...any) (any, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]any{
		"goroutines":  runtime.NumGoroutine(),
		"heap_alloc":  ms.HeapAlloc,
		"heap_sys":    ms.HeapSys,
		"num_gc":      ms.NumGC,
		"gc_pause_ns": ms.PauseTotalNs,
	}, nil
}

func forceGC(ctx context.Context, args ...any) (any, error) {
	runtime.GC()
	return nil, nil
}
