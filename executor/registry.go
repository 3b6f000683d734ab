package executor

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps task names to callables so worker processes can resolve work
// received over the process boundary. Parent and child run the same binary,
// so registering from init() or early in main() keeps both sides in sync.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{fns: map[string]Func{}}
}

func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("function name required")
	}
	if fn == nil {
		return fmt.Errorf("function %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fns[name]; exists {
		return fmt.Errorf("function %q already registered", name)
	}
	r.fns[name] = fn
	return nil
}

func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	return fn, ok
}

// defaultRegistry backs the package-level RegisterFunc/LookupFunc used by
// process executors and their worker children.
var defaultRegistry = NewRegistry()

// RegisterFunc registers fn under name in the process-wide registry.
func RegisterFunc(name string, fn Func) error {
	return defaultRegistry.Register(name, fn)
}

// LookupFunc resolves a name registered via RegisterFunc.
func LookupFunc(name string) (Func, bool) {
	return defaultRegistry.Lookup(name)
}
