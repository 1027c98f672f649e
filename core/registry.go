package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrTaskNotFound = errors.New("task not found")

// TaskEnv is the per-job environment a task runs with. WorkDir is a
// scratch directory removed after the run; files left in it are
// collected as result artifacts. Emit publishes a partial output to
// stream subscribers and may be nil.
type TaskEnv struct {
	JobID   string
	Device  string
	WorkDir string
	Emit    func(EncodedValue)
}

// TaskFunc is a named unit of work. The returned value is serialized
// with the codec of the job's arguments.
type TaskFunc func(ctx context.Context, env *TaskEnv, args *TaskArgs) (interface{}, error)

// Registry maps task names to their implementations.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskFunc)}
}

func (r *Registry) Register(name string, fn TaskFunc) error {
	if name == "" {
		return errors.New("task name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("task %q has no implementation", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("task %q already registered", name)
	}
	r.tasks[name] = fn
	return nil
}

func (r *Registry) Get(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry holds the builtin tasks plus anything the embedding
// program registers at startup.
var DefaultRegistry = NewRegistry()

// MustRegister registers into DefaultRegistry and panics on conflict.
// Intended for init-time registration of builtins.
func MustRegister(name string, fn TaskFunc) {
	if err := DefaultRegistry.Register(name, fn); err != nil {
		panic(err)
	}
}
