package job

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/cuongbtq/taskq/internal/domain"
)

// Func is the signature of every task a worker can run. Only the returned
// error matters; a nil error marks the job as successful.
type Func func(ctx context.Context, args []any, kwargs map[string]any) error

// Registry maps task names to their implementations. Populate it before any
// worker starts; lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Func
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Func)}
}

// Register stores fn under name, replacing any previous entry
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

// RegisterFunc stores fn under its runtime symbol name and returns that name
func (r *Registry) RegisterFunc(fn Func) string {
	name := funcName(reflect.ValueOf(fn))
	r.Register(name, fn)
	return name
}

// Lookup returns the task registered under name
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

// Names lists the registered task names in sorted order
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

// Resolve finds the implementation of name: the registry first, then a
// plugin reference of the form "path/to/file.so:Symbol"
func (r *Registry) Resolve(name string) (Func, error) {
	if fn, ok := r.Lookup(name); ok {
		return fn, nil
	}
	if path, symbol, ok := splitPluginRef(name); ok {
		fn, err := loadPlugin(path, symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrTaskNotFound, name, err)
		}
		return fn, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
}

// TargetName converts an enqueue target into the stored func_str. Strings
// are taken as-is; func values resolve to their runtime symbol name.
func TargetName(target any) (string, error) {
	switch t := target.(type) {
	case string:
		if t == "" {
			return "", fmt.Errorf("%w: empty task name", domain.ErrInvalidTarget)
		}
		return t, nil
	case nil:
		return "", fmt.Errorf("%w: nil", domain.ErrInvalidTarget)
	}

	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "", fmt.Errorf("%w: can not enqueue %v (type %T)", domain.ErrInvalidTarget, target, target)
	}
	name := funcName(v)
	if name == "" {
		return "", fmt.Errorf("%w: unnamed function %T", domain.ErrInvalidTarget, target)
	}
	return name, nil
}

// funcName returns the package-qualified symbol of a func value, without
// the "-fm" suffix the compiler adds to method values
func funcName(v reflect.Value) string {
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return ""
	}
	return strings.TrimSuffix(f.Name(), "-fm")
}

func splitPluginRef(name string) (path, symbol string, ok bool) {
	path, symbol, ok = strings.Cut(name, ":")
	if !ok || symbol == "" || !strings.HasSuffix(path, ".so") {
		return "", "", false
	}
	return path, symbol, true
}
