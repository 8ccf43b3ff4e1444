package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps "namespace.name" keys to executors. A registry is built at
// process start and passed to the components that need it.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string]map[string]*Executor)}
}

// Register adds an executor under its own namespace and name.
func (r *Registry) Register(e *Executor) error {
	if e == nil {
		return fmt.Errorf("executor cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.namespaces[e.Namespace]
	if !ok {
		ns = make(map[string]*Executor)
		r.namespaces[e.Namespace] = ns
	}
	if _, exists := ns[e.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, e.Key())
	}
	ns[e.Name] = e
	return nil
}

// MustRegister registers every executor and panics on the first error.
func (r *Registry) MustRegister(executors ...*Executor) {
	for _, e := range executors {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
}

// Get returns the executor registered under namespace and name.
func (r *Registry) Get(namespace, name string) (*Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns, ok := r.namespaces[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
	e, ok := ns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCapability, namespace, name)
	}
	return e, nil
}

// Lookup resolves a "namespace.name" key. The key is split on the first dot,
// so names may themselves contain dots.
func (r *Registry) Lookup(key string) (*Executor, error) {
	namespace, name, ok := strings.Cut(key, ".")
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: malformed key %q", ErrUnknownNamespace, key)
	}
	return r.Get(namespace, name)
}

// Has reports whether key resolves.
func (r *Registry) Has(key string) bool {
	_, err := r.Lookup(key)
	return err == nil
}

// Keys returns all registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for nsName, ns := range r.namespaces {
		for name := range ns {
			keys = append(keys, nsName+"."+name)
		}
	}
	sort.Strings(keys)
	return keys
}
