package registry

import (
	"sort"
	"sync"

	"github.com/BranchIntl/rocket/core"
	"github.com/BranchIntl/rocket/errors"
)

// Registry maps job types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]core.HandlerFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]core.HandlerFunc),
	}
}

// Register sets the handler of jobType, replacing any previous one
func (r *Registry) Register(jobType string, handler core.HandlerFunc) error {
	if jobType == "" {
		return errors.ErrEmptyJobType
	}
	if handler == nil {
		return errors.ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[jobType] = handler
	return nil
}

// Get retrieves the handler of jobType
func (r *Registry) Get(jobType string) (core.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[jobType]
	return handler, ok
}

// List returns the registered job types in order. Workers lease jobs of
// exactly these types.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}

// Remove unregisters jobType
func (r *Registry) Remove(jobType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, jobType)
}

// Clear removes every handler
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = make(map[string]core.HandlerFunc)
}
