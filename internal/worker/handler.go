package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"colldialer/internal/models"
)

// JobHandler executes one job type. Handlers decode their own payload.
type JobHandler interface {
	Execute(ctx context.Context, job *models.Job) error
	Name() string
}

// ExhaustionHandler is implemented by handlers that need to react when a job
// runs out of attempts, e.g. to record a failed page.
type ExhaustionHandler interface {
	OnExhausted(ctx context.Context, job *models.Job, cause error)
}

// HandlerFunc adapts a function to JobHandler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, job *models.Job) error
}

func (h HandlerFunc) Execute(ctx context.Context, job *models.Job) error { return h.Fn(ctx, job) }
func (h HandlerFunc) Name() string                                       { return h.HandlerName }

// HandlerRegistry manages job handlers by name.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]JobHandler)}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", name))
	}
	r.handlers[name] = handler
}

// Get returns nil if no handler is registered.
func (r *HandlerRegistry) Get(name string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

func (r *HandlerRegistry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
