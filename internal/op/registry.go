package op

import (
	"sync"

	"go.uber.org/zap"
)

// Registry is the process-wide directory of live operations.
//
// Registering an operation attaches the registry's bus (if the operation has
// none) and publishes the created event that drives router fanout. Duplicate
// registration of an ID is a warning, not an error: the second registration
// replaces the first.
type Registry struct {
	mu     sync.Mutex
	ops    map[string]*Operation
	bus    *Bus
	logger *zap.Logger
}

// NewRegistry creates a registry publishing on the given bus.
// A nil logger defaults to zap.NewNop.
func NewRegistry(bus *Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		ops:    make(map[string]*Operation),
		bus:    bus,
		logger: logger,
	}
}

// Register adds the operation to the directory and emits created.
func (r *Registry) Register(o *Operation) {
	r.mu.Lock()
	if _, exists := r.ops[o.ID()]; exists {
		r.logger.Warn("operation re-registered, replacing previous registration",
			zap.String("operation_id", o.ID()))
	}
	r.ops[o.ID()] = o
	r.mu.Unlock()

	o.attachBus(r.bus)
	r.bus.Publish(Event{Kind: EventCreated, Op: o})
}

// Get returns the operation with the given ID, if registered.
func (r *Registry) Get(id string) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.ops[id]
	return o, ok
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Remove drops a terminal operation from the directory.
// Store trimming calls this once no log references the operation anymore.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, id)
}

// Clear empties the registry and emits clear:all.
// Used on logout/reset together with the store registries' Clear.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.ops = make(map[string]*Operation)
	r.mu.Unlock()

	r.bus.Publish(Event{Kind: EventClearAll})
}
