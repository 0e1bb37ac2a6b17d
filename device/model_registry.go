package device

import "sync"

// Constructor builds a model-specific handle around a generic Info. A
// full, semantic per-model API layered on top of Call/Handshake/Enrich is
// out of scope for this library; ModelRegistry only supplies the
// model -> constructor lookup, consulted by a caller once Enrich has
// populated Info.Model.
type Constructor func(*Info) interface{}

// ModelRegistry maps a reported model string to a Constructor.
type ModelRegistry struct {
	mu      sync.RWMutex
	byModel map[string]Constructor
}

// NewModelRegistry returns an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{byModel: make(map[string]Constructor)}
}

// Register associates model with ctor, overwriting any previous entry.
func (r *ModelRegistry) Register(model string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[model] = ctor
}

// Build consults the registry for info.Model(), falling back to the
// generic Info handle when no constructor is registered for it.
func (r *ModelRegistry) Build(info *Info) interface{} {
	r.mu.RLock()
	ctor, ok := r.byModel[info.Model()]
	r.mu.RUnlock()
	if !ok {
		return info
	}
	return ctor(info)
}
