package engine

import "sync"

// Outputs accumulates step results for one run. Children of parallel and map
// groups write from their own goroutines, so every access is locked. Keys
// keep their first-completion order.
type Outputs struct {
	mu     sync.RWMutex
	values map[string]any
	order  []string
}

// NewOutputs creates an empty outputs map.
func NewOutputs() *Outputs {
	return &Outputs{values: make(map[string]any)}
}

// Set stores v under id.
func (o *Outputs) Set(id string, v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.values[id]; !ok {
		o.order = append(o.order, id)
	}
	o.values[id] = v
}

// Get returns the value stored under id.
func (o *Outputs) Get(id string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[id]
	return v, ok
}

// Snapshot returns a shallow copy safe to read while the run continues.
func (o *Outputs) Snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cp := make(map[string]any, len(o.values))
	for k, v := range o.values {
		cp[k] = v
	}
	return cp
}

// Keys returns the stored ids in completion order.
func (o *Outputs) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

// Project returns exactly the requested ids. Ids that never ran map to nil.
func (o *Outputs) Project(ids []string) map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(ids))
	for _, id := range ids {
		out[id] = o.values[id]
	}
	return out
}
