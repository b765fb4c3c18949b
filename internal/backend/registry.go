package backend

import (
	"context"
	"sync"
)

// Registry aggregates the configured adapters, giving C8's dispatcher a
// backend-id-keyed lookup and backing C14's /readyz health aggregation.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Supports implements router.SupportsFn, letting C8 skip chain entries
// whose backend doesn't exist or doesn't claim the requested model.
func (r *Registry) Supports(backendID, model string) bool {
	a, ok := r.Get(backendID)
	if !ok {
		return false
	}
	return a.Supports(model)
}

// HealthStatus is one backend's health check result for C14's /readyz.
type HealthStatus struct {
	Backend string
	Healthy bool
	Err     error
}

// CheckAll runs every registered adapter's Health concurrently.
func (r *Registry) CheckAll(ctx context.Context) []HealthStatus {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	results := make([]HealthStatus, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			err := a.Health(ctx)
			results[i] = HealthStatus{Backend: a.ID(), Healthy: err == nil, Err: err}
		}(i, a)
	}
	wg.Wait()
	return results
}
