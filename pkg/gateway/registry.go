package gateway

import "sort"

// Registry maps gateway ids to adapters. It is built once at startup from
// configuration and read concurrently afterwards.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry registers the given adapters. Later adapters with the same id
// replace earlier ones.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get resolves an enabled gateway. Unknown ids are reported as not_configured.
func (r *Registry) Get(id string) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, NotConfigured(id)
	}
	return a, nil
}

// IDs lists registered gateway ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Configured lists registered adapters that have credentials.
func (r *Registry) Configured() []Adapter {
	var out []Adapter
	for _, id := range r.IDs() {
		if a := r.adapters[id]; a.IsConfigured() {
			out = append(out, a)
		}
	}
	return out
}
