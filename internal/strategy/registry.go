package strategy

import "github.com/rotisserie/eris"

// Registry maps strategy names to implementations. Registration order is
// priority order: earlier strategies win representative ties.
type Registry struct {
	strategies map[string]Strategy
	order      []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy. Re-registering a name replaces the
// implementation and keeps its original priority.
func (r *Registry) Register(s Strategy) {
	name := s.Name()
	if _, ok := r.strategies[name]; !ok {
		r.order = append(r.order, name)
	}
	r.strategies[name] = s
}

// Get returns a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, eris.Errorf("strategy: unknown strategy %q (valid: %v)", name, r.order)
	}
	return s, nil
}

// Select returns the named strategies in priority order, regardless of the
// order of names. Empty names selects everything.
func (r *Registry) Select(names []string) ([]Strategy, error) {
	if len(names) == 0 {
		return r.All(), nil
	}

	want := make(map[string]bool, len(names))
	for _, name := range names {
		if _, err := r.Get(name); err != nil {
			return nil, err
		}
		want[name] = true
	}

	var result []Strategy
	for _, name := range r.order {
		if want[name] {
			result = append(result, r.strategies[name])
		}
	}
	return result, nil
}

// All returns every strategy in priority order.
func (r *Registry) All() []Strategy {
	result := make([]Strategy, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.strategies[name])
	}
	return result
}

// AllNames returns all registered names in priority order.
func (r *Registry) AllNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Names returns the names of ss in order.
func Names(ss []Strategy) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Name()
	}
	return out
}
