package expert

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownExpert is returned when a lookup finds no expert.
var ErrUnknownExpert = errors.New("unknown expert")

// Registry holds the experts available to a run. Experts are looked up by
// name when decomposing and by id when dispatching.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Expert
	byID   map[string]Expert
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Expert),
		byID:   make(map[string]Expert),
	}
}

// Register adds an expert. Names and ids must be unique. An empty profile id
// defaults to the name.
func (r *Registry) Register(e Expert) error {
	p := e.Profile()
	if p.Name == "" {
		return fmt.Errorf("expert name must not be empty")
	}
	id := p.ID
	if id == "" {
		id = p.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[p.Name]; ok {
		return fmt.Errorf("expert %q already registered", p.Name)
	}
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("expert id %q already registered", id)
	}
	r.byName[p.Name] = e
	r.byID[id] = e
	return nil
}

// ByName returns the expert registered under name.
func (r *Registry) ByName(name string) (Expert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("expert %q: %w", name, ErrUnknownExpert)
	}
	return e, nil
}

// ByID returns the expert registered under id.
func (r *Registry) ByID(id string) (Expert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("expert id %q: %w", id, ErrUnknownExpert)
	}
	return e, nil
}

// IDOf returns the id an expert name is registered under.
func (r *Registry) IDOf(name string) (string, error) {
	e, err := r.ByName(name)
	if err != nil {
		return "", err
	}
	p := e.Profile()
	if p.ID == "" {
		return p.Name, nil
	}
	return p.ID, nil
}

// Names returns every registered name in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Profiles returns every registered profile ordered by name.
func (r *Registry) Profiles() []Profile {
	names := r.Names()
	out := make([]Profile, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		out = append(out, r.byName[n].Profile())
	}
	return out
}
