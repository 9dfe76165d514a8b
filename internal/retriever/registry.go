package retriever

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cllghn/csg-docs-llm/internal/config"
	"github.com/cllghn/csg-docs-llm/internal/domain"
)

// ErrUnknownSet is returned for a document set name that is not configured.
var ErrUnknownSet = errors.New("unknown document set")

// InitError means a document set's backend could not be constructed. It is
// fatal to any session bound to that set.
type InitError struct {
	Set string
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize document set %q: %v", e.Set, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Factory builds the retriever for one configured document set.
type Factory func(ctx context.Context, set config.DocumentSetConfig) (domain.Retriever, error)

// Registry builds each document set's retriever once and shares it across
// sessions. A handle is replaced only through Reload.
type Registry struct {
	mu      sync.RWMutex
	sets    []config.DocumentSetConfig
	byName  map[string]config.DocumentSetConfig
	built   map[string]domain.Retriever
	factory Factory
	def     string
}

// NewRegistry creates a registry. def names the set used when a caller
// passes an empty name; it falls back to the first configured set.
func NewRegistry(sets []config.DocumentSetConfig, def string, factory Factory) *Registry {
	byName := make(map[string]config.DocumentSetConfig, len(sets))
	for _, s := range sets {
		byName[s.Name] = s
	}
	if def == "" && len(sets) > 0 {
		def = sets[0].Name
	}
	return &Registry{
		sets:    sets,
		byName:  byName,
		built:   make(map[string]domain.Retriever),
		factory: factory,
		def:     def,
	}
}

func (r *Registry) Default() string { return r.def }

// Sets lists configured document sets in configuration order.
func (r *Registry) Sets() []config.DocumentSetConfig {
	out := make([]config.DocumentSetConfig, len(r.sets))
	copy(out, r.sets)
	return out
}

func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Get returns the retriever for name, building it on first use.
func (r *Registry) Get(ctx context.Context, name string) (domain.Retriever, error) {
	if name == "" {
		name = r.def
	}
	set, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSet, name)
	}

	r.mu.RLock()
	ret, ok := r.built[name]
	r.mu.RUnlock()
	if ok {
		return ret, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ret, ok := r.built[name]; ok {
		return ret, nil
	}
	ret, err := r.factory(ctx, set)
	if err != nil {
		return nil, &InitError{Set: name, Err: err}
	}
	r.built[name] = ret
	return ret, nil
}

// Reload drops the cached handle for name so the next Get rebuilds it.
func (r *Registry) Reload(name string) {
	r.mu.Lock()
	ret := r.built[name]
	delete(r.built, name)
	r.mu.Unlock()
	closeRetriever(ret)
}

// ReloadAll drops every cached handle.
func (r *Registry) ReloadAll() {
	for _, set := range r.sets {
		r.Reload(set.Name)
	}
}

// Close releases every built retriever.
func (r *Registry) Close() {
	r.mu.Lock()
	built := r.built
	r.built = make(map[string]domain.Retriever)
	r.mu.Unlock()
	for _, ret := range built {
		closeRetriever(ret)
	}
}

func closeRetriever(ret domain.Retriever) {
	if c, ok := ret.(interface{ Close() }); ok {
		c.Close()
	}
}
