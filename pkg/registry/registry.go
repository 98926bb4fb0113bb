// Package registry maps command names to module names and caches loaded
// modules. Loads are single-flight: any number of concurrent requests for
// the same module trigger exactly one underlying load.
package registry

import (
	"context"
	"sync"

	"github.com/lazyproc/lazyproc/pkg/module"
)

type Route struct {
	Module      string
	Interactive bool
}

// The commands served by the standard module set.
func builtinRoutes() map[string]Route {
	return map[string]Route{
		"vim":     {Module: "edtui_module.wasm", Interactive: true},
		"vi":      {Module: "edtui_module.wasm", Interactive: true},
		"sqlite3": {Module: "sqlite_module.wasm"},
		"tsx":     {Module: "tsx_engine.wasm"},
		"tsc":     {Module: "tsx_engine.wasm"},
	}
}

// A cache entry is either loading (done open, mod/err unset) or done. An
// unloaded module simply has no entry. Failed loads remove the entry again
// so a later Load may retry; the waiters of the failed flight all receive
// the same error through the entry they already hold.
type entry struct {
	done chan struct{}
	mod  *module.Module
	err  error
}

type Registry struct {
	loader module.Loader

	mu      sync.Mutex
	routes  map[string]Route
	modules map[string]*entry
}

func New(loader module.Loader) *Registry {
	return &Registry{
		loader:  loader,
		routes:  builtinRoutes(),
		modules: make(map[string]*entry),
	}
}

// AddRoute registers or replaces the route for a command.
func (r *Registry) AddRoute(command string, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes[command] = route
}

// Resolve returns the module name serving a command. Pure lookup, no side
// effects.
func (r *Registry) Resolve(command string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	route, ok := r.routes[command]
	return route.Module, ok
}

// Interactive reports whether a command needs terminal handoff.
func (r *Registry) Interactive(command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.routes[command].Interactive
}

// Load returns the module, loading it on first use. Concurrent calls for
// the same name share one load; all of them observe the same module value
// or the same error. A failed load resets the module to unloaded so it can
// be retried.
func (r *Registry) Load(ctx context.Context, name string) (*module.Module, error) {
	r.mu.Lock()

	if e, ok := r.modules[name]; ok {
		r.mu.Unlock()

		select {
		case <-e.done:
			return e.mod, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e := &entry{done: make(chan struct{})}
	r.modules[name] = e
	r.mu.Unlock()

	mod, err := r.loader.Load(ctx, name)

	r.mu.Lock()
	if err != nil {
		delete(r.modules, name)
	}
	r.mu.Unlock()

	e.mod = mod
	e.err = err
	close(e.done)

	return mod, err
}

// Loaded reports whether a module has finished loading successfully.
func (r *Registry) Loaded(name string) bool {
	r.mu.Lock()
	e, ok := r.modules[name]
	r.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case <-e.done:
		return e.err == nil
	default:
		return false
	}
}
