// Package tools holds the tool invocation contract, the name-to-function
// registry the engine resolves against, and the built-in demo tool set.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/surfit-ai/saw-runtime/pkg/contracts"
)

// Func is the uniform tool signature. Tools never return Go errors;
// failures travel inside the ToolResult with Success=false.
type Func func(ctx context.Context, inputs map[string]any, rc *contracts.RunContext) contracts.ToolResult

// Registry maps tool names to invocables. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
