// Package registry holds the set of invocable tools, keyed by name.
// Registration order is preserved: tool ordering can influence model
// tool-selection determinism in some backends.
package registry

import (
	"iter"
	"sync"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
)

// Registry is the exclusive owner of tool definitions. Mutation is
// serialized; reads never block on in-flight tool executions.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]core.ToolDefinition
	order []string

	schemas *schemaCache
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byKey:   make(map[string]core.ToolDefinition),
		schemas: newSchemaCache(),
	}
}

// Register installs a definition. It fails with DUPLICATE_TOOL if the
// name is already present; the existing entry is left untouched.
func (r *Registry) Register(def core.ToolDefinition) error {
	if def.Name == "" {
		return errors.New(errors.CodeValidation, "tool definition requires a name", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[def.Name]; exists {
		return errors.New(errors.CodeDuplicateTool, "tool already registered", nil).
			WithContext("tool", def.Name)
	}
	r.byKey[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Deregister removes the named tool and reports whether it was
// present. Absence is a normal outcome, not an error.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKey[name]; !exists {
		return false
	}
	delete(r.byKey, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.schemas.invalidate(name)
	return true
}

// Get returns the definition for name. Absence is signalled by the
// boolean, never by a panic or error.
func (r *Registry) Get(name string) (core.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byKey[name]
	return def, ok
}

// List produces a lazy, restartable sequence of all registered
// definitions in insertion order. Each restart observes the registry
// state at that moment.
func (r *Registry) List() iter.Seq[core.ToolDefinition] {
	return func(yield func(core.ToolDefinition) bool) {
		for _, def := range r.Snapshot() {
			if !yield(def) {
				return
			}
		}
	}
}

// Snapshot returns a stable copy of all definitions in insertion order.
func (r *Registry) Snapshot() []core.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]core.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.byKey[name])
	}
	return defs
}

// Names returns all registered names in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Validate checks args against the named tool's parameter schema.
// A missing tool yields TOOL_NOT_FOUND; schema violations yield
// VALIDATION_ERROR. Tools without a schema accept any arguments.
func (r *Registry) Validate(name string, args map[string]any) error {
	def, ok := r.Get(name)
	if !ok {
		return errors.New(errors.CodeToolNotFound, "tool is not registered", nil).
			WithContext("tool", name)
	}
	if def.Schema == nil {
		return nil
	}
	return r.schemas.validate(name, def.Schema, args)
}
