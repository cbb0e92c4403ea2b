// Package tool holds the registry of callable tools and the runner that
// executes them on the model's behalf. The runner owns argument
// validation, timeouts, and failure normalization; the orchestrator only
// ever sees ToolResults, never Go errors.
package tool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/parleyhq/parley/pkg/models"
)

// Tool is one callable unit. Invoke receives arguments already validated
// against Schema and returns the JSON payload the model sees; returning an
// error marks the result as failed without aborting the round.
type Tool interface {
	// Name is the function name presented to the model.
	Name() string

	// Description tells the model when to call the tool.
	Description() string

	// Schema is the JSON Schema for the arguments object.
	Schema() json.RawMessage

	// Invoke runs the tool. The context carries the per-tool deadline.
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Registry is the concurrent-safe name index of registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the named tools in the given order, skipping names
// that are not registered. The result is what adapters send upstream.
func (r *Registry) Definitions(names []string) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, models.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}
