// Package toolkit manages the agent's tools. Tools are registered as
// factories and activated on demand, so a thread only carries the tool
// surface it has asked for.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the tool's arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// UsageGuide is implemented by tools that ship instructions shown to the
// model when the tool is activated.
type UsageGuide interface {
	UsageGuide() string
}

// Factory constructs a tool instance. Construction can fail, for example
// when a tool needs credentials that are not configured.
type Factory func() (Tool, error)

// Registry holds the available tool factories and the active instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	active    map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		active:    make(map[string]Tool),
	}
}

// Register makes a tool available for activation.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// RegisterActive registers and immediately activates a tool. Used for the
// always-on tools the agent cannot run without.
func (r *Registry) RegisterActive(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tool.Name()] = func() (Tool, error) { return tool, nil }
	r.active[tool.Name()] = tool
}

// Activate instantiates a registered tool. Activating an already active
// tool is a no-op success.
func (r *Registry) Activate(name string) (Tool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.active[name]; ok {
		return tool, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}
	tool, err := factory()
	if err != nil {
		return nil, fmt.Errorf("initialize tool %q: %w", name, err)
	}
	r.active[name] = tool
	return tool, nil
}

// IsActive reports whether a tool is currently activated.
func (r *Registry) IsActive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[name]
	return ok
}

// Available lists all registered tool names, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveNames lists currently activated tool names, sorted.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the function definitions of all active tools in the
// shape the model API expects.
func (r *Registry) Definitions() []llms.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llms.Tool, 0, len(names))
	for _, name := range names {
		tool := r.active[name]
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs an active tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	tool, ok := r.active[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool %q is not active", name)
	}
	return tool.Execute(ctx, args)
}
