package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxgate/pkg/types"
)

// ExecFunc executes one tool call. content is the textual result handed back
// to the LLM; isError marks an application-level tool failure that should be
// surfaced as tool output rather than tearing down the pipeline.
type ExecFunc func(ctx context.Context, args string) (content string, isError bool, err error)

// Registry merges tools from every source a session can reach: the device's
// MCP subsession and the gateway's server-side host. The merged set is what
// the LLM sees in its tool definitions. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	order   []string
}

type registryEntry struct {
	def  types.ToolDefinition
	exec ExecFunc
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds one tool. A tool registered later under the same name
// replaces the earlier one, so sessions register server-side tools first and
// device tools second: the device wins a name clash for its own session.
func (r *Registry) Register(def types.ToolDefinition, exec ExecFunc) error {
	if def.Name == "" {
		return fmt.Errorf("mcp: tool definition must have a non-empty name")
	}
	if exec == nil {
		return fmt.Errorf("mcp: tool %q must have a non-nil executor", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.entries[def.Name] = registryEntry{def: def, exec: exec}
	return nil
}

// RegisterDeviceTools wires every tool from a device subsession catalogue
// through the subsession's tools/call.
func (r *Registry) RegisterDeviceTools(sub *Subsession, defs []types.ToolDefinition) error {
	for _, def := range defs {
		name := def.Name
		err := r.Register(def, func(ctx context.Context, args string) (string, bool, error) {
			return sub.CallTool(ctx, name, args)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Definitions returns the merged tool set in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].def)
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Execute runs the named tool. Application-level tool errors come back as
// (content, true, nil) so the caller can feed them to the LLM as tool output.
func (r *Registry) Execute(ctx context.Context, name string, args string) (string, bool, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("mcp: tool %q not found", name)
	}
	return entry.exec(ctx, args)
}
