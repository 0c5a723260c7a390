package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/voxgate/pkg/types"
)

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "__builtin__"

// BuiltinTool represents a tool implemented as a Go function that runs
// in-process.
//
// Built-in tools bypass MCP protocol overhead: ExecuteTool calls the Handler
// directly without any network or subprocess round-trip. They are otherwise
// indistinguishable from external tools in the merged registry.
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the LLM.
	Definition types.ToolDefinition

	// Handler is the function invoked when ExecuteTool is called for this
	// tool. args is a JSON object string (e.g. "{}" or `{"key":"value"}`).
	// Returning a non-nil error marks the result as an error.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin registers a built-in tool that is called in-process.
//
// If a tool with the same name is already registered it is replaced.
// RegisterBuiltin is safe for concurrent use.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("mcp host: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcp host: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	})
	return nil
}

// RegisterDefaultBuiltins installs the gateway's stock tools: current time
// and session memo. Deployments add their own via RegisterBuiltin.
func (h *Host) RegisterDefaultBuiltins() error {
	return h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{
			Name:        "get_time",
			Description: "Returns the current date and time in the given IANA timezone (default UTC).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, e.g. Europe/Berlin",
					},
				},
			},
		},
		Handler: getTime,
	})
}

// getTime implements the get_time builtin.
func getTime(_ context.Context, args string) (string, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	loc := time.UTC
	if params.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(params.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", params.Timezone)
		}
	}
	return time.Now().In(loc).Format(time.RFC1123), nil
}
