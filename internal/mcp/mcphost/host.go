// Package mcphost connects the gateway to server-side MCP tool servers.
//
// It uses the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk)
// over stdio or streamable-HTTP transports, maintains a concurrent-safe tool
// catalogue, and exposes everything through the session tool registry so
// server-side tools and device tools appear to the LLM as one set.
//
// Typical usage:
//
//	h := mcphost.New()
//
//	// Register an external MCP server.
//	err := h.RegisterServer(ctx, mcphost.ServerConfig{
//	    Name:      "home",
//	    Transport: mcphost.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-home-server",
//	})
//
//	// Or register a built-in Go function.
//	h.RegisterBuiltin(mcphost.BuiltinTool{
//	    Definition: types.ToolDefinition{Name: "get_time", ...},
//	    Handler:    getTime,
//	})
//
//	// Contribute everything to a session's registry.
//	h.RegisterAll(registry)
//
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxgate/internal/mcp"
	"github.com/MrWong99/voxgate/pkg/types"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the human-readable identifier for this server. Must be unique
	// within a single Host. Used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path (and optional arguments) used when
	// Transport is stdio. Ignored otherwise.
	Command string

	// URL is the endpoint address used when Transport is streamable-http.
	// Ignored otherwise.
	URL string

	// Env holds additional environment variables injected into the server
	// process when Transport is stdio. May be nil.
	Env map[string]string
}

// toolEntry holds the metadata for a single registered tool.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host manages connections to server-side MCP servers and in-process builtin
// tools. Safe for concurrent use. The zero value is NOT usable; create
// instances with New.
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: tool name
	servers map[string]serverConn // key: server name
	order   []string

	// client is reused across all server connections. The official SDK
	// allows a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

// New creates and returns a ready-to-use Host.
func New() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "voxgate-mcphost", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
	}
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue into the host. If a server with the same Name is already
// registered, the old connection is closed and replaced.
//
// For TransportStdio: cfg.Command is split on spaces into executable + args;
// cfg.Env is passed as additional environment variables.
//
// For TransportStreamableHTTP: cfg.URL is the endpoint address.
//
// Returns an error if the transport cannot be established or the initial tool
// listing fails.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp host: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp host: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: failed to connect to server %q: %w", cfg.Name, err)
	}

	// Discover tools using the iterator.
	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Close the old connection if it exists and drop its tools.
	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				h.removeLocked(name)
			}
		}
	}

	h.servers[cfg.Name] = serverConn{session: session}

	for _, sdkTool := range discovered {
		h.addLocked(toolEntry{
			def: types.ToolDefinition{
				Name:        sdkTool.Name,
				Description: sdkTool.Description,
				Parameters:  schemaToMap(sdkTool.InputSchema),
			},
			serverName: cfg.Name,
		})
	}
	return nil
}

// Tools returns the full server-side tool catalogue in registration order.
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(h.order))
	for _, name := range h.order {
		defs = append(defs, h.tools[name].def)
	}
	return defs
}

// RegisterAll contributes every hosted tool to a session's merged registry.
func (h *Host) RegisterAll(registry *mcp.Registry) error {
	for _, def := range h.Tools() {
		name := def.Name
		err := registry.Register(def, func(ctx context.Context, args string) (string, bool, error) {
			result, err := h.ExecuteTool(ctx, name, args)
			if err != nil {
				return "", false, err
			}
			return result.Content, result.IsError, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically a JSON string or
	// human-readable text ready for insertion into an LLM context window.
	Content string

	// IsError indicates that the tool returned an application-level error
	// (as opposed to a transport or protocol failure returned via the Go
	// error return value). When IsError is true, Content contains the error
	// message.
	IsError bool
}

// ExecuteTool calls the named tool with JSON-encoded args and returns the
// result. args must be a valid JSON object string; "{}" is valid for
// parameter-less tools.
//
// A non-nil *ToolResult is returned even when ToolResult.IsError is true
// (application-level error). A Go error is returned only on transport or
// protocol failure.
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp host: tool %q not found", name)
	}

	if entry.builtinFn != nil {
		output, err := entry.builtinFn(ctx, args)
		if err != nil {
			return &ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &ToolResult{Content: output}, nil
	}
	return h.executeMCPTool(ctx, entry, args)
}

// executeMCPTool routes the call to the appropriate server session.
func (h *Host) executeMCPTool(ctx context.Context, entry toolEntry, args string) (*ToolResult, error) {
	h.mu.RLock()
	conn, ok := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp host: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("mcp host: invalid args JSON for tool %q: %w", entry.def.Name, err)
		}
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp host: call to tool %q failed: %w", entry.def.Name, err)
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &ToolResult{
		Content: sb.String(),
		IsError: callResult.IsError,
	}, nil
}

// Close shuts down all server connections and releases associated resources.
// After Close returns the Host must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp host: error closing server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	h.order = nil
	return firstErr
}

// addLocked inserts an entry preserving registration order. Caller holds mu.
func (h *Host) addLocked(entry toolEntry) {
	if _, exists := h.tools[entry.def.Name]; !exists {
		h.order = append(h.order, entry.def.Name)
	}
	h.tools[entry.def.Name] = entry
}

// removeLocked deletes an entry and its order slot. Caller holds mu.
func (h *Host) removeLocked(name string) {
	delete(h.tools, name)
	for i, n := range h.order {
		if n == name {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
