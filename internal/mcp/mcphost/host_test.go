package mcphost

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/internal/mcp"
	"github.com/MrWong99/voxgate/pkg/types"
)

func TestRegisterServer_Validation(t *testing.T) {
	t.Parallel()

	h := New()
	ctx := context.Background()

	if err := h.RegisterServer(ctx, ServerConfig{Transport: TransportStdio, Command: "x"}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := h.RegisterServer(ctx, ServerConfig{Name: "a", Transport: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown transport")
	}
	if err := h.RegisterServer(ctx, ServerConfig{Name: "a", Transport: TransportStdio}); err == nil {
		t.Error("expected error for stdio without command")
	}
	if err := h.RegisterServer(ctx, ServerConfig{Name: "a", Transport: TransportStreamableHTTP}); err == nil {
		t.Error("expected error for streamable-http without URL")
	}
}

func TestRegisterBuiltin_AndExecute(t *testing.T) {
	t.Parallel()

	h := New()
	err := h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "echo", Description: "echoes args"},
		Handler: func(_ context.Context, args string) (string, error) {
			return "echo:" + args, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	result, err := h.ExecuteTool(context.Background(), "echo", `{"x":1}`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if result.IsError {
		t.Error("IsError: got true, want false")
	}
	if result.Content != `echo:{"x":1}` {
		t.Errorf("Content: got %q", result.Content)
	}
}

func TestRegisterBuiltin_Validation(t *testing.T) {
	t.Parallel()

	h := New()
	if err := h.RegisterBuiltin(BuiltinTool{Handler: func(context.Context, string) (string, error) { return "", nil }}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := h.RegisterBuiltin(BuiltinTool{Definition: types.ToolDefinition{Name: "t"}}); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestExecuteTool_BuiltinErrorBecomesToolResult(t *testing.T) {
	t.Parallel()

	h := New()
	h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "boom"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("kaput")
		},
	})

	result, err := h.ExecuteTool(context.Background(), "boom", "{}")
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.IsError {
		t.Error("IsError: got false, want true")
	}
	if result.Content != "kaput" {
		t.Errorf("Content: got %q, want kaput", result.Content)
	}
}

func TestExecuteTool_UnknownTool(t *testing.T) {
	t.Parallel()

	h := New()
	if _, err := h.ExecuteTool(context.Background(), "missing", "{}"); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegisterAll_ContributesToRegistry(t *testing.T) {
	t.Parallel()

	h := New()
	h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "ping"},
		Handler:    func(context.Context, string) (string, error) { return "pong", nil },
	})

	registry := mcp.NewRegistry()
	if err := h.RegisterAll(registry); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	if registry.Len() != 1 {
		t.Fatalf("registry.Len: got %d, want 1", registry.Len())
	}
	content, isErr, err := registry.Execute(context.Background(), "ping", "{}")
	if err != nil || isErr {
		t.Fatalf("Execute: content=%q isErr=%v err=%v", content, isErr, err)
	}
	if content != "pong" {
		t.Errorf("content: got %q, want pong", content)
	}
}

func TestRegisterDefaultBuiltins_GetTime(t *testing.T) {
	t.Parallel()

	h := New()
	if err := h.RegisterDefaultBuiltins(); err != nil {
		t.Fatalf("RegisterDefaultBuiltins: %v", err)
	}

	result, err := h.ExecuteTool(context.Background(), "get_time", `{"timezone":"UTC"}`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("IsError: %s", result.Content)
	}
	if !strings.Contains(result.Content, "UTC") {
		t.Errorf("expected UTC timestamp, got %q", result.Content)
	}

	// Unknown timezone is an application-level error.
	result, err = h.ExecuteTool(context.Background(), "get_time", `{"timezone":"Mars/Olympus"}`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError for unknown timezone")
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	exe, args := splitCommand("/bin/foo --bar baz")
	if exe != "/bin/foo" || len(args) != 2 || args[0] != "--bar" || args[1] != "baz" {
		t.Errorf("splitCommand: got %q %v", exe, args)
	}
	exe, args = splitCommand("")
	if exe != "" || args != nil {
		t.Errorf("splitCommand empty: got %q %v", exe, args)
	}
}

func TestClose_ClearsCatalogue(t *testing.T) {
	t.Parallel()

	h := New()
	h.RegisterDefaultBuiltins()
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(h.Tools()); got != 0 {
		t.Errorf("Tools after Close: got %d, want 0", got)
	}
}
