package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/MrWong99/voxgate/pkg/types"
)

func staticTool(result string) ExecFunc {
	return func(ctx context.Context, args string) (string, bool, error) {
		return result, false, nil
	}
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(types.ToolDefinition{}, staticTool("x")); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register(types.ToolDefinition{Name: "t"}, nil); err == nil {
		t.Error("expected error for nil executor")
	}
}

func TestDefinitions_PreserveRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(types.ToolDefinition{Name: "get_time"}, staticTool("a"))
	r.Register(types.ToolDefinition{Name: "set_volume"}, staticTool("b"))

	defs := r.Definitions()
	if len(defs) != 2 {
		t.Fatalf("len: got %d, want 2", len(defs))
	}
	if defs[0].Name != "get_time" || defs[1].Name != "set_volume" {
		t.Errorf("order: got %q, %q", defs[0].Name, defs[1].Name)
	}
}

func TestRegister_LaterRegistrationWinsNameClash(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(types.ToolDefinition{Name: "get_time", Description: "server"}, staticTool("server"))
	r.Register(types.ToolDefinition{Name: "get_time", Description: "device"}, staticTool("device"))

	if r.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", r.Len())
	}
	content, isErr, err := r.Execute(context.Background(), "get_time", "{}")
	if err != nil || isErr {
		t.Fatalf("Execute: content=%q isErr=%v err=%v", content, isErr, err)
	}
	if content != "device" {
		t.Errorf("clash winner: got %q, want device", content)
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, _, err := r.Execute(context.Background(), "nope", "{}"); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegisterDeviceTools_RoutesThroughSubsession(t *testing.T) {
	t.Parallel()

	sentIDs := make(chan int64, 1)
	sub := NewSubsession(func(payload json.RawMessage) error {
		var req rpcRequest
		json.Unmarshal(payload, &req)
		sentIDs <- req.ID
		return nil
	})

	r := NewRegistry()
	defs := []types.ToolDefinition{{Name: "set_volume"}, {Name: "get_battery"}}
	if err := r.RegisterDeviceTools(sub, defs); err != nil {
		t.Fatalf("RegisterDeviceTools: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", r.Len())
	}

	type out struct {
		content string
		err     error
	}
	ch := make(chan out, 1)
	go func() {
		content, _, err := r.Execute(context.Background(), "set_volume", `{"level":10}`)
		ch <- out{content, err}
	}()

	// Answer the routed tools/call.
	respond(sub, <-sentIDs, `{"content":[{"type":"text","text":"ok"}]}`)

	got := <-ch
	if got.err != nil {
		t.Fatalf("Execute: %v", got.err)
	}
	if got.content != "ok" {
		t.Errorf("content: got %q, want ok", got.content)
	}
}
