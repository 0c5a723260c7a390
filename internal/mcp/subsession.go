// Package mcp implements the device-side MCP tool sub-protocol.
//
// Devices that advertise features.mcp in the hello handshake expose tools to
// the gateway over JSON-RPC 2.0, framed inside {"type":"mcp","payload":...}
// envelopes on the session's own WebSocket. The gateway is the JSON-RPC
// client: it initializes the sub-protocol, pages through tools/list, and
// invokes tools/call when the LLM requests a device tool.
//
// The official MCP Go SDK owns its transports end to end and cannot ride an
// existing envelope stream, so the subsession speaks the wire format directly
// with a pending-call table; server-side MCP servers still go through the SDK
// in the mcphost package. The Registry merges both tool sources for the LLM.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/types"
)

// DefaultCallTimeout bounds how long the gateway waits for a device to answer
// a single JSON-RPC request.
const DefaultCallTimeout = 15 * time.Second

// ErrClosed is returned for calls issued after the subsession closed.
var ErrClosed = errors.New("mcp: subsession is closed")

// RPCError is a JSON-RPC 2.0 error object returned by the device.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// rpcRequest is an outbound JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage is an inbound JSON-RPC 2.0 message: a response when ID and one
// of Result/Error are set, a notification when Method is set without ID.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// SendFunc delivers one JSON-RPC payload to the device, wrapped by the caller
// into an mcp envelope on the session's outbound writer.
type SendFunc func(payload json.RawMessage) error

// Subsession is the gateway-side JSON-RPC client for one device connection.
// Safe for concurrent use.
type Subsession struct {
	send    SendFunc
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcMessage
	closed  bool
}

// Option configures a Subsession.
type Option func(*Subsession)

// WithTimeout overrides DefaultCallTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Subsession) { s.timeout = d }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Subsession) { s.logger = l }
}

// NewSubsession creates a subsession that sends requests through send.
func NewSubsession(send SendFunc, opts ...Option) *Subsession {
	s := &Subsession{
		send:    send,
		timeout: DefaultCallTimeout,
		logger:  slog.Default(),
		nextID:  1,
		pending: make(map[int64]chan rpcMessage),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HandlePayload processes one inbound mcp envelope payload. Responses resolve
// their pending call; notifications and responses with unknown ids are logged
// and dropped. Malformed payloads are likewise dropped, never fatal.
func (s *Subsession) HandlePayload(payload json.RawMessage) {
	var msg rpcMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("mcp: dropping malformed payload", "error", err)
		return
	}

	if msg.ID == nil {
		// Notification: permitted, never answered.
		s.logger.Debug("mcp: notification from device", "method", msg.Method)
		return
	}
	if msg.Method != "" {
		// Device-initiated request: out of contract for this sub-protocol.
		s.logger.Warn("mcp: dropping device request", "method", msg.Method, "id", *msg.ID)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[*msg.ID]
	if ok {
		delete(s.pending, *msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("mcp: dropping response with unknown id", "id", *msg.ID)
		return
	}
	ch <- msg
}

// Call issues one JSON-RPC request and waits for its response, the call
// timeout, or ctx cancellation, whichever comes first.
func (s *Subsession) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	ch := make(chan rpcMessage, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		s.abandon(id)
		return nil, fmt.Errorf("mcp: marshal %s request: %w", method, err)
	}
	if err := s.send(payload); err != nil {
		s.abandon(id)
		return nil, fmt.Errorf("mcp: send %s request: %w", method, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		s.abandon(id)
		return nil, fmt.Errorf("mcp: %s call %d timed out after %s", method, id, s.timeout)
	case <-ctx.Done():
		s.abandon(id)
		return nil, ctx.Err()
	}
}

// abandon removes a pending entry without resolving it.
func (s *Subsession) abandon(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Close cancels all pending calls. Waiters receive a JSON-RPC error (code
// -32000, "subsession closed"); subsequent Calls fail with ErrClosed. Safe to
// call more than once.
func (s *Subsession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	abandoned := s.pending
	s.pending = make(map[int64]chan rpcMessage)
	s.mu.Unlock()

	for id, ch := range abandoned {
		ch <- rpcMessage{ID: &id, Error: &RPCError{Code: -32000, Message: "subsession closed"}}
	}
}

// PendingCount returns the number of unresolved calls. Used by tests and the
// session's close-time assertion that the table drains.
func (s *Subsession) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ─── MCP methods ───

// initializeParams is the minimal client descriptor sent in initialize.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Initialize performs the MCP handshake with the device.
func (s *Subsession) Initialize(ctx context.Context) error {
	_, err := s.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: "2024-11-05",
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "voxgate", Version: "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("mcp: initialize: %w", err)
	}
	return nil
}

// listToolsResult is one page of the device tool catalogue.
type listToolsResult struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	} `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ListTools pages through tools/list until the device stops returning a
// nextCursor and returns the full catalogue.
func (s *Subsession) ListTools(ctx context.Context) ([]types.ToolDefinition, error) {
	var defs []types.ToolDefinition
	cursor := ""
	for {
		result, err := s.Call(ctx, "tools/list", map[string]any{"cursor": cursor})
		if err != nil {
			return nil, fmt.Errorf("mcp: tools/list: %w", err)
		}
		var page listToolsResult
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("mcp: tools/list result: %w", err)
		}
		for _, t := range page.Tools {
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			defs = append(defs, types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			})
		}
		if page.NextCursor == "" {
			return defs, nil
		}
		cursor = page.NextCursor
	}
}

// callToolResult is the result shape of tools/call.
type callToolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// CallTool invokes a device tool. args is a JSON object string, "{}" for
// parameter-less tools. The second return reports an application-level tool
// error; the Go error covers transport, protocol, and timeout failures.
func (s *Subsession) CallTool(ctx context.Context, name string, args string) (string, bool, error) {
	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", false, fmt.Errorf("mcp: invalid args JSON for tool %q: %w", name, err)
		}
	}

	result, err := s.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": argsMap,
	})
	if err != nil {
		return "", false, fmt.Errorf("mcp: tools/call %q: %w", name, err)
	}

	var parsed callToolResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", false, fmt.Errorf("mcp: tools/call %q result: %w", name, err)
	}
	var out string
	for _, c := range parsed.Content {
		if c.Type == "" || c.Type == "text" {
			out += c.Text
		}
	}
	return out, parsed.IsError, nil
}
