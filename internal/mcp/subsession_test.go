package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// scriptedDevice collects outbound JSON-RPC requests and lets the test answer
// them like a device would.
type scriptedDevice struct {
	mu   sync.Mutex
	sent []rpcRequest
}

func (d *scriptedDevice) send(payload json.RawMessage) error {
	var req rpcRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	d.mu.Lock()
	d.sent = append(d.sent, req)
	d.mu.Unlock()
	return nil
}

func (d *scriptedDevice) lastRequest(t *testing.T) rpcRequest {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		t.Fatal("no request was sent")
	}
	return d.sent[len(d.sent)-1]
}

// respond injects a JSON-RPC result for the given id.
func respond(s *Subsession, id int64, result string) {
	s.HandlePayload(json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)))
}

func TestCall_IdsAreMonotonicFromOne(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{}
	s := NewSubsession(dev.send)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Call(context.Background(), "ping", nil)
	}()

	waitForRequests(t, dev, 1)
	if got := dev.lastRequest(t).ID; got != 1 {
		t.Errorf("first id: got %d, want 1", got)
	}
	respond(s, 1, `{}`)
	<-done

	go s.Call(context.Background(), "ping", nil)
	waitForRequests(t, dev, 2)
	if got := dev.lastRequest(t).ID; got != 2 {
		t.Errorf("second id: got %d, want 2", got)
	}
	respond(s, 2, `{}`)
}

func TestCall_ResolvesWithResult(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{}
	s := NewSubsession(dev.send)

	type out struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan out, 1)
	go func() {
		res, err := s.Call(context.Background(), "initialize", nil)
		ch <- out{res, err}
	}()

	waitForRequests(t, dev, 1)
	respond(s, 1, `{"ok":true}`)

	got := <-ch
	if got.err != nil {
		t.Fatalf("Call: %v", got.err)
	}
	if string(got.result) != `{"ok":true}` {
		t.Errorf("result: got %s", got.result)
	}
	if s.PendingCount() != 0 {
		t.Errorf("pending table not drained: %d", s.PendingCount())
	}
}

func TestCall_RPCErrorSurfacesAsError(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{}
	s := NewSubsession(dev.send)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "tools/call", nil)
		errCh <- err
	}()

	waitForRequests(t, dev, 1)
	s.HandlePayload(json.RawMessage(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))

	err := <-errCh
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code: got %d, want -32601", rpcErr.Code)
	}
}

func TestCall_TimesOut(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{}
	s := NewSubsession(dev.send, WithTimeout(50*time.Millisecond))

	_, err := s.Call(context.Background(), "tools/list", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if s.PendingCount() != 0 {
		t.Errorf("pending table not drained after timeout: %d", s.PendingCount())
	}
}

func TestHandlePayload_UnknownIdAndNotificationsAreDropped(t *testing.T) {
	t.Parallel()

	s := NewSubsession(func(json.RawMessage) error { return nil })

	// None of these may panic or create pending state.
	s.HandlePayload(json.RawMessage(`{"jsonrpc":"2.0","id":99,"result":{}}`))
	s.HandlePayload(json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/progress"}`))
	s.HandlePayload(json.RawMessage(`{not json`))

	if s.PendingCount() != 0 {
		t.Errorf("pending table polluted: %d", s.PendingCount())
	}
}

func TestClose_CancelsPendingAndRejectsNewCalls(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{}
	s := NewSubsession(dev.send)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "tools/list", nil)
		errCh <- err
	}()
	waitForRequests(t, dev, 1)

	s.Close()
	s.Close() // idempotent

	err := <-errCh
	if err == nil {
		t.Fatal("pending call should fail on Close")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("pending waiter error: got %v, want JSON-RPC -32000", err)
	}
	if s.PendingCount() != 0 {
		t.Errorf("pending table not empty post-close: %d", s.PendingCount())
	}
	if _, err := s.Call(context.Background(), "ping", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestListTools_PaginatesWithCursor(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{}
	s := NewSubsession(dev.send)

	type out struct {
		count int
		err   error
	}
	ch := make(chan out, 1)
	go func() {
		defs, err := s.ListTools(context.Background())
		ch <- out{len(defs), err}
	}()

	// Page 1 carries a nextCursor; page 2 ends the listing.
	waitForRequests(t, dev, 1)
	req := dev.lastRequest(t)
	if req.Method != "tools/list" {
		t.Fatalf("method: got %q, want tools/list", req.Method)
	}
	respond(s, req.ID, `{"tools":[{"name":"set_volume","description":"Set speaker volume","inputSchema":{"type":"object"}}],"nextCursor":"p2"}`)

	waitForRequests(t, dev, 2)
	req = dev.lastRequest(t)
	params, _ := json.Marshal(req.Params)
	if string(params) != `{"cursor":"p2"}` {
		t.Errorf("second page params: got %s, want cursor p2", params)
	}
	respond(s, req.ID, `{"tools":[{"name":"get_battery","description":"Battery level"}]}`)

	got := <-ch
	if got.err != nil {
		t.Fatalf("ListTools: %v", got.err)
	}
	if got.count != 2 {
		t.Errorf("tool count: got %d, want 2", got.count)
	}

	dev.mu.Lock()
	pages := len(dev.sent)
	dev.mu.Unlock()
	if pages != 2 {
		t.Errorf("paginated requests: got %d, want exactly 2", pages)
	}
}

func TestCallTool_ParsesContentAndIsError(t *testing.T) {
	t.Parallel()

	dev := &scriptedDevice{}
	s := NewSubsession(dev.send)

	type out struct {
		content string
		isErr   bool
		err     error
	}
	ch := make(chan out, 1)
	go func() {
		content, isErr, err := s.CallTool(context.Background(), "set_volume", `{"level":40}`)
		ch <- out{content, isErr, err}
	}()

	waitForRequests(t, dev, 1)
	req := dev.lastRequest(t)
	params, _ := json.Marshal(req.Params)
	want := `{"arguments":{"level":40},"name":"set_volume"}`
	if string(params) != want {
		t.Errorf("params: got %s, want %s", params, want)
	}
	respond(s, req.ID, `{"content":[{"type":"text","text":"volume set to 40"}],"isError":false}`)

	got := <-ch
	if got.err != nil {
		t.Fatalf("CallTool: %v", got.err)
	}
	if got.isErr {
		t.Error("isError: got true, want false")
	}
	if got.content != "volume set to 40" {
		t.Errorf("content: got %q", got.content)
	}
}

// waitForRequests polls until the device has recorded n requests.
func waitForRequests(t *testing.T, dev *scriptedDevice, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dev.mu.Lock()
		count := len(dev.sent)
		dev.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d requests", n)
}
