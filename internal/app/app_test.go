package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/protocol"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxgate/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
	"github.com/MrWong99/voxgate/pkg/types"
)

// testConfig returns a minimal valid config: no memory store, no MCP
// servers, no TLS.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Wake: config.WakeConfig{Keywords: []string{"hey vox"}},
	}
}

func testProviders() *Providers {
	return &Providers{
		LLM: &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Hi.", FinishReason: "stop"},
		}},
		STT: &sttmock.Provider{Transcripts: []types.Transcript{
			{Text: "hello", IsFinal: true},
		}},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestApp_New(t *testing.T) {
	a := newTestApp(t, testConfig())
	if a.Gateway() == nil {
		t.Fatal("gateway not initialised")
	}
	if a.Handler() == nil {
		t.Fatal("http handler not initialised")
	}
	if a.wakeVal == nil {
		t.Fatal("wake validator not initialised despite configured keywords")
	}
	if a.log != nil || a.index != nil {
		t.Fatal("memory backends should be nil without a DSN")
	}
}

func TestApp_HealthEndpoints(t *testing.T) {
	a := newTestApp(t, testConfig())
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status = %d, want 200", resp2.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("readyz status = %q, want ok", body.Status)
	}
}

func TestApp_ReadyzFailsAtSessionCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxSessions = 1
	a := newTestApp(t, cfg)
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?device-id=dev-1&client-id=cli-1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	deadline := time.Now().Add(2 * time.Second)
	for a.Gateway().SessionCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status = %d, want 503 at capacity", resp.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if body.Status != "fail" || !strings.HasPrefix(body.Checks["sessions"], "fail") {
		t.Fatalf("readyz body = %+v, want failing sessions check", body)
	}
}

func TestApp_MetricsEndpoint(t *testing.T) {
	a := newTestApp(t, testConfig())
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestApp_WebSocketSession(t *testing.T) {
	a := newTestApp(t, testConfig())
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?device-id=dev-1&client-id=cli-1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	hello := &protocol.Hello{
		Version:   1,
		Transport: "websocket",
		AudioParams: protocol.AudioParams{
			Format:        "opus",
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: int(audio.DefaultFrameDuration / time.Millisecond),
		},
	}
	data, err := protocol.Marshal(hello)
	if err != nil {
		t.Fatalf("marshal hello: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read hello reply: %v", err)
	}
	msg, err := protocol.Parse(reply)
	if err != nil {
		t.Fatalf("parse hello reply: %v", err)
	}
	replyHello, ok := msg.(*protocol.Hello)
	if !ok {
		t.Fatalf("hello reply: got %s envelope", msg.Tag())
	}
	if replyHello.SessionID == "" {
		t.Fatal("server hello has empty session_id")
	}
	if a.Gateway().SessionCount() != 1 {
		t.Fatalf("SessionCount() = %d, want 1", a.Gateway().SessionCount())
	}
}

func TestApp_AuthTokenEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AuthToken = "secret"
	a := newTestApp(t, cfg)
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?device-id=dev-1&client-id=cli-1&authorization=wrong"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		code := websocket.CloseStatus(err)
		if code != 4003 {
			t.Fatalf("close status = %d, want 4003", code)
		}
		break
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t, testConfig())
	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
