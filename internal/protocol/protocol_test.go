package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_Hello(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type":"hello","version":1,"transport":"websocket",
		"device_id":"dev-1","device_name":"kitchen",
		"features":{"mcp":true},
		"audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}
	}`)

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	hello, ok := msg.(*Hello)
	if !ok {
		t.Fatalf("expected *Hello, got %T", msg)
	}
	if hello.Version != 1 || hello.DeviceID != "dev-1" {
		t.Errorf("unexpected hello: %+v", hello)
	}
	if !hello.Features.MCP {
		t.Error("expected features.mcp=true")
	}
	if hello.AudioParams.FrameDuration != 60 {
		t.Errorf("frame_duration: got %d, want 60", hello.AudioParams.FrameDuration)
	}
}

func TestParse_HelloMissingVersion(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"type":"hello","transport":"websocket"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParse_Listen(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte(`{"type":"listen","state":"start","mode":"manual"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	l := msg.(*Listen)
	if l.State != ListenStateStart || l.Mode != ListenModeManual {
		t.Errorf("unexpected listen: %+v", l)
	}
}

func TestParse_ListenInvalidState(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`{"type":"listen","state":"pause"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParse_ListenInvalidMode(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`{"type":"listen","state":"start","mode":"forever"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParse_UnknownTypeIsNotAnError(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte(`{"type":"telemetry","battery":97}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	u, ok := msg.(*Unknown)
	if !ok {
		t.Fatalf("expected *Unknown, got %T", msg)
	}
	if u.Tag() != "telemetry" {
		t.Errorf("Tag: got %q, want telemetry", u.Tag())
	}
	if len(u.Raw) == 0 {
		t.Error("expected raw envelope to be preserved")
	}
}

func TestParse_MissingTypeTag(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`{"state":"start"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`{nope`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParse_McpRequiresPayload(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`{"type":"mcp"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	msg, err := Parse([]byte(`{"type":"mcp","payload":{"jsonrpc":"2.0","id":1,"result":{}}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m := msg.(*Mcp)
	if len(m.Payload) == 0 {
		t.Error("expected payload to be preserved as raw JSON")
	}
}

func TestParse_FriendRequiresTarget(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte(`{"type":"friend","data":"hi"}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	msg, err := Parse([]byte(`{"type":"friend","clientid":"dev-b","data":"hi"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.(*Friend).ClientID != "dev-b" {
		t.Error("clientid not preserved")
	}
}

func TestParse_WakeWord(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte(`{"type":"wake_word_detected","keyword":"hey vox","confidence":0.83}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	w := msg.(*WakeWordDetected)
	if w.Keyword != "hey vox" || w.Confidence != 0.83 {
		t.Errorf("unexpected wake word: %+v", w)
	}
}

func TestMarshal_StampsTypeTag(t *testing.T) {
	t.Parallel()

	data, err := Marshal(&TTS{State: TTSStateStart})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != "tts" {
		t.Errorf("type: got %v, want tts", raw["type"])
	}
	if raw["state"] != "start" {
		t.Errorf("state: got %v, want start", raw["state"])
	}
}

func TestMarshal_ParseRoundTripHello(t *testing.T) {
	t.Parallel()

	orig := &Hello{
		Version:   1,
		Transport: "websocket",
		SessionID: "sess-42",
		AudioParams: AudioParams{
			Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60,
		},
	}
	data, err := Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	back := msg.(*Hello)
	if back.SessionID != "sess-42" || back.AudioParams.SampleRate != 16000 {
		t.Errorf("round trip lost fields: %+v", back)
	}
}

func TestValidFrameDurationMs(t *testing.T) {
	t.Parallel()

	for _, ms := range []int{20, 40, 60} {
		if !ValidFrameDurationMs(ms) {
			t.Errorf("ValidFrameDurationMs(%d) = false, want true", ms)
		}
	}
	for _, ms := range []int{0, 10, 30, 80, 100} {
		if ValidFrameDurationMs(ms) {
			t.Errorf("ValidFrameDurationMs(%d) = true, want false", ms)
		}
	}
}
