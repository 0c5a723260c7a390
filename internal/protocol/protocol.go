// Package protocol defines the JSON envelopes exchanged over a device
// WebSocket connection.
//
// Text frames carry exactly one envelope; every envelope is a JSON object
// with a "type" tag selecting the variant. Binary frames are not handled
// here: they carry one Opus packet, or a zero-length sentinel denoting
// end-of-stream, and go straight to the audio layer.
//
// Parse performs schema validation at the boundary: a known tag with a
// malformed body is an error, while an unknown tag parses into *Unknown so
// the session can log and drop it without tearing down the connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope type tags.
const (
	TypeHello            = "hello"
	TypeListen           = "listen"
	TypeAbort            = "abort"
	TypeChat             = "chat"
	TypeWakeWordDetected = "wake_word_detected"
	TypeIot              = "iot"
	TypeMcp              = "mcp"
	TypeFriend           = "friend"
	TypeFriendAck        = "friend_ack"
	TypeSTT              = "stt"
	TypeLLM              = "llm"
	TypeTTS              = "tts"
	TypeTTSFallback      = "tts_fallback"
	TypeTTSDisabled      = "tts_disabled"
	TypeError            = "error"
)

// Listen states and modes.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"

	ListenModeAuto     = "auto"
	ListenModeManual   = "manual"
	ListenModeRealtime = "realtime"
)

// TTS states emitted by the server.
const (
	TTSStateStart         = "start"
	TTSStateSentenceStart = "sentence_start"
	TTSStateStop          = "stop"
)

// Friend ack statuses. A message shed because the target's inbox is at
// capacity acks "dropped".
const (
	FriendStatusDelivered = "delivered"
	FriendStatusUnknown   = "unknown"
	FriendStatusDropped   = "dropped"
)

// Error codes carried in the Error envelope.
const (
	ErrCodeProtocol   = "protocol_error"
	ErrCodeSTTFailed  = "stt_failed"
	ErrCodeLLMFailed  = "llm_failed"
	ErrCodeTTSFailed  = "tts_failed"
	ErrCodeMcpFailed  = "mcp_failed"
	ErrCodeOverloaded = "overloaded"
)

// ErrMalformed wraps every parse failure for a known envelope type.
var ErrMalformed = errors.New("protocol: malformed envelope")

// Message is the sealed union of all envelope variants. Tag returns the wire
// "type" value.
type Message interface {
	Tag() string
}

// ─── Handshake ───

// Features advertises optional sub-protocols in the hello handshake.
type Features struct {
	MCP bool `json:"mcp"`
}

// AudioParams describes the binary audio profile negotiated in the handshake.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"` // milliseconds
}

// Hello is the first envelope in each direction. The server reply echoes the
// client's hello and adds SessionID.
type Hello struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Transport   string      `json:"transport"`
	DeviceID    string      `json:"device_id,omitempty"`
	DeviceName  string      `json:"device_name,omitempty"`
	Features    Features    `json:"features"`
	AudioParams AudioParams `json:"audio_params"`
	SessionID   string      `json:"session_id,omitempty"`
}

func (*Hello) Tag() string { return TypeHello }

// ─── Client → server control ───

// Listen starts, stops, or re-arms audio capture.
type Listen struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Mode  string `json:"mode,omitempty"`
}

func (*Listen) Tag() string { return TypeListen }

// Abort cancels the in-flight pipeline, if any.
type Abort struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

func (*Abort) Tag() string { return TypeAbort }

// Chat submits typed text that skips STT and drives the LLM→TTS tail of the
// pipeline directly.
type Chat struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	State string `json:"state,omitempty"`
}

func (*Chat) Tag() string { return TypeChat }

// WakeWordDetected reports an on-device wake word hit for server-side
// validation.
type WakeWordDetected struct {
	Type       string  `json:"type"`
	Keyword    string  `json:"keyword"`
	Confidence float64 `json:"confidence"`
}

func (*WakeWordDetected) Tag() string { return TypeWakeWordDetected }

// Iot carries device descriptors or state updates. The gateway retains them
// verbatim for prompt assembly; it never actuates.
type Iot struct {
	Type        string          `json:"type"`
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
}

func (*Iot) Tag() string { return TypeIot }

// Mcp wraps one JSON-RPC 2.0 message of the device tool sub-protocol. Used
// in both directions.
type Mcp struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (*Mcp) Tag() string { return TypeMcp }

// Friend requests relay of opaque data to another connected device
// (client → server) or delivers relayed data (server → client, with From and
// Timestamp set instead of ClientID).
type Friend struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientid,omitempty"`
	From      string          `json:"from,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp,omitempty"` // Unix milliseconds
}

func (*Friend) Tag() string { return TypeFriend }

// ─── Server → client ───

// FriendAck reports the outcome of a Friend relay request.
type FriendAck struct {
	Type   string `json:"type"`
	To     string `json:"to"`
	Status string `json:"status"`
}

func (*FriendAck) Tag() string { return TypeFriendAck }

// STT delivers the final transcript of an utterance.
type STT struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (*STT) Tag() string { return TypeSTT }

// LLM delivers assistant reply text.
type LLM struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Emotion string `json:"emotion,omitempty"`
}

func (*LLM) Tag() string { return TypeLLM }

// TTS frames the synthesized audio stream: start, per-sentence markers, stop.
type TTS struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
}

func (*TTS) Tag() string { return TypeTTS }

// TTSFallback substitutes reply text when every TTS backend is unavailable.
type TTSFallback struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (*TTSFallback) Tag() string { return TypeTTSFallback }

// TTSDisabled tells the client that synthesis is switched off by
// configuration.
type TTSDisabled struct {
	Type string `json:"type"`
}

func (*TTSDisabled) Tag() string { return TypeTTSDisabled }

// Error reports a client-visible failure. The session usually survives.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Error) Tag() string { return TypeError }

// Unknown preserves an envelope whose type tag is not recognised. The session
// logs and drops it.
type Unknown struct {
	TypeTag string
	Raw     json.RawMessage
}

func (u *Unknown) Tag() string { return u.TypeTag }

// ─── Parsing ───

// probe extracts just the type tag.
type probe struct {
	Type string `json:"type"`
}

// Parse validates a text frame and returns the decoded variant. A missing or
// empty type tag, or a known tag with a malformed body, returns an error
// wrapping ErrMalformed. An unrecognised tag returns *Unknown and no error.
func Parse(data []byte) (Message, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformed)
	}

	var msg Message
	switch p.Type {
	case TypeHello:
		msg = &Hello{}
	case TypeListen:
		msg = &Listen{}
	case TypeAbort:
		msg = &Abort{}
	case TypeChat:
		msg = &Chat{}
	case TypeWakeWordDetected:
		msg = &WakeWordDetected{}
	case TypeIot:
		msg = &Iot{}
	case TypeMcp:
		msg = &Mcp{}
	case TypeFriend:
		msg = &Friend{}
	case TypeFriendAck:
		msg = &FriendAck{}
	case TypeSTT:
		msg = &STT{}
	case TypeLLM:
		msg = &LLM{}
	case TypeTTS:
		msg = &TTS{}
	case TypeTTSFallback:
		msg = &TTSFallback{}
	case TypeTTSDisabled:
		msg = &TTSDisabled{}
	case TypeError:
		msg = &Error{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &Unknown{TypeTag: p.Type, Raw: raw}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, p.Type, err)
	}
	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// validate enforces the per-variant field constraints that JSON decoding
// alone cannot express.
func validate(msg Message) error {
	switch m := msg.(type) {
	case *Hello:
		if m.Version == 0 {
			return errors.New("hello: missing version")
		}
	case *Listen:
		switch m.State {
		case ListenStateStart, ListenStateStop, ListenStateDetect:
		default:
			return fmt.Errorf("listen: invalid state %q", m.State)
		}
		switch m.Mode {
		case "", ListenModeAuto, ListenModeManual, ListenModeRealtime:
		default:
			return fmt.Errorf("listen: invalid mode %q", m.Mode)
		}
	case *Chat:
		if m.Text == "" {
			return errors.New("chat: missing text")
		}
	case *WakeWordDetected:
		if m.Keyword == "" {
			return errors.New("wake_word_detected: missing keyword")
		}
	case *Mcp:
		if len(m.Payload) == 0 {
			return errors.New("mcp: missing payload")
		}
	case *Friend:
		if m.ClientID == "" && m.From == "" {
			return errors.New("friend: missing clientid")
		}
	case *TTS:
		switch m.State {
		case TTSStateStart, TTSStateSentenceStart, TTSStateStop:
		default:
			return fmt.Errorf("tts: invalid state %q", m.State)
		}
	}
	return nil
}

// Marshal encodes an envelope, stamping the type tag so callers can construct
// variants without filling the Type field themselves.
func Marshal(msg Message) ([]byte, error) {
	stamp(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msg.Tag(), err)
	}
	return data, nil
}

// stamp writes the wire tag into the variant's Type field.
func stamp(msg Message) {
	switch m := msg.(type) {
	case *Hello:
		m.Type = TypeHello
	case *Listen:
		m.Type = TypeListen
	case *Abort:
		m.Type = TypeAbort
	case *Chat:
		m.Type = TypeChat
	case *WakeWordDetected:
		m.Type = TypeWakeWordDetected
	case *Iot:
		m.Type = TypeIot
	case *Mcp:
		m.Type = TypeMcp
	case *Friend:
		m.Type = TypeFriend
	case *FriendAck:
		m.Type = TypeFriendAck
	case *STT:
		m.Type = TypeSTT
	case *LLM:
		m.Type = TypeLLM
	case *TTS:
		m.Type = TypeTTS
	case *TTSFallback:
		m.Type = TypeTTSFallback
	case *TTSDisabled:
		m.Type = TypeTTSDisabled
	case *Error:
		m.Type = TypeError
	}
}

// ValidFrameDurationMs reports whether a hello's frame_duration is one the
// server accepts.
func ValidFrameDurationMs(ms int) bool {
	switch ms {
	case 20, 40, 60:
		return true
	default:
		return false
	}
}
