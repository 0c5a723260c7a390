// Package types defines the shared types used across all voxgate packages.
//
// These types form the lingua franca between the session kernel, the service
// adapters, and the memory layer. They are intentionally minimal — each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// PCMChunk is a block of raw little-endian int16 PCM samples flowing through
// the pipeline. Chunks are produced by the Opus decoder, inspected by VAD, and
// concatenated into utterances for STT.
type PCMChunk struct {
	// Data is little-endian int16 PCM. Always an even number of bytes.
	Data []byte

	// SampleRate in Hz. The gateway's canonical rate is 16000.
	SampleRate int

	// Channels is the channel count. The gateway's canonical profile is mono.
	Channels int

	// Timestamp marks when this chunk was received, relative to session start.
	Timestamp time.Duration
}

// Samples returns the number of PCM samples in the chunk (per channel count
// of 1; callers with multi-channel data divide by Channels).
func (c PCMChunk) Samples() int { return len(c.Data) / 2 }

// Transcript is a speech-to-text result emitted by an STT adapter.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64
}

// TranscriptEntry is one exchange record in a session's conversation history:
// either what the device user said or what the assistant replied.
type TranscriptEntry struct {
	// SessionID is the session this entry belongs to.
	SessionID string

	// DeviceID identifies the device the session was opened for.
	DeviceID string

	// Role is "user" for device utterances and "assistant" for replies.
	Role string

	// Text is the utterance or reply text.
	Text string

	// Timestamp is when this entry was recorded.
	Timestamp time.Time
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
// Tools originate either from the device's MCP sub-session or from
// server-side MCP servers; the registry merges both sets.
type ToolDefinition struct {
	// Name is the tool's unique identifier within a session.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0). For the energy
	// detector this is the normalised frame energy relative to the threshold.
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSilence indicates no speech detected.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended (hangover elapsed).
	VADSpeechEnd
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech-start"
	case VADSpeechContinue:
		return "speech-continue"
	case VADSpeechEnd:
		return "speech-end"
	default:
		return "unknown"
	}
}
