// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (e.g., a simple energy
// gate, Silero VAD, or a custom model) and surfaces it as a stateful,
// per-stream session. Each session maintains its own internal state (energy
// history, hangover counters) so that multiple concurrent device sessions can
// be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency path that decides
// when an utterance starts and ends in auto listen mode.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"time"

	"github.com/MrWong99/voxgate/pkg/types"
)

// Config holds the parameters for a VAD session. All numeric thresholds are
// expressed in the engine's native scale; see each Engine's documentation for
// recommended starting values.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match this
	// size.
	FrameSizeMs int

	// SpeechThreshold is the score above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Higher values reduce false positives at the
	// cost of increased speech start latency.
	SpeechThreshold float64

	// SilenceThreshold is the score below which a frame is classified as
	// silence. Range: [0.0, 1.0]. Must be <= SpeechThreshold; the gap between
	// the two acts as hysteresis.
	SilenceThreshold float64

	// Hangover is how long detected silence must persist after speech before
	// the session emits a speech-end event. Prevents mid-sentence pauses from
	// splitting an utterance. Zero selects the engine default.
	Hangover time.Duration
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Each session maintains its own detection state;
// Reset clears this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian PCM at the SampleRate and
	// FrameSizeMs configured when the session was created. Returns an error
	// if the frame size is wrong or if the engine encounters an internal
	// failure.
	//
	// This method is called synchronously in the session's inbound audio
	// loop; it must not block.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears all accumulated detection state (energy history, hangover
	// counters) without closing the session. The kernel calls this at the
	// start of every listening window so state from the previous utterance
	// cannot leak into the next one.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame must return an error and Reset must be a no-op. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (e.g., unsupported
	// sample rate, frame size, or threshold out of range) or if the engine
	// cannot allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
