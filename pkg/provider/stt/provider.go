// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram, or any
// OpenAI-compatible transcription endpoint) and exposes a uniform interface.
// The gateway accumulates a complete utterance of PCM audio before asking for
// recognition, so the central operation is Recognize: submit one utterance,
// receive a stream of Transcript values, partials first and exactly one final
// last.
//
// Implementations must be safe for concurrent use; multiple device sessions
// recognize utterances simultaneously.
package stt

import (
	"context"

	"github.com/MrWong99/voxgate/pkg/types"
)

// RecognizeConfig describes the audio format and recognition hints for a
// single utterance. All fields must be compatible with what the underlying
// provider supports.
type RecognizeConfig struct {
	// SampleRate is the audio sample rate in Hz. The gateway pipeline always
	// submits 16000 Hz mono; the field exists for out-of-band callers.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "zh-CN"). An empty string lets the provider auto-detect, if supported.
	Language string

	// Hints is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as device or contact names.
	Hints []string
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple utterances may be
// in flight simultaneously, one per device session.
type Provider interface {
	// Recognize submits a complete utterance of 16-bit little-endian PCM and
	// returns a read-only channel of Transcript values. Implementations may
	// emit any number of partial transcripts (IsFinal false) followed by
	// exactly one final transcript, then close the channel. An utterance the
	// provider hears as pure silence yields a final transcript with empty
	// Text.
	//
	// The channel is closed by the implementation when recognition finishes
	// or when ctx is cancelled; callers must drain it. The initial error
	// return is non-nil only for failures that prevent recognition from
	// starting (bad config, dial failure, ctx already cancelled).
	Recognize(ctx context.Context, pcm []byte, cfg RecognizeConfig) (<-chan types.Transcript, error)
}
