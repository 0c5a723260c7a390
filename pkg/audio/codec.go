// Package audio provides the gateway's audio primitives: the Opus frame codec,
// PCM conversion helpers, and the bounded utterance buffer.
//
// The wire profile is fixed: Opus at 16 kHz, mono, 60 ms frames (960 samples
// per frame). Devices may negotiate 20 or 40 ms frames in the hello handshake;
// the codec supports any of the three durations but one codec instance is
// locked to a single duration for its lifetime.
package audio

import (
	"errors"
	"fmt"
	"time"

	"layeh.com/gopus"
)

// Canonical wire profile constants.
const (
	// SampleRate is the fixed gateway sample rate in Hz.
	SampleRate = 16000

	// Channels is the fixed channel count (mono).
	Channels = 1

	// DefaultFrameDuration is the canonical Opus frame duration.
	DefaultFrameDuration = 60 * time.Millisecond
)

// ErrCodec is the base error for Opus encode/decode failures. Decode failures
// are recoverable: the caller drops the frame and continues.
var ErrCodec = errors.New("audio: codec error")

// ValidFrameDuration reports whether d is a frame duration the gateway
// accepts in the hello handshake (20, 40 or 60 ms).
func ValidFrameDuration(d time.Duration) bool {
	switch d {
	case 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
		return true
	}
	return false
}

// FrameSamples returns the number of PCM samples in one frame of duration d
// at the gateway sample rate. 60 ms → 960 samples.
func FrameSamples(d time.Duration) int {
	return int(int64(SampleRate) * d.Milliseconds() / 1000)
}

// FrameCodec converts between Opus packets and raw PCM at the gateway
// profile. Decoder and encoder state is stateful across consecutive frames,
// so each session direction needs its own FrameCodec.
//
// FrameCodec is not safe for concurrent use; the session kernel owns one
// codec for ingest and one for egress.
type FrameCodec struct {
	dec        *gopus.Decoder
	enc        *gopus.Encoder
	frameSize  int // samples per frame
	frameBytes int // frameSize * 2
}

// NewFrameCodec creates a codec locked to the given frame duration.
// Returns an error if the duration is not one of 20/40/60 ms or if the
// underlying Opus state cannot be allocated.
func NewFrameCodec(frameDuration time.Duration) (*FrameCodec, error) {
	if !ValidFrameDuration(frameDuration) {
		return nil, fmt.Errorf("%w: unsupported frame duration %s", ErrCodec, frameDuration)
	}
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("%w: create decoder: %v", ErrCodec, err)
	}
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("%w: create encoder: %v", ErrCodec, err)
	}
	size := FrameSamples(frameDuration)
	return &FrameCodec{
		dec:        dec,
		enc:        enc,
		frameSize:  size,
		frameBytes: size * 2,
	}, nil
}

// FrameSize returns the number of samples per frame this codec operates on.
func (c *FrameCodec) FrameSize() int { return c.frameSize }

// Decode decodes one Opus packet into little-endian int16 PCM bytes.
// A zero-length packet is the end-of-stream sentinel; Decode returns
// (nil, nil) for it and the caller interprets the nil slice as the sentinel.
// Malformed packets return an error wrapping [ErrCodec]; the session drops
// the frame and continues.
func (c *FrameCodec) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, nil
	}
	pcm, err := c.dec.Decode(packet, c.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCodec, err)
	}
	return Int16sToBytes(pcm), nil
}

// Encode encodes one frame of little-endian int16 PCM bytes into an Opus
// packet. A block shorter than the frame size is zero-padded to a full frame
// before encoding; this loses at most one frame duration of trailing silence
// and keeps every packet a legal fixed-duration frame. Blocks longer than one
// frame are rejected — callers split PCM into frames first.
func (c *FrameCodec) Encode(pcmBytes []byte) ([]byte, error) {
	if len(pcmBytes) > c.frameBytes {
		return nil, fmt.Errorf("%w: encode: block of %d bytes exceeds frame size %d", ErrCodec, len(pcmBytes), c.frameBytes)
	}
	if len(pcmBytes) < c.frameBytes {
		padded := make([]byte, c.frameBytes)
		copy(padded, pcmBytes)
		pcmBytes = padded
	}
	pcm := BytesToInt16s(pcmBytes)
	packet, err := c.enc.Encode(pcm, c.frameSize, c.frameBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrCodec, err)
	}
	return packet, nil
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
