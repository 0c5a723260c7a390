// Package energy provides a dependency-free VAD engine based on short-term
// RMS energy with hysteresis and a hangover window. It implements the
// vad.Engine interface.
//
// The detector normalises per-frame RMS energy against the int16 full scale
// and compares the score against the configured thresholds. Speech begins
// when the score crosses SpeechThreshold; speech ends only after the score
// stays below SilenceThreshold for the full hangover window, so natural
// mid-sentence pauses do not split an utterance.
package energy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/types"
)

const (
	// DefaultHangover is how long silence must persist before speech end is
	// declared when the session config leaves Hangover zero.
	DefaultHangover = 400 * time.Millisecond

	// DefaultSpeechThreshold and DefaultSilenceThreshold are starting values
	// tuned for near-field device microphones.
	DefaultSpeechThreshold  = 0.050
	DefaultSilenceThreshold = 0.025
)

// Engine implements vad.Engine with per-session energy detectors.
type Engine struct{}

// Compile-time interface assertion.
var _ vad.Engine = (*Engine)(nil)

// New creates a new energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 || cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > 1 {
		return nil, fmt.Errorf("energy: thresholds must be in [0,1], got speech=%g silence=%g",
			cfg.SpeechThreshold, cfg.SilenceThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %g exceeds speech threshold %g",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	hangover := cfg.Hangover
	if hangover == 0 {
		hangover = DefaultHangover
	}

	hangoverFrames := int(hangover.Milliseconds()) / cfg.FrameSizeMs
	if hangoverFrames < 1 {
		hangoverFrames = 1
	}

	return &session{
		frameBytes:     cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		speechThresh:   cfg.SpeechThreshold,
		silenceThresh:  cfg.SilenceThreshold,
		hangoverFrames: hangoverFrames,
	}, nil
}

// session is a single-stream energy detector. Not safe for concurrent use.
type session struct {
	frameBytes     int
	speechThresh   float64
	silenceThresh  float64
	hangoverFrames int

	inSpeech      bool
	silentStreak  int
	closed        bool
}

var errClosed = errors.New("energy: session is closed")

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, errClosed
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	score := rmsScore(frame)
	ev := types.VADEvent{Probability: score}

	switch {
	case !s.inSpeech && score >= s.speechThresh:
		s.inSpeech = true
		s.silentStreak = 0
		ev.Type = types.VADSpeechStart

	case s.inSpeech && score <= s.silenceThresh:
		s.silentStreak++
		if s.silentStreak >= s.hangoverFrames {
			s.inSpeech = false
			s.silentStreak = 0
			ev.Type = types.VADSpeechEnd
		} else {
			// Inside the hangover window the utterance is still live.
			ev.Type = types.VADSpeechContinue
		}

	case s.inSpeech:
		s.silentStreak = 0
		ev.Type = types.VADSpeechContinue

	default:
		ev.Type = types.VADSilence
	}

	return ev, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.inSpeech = false
	s.silentStreak = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// rmsScore returns the frame's RMS energy normalised to [0,1] against the
// int16 full scale.
func rmsScore(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}
