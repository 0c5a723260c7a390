package resilience

import (
	"context"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/types"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Recognize submits the utterance to the first healthy provider. If the
// primary fails to start recognition, subsequent fallbacks are tried with the
// same PCM; the utterance is fully buffered so a retry loses nothing.
func (f *STTFallback) Recognize(ctx context.Context, pcm []byte, cfg stt.RecognizeConfig) (<-chan types.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (<-chan types.Transcript, error) {
		return p.Recognize(ctx, pcm, cfg)
	})
}
