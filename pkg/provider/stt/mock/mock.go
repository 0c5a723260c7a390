// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed scripted transcripts to the pipeline without a live
// STT backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Transcripts: []types.Transcript{
//	        {Text: "turn on the", IsFinal: false},
//	        {Text: "turn on the lights", IsFinal: true, Confidence: 0.9},
//	    },
//	}
//	ch, _ := p.Recognize(ctx, pcm, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/types"
)

// RecognizeCall records a single invocation of Recognize.
type RecognizeCall struct {
	// Ctx is the context passed to Recognize.
	Ctx context.Context
	// PCM is a copy of the utterance audio passed to Recognize.
	PCM []byte
	// Cfg is the RecognizeConfig passed to Recognize.
	Cfg stt.RecognizeConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Transcripts is the sequence emitted on the channel returned by
	// Recognize. All values are sent before the channel is closed.
	Transcripts []types.Transcript

	// RecognizeErr, if non-nil, is returned as the error from Recognize
	// instead of starting a channel.
	RecognizeErr error

	// --- Call records ---

	// RecognizeCalls records every invocation of Recognize in order.
	RecognizeCalls []RecognizeCall
}

// Recognize records the call and, if RecognizeErr is nil, returns a channel
// that emits Transcripts then closes.
func (p *Provider) Recognize(ctx context.Context, pcm []byte, cfg stt.RecognizeConfig) (<-chan types.Transcript, error) {
	p.mu.Lock()
	pcmCopy := make([]byte, len(pcm))
	copy(pcmCopy, pcm)
	p.RecognizeCalls = append(p.RecognizeCalls, RecognizeCall{Ctx: ctx, PCM: pcmCopy, Cfg: cfg})
	if p.RecognizeErr != nil {
		err := p.RecognizeErr
		p.mu.Unlock()
		return nil, err
	}
	transcripts := make([]types.Transcript, len(p.Transcripts))
	copy(transcripts, p.Transcripts)
	p.mu.Unlock()

	ch := make(chan types.Transcript, len(transcripts))
	go func() {
		defer close(ch)
		for _, tr := range transcripts {
			select {
			case <-ctx.Done():
				return
			case ch <- tr:
			}
		}
	}()
	return ch, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RecognizeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
