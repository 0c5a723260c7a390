package audio

import "time"

// UtteranceBuffer accumulates decoded PCM for one in-progress utterance.
//
// The buffer has a fixed sample capacity derived from the configured maximum
// utterance duration. Append is O(1) amortised; Finalize returns a contiguous
// view of everything appended, with a truncated flag once capacity was hit.
// The buffer is single-writer (the ingest path) and single-reader (the
// pipeline), so it carries no lock.
type UtteranceBuffer struct {
	buf       []byte
	capBytes  int
	truncated bool
	startedAt time.Time
}

// NewUtteranceBuffer creates a buffer capped at maxDuration of 16 kHz mono
// PCM. A 30 s cap holds 960 000 bytes.
func NewUtteranceBuffer(maxDuration time.Duration) *UtteranceBuffer {
	capBytes := FrameSamples(maxDuration) * 2
	return &UtteranceBuffer{
		buf:       make([]byte, 0, min(capBytes, SampleRate*2)), // grow up to capBytes
		capBytes:  capBytes,
		startedAt: time.Now(),
	}
}

// Append adds decoded PCM bytes to the buffer. It returns false once the
// buffer is full; the excess is discarded and the buffer is marked truncated.
// A false return tells the kernel to force-finalize the utterance.
func (b *UtteranceBuffer) Append(pcm []byte) bool {
	if b.truncated {
		return false
	}
	room := b.capBytes - len(b.buf)
	if len(pcm) >= room {
		b.buf = append(b.buf, pcm[:room]...)
		b.truncated = true
		return false
	}
	b.buf = append(b.buf, pcm...)
	return true
}

// Len returns the number of buffered PCM bytes.
func (b *UtteranceBuffer) Len() int { return len(b.buf) }

// Duration returns the audio duration currently buffered.
func (b *UtteranceBuffer) Duration() time.Duration {
	samples := len(b.buf) / 2
	return time.Duration(samples) * time.Second / SampleRate
}

// StartedAt returns when the buffer (and thus the utterance) was opened.
func (b *UtteranceBuffer) StartedAt() time.Time { return b.startedAt }

// Finalize returns the contiguous PCM accumulated so far and whether the
// utterance was truncated by the capacity cap. The returned slice aliases the
// buffer's backing array; the buffer must not be appended to afterwards.
func (b *UtteranceBuffer) Finalize() (pcm []byte, truncated bool) {
	return b.buf, b.truncated
}
