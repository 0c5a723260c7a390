package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/provider/embeddings"
	"github.com/MrWong99/voxgate/pkg/types"
)

const (
	// defaultRecallTopK is how many prior exchanges are retrieved per utterance.
	defaultRecallTopK = 5

	// defaultRecallTimeout bounds the embedding lookup so a slow memory
	// backend cannot delay the LLM stage noticeably.
	defaultRecallTimeout = 2 * time.Second
)

// Memory bundles the transcript log, the semantic index, and the embedding
// provider into the recall/persist pair the pipeline uses around each LLM
// call. All failures are contained: a broken memory backend degrades the
// assistant's recall, never the conversation.
type Memory struct {
	log      memory.TranscriptLog
	index    memory.SemanticIndex
	embedder embeddings.Provider
	topK     int
	timeout  time.Duration
	logger   *slog.Logger
}

// MemoryOption is a functional option for configuring a Memory.
type MemoryOption func(*Memory)

// WithRecallTopK sets how many prior chunks are retrieved per utterance.
// Default: 5.
func WithRecallTopK(k int) MemoryOption {
	return func(m *Memory) { m.topK = k }
}

// WithRecallTimeout bounds the duration of a single recall lookup.
// Default: 2 s.
func WithRecallTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) { m.timeout = d }
}

// WithMemoryLogger sets the logger used for contained-failure reporting.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// NewMemory constructs a Memory over the given backends.
func NewMemory(log memory.TranscriptLog, index memory.SemanticIndex, embedder embeddings.Provider, opts ...MemoryOption) *Memory {
	m := &Memory{
		log:      log,
		index:    index,
		embedder: embedder,
		topK:     defaultRecallTopK,
		timeout:  defaultRecallTimeout,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Recall embeds text and returns the contents of the most similar chunks from
// the device's prior sessions, most similar first. The current session is
// excluded so the live conversation is not echoed back as a memory.
//
// Recall never fails: on any backend error it logs and returns nil.
func (m *Memory) Recall(ctx context.Context, deviceID, sessionID, text string) []string {
	if text == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		m.logger.Warn("memory recall: embed failed", "device_id", deviceID, "error", err)
		return nil
	}

	results, err := m.index.Search(ctx, vec, m.topK, memory.ChunkFilter{
		DeviceID:         deviceID,
		ExcludeSessionID: sessionID,
	})
	if err != nil {
		m.logger.Warn("memory recall: search failed", "device_id", deviceID, "error", err)
		return nil
	}

	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Chunk.Content)
	}
	return out
}

// Persist records a finished exchange: both turns go to the transcript log
// and, embedded, to the semantic index. Failures are logged and swallowed.
func (m *Memory) Persist(ctx context.Context, sessionID, deviceID, userText, assistantText string) {
	now := time.Now()
	turns := []types.TranscriptEntry{}
	if userText != "" {
		turns = append(turns, types.TranscriptEntry{
			SessionID: sessionID, DeviceID: deviceID,
			Role: "user", Text: userText, Timestamp: now,
		})
	}
	if assistantText != "" {
		turns = append(turns, types.TranscriptEntry{
			SessionID: sessionID, DeviceID: deviceID,
			Role: "assistant", Text: assistantText, Timestamp: now,
		})
	}
	if len(turns) == 0 {
		return
	}

	for _, e := range turns {
		if err := m.log.WriteEntry(ctx, e); err != nil {
			m.logger.Warn("memory persist: write entry failed", "session_id", sessionID, "error", err)
		}
	}

	texts := make([]string, len(turns))
	for i, e := range turns {
		texts[i] = e.Text
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		m.logger.Warn("memory persist: embed batch failed", "session_id", sessionID, "error", err)
		return
	}
	if len(vecs) != len(turns) {
		m.logger.Warn("memory persist: embed batch length mismatch",
			"session_id", sessionID, "want", len(turns), "got", len(vecs))
		return
	}

	for i, e := range turns {
		chunk := memory.Chunk{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			DeviceID:  deviceID,
			Role:      e.Role,
			Content:   e.Text,
			Embedding: vecs[i],
			Timestamp: e.Timestamp,
		}
		if err := m.index.IndexChunk(ctx, chunk); err != nil {
			m.logger.Warn("memory persist: index chunk failed", "session_id", sessionID, "error", err)
		}
	}
}

// promptBlock renders recalled chunks into a system prompt section. Returns ""
// when nothing was recalled.
func promptBlock(recalled []string) string {
	if len(recalled) == 0 {
		return ""
	}
	var b []byte
	b = append(b, "Relevant context from earlier conversations with this user:\n"...)
	for _, r := range recalled {
		b = append(b, fmt.Sprintf("- %s\n", r)...)
	}
	return string(b)
}
