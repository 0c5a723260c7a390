// Package memory defines the two-layer conversation memory used by voxgate
// sessions.
//
// The architecture is organised as a hierarchy of increasing abstraction:
//
//   - Transcript log ([TranscriptLog]): time-ordered record of everything a
//     device user said and everything the assistant replied. Allows fast
//     writes and recency-window retrieval for prompt context.
//   - Semantic index ([SemanticIndex]): vector store for embedding-based
//     similarity search over past exchanges, so the assistant can recall
//     relevant prior conversations before answering.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, Redis, in-memory, …) without depending
// on voxgate internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"

	"github.com/MrWong99/voxgate/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// Transcript log supporting types
// ─────────────────────────────────────────────────────────────────────────────

// SearchOpts configures a keyword / full-text search over transcript entries.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// DeviceID restricts results to sessions opened for a specific device.
	// An empty string matches all devices.
	DeviceID string

	// Role restricts results to "user" or "assistant" entries.
	// An empty string matches both.
	Role string

	// After filters entries recorded after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic index supporting types
// ─────────────────────────────────────────────────────────────────────────────

// Chunk is a single exchange fragment prepared for semantic indexing. A Chunk
// carries its pre-computed embedding so the index does not need to re-embed on
// insertion.
type Chunk struct {
	// ID is the unique identifier for this chunk (e.g., a UUID).
	ID string

	// SessionID is the session this chunk was recorded in.
	SessionID string

	// DeviceID identifies the device the session was opened for. Recall
	// queries are scoped by device so one household's memories never leak
	// into another's.
	DeviceID string

	// Role is "user" for device utterances and "assistant" for replies.
	Role string

	// Content is the raw text of the chunk.
	Content string

	// Embedding is the vector representation of Content.
	// Dimension must match the index configuration (e.g., 1536 for OpenAI
	// text-embedding-3-small).
	Embedding []float32

	// Timestamp is when this chunk was recorded.
	Timestamp time.Time
}

// ChunkFilter narrows a semantic search to a subset of indexed chunks.
// All non-zero fields are applied as AND conditions.
type ChunkFilter struct {
	// DeviceID restricts results to chunks recorded for a specific device.
	DeviceID string

	// SessionID restricts results to a single session.
	SessionID string

	// ExcludeSessionID drops chunks from the named session. Used during
	// recall so the current conversation is not echoed back as a "memory".
	ExcludeSessionID string

	// Role restricts results to "user" or "assistant" chunks.
	Role string

	// After filters chunks recorded after this instant (exclusive).
	After time.Time

	// Before filters chunks recorded before this instant (exclusive).
	Before time.Time
}

// ChunkResult pairs a retrieved chunk with its vector-space distance from the
// query embedding. Lower Distance values indicate higher semantic similarity.
type ChunkResult struct {
	// Chunk is the retrieved fragment.
	Chunk Chunk

	// Distance is the cosine distance to the query embedding.
	Distance float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Transcript log interface
// ─────────────────────────────────────────────────────────────────────────────

// TranscriptLog is a time-ordered, append-only record of
// [types.TranscriptEntry] values across sessions.
//
// Entries must be returned in chronological order unless otherwise specified.
// Implementations must be safe for concurrent use.
type TranscriptLog interface {
	// WriteEntry appends entry to the log. entry.SessionID must be non-empty.
	// Returns an error only on persistent storage failure.
	WriteEntry(ctx context.Context, entry types.TranscriptEntry) error

	// GetRecent returns all entries for the given session whose Timestamp is
	// no earlier than time.Now()-duration.
	// Returns an empty (non-nil) slice when no matching entries exist.
	GetRecent(ctx context.Context, sessionID string, duration time.Duration) ([]types.TranscriptEntry, error)

	// Search performs keyword / full-text search over stored entries.
	// The query string is matched against the Text field.
	// opts refines the result set by time range, role, device, or session.
	// Returns an empty (non-nil) slice when no entries match.
	Search(ctx context.Context, query string, opts SearchOpts) ([]types.TranscriptEntry, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic index interface
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is a vector store for embedding-based similarity search over
// past exchanges.
//
// Callers are responsible for producing embeddings before calling IndexChunk
// or Search. Implementations must be safe for concurrent use.
type SemanticIndex interface {
	// IndexChunk stores a pre-embedded [Chunk] in the vector index.
	// If a chunk with the same ID already exists it must be replaced (upsert).
	IndexChunk(ctx context.Context, chunk Chunk) error

	// Search finds the topK chunks whose embeddings are closest to the query
	// embedding, filtered by filter.
	// Results are ordered by ascending Distance (most similar first).
	// Returns an empty (non-nil) slice when no chunks match.
	Search(ctx context.Context, embedding []float32, topK int, filter ChunkFilter) ([]ChunkResult, error)
}
