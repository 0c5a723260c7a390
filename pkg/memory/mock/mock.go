// Package mock provides in-memory test doubles for the memory layer interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	log := &mock.TranscriptLog{}
//	log.GetRecentResult = []types.TranscriptEntry{{Text: "hello"}}
//
//	// inject log into the system under test …
//
//	if got := log.CallCount("GetRecent"); got != 1 {
//	    t.Errorf("expected 1 GetRecent call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/types"
)

// Compile-time interface checks.
var (
	_ memory.TranscriptLog = (*TranscriptLog)(nil)
	_ memory.SemanticIndex = (*SemanticIndex)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// TranscriptLog mock
// ─────────────────────────────────────────────────────────────────────────────

// TranscriptLog is a configurable test double for [memory.TranscriptLog].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil (empty slice returned).
type TranscriptLog struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// Written accumulates every entry passed to WriteEntry.
	Written []types.TranscriptEntry

	// WriteEntryErr is returned by [TranscriptLog.WriteEntry] when non-nil.
	WriteEntryErr error

	// GetRecentResult is returned by [TranscriptLog.GetRecent].
	// When nil, GetRecent returns an empty non-nil slice.
	GetRecentResult []types.TranscriptEntry

	// GetRecentErr is returned by [TranscriptLog.GetRecent] when non-nil.
	GetRecentErr error

	// SearchResult is returned by [TranscriptLog.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []types.TranscriptEntry

	// SearchErr is returned by [TranscriptLog.Search] when non-nil.
	SearchErr error
}

// WriteEntry implements [memory.TranscriptLog].
func (m *TranscriptLog) WriteEntry(_ context.Context, entry types.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{entry}})
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	m.Written = append(m.Written, entry)
	return nil
}

// GetRecent implements [memory.TranscriptLog].
func (m *TranscriptLog) GetRecent(_ context.Context, sessionID string, duration time.Duration) ([]types.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetRecent", Args: []any{sessionID, duration}})
	if m.GetRecentErr != nil {
		return nil, m.GetRecentErr
	}
	if m.GetRecentResult == nil {
		return []types.TranscriptEntry{}, nil
	}
	return m.GetRecentResult, nil
}

// Search implements [memory.TranscriptLog].
func (m *TranscriptLog) Search(_ context.Context, query string, opts memory.SearchOpts) ([]types.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult == nil {
		return []types.TranscriptEntry{}, nil
	}
	return m.SearchResult, nil
}

// Calls returns a copy of all recorded calls in invocation order.
func (m *TranscriptLog) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of recorded calls to the named method.
func (m *TranscriptLog) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls and accumulated writes.
func (m *TranscriptLog) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.Written = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SemanticIndex mock
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is a configurable test double for [memory.SemanticIndex].
type SemanticIndex struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// Indexed accumulates every chunk passed to IndexChunk.
	Indexed []memory.Chunk

	// IndexChunkErr is returned by [SemanticIndex.IndexChunk] when non-nil.
	IndexChunkErr error

	// SearchResult is returned by [SemanticIndex.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []memory.ChunkResult

	// SearchErr is returned by [SemanticIndex.Search] when non-nil.
	SearchErr error
}

// IndexChunk implements [memory.SemanticIndex].
func (m *SemanticIndex) IndexChunk(_ context.Context, chunk memory.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "IndexChunk", Args: []any{chunk}})
	if m.IndexChunkErr != nil {
		return m.IndexChunkErr
	}
	m.Indexed = append(m.Indexed, chunk)
	return nil
}

// Search implements [memory.SemanticIndex].
func (m *SemanticIndex) Search(_ context.Context, embedding []float32, topK int, filter memory.ChunkFilter) ([]memory.ChunkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	emb := make([]float32, len(embedding))
	copy(emb, embedding)
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{emb, topK, filter}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult == nil {
		return []memory.ChunkResult{}, nil
	}
	return m.SearchResult, nil
}

// Calls returns a copy of all recorded calls in invocation order.
func (m *SemanticIndex) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of recorded calls to the named method.
func (m *SemanticIndex) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls and accumulated chunks.
func (m *SemanticIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.Indexed = nil
}
