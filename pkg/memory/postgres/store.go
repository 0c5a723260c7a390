package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxgate/pkg/memory"
)

// Compile-time interface checks.
//
// TranscriptLog and SemanticIndex both define a method named Search with
// different signatures, so Go does not allow a single struct to implement
// both. They are exposed as sub-types via [Store.Log] and [Store.Index].
var (
	_ memory.TranscriptLog = (*TranscriptLogImpl)(nil)
	_ memory.SemanticIndex = (*SemanticIndexImpl)(nil)
)

// Store is the central PostgreSQL-backed memory store for voxgate. It holds a
// single [pgxpool.Pool] and exposes both memory layers:
//
//   - [Store.Log] returns a [TranscriptLogImpl] implementing [memory.TranscriptLog]
//   - [Store.Index] returns a [SemanticIndexImpl] implementing [memory.SemanticIndex]
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	log      *TranscriptLogImpl
	semantic *SemanticIndexImpl
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [memory.Chunk.Embedding] values (e.g., 1536 for OpenAI
// text-embedding-3-small). Changing this value after the first migration
// requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		log:      &TranscriptLogImpl{pool: pool},
		semantic: &SemanticIndexImpl{pool: pool},
	}, nil
}

// Log returns the transcript log implementation which satisfies [memory.TranscriptLog].
func (s *Store) Log() *TranscriptLogImpl { return s.log }

// Index returns the semantic index implementation which satisfies [memory.SemanticIndex].
func (s *Store) Index() *SemanticIndexImpl { return s.semantic }

// Ping verifies that the database is reachable. Readiness probes use this to
// report the memory backend's health.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}
