package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/memory/postgres"
	"github.com/MrWong99/voxgate/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXGATE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXGATE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// mustPool opens a pgxpool with pgvector types registered.
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS chunks CASCADE",
		"DROP TABLE IF EXISTS transcript_entries CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}
}

func entry(sessionID, deviceID, role, text string, at time.Time) types.TranscriptEntry {
	return types.TranscriptEntry{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Role:      role,
		Text:      text,
		Timestamp: at,
	}
}

func TestTranscriptLog_WriteAndGetRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entries := []types.TranscriptEntry{
		entry("s1", "dev-1", "user", "turn on the kitchen light", now.Add(-2*time.Minute)),
		entry("s1", "dev-1", "assistant", "The kitchen light is on.", now.Add(-2*time.Minute+5*time.Second)),
		entry("s1", "dev-1", "user", "thanks", now.Add(-30*time.Minute)), // outside window
		entry("s2", "dev-2", "user", "what time is it", now),             // other session
	}
	for _, e := range entries {
		if err := store.Log().WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}

	got, err := store.Log().GetRecent(ctx, "s1", 10*time.Minute)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetRecent: got %d entries, want 2", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("entries out of chronological order: %+v", got)
	}
	if got[0].Text != "turn on the kitchen light" {
		t.Errorf("Text: got %q", got[0].Text)
	}
}

func TestTranscriptLog_WriteEntry_EmptySessionID(t *testing.T) {
	store := newTestStore(t)
	err := store.Log().WriteEntry(context.Background(), types.TranscriptEntry{Text: "x"})
	if err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestTranscriptLog_GetRecent_EmptyResult(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Log().GetRecent(context.Background(), "nope", time.Hour)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if got == nil {
		t.Fatal("GetRecent: got nil, want empty non-nil slice")
	}
	if len(got) != 0 {
		t.Fatalf("GetRecent: got %d entries, want 0", len(got))
	}
}

func TestTranscriptLog_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	seed := []types.TranscriptEntry{
		entry("s1", "dev-1", "user", "play some jazz music", now.Add(-3*time.Hour)),
		entry("s1", "dev-1", "assistant", "Playing jazz from your library.", now.Add(-3*time.Hour)),
		entry("s2", "dev-1", "user", "play classical music", now.Add(-time.Hour)),
		entry("s3", "dev-2", "user", "jazz again please", now),
	}
	for _, e := range seed {
		if err := store.Log().WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}

	// Unscoped FTS.
	got, err := store.Log().Search(ctx, "jazz", memory.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Search jazz: got %d entries, want 3", len(got))
	}

	// Device scope.
	got, err = store.Log().Search(ctx, "jazz", memory.SearchOpts{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Search jazz dev-1: got %d entries, want 2", len(got))
	}

	// Role scope + limit.
	got, err = store.Log().Search(ctx, "music", memory.SearchOpts{Role: "user", Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Search music user limit 1: got %d entries, want 1", len(got))
	}
	if got[0].Role != "user" {
		t.Errorf("Role: got %q, want user", got[0].Role)
	}
}

func chunk(id, sessionID, deviceID, role, content string, emb []float32, at time.Time) memory.Chunk {
	return memory.Chunk{
		ID:        id,
		SessionID: sessionID,
		DeviceID:  deviceID,
		Role:      role,
		Content:   content,
		Embedding: emb,
		Timestamp: at,
	}
}

func TestSemanticIndex_IndexAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	chunks := []memory.Chunk{
		chunk("c1", "s1", "dev-1", "user", "my dog is called Rex", []float32{1, 0, 0, 0}, now.Add(-time.Hour)),
		chunk("c2", "s1", "dev-1", "assistant", "Rex is a great name.", []float32{0.9, 0.1, 0, 0}, now.Add(-time.Hour)),
		chunk("c3", "s2", "dev-2", "user", "I prefer tea over coffee", []float32{0, 0, 1, 0}, now),
	}
	for _, c := range chunks {
		if err := store.Index().IndexChunk(ctx, c); err != nil {
			t.Fatalf("IndexChunk: %v", err)
		}
	}

	results, err := store.Index().Search(ctx, []float32{1, 0, 0, 0}, 2, memory.ChunkFilter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search: got %d results, want 2", len(results))
	}
	if results[0].Chunk.ID != "c1" {
		t.Errorf("most similar: got %q, want c1", results[0].Chunk.ID)
	}
	if results[0].Distance > results[1].Distance {
		t.Error("results not ordered by ascending distance")
	}
}

func TestSemanticIndex_DeviceScope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	must := func(c memory.Chunk) {
		t.Helper()
		if err := store.Index().IndexChunk(ctx, c); err != nil {
			t.Fatalf("IndexChunk: %v", err)
		}
	}
	must(chunk("c1", "s1", "dev-1", "user", "a", []float32{1, 0, 0, 0}, now))
	must(chunk("c2", "s2", "dev-2", "user", "b", []float32{1, 0, 0, 0}, now))

	results, err := store.Index().Search(ctx, []float32{1, 0, 0, 0}, 10, memory.ChunkFilter{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.DeviceID != "dev-1" {
		t.Fatalf("device scope leak: %+v", results)
	}
}

func TestSemanticIndex_ExcludeCurrentSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	must := func(c memory.Chunk) {
		t.Helper()
		if err := store.Index().IndexChunk(ctx, c); err != nil {
			t.Fatalf("IndexChunk: %v", err)
		}
	}
	must(chunk("old", "s-old", "dev-1", "user", "remembered", []float32{1, 0, 0, 0}, now.Add(-24*time.Hour)))
	must(chunk("cur", "s-cur", "dev-1", "user", "just said", []float32{1, 0, 0, 0}, now))

	results, err := store.Index().Search(ctx, []float32{1, 0, 0, 0}, 10, memory.ChunkFilter{
		DeviceID:         "dev-1",
		ExcludeSessionID: "s-cur",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ID != "old" {
		t.Fatalf("expected only prior-session chunk, got %+v", results)
	}
}

func TestSemanticIndex_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	c := chunk("c1", "s1", "dev-1", "user", "original", []float32{1, 0, 0, 0}, now)
	if err := store.Index().IndexChunk(ctx, c); err != nil {
		t.Fatalf("IndexChunk: %v", err)
	}
	c.Content = "replaced"
	c.Embedding = []float32{0, 1, 0, 0}
	if err := store.Index().IndexChunk(ctx, c); err != nil {
		t.Fatalf("IndexChunk upsert: %v", err)
	}

	results, err := store.Index().Search(ctx, []float32{0, 1, 0, 0}, 10, memory.ChunkFilter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("upsert duplicated row: got %d results", len(results))
	}
	if results[0].Chunk.Content != "replaced" {
		t.Errorf("Content: got %q, want replaced", results[0].Chunk.Content)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := newTestStore(t)
	_ = store

	dsn := testDSN(t)
	ctx := context.Background()
	pool := mustPool(t, ctx, dsn)
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool, testEmbeddingDim); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
