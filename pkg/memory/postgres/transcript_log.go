package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/types"
)

// TranscriptLogImpl is the transcript log backed by a PostgreSQL
// transcript_entries table with a GIN full-text search index.
//
// Obtain one via [Store.Log] rather than constructing directly.
// All methods are safe for concurrent use.
type TranscriptLogImpl struct {
	pool *pgxpool.Pool
}

// WriteEntry implements [memory.TranscriptLog]. It appends entry to the
// transcript_entries table.
func (l *TranscriptLogImpl) WriteEntry(ctx context.Context, entry types.TranscriptEntry) error {
	if entry.SessionID == "" {
		return fmt.Errorf("transcript log: write entry: empty session id")
	}
	const q = `
		INSERT INTO transcript_entries
		    (session_id, device_id, role, text, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := l.pool.Exec(ctx, q,
		entry.SessionID,
		entry.DeviceID,
		entry.Role,
		entry.Text,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("transcript log: write entry: %w", err)
	}
	return nil
}

// GetRecent implements [memory.TranscriptLog]. It returns all entries for
// sessionID whose timestamp is no earlier than time.Now()-duration, ordered
// chronologically (oldest first).
func (l *TranscriptLogImpl) GetRecent(ctx context.Context, sessionID string, duration time.Duration) ([]types.TranscriptEntry, error) {
	const q = `
		SELECT session_id, device_id, role, text, timestamp
		FROM   transcript_entries
		WHERE  session_id = $1
		  AND  timestamp  >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY timestamp`

	rows, err := l.pool.Query(ctx, q, sessionID, duration.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("transcript log: get recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [memory.TranscriptLog]. It performs a PostgreSQL
// full-text search over the text column and applies optional filters from
// opts.
//
// The query is passed to plainto_tsquery so no special operator syntax is
// required.
func (l *TranscriptLogImpl) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]types.TranscriptEntry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.DeviceID != "" {
		conditions = append(conditions, "device_id = "+next(opts.DeviceID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT session_id, device_id, role, text, timestamp\n" +
		"FROM   transcript_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript log: search: %w", err)
	}
	return collectEntries(rows)
}

// collectEntries scans pgx rows into a slice of TranscriptEntry values.
func collectEntries(rows pgx.Rows) ([]types.TranscriptEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptEntry, error) {
		var e types.TranscriptEntry
		if err := row.Scan(
			&e.SessionID,
			&e.DeviceID,
			&e.Role,
			&e.Text,
			&e.Timestamp,
		); err != nil {
			return types.TranscriptEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript log: scan rows: %w", err)
	}
	if entries == nil {
		entries = []types.TranscriptEntry{}
	}
	return entries, nil
}
