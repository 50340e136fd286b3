// Package postgres implements the durable chunk store on PostgreSQL.
//
// Chunks are keyed by (stream_id, chunk_timestamp), mirroring the
// partition-key/sort-key layout of a wide-column store, with a jsonb column
// for per-word detail. Obtain a Store via NewStore; all methods are safe for
// concurrent use.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsecast/streamscribe/internal/store"
)

// Compile-time interface check.
var _ store.Sink = (*Store)(nil)

// Store is a PostgreSQL-backed chunk store built on a single pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the database at
// dsn, and runs Migrate to ensure the chunk table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("chunk store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("chunk store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chunk store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("chunk store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Save implements store.Sink. It inserts one chunk row; the words slice is
// stored as jsonb.
func (s *Store) Save(ctx context.Context, chunk store.Chunk) error {
	words, err := json.Marshal(chunk.Words)
	if err != nil {
		return fmt.Errorf("chunk store: marshal words: %w", err)
	}

	const q = `
		INSERT INTO transcript_chunks
		    (stream_id, chunk_timestamp, chunk_id, session_id, start_time, end_time, text, words, is_final, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.pool.Exec(ctx, q,
		chunk.StreamID,
		chunk.ChunkTimestamp,
		chunk.ChunkID,
		chunk.SessionID,
		chunk.StartTime,
		chunk.EndTime,
		chunk.Text,
		words,
		chunk.IsFinal,
		chunk.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chunk store: insert chunk: %w", err)
	}
	return nil
}

// ChunksByStream returns the chunks persisted for streamID whose
// chunk_timestamp falls in [from, to], ordered by chunk_timestamp. A zero
// bound is unbounded on that side.
func (s *Store) ChunksByStream(ctx context.Context, streamID string, from, to int64) ([]store.Chunk, error) {
	q := `
		SELECT stream_id, chunk_timestamp, chunk_id, session_id, start_time, end_time, text, words, is_final, created_at
		FROM   transcript_chunks
		WHERE  stream_id = $1`
	args := []any{streamID}

	if from > 0 {
		args = append(args, from)
		q += fmt.Sprintf(" AND chunk_timestamp >= $%d", len(args))
	}
	if to > 0 {
		args = append(args, to)
		q += fmt.Sprintf(" AND chunk_timestamp <= $%d", len(args))
	}
	q += " ORDER BY chunk_timestamp"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk store: query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []store.Chunk
	for rows.Next() {
		var c store.Chunk
		var words []byte
		if err := rows.Scan(
			&c.StreamID,
			&c.ChunkTimestamp,
			&c.ChunkID,
			&c.SessionID,
			&c.StartTime,
			&c.EndTime,
			&c.Text,
			&words,
			&c.IsFinal,
			&c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("chunk store: scan chunk: %w", err)
		}
		if err := json.Unmarshal(words, &c.Words); err != nil {
			return nil, fmt.Errorf("chunk store: unmarshal words: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk store: iterate chunks: %w", err)
	}
	return chunks, nil
}

// Ping reports whether the database is reachable. Used by the readiness
// probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
