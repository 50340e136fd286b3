package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema holds the DDL applied on startup. Statements are idempotent so a
// restart against an existing database is a no-op.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS transcript_chunks (
		stream_id       TEXT             NOT NULL,
		chunk_timestamp BIGINT           NOT NULL,
		chunk_id        UUID             NOT NULL,
		session_id      TEXT             NOT NULL,
		start_time      DOUBLE PRECISION NOT NULL,
		end_time        DOUBLE PRECISION NOT NULL,
		text            TEXT             NOT NULL,
		words           JSONB            NOT NULL DEFAULT '[]'::jsonb,
		is_final        BOOLEAN          NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ      NOT NULL,
		PRIMARY KEY (stream_id, chunk_timestamp, chunk_id)
	)`,
	`CREATE INDEX IF NOT EXISTS transcript_chunks_session_idx
		ON transcript_chunks (session_id, chunk_timestamp)`,
}

// Migrate applies the chunk store schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
