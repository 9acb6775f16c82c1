package store

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS threads (
        thread_id  UUID PRIMARY KEY,
        account_id TEXT NOT NULL DEFAULT '',
        metadata   JSONB NOT NULL DEFAULT '{}',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE TABLE IF NOT EXISTS messages (
        message_id     UUID PRIMARY KEY,
        thread_id      UUID NOT NULL REFERENCES threads(thread_id),
        type           TEXT NOT NULL,
        content        JSONB NOT NULL,
        is_llm_message BOOLEAN NOT NULL DEFAULT false,
        is_compressed  BOOLEAN NOT NULL DEFAULT false,
        marks          TEXT[] NOT NULL DEFAULT '{}',
        metadata       JSONB NOT NULL DEFAULT '{}',
        created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages (thread_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS agent_runs (
        run_id       UUID PRIMARY KEY,
        thread_id    UUID NOT NULL REFERENCES threads(thread_id),
        status       TEXT NOT NULL,
        error        TEXT,
        started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
        completed_at TIMESTAMPTZ
    )`,
	`CREATE TABLE IF NOT EXISTS run_events (
        seq        BIGSERIAL PRIMARY KEY,
        run_id     UUID NOT NULL,
        payload    JSONB NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        expires_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events (run_id, seq)`,
	`CREATE TABLE IF NOT EXISTS stop_signals (
        run_id     UUID PRIMARY KEY,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE TABLE IF NOT EXISTS thread_summaries (
        thread_id                UUID PRIMARY KEY REFERENCES threads(thread_id),
        content                  TEXT NOT NULL,
        compressed_message_count INTEGER NOT NULL DEFAULT 0,
        updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
}

// EnsureSchema creates the tables this service needs if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
