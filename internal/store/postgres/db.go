package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the conversation schema.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT        PRIMARY KEY,
			kind             TEXT        NOT NULL,
			lookup_key       TEXT        NOT NULL UNIQUE,
			project_ref      TEXT,
			status           TEXT        NOT NULL,
			state            TEXT        NOT NULL DEFAULT '',
			classified       BOOLEAN     NOT NULL DEFAULT FALSE,
			classified_state TEXT        NOT NULL DEFAULT '',
			classified_at    TIMESTAMPTZ,
			last_message_id  BIGINT,
			last_message_at  TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id        TEXT        NOT NULL REFERENCES conversations(id),
			user_id                TEXT        NOT NULL,
			role                   TEXT        NOT NULL,
			position               INTEGER     NOT NULL,
			is_admin               BOOLEAN     NOT NULL DEFAULT FALSE,
			is_included_in_project BOOLEAN     NOT NULL DEFAULT FALSE,
			pending_count          INTEGER     NOT NULL DEFAULT 0 CHECK (pending_count >= 0),
			joined_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (conversation_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id              BIGSERIAL   PRIMARY KEY,
			conversation_id TEXT        NOT NULL REFERENCES conversations(id),
			sender_id       TEXT        NOT NULL DEFAULT '',
			type            TEXT        NOT NULL,
			payload         TEXT        NOT NULL,
			status          TEXT        NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS profiles (
			user_id      TEXT        PRIMARY KEY,
			display_name TEXT        NOT NULL DEFAULT '',
			avatar_url   TEXT        NOT NULL DEFAULT '',
			role         TEXT        NOT NULL DEFAULT '',
			email        TEXT        NOT NULL DEFAULT '',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_id ON messages(conversation_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_type ON messages(conversation_id, type)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// foreignKeyViolation is the SQLSTATE of a missing referenced row.
const foreignKeyViolation = "23503"

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
