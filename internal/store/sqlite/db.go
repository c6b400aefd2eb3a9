package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database with the given DSN. SQLite allows one writer,
// so the pool is pinned to a single connection; repositories must not use
// the *sql.DB while holding a transaction.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	return db, nil
}

// Migrate creates the conversation schema. Statements are idempotent.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			kind             TEXT NOT NULL,
			lookup_key       TEXT NOT NULL UNIQUE,
			project_ref      TEXT,
			status           TEXT NOT NULL,
			state            TEXT NOT NULL DEFAULT '',
			classified       BOOLEAN NOT NULL DEFAULT 0,
			classified_state TEXT NOT NULL DEFAULT '',
			classified_at    DATETIME,
			last_message_id  INTEGER,
			last_message_at  DATETIME,
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id        TEXT NOT NULL,
			user_id                TEXT NOT NULL,
			role                   TEXT NOT NULL,
			position               INTEGER NOT NULL,
			is_admin               BOOLEAN NOT NULL DEFAULT 0,
			is_included_in_project BOOLEAN NOT NULL DEFAULT 0,
			pending_count          INTEGER NOT NULL DEFAULT 0 CHECK (pending_count >= 0),
			joined_at              DATETIME NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL,
			payload         TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url   TEXT NOT NULL DEFAULT '',
			role         TEXT NOT NULL DEFAULT '',
			email        TEXT NOT NULL DEFAULT '',
			updated_at   DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_id ON messages(conversation_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_type ON messages(conversation_id, type);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
