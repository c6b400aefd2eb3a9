package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatcore/internal/domain"
)

// CounterRepo keeps the pending_count column of conversation_participants.
// Every change is a single arithmetic UPDATE.
type CounterRepo struct {
	db *sql.DB
}

func NewCounterRepo(db *sql.DB) *CounterRepo {
	return &CounterRepo{db: db}
}

var _ domain.CounterLedger = (*CounterRepo)(nil)

func (r *CounterRepo) Increment(ctx context.Context, conversationID, userID string) error {
	return increment(ctx, r.db, conversationID, userID)
}

func increment(ctx context.Context, q querier, conversationID, userID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE conversation_participants
		SET pending_count = pending_count + 1
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("increment pending count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("participant %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

func (r *CounterRepo) Reset(ctx context.Context, conversationID, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversation_participants
		SET pending_count = 0
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("reset pending count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("participant %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

func (r *CounterRepo) Get(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT pending_count
		FROM conversation_participants
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get pending count: %w", err)
	}
	return n, nil
}
