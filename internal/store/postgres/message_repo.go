package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"chatcore/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, conversation_id, sender_id, type, payload, status, created_at`

func (r *MessageRepo) Append(ctx context.Context, m *domain.MessageRecord, recipients []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, m.ConversationID, m.SenderID, string(m.Type), m.Payload, m.Status, m.CreatedAt).Scan(&m.ID)
	if pgCode(err) == foreignKeyViolation {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = $1, last_message_at = $2, updated_at = $2
		WHERE id = $3
	`, m.ID, m.CreatedAt, m.ConversationID); err != nil {
		return fmt.Errorf("update last message: %w", err)
	}

	for _, uid := range recipients {
		if err := increment(ctx, tx, m.ConversationID, uid); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.MessageRecord, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// List returns at most q.Limit messages in chronological order.
func (r *MessageRepo) List(ctx context.Context, q domain.PageQuery) ([]*domain.MessageRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if q.Older {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1 AND ($2::bigint = 0 OR id < $2::bigint)
			ORDER BY id DESC
			LIMIT $3
		`, q.ConversationID, q.Cursor, q.Limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1 AND id > $2
			ORDER BY id ASC
			LIMIT $3
		`, q.ConversationID, q.Cursor, q.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []*domain.MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if q.Older {
		slices.Reverse(res)
	}
	return res, nil
}

func (r *MessageRepo) LatestID(ctx context.Context, conversationID string) (int64, error) {
	var id int64
	if err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = $1
	`, conversationID).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest message id: %w", err)
	}
	return id, nil
}

func (r *MessageRepo) LatestByType(ctx context.Context, conversationID string, t domain.MessageType) (*domain.MessageRecord, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND type = $2
		ORDER BY id DESC
		LIMIT 1
	`, conversationID, string(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s message: %w", t, err)
	}
	return m, nil
}

func (r *MessageRepo) SetStatus(ctx context.Context, id int64, from, to string) error {
	// The CTE reports whether the row exists even when the guard fails.
	var exists, updated bool
	err := r.db.QueryRowContext(ctx, `
		WITH upd AS (
			UPDATE messages SET status = $1 WHERE id = $2 AND status = $3 RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM messages WHERE id = $2), EXISTS (SELECT 1 FROM upd)
	`, to, id, from).Scan(&exists, &updated)
	if err != nil {
		return fmt.Errorf("set message status: %w", err)
	}
	switch {
	case updated:
		return nil
	case !exists:
		return domain.ErrNotFound
	default:
		return fmt.Errorf("message %d is no longer %s: %w", id, from, domain.ErrConflict)
	}
}

func scanMessage(s scanner) (*domain.MessageRecord, error) {
	m := &domain.MessageRecord{}
	if err := s.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Type,
		&m.Payload,
		&m.Status,
		&m.CreatedAt,
	); err != nil {
		return nil, err
	}
	return m, nil
}
