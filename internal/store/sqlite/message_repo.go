package sqlite

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

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, m.ConversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, type, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ConversationID, m.SenderID, m.Type, m.Payload, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?
	`, m.ID, m.CreatedAt, m.CreatedAt, m.ConversationID); err != nil {
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
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
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
			WHERE conversation_id = ? AND (? = 0 OR id < ?)
			ORDER BY id DESC
			LIMIT ?
		`, q.ConversationID, q.Cursor, q.Cursor, q.Limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ? AND id > ?
			ORDER BY id ASC
			LIMIT ?
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
		SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest message id: %w", err)
	}
	return id, nil
}

func (r *MessageRepo) LatestByType(ctx context.Context, conversationID string, t domain.MessageType) (*domain.MessageRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND type = ?
		ORDER BY id DESC
		LIMIT 1
	`, conversationID, t)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s message: %w", t, err)
	}
	return m, nil
}

func (r *MessageRepo) SetStatus(ctx context.Context, id int64, from, to string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("set message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	return fmt.Errorf("message %d is no longer %s: %w", id, from, domain.ErrConflict)
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
