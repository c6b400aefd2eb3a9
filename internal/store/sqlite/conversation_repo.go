package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chatcore/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `id, kind, lookup_key, project_ref, status, state, classified,
	classified_state, classified_at, last_message_id, last_message_at, created_at, updated_at`

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, lookup_key, project_ref, status, state, classified,
			classified_state, classified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lookup_key) DO NOTHING
	`, c.ID, c.Kind, c.LookupKey, nullable(c.ProjectRef), c.Status, c.State, c.Classified,
		c.ClassifiedState, nullable(c.ClassifiedAt), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", c.LookupKey, domain.ErrConflict)
	}

	for _, p := range c.Participants {
		if err := insertParticipant(ctx, tx, c.ID, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertParticipant(ctx context.Context, q querier, conversationID string, p domain.Participant) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO conversation_participants
			(conversation_id, user_id, role, position, is_admin, is_included_in_project, pending_count, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING
	`, conversationID, p.UserID, p.Role, p.Position, p.IsAdmin, p.IsIncludedInProject, p.JoinedAt); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	return getConversation(ctx, r.db, `id = ?`, id)
}

func (r *ConversationRepo) GetByLookupKey(ctx context.Context, key string) (*domain.Conversation, error) {
	return getConversation(ctx, r.db, `lookup_key = ?`, key)
}

func getConversation(ctx context.Context, q querier, where string, arg any) (*domain.Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE `+where, arg)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if c.Participants, err = listParticipants(ctx, q, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*domain.Conversation, error) {
	var (
		c            domain.Conversation
		projectRef   sql.NullString
		classifiedAt sql.NullTime
		lastID       sql.NullInt64
		lastAt       sql.NullTime
	)
	if err := s.Scan(
		&c.ID,
		&c.Kind,
		&c.LookupKey,
		&projectRef,
		&c.Status,
		&c.State,
		&c.Classified,
		&c.ClassifiedState,
		&classifiedAt,
		&lastID,
		&lastAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if projectRef.Valid {
		c.ProjectRef = &projectRef.String
	}
	if classifiedAt.Valid {
		c.ClassifiedAt = &classifiedAt.Time
	}
	if lastID.Valid {
		c.LastMessageID = &lastID.Int64
	}
	if lastAt.Valid {
		c.LastMessageAt = &lastAt.Time
	}
	return &c, nil
}

func listParticipants(ctx context.Context, q querier, conversationID string) ([]domain.Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, role, position, is_admin, is_included_in_project, pending_count, joined_at
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var ps []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(
			&p.UserID,
			&p.Role,
			&p.Position,
			&p.IsAdmin,
			&p.IsIncludedInProject,
			&p.PendingCount,
			&p.JoinedAt,
		); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ps = append(ps, p)
	}
	return ps, rows.Err()
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+prefixed("c.", conversationColumns)+`
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = ? AND c.status = ?
		ORDER BY c.updated_at DESC
		LIMIT ?
	`, userID, domain.StatusCreated, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var res []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		res = append(res, c)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	// Participants are loaded after the cursor is closed: the pool has one connection.
	for _, c := range res {
		if c.Participants, err = listParticipants(ctx, r.db, c.ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *ConversationRepo) ApplyTransition(ctx context.Context, t domain.Transition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?,
		    state = ?,
		    classified = classified OR ?,
		    classified_state = CASE
		        WHEN ? = '' OR classified_state = ? THEN classified_state
		        ELSE ? END,
		    classified_at = COALESCE(classified_at, ?),
		    updated_at = ?
		WHERE id = ? AND status = ? AND state = ?
	`, t.ToStatus, t.ToState, t.Classified,
		t.ClassifiedState, domain.ClassifiedEngaged, t.ClassifiedState,
		nullable(t.ClassifiedAt), t.At,
		t.ConversationID, t.FromStatus, t.FromState)
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, t.ConversationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		return fmt.Errorf("conversation %s moved from %s/%s: %w", t.ConversationID, t.FromStatus, t.FromState, domain.ErrConflict)
	}

	if t.BriefStatus != "" && len(t.BriefFrom) > 0 {
		args := []any{t.BriefStatus, t.ConversationID, domain.MessageBrief}
		for _, s := range t.BriefFrom {
			args = append(args, s)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = ?
			WHERE id = (SELECT MAX(id) FROM messages WHERE conversation_id = ? AND type = ?)
			  AND status IN (`+placeholders(len(t.BriefFrom))+`)
		`, args...); err != nil {
			return fmt.Errorf("mark brief: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConversationRepo) AddParticipants(ctx context.Context, conversationID string, ps []domain.Participant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM conversation_participants WHERE conversation_id = ?
	`, conversationID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next position: %w", err)
	}

	var at any
	for _, p := range ps {
		p.Position = next
		if err := insertParticipant(ctx, tx, conversationID, p); err != nil {
			return err
		}
		next++
		at = p.JoinedAt
	}

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = COALESCE(?, updated_at) WHERE id = ?`, at, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
