package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatcore/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `c.id, c.kind, c.lookup_key, c.project_ref, c.status, c.state, c.classified,
	c.classified_state, c.classified_at, c.last_message_id, c.last_message_at, c.created_at, c.updated_at`

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, lookup_key, project_ref, status, state, classified,
			classified_state, classified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (lookup_key) DO NOTHING
	`, c.ID, string(c.Kind), c.LookupKey, nullable(c.ProjectRef), string(c.Status), string(c.State), c.Classified,
		string(c.ClassifiedState), nullable(c.ClassifiedAt), c.CreatedAt, c.UpdatedAt)
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
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, conversationID, p.UserID, string(p.Role), p.Position, p.IsAdmin, p.IsIncludedInProject, p.JoinedAt); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	return r.get(ctx, `c.id = $1`, id)
}

func (r *ConversationRepo) GetByLookupKey(ctx context.Context, key string) (*domain.Conversation, error) {
	return r.get(ctx, `c.lookup_key = $1`, key)
}

func (r *ConversationRepo) get(ctx context.Context, where string, arg any) (*domain.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE `+where, arg)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	byConv, err := r.participants(ctx, []string{c.ID})
	if err != nil {
		return nil, err
	}
	c.Participants = byConv[c.ID]
	return c, nil
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

// participants loads the participant lists of several conversations in one query.
func (r *ConversationRepo) participants(ctx context.Context, ids []string) (map[string][]domain.Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, role, position, is_admin, is_included_in_project, pending_count, joined_at
		FROM conversation_participants
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, position ASC
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	res := make(map[string][]domain.Participant, len(ids))
	for rows.Next() {
		var (
			convID string
			p      domain.Participant
		)
		if err := rows.Scan(
			&convID,
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
		res[convID] = append(res[convID], p)
	}
	return res, rows.Err()
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = $1 AND c.status = $2
		ORDER BY c.updated_at DESC
		LIMIT $3
	`, userID, string(domain.StatusCreated), limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var (
		res []*domain.Conversation
		ids []string
	)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		res = append(res, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(ids) == 0 {
		return res, nil
	}

	byConv, err := r.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range res {
		c.Participants = byConv[c.ID]
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
		SET status = $1,
		    state = $2,
		    classified = classified OR $3::boolean,
		    classified_state = CASE
		        WHEN $4::text = '' OR classified_state = $5 THEN classified_state
		        ELSE $4::text END,
		    classified_at = COALESCE(classified_at, $6::timestamptz),
		    updated_at = $7
		WHERE id = $8 AND status = $9 AND state = $10
	`, string(t.ToStatus), string(t.ToState), t.Classified,
		string(t.ClassifiedState), string(domain.ClassifiedEngaged),
		nullable(t.ClassifiedAt), t.At,
		t.ConversationID, string(t.FromStatus), string(t.FromState))
	if err != nil {
		return fmt.Errorf("update conversation state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = $1`, t.ConversationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		return fmt.Errorf("conversation %s moved from %s/%s: %w", t.ConversationID, t.FromStatus, t.FromState, domain.ErrConflict)
	}

	if t.BriefStatus != "" && len(t.BriefFrom) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = $1
			WHERE id = (SELECT MAX(id) FROM messages WHERE conversation_id = $2 AND type = $3)
			  AND status = ANY($4)
		`, t.BriefStatus, t.ConversationID, string(domain.MessageBrief), t.BriefFrom); err != nil {
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

	// Lock the conversation row so concurrent additions get distinct positions.
	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(position) + 1 FROM conversation_participants WHERE conversation_id = c.id), 0)
		FROM conversations c WHERE c.id = $1
		FOR UPDATE
	`, conversationID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("next position: %w", err)
	}

	for _, p := range ps {
		p.Position = next
		if err := insertParticipant(ctx, tx, conversationID, p); err != nil {
			return err
		}
		next++
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, p.JoinedAt, conversationID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
