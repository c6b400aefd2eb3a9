package service

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/rs/zerolog"

	"chatcore/internal/domain"
)

// Sealer encrypts message payloads at rest, bound to their conversation.
type Sealer interface {
	Seal(plain []byte, conversationID string) (string, error)
	Open(sealed, conversationID string) ([]byte, error)
}

// Direction of a timeline page relative to its cursor.
type Direction string

const (
	// Forward walks towards older messages, newest first.
	Forward Direction = "forward"
	// Backward walks towards newer messages, oldest first.
	Backward Direction = "backward"
)

// Query selects one page of a timeline. An empty Cursor starts at the most
// recent end.
type Query struct {
	Cursor    string
	Limit     int
	Direction Direction
}

type Page struct {
	Messages   []*domain.Message `json:"messages"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

type MessageService struct {
	conversations *ConversationService
	messages      domain.MessageRepository
	sealer        Sealer
	log           zerolog.Logger

	DefaultPage int
	MaxPage     int
}

func NewMessageService(
	conversations *ConversationService,
	messages domain.MessageRepository,
	sealer Sealer,
	defaultPage, maxPage int,
	log zerolog.Logger,
) *MessageService {
	return &MessageService{
		conversations: conversations,
		messages:      messages,
		sealer:        sealer,
		log:           log.With().Str("component", "messages").Logger(),
		DefaultPage:   defaultPage,
		MaxPage:       maxPage,
	}
}

// Append adds a message to the timeline. An empty senderID appends a system
// message that counts as unread for every participant.
func (s *MessageService) Append(ctx context.Context, conversationID, senderID string, p domain.Payload) (*domain.Message, error) {
	if p == nil {
		return nil, fmt.Errorf("message without payload: %w", domain.ErrInvalidInput)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c, err := s.conversations.Get(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.StatusInit && senderID != "" {
		if c, err = s.promote(ctx, conversationID, senderID); err != nil {
			return nil, err
		}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	sealed, err := s.sealer.Seal(raw, conversationID)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}

	rec := &domain.MessageRecord{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           p.Type(),
		Payload:        sealed,
		Status:         domain.InitialStatus(p.Type()),
		CreatedAt:      s.conversations.Now(),
	}
	recipients := c.Others(senderID)
	if err := s.messages.Append(ctx, rec, recipients); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	msg := &domain.Message{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		Type:           rec.Type,
		Payload:        p,
		Status:         rec.Status,
		CreatedAt:      rec.CreatedAt,
	}
	s.publish(ctx, conversationID, recipients, msg)
	return msg, nil
}

// promote drives the canonical INIT promotion for a first message. Losing the
// race to another promotion is fine as long as the conversation is now visible.
func (s *MessageService) promote(ctx context.Context, conversationID, senderID string) (*domain.Conversation, error) {
	c, err := s.conversations.Transition(ctx, conversationID, domain.ActionMessage, TransitionOptions{ActorID: senderID})
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		return nil, err
	}
	c, getErr := s.conversations.Get(ctx, conversationID, senderID)
	if getErr != nil {
		return nil, getErr
	}
	if c.Status != domain.StatusCreated {
		return nil, err
	}
	return c, nil
}

// publish refreshes the cache and fans the message out. The append is
// committed, so a failed reload only skips the best-effort part.
func (s *MessageService) publish(ctx context.Context, conversationID string, recipients []string, msg *domain.Message) {
	c, err := s.conversations.conversations.GetByID(ctx, conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Int64("message_id", msg.ID).Msg("reload after append")
		return
	}
	s.conversations.cache.Sync(c)

	byCount := map[int][]string{}
	var counts []int
	for _, id := range recipients {
		n := c.PendingCount(id)
		if _, ok := byCount[n]; !ok {
			counts = append(counts, n)
		}
		byCount[n] = append(byCount[n], id)
	}
	for _, n := range counts {
		s.conversations.fanout.SendNewMessage(byCount[n], conversationID, n, c.Kind, msg)
	}
}

// List returns one page of the timeline of a conversation the caller takes
// part in.
func (s *MessageService) List(ctx context.Context, conversationID, callerID string, q Query) (*Page, error) {
	if _, err := s.conversations.Get(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	return s.list(ctx, conversationID, q)
}

func (s *MessageService) list(ctx context.Context, conversationID string, q Query) (*Page, error) {
	older := true
	switch q.Direction {
	case Forward, "":
	case Backward:
		older = false
	default:
		return nil, fmt.Errorf("direction %q: %w", q.Direction, domain.ErrInvalidInput)
	}

	cursor, err := DecodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	if q.Cursor == "" && !older {
		if cursor, err = s.messages.LatestID(ctx, conversationID); err != nil {
			return nil, fmt.Errorf("latest message: %w", err)
		}
	}

	limit := s.clamp(q.Limit)
	recs, err := s.messages.List(ctx, domain.PageQuery{
		ConversationID: conversationID,
		Cursor:         cursor,
		Older:          older,
		Limit:          limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	page := &Page{HasMore: len(recs) > limit}
	if page.HasMore {
		// recs is chronological; the surplus sits at the far end of the walk.
		if older {
			recs = recs[1:]
		} else {
			recs = recs[:limit]
		}
	}
	if older {
		slices.Reverse(recs)
	}

	page.Messages = make([]*domain.Message, 0, len(recs))
	for _, rec := range recs {
		m, err := s.decode(rec)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, m)
	}

	switch {
	case len(recs) > 0:
		page.NextCursor = EncodeCursor(recs[len(recs)-1].ID)
	default:
		page.NextCursor = EncodeCursor(cursor)
	}
	return page, nil
}

func (s *MessageService) clamp(limit int) int {
	if limit <= 0 {
		limit = s.DefaultPage
	}
	if s.MaxPage > 0 && limit > s.MaxPage {
		limit = s.MaxPage
	}
	if limit <= 0 {
		limit = 30
	}
	return limit
}

// Iterate walks the timeline page by page from q. Walking backward stops at
// the newest message present when iteration began, so the sequence is finite.
func (s *MessageService) Iterate(ctx context.Context, conversationID, callerID string, q Query) iter.Seq2[*domain.Message, error] {
	return func(yield func(*domain.Message, error) bool) {
		if _, err := s.conversations.Get(ctx, conversationID, callerID); err != nil {
			yield(nil, err)
			return
		}
		head, err := s.messages.LatestID(ctx, conversationID)
		if err != nil {
			yield(nil, fmt.Errorf("latest message: %w", err))
			return
		}

		for {
			page, err := s.list(ctx, conversationID, q)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range page.Messages {
				if q.Direction == Backward && m.ID > head {
					return
				}
				if !yield(m, nil) {
					return
				}
			}
			if !page.HasMore || len(page.Messages) == 0 {
				return
			}
			q.Cursor = page.NextCursor
		}
	}
}

// Head returns the cursor of the newest message, or the origin cursor for an
// empty timeline. Walking backward from it yields only later messages.
func (s *MessageService) Head(ctx context.Context, conversationID, callerID string) (string, error) {
	if _, err := s.conversations.Get(ctx, conversationID, callerID); err != nil {
		return "", err
	}
	id, err := s.messages.LatestID(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("latest message: %w", err)
	}
	return EncodeCursor(id), nil
}

// SetVariantStatus moves the mutable sub-state of a message along the edges
// its variant allows for the caller.
func (s *MessageService) SetVariantStatus(ctx context.Context, callerID string, messageID int64, status string) (*domain.Message, error) {
	rec, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.conversations.Get(ctx, rec.ConversationID, callerID); err != nil {
		return nil, err
	}
	if err := domain.CheckStatusChange(rec.Type, rec.Status, status, rec.SenderID == callerID); err != nil {
		return nil, err
	}
	if err := s.messages.SetStatus(ctx, messageID, rec.Status, status); err != nil {
		return nil, fmt.Errorf("set message status: %w", err)
	}
	rec.Status = status
	return s.decode(rec)
}

// Latest returns the newest message of type t.
func (s *MessageService) Latest(ctx context.Context, conversationID string, t domain.MessageType) (*domain.Message, error) {
	rec, err := s.messages.LatestByType(ctx, conversationID, t)
	if err != nil {
		return nil, err
	}
	return s.decode(rec)
}

func (s *MessageService) decode(rec *domain.MessageRecord) (*domain.Message, error) {
	raw, err := s.sealer.Open(rec.Payload, rec.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("open message %d: %w", rec.ID, err)
	}
	p, err := domain.DecodePayload(rec.Type, raw)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", rec.ID, err)
	}
	return &domain.Message{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		Type:           rec.Type,
		Payload:        p,
		Status:         rec.Status,
		CreatedAt:      rec.CreatedAt,
	}, nil
}

// EncodeCursor returns the opaque cursor of a message id.
func EncodeCursor(id int64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// DecodeCursor parses a cursor; the empty cursor decodes to 0.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(b) != 8 {
		return 0, fmt.Errorf("malformed cursor: %w", domain.ErrInvalidInput)
	}
	id := int64(binary.BigEndian.Uint64(b))
	if id < 0 {
		return 0, fmt.Errorf("malformed cursor: %w", domain.ErrInvalidInput)
	}
	return id, nil
}
