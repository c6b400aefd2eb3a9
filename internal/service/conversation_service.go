package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatcore/internal/domain"
)

// maxTransitionAttempts bounds the re-read loop after a compare-and-swap miss.
const maxTransitionAttempts = 3

// Timing holds the delays of the scheduled conversation jobs.
type Timing struct {
	InviteExpiry time.Duration
	InitExpiry   time.Duration
}

type ConversationService struct {
	conversations domain.ConversationRepository
	counters      domain.CounterLedger
	scheduler     domain.Scheduler
	cache         domain.ConversationCache
	fanout        domain.Fanout
	timing        Timing
	log           zerolog.Logger

	// Now is the clock used for every timestamp the service writes.
	Now func() time.Time
}

func NewConversationService(
	conversations domain.ConversationRepository,
	counters domain.CounterLedger,
	scheduler domain.Scheduler,
	cache domain.ConversationCache,
	fanout domain.Fanout,
	timing Timing,
	log zerolog.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		counters:      counters,
		scheduler:     scheduler,
		cache:         cache,
		fanout:        fanout,
		timing:        timing,
		log:           log.With().Str("component", "conversations").Logger(),
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateOptions shape a conversation that GetOrCreate has to insert. They are
// ignored when the conversation already exists.
type CreateOptions struct {
	// Action is the business action that creates the conversation. Empty
	// creates an INIT placeholder.
	Action domain.Action
	// InitiatorID does not receive the new-conversation event.
	InitiatorID string
	// Classified marks the engaged creator as classified.
	Classified bool
	// Members are the group participants in order; the first admin leads.
	Members []domain.Participant
}

// origin tells how getOrCreate obtained its conversation.
type origin int

const (
	originExisting origin = iota
	originCreated
	// originRaced: the insert lost to a concurrent creator and the winner's
	// row was read back.
	originRaced
)

// GetOrCreate returns the conversation identified by key, inserting it when
// absent. Concurrent calls for the same key resolve to a single row.
func (s *ConversationService) GetOrCreate(ctx context.Context, key domain.Key, opts CreateOptions) (*domain.Conversation, bool, error) {
	c, from, err := s.getOrCreate(ctx, key, opts)
	return c, from == originCreated, err
}

func (s *ConversationService) getOrCreate(ctx context.Context, key domain.Key, opts CreateOptions) (*domain.Conversation, origin, error) {
	if err := key.Validate(); err != nil {
		return nil, originExisting, err
	}
	lookup := key.Lookup()

	existing, err := s.conversations.GetByLookupKey(ctx, lookup)
	if err == nil {
		return existing, originExisting, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, originExisting, fmt.Errorf("lookup conversation: %w", err)
	}

	c, edge, err := s.newConversation(key, lookup, opts)
	if err != nil {
		return nil, originExisting, err
	}

	err = s.conversations.Create(ctx, c)
	if errors.Is(err, domain.ErrConflict) {
		winner, err := s.conversations.GetByLookupKey(ctx, lookup)
		if err != nil {
			return nil, originRaced, fmt.Errorf("read concurrent conversation: %w", err)
		}
		s.log.Debug().Str("conversation_id", winner.ID).Msg("create raced, using existing conversation")
		return winner, originRaced, nil
	}
	if err != nil {
		return nil, originExisting, fmt.Errorf("create conversation: %w", err)
	}

	s.log.Info().
		Str("conversation_id", c.ID).
		Str("kind", string(c.Kind)).
		Str("phase", string(c.Phase())).
		Msg("conversation created")

	if edge == nil {
		s.schedule(ctx, c.ID, domain.JobExpireInit, s.timing.InitExpiry)
	} else {
		s.runEffects(ctx, c.ID, *edge, true)
		s.announce(c, opts.InitiatorID)
	}
	s.cache.Sync(c)
	return c, originCreated, nil
}

func (s *ConversationService) newConversation(key domain.Key, lookup string, opts CreateOptions) (*domain.Conversation, *domain.Edge, error) {
	now := s.Now()
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		Kind:      key.Kind,
		LookupKey: lookup,
		Status:    domain.StatusInit,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if key.Kind.IsGroup() {
		ref := key.ProjectRef
		c.ProjectRef = &ref
		if len(opts.Members) == 0 {
			return nil, nil, fmt.Errorf("group %s without members: %w", ref, domain.ErrInvalidParticipants)
		}
		seen := make(map[string]bool, len(opts.Members))
		for _, m := range opts.Members {
			if m.UserID == "" || seen[m.UserID] {
				return nil, nil, fmt.Errorf("group %s member %q: %w", ref, m.UserID, domain.ErrInvalidParticipants)
			}
			seen[m.UserID] = true
			m.Position = len(c.Participants)
			m.PendingCount = 0
			m.JoinedAt = now
			c.Participants = append(c.Participants, m)
		}
	} else {
		r1, r2 := key.Kind.Roles()
		c.Participants = []domain.Participant{
			{UserID: key.U1, Role: r1, Position: 0, JoinedAt: now},
			{UserID: key.U2, Role: r2, Position: 1, JoinedAt: now},
		}
	}

	if opts.Action == "" {
		return c, nil, nil
	}
	edge, err := domain.Next(key.Kind, domain.PhaseInit, opts.Action)
	if err != nil {
		return nil, nil, err
	}
	c.Status, c.State = edge.To.Split()
	if opts.Classified {
		c.Classified = true
		c.ClassifiedState = domain.ClassifiedPending
		if edge.To == domain.PhaseActive {
			c.ClassifiedState = domain.ClassifiedEngaged
			c.ClassifiedAt = &now
		}
	}
	return c, &edge, nil
}

// TransitionOptions describe who drives a transition.
type TransitionOptions struct {
	// ActorID is the acting participant; empty for system actions.
	ActorID string
	// Classified reports the engaged creator as classified.
	Classified bool
}

// Transition applies action to the conversation. A concurrent change between
// read and write makes it re-read and re-evaluate the edge.
func (s *ConversationService) Transition(ctx context.Context, conversationID string, action domain.Action, opts TransitionOptions) (*domain.Conversation, error) {
	for attempt := 1; ; attempt++ {
		c, err := s.conversations.GetByID(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("get conversation: %w", err)
		}
		edge, err := domain.Next(c.Kind, c.Phase(), action)
		if err != nil {
			return nil, err
		}

		t := s.transitionFor(c, edge, opts)
		err = s.conversations.ApplyTransition(ctx, t)
		if errors.Is(err, domain.ErrConflict) && attempt < maxTransitionAttempts {
			s.log.Debug().Str("conversation_id", conversationID).Int("attempt", attempt).Msg("transition raced, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("apply %s: %w", action, err)
		}

		s.log.Info().
			Str("conversation_id", conversationID).
			Str("action", string(action)).
			Str("from", string(edge.From)).
			Str("to", string(edge.To)).
			Msg("conversation transitioned")

		s.runEffects(ctx, conversationID, edge, false)
		updated, err := s.conversations.GetByID(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("reload conversation: %w", err)
		}
		if edge.From == domain.PhaseInit {
			s.announce(updated, opts.ActorID)
		}
		s.cache.Sync(updated)
		return updated, nil
	}
}

func (s *ConversationService) transitionFor(c *domain.Conversation, edge domain.Edge, opts TransitionOptions) domain.Transition {
	now := s.Now()
	toStatus, toState := edge.To.Split()
	t := domain.Transition{
		ConversationID: c.ID,
		FromStatus:     c.Status,
		FromState:      c.State,
		ToStatus:       toStatus,
		ToState:        toState,
		Classified:     opts.Classified,
		At:             now,
	}
	t.BriefStatus, t.BriefFrom = edge.BriefStatus()

	if opts.Classified || c.Classified {
		switch {
		case edge.To == domain.PhaseActive:
			t.ClassifiedState = domain.ClassifiedEngaged
			t.ClassifiedAt = &now
		case opts.Classified:
			t.ClassifiedState = domain.ClassifiedPending
		}
	}
	return t
}

// runEffects performs the scheduler side of an edge. The transition is
// already committed, so failures are logged only. A conversation created
// directly past INIT never had an init-expiry job.
func (s *ConversationService) runEffects(ctx context.Context, conversationID string, edge domain.Edge, created bool) {
	if edge.Has(domain.EffectCancelInitExpiry) && !created {
		s.cancel(ctx, conversationID, domain.JobExpireInit)
	}
	if edge.Has(domain.EffectCancelInviteExpiry) {
		s.cancel(ctx, conversationID, domain.JobExpireInvite)
	}
	if edge.Has(domain.EffectScheduleInviteExpiry) {
		s.schedule(ctx, conversationID, domain.JobExpireInvite, s.timing.InviteExpiry)
	}
}

func (s *ConversationService) schedule(ctx context.Context, conversationID string, name domain.JobName, delay time.Duration) {
	job := domain.Job{Name: name, ConversationID: conversationID}
	if err := s.scheduler.Schedule(ctx, delay, job); err != nil {
		s.log.Error().Err(err).Str("conversation_id", conversationID).Str("job", string(name)).Msg("schedule job")
	}
}

func (s *ConversationService) cancel(ctx context.Context, conversationID string, name domain.JobName) {
	if err := s.scheduler.Cancel(ctx, name, conversationID); err != nil {
		s.log.Error().Err(err).Str("conversation_id", conversationID).Str("job", string(name)).Msg("cancel job")
	}
}

// announce tells every participant but the initiator that a conversation
// became visible to them.
func (s *ConversationService) announce(c *domain.Conversation, initiatorID string) {
	if c.Status != domain.StatusCreated {
		return
	}
	byCount := map[int][]string{}
	for _, id := range c.Others(initiatorID) {
		n := c.PendingCount(id)
		byCount[n] = append(byCount[n], id)
	}
	for n, ids := range byCount {
		s.fanout.SendNewConversation(ids, c.ID, n, c.Kind)
	}
}

// Get returns a conversation the caller takes part in.
func (s *ConversationService) Get(ctx context.Context, conversationID, callerID string) (*domain.Conversation, error) {
	c, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if callerID != "" && !c.IsParticipant(callerID) {
		return nil, fmt.Errorf("user %s in conversation %s: %w", callerID, conversationID, domain.ErrForbidden)
	}
	return c, nil
}

func (s *ConversationService) ListForUser(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.conversations.ListForUser(ctx, userID, limit)
}

// Reset zeroes the caller's own pending counter.
func (s *ConversationService) Reset(ctx context.Context, conversationID, callerID string) error {
	if err := s.counters.Reset(ctx, conversationID, callerID); err != nil {
		return fmt.Errorf("reset counter: %w", err)
	}
	c, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("reload after reset")
		return nil
	}
	s.cache.Sync(c)
	return nil
}

// MarkUnread puts one pending item back on the caller's own counter.
func (s *ConversationService) MarkUnread(ctx context.Context, conversationID, callerID string) (*domain.Conversation, error) {
	if err := s.counters.Increment(ctx, conversationID, callerID); err != nil {
		return nil, fmt.Errorf("increment counter: %w", err)
	}
	c, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reload conversation: %w", err)
	}
	s.cache.Sync(c)
	return c, nil
}

// AddMembers appends new members to a group. Members already present are
// left untouched; the returned slice holds only the added ids.
func (s *ConversationService) AddMembers(ctx context.Context, c *domain.Conversation, members []domain.Participant) (*domain.Conversation, []string, error) {
	if !c.Kind.IsGroup() {
		return nil, nil, fmt.Errorf("add members to %s conversation: %w", c.Kind, domain.ErrInvalidInput)
	}
	now := s.Now()
	var (
		fresh []domain.Participant
		ids   []string
	)
	seen := map[string]bool{}
	for _, m := range members {
		if m.UserID == "" || seen[m.UserID] || c.IsParticipant(m.UserID) {
			continue
		}
		seen[m.UserID] = true
		m.JoinedAt = now
		m.PendingCount = 0
		fresh = append(fresh, m)
		ids = append(ids, m.UserID)
	}
	if len(fresh) == 0 {
		return c, nil, nil
	}
	if err := s.conversations.AddParticipants(ctx, c.ID, fresh); err != nil {
		return nil, nil, fmt.Errorf("add participants: %w", err)
	}
	updated, err := s.conversations.GetByID(ctx, c.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("reload conversation: %w", err)
	}
	s.cache.Sync(updated)
	if updated.Status == domain.StatusCreated {
		s.fanout.SendNewConversation(ids, updated.ID, 0, updated.Kind)
	}
	return updated, ids, nil
}
