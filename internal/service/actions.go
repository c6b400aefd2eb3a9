package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chatcore/internal/domain"
	"chatcore/internal/scheduler"
)

// Notification use cases sent to the delivery service.
const (
	UseCaseHire           = "hire"
	UseCaseInvite         = "invite"
	UseCaseInviteAccepted = "invite_accepted"
	UseCaseInviteDeclined = "invite_declined"
	UseCaseInviteExpired  = "invite_expired"
	UseCaseGetInTouch     = "get_in_touch"
	UseCaseDraftReminder  = "draft_reminder"
	UseCaseNewMessage     = "new_message"
	UseCaseInvoice        = "invoice_sent"
	UseCaseProjectGroup   = "project_group"
)

// Actions are the business call sites that drive conversations: hiring,
// inviting, contacting and project groups.
type Actions struct {
	conversations *ConversationService
	messages      *MessageService
	profiles      domain.ProfileRepository
	notifier      domain.Notifier
	log           zerolog.Logger
}

var _ scheduler.Handler = (*Actions)(nil)

func NewActions(
	conversations *ConversationService,
	messages *MessageService,
	profiles domain.ProfileRepository,
	notifier domain.Notifier,
	log zerolog.Logger,
) *Actions {
	return &Actions{
		conversations: conversations,
		messages:      messages,
		profiles:      profiles,
		notifier:      notifier,
		log:           log.With().Str("component", "actions").Logger(),
	}
}

// engage gets or creates the conversation for key and moves an existing one
// with action. A caller that lost the creation race to the same action takes
// the winner's row as is.
func (a *Actions) engage(ctx context.Context, key domain.Key, action domain.Action, actorID string, classified bool) (*domain.Conversation, error) {
	c, from, err := a.conversations.getOrCreate(ctx, key, CreateOptions{
		Action:      action,
		InitiatorID: actorID,
		Classified:  classified,
	})
	if err != nil {
		return nil, err
	}
	switch from {
	case originCreated:
		return c, nil
	case originRaced:
		if edge, err := domain.Next(c.Kind, domain.PhaseInit, action); err == nil && c.Phase() == edge.To {
			return c, nil
		}
	}
	return a.conversations.Transition(ctx, c.ID, action, TransitionOptions{ActorID: actorID, Classified: classified})
}

type HireInput struct {
	// Kind defaults to client_creator. U1 carries the first role of the kind.
	Kind       domain.Kind
	HirerID    string
	HiredID    string
	Classified bool
}

// Hire engages HiredID directly: the conversation ends up ACTIVE.
func (a *Actions) Hire(ctx context.Context, in HireInput) (*domain.Conversation, error) {
	kind := in.Kind
	if kind == "" {
		kind = domain.KindClientCreator
	}
	if kind.IsGroup() {
		return nil, fmt.Errorf("hire in a group conversation: %w", domain.ErrInvalidInput)
	}
	c, err := a.engage(ctx, domain.PairKey(kind, in.HirerID, in.HiredID), domain.ActionHire, in.HirerID, in.Classified)
	if err != nil {
		return nil, err
	}
	_, role := kind.Roles()
	a.web(UseCaseHire, role, in.HiredID, in.HirerID, c.ID, nil)
	return c, nil
}

type InviteInput struct {
	Kind       domain.Kind
	InviterID  string
	InviteeID  string
	Brief      domain.BriefPayload
	Classified bool
}

// SendInvite moves the conversation into INVITE and appends the brief.
func (a *Actions) SendInvite(ctx context.Context, in InviteInput) (*domain.Conversation, *domain.Message, error) {
	kind := in.Kind
	if kind == "" {
		kind = domain.KindClientCreator
	}
	if err := in.Brief.Validate(); err != nil {
		return nil, nil, err
	}
	c, err := a.engage(ctx, domain.PairKey(kind, in.InviterID, in.InviteeID), domain.ActionInvite, in.InviterID, in.Classified)
	if err != nil {
		return nil, nil, err
	}
	msg, err := a.messages.Append(ctx, c.ID, in.InviterID, in.Brief)
	if err != nil {
		return nil, nil, fmt.Errorf("append brief: %w", err)
	}
	_, role := kind.Roles()
	a.web(UseCaseInvite, role, in.InviteeID, in.InviterID, c.ID, map[string]any{
		"brief_id": in.Brief.BriefID,
		"title":    in.Brief.Title,
	})
	return c, msg, nil
}

// AcceptInvite answers the pending invite on behalf of its recipient.
func (a *Actions) AcceptInvite(ctx context.Context, conversationID, callerID string) (*domain.Conversation, error) {
	return a.answerInvite(ctx, conversationID, callerID, domain.ActionAccept, UseCaseInviteAccepted)
}

func (a *Actions) DeclineInvite(ctx context.Context, conversationID, callerID string) (*domain.Conversation, error) {
	return a.answerInvite(ctx, conversationID, callerID, domain.ActionDecline, UseCaseInviteDeclined)
}

func (a *Actions) answerInvite(ctx context.Context, conversationID, callerID string, action domain.Action, useCase string) (*domain.Conversation, error) {
	c, err := a.conversations.Get(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	inviter := ""
	brief, err := a.messages.Latest(ctx, conversationID, domain.MessageBrief)
	switch {
	case err == nil:
		if brief.SenderID == callerID {
			return nil, fmt.Errorf("%s own invite: %w", action, domain.ErrForbidden)
		}
		inviter = brief.SenderID
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, fmt.Errorf("latest brief: %w", err)
	}

	c, err = a.conversations.Transition(ctx, c.ID, action, TransitionOptions{ActorID: callerID})
	if err != nil {
		return nil, err
	}
	if inviter != "" {
		if p, ok := c.Participant(inviter); ok {
			a.web(useCase, p.Role, inviter, callerID, c.ID, nil)
		}
	}
	return c, nil
}

// ExpireInvite is fired by the scheduler once the invite window closed.
func (a *Actions) ExpireInvite(ctx context.Context, conversationID string) error {
	c, err := a.conversations.Transition(ctx, conversationID, domain.ActionExpire, TransitionOptions{})
	if err != nil {
		return err
	}
	u1 := c.U1()
	if p, ok := c.Participant(u1); ok {
		a.web(UseCaseInviteExpired, p.Role, u1, "", c.ID, nil)
	}
	return nil
}

type GetInTouchInput struct {
	// Kind is client_creator or external_creator.
	Kind      domain.Kind
	FromID    string
	CreatorID string
	Payload   domain.Payload
	// AwaitingUploads parks a new conversation in WAITING until Activate.
	AwaitingUploads bool
}

// GetInTouch opens (or reuses) a conversation with a creator and appends the
// first message.
func (a *Actions) GetInTouch(ctx context.Context, in GetInTouchInput) (*domain.Conversation, *domain.Message, error) {
	kind := in.Kind
	if kind == "" {
		kind = domain.KindClientCreator
	}
	if kind != domain.KindClientCreator && kind != domain.KindExternalCreator {
		return nil, nil, fmt.Errorf("get in touch via %s: %w", kind, domain.ErrInvalidInput)
	}
	if in.Payload == nil {
		return nil, nil, fmt.Errorf("get in touch without message: %w", domain.ErrInvalidInput)
	}
	if err := in.Payload.Validate(); err != nil {
		return nil, nil, err
	}

	action := domain.ActionMessage
	if in.AwaitingUploads {
		action = domain.ActionWait
	}
	c, created, err := a.conversations.GetOrCreate(ctx, domain.PairKey(kind, in.FromID, in.CreatorID), CreateOptions{
		Action:      action,
		InitiatorID: in.FromID,
	})
	if err != nil {
		return nil, nil, err
	}
	if !created && c.Status == domain.StatusInit && action == domain.ActionWait {
		if c, err = a.conversations.Transition(ctx, c.ID, action, TransitionOptions{ActorID: in.FromID}); err != nil {
			return nil, nil, err
		}
	}

	msg, err := a.messages.Append(ctx, c.ID, in.FromID, in.Payload)
	if err != nil {
		return nil, nil, err
	}
	a.web(UseCaseGetInTouch, domain.RoleCreator, in.CreatorID, in.FromID, c.ID, nil)
	return c, msg, nil
}

// OpenDraft returns the conversation between two identities, creating an INIT
// placeholder that stays invisible until its first real action.
func (a *Actions) OpenDraft(ctx context.Context, kind domain.Kind, initiatorID, otherID string) (*domain.Conversation, bool, error) {
	return a.conversations.GetOrCreate(ctx, domain.PairKey(kind, initiatorID, otherID), CreateOptions{InitiatorID: initiatorID})
}

// RemindDraft is fired by the scheduler for placeholders that never turned
// into a conversation.
func (a *Actions) RemindDraft(ctx context.Context, conversationID string) error {
	c, err := a.conversations.Get(ctx, conversationID, "")
	if err != nil {
		return err
	}
	if c.Status != domain.StatusInit {
		return fmt.Errorf("draft %s already %s: %w", conversationID, c.Phase(), domain.ErrInvalidStateTransition)
	}

	initiator := c.U1()
	p, ok := c.Participant(initiator)
	if !ok {
		return fmt.Errorf("draft %s without initiator: %w", conversationID, domain.ErrNotFound)
	}
	n := domain.Notification{UseCase: UseCaseDraftReminder, Role: p.Role}
	n.Web = &domain.WebNotification{For: initiator, Action: UseCaseDraftReminder, Data: map[string]any{"conversation_id": c.ID}}

	profiles, err := a.profiles.GetMany(ctx, []string{initiator})
	if err != nil {
		a.log.Warn().Err(err).Str("conversation_id", c.ID).Msg("resolve draft initiator")
	} else if prof, ok := profiles[initiator]; ok && prof.Email != "" {
		n.Email = &domain.EmailNotification{To: prof.Email, Data: map[string]any{
			"conversation_id": c.ID,
			"name":            prof.DisplayName,
		}}
	}
	a.notifier.Notify(n)
	return nil
}

// MarkWaiting parks a placeholder until pending uploads complete.
func (a *Actions) MarkWaiting(ctx context.Context, conversationID, callerID string) (*domain.Conversation, error) {
	if _, err := a.conversations.Get(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	return a.conversations.Transition(ctx, conversationID, domain.ActionWait, TransitionOptions{ActorID: callerID})
}

// Activate releases a WAITING conversation.
func (a *Actions) Activate(ctx context.Context, conversationID, callerID string) (*domain.Conversation, error) {
	if _, err := a.conversations.Get(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	return a.conversations.Transition(ctx, conversationID, domain.ActionActivate, TransitionOptions{ActorID: callerID})
}

type GroupInput struct {
	ProjectRef string
	AdminID    string
	MemberIDs  []string
}

// CreateProjectGroup gets or creates the group of a project with AdminID as
// its admin. On an existing group AdminID must already be its admin, and
// members missing from it are added.
func (a *Actions) CreateProjectGroup(ctx context.Context, in GroupInput) (*domain.Conversation, error) {
	if in.AdminID == "" {
		return nil, fmt.Errorf("project group without admin: %w", domain.ErrInvalidParticipants)
	}
	members := []domain.Participant{{UserID: in.AdminID, Role: domain.RolePM, IsAdmin: true, IsIncludedInProject: true}}
	for _, id := range in.MemberIDs {
		if id == "" || id == in.AdminID {
			continue
		}
		members = append(members, domain.Participant{UserID: id, Role: domain.RoleMember, IsIncludedInProject: true})
	}

	c, created, err := a.conversations.GetOrCreate(ctx, domain.GroupKey(in.ProjectRef), CreateOptions{
		Action:      domain.ActionHire,
		InitiatorID: in.AdminID,
		Members:     dedupe(members),
	})
	if err != nil {
		return nil, err
	}
	if created {
		for _, id := range c.Others(in.AdminID) {
			a.web(UseCaseProjectGroup, domain.RoleMember, id, in.AdminID, c.ID, map[string]any{"project_ref": in.ProjectRef})
		}
		return c, nil
	}
	if p, ok := c.Participant(in.AdminID); !ok || !p.IsAdmin {
		return nil, fmt.Errorf("user %s is not admin of group %s: %w", in.AdminID, in.ProjectRef, domain.ErrForbidden)
	}
	c, _, err = a.conversations.AddMembers(ctx, c, members[1:])
	return c, err
}

// AddGroupMembers lets a group admin add members. Membership only grows.
func (a *Actions) AddGroupMembers(ctx context.Context, conversationID, callerID string, memberIDs []string) (*domain.Conversation, error) {
	c, err := a.conversations.Get(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !c.Kind.IsGroup() {
		return nil, fmt.Errorf("add members to %s conversation: %w", c.Kind, domain.ErrInvalidInput)
	}
	if p, ok := c.Participant(callerID); !ok || !p.IsAdmin {
		return nil, fmt.Errorf("user %s is not a group admin: %w", callerID, domain.ErrForbidden)
	}
	members := make([]domain.Participant, 0, len(memberIDs))
	for _, id := range memberIDs {
		members = append(members, domain.Participant{UserID: id, Role: domain.RoleMember, IsIncludedInProject: true})
	}
	c, added, err := a.conversations.AddMembers(ctx, c, members)
	if err != nil {
		return nil, err
	}
	for _, id := range added {
		a.web(UseCaseProjectGroup, domain.RoleMember, id, callerID, c.ID, nil)
	}
	return c, nil
}

// SendMessage appends a participant message and notifies the recipients.
func (a *Actions) SendMessage(ctx context.Context, conversationID, senderID string, p domain.Payload) (*domain.Message, error) {
	msg, err := a.messages.Append(ctx, conversationID, senderID, p)
	if err != nil {
		return nil, err
	}
	a.notifyRecipients(ctx, conversationID, senderID, UseCaseNewMessage, map[string]any{"message_id": msg.ID, "type": msg.Type})
	return msg, nil
}

// SendInvoice appends an invoice, or a group invoice in project groups.
func (a *Actions) SendInvoice(ctx context.Context, conversationID, senderID string, p domain.Payload) (*domain.Message, error) {
	if p == nil {
		return nil, fmt.Errorf("invoice without payload: %w", domain.ErrInvalidInput)
	}
	c, err := a.conversations.Get(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	want := domain.MessageInvoice
	if c.Kind.IsGroup() {
		want = domain.MessageGroupInvoice
	}
	if p.Type() != want {
		return nil, fmt.Errorf("%s in %s conversation: %w", p.Type(), c.Kind, domain.ErrInvalidInput)
	}
	msg, err := a.messages.Append(ctx, conversationID, senderID, p)
	if err != nil {
		return nil, err
	}
	a.notifyRecipients(ctx, conversationID, senderID, UseCaseInvoice, map[string]any{"message_id": msg.ID})
	return msg, nil
}

func (a *Actions) notifyRecipients(ctx context.Context, conversationID, senderID, useCase string, data map[string]any) {
	c, err := a.conversations.Get(ctx, conversationID, "")
	if err != nil {
		a.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("resolve recipients")
		return
	}
	for _, id := range c.Others(senderID) {
		p, _ := c.Participant(id)
		a.web(useCase, p.Role, id, senderID, conversationID, data)
	}
}

func (a *Actions) web(useCase string, role domain.Role, forID, byID, conversationID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["conversation_id"] = conversationID
	a.notifier.Notify(domain.Notification{
		UseCase: useCase,
		Role:    role,
		Web: &domain.WebNotification{
			For:    forID,
			By:     byID,
			Action: useCase,
			Data:   data,
		},
	})
}

func dedupe(ps []domain.Participant) []domain.Participant {
	seen := make(map[string]bool, len(ps))
	out := ps[:0:0]
	for _, p := range ps {
		if seen[p.UserID] {
			continue
		}
		seen[p.UserID] = true
		out = append(out, p)
	}
	return out
}
