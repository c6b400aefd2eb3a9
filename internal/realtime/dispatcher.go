package realtime

import (
	"context"

	"github.com/rs/zerolog"

	"chatcore/internal/async"
	"chatcore/internal/domain"
)

type gateway interface {
	NewConversation(ctx context.Context, ev ConversationEvent) error
	NewMessage(ctx context.Context, ev MessageEvent) error
}

// Dispatcher is the best-effort fan-out: calls are queued on the runner and
// failures are logged, never retried.
type Dispatcher struct {
	gw       gateway
	profiles domain.ProfileRepository
	runner   *async.Runner
	log      zerolog.Logger
}

func NewDispatcher(gw gateway, profiles domain.ProfileRepository, runner *async.Runner, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		gw:       gw,
		profiles: profiles,
		runner:   runner,
		log:      log.With().Str("component", "realtime").Logger(),
	}
}

var _ domain.Fanout = (*Dispatcher)(nil)

func (d *Dispatcher) SendNewConversation(receivers []string, conversationID string, pendingCount int, kind domain.Kind) {
	if len(receivers) == 0 {
		return
	}
	ev := ConversationEvent{
		Receivers:        append([]string(nil), receivers...),
		ConversationID:   conversationID,
		ConversationType: kind,
		PendingCount:     pendingCount,
	}
	d.runner.Go("realtime.new_conversation", func(ctx context.Context) error {
		if err := d.gw.NewConversation(ctx, ev); err != nil {
			d.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("new conversation event not delivered")
		}
		return nil
	})
}

func (d *Dispatcher) SendNewMessage(receivers []string, conversationID string, pendingCount int, kind domain.Kind, msg *domain.Message) {
	if len(receivers) == 0 || msg == nil {
		return
	}
	ev := MessageEvent{
		Receivers:        append([]string(nil), receivers...),
		ConversationID:   conversationID,
		ConversationType: kind,
		PendingCount:     pendingCount,
		Message:          msg,
	}
	d.runner.Go("realtime.new_message", func(ctx context.Context) error {
		ev.Sender = d.sender(ctx, msg.SenderID)
		if err := d.gw.NewMessage(ctx, ev); err != nil {
			d.log.Warn().Err(err).Str("conversation_id", conversationID).Int64("message_id", msg.ID).Msg("new message event not delivered")
		}
		return nil
	})
}

// sender resolves display fields; a missing profile still yields the id.
func (d *Dispatcher) sender(ctx context.Context, id string) *Sender {
	if id == "" {
		return nil
	}
	s := &Sender{ID: id}
	if d.profiles == nil {
		return s
	}
	found, err := d.profiles.GetMany(ctx, []string{id})
	if err != nil {
		d.log.Warn().Err(err).Str("user_id", id).Msg("sender profile lookup failed")
		return s
	}
	if p, ok := found[id]; ok {
		s.DisplayName = p.DisplayName
		s.AvatarURL = p.AvatarURL
		s.Role = p.Role
	}
	return s
}
