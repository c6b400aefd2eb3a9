package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"chatcore/internal/domain"
)

// Handler performs the business side of a fired job.
type Handler interface {
	ExpireInvite(ctx context.Context, conversationID string) error
	RemindDraft(ctx context.Context, conversationID string) error
}

// binding breaks the construction cycle between the scheduler, which the
// services need, and the services, which the workers call.
type binding struct {
	mu sync.RWMutex
	h  Handler
}

func (b *binding) set(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.h = h
}

func (b *binding) get() (Handler, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.h == nil {
		return nil, errors.New("scheduler handler not bound")
	}
	return b.h, nil
}

type ExpireInviteArgs struct {
	ConversationID string `json:"conversation_id"`
}

func (ExpireInviteArgs) Kind() string { return string(domain.JobExpireInvite) }

type ExpireInviteWorker struct {
	river.WorkerDefaults[ExpireInviteArgs]
	handler *binding
	log     zerolog.Logger
}

func (w *ExpireInviteWorker) Work(ctx context.Context, job *river.Job[ExpireInviteArgs]) error {
	h, err := w.handler.get()
	if err != nil {
		return err
	}
	return settle(w.log, domain.JobExpireInvite, job.Args.ConversationID,
		h.ExpireInvite(ctx, job.Args.ConversationID))
}

type ExpireInitArgs struct {
	ConversationID string `json:"conversation_id"`
}

func (ExpireInitArgs) Kind() string { return string(domain.JobExpireInit) }

type ExpireInitWorker struct {
	river.WorkerDefaults[ExpireInitArgs]
	handler *binding
	log     zerolog.Logger
}

func (w *ExpireInitWorker) Work(ctx context.Context, job *river.Job[ExpireInitArgs]) error {
	h, err := w.handler.get()
	if err != nil {
		return err
	}
	return settle(w.log, domain.JobExpireInit, job.Args.ConversationID,
		h.RemindDraft(ctx, job.Args.ConversationID))
}

// settle treats a job made moot by an earlier transition as done; anything
// else goes back to River for retry.
func settle(log zerolog.Logger, name domain.JobName, conversationID string, err error) error {
	switch {
	case err == nil:
		log.Info().Str("job", string(name)).Str("conversation_id", conversationID).Msg("job done")
		return nil
	case errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrNotFound):
		log.Info().Err(err).Str("job", string(name)).Str("conversation_id", conversationID).Msg("job moot")
		return nil
	default:
		return fmt.Errorf("%s %s: %w", name, conversationID, err)
	}
}
