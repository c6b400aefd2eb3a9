package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/domain"
)

// Local keeps jobs in process memory with timers. It backs single-node SQLite
// deployments where River is unavailable; pending jobs are lost on restart.
type Local struct {
	handler *binding
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.Mutex
	timers map[domain.Job]*pending
	wg     sync.WaitGroup
}

// pending is one armed timer. A fire only runs while its own entry is still
// the one registered for the job.
type pending struct {
	timer *time.Timer
}

var _ domain.Scheduler = (*Local)(nil)

func NewLocal(log zerolog.Logger, timeout time.Duration) *Local {
	return &Local{
		handler: &binding{},
		log:     log.With().Str("component", "scheduler").Logger(),
		timeout: timeout,
		timers:  make(map[domain.Job]*pending),
	}
}

func (l *Local) Bind(h Handler) {
	l.handler.set(h)
}

func (l *Local) Schedule(_ context.Context, delay time.Duration, job domain.Job) error {
	if _, err := argsFor(job); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.timers[job]; ok {
		return nil
	}
	p := &pending{}
	p.timer = time.AfterFunc(delay, func() { l.fire(job, p) })
	l.timers[job] = p
	return nil
}

func (l *Local) Now(ctx context.Context, job domain.Job) error {
	if err := l.Cancel(ctx, job.Name, job.ConversationID); err != nil {
		return err
	}
	return l.Schedule(ctx, 0, job)
}

func (l *Local) Cancel(_ context.Context, name domain.JobName, conversationID string) error {
	job := domain.Job{Name: name, ConversationID: conversationID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.timers[job]; ok {
		p.timer.Stop()
		delete(l.timers, job)
	}
	return nil
}

func (l *Local) fire(job domain.Job, p *pending) {
	l.mu.Lock()
	if l.timers[job] != p {
		// Cancelled, or replaced by a newer Schedule, after the timer expired.
		l.mu.Unlock()
		return
	}
	delete(l.timers, job)
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	h, err := l.handler.get()
	if err != nil {
		l.log.Error().Err(err).Str("job", string(job.Name)).Msg("job dropped")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	switch job.Name {
	case domain.JobExpireInvite:
		err = h.ExpireInvite(ctx, job.ConversationID)
	case domain.JobExpireInit:
		err = h.RemindDraft(ctx, job.ConversationID)
	}
	if err := settle(l.log, job.Name, job.ConversationID, err); err != nil {
		l.log.Error().Err(err).Msg("job failed")
	}
}

// Stop cancels pending timers and waits for running jobs.
func (l *Local) Stop(context.Context) error {
	l.mu.Lock()
	for job, p := range l.timers {
		p.timer.Stop()
		delete(l.timers, job)
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}
