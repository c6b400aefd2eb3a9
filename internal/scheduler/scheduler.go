// Package scheduler runs the time-deferred conversation jobs on River.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"

	"chatcore/internal/domain"
)

// liveStates are the states in which a job may still run. Inserts are unique
// per conversation among them, and Cancel only looks at them.
var liveStates = []rivertype.JobState{
	rivertype.JobStateAvailable,
	rivertype.JobStatePending,
	rivertype.JobStateRunning,
	rivertype.JobStateRetryable,
	rivertype.JobStateScheduled,
}

// Scheduler implements domain.Scheduler on a River client.
type Scheduler struct {
	client  *river.Client[pgx.Tx]
	pool    *pgxpool.Pool
	handler *binding
	log     zerolog.Logger
}

var _ domain.Scheduler = (*Scheduler)(nil)

// Options configures the River client. Workers set to zero yields an
// insert-only client.
type Options struct {
	Workers int
}

func New(ctx context.Context, databaseURL string, opts Options, log zerolog.Logger) (*Scheduler, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	s := &Scheduler{
		pool:    pool,
		handler: &binding{},
		log:     log.With().Str("component", "scheduler").Logger(),
	}

	cfg := &river.Config{}
	if opts.Workers > 0 {
		workers := river.NewWorkers()
		river.AddWorker(workers, &ExpireInviteWorker{handler: s.handler, log: s.log})
		river.AddWorker(workers, &ExpireInitWorker{handler: s.handler, log: s.log})
		cfg.Workers = workers
		cfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: opts.Workers},
		}
	}

	s.client, err = river.NewClient(riverpgxv5.New(pool), cfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return s, nil
}

// Migrate brings the River schema up to date.
func Migrate(ctx context.Context, databaseURL string) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("migrate river: %w", err)
	}
	return nil
}

// Bind sets the handler the workers call. It must be called before Start.
func (s *Scheduler) Bind(h Handler) {
	s.handler.set(h)
}

func (s *Scheduler) Start(ctx context.Context) error {
	return s.client.Start(ctx)
}

func (s *Scheduler) Stop(ctx context.Context) error {
	err := s.client.Stop(ctx)
	s.pool.Close()
	return err
}

func (s *Scheduler) Schedule(ctx context.Context, delay time.Duration, job domain.Job) error {
	return s.insert(ctx, job, time.Now().Add(delay))
}

// Now runs job as soon as a worker is free. A pending scheduled instance is
// cancelled first so the unique insert is not skipped.
func (s *Scheduler) Now(ctx context.Context, job domain.Job) error {
	if err := s.Cancel(ctx, job.Name, job.ConversationID); err != nil {
		return err
	}
	return s.insert(ctx, job, time.Time{})
}

func (s *Scheduler) insert(ctx context.Context, job domain.Job, at time.Time) error {
	args, err := argsFor(job)
	if err != nil {
		return err
	}
	opts := &river.InsertOpts{
		ScheduledAt: at,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByState: liveStates,
		},
	}
	res, err := s.client.Insert(ctx, args, opts)
	if err != nil {
		return fmt.Errorf("insert %s job: %v: %w", job.Name, err, domain.ErrExternalService)
	}
	if res.UniqueSkippedAsDuplicate {
		s.log.Debug().Str("job", string(job.Name)).Str("conversation_id", job.ConversationID).Msg("job already queued")
	}
	return nil
}

// Cancel cancels every live job of name for conversationID. Missing jobs and
// jobs that finished in the meantime are not errors.
func (s *Scheduler) Cancel(ctx context.Context, name domain.JobName, conversationID string) error {
	params := river.NewJobListParams().
		Kinds(string(name)).
		States(liveStates...).
		First(100)

	for {
		res, err := s.client.JobList(ctx, params)
		if err != nil {
			return fmt.Errorf("list %s jobs: %v: %w", name, err, domain.ErrExternalService)
		}
		for _, row := range res.Jobs {
			if !argsMatch(row.EncodedArgs, conversationID) {
				continue
			}
			if _, err := s.client.JobCancel(ctx, row.ID); err != nil && !errors.Is(err, rivertype.ErrNotFound) {
				return fmt.Errorf("cancel %s job %d: %v: %w", name, row.ID, err, domain.ErrExternalService)
			}
			s.log.Debug().Str("job", string(name)).Int64("job_id", row.ID).Str("conversation_id", conversationID).Msg("job cancelled")
		}
		if len(res.Jobs) < 100 || res.LastCursor == nil {
			return nil
		}
		params = params.After(res.LastCursor)
	}
}

func argsFor(job domain.Job) (river.JobArgs, error) {
	switch job.Name {
	case domain.JobExpireInvite:
		return ExpireInviteArgs{ConversationID: job.ConversationID}, nil
	case domain.JobExpireInit:
		return ExpireInitArgs{ConversationID: job.ConversationID}, nil
	default:
		return nil, fmt.Errorf("unknown job %q: %w", job.Name, domain.ErrInvalidInput)
	}
}

func argsMatch(encoded []byte, conversationID string) bool {
	var a struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(encoded, &a); err != nil {
		return false
	}
	return a.ConversationID == conversationID
}
