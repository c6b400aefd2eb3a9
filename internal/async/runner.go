// Package async runs best-effort side effects off the request path. Jobs are
// queued on a bounded channel and executed in order by one worker; a full
// queue drops the job instead of blocking the caller.
package async

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of best-effort work. Its error is logged, never retried.
type Job func(ctx context.Context) error

type task struct {
	name string
	run  Job
}

type Runner struct {
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan task
	done   chan struct{}
}

func NewRunner(log zerolog.Logger, size int, timeout time.Duration) *Runner {
	if size <= 0 {
		size = 1
	}
	r := &Runner{
		log:     log.With().Str("component", "async").Logger(),
		timeout: timeout,
		queue:   make(chan task, size),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Go enqueues fn and reports whether it was accepted.
func (r *Runner) Go(name string, fn Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.log.Warn().Str("job", name).Msg("runner closed, job dropped")
		return false
	}
	select {
	case r.queue <- task{name: name, run: fn}:
		return true
	default:
		r.log.Warn().Str("job", name).Int("queue_size", cap(r.queue)).Msg("queue full, job dropped")
		return false
	}
}

func (r *Runner) loop() {
	defer close(r.done)
	for t := range r.queue {
		r.exec(t)
	}
}

func (r *Runner) exec(t task) {
	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("job", t.name).Interface("panic", p).Msg("job panicked")
		}
	}()
	if err := t.run(ctx); err != nil {
		r.log.Error().Err(err).Str("job", t.name).Msg("job failed")
	}
}

// Close stops accepting jobs and waits for queued ones to finish or ctx to end.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every job queued before the call has run. Tests use it
// to observe side effects deterministically.
func (r *Runner) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if !r.Go("flush", func(context.Context) error { close(marker); return nil }) {
		return nil
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
