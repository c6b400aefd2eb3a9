package main

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatcore/internal/async"
	"chatcore/internal/cache"
	"chatcore/internal/config"
	"chatcore/internal/domain"
	"chatcore/internal/notify"
	"chatcore/internal/realtime"
)

// sinks are the best-effort consumers of committed writes. Each owns a
// runner, so a stalled gateway or notification service never delays cache
// writes, which stay ordered on their own worker.
type sinks struct {
	cache    *cache.Synchronizer
	fanout   *realtime.Dispatcher
	notifier *notify.Notifier
	runners  []*async.Runner
}

func newSinks(cfg *config.Config, rdb redis.Cmdable, profiles domain.ProfileRepository, log zerolog.Logger) *sinks {
	s := &sinks{}
	runner := func(name string) *async.Runner {
		r := async.NewRunner(log.With().Str("sink", name).Logger(), cfg.Async.QueueSize, cfg.Async.Timeout)
		s.runners = append(s.runners, r)
		return r
	}

	s.cache = cache.NewSynchronizer(rdb, runner("cache"), log)
	gw := realtime.NewClient(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.Timeout)
	s.fanout = realtime.NewDispatcher(gw, profiles, runner("realtime"), log)

	var sender notify.Sender
	if cfg.Notify.URL != "" {
		sender = notify.NewClient(cfg.Notify.URL, cfg.Notify.Timeout)
	}
	s.notifier = notify.NewNotifier(sender, runner("notify"), log)
	return s
}

// Close drains every runner until ctx ends.
func (s *sinks) Close(ctx context.Context) error {
	var errs []error
	for _, r := range s.runners {
		errs = append(errs, r.Close(ctx))
	}
	return errors.Join(errs...)
}
