package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatcore/internal/async"
	"chatcore/internal/domain"
)

// Synchronizer mirrors conversation aggregates into Redis. Values are full
// JSON overwrites without TTL; the database stays the source of truth.
type Synchronizer struct {
	rdb    redis.Cmdable
	runner *async.Runner
	log    zerolog.Logger
}

func NewSynchronizer(rdb redis.Cmdable, runner *async.Runner, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		rdb:    rdb,
		runner: runner,
		log:    log.With().Str("component", "cache").Logger(),
	}
}

var _ domain.ConversationCache = (*Synchronizer)(nil)

// Sync snapshots c and queues the write. It never blocks on Redis.
func (s *Synchronizer) Sync(c *domain.Conversation) {
	if c == nil {
		return
	}
	key := c.CacheKey()
	data, err := json.Marshal(c)
	if err != nil {
		s.log.Error().Err(err).Str("conversation_id", c.ID).Msg("encode conversation")
		return
	}
	s.runner.Go("cache.sync", func(ctx context.Context) error {
		if err := s.write(ctx, key, data); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("cache sync failed")
		}
		return nil
	})
}

// SyncNow writes c synchronously.
func (s *Synchronizer) SyncNow(ctx context.Context, c *domain.Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return s.write(ctx, c.CacheKey(), data)
}

func (s *Synchronizer) write(ctx context.Context, key string, data []byte) error {
	if err := s.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %v: %w", key, err, domain.ErrExternalService)
	}
	return nil
}

// Get reads a cached aggregate; used by read paths and tests.
func (s *Synchronizer) Get(ctx context.Context, key string) (*domain.Conversation, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %v: %w", key, err, domain.ErrExternalService)
	}
	var c domain.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &c, nil
}
