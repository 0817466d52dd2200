package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"assistant/internal/logger"
	"assistant/internal/model"
)

const contextKeyPrefix = "assistant:context:"

// RedisContextStore keeps session contexts in Redis so several server processes can share them.
// Each user's history is a JSON list whose TTL is the idle timeout, refreshed on every write.
type RedisContextStore struct {
	client      *redis.Client
	maxHistory  int
	idleTimeout time.Duration
	now         func() time.Time
}

var _ ContextStore = (*RedisContextStore)(nil)

// NewRedisContextStore connects to redisURL and verifies the connection
func NewRedisContextStore(ctx context.Context, redisURL string, maxHistory int, idleTimeout time.Duration) (*RedisContextStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisContextStore{
		client:      client,
		maxHistory:  maxHistory,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}, nil
}

func contextKey(userID string) string {
	return contextKeyPrefix + userID
}

func (s *RedisContextStore) AddToContext(ctx context.Context, userID string, entry model.ContextEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal context entry: %w", err)
	}

	key := contextKey(userID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-s.maxHistory), -1)
		pipe.Expire(ctx, key, s.idleTimeout)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append context entry: %w", err)
	}
	return nil
}

func (s *RedisContextStore) GetContext(ctx context.Context, userID string) ([]model.ContextEntry, error) {
	raw, err := s.client.LRange(ctx, contextKey(userID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read context: %w", err)
	}

	entries := make([]model.ContextEntry, 0, len(raw))
	for _, item := range raw {
		var e model.ContextEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			logger.Warn().Err(err).Str("user_id", userID).Msg("Skipping corrupt context entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisContextStore) ClearContext(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, contextKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear context: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op: Redis expires idle keys itself
func (s *RedisContextStore) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}

// Close releases the Redis connection pool
func (s *RedisContextStore) Close() error {
	return s.client.Close()
}
