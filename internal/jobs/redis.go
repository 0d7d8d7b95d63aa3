package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces job keys in a shared Redis.
const DefaultRedisPrefix = "murmur:jobs:"

// RedisStore is a [Store] shared between replicas through Redis. Each job
// is a JSON string with a native key expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a RedisStore. Empty prefix and non-positive ttl
// select [DefaultRedisPrefix] and [DefaultTTL].
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Put implements [Store].
func (s *RedisStore) Put(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key(job.OwnerID, job.ConversationID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("jobs: redis set: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *RedisStore) Get(ctx context.Context, ownerID, conversationID string) (Job, error) {
	data, err := s.client.Get(ctx, s.prefix+key(ownerID, conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("jobs: redis get: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("jobs: unmarshal: %w", err)
	}
	return job, nil
}

// Delete implements [Store].
func (s *RedisStore) Delete(ctx context.Context, ownerID, conversationID string) error {
	if err := s.client.Del(ctx, s.prefix+key(ownerID, conversationID)).Err(); err != nil {
		return fmt.Errorf("jobs: redis del: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
