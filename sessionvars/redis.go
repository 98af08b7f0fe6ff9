package sessionvars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Verify interface compliance at compile time.
var _ Store = (*RedisStore)(nil)

// DefaultKeyPrefix namespaces call entries in Redis.
const DefaultKeyPrefix = "voiceagent:vars:"

// RedisStore is a Store shared between processes through Redis. Entries
// expire after the configured TTL so a call whose stream never starts does
// not leave a key behind.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL sets the entry lifetime. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
		ttl:    2 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(callID string) string {
	return s.prefix + callID
}

// Put stores vars under callID, replacing any previous set.
func (s *RedisStore) Put(ctx context.Context, callID string, vars Variables) error {
	data, err := json.Marshal(vars.Clone())
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	if err := s.client.Set(ctx, s.key(callID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", callID, err)
	}
	return nil
}

// Get returns the variables stored for callID, or an empty set if none.
func (s *RedisStore) Get(ctx context.Context, callID string) (Variables, error) {
	data, err := s.client.Get(ctx, s.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Variables{}, nil
	}
	if err != nil {
		return Variables{}, fmt.Errorf("redis get %s: %w", callID, err)
	}

	vars := Variables{}
	if err := json.Unmarshal(data, &vars); err != nil {
		return Variables{}, fmt.Errorf("decode variables for %s: %w", callID, err)
	}
	return vars, nil
}

// Delete removes the entry for callID.
func (s *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := s.client.Del(ctx, s.key(callID)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", callID, err)
	}
	return nil
}
