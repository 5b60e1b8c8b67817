package cache

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Store is the optional persistent layer beneath the in-memory exact-key
// map. Operations are best-effort: the cache swallows store errors and
// degrades to memory-only behavior.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisStore persists entries in redis, serialized with sonic. Redis owns
// expiry via the provided TTL; entry validity is still re-checked after a
// read so a quality-derived TTL change never resurrects a stale entry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by the given redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := sonic.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	raw, err := sonic.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, ttl).Err()
}

// Del implements Store.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
