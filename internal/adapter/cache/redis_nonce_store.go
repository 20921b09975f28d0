package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-federation/internal/repository"
)

// RedisNonceStore implements NonceStore backed by Redis.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

var _ repository.NonceStore = (*RedisNonceStore)(nil)

// NewRedisNonceStore constructs a Redis-backed nonce store.
func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "oidc:nonce:"}
}

// Put stores the nonce with TTL, replacing any previous value in the slot.
func (s *RedisNonceStore) Put(ctx context.Context, key, nonce string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, nonce, ttl).Err(); err != nil {
		return fmt.Errorf("persist nonce: %w", err)
	}
	return nil
}

// Take reads and deletes the slot in one GETDEL round trip.
func (s *RedisNonceStore) Take(ctx context.Context, key string) (string, error) {
	nonce, err := s.client.GetDel(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("take nonce: %w", err)
	}
	return nonce, nil
}
