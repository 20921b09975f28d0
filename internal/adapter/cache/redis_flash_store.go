package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-federation/internal/domain"
	"github.com/smallbiznis/valora-federation/internal/repository"
)

const flashTTL = time.Hour

// RedisFlashStore queues flash messages in a per-session list.
type RedisFlashStore struct {
	client redis.UniversalClient
	prefix string
}

var _ repository.FlashStore = (*RedisFlashStore)(nil)

func NewRedisFlashStore(client redis.UniversalClient) *RedisFlashStore {
	return &RedisFlashStore{client: client, prefix: "flash:"}
}

func (s *RedisFlashStore) AddFlash(ctx context.Context, sessionID string, flash domain.Flash) error {
	payload, err := json.Marshal(flash)
	if err != nil {
		return fmt.Errorf("marshal flash: %w", err)
	}
	key := s.prefix + sessionID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, flashTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist flash: %w", err)
	}
	return nil
}

func (s *RedisFlashStore) PopFlashes(ctx context.Context, sessionID string) ([]domain.Flash, error) {
	key := s.prefix + sessionID
	var items *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pop flashes: %w", err)
	}
	raw := items.Val()
	flashes := make([]domain.Flash, 0, len(raw))
	for _, item := range raw {
		var flash domain.Flash
		if err := json.Unmarshal([]byte(item), &flash); err != nil {
			return nil, fmt.Errorf("decode flash: %w", err)
		}
		flashes = append(flashes, flash)
	}
	return flashes, nil
}
