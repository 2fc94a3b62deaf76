package cached

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"torrentstream/mediaengine/internal/domain"
)

const redisKeyPrefix = "mediaengine:source:"

// RedisBackend stores result lists in Redis as JSON.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]domain.MediaMatch, bool, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var items []domain.MediaMatch
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, err
	}
	return items, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, items []domain.MediaMatch, ttl time.Duration) error {
	if items == nil {
		items = []domain.MediaMatch{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
