package repository

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisScanBatch = 100

type redisCacheRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisCacheRepository constructs a cache repository that keeps every key
// under prefix in Redis. Values never expire.
func NewRedisCacheRepository(client *redis.Client, prefix string) CacheRepository {
	return &redisCacheRepository{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

func (r *redisCacheRepository) key(name string) string {
	if r.prefix == "" {
		return name
	}
	return r.prefix + ":" + name
}

func (r *redisCacheRepository) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (r *redisCacheRepository) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

func (r *redisCacheRepository) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *redisCacheRepository) Keys(ctx context.Context) ([]string, error) {
	pattern := r.key("*")
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, redisScanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range batch {
			if r.prefix != "" {
				key = strings.TrimPrefix(key, r.prefix+":")
			}
			keys = append(keys, key)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}
