package localstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "casechat:local:"

// redisKV es el subconjunto de *redis.Client que usa el store; permite mocks en tests.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

type redisStore struct {
	client  redisKV
	prefix  string
	timeout time.Duration
}

// NewRedisStore guarda cada clave bajo prefix. Sin expiración en Redis: el TTL
// lógico lo decide la caché con expiresAt.
func NewRedisStore(client *redis.Client, prefix string) Store {
	if client == nil {
		return nil
	}
	return newRedisStore(client, prefix)
}

func newRedisStore(client redisKV, prefix string) *redisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{
		client:  client,
		prefix:  prefix,
		timeout: 500 * time.Millisecond,
	}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *redisStore) Remove(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *redisStore) ListKeys(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 4*s.timeout)
	defer cancel()

	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range page {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *redisStore) MultiRemove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	return s.client.Del(ctx, full...).Err()
}
