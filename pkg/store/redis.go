package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"beacon/pkg/config"
)

// RedisKV stores values as plain strings under a shared key prefix, so several
// daemons can share one identity.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects and pings the configured server.
func OpenRedis(ctx context.Context, cfg config.StoreConfig) (*RedisKV, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("store.redis_addr is required for the redis driver")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	return newRedisKV(rdb, cfg.RedisPrefix), nil
}

func newRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: strings.TrimSuffix(strings.TrimSpace(prefix), ":")}
}

func (r *RedisKV) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}
