package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medgraph/backend/pkg/config"
	"github.com/medgraph/backend/pkg/logger"
)

// RedisClient is the hot exact-match layer in front of the durable SQLite
// cache. Only redacted payloads keyed by fingerprint ever go in; a miss or
// an unreachable Redis falls through to SQLite, never to an error.
type RedisClient struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &RedisClient{
		client: client,
		ttl:    24 * time.Hour,
	}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func payloadKey(fingerprint string) string {
	return "cache:payload:" + fingerprint
}

// GetPayload returns the cached payload for a fingerprint, or "" on miss.
func (r *RedisClient) GetPayload(ctx context.Context, fingerprint string) (string, error) {
	val, err := r.client.Get(ctx, payloadKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read redis cache: %w", err)
	}
	return val, nil
}

func (r *RedisClient) SetPayload(ctx context.Context, fingerprint, payload string) error {
	if err := r.client.Set(ctx, payloadKey(fingerprint), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write redis cache: %w", err)
	}
	return nil
}

// DeletePayloads evicts fingerprints removed by a retention sweep.
func (r *RedisClient) DeletePayloads(ctx context.Context, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}

	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = payloadKey(fp)
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to evict redis cache entries: %w", err)
	}
	return nil
}
