package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisMediumConfig holds the configuration for the Redis client.
type RedisMediumConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces this medium's records inside a shared Redis,
	// preventing collisions with other uses of the same storage space.
	// Defaults to "freshness:".
	KeyPrefix string
}

// RedisMedium is a Medium backed by Redis, for sessions that should survive
// a process restart.
type RedisMedium struct {
	client    *redis.Client
	keyPrefix string
	logger    zerolog.Logger
}

// NewRedisMedium creates and connects a RedisMedium. It pings the Redis
// server to ensure connectivity before returning.
func NewRedisMedium(ctx context.Context, cfg *RedisMediumConfig, logger zerolog.Logger) (*RedisMedium, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "freshness:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisMedium{
		client:    rdb,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger.With().Str("component", "RedisMedium").Logger(),
	}, nil
}

func (m *RedisMedium) Get(ctx context.Context, key string) (string, error) {
	value, err := m.client.Get(ctx, m.keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get for %s: %w", key, err)
	}
	return value, nil
}

func (m *RedisMedium) Set(ctx context.Context, key string, value string) error {
	// No Redis-side TTL: expiry is the adapter's concern, and a snapshot past
	// its hard TTL is filtered out at hydration anyway.
	if err := m.client.Set(ctx, m.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set for %s: %w", key, err)
	}
	return nil
}

func (m *RedisMedium) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del for %s: %w", key, err)
	}
	return nil
}

func (m *RedisMedium) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, m.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), m.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Close closes the Redis client connection.
func (m *RedisMedium) Close() error {
	m.logger.Info().Msg("Closing Redis client connection...")
	return m.client.Close()
}
