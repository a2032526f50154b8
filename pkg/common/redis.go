package common

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisClient wraps a universal redis client configured from RedisConfig
type RedisClient struct {
	redis.UniversalClient
}

type redisOption func(*redis.UniversalOptions)

// WithClientName overrides the configured client name
func WithClientName(name string) redisOption {
	return func(o *redis.UniversalOptions) {
		o.ClientName = name
	}
}

func NewRedisClient(cfg types.RedisConfig, opts ...redisOption) (*RedisClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("no redis addresses configured")
	}

	options := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		ClientName:   cfg.ClientName,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.EnableTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	for _, opt := range opts {
		opt(options)
	}

	client := redis.NewUniversalClient(options)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisClient{UniversalClient: client}, nil
}

// SubscribeChannel subscribes to a pub/sub channel and returns the message
// stream plus a cancel function.
func (r *RedisClient) SubscribeChannel(ctx context.Context, channel string) (<-chan *redis.Message, func()) {
	sub := r.Subscribe(ctx, channel)
	return sub.Channel(), func() { sub.Close() }
}
