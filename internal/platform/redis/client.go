// Package redis opens the go-redis client behind the Redis session and
// nullifier stores.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"onchainkyc/internal/platform/config"
)

// Client is the shared connection pool. Stores take the embedded
// *redis.Client; the binary keeps the wrapper for health checks.
type Client struct {
	*redis.Client
}

// New parses cfg.URL, applies pool overrides and waits for the server to
// answer PING. A server that is still starting is retried with exponential
// backoff for up to three dial timeouts. An empty URL yields a nil client.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	applyPool(opts, cfg)

	client := redis.NewClient(opts)
	if err := waitReady(ctx, client, 3*opts.DialTimeout); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis not reachable at %s: %w", opts.Addr, err)
	}
	return &Client{Client: client}, nil
}

func applyPool(opts *redis.Options, cfg config.RedisConfig) {
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
}

func waitReady(ctx context.Context, client *redis.Client, budget time.Duration) error {
	if budget <= 0 {
		budget = 15 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = budget
	return backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(b, ctx))
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}
