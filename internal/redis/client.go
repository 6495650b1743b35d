package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Client is the single shared connection pool for leases, dedupe keys and the
// booking change stream.
type Client struct {
	*redis.Client
}

// NewClient creates a client from a URL such as redis://:password@localhost:6379/0.
func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	// XREAD blocks for up to the stream poll window; keep reads above it.
	opts.ReadTimeout = 10 * time.Second

	return &Client{Client: redis.NewClient(opts)}, nil
}

// Connect creates the client and fails fast when Redis is unreachable.
// An empty URL returns nil so callers fall back to in-process implementations.
func Connect(ctx context.Context, redisURL string, log logrus.FieldLogger) (*Client, error) {
	if redisURL == "" {
		log.Warn("REDIS_URL not set, using in-process lease, dedupe and change feed")
		return nil, nil
	}
	client, err := NewClient(redisURL)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	log.Info("Connected to Redis")
	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}
