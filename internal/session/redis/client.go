// Package redis backs the snapshot cache with Redis, for embedders that want
// snapshots to survive a process restart (bot fleets, multi-tab bridges).
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SetSnapshot(ctx context.Context, eventID string, data []byte, ttl time.Duration) error {
	return c.cli.Set(ctx, "chat:snapshot:"+eventID, data, ttl).Err()
}

// GetSnapshot returns nil with no error when no snapshot exists; an empty
// cache is not a failure, the thread just paints blank until history lands.
func (c *Client) GetSnapshot(ctx context.Context, eventID string) ([]byte, error) {
	val, err := c.cli.Get(ctx, "chat:snapshot:"+eventID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (c *Client) DeleteSnapshot(ctx context.Context, eventID string) error {
	return c.cli.Del(ctx, "chat:snapshot:"+eventID).Err()
}
