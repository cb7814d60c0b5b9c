// Package memory is the in-process snapshot store: one page lifetime, no
// external dependencies.
package memory

import (
	"context"
	"sync"
	"time"
)

type item struct {
	val []byte
	exp time.Time
}

type Client struct {
	mu        sync.RWMutex
	snapshots map[string]item
}

func New() *Client {
	return &Client{snapshots: make(map[string]item)}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetSnapshot(ctx context.Context, eventID string, data []byte, ttl time.Duration) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[eventID] = item{val: cp, exp: exp}
	return nil
}

func (c *Client) GetSnapshot(ctx context.Context, eventID string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.snapshots[eventID]
	if !ok || (!v.exp.IsZero() && time.Now().After(v.exp)) {
		return nil, nil
	}
	cp := make([]byte, len(v.val))
	copy(cp, v.val)
	return cp, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, eventID)
	return nil
}
