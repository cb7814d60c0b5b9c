// Package session defines the per-event snapshot cache used to paint a thread
// instantly on remount, before the REST history resolves. The cache is
// last-writer-wins and never authoritative once the live connection is up.
package session

import (
	"context"
	"time"
)

// Store is a snapshot store keyed by event id.
// Implementations: redis.Client, memory.Client (default, page-lifetime).
type Store interface {
	SetSnapshot(ctx context.Context, eventID string, data []byte, ttl time.Duration) error
	GetSnapshot(ctx context.Context, eventID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, eventID string) error
	Close() error
}
