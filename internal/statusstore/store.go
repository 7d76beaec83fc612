// Package statusstore is the shared, expiring key/value store behind every
// job, progress and status record. All writes are single-key and immediately
// visible to every reader; there is no local caching layer.
package statusstore

import (
	"context"
	"time"
)

// Store is the status store interface. All status reads and writes go through here.
// Implementations must be safe for concurrent use.
type Store interface {
	Ping(ctx context.Context) error

	// Hash records.
	Put(ctx context.Context, key string, fields map[string]string) error
	PutFieldIfAbsent(ctx context.Context, key, field, value string) (bool, error)
	Get(ctx context.Context, key string) (map[string]string, error)
	GetField(ctx context.Context, key, field string) (string, bool, error)

	// Plain values.
	SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetValue(ctx context.Context, key string) ([]byte, bool, error)

	Delete(ctx context.Context, key string) error
	// Take deletes key and reports whether it existed. Exactly one of several
	// concurrent callers observes true for the same key instance.
	Take(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Lists.
	ListAppend(ctx context.Context, key, value string) error
	ListRange(ctx context.Context, key string) ([]string, error)
	ListRemove(ctx context.Context, key, value string) (int64, error)

	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}
