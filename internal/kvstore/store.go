package kvstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("key not found")

// Store is the auxiliary key-value port used for display caches. It is never
// authoritative for escrow state.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. ttl <= 0 keeps it until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix, in no particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
