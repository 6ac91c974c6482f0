// Package cache holds the ephemeral status store. Records live for a TTL that
// is refreshed on write only; a missing key means the job is unknown.
package cache

import (
	"context"
	"time"
)

// KeyValueStore is the status-store contract: get returns ok=false when the
// key is absent or expired, set always replaces the value and its TTL.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// statusKey namespaces job ids inside a shared store.
func statusKey(jobID string) string {
	return "status-" + jobID
}
