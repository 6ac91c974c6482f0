// Package storage holds the content-addressed blob stores for source documents
// and result artifacts. A blob becomes visible only when its writer commits.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned by Open when no committed blob exists for a key.
var ErrNotFound = errors.New("blob not found")

// BlobStore is a flat key → bytes store. Presence of a key is the cache-hit test.
type BlobStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Create(ctx context.Context, key string) (BlobWriter, error)
}

// BlobWriter stages a blob. Commit publishes it atomically; Abort discards it.
// Exactly one of them must be called.
type BlobWriter interface {
	io.Writer
	Commit() error
	Abort() error
}

// ValidateKey rejects keys that could escape a store's namespace.
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}
