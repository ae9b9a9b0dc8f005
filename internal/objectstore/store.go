package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in a store.
var ErrNotFound = errors.New("object not found")

// Store is a key-to-bytes blob store. Both the remote archive bucket and the
// local write-through cache satisfy it. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the full object body for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores the object body under key, replacing any existing value.
	Put(ctx context.Context, key string, data []byte) error

	// Head reports whether key exists without fetching the body.
	Head(ctx context.Context, key string) (bool, error)

	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
