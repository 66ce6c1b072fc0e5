// Package kvstore provides the persisted key-value storage used for the
// offline mutation queue and credentials.
package kvstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get when the key has no value.
var ErrKeyNotFound = errors.New("kvstore: key not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("kvstore: store closed")

// Store is an async string-keyed byte store. Values are opaque to the store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
