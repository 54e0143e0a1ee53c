// Package kv is the local key-value persistence used by the wall registry.
package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("kv: key not found")
	ErrClosed   = errors.New("kv: store closed")
)

// Store is a flat byte-keyed map. Keys are slash-separated paths such as
// "wall/<id>/graph"; Keys(prefix) enumerates them.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
