// Package store is the per-tenant persistence facade: registry, code and
// API-key collections over a black-box key-value backend with
// list-by-prefix.
package store

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by KV implementations for missing keys.
var ErrKeyNotFound = errors.New("key not found")

// ErrNotConfigured is returned when no storage backend can serve a request.
var ErrNotConfigured = errors.New("storage not configured")

// Pair is one stored entry.
type Pair struct {
	Key   string
	Value []byte
}

// ListResult is a page of keys under a prefix.
type ListResult struct {
	Pairs      []Pair
	NextCursor string
	HasMore    bool
}

// KV is the black-box storage contract. Keys are slash-separated paths.
// List returns keys in lexicographic order starting strictly after cursor.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix, cursor string, limit int) (*ListResult, error)
}
