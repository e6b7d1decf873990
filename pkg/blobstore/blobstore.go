// Package blobstore defines a generic keyed object store used to mirror
// parquet_root/duckdb_root and the WARC cache to remote object storage.
// It generalizes the teacher's narinfo/nar-specific storage.Store into a
// plain key/blob interface, since this pipeline has no NAR semantics to
// preserve.
package blobstore

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned if the key was not found in the store.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned if the store already has an object at
	// the same key.
	ErrAlreadyExists = errors.New("object already exists")
)

// Store mirrors arbitrary keyed blobs (parquet shards, DuckDB files, cached
// WARC records) to a backing object store. Keys are forward-slash-separated
// paths relative to the store root.
type Store interface {
	// Has returns true if the store has an object at key.
	Has(ctx context.Context, key string) bool

	// Get returns the object's size and a reader for it.
	// NOTE: the caller must close the returned io.ReadCloser.
	Get(ctx context.Context, key string) (int64, io.ReadCloser, error)

	// Put uploads body to key. If size is unknown, pass -1.
	Put(ctx context.Context, key string, body io.Reader, size int64) (int64, error)

	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error

	// Walk calls fn for every object key under prefix.
	Walk(ctx context.Context, prefix string, fn func(key string) error) error
}
