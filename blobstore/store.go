// Package blobstore abstracts storage of immutable data blobs (segments,
// manifests, tombstone sets) behind a flat key namespace.
//
// Blobs are written whole and never mutated in place; Put with an existing
// name replaces the blob atomically.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations must return an error satisfying
// errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blobstore: not found")

// Store is an abstraction over blob storage. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get reads a whole blob.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put writes a whole blob atomically, replacing any existing blob of
	// the same name.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, in
	// unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)
}
