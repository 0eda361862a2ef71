package storage

import (
	"context"
	"iter"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned when a path does not exist in a backend.
var ErrNotFound = errors.New("object not found")

// Backend is the interface every storage location implements. Paths are
// slash-separated and relative to the backend's root or bucket prefix.
// Implementations are safe for concurrent reads and for concurrent writes to
// distinct paths.
type Backend interface {
	// ReadBytes returns the full contents at path, or ErrNotFound.
	ReadBytes(ctx context.Context, path string) ([]byte, error)

	// WriteBytes stores data at path, replacing any previous contents.
	WriteBytes(ctx context.Context, path string, data []byte) error

	// Exists reports whether path holds an object.
	Exists(ctx context.Context, path string) (bool, error)

	// List lazily yields every path starting with prefix. Iteration stops
	// at the first error, which is yielded with an empty path.
	List(ctx context.Context, prefix string) iter.Seq2[string, error]

	// Delete removes path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// Location describes the backend for logs and metadata.
	Location() string
}

// ExclusiveCreator is implemented by backends that can atomically create an
// object only if it does not exist yet.
type ExclusiveCreator interface {
	// CreateExclusive writes data at path unless the path already exists.
	// It returns false, nil when another writer got there first.
	CreateExclusive(ctx context.Context, path string, data []byte) (bool, error)
}

// LocalRoot is implemented by backends that live on the local filesystem.
type LocalRoot interface {
	Root() string
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrNotFound)
}
