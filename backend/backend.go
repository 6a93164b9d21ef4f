// Package backend provides the filesystem storage backend for cached
// image assets, plus the capability probe used to decide whether blob
// persistence is available at all on the current platform.
package backend

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// WalkFunc is invoked for each stored object during a Walk.
type WalkFunc func(key string, size int64) error

// Backend defines the storage operations the blob store builds on.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, overwriting any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists without reading its content.
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)

	// Walk visits every object under the given prefix, in key order.
	// Returning an error from fn stops the walk.
	Walk(ctx context.Context, prefix string, fn WalkFunc) error
}

// probeMarker is the throwaway file written by Probe to verify that the
// directory is actually writable, not just creatable.
const probeMarker = ".probe"

// Probe checks whether persistent filesystem storage is available at dir.
// It creates the directory if needed and round-trips a marker file. A nil
// return means the filesystem backend can be used; any error means the
// caller should fall back to pass-through mode.
func Probe(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	marker := filepath.Join(dir, probeMarker)
	if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		return err
	}
	if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
