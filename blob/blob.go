// Package blob stores cached image assets. The filesystem variant keeps
// blobs as plain files under a cache directory; the passthrough variant is
// used when no writable filesystem is available and simply echoes remote
// URLs back to the caller.
package blob

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/feedwork/hydrate/backend"
)

// ErrNotFound is returned when a blob does not exist in the store.
var ErrNotFound = errors.New("blob: not found")

// Ref is an opaque reference to a stored blob. For the filesystem store it
// is a storage key; for the passthrough store it is the original URL.
type Ref string

// Store persists binary image assets keyed by their source URL.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put persists the bytes for the given source URL and returns a Ref.
	// Putting the same URL twice lands on the same Ref (idempotent).
	Put(ctx context.Context, url string, r io.Reader) (Ref, error)

	// Open retrieves previously stored bytes.
	// Returns ErrNotFound if the blob does not exist.
	Open(ctx context.Context, ref Ref) (io.ReadCloser, error)

	// Exists checks whether the blob is still present, without reading it.
	// Used to detect stale metadata records.
	Exists(ctx context.Context, ref Ref) (bool, error)

	// Delete removes a blob. Missing blobs are a no-op.
	Delete(ctx context.Context, ref Ref) error

	// Displayable converts a Ref into a URI the rendering layer can load
	// directly. Safe to call repeatedly.
	Displayable(ref Ref) string

	// TotalSize returns the total bytes of all stored blobs.
	TotalSize(ctx context.Context) (int64, error)

	// Persistent reports whether the store actually persists anything.
	// The passthrough variant returns false, which lets callers skip
	// downloads whose bytes would be thrown away.
	Persistent() bool
}

// Option configures store construction.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used during store selection.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New selects a blob store for the given directory. The platform
// capability probe runs exactly once here: when the directory is not
// writable the passthrough store is returned and every caller transparently
// falls back to remote URLs.
func New(dir string, opts ...Option) Store {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	if err := backend.Probe(dir); err != nil {
		o.logger.Warn("blob storage unavailable, using passthrough", "dir", dir, "error", err)
		return NewPassthrough()
	}

	fs, err := NewFilesystem(dir)
	if err != nil {
		o.logger.Warn("blob storage init failed, using passthrough", "dir", dir, "error", err)
		return NewPassthrough()
	}

	o.logger.Debug("blob storage ready", "dir", dir)
	return fs
}
