package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/feedwork/hydrate"
	"github.com/feedwork/hydrate/backend"
)

// FilesystemStore persists blobs as plain files so the rendering layer can
// load them straight from disk via a file:// URI.
type FilesystemStore struct {
	fs *backend.Filesystem
}

// NewFilesystem creates a filesystem-backed blob store rooted at dir.
func NewFilesystem(dir string) (*FilesystemStore, error) {
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, fmt.Errorf("creating blob backend: %w", err)
	}
	return &FilesystemStore{fs: fs}, nil
}

// Put stores the bytes under the key derived from the source URL.
// The same URL always maps to the same key, so concurrent writes for one
// URL are benign overwrites of identical content.
func (s *FilesystemStore) Put(ctx context.Context, url string, r io.Reader) (Ref, error) {
	key := hydrate.AssetKey(url)
	if err := s.fs.Write(ctx, key, r); err != nil {
		return "", fmt.Errorf("writing blob for %s: %w", url, err)
	}
	return Ref(key), nil
}

// Open retrieves previously stored bytes.
func (s *FilesystemStore) Open(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	rc, err := s.fs.Read(ctx, string(ref))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rc, nil
}

// Exists checks whether the blob file is still on disk.
func (s *FilesystemStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	return s.fs.Exists(ctx, string(ref))
}

// Delete removes the blob file. Missing files are a no-op.
func (s *FilesystemStore) Delete(ctx context.Context, ref Ref) error {
	return s.fs.Delete(ctx, string(ref))
}

// Displayable returns a file:// URI for the stored blob.
func (s *FilesystemStore) Displayable(ref Ref) string {
	return "file://" + s.fs.Path(string(ref))
}

// TotalSize sums the sizes of all stored image blobs.
func (s *FilesystemStore) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.fs.Walk(ctx, "images", func(_ string, size int64) error {
		total += size
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing blob store: %w", err)
	}
	return total, nil
}

// Persistent reports that this store keeps data on disk.
func (s *FilesystemStore) Persistent() bool {
	return true
}

var _ Store = (*FilesystemStore)(nil)
