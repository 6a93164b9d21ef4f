package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem implements Backend on the local filesystem.
// Writes are atomic using a temp file and rename, so a crash mid-write
// never leaves a partial asset visible to readers.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at the given path.
// The directory is created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// Path returns the absolute filesystem path for a key. The rendering
// layer loads assets directly from this path, which is why blobs are
// stored as plain files rather than wrapped in any container format.
func (f *Filesystem) Path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Write stores data at the given key using an atomic temp-file rename.
func (f *Filesystem) Write(_ context.Context, key string, r io.Reader) error {
	path := f.Path(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves data at the given key.
func (f *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(f.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes data at the given key.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	err := os.Remove(f.Path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (f *Filesystem) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(f.Path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Size returns the size of the data at the given key.
func (f *Filesystem) Size(_ context.Context, key string) (int64, error) {
	info, err := os.Stat(f.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// Walk visits every stored object under the given prefix in key order.
// Temp files from in-flight writes are skipped.
func (f *Filesystem) Walk(ctx context.Context, prefix string, fn WalkFunc) error {
	dir := f.Path(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat path: %w", err)
	}

	if !info.IsDir() {
		return fn(prefix, info.Size())
	}

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), fi.Size())
	})
}

var _ Backend = (*Filesystem)(nil)
