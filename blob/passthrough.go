package blob

import (
	"context"
	"io"
)

// PassthroughStore is the degraded-mode blob store used when no writable
// filesystem is available. It persists nothing: refs are the original
// remote URLs and displayable references echo them unchanged, so callers
// behave identically on platforms without blob persistence.
type PassthroughStore struct{}

// NewPassthrough creates a passthrough blob store.
func NewPassthrough() *PassthroughStore {
	return &PassthroughStore{}
}

// Put discards the bytes and returns the URL itself as the reference.
func (s *PassthroughStore) Put(_ context.Context, url string, _ io.Reader) (Ref, error) {
	return Ref(url), nil
}

// Open reports ErrNotFound; passthrough refs hold no local content.
func (s *PassthroughStore) Open(_ context.Context, _ Ref) (io.ReadCloser, error) {
	return nil, ErrNotFound
}

// Exists reports true: a remote URL never goes stale from the store's
// point of view, so metadata self-healing stays quiet in this mode.
func (s *PassthroughStore) Exists(_ context.Context, _ Ref) (bool, error) {
	return true, nil
}

// Delete is a no-op.
func (s *PassthroughStore) Delete(_ context.Context, _ Ref) error {
	return nil
}

// Displayable returns the original remote URL unchanged.
func (s *PassthroughStore) Displayable(ref Ref) string {
	return string(ref)
}

// TotalSize is always zero.
func (s *PassthroughStore) TotalSize(_ context.Context) (int64, error) {
	return 0, nil
}

// Persistent reports that nothing is stored.
func (s *PassthroughStore) Persistent() bool {
	return false
}

var _ Store = (*PassthroughStore)(nil)
