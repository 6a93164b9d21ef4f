package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedwork/hydrate/store"
)

func TestJanitor(t *testing.T) {
	ctx := context.Background()

	t.Run("initial sweep removes expired images", func(t *testing.T) {
		current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		f := newTestFixture(t, Config{}, WithNow(func() time.Time { return current }))

		url := f.imageURL("stale.png")
		f.engine.CacheImage(ctx, url, "")
		current = current.Add(8 * 24 * time.Hour)

		j := NewJanitor(f.engine, time.Hour)
		j.Start(ctx)
		defer j.Stop()

		require.Eventually(t, func() bool {
			_, err := f.store.GetImage(ctx, url)
			return errors.Is(err, store.ErrNotFound)
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("stop waits for the loop and is idempotent", func(t *testing.T) {
		f := newTestFixture(t, Config{})

		j := NewJanitor(f.engine, time.Hour)
		j.Start(ctx)
		j.Start(ctx) // second start is a no-op

		j.Stop()
		j.Stop()

		// Restart after stop stays stopped.
		j.Start(ctx)
	})

	t.Run("zero interval uses the default", func(t *testing.T) {
		f := newTestFixture(t, Config{})
		j := NewJanitor(f.engine, 0)
		assert.Equal(t, DefaultJanitorInterval, j.interval)
	})
}
