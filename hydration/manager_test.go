package hydration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedwork/hydrate/blob"
	"github.com/feedwork/hydrate/engine"
	"github.com/feedwork/hydrate/store"
)

func newTestManager(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg bytes " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	st := store.New(store.WithNoSync(true))
	require.NoError(t, st.Open(filepath.Join(t.TempDir(), "hydrate.db")))
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := blob.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	m := New(Config{}, WithEngine(engine.New(st, blobs, engine.Config{})))
	return m, srv
}

func waitEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresh event")
		return Event{}
	}
}

func TestManager_HydratePosts(t *testing.T) {
	ctx := context.Background()

	t.Run("cold cache fetches synchronously and localizes images", func(t *testing.T) {
		m, srv := newTestManager(t)

		res := m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			return []*store.CachedPost{{ID: "p1", MediaURL: srv.URL + "/p1.jpg"}}, nil
		})

		assert.Equal(t, SourceNetwork, res.Source)
		require.NoError(t, res.Err)
		require.Len(t, res.Data, 1)
		assert.True(t, strings.HasPrefix(res.Data[0].MediaURL, "file://"),
			"remote media must come back as a local reference, got %q", res.Data[0].MediaURL)
	})

	t.Run("warm cache returns immediately and refreshes in background", func(t *testing.T) {
		m, srv := newTestManager(t)

		seed := m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			return []*store.CachedPost{{ID: "p1", MediaURL: srv.URL + "/p1.jpg"}}, nil
		})
		require.Equal(t, SourceNetwork, seed.Source)

		sub := m.Bus().Subscribe(TopicPostsRefreshed)
		t.Cleanup(func() { m.Bus().Unsubscribe(sub) })

		// The slow fetch must not delay the cached answer.
		release := make(chan struct{})
		res := m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			<-release
			return []*store.CachedPost{
				{ID: "p1", MediaURL: srv.URL + "/p1.jpg"},
				{ID: "p2", MediaURL: srv.URL + "/p2.jpg"},
			}, nil
		})

		assert.Equal(t, SourceCache, res.Source)
		require.Len(t, res.Data, 1)
		assert.Equal(t, "p1", res.Data[0].ID)

		close(release)
		ev := waitEvent(t, sub)
		payload, ok := ev.Payload.(PostsRefreshed)
		require.True(t, ok)
		assert.Len(t, payload.Posts, 2)

		// The refresh wrote through: the next read sees both posts.
		next := m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			return nil, errors.New("should not be needed")
		})
		assert.Equal(t, SourceCache, next.Source)
		assert.Len(t, next.Data, 2)
	})

	t.Run("remote failure on cold cache yields error source", func(t *testing.T) {
		m, _ := newTestManager(t)

		boom := errors.New("upstream 503")
		res := m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			return nil, boom
		})

		assert.Equal(t, SourceError, res.Source)
		assert.ErrorIs(t, res.Err, boom)
		assert.NotNil(t, res.Data)
		assert.Empty(t, res.Data)
	})

	t.Run("background refresh failure never disturbs the cached result", func(t *testing.T) {
		m, srv := newTestManager(t)

		m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			return []*store.CachedPost{{ID: "p1", MediaURL: srv.URL + "/p1.jpg"}}, nil
		})

		var calls atomic.Int64
		done := make(chan struct{})
		res := m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			calls.Add(1)
			close(done)
			return nil, errors.New("refresh boom")
		})

		assert.Equal(t, SourceCache, res.Source)
		require.NoError(t, res.Err)

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("background refresh never ran")
		}
		assert.Equal(t, int64(1), calls.Load(), "exactly one attempt, no retry")

		// Cached data is intact after the failed refresh.
		again := m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			return nil, errors.New("still broken")
		})
		assert.Equal(t, SourceCache, again.Source)
		assert.Len(t, again.Data, 1)
	})
}

func TestManager_HydrateConversations(t *testing.T) {
	ctx := context.Background()

	t.Run("cold cache fetch and owner-scoped reads", func(t *testing.T) {
		m, _ := newTestManager(t)

		res := m.HydrateConversations(ctx, func(ctx context.Context) (*ConversationBatch, error) {
			return &ConversationBatch{Conversations: []*store.CachedConversation{
				{SessionID: "s1", OwnerID: "alice"},
			}}, nil
		}, "alice")

		assert.Equal(t, SourceNetwork, res.Source)
		require.Len(t, res.Data, 1)

		// Another owner's hydration must not see alice's sessions.
		other := m.HydrateConversations(ctx, func(ctx context.Context) (*ConversationBatch, error) {
			return &ConversationBatch{}, nil
		}, "bob")
		assert.Equal(t, SourceNetwork, other.Source)
		assert.Empty(t, other.Data)
	})

	t.Run("warm cache publishes refresh event", func(t *testing.T) {
		m, _ := newTestManager(t)

		fetch := func(ctx context.Context) (*ConversationBatch, error) {
			return &ConversationBatch{Conversations: []*store.CachedConversation{
				{SessionID: "s1", OwnerID: "alice"},
			}}, nil
		}
		m.HydrateConversations(ctx, fetch, "alice")

		sub := m.Bus().Subscribe(TopicConversationsRefreshed)
		t.Cleanup(func() { m.Bus().Unsubscribe(sub) })

		res := m.HydrateConversations(ctx, fetch, "alice")
		assert.Equal(t, SourceCache, res.Source)

		ev := waitEvent(t, sub)
		payload, ok := ev.Payload.(ConversationsRefreshed)
		require.True(t, ok)
		assert.Equal(t, "alice", payload.OwnerID)
		assert.Len(t, payload.Conversations, 1)
	})

	t.Run("nil batch is an empty result, not a panic", func(t *testing.T) {
		m, _ := newTestManager(t)

		res := m.HydrateConversations(ctx, func(ctx context.Context) (*ConversationBatch, error) {
			return nil, nil
		}, "alice")

		assert.Equal(t, SourceNetwork, res.Source)
		assert.Empty(t, res.Data)
	})
}

func TestManager_LazyInit(t *testing.T) {
	ctx := context.Background()

	t.Run("opens its own store under the cache dir", func(t *testing.T) {
		dir := t.TempDir()
		m := New(Config{CacheDir: dir})
		t.Cleanup(func() { _ = m.Close() })

		res := m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			return []*store.CachedPost{{ID: "p1"}}, nil
		})
		require.Equal(t, SourceNetwork, res.Source)

		assert.FileExists(t, filepath.Join(dir, "hydrate.db"))
	})

	t.Run("concurrent first calls share one initialization", func(t *testing.T) {
		m := New(Config{CacheDir: t.TempDir()})
		t.Cleanup(func() { _ = m.Close() })

		var wg sync.WaitGroup
		results := make([]Result[*store.CachedPost], 8)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
					return []*store.CachedPost{{ID: "p1"}}, nil
				})
			}()
		}
		wg.Wait()

		for _, res := range results {
			assert.NoError(t, res.Err)
			assert.NoError(t, res.CacheErr)
			assert.NotEqual(t, SourceError, res.Source)
		}
	})

	t.Run("unopenable store degrades to network-only", func(t *testing.T) {
		// A file where the cache directory should be makes MkdirAll fail.
		parent := t.TempDir()
		blocked := filepath.Join(parent, "cache")
		require.NoError(t, os.WriteFile(blocked, []byte("not a directory"), 0o600))

		m := New(Config{CacheDir: blocked})
		t.Cleanup(func() { _ = m.Close() })

		res := m.HydratePosts(ctx, func(ctx context.Context) ([]*store.CachedPost, error) {
			return []*store.CachedPost{{ID: "p1"}}, nil
		})

		assert.Equal(t, SourceNetwork, res.Source)
		require.Len(t, res.Data, 1)
		assert.Error(t, res.CacheErr, "degraded mode reports the cache failure without failing the call")
	})
}
