// Package hydration implements cache-first loading of remote resources.
// Callers hand the manager a remote fetch function; cached data is
// returned immediately when present and refreshed in the background,
// with a synchronous network fallback on a cold cache.
package hydration

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/feedwork/hydrate/blob"
	"github.com/feedwork/hydrate/engine"
	"github.com/feedwork/hydrate/store"
	"github.com/feedwork/hydrate/telemetry"
)

// Source identifies where a hydration result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceError   Source = "error"
)

// Result is what a hydration call hands back. Err is set only when the
// cache was empty and the remote fetch failed; CacheErr carries a
// non-fatal cache failure observed while falling back to the network.
type Result[T any] struct {
	Data     []T
	Source   Source
	Err      error
	CacheErr error
}

// FetchPosts retrieves the current post collection from a remote source.
type FetchPosts func(ctx context.Context) ([]*store.CachedPost, error)

// ConversationBatch is the response shape of the conversation collaborator.
type ConversationBatch struct {
	Conversations []*store.CachedConversation `json:"conversations"`
}

// FetchConversations retrieves conversations from a remote source.
type FetchConversations func(ctx context.Context) (*ConversationBatch, error)

// Config controls where the manager keeps its cache and how the
// underlying engine behaves.
type Config struct {
	// CacheDir is the root directory for the metadata database and
	// image blobs.
	CacheDir string

	// Engine carries TTLs, the size budget, and paging defaults.
	Engine engine.Config
}

// Manager coordinates the cache engine, remote fetches, and refresh
// notifications. Initialization is lazy and memoized: the first
// hydration call opens the store, concurrent callers wait on the same
// attempt, and a failed open degrades to a network-only mode instead of
// failing hydration.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	bus    *Bus

	initOnce sync.Once
	engine   *engine.Engine
	store    *store.Store
	initErr  error
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBus replaces the manager's event bus.
func WithBus(bus *Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithEngine injects a pre-built engine, skipping the manager's own
// store setup.
func WithEngine(e *engine.Engine) Option {
	return func(m *Manager) { m.engine = e }
}

func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: slog.Default(),
		bus:    NewBus(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bus exposes the notification bus for refresh events.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Engine exposes the underlying cache engine once initialized. It is nil
// before the first hydration call and in degraded mode.
func (m *Manager) Engine() *engine.Engine {
	m.ensureInit(context.Background())
	return m.engine
}

func (m *Manager) ensureInit(ctx context.Context) {
	m.initOnce.Do(func() {
		if m.engine == nil {
			m.initErr = m.open()
			if m.initErr != nil {
				m.logger.Error("cache initialization failed, running network-only",
					slog.String("cache_dir", m.cfg.CacheDir),
					slog.Any("error", m.initErr))
				return
			}
		}

		// Sweep expired entries off the critical path.
		e := m.engine
		go func() {
			e.Cleanup(context.WithoutCancel(ctx))
		}()
	})
}

func (m *Manager) open() error {
	if err := os.MkdirAll(m.cfg.CacheDir, 0o755); err != nil {
		return err
	}

	st := store.New(store.WithLogger(m.logger))
	if err := st.Open(filepath.Join(m.cfg.CacheDir, "hydrate.db")); err != nil {
		return err
	}

	blobs := blob.New(filepath.Join(m.cfg.CacheDir, "blobs"), blob.WithLogger(m.logger))

	m.store = st
	m.engine = engine.New(st, blobs, m.cfg.Engine, engine.WithLogger(m.logger))
	return nil
}

// Close releases the manager's store. Safe to call before the first
// hydration.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// HydratePosts returns cached posts when any exist, kicking off a
// detached refresh, and otherwise fetches synchronously. It never
// returns an error for cache-layer failures.
func (m *Manager) HydratePosts(ctx context.Context, fetch FetchPosts) Result[*store.CachedPost] {
	start := time.Now()
	m.ensureInit(ctx)

	var (
		cached   []*store.CachedPost
		cacheErr error
	)
	if m.engine != nil {
		cached = m.engine.RecentPosts(ctx, 0, 0)
	} else {
		cacheErr = m.initErr
	}

	if len(cached) > 0 {
		go m.refreshPosts(context.WithoutCancel(ctx), fetch)
		telemetry.RecordHydration(ctx, "posts", string(SourceCache), time.Since(start))
		return Result[*store.CachedPost]{Data: cached, Source: SourceCache}
	}

	data, err := fetch(ctx)
	if err != nil {
		m.logger.Error("remote post fetch failed on cold cache", slog.Any("error", err))
		telemetry.RecordHydration(ctx, "posts", string(SourceError), time.Since(start))
		return Result[*store.CachedPost]{Data: []*store.CachedPost{}, Source: SourceError, Err: err, CacheErr: cacheErr}
	}

	if m.engine != nil {
		data = m.engine.CachePosts(ctx, data)
	}
	telemetry.RecordHydration(ctx, "posts", string(SourceNetwork), time.Since(start))
	return Result[*store.CachedPost]{Data: data, Source: SourceNetwork, CacheErr: cacheErr}
}

func (m *Manager) refreshPosts(ctx context.Context, fetch FetchPosts) {
	data, err := fetch(ctx)
	telemetry.RecordRefresh(ctx, "posts", err)
	if err != nil {
		m.logger.Warn("background post refresh failed", slog.Any("error", err))
		return
	}

	data = m.engine.CachePosts(ctx, data)
	m.bus.Publish(TopicPostsRefreshed, PostsRefreshed{Posts: data})
	m.logger.Debug("post refresh complete", slog.Int("count", len(data)))
}

// HydrateConversations is the conversation counterpart of HydratePosts,
// scoped to a single owner.
func (m *Manager) HydrateConversations(ctx context.Context, fetch FetchConversations, ownerID string) Result[*store.CachedConversation] {
	start := time.Now()
	m.ensureInit(ctx)

	var (
		cached   []*store.CachedConversation
		cacheErr error
	)
	if m.engine != nil {
		cached = m.engine.Conversations(ctx, ownerID)
	} else {
		cacheErr = m.initErr
	}

	if len(cached) > 0 {
		go m.refreshConversations(context.WithoutCancel(ctx), fetch, ownerID)
		telemetry.RecordHydration(ctx, "conversations", string(SourceCache), time.Since(start))
		return Result[*store.CachedConversation]{Data: cached, Source: SourceCache}
	}

	batch, err := fetch(ctx)
	if err != nil {
		m.logger.Error("remote conversation fetch failed on cold cache",
			slog.String("owner_id", ownerID), slog.Any("error", err))
		telemetry.RecordHydration(ctx, "conversations", string(SourceError), time.Since(start))
		return Result[*store.CachedConversation]{Data: []*store.CachedConversation{}, Source: SourceError, Err: err, CacheErr: cacheErr}
	}

	data := batchConversations(batch)
	if m.engine != nil {
		data = m.engine.CacheConversations(ctx, data)
	}
	telemetry.RecordHydration(ctx, "conversations", string(SourceNetwork), time.Since(start))
	return Result[*store.CachedConversation]{Data: data, Source: SourceNetwork, CacheErr: cacheErr}
}

func (m *Manager) refreshConversations(ctx context.Context, fetch FetchConversations, ownerID string) {
	batch, err := fetch(ctx)
	telemetry.RecordRefresh(ctx, "conversations", err)
	if err != nil {
		m.logger.Warn("background conversation refresh failed",
			slog.String("owner_id", ownerID), slog.Any("error", err))
		return
	}

	data := m.engine.CacheConversations(ctx, batchConversations(batch))
	m.bus.Publish(TopicConversationsRefreshed, ConversationsRefreshed{OwnerID: ownerID, Conversations: data})
	m.logger.Debug("conversation refresh complete",
		slog.String("owner_id", ownerID), slog.Int("count", len(data)))
}

func batchConversations(batch *ConversationBatch) []*store.CachedConversation {
	if batch == nil {
		return nil
	}
	return batch.Conversations
}
