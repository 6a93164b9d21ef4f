// Package engine implements the cache engine: the single authority that
// owns the structured store and the blob store, enforces per-collection
// TTLs, and materializes remote images into local blobs. Every method on
// the hydration path follows one error policy: transient failures are
// logged and reported as empty results, never raised to the caller.
package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/iter"
	"github.com/sourcegraph/conc/pool"

	"github.com/feedwork/hydrate"
	"github.com/feedwork/hydrate/blob"
	"github.com/feedwork/hydrate/download"
	"github.com/feedwork/hydrate/store"
	"github.com/feedwork/hydrate/telemetry"
)

// ErrNotFound is returned when a cache lookup misses.
var ErrNotFound = store.ErrNotFound

// Config holds the cache engine's TTL and sizing knobs.
type Config struct {
	// ImageTTL is the maximum age of an image metadata record before it
	// is treated as expired. Default 7 days.
	ImageTTL time.Duration

	// ConversationTTL is the maximum age of a conversation before reads
	// filter it out. Default 1 day.
	ConversationTTL time.Duration

	// SizeBudget is the soft cap on total blob bytes. Cleanup evicts
	// oldest images first once the budget is exceeded. Zero disables
	// budget enforcement. Default 500 MiB.
	SizeBudget int64

	// PageSize is the default page size for post queries. Default 50.
	PageSize int

	// ImageConcurrency bounds concurrent image downloads per post.
	// Default 4.
	ImageConcurrency int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ImageTTL:         7 * 24 * time.Hour,
		ConversationTTL:  24 * time.Hour,
		SizeBudget:       500 * 1024 * 1024,
		PageSize:         50,
		ImageConcurrency: 4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ImageTTL == 0 {
		c.ImageTTL = def.ImageTTL
	}
	if c.ConversationTTL == 0 {
		c.ConversationTTL = def.ConversationTTL
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.ImageConcurrency <= 0 {
		c.ImageConcurrency = def.ImageConcurrency
	}
	return c
}

// Engine is the cache engine. It is safe for concurrent use.
type Engine struct {
	store  *store.Store
	blobs  blob.Store
	dl     *download.Downloader
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDownloader replaces the default image downloader.
func WithDownloader(dl *download.Downloader) Option {
	return func(e *Engine) {
		e.dl = dl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a cache engine over the given stores.
func New(st *store.Store, blobs blob.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		blobs:  blobs,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dl == nil {
		e.dl = download.New(download.WithLogger(e.logger))
	}
	return e
}

// CacheImage materializes a remote image URL into a displayable local
// reference. Non-remote inputs come back unchanged, as does the URL on any
// failure: caching is strictly best-effort and never blocks rendering.
func (e *Engine) CacheImage(ctx context.Context, url, postID string) string {
	if !hydrate.IsRemoteURL(url) {
		return url
	}

	if rec, err := e.CachedImage(ctx, url); err == nil {
		telemetry.RecordImageCache(ctx, "hit", 0)
		return e.blobs.Displayable(blob.Ref(rec.Ref))
	}

	// Without persistence the bytes would be thrown away; skip the
	// download entirely and let the renderer use the remote URL.
	if !e.blobs.Persistent() {
		telemetry.RecordImageCache(ctx, "passthrough", 0)
		return url
	}

	res, err := e.dl.Fetch(ctx, url)
	if err != nil {
		e.logger.Warn("image download failed", "url", url, "error", err)
		telemetry.RecordImageCache(ctx, "error", 0)
		return url
	}

	// When a stale record's content hash matches the fresh download, the
	// blob on disk is already correct; only the metadata needs a new
	// timestamp.
	sum := hydrate.HashBytes(res.Body)
	ref, reused := e.reusableBlob(ctx, url, sum)
	if !reused {
		ref, err = e.blobs.Put(ctx, url, bytes.NewReader(res.Body))
		if err != nil {
			e.logger.Warn("blob write failed", "url", url, "error", err)
			telemetry.RecordImageCache(ctx, "error", 0)
			return url
		}
	}

	rec := &store.ImageRecord{
		URL:         url,
		Ref:         string(ref),
		PostID:      postID,
		ContentHash: sum,
		Size:        int64(len(res.Body)),
		CachedAt:    e.now(),
	}
	if err := e.store.PutImage(ctx, rec); err != nil {
		// The blob landed; the next lookup just re-records the metadata.
		e.logger.Warn("image metadata write failed", "url", url, "error", err)
	}

	telemetry.RecordImageCache(ctx, "stored", rec.Size)
	return e.blobs.Displayable(ref)
}

// reusableBlob reports whether an existing record for url already holds a
// blob with the given content hash. Expired records qualify: the bytes
// have not changed, only the record's age.
func (e *Engine) reusableBlob(ctx context.Context, url string, sum hydrate.Hash) (blob.Ref, bool) {
	old, err := e.store.GetImage(ctx, url)
	if err != nil || old.ContentHash != sum {
		return "", false
	}
	exists, err := e.blobs.Exists(ctx, blob.Ref(old.Ref))
	if err != nil || !exists {
		return "", false
	}
	e.logger.Debug("image content unchanged, reusing blob",
		"url", url, "hash", sum.ShortString())
	return blob.Ref(old.Ref), true
}

// CachedImage returns the valid metadata record for a URL, or ErrNotFound.
// A record counts as valid when its age is within the image TTL and its
// blob still exists; a record whose blob vanished is purged on the spot so
// the next CacheImage re-downloads it.
func (e *Engine) CachedImage(ctx context.Context, url string) (*store.ImageRecord, error) {
	rec, err := e.store.GetImage(ctx, url)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("image metadata read failed", "url", url, "error", err)
		}
		return nil, ErrNotFound
	}

	if e.now().Sub(rec.CachedAt) > e.cfg.ImageTTL {
		// Expired: reads treat it as a miss, cleanup removes the row.
		return nil, ErrNotFound
	}

	exists, err := e.blobs.Exists(ctx, blob.Ref(rec.Ref))
	if err != nil {
		e.logger.Warn("blob existence check failed", "url", url, "error", err)
		return nil, ErrNotFound
	}
	if !exists {
		// Stale metadata self-heals: drop the record and report a miss.
		e.logger.Debug("purging stale image metadata", "url", url, "ref", rec.Ref)
		if err := e.store.DeleteImage(ctx, url); err != nil {
			e.logger.Warn("stale metadata purge failed", "url", url, "error", err)
		}
		return nil, ErrNotFound
	}

	return rec, nil
}

// CachePost rewrites every image-bearing field of the post through
// CacheImage, stamps cached_at, and upserts the record. Image fields are
// processed concurrently so total latency is bounded by the slowest single
// image rather than the sum.
func (e *Engine) CachePost(ctx context.Context, p *store.CachedPost) *store.CachedPost {
	if p == nil {
		return nil
	}

	tasks := pool.New().WithMaxGoroutines(e.cfg.ImageConcurrency)

	if p.MediaURL != "" {
		tasks.Go(func() {
			p.MediaURL = e.CacheImage(ctx, p.MediaURL, p.ID)
		})
	}
	for i := range p.ImageURLs {
		tasks.Go(func() {
			p.ImageURLs[i] = e.CacheImage(ctx, p.ImageURLs[i], p.ID)
		})
	}
	if p.RawData != nil {
		for i := range p.RawData.Images {
			tasks.Go(func() {
				p.RawData.Images[i] = e.CacheImage(ctx, p.RawData.Images[i], p.ID)
			})
		}
	}
	tasks.Wait()

	p.CachedAt = e.now()
	if err := e.store.PutPost(ctx, p); err != nil {
		e.logger.Warn("post write failed", "id", p.ID, "error", err)
	}
	return p
}

// CachePosts caches a batch of posts concurrently, preserving input order
// in the returned slice.
func (e *Engine) CachePosts(ctx context.Context, posts []*store.CachedPost) []*store.CachedPost {
	return iter.Map(posts, func(p **store.CachedPost) *store.CachedPost {
		return e.CachePost(ctx, *p)
	})
}

// RecentPosts returns a most-recent-first page of cached posts.
// A non-positive limit selects the configured default page size.
func (e *Engine) RecentPosts(ctx context.Context, limit, offset int) []*store.CachedPost {
	if limit <= 0 {
		limit = e.cfg.PageSize
	}
	if offset < 0 {
		offset = 0
	}
	posts, err := e.store.RecentPosts(ctx, limit, offset)
	if err != nil {
		e.logger.Warn("post read failed", "error", err)
		return nil
	}
	return posts
}

// CacheConversation stamps cached_at and upserts a conversation.
func (e *Engine) CacheConversation(ctx context.Context, c *store.CachedConversation) *store.CachedConversation {
	if c == nil {
		return nil
	}
	c.CachedAt = e.now()
	if err := e.store.PutConversation(ctx, c); err != nil {
		e.logger.Warn("conversation write failed", "session", c.SessionID, "error", err)
	}
	return c
}

// CacheConversations caches a batch of conversations, preserving order.
func (e *Engine) CacheConversations(ctx context.Context, convos []*store.CachedConversation) []*store.CachedConversation {
	out := make([]*store.CachedConversation, 0, len(convos))
	for _, c := range convos {
		out = append(out, e.CacheConversation(ctx, c))
	}
	return out
}

// Conversations returns unexpired conversations most-recent-first,
// restricted to ownerID when one is given. Records past the conversation
// TTL are filtered out but stay in storage until cleared.
func (e *Engine) Conversations(ctx context.Context, ownerID string) []*store.CachedConversation {
	since := e.now().Add(-e.cfg.ConversationTTL)
	convos, err := e.store.Conversations(ctx, ownerID, since)
	if err != nil {
		e.logger.Warn("conversation read failed", "owner", ownerID, "error", err)
		return nil
	}
	return convos
}

// Cleanup sweeps expired image metadata, deleting each record and
// best-effort deleting its blob, then evicts oldest images until total
// blob size fits the budget. Returns the number of records removed.
// Runs at startup and on the janitor's schedule.
func (e *Engine) Cleanup(ctx context.Context) int {
	start := e.now()
	removed := 0

	cutoff := start.Add(-e.cfg.ImageTTL)
	expired, err := e.store.ImagesOlderThan(ctx, cutoff, 0)
	if err != nil {
		e.logger.Warn("cleanup scan failed", "error", err)
	}
	for _, rec := range expired {
		removed += e.removeImage(ctx, rec)
	}

	removed += e.enforceBudget(ctx)

	elapsed := time.Since(start)
	telemetry.RecordCleanup(ctx, removed, elapsed)
	if removed > 0 {
		e.logger.Info("cleanup finished", "removed", removed, "duration", elapsed)
	} else {
		e.logger.Debug("cleanup finished, nothing to remove", "duration", elapsed)
	}
	return removed
}

// enforceBudget evicts oldest-first image records until the blob store is
// under the size budget. The budget is advisory for posts and
// conversations; only image blobs are evicted.
func (e *Engine) enforceBudget(ctx context.Context) int {
	if e.cfg.SizeBudget <= 0 || !e.blobs.Persistent() {
		return 0
	}

	total, err := e.blobs.TotalSize(ctx)
	if err != nil {
		e.logger.Warn("blob size accounting failed", "error", err)
		return 0
	}
	if total <= e.cfg.SizeBudget {
		return 0
	}

	e.logger.Info("blob store over budget, evicting oldest images",
		"total", total, "budget", e.cfg.SizeBudget)

	oldest, err := e.store.ImagesOldestFirst(ctx, 0)
	if err != nil {
		e.logger.Warn("eviction scan failed", "error", err)
		return 0
	}

	removed := 0
	for _, rec := range oldest {
		if total <= e.cfg.SizeBudget {
			break
		}
		removed += e.removeImage(ctx, rec)
		total -= rec.Size
	}
	return removed
}

// removeImage deletes an image metadata record and best-effort deletes its
// blob. Returns 1 when the record was removed, 0 otherwise.
func (e *Engine) removeImage(ctx context.Context, rec *store.ImageRecord) int {
	if err := e.store.DeleteImage(ctx, rec.URL); err != nil {
		e.logger.Warn("image record delete failed", "url", rec.URL, "error", err)
		return 0
	}
	if err := e.blobs.Delete(ctx, blob.Ref(rec.Ref)); err != nil {
		e.logger.Warn("blob delete failed", "ref", rec.Ref, "error", err)
	}
	return 1
}

// Stats summarizes the cache contents.
type Stats struct {
	Posts         int   `json:"posts"`
	Conversations int   `json:"conversations"`
	Images        int   `json:"images"`
	BlobBytes     int64 `json:"blob_bytes"`
}

// Stats reports record counts per collection plus total blob bytes.
func (e *Engine) Stats(ctx context.Context) Stats {
	var s Stats
	var err error
	if s.Posts, err = e.store.PostCount(ctx); err != nil {
		e.logger.Warn("post count failed", "error", err)
	}
	if s.Conversations, err = e.store.ConversationCount(ctx); err != nil {
		e.logger.Warn("conversation count failed", "error", err)
	}
	if s.Images, err = e.store.ImageCount(ctx); err != nil {
		e.logger.Warn("image count failed", "error", err)
	}
	if s.BlobBytes, err = e.blobs.TotalSize(ctx); err != nil {
		e.logger.Warn("blob size accounting failed", "error", err)
	}
	return s
}

// ClearConversations removes every conversation belonging to ownerID, or
// all conversations when ownerID is empty. Returns the number removed.
func (e *Engine) ClearConversations(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		n, err := e.store.ConversationCount(ctx)
		if err != nil {
			return 0, err
		}
		return n, e.store.Clear(ctx, store.CollectionConversations)
	}
	return e.store.DeleteConversationsForOwner(ctx, ownerID)
}

// ClearAll wipes every collection and deletes all known blobs. Used for
// explicit user-triggered reset.
func (e *Engine) ClearAll(ctx context.Context) error {
	// Delete blobs while the records still point at them.
	recs, err := e.store.ImagesOldestFirst(ctx, 0)
	if err != nil {
		e.logger.Warn("blob enumeration failed during clear", "error", err)
	}
	for _, rec := range recs {
		if err := e.blobs.Delete(ctx, blob.Ref(rec.Ref)); err != nil {
			e.logger.Warn("blob delete failed", "ref", rec.Ref, "error", err)
		}
	}
	return e.store.ClearAll(ctx)
}
