package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistent structured store, backed by bbolt.
// All operations are transactional at the single-record level; no
// cross-collection transactions exist or are needed.
type Store struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Store instance.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Testing only.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// New creates a new Store with options. Call Open before use.
func New(opts ...Option) *Store {
	s := &Store{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database at the given path and creates the buckets.
func (s *Store) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating record codec: %w", err)
	}
	s.codec = c

	s.logger.Debug("opened store", "path", path, "noSync", s.noSync)
	return nil
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketPosts,
			bucketPostsByTime,
			bucketPostTimeByID,
			bucketConvos,
			bucketConvosOwner,
			bucketImages,
			bucketImagesByAge,
			bucketImageAgeURL,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (s *Store) Close() error {
	if s.codec != nil {
		s.codec.close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing store")
	return s.db.Close()
}

// Posts

// PutPost upserts a post and refreshes its position in the recency index.
// CachedAt is stamped with the current time when unset.
func (s *Store) PutPost(_ context.Context, p *CachedPost) error {
	if p.ID == "" {
		return fmt.Errorf("put post: empty id")
	}
	if p.CachedAt.IsZero() {
		p.CachedAt = s.now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		posts := tx.Bucket(bucketPosts)
		byTime := tx.Bucket(bucketPostsByTime)
		timeByID := tx.Bucket(bucketPostTimeByID)

		id := []byte(p.ID)

		// Drop the previous recency entry, if any.
		if oldKey := timeByID.Get(id); oldKey != nil {
			if err := byTime.Delete(oldKey); err != nil {
				return fmt.Errorf("deleting old recency index: %w", err)
			}
		}

		seq, err := byTime.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		p.Seq = seq

		data, err := s.codec.encode(p)
		if err != nil {
			return err
		}
		if err := posts.Put(id, data); err != nil {
			return fmt.Errorf("putting post: %w", err)
		}

		recKey := makeRecencyKey(p.CachedAt, seq)
		if err := byTime.Put(recKey, id); err != nil {
			return fmt.Errorf("putting recency index: %w", err)
		}
		if err := timeByID.Put(id, recKey); err != nil {
			return fmt.Errorf("putting recency reverse index: %w", err)
		}
		return nil
	})
}

// GetPost retrieves a post by id.
func (s *Store) GetPost(_ context.Context, id string) (*CachedPost, error) {
	var post *CachedPost
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPosts).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		var p CachedPost
		if err := s.codec.decode(val, &p); err != nil {
			return err
		}
		post = &p
		return nil
	})
	return post, err
}

// RecentPosts returns a page of posts ordered most-recent-first.
// Equal timestamps are returned in insertion order.
func (s *Store) RecentPosts(_ context.Context, limit, offset int) ([]*CachedPost, error) {
	if limit <= 0 {
		return nil, nil
	}
	posts := make([]*CachedPost, 0, limit)

	err := s.db.View(func(tx *bbolt.Tx) error {
		byTime := tx.Bucket(bucketPostsByTime)
		records := tx.Bucket(bucketPosts)

		skipped := 0
		cursor := byTime.Cursor()
		for k, id := cursor.Last(); k != nil; k, id = cursor.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			val := records.Get(id)
			if val == nil {
				// Dangling index entry; skip rather than fail the scan.
				s.logger.Warn("recency index points at missing post", "id", string(id))
				continue
			}
			var p CachedPost
			if err := s.codec.decode(val, &p); err != nil {
				return err
			}
			posts = append(posts, &p)
			if len(posts) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return posts, nil
}

// DeletePost removes a post and its index entries.
func (s *Store) DeletePost(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		timeByID := tx.Bucket(bucketPostTimeByID)
		key := []byte(id)

		if oldKey := timeByID.Get(key); oldKey != nil {
			if err := tx.Bucket(bucketPostsByTime).Delete(oldKey); err != nil {
				return fmt.Errorf("deleting recency index: %w", err)
			}
			if err := timeByID.Delete(key); err != nil {
				return fmt.Errorf("deleting recency reverse index: %w", err)
			}
		}
		if err := tx.Bucket(bucketPosts).Delete(key); err != nil {
			return fmt.Errorf("deleting post: %w", err)
		}
		return nil
	})
}

// PostCount returns the number of stored posts.
func (s *Store) PostCount(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketPosts).Stats().KeyN
		return nil
	})
	return n, err
}

// Conversations

// PutConversation upserts a conversation and maintains the owner index.
func (s *Store) PutConversation(_ context.Context, c *CachedConversation) error {
	if c.SessionID == "" {
		return fmt.Errorf("put conversation: empty session id")
	}
	if c.CachedAt.IsZero() {
		c.CachedAt = s.now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		convos := tx.Bucket(bucketConvos)
		byOwner := tx.Bucket(bucketConvosOwner)
		key := []byte(c.SessionID)

		// An owner change must not leave a stale index entry behind.
		if old := convos.Get(key); old != nil {
			var prev CachedConversation
			if err := s.codec.decode(old, &prev); err == nil && prev.OwnerID != "" && prev.OwnerID != c.OwnerID {
				if err := byOwner.Delete(makeOwnerKey(prev.OwnerID, c.SessionID)); err != nil {
					return fmt.Errorf("deleting old owner index: %w", err)
				}
			}
		}

		data, err := s.codec.encode(c)
		if err != nil {
			return err
		}
		if err := convos.Put(key, data); err != nil {
			return fmt.Errorf("putting conversation: %w", err)
		}

		if c.OwnerID != "" {
			if err := byOwner.Put(makeOwnerKey(c.OwnerID, c.SessionID), key); err != nil {
				return fmt.Errorf("putting owner index: %w", err)
			}
		}
		return nil
	})
}

// GetConversation retrieves a conversation by session id.
func (s *Store) GetConversation(_ context.Context, sessionID string) (*CachedConversation, error) {
	var convo *CachedConversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketConvos).Get([]byte(sessionID))
		if val == nil {
			return ErrNotFound
		}
		var c CachedConversation
		if err := s.codec.decode(val, &c); err != nil {
			return err
		}
		convo = &c
		return nil
	})
	return convo, err
}

// Conversations returns conversations cached at or after the since cutoff,
// sorted most-recent-first. An empty owner returns every conversation;
// otherwise results are restricted to the owner via the owner index, so a
// query can never leak another owner's sessions.
func (s *Store) Conversations(_ context.Context, owner string, since time.Time) ([]*CachedConversation, error) {
	var convos []*CachedConversation

	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketConvos)

		collect := func(val []byte) error {
			var c CachedConversation
			if err := s.codec.decode(val, &c); err != nil {
				return err
			}
			if c.CachedAt.Before(since) {
				return nil
			}
			convos = append(convos, &c)
			return nil
		}

		if owner == "" {
			return records.ForEach(func(_, val []byte) error {
				return collect(val)
			})
		}

		cursor := tx.Bucket(bucketConvosOwner).Cursor()
		prefix := ownerPrefix(owner)
		for k, id := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = cursor.Next() {
			val := records.Get(id)
			if val == nil {
				s.logger.Warn("owner index points at missing conversation", "session", string(id))
				continue
			}
			if err := collect(val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(convos, func(i, j int) bool {
		return convos[i].CachedAt.After(convos[j].CachedAt)
	})
	return convos, nil
}

// DeleteConversation removes a conversation and its owner index entry.
func (s *Store) DeleteConversation(_ context.Context, sessionID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.deleteConversationTx(tx, sessionID)
	})
}

func (s *Store) deleteConversationTx(tx *bbolt.Tx, sessionID string) error {
	convos := tx.Bucket(bucketConvos)
	key := []byte(sessionID)

	if val := convos.Get(key); val != nil {
		var c CachedConversation
		if err := s.codec.decode(val, &c); err == nil && c.OwnerID != "" {
			if err := tx.Bucket(bucketConvosOwner).Delete(makeOwnerKey(c.OwnerID, sessionID)); err != nil {
				return fmt.Errorf("deleting owner index: %w", err)
			}
		}
	}
	if err := convos.Delete(key); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return nil
}

// DeleteConversationsForOwner removes every conversation belonging to the
// owner and returns the number removed.
func (s *Store) DeleteConversationsForOwner(_ context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, fmt.Errorf("delete conversations: empty owner")
	}

	var deleted int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketConvosOwner).Cursor()
		prefix := ownerPrefix(owner)

		var sessions []string
		for k, id := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = cursor.Next() {
			sessions = append(sessions, string(id))
		}
		for _, session := range sessions {
			if err := s.deleteConversationTx(tx, session); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ConversationCount returns the number of stored conversations.
func (s *Store) ConversationCount(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketConvos).Stats().KeyN
		return nil
	})
	return n, err
}

// Images

// PutImage upserts an image metadata record and refreshes its age index.
func (s *Store) PutImage(_ context.Context, rec *ImageRecord) error {
	if rec.URL == "" {
		return fmt.Errorf("put image: empty url")
	}
	if rec.CachedAt.IsZero() {
		rec.CachedAt = s.now()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.removeImageAgeIndexTx(tx, rec.URL); err != nil {
			return err
		}

		data, err := s.codec.encode(rec)
		if err != nil {
			return err
		}
		key := []byte(rec.URL)
		if err := tx.Bucket(bucketImages).Put(key, data); err != nil {
			return fmt.Errorf("putting image record: %w", err)
		}

		ageKey := makeAgeKey(rec.CachedAt, rec.URL)
		if err := tx.Bucket(bucketImagesByAge).Put(ageKey, key); err != nil {
			return fmt.Errorf("putting age index: %w", err)
		}
		if err := tx.Bucket(bucketImageAgeURL).Put(key, encodeTimestamp(rec.CachedAt)); err != nil {
			return fmt.Errorf("putting age reverse index: %w", err)
		}
		return nil
	})
}

// removeImageAgeIndexTx drops the age index entries for a URL using the
// reverse index for an O(1) lookup of the old timestamp.
func (s *Store) removeImageAgeIndexTx(tx *bbolt.Tx, url string) error {
	key := []byte(url)
	reverse := tx.Bucket(bucketImageAgeURL)

	if tsBytes := reverse.Get(key); tsBytes != nil {
		oldKey := makeAgeKey(decodeTimestamp(tsBytes), url)
		if err := tx.Bucket(bucketImagesByAge).Delete(oldKey); err != nil {
			return fmt.Errorf("deleting old age index: %w", err)
		}
		if err := reverse.Delete(key); err != nil {
			return fmt.Errorf("deleting age reverse index: %w", err)
		}
	}
	return nil
}

// GetImage retrieves the metadata record for a URL.
func (s *Store) GetImage(_ context.Context, url string) (*ImageRecord, error) {
	var rec *ImageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketImages).Get([]byte(url))
		if val == nil {
			return ErrNotFound
		}
		var r ImageRecord
		if err := s.codec.decode(val, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// DeleteImage removes an image metadata record and its index entries.
func (s *Store) DeleteImage(_ context.Context, url string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.removeImageAgeIndexTx(tx, url); err != nil {
			return err
		}
		if err := tx.Bucket(bucketImages).Delete([]byte(url)); err != nil {
			return fmt.Errorf("deleting image record: %w", err)
		}
		return nil
	})
}

// ImagesOlderThan returns up to limit image records with CachedAt strictly
// before the cutoff, oldest first. A limit <= 0 means no limit.
func (s *Store) ImagesOlderThan(_ context.Context, cutoff time.Time, limit int) ([]*ImageRecord, error) {
	var recs []*ImageRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketImages)
		cursor := tx.Bucket(bucketImagesByAge).Cursor()
		boundary := encodeTimestamp(cutoff)

		for k, url := cursor.First(); k != nil; k, url = cursor.Next() {
			if bytes.Compare(k[:8], boundary) >= 0 {
				break
			}
			val := records.Get(url)
			if val == nil {
				s.logger.Warn("age index points at missing image record", "url", string(url))
				continue
			}
			var r ImageRecord
			if err := s.codec.decode(val, &r); err != nil {
				return err
			}
			recs = append(recs, &r)
			if limit > 0 && len(recs) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ImagesOldestFirst returns up to limit image records ordered oldest
// first, regardless of age. Used for size-budget eviction.
func (s *Store) ImagesOldestFirst(ctx context.Context, limit int) ([]*ImageRecord, error) {
	// A cutoff a century out covers every record, including clock-skewed
	// future timestamps.
	return s.ImagesOlderThan(ctx, s.now().Add(100*365*24*time.Hour), limit)
}

// ImageCount returns the number of image metadata records.
func (s *Store) ImageCount(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketImages).Stats().KeyN
		return nil
	})
	return n, err
}

// Maintenance

// Clear wipes a single collection, including its indexes.
func (s *Store) Clear(_ context.Context, collection Collection) error {
	var buckets [][]byte
	switch collection {
	case CollectionPosts:
		buckets = [][]byte{bucketPosts, bucketPostsByTime, bucketPostTimeByID}
	case CollectionConversations:
		buckets = [][]byte{bucketConvos, bucketConvosOwner}
	case CollectionImages:
		buckets = [][]byte{bucketImages, bucketImagesByAge, bucketImageAgeURL}
	default:
		return fmt.Errorf("unknown collection %q", collection)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("dropping bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// ClearAll wipes every collection.
func (s *Store) ClearAll(ctx context.Context) error {
	for _, c := range []Collection{CollectionPosts, CollectionConversations, CollectionImages} {
		if err := s.Clear(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
