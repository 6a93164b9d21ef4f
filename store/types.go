// Package store provides the persistent structured store backing the
// cache engine: three independent bbolt-backed collections for posts,
// conversations and image metadata, with recency and owner indexes.
package store

import (
	"encoding/json"
	"time"

	"github.com/feedwork/hydrate"
)

// CachedPost is a remotely sourced content post held in the local cache.
// Records are overwritten wholesale on refresh, never merged.
type CachedPost struct {
	ID       string         `json:"id"`
	Platform string         `json:"platform,omitempty"`
	Content  map[string]any `json:"content,omitempty"`

	// MediaURL is the primary media reference. After caching it points at
	// a local blob when one could be materialized, otherwise it keeps the
	// original remote URL.
	MediaURL string `json:"media_url,omitempty"`

	// ImageURLs is the ordered list of secondary image references.
	ImageURLs []string `json:"image_urls,omitempty"`

	// RawData carries the nested raw payload from the remote source,
	// including its own image list.
	RawData *PostRawData `json:"raw_data,omitempty"`

	CachedAt time.Time `json:"cached_at"`

	// Seq is the store-assigned insertion sequence, used to break recency
	// ties deterministically. Assigned on put.
	Seq uint64 `json:"seq,omitempty"`
}

// PostRawData is the nested raw payload attached to a post.
type PostRawData struct {
	Images []string       `json:"images,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// CachedConversation is a cached conversation thread scoped to an owner.
type CachedConversation struct {
	SessionID string `json:"session_id"`

	// OwnerID scopes the conversation to a user. Empty means unowned.
	OwnerID string `json:"owner_id,omitempty"`

	// Payload is the opaque message/content body from the remote source.
	Payload json.RawMessage `json:"payload,omitempty"`

	CachedAt time.Time `json:"cached_at"`
}

// ImageRecord maps a remote image URL to its local blob reference.
// At most one record exists per URL.
type ImageRecord struct {
	URL string `json:"url"`

	// Ref is the opaque blob store reference for the downloaded bytes.
	Ref string `json:"ref"`

	// PostID is the owning post, when known. Used to group records for
	// garbage collection.
	PostID string `json:"post_id,omitempty"`

	// ContentHash is the BLAKE3 digest of the downloaded bytes. A refresh
	// whose content matches skips rewriting the blob.
	ContentHash hydrate.Hash `json:"content_hash"`

	Size     int64     `json:"size,omitempty"`
	CachedAt time.Time `json:"cached_at"`
}

// Collection identifies one of the store's record collections.
type Collection string

const (
	CollectionPosts         Collection = "posts"
	CollectionConversations Collection = "conversations"
	CollectionImages        Collection = "images"
)
