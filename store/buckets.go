package store

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketPosts        = []byte("posts")              // id -> record
	bucketPostsByTime  = []byte("posts_by_time")      // timestamp|^seq -> id (recency index)
	bucketPostTimeByID = []byte("posts_time_by_id")   // id -> recency key (reverse index for O(1) delete)
	bucketConvos       = []byte("conversations")      // session_id -> record
	bucketConvosOwner  = []byte("conversations_by_owner") // owner|session_id -> session_id
	bucketImages       = []byte("images")             // url -> record
	bucketImagesByAge  = []byte("images_by_age")      // timestamp|url -> url (age index)
	bucketImageAgeURL  = []byte("images_age_by_url")  // url -> 8-byte timestamp (reverse index)
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so time-based index keys sort lexicographically. An offset shifts
// the signed nanosecond range into unsigned space, preserving order for
// pre-1970 values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeRecencyKey creates a key for the posts_by_time index.
// Format: [8-byte timestamp][8-byte inverted sequence]
// The sequence is stored inverted so a backwards cursor scan yields
// newest timestamps first while keeping insertion order within a single
// timestamp.
func makeRecencyKey(cachedAt time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	copy(key[:8], encodeTimestamp(cachedAt))
	binary.BigEndian.PutUint64(key[8:], ^seq)
	return key
}

// makeAgeKey creates a key for the images_by_age index.
// Format: [8-byte timestamp][url]
func makeAgeKey(cachedAt time.Time, url string) []byte {
	ts := encodeTimestamp(cachedAt)
	key := make([]byte, 8+len(url))
	copy(key[:8], ts)
	copy(key[8:], url)
	return key
}

// makeOwnerKey creates a compound key for the conversation owner index.
// Format: [owner][separator][session_id]
func makeOwnerKey(owner, sessionID string) []byte {
	key := make([]byte, len(owner)+1+len(sessionID))
	copy(key, owner)
	key[len(owner)] = 0 // null separator
	copy(key[len(owner)+1:], sessionID)
	return key
}

// ownerPrefix returns the index prefix covering every session for an owner.
func ownerPrefix(owner string) []byte {
	prefix := make([]byte, len(owner)+1)
	copy(prefix, owner)
	prefix[len(owner)] = 0
	return prefix
}
