package hydrate

import (
	"net/url"
	"path"
	"strings"
)

// assetKeyPrefix is the storage prefix for cached image assets.
const assetKeyPrefix = "images"

// assetKeyHashLen is the number of hex characters of the URL hash used in
// an asset key. 16 chars (64 bits) is plenty to avoid collisions for a
// single client's image set while keeping filenames short.
const assetKeyHashLen = 16

// knownImageExtensions are the URL suffixes preserved when deriving an
// asset key. Anything else gets the generic ".img" extension.
var knownImageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".svg":  true,
	".ico":  true,
}

// AssetKey derives a stable storage key for a remote image URL.
// Format: images/{hex[:2]}/{hex[:16]}{ext} where hex is the BLAKE3 hash of
// the URL. The key is deterministic, so caching the same URL twice always
// lands on the same storage location.
func AssetKey(rawURL string) string {
	hex := HashBytes([]byte(rawURL)).String()
	return assetKeyPrefix + "/" + hex[:2] + "/" + hex[:assetKeyHashLen] + AssetExtension(rawURL)
}

// AssetExtension infers a file extension from the URL's path suffix,
// defaulting to ".img" when the suffix is not a recognized image format.
func AssetExtension(rawURL string) string {
	suffix := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		suffix = u.Path
	}
	ext := strings.ToLower(path.Ext(suffix))
	if knownImageExtensions[ext] {
		return ext
	}
	return ".img"
}

// IsRemoteURL reports whether s is an absolute http or https URL.
// Anything else (local paths, data URIs, empty strings) is passed through
// by the caching layer untouched.
func IsRemoteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
