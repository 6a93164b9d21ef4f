package hydrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetKey(t *testing.T) {
	t.Run("deterministic for the same URL", func(t *testing.T) {
		a := AssetKey("https://ex.com/a.png")
		b := AssetKey("https://ex.com/a.png")
		assert.Equal(t, a, b)
	})

	t.Run("distinct URLs get distinct keys", func(t *testing.T) {
		a := AssetKey("https://ex.com/a.png")
		b := AssetKey("https://ex.com/b.png")
		assert.NotEqual(t, a, b)
	})

	t.Run("preserves known image extension", func(t *testing.T) {
		key := AssetKey("https://ex.com/photos/a.JPG")
		assert.True(t, strings.HasSuffix(key, ".jpg"), "key %q", key)
	})

	t.Run("ignores query string when inferring extension", func(t *testing.T) {
		key := AssetKey("https://ex.com/a.webp?width=640&fit=crop")
		assert.True(t, strings.HasSuffix(key, ".webp"), "key %q", key)
	})

	t.Run("falls back to generic extension", func(t *testing.T) {
		key := AssetKey("https://ex.com/media/12345")
		assert.True(t, strings.HasSuffix(key, ".img"), "key %q", key)
	})

	t.Run("keys are sharded under the images prefix", func(t *testing.T) {
		key := AssetKey("https://ex.com/a.png")
		parts := strings.Split(key, "/")
		require.Len(t, parts, 3)
		assert.Equal(t, "images", parts[0])
		assert.Len(t, parts[1], 2)
	})
}

func TestIsRemoteURL(t *testing.T) {
	assert.True(t, IsRemoteURL("https://ex.com/a.png"))
	assert.True(t, IsRemoteURL("http://ex.com/a.png"))
	assert.False(t, IsRemoteURL("file:///tmp/a.png"))
	assert.False(t, IsRemoteURL("/var/cache/images/a.png"))
	assert.False(t, IsRemoteURL("data:image/png;base64,iVBOR"))
	assert.False(t, IsRemoteURL(""))
}

func TestHashText(t *testing.T) {
	h := HashBytes([]byte("some image bytes"))
	require.False(t, h.IsZero())
	assert.Len(t, h.String(), HashSize*2)
	assert.Equal(t, h.String()[:16], h.ShortString())

	text, err := h.MarshalText()
	require.NoError(t, err)

	var back Hash
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, h, back)

	assert.Error(t, back.UnmarshalText([]byte("nothex")))
}
