package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	c, err := newCodec()
	require.NoError(t, err)
	t.Cleanup(c.close)

	t.Run("small records stay uncompressed", func(t *testing.T) {
		data, err := c.encode(map[string]string{"k": "v"})
		require.NoError(t, err)
		assert.Equal(t, formatRaw, data[0])

		var got map[string]string
		require.NoError(t, c.decode(data, &got))
		assert.Equal(t, "v", got["k"])
	})

	t.Run("large repetitive records compress", func(t *testing.T) {
		payload := map[string]string{"body": strings.Repeat("conversation text ", 500)}
		data, err := c.encode(payload)
		require.NoError(t, err)
		assert.Equal(t, formatZstd, data[0])

		var got map[string]string
		require.NoError(t, c.decode(data, &got))
		assert.Equal(t, payload["body"], got["body"])
	})

	t.Run("corrupted data reports ErrCorrupted", func(t *testing.T) {
		var got map[string]string
		require.ErrorIs(t, c.decode([]byte{}, &got), ErrCorrupted)
		require.ErrorIs(t, c.decode([]byte{formatZstd, 0xde, 0xad}, &got), ErrCorrupted)
		require.ErrorIs(t, c.decode([]byte{42, 1, 2}, &got), ErrCorrupted)
	})
}
