package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum encoded size before compression
	// is attempted. zstd overhead is not worth it for smaller records.
	compressionThreshold = 2048

	// maxDecompressedSize caps decompression to prevent compression bombs
	// from a corrupted database file.
	maxDecompressedSize = 10 * 1024 * 1024
)

// Record format prefix bytes.
const (
	formatRaw  byte = 0 // plain JSON
	formatZstd byte = 1 // zstd-compressed JSON
)

var (
	// ErrCorrupted is returned when a stored record cannot be decoded.
	ErrCorrupted = errors.New("store: corrupted record")
)

// codec serializes records as JSON with transparent zstd compression for
// large payloads. Conversation bodies in particular compress well.
// The encoder and decoder are goroutine-safe and reused for the lifetime
// of the store.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}

// encode marshals v and prepends a one-byte format marker.
func (c *codec) encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}

	if len(raw) < compressionThreshold {
		out := make([]byte, 1+len(raw))
		out[0] = formatRaw
		copy(out[1:], raw)
		return out, nil
	}

	compressed := c.enc.EncodeAll(raw, []byte{formatZstd})

	// Keep the raw form if compression did not actually help.
	if len(compressed) >= 1+len(raw) {
		out := make([]byte, 1+len(raw))
		out[0] = formatRaw
		copy(out[1:], raw)
		return out, nil
	}
	return compressed, nil
}

// decode reverses encode.
func (c *codec) decode(data []byte, v any) error {
	if len(data) < 1 {
		return ErrCorrupted
	}

	var raw []byte
	switch data[0] {
	case formatRaw:
		raw = data[1:]
	case formatZstd:
		decompressed, err := c.dec.DecodeAll(data[1:], nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		raw = decompressed
	default:
		return fmt.Errorf("%w: unknown format byte %d", ErrCorrupted, data[0])
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return nil
}
