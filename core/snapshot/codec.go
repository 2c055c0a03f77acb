package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/adalundhe/weft/core/state"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case CompressionNone, "":
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unsupported snapshot compression %q", s)
	}
}

// Codec turns a DocumentState into bytes for storage. Encode and Decode are
// safe for concurrent use.
type Codec struct {
	compression Compression
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

func NewCodec(compression Compression) (*Codec, error) {
	c := &Codec{compression: compression}
	if compression == "" {
		c.compression = CompressionNone
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.encoder = encoder
	c.decoder = decoder
	return c, nil
}

func (c *Codec) Compression() Compression {
	return c.compression
}

// Encode returns the payload and the compressed/raw size ratio. The ratio is
// 1 when compression is disabled.
func (c *Codec) Encode(s state.DocumentState) ([]byte, float64, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal state: %w", err)
	}
	if c.compression == CompressionNone {
		return raw, 1, nil
	}

	compressed := c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	return compressed, float64(len(compressed)) / float64(len(raw)), nil
}

// Decode reverses Encode for a payload written with the given compression.
func (c *Codec) Decode(payload []byte, compression Compression) (state.DocumentState, error) {
	raw := payload
	if compression == CompressionZstd {
		decoded, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return state.DocumentState{}, fmt.Errorf("decompress snapshot: %w", err)
		}
		raw = decoded
	}

	var s state.DocumentState
	if err := json.Unmarshal(raw, &s); err != nil {
		return state.DocumentState{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return s, nil
}

func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
