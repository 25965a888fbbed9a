package engine

// compress.go implements the stored-value codec. Values at or above the
// compression threshold are stored compressed with a 1-byte codec tag;
// smaller values are stored raw so short counters pay no codec overhead.

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType represents a value compression codec.
type CompressionType uint8

const (
	// NoCompression stores values raw.
	NoCompression CompressionType = 0x0

	// SnappyCompression uses Google Snappy.
	SnappyCompression CompressionType = 0x1

	// LZ4Compression uses LZ4.
	LZ4Compression CompressionType = 0x2

	// ZstdCompression uses Zstandard.
	ZstdCompression CompressionType = 0x3
)

// compressionThreshold is the minimum value size, in bytes, that gets
// compressed. Below it the codec tag alone would dominate.
const compressionThreshold = 64

// String returns the human-readable name of the compression type.
func (t CompressionType) String() string {
	switch t {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case LZ4Compression:
		return "lz4"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// ParseCompressionType parses a codec name as used in CLI flags.
func ParseCompressionType(name string) (CompressionType, error) {
	switch name {
	case "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "lz4":
		return LZ4Compression, nil
	case "zstd":
		return ZstdCompression, nil
	default:
		return NoCompression, fmt.Errorf("engine: unknown compression type %q", name)
	}
}

// encodeValue produces the stored representation of value: a codec tag byte
// followed by the (possibly compressed) payload.
func encodeValue(t CompressionType, value []byte) ([]byte, error) {
	if t == NoCompression || len(value) < compressionThreshold {
		out := make([]byte, 1+len(value))
		out[0] = byte(NoCompression)
		copy(out[1:], value)
		return out, nil
	}

	var payload []byte
	switch t {
	case SnappyCompression:
		payload = snappy.Encode(nil, value)

	case LZ4Compression:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(value); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		payload = buf.Bytes()

	case ZstdCompression:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		payload = enc.EncodeAll(value, nil)
		_ = enc.Close()

	default:
		return nil, fmt.Errorf("engine: unsupported compression type: %s", t)
	}

	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)
	return out, nil
}

// decodeValue reverses encodeValue.
func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, ErrCorruptedValue
	}
	payload := stored[1:]
	switch CompressionType(stored[0]) {
	case NoCompression:
		return payload, nil

	case SnappyCompression:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorruptedValue, err)
		}
		return out, nil

	case LZ4Compression:
		r := lz4.NewReader(bytes.NewReader(payload))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorruptedValue, err)
		}
		return out, nil

	case ZstdCompression:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptedValue, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown codec tag %d", ErrCorruptedValue, stored[0])
	}
}
