package repository

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Output column encodings.
const (
	outputRaw  = 0
	outputZstd = 1
)

const defaultCompressThreshold = 1 << 10

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

// encodeOutput compresses output at or above threshold bytes.
func encodeOutput(output string, threshold int) ([]byte, int, error) {
	if threshold <= 0 || len(output) < threshold {
		return []byte(output), outputRaw, nil
	}
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, 0, fmt.Errorf("init zstd failed: %w", err)
	}
	return enc.EncodeAll([]byte(output), nil), outputZstd, nil
}

func decodeOutput(data []byte, encoding int) (string, error) {
	switch encoding {
	case outputRaw:
		return string(data), nil
	case outputZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return "", fmt.Errorf("init zstd failed: %w", err)
		}
		raw, err := dec.DecodeAll(data, nil)
		if err != nil {
			return "", fmt.Errorf("decode output failed: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unknown output encoding %d", encoding)
	}
}
