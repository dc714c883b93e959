// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionLevel orders the available compression effort levels.
// Higher levels produce smaller output at more CPU cost. The numeric
// values are protocol constants — they appear in update streams and
// container files.
type CompressionLevel uint8

const (
	// CompressionNone indicates an uncompressed payload.
	CompressionNone CompressionLevel = 0

	// CompressionRealtime is LZ4 block compression. Cheap enough to
	// run on the network send path without stalling protocol progress.
	CompressionRealtime CompressionLevel = 1

	// CompressionOffline is zstd. Better ratios for resources written
	// to container files, where compression time is not latency
	// critical.
	CompressionOffline CompressionLevel = 2
)

// String returns the human-readable name of a compression level.
func (level CompressionLevel) String() string {
	switch level {
	case CompressionNone:
		return "none"
	case CompressionRealtime:
		return "realtime"
	case CompressionOffline:
		return "offline"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(level))
	}
}

// minCompressionSize is the smallest decompressed payload for which
// compression is attempted. Payloads at or below this size never
// shrink enough to pay for the round-trip; Compress succeeds but
// leaves the value uncompressed.
const minCompressionSize = 1000

// errIncompressible is returned by the level codecs when the output
// is not smaller than the input. The caller keeps the value
// uncompressed.
var errIncompressible = errors.New("data is incompressible")

// zstdEncoder and zstdDecoder are shared across all resources; both
// are safe for concurrent use and EncodeAll/DecodeAll are stateless
// per call.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("resource: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("resource: zstd decoder initialization failed: " + err.Error())
	}
}

// compressAtLevel compresses data with the codec for the given level.
// Returns errIncompressible when the output would not be smaller.
func compressAtLevel(data []byte, level CompressionLevel) ([]byte, error) {
	switch level {
	case CompressionRealtime:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 when it determines the data is
		// incompressible.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionOffline:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("cannot compress at level %s", level)
	}
}

// decompressAtLevel decompresses data that was produced by
// compressAtLevel at the given level. The decompressedSize must match
// the original data length exactly — a mismatch returns an error.
func decompressAtLevel(compressed []byte, level CompressionLevel, decompressedSize int) ([]byte, error) {
	switch level {
	case CompressionRealtime:
		destination := make([]byte, decompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != decompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, decompressedSize)
		}
		return destination, nil

	case CompressionOffline:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, decompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != decompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), decompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("cannot decompress at level %s", level)
	}
}
