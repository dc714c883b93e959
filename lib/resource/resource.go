// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource implements content-addressed storage for immutable
// binary scene assets: the resource value with lazy compression, the
// in-memory reference-counted cache, and the file index for on-demand
// loading from container files.
package resource

import (
	"fmt"
	"sync"
)

// Type tags the kind of a resource. The numeric values are protocol
// constants — they participate in content hashes and appear in update
// streams and container files.
type Type uint32

const (
	TypeInvalid Type = iota
	TypeEffect
	TypeTexture
	TypeVertexArray
	TypeIndexArray
)

// String returns the human-readable name of a resource type.
func (t Type) String() string {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeEffect:
		return "effect"
	case TypeTexture:
		return "texture"
	case TypeVertexArray:
		return "vertex_array"
	case TypeIndexArray:
		return "index_array"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Resource is an immutable-once-sealed binary blob identified by its
// content hash. A resource holds at most one decompressed buffer and
// at most one compressed buffer at a time. Freshly produced resources
// start with decompressed bytes only; resources received from the
// network or loaded from a container file start with compressed bytes,
// a declared decompressed size, and their hash.
//
// Compress and Decompress on the same resource are mutually exclusive
// (an internal mutex); distinct resources can be processed in
// parallel.
type Resource struct {
	typeTag  Type
	name     string
	metadata []byte

	mu               sync.Mutex
	data             []byte
	compressed       []byte
	compressedLevel  CompressionLevel
	decompressedSize uint32
	hash             Hash
}

// New creates a resource from freshly produced decompressed bytes.
// The metadata bytes participate in the content hash; the name does
// not (it is display-only).
func New(typeTag Type, metadata, data []byte, name string) *Resource {
	r := &Resource{typeTag: typeTag, name: name, metadata: metadata}
	r.SetData(data)
	return r
}

// NewFromCompressed creates a resource from an already-compressed
// payload, as received from the network or read from a container
// file. The hash and decompressed size are declared by the sender and
// verified implicitly on decompression (a size mismatch fails).
func NewFromCompressed(typeTag Type, metadata, compressed []byte, level CompressionLevel, decompressedSize uint32, hash Hash, name string) (*Resource, error) {
	if level == CompressionNone {
		return nil, fmt.Errorf("resource: compressed payload must declare a compression level")
	}
	return &Resource{
		typeTag:          typeTag,
		name:             name,
		metadata:         metadata,
		compressed:       compressed,
		compressedLevel:  level,
		decompressedSize: decompressedSize,
		hash:             hash,
	}, nil
}

// SetData replaces the decompressed payload. Any previously computed
// compressed buffer is invalidated and the content hash is recomputed.
func (r *Resource) SetData(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = data
	r.compressed = nil
	r.compressedLevel = CompressionNone
	r.decompressedSize = uint32(len(data))
	if len(data) == 0 {
		r.hash = InvalidHash
	} else {
		r.hash = HashContent(r.typeTag, r.metadata, data)
	}
}

// SetDataWithHash replaces the decompressed payload with an externally
// declared hash, skipping the digest computation. Used when the hash
// is already known from a container file's table of contents.
func (r *Resource) SetDataWithHash(data []byte, hash Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = data
	r.compressed = nil
	r.compressedLevel = CompressionNone
	r.decompressedSize = uint32(len(data))
	r.hash = hash
}

// Hash returns the content hash. The invalid hash is returned for a
// resource holding no payload at all.
func (r *Resource) Hash() Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hash
}

// TypeTag returns the resource kind.
func (r *Resource) TypeTag() Type { return r.typeTag }

// Name returns the display name. Names never affect the content hash.
func (r *Resource) Name() string { return r.name }

// Metadata returns the metadata bytes that participate in the hash.
func (r *Resource) Metadata() []byte { return r.metadata }

// DecompressedSize returns the size of the decompressed payload, known
// even when only the compressed buffer is present.
func (r *Resource) DecompressedSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decompressedSize
}

// Data returns the decompressed payload, or nil if it has not been
// produced yet (call Decompress first).
func (r *Resource) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// CompressedData returns the compressed payload and the level that
// produced it, or (nil, CompressionNone) when no compressed buffer
// exists.
func (r *Resource) CompressedData() ([]byte, CompressionLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compressed, r.compressedLevel
}

// IsCompressedAvailable reports whether a compressed buffer exists.
func (r *Resource) IsCompressedAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compressed != nil
}

// IsDecompressedAvailable reports whether the decompressed payload
// exists.
func (r *Resource) IsDecompressedAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data != nil
}

// Compress produces a compressed buffer at the given level from the
// decompressed payload. The call is a no-op when:
//   - level is CompressionNone,
//   - the decompressed payload is absent or at most 1000 bytes
//     (payloads that small never benefit from compression),
//   - a buffer compressed at an equal or higher level already exists,
//   - the payload turns out to be incompressible at this level.
//
// Compressing at a higher level than the cached buffer recomputes and
// overwrites it. The call never fails for incompressible data — the
// resource simply stays uncompressed.
func (r *Resource) Compress(level CompressionLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if level == CompressionNone || r.data == nil || len(r.data) <= minCompressionSize {
		return nil
	}
	if r.compressed != nil && r.compressedLevel >= level {
		return nil
	}

	compressed, err := compressAtLevel(r.data, level)
	if err != nil {
		if err == errIncompressible {
			return nil
		}
		return fmt.Errorf("resource %s: %w", r.hash, err)
	}
	r.compressed = compressed
	r.compressedLevel = level
	return nil
}

// Decompress reconstructs the decompressed payload from the compressed
// buffer. It is the inverse of whichever level produced the buffer. A
// no-op when the decompressed payload is already present; an error
// when no compressed buffer exists.
func (r *Resource) Decompress() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data != nil {
		return nil
	}
	if r.compressed == nil {
		return fmt.Errorf("resource %s: no compressed data to decompress", r.hash)
	}

	data, err := decompressAtLevel(r.compressed, r.compressedLevel, int(r.decompressedSize))
	if err != nil {
		return fmt.Errorf("resource %s: %w", r.hash, err)
	}
	r.data = data
	return nil
}
