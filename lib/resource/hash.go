// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 16-byte BLAKE3 keyed digest identifying a resource by its
// decompressed payload, type tag, and metadata. The optional display
// name is excluded: two resources that differ only by name have equal
// hashes. The zero value is the invalid hash and is never assigned to
// real content.
type Hash [16]byte

// InvalidHash is the hash value reserved for "no content". It is the
// zero value of Hash; the named constant exists for readable call
// sites and log output.
var InvalidHash Hash

// IsValid reports whether the hash identifies real content.
func (h Hash) IsValid() bool {
	return h != InvalidHash
}

// String returns the hex-encoded form used in logs and diagnostics.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler so hashes serialize as
// text strings in CBOR and JSON rather than opaque byte arrays.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 32-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing content hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("content hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// contentDomainKey is the 32-byte key for BLAKE3 keyed hashing of
// resource content. Domain separation keeps content hashes distinct
// from any other digest computed over the same bytes. The value is the
// ASCII domain name zero-padded to 32 bytes so it stays readable in
// hex dumps; BLAKE3 keyed mode treats it as an opaque key. This is a
// protocol constant — changing it invalidates every stored hash.
var contentDomainKey = [32]byte{
	'r', 'a', 'm', 's', 'e', 's', '.', 'r', 'e', 's', 'o', 'u', 'r', 'c', 'e', '.',
	'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashContent computes the content hash of a resource from its type
// tag, metadata bytes, and decompressed payload. Metadata participates
// in the digest so that resources with identical payload but different
// semantics (for example two textures with different sampling state)
// stay distinct.
func HashContent(typeTag Type, metadata []byte, payload []byte) Hash {
	hasher, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		// NewKeyed only fails for a wrong key length, which the
		// fixed-size array rules out.
		panic("resource: BLAKE3 keyed hash initialization failed: " + err.Error())
	}

	var tag [4]byte
	binary.BigEndian.PutUint32(tag[:], uint32(typeTag))
	hasher.Write(tag[:])
	hasher.Write(metadata)
	hasher.Write(payload)

	var full [32]byte
	copy(full[:], hasher.Sum(nil))

	var hash Hash
	copy(hash[:], full[:len(hash)])
	return hash
}
