// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/QodanaProdSpec/ramses/lib/codec"
)

// Container file layout:
//
//	[8 bytes magic "RAMSRES1"]
//	[4 bytes big-endian table-of-contents length]
//	[CBOR table of contents]
//	[payload region: concatenated raw payload records]
//
// Table-of-contents offsets are relative to the start of the payload
// region so the TOC can be encoded before the offsets of later entries
// are known in absolute terms. The index never inspects payload bytes
// beyond what an entry's declared size covers.

// containerMagic identifies a resource container file and its format
// version.
var containerMagic = [8]byte{'R', 'A', 'M', 'S', 'R', 'E', 'S', '1'}

// maxTableOfContentsLength bounds the declared TOC size so a corrupt
// header cannot provoke an unbounded allocation.
const maxTableOfContentsLength = 64 * 1024 * 1024

// TOCEntry locates and describes one resource in a container file
// without holding any payload bytes.
type TOCEntry struct {
	// Offset of the payload record, relative to the payload region.
	Offset uint64 `cbor:"1,keyasint"`

	// Size of the payload record in bytes. For compressed entries
	// this is the compressed size.
	Size uint32 `cbor:"2,keyasint"`

	Type             Type             `cbor:"3,keyasint"`
	Level            CompressionLevel `cbor:"4,keyasint"`
	DecompressedSize uint32           `cbor:"5,keyasint"`
	Metadata         []byte           `cbor:"6,keyasint,omitempty"`
	Name             string           `cbor:"7,keyasint,omitempty"`
}

// TableOfContents maps every content hash in a container file to the
// location and description of its payload.
type TableOfContents map[Hash]TOCEntry

// WriteContainer writes the given resources as a container file.
// Payloads are compressed at the given level (Offline for archival
// containers); resources that stay uncompressed (too small or
// incompressible) are stored raw. Returns the table of contents that
// was written.
func WriteContainer(w io.Writer, resources []*Resource, level CompressionLevel) (TableOfContents, error) {
	toc := make(TableOfContents, len(resources))
	payloads := make([][]byte, 0, len(resources))

	// Deterministic payload order: sort by hash so identical resource
	// sets always produce identical containers.
	ordered := make([]*Resource, len(resources))
	copy(ordered, resources)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].Hash(), ordered[j].Hash()
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})

	var offset uint64
	for _, res := range ordered {
		hash := res.Hash()
		if !hash.IsValid() {
			return nil, fmt.Errorf("container: resource %q has no content", res.Name())
		}
		if err := res.Compress(level); err != nil {
			return nil, fmt.Errorf("container: compressing %s: %w", hash, err)
		}

		payload, storedLevel := res.CompressedData()
		if payload == nil {
			payload = res.Data()
			storedLevel = CompressionNone
			if payload == nil {
				return nil, fmt.Errorf("container: resource %s has neither compressed nor decompressed payload", hash)
			}
		}

		toc[hash] = TOCEntry{
			Offset:           offset,
			Size:             uint32(len(payload)),
			Type:             res.TypeTag(),
			Level:            storedLevel,
			DecompressedSize: res.DecompressedSize(),
			Metadata:         res.Metadata(),
			Name:             res.Name(),
		}
		payloads = append(payloads, payload)
		offset += uint64(len(payload))
	}

	tocBytes, err := codec.Marshal(toc)
	if err != nil {
		return nil, fmt.Errorf("container: encoding table of contents: %w", err)
	}

	if _, err := w.Write(containerMagic[:]); err != nil {
		return nil, fmt.Errorf("container: writing magic: %w", err)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(tocBytes)))
	if _, err := w.Write(length[:]); err != nil {
		return nil, fmt.Errorf("container: writing TOC length: %w", err)
	}
	if _, err := w.Write(tocBytes); err != nil {
		return nil, fmt.Errorf("container: writing table of contents: %w", err)
	}
	for _, payload := range payloads {
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("container: writing payload region: %w", err)
		}
	}
	return toc, nil
}

// ReadTableOfContents reads a container's header and table of
// contents, leaving all payload bytes untouched. Returns the TOC and
// the absolute offset of the payload region.
func ReadTableOfContents(r io.ReaderAt) (TableOfContents, int64, error) {
	var header [12]byte
	if _, err := r.ReadAt(header[:], 0); err != nil {
		return nil, 0, fmt.Errorf("container: reading header: %w", err)
	}
	if [8]byte(header[:8]) != containerMagic {
		return nil, 0, fmt.Errorf("container: bad magic %q", header[:8])
	}
	tocLength := binary.BigEndian.Uint32(header[8:12])
	if tocLength > maxTableOfContentsLength {
		return nil, 0, fmt.Errorf("container: declared TOC length %d exceeds maximum %d", tocLength, maxTableOfContentsLength)
	}

	tocBytes := make([]byte, tocLength)
	if _, err := r.ReadAt(tocBytes, int64(len(header))); err != nil {
		return nil, 0, fmt.Errorf("container: reading table of contents: %w", err)
	}

	var toc TableOfContents
	if err := codec.Unmarshal(tocBytes, &toc); err != nil {
		return nil, 0, fmt.Errorf("container: decoding table of contents: %w", err)
	}
	return toc, int64(len(header)) + int64(tocLength), nil
}
