// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// FileHandle identifies a registered container file. Handles are
// process-local and never reused. Zero is not a valid handle.
type FileHandle uint64

// LoadError reports a failed payload read from a container file with
// enough context to diagnose the failure: which hash, which file, and
// where in it. A load failure never corrupts the index — subsequent
// reads from the same file remain possible.
type LoadError struct {
	Hash   Hash
	Handle FileHandle
	Offset int64
	Size   uint32
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("resource: loading %s from file %d (offset %d, size %d): %v",
		e.Hash, e.Handle, e.Offset, e.Size, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// registeredFile is the per-file bookkeeping: the byte source and the
// location of every resource the file holds.
type registeredFile struct {
	reader      io.ReaderAt
	payloadBase int64
	entries     map[Hash]TOCEntry

	// readMu serializes reads on the shared ReaderAt position-
	// independently; ReaderAt is safe for concurrent use by contract,
	// but some implementations (buffered wrappers) are not, so reads
	// per file are serialized.
	readMu sync.Mutex
}

// FileIndex maps registered container files to the set of resources
// they hold and their byte offsets, without loading payloads. It
// informs the cache of each hash's existence as "file-backed, not
// loaded" so Resolve can fetch payloads on demand.
type FileIndex struct {
	mu         sync.Mutex
	files      map[FileHandle]*registeredFile
	nextHandle FileHandle

	cache  *Cache
	logger *slog.Logger
}

// NewFileIndex creates a file index feeding the given cache. If
// logger is nil, slog.Default() is used.
func NewFileIndex(cache *Cache, logger *slog.Logger) *FileIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileIndex{
		files:  make(map[FileHandle]*registeredFile),
		cache:  cache,
		logger: logger,
	}
}

// RegisterFile records offset, size, and type metadata for every entry
// in the table of contents and tells the cache those hashes are
// file-backed. No payload bytes are read. payloadBase is the absolute
// offset of the payload region, as returned by ReadTableOfContents.
func (fi *FileIndex) RegisterFile(reader io.ReaderAt, toc TableOfContents, payloadBase int64) FileHandle {
	fi.mu.Lock()
	fi.nextHandle++
	handle := fi.nextHandle
	file := &registeredFile{
		reader:      reader,
		payloadBase: payloadBase,
		entries:     make(map[Hash]TOCEntry, len(toc)),
	}
	for hash, entry := range toc {
		file.entries[hash] = entry
	}
	fi.files[handle] = file
	fi.mu.Unlock()

	for hash, entry := range toc {
		hash := hash
		info := Info{Type: entry.Type, DecompressedSize: entry.DecompressedSize}
		fi.cache.storeFileEntry(hash, info, handle, func() (*Resource, error) {
			return fi.LoadEntry(handle, hash)
		})
	}

	fi.logger.Info("registered resource file", "handle", uint64(handle), "entries", len(toc))
	return handle
}

// LoadEntry seeks to the recorded offset and reads exactly one
// resource's payload record. Any stream error, truncated record, or
// zero-length result is returned as a *LoadError carrying the hash,
// offset, and size for diagnostics.
func (fi *FileIndex) LoadEntry(handle FileHandle, hash Hash) (*Resource, error) {
	fi.mu.Lock()
	file := fi.files[handle]
	fi.mu.Unlock()
	if file == nil {
		return nil, fmt.Errorf("resource: file handle %d is not registered", handle)
	}

	entry, known := file.entries[hash]
	if !known {
		return nil, fmt.Errorf("resource: file %d does not contain %s", handle, hash)
	}

	offset := file.payloadBase + int64(entry.Offset)
	if entry.Size == 0 {
		return nil, &LoadError{Hash: hash, Handle: handle, Offset: offset, Size: entry.Size,
			Err: fmt.Errorf("zero-length payload record")}
	}

	payload := make([]byte, entry.Size)
	file.readMu.Lock()
	_, err := io.ReadFull(io.NewSectionReader(file.reader, offset, int64(entry.Size)), payload)
	file.readMu.Unlock()
	if err != nil {
		return nil, &LoadError{Hash: hash, Handle: handle, Offset: offset, Size: entry.Size, Err: err}
	}

	if entry.Level == CompressionNone {
		res := &Resource{typeTag: entry.Type, name: entry.Name, metadata: entry.Metadata}
		res.SetDataWithHash(payload, hash)
		return res, nil
	}
	res, err := NewFromCompressed(entry.Type, entry.Metadata, payload, entry.Level, entry.DecompressedSize, hash, entry.Name)
	if err != nil {
		return nil, &LoadError{Hash: hash, Handle: handle, Offset: offset, Size: entry.Size, Err: err}
	}
	return res, nil
}

// ForceLoadInUse eagerly loads the payload of every resource in the
// file that is still referenced by a live handle or hash usage, and
// pins it in memory, so that unregistering (and closing) the file
// afterwards does not strand an in-use resource.
func (fi *FileIndex) ForceLoadInUse(handle FileHandle) {
	fi.mu.Lock()
	file := fi.files[handle]
	fi.mu.Unlock()
	if file == nil {
		fi.logger.Warn("cannot force-load from unknown file", "handle", uint64(handle))
		return
	}

	for hash := range file.entries {
		if !fi.cache.isInUse(hash) {
			continue
		}
		if !fi.cache.hasPayload(hash) {
			res, err := fi.LoadEntry(handle, hash)
			if err != nil {
				fi.logger.Error("force-load failed", "hash", hash, "error", err)
				continue
			}
			fi.cache.attachPayload(hash, res)
		}
		// The payload must survive the file going away; ownership
		// stays with the hash usage that made the resource in-use.
		fi.cache.markDeletionDisallowed(hash)
	}
}

// UnregisterFile removes the file's offset bookkeeping. Cache entries
// whose only backing was this file stay in memory if already loaded,
// or become unresolvable going forward if not.
func (fi *FileIndex) UnregisterFile(handle FileHandle) {
	fi.mu.Lock()
	_, known := fi.files[handle]
	delete(fi.files, handle)
	fi.mu.Unlock()

	if !known {
		fi.logger.Warn("cannot unregister unknown file", "handle", uint64(handle))
		return
	}
	fi.cache.detachFile(handle)
	fi.logger.Info("unregistered resource file", "handle", uint64(handle))
}

// HasFile reports whether the handle refers to a registered file.
func (fi *FileIndex) HasFile(handle FileHandle) bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	_, known := fi.files[handle]
	return known
}
