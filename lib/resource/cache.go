// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"log/slog"
	"sync"
)

// Info describes a resource whose payload may not be loaded: the kind
// and decompressed size are known from a container file's table of
// contents before any payload bytes are read.
type Info struct {
	Type             Type
	DecompressedSize uint32
}

// cacheEntry is the cache's per-hash state. All fields are guarded by
// the cache mutex; the resource's own payload is guarded by its
// per-value mutex.
type cacheEntry struct {
	info     Info
	resource *Resource

	// refCount counts live ResourceHandles (payload consumers).
	refCount int

	// usageCount counts live HashUsages: scene state that names the
	// hash without holding the payload. An entry with usages is never
	// destroyed even when no handle is live.
	usageCount int

	// load reads the payload from a registered container file. Nil
	// when the entry has no file backing.
	load func() (*Resource, error)

	// fileHandle identifies the backing file so unregistration can
	// find and detach its entries.
	fileHandle FileHandle

	// deletionAllowed permits dropping the payload when the last
	// handle is released, because it can be re-loaded from the
	// backing file. Cleared whenever the payload is loaded from file
	// into live use.
	deletionAllowed bool
}

// Cache is the in-memory authority mapping content hash to cached
// resource state. It deduplicates by hash, reference-counts payload
// consumers, tracks identity-only usages, and loads payloads from
// registered container files on demand.
//
// All map and count mutations are serialized by one coarse mutex.
// Compression and decompression of individual payloads happen outside
// that lock, under the resource's own mutex, so CPU-bound work never
// blocks cache progress.
type Cache struct {
	mu      sync.Mutex
	entries map[Hash]*cacheEntry
	logger  *slog.Logger
}

// NewCache creates an empty cache. If logger is nil, slog.Default()
// is used.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[Hash]*cacheEntry),
		logger:  logger,
	}
}

// ResourceHandle is an owning reference to a cached payload. The
// payload remains retrievable for as long as at least one handle is
// live. Release the handle when done; Release is idempotent.
type ResourceHandle struct {
	cache    *Cache
	hash     Hash
	resource *Resource
	released bool
	mu       sync.Mutex
}

// Resource returns the referenced resource value.
func (h *ResourceHandle) Resource() *Resource { return h.resource }

// Hash returns the content hash the handle refers to.
func (h *ResourceHandle) Hash() Hash { return h.hash }

// Release drops the reference. After the last handle and all other
// backing is gone, the entry becomes unreachable.
func (h *ResourceHandle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()
	h.cache.releaseHandle(h.hash)
}

// HashUsage records that scene state references a hash even before or
// without the payload being resolved. It keeps the entry's identity
// alive so eviction policy can distinguish "payload unused" from
// "identity still referenced". Release is idempotent.
type HashUsage struct {
	cache    *Cache
	hash     Hash
	released bool
	mu       sync.Mutex
}

// Hash returns the tracked content hash.
func (u *HashUsage) Hash() Hash { return u.hash }

// Release drops the identity reference.
func (u *HashUsage) Release() {
	u.mu.Lock()
	if u.released {
		u.mu.Unlock()
		return
	}
	u.released = true
	u.mu.Unlock()
	u.cache.releaseUsage(u.hash)
}

// Manage inserts the resource into the cache, or increments the
// reference count of the entry already holding the same hash.
// Concurrent Manage calls for one hash coalesce: only one live payload
// per hash exists regardless of how many producers race to insert it.
// deletionAllowed marks the payload as droppable once unreferenced
// (appropriate for payloads re-loadable from a container file).
func (c *Cache) Manage(res *Resource, deletionAllowed bool) *ResourceHandle {
	hash := res.Hash()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[hash]
	if entry == nil {
		entry = &cacheEntry{
			info:            Info{Type: res.TypeTag(), DecompressedSize: res.DecompressedSize()},
			deletionAllowed: deletionAllowed,
		}
		c.entries[hash] = entry
	}
	if entry.resource == nil {
		entry.resource = res
		entry.info = Info{Type: res.TypeTag(), DecompressedSize: res.DecompressedSize()}
	}
	// A single caller insisting the payload must stay wins over any
	// number of callers that would allow deletion.
	if !deletionAllowed {
		entry.deletionAllowed = false
	}
	entry.refCount++

	return &ResourceHandle{cache: c, hash: hash, resource: entry.resource}
}

// Get returns a handle to the cached payload, or nil when the hash is
// unknown or its payload is not in memory. Get never triggers a file
// load and does not mutate the cache on miss.
func (c *Cache) Get(hash Hash) *ResourceHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[hash]
	if entry == nil || entry.resource == nil {
		return nil
	}
	entry.refCount++
	return &ResourceHandle{cache: c, hash: hash, resource: entry.resource}
}

// Resolve returns a handle for every hash that is cached or can be
// loaded from a registered container file. Hashes resolvable by
// neither path are reported in the second return value; one failed
// hash never aborts the rest of the batch.
func (c *Cache) Resolve(hashes []Hash) ([]*ResourceHandle, []Hash) {
	handles := make([]*ResourceHandle, 0, len(hashes))
	var failed []Hash

	for _, hash := range hashes {
		if handle := c.Get(hash); handle != nil {
			handles = append(handles, handle)
			continue
		}
		handle, err := c.loadFromFile(hash)
		if err != nil {
			c.logger.Error("resource load failed", "hash", hash, "error", err)
			failed = append(failed, hash)
			continue
		}
		if handle == nil {
			failed = append(failed, hash)
			continue
		}
		handles = append(handles, handle)
	}
	return handles, failed
}

// HashUsage returns an identity reference for the hash, creating a
// bare entry when the hash has never been seen. Scene state uses this
// to pin a hash it names before the payload is available.
func (c *Cache) HashUsage(hash Hash) *HashUsage {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[hash]
	if entry == nil {
		entry = &cacheEntry{}
		c.entries[hash] = entry
	}
	entry.usageCount++
	return &HashUsage{cache: c, hash: hash}
}

// KnowsResource reports whether the cache has any state for the hash:
// a live payload, a file locator, a handle, or a usage.
func (c *Cache) KnowsResource(hash Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, known := c.entries[hash]
	return known
}

// ResourceInfo returns the type and decompressed size known for the
// hash, which is available for file-backed entries even before their
// payload is loaded.
func (c *Cache) ResourceInfo(hash Hash) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[hash]
	if entry == nil {
		return Info{}, false
	}
	return entry.info, true
}

// loadFromFile loads the payload for a file-backed entry and returns
// a new handle. Returns (nil, nil) for hashes with no file backing.
// Per the entry lifecycle, a payload loaded from file is in live use,
// so the deletion-allowed flag is cleared.
func (c *Cache) loadFromFile(hash Hash) (*ResourceHandle, error) {
	c.mu.Lock()
	entry := c.entries[hash]
	if entry == nil || entry.load == nil {
		c.mu.Unlock()
		return nil, nil
	}
	load := entry.load
	c.mu.Unlock()

	// The file read happens outside the cache lock; it may be slow
	// and must not block unrelated cache traffic.
	res, err := load()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check: a racing loader may have attached the payload first.
	// The first attachment wins so only one live payload exists.
	entry = c.entries[hash]
	if entry == nil {
		// Backing file unregistered while loading; treat as miss.
		return nil, nil
	}
	if entry.resource == nil {
		entry.resource = res
	}
	entry.deletionAllowed = false
	entry.refCount++
	return &ResourceHandle{cache: c, hash: hash, resource: entry.resource}, nil
}

// storeFileEntry records that a registered container file can supply
// the payload for hash. Called by the file index during registration;
// no payload bytes are read.
func (c *Cache) storeFileEntry(hash Hash, info Info, fileHandle FileHandle, load func() (*Resource, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[hash]
	if entry == nil {
		entry = &cacheEntry{deletionAllowed: true}
		c.entries[hash] = entry
	}
	entry.info = info
	entry.fileHandle = fileHandle
	entry.load = load
}

// detachFile removes the file backing contributed by fileHandle from
// every entry. Entries with a loaded payload stay in-memory-only;
// entries without one become unresolvable and are dropped when nothing
// else references them.
func (c *Cache) detachFile(fileHandle FileHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for hash, entry := range c.entries {
		if entry.load == nil || entry.fileHandle != fileHandle {
			continue
		}
		entry.load = nil
		entry.fileHandle = 0
		c.dropIfUnreferenced(hash, entry)
	}
}

// hasPayload reports whether the entry's payload is currently in
// memory.
func (c *Cache) hasPayload(hash Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[hash]
	return entry != nil && entry.resource != nil
}

// attachPayload puts a loaded payload into an existing entry without
// taking a reference. The first attachment wins; a payload attached
// by a racing loader is kept.
func (c *Cache) attachPayload(hash Hash, res *Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[hash]
	if entry == nil {
		return
	}
	if entry.resource == nil {
		entry.resource = res
		entry.info = Info{Type: res.TypeTag(), DecompressedSize: res.DecompressedSize()}
	}
}

// isInUse reports whether any live handle or hash usage references
// the hash. Used by the file index to decide which entries must be
// force-loaded before the file closes.
func (c *Cache) isInUse(hash Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[hash]
	return entry != nil && (entry.refCount > 0 || entry.usageCount > 0)
}

// markDeletionDisallowed pins the payload in memory: it will not be
// dropped when the last handle is released.
func (c *Cache) markDeletionDisallowed(hash Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry := c.entries[hash]; entry != nil {
		entry.deletionAllowed = false
	}
}

func (c *Cache) releaseHandle(hash Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[hash]
	if entry == nil || entry.refCount == 0 {
		return
	}
	entry.refCount--
	if entry.refCount > 0 {
		return
	}

	// Last payload consumer gone. A deletion-allowed payload with
	// file backing is dropped; it can be re-loaded on demand.
	if entry.deletionAllowed && entry.load != nil {
		entry.resource = nil
	}
	c.dropIfUnreferenced(hash, entry)
}

func (c *Cache) releaseUsage(hash Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[hash]
	if entry == nil || entry.usageCount == 0 {
		return
	}
	entry.usageCount--
	c.dropIfUnreferenced(hash, entry)
}

// dropIfUnreferenced destroys the entry once nothing references it:
// no handles, no usages, no file-backing metadata. Callers hold c.mu.
func (c *Cache) dropIfUnreferenced(hash Hash, entry *cacheEntry) {
	if entry.refCount == 0 && entry.usageCount == 0 && entry.load == nil {
		delete(c.entries, hash)
	}
}
