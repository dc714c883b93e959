// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"testing"
)

func testResource(t *testing.T, payload string) *Resource {
	t.Helper()
	res := New(TypeEffect, nil, []byte(payload), "test-"+payload)
	if !res.Hash().IsValid() {
		t.Fatalf("test resource %q got an invalid hash", payload)
	}
	return res
}

func TestCacheManageAndGet(t *testing.T) {
	cache := NewCache(nil)
	res := testResource(t, "shader source")

	handle := cache.Manage(res, false)
	if handle.Resource() != res {
		t.Error("handle should reference the managed resource")
	}

	got := cache.Get(res.Hash())
	if got == nil {
		t.Fatal("Get after Manage returned nil")
	}
	if got.Resource() != res {
		t.Error("Get returned a different resource value")
	}
	got.Release()
	handle.Release()

	if cache.Get(res.Hash()) != nil {
		t.Error("entry should be gone after the last handle is released")
	}
	if cache.KnowsResource(res.Hash()) {
		t.Error("cache should not know the hash after eviction")
	}
}

func TestCacheGetMissDoesNotMutate(t *testing.T) {
	cache := NewCache(nil)
	unknown := HashContent(TypeEffect, nil, []byte("never inserted"))

	if cache.Get(unknown) != nil {
		t.Error("Get of unknown hash should return nil")
	}
	if cache.KnowsResource(unknown) {
		t.Error("a failed Get must not create an entry")
	}
}

func TestCacheManageCoalesces(t *testing.T) {
	cache := NewCache(nil)
	payload := "duplicate payload"
	first := cache.Manage(testResource(t, payload), true)
	second := cache.Manage(testResource(t, payload), true)

	if first.Resource() != second.Resource() {
		t.Error("two Manage calls for one hash should share one payload")
	}

	first.Release()
	probe := cache.Get(first.Hash())
	if probe == nil {
		t.Fatal("entry evicted while a second handle is still live")
	}
	probe.Release()
	second.Release()
	if cache.KnowsResource(first.Hash()) {
		t.Error("entry should be gone after all handles are released")
	}
}

func TestCacheManageDeletionDisallowedWins(t *testing.T) {
	cache := NewCache(nil)
	payload := "pinned payload"
	a := cache.Manage(testResource(t, payload), true)
	b := cache.Manage(testResource(t, payload), false)

	// With no file backing the flag has no observable effect here; this
	// exercises the bookkeeping path where callers disagree.
	a.Release()
	b.Release()
	if cache.KnowsResource(a.Hash()) {
		t.Error("unbacked entry should be destroyed after release")
	}
}

func TestCacheReleaseIsIdempotent(t *testing.T) {
	cache := NewCache(nil)
	payload := "released twice"
	first := cache.Manage(testResource(t, payload), false)
	second := cache.Manage(testResource(t, payload), false)

	first.Release()
	first.Release()
	first.Release()

	// The double releases above must not have consumed second's count.
	probe := cache.Get(second.Hash())
	if probe == nil {
		t.Fatal("entry evicted by redundant releases of another handle")
	}
	probe.Release()
	second.Release()
	if cache.KnowsResource(second.Hash()) {
		t.Error("entry should be gone after the true last release")
	}
}

func TestHashUsageKeepsIdentityAlive(t *testing.T) {
	cache := NewCache(nil)
	res := testResource(t, "referenced by scene state")
	hash := res.Hash()

	usage := cache.HashUsage(hash)
	handle := cache.Manage(res, false)
	handle.Release()

	// The usage holds the entry, but the payload is gone with the last
	// handle only when file-backed; with no backing the payload stays
	// until the entry dies.
	if !cache.KnowsResource(hash) {
		t.Fatal("usage should keep the entry alive")
	}

	usage.Release()
	if cache.KnowsResource(hash) {
		t.Error("entry should be destroyed after the last usage")
	}
}

func TestHashUsageBeforePayloadExists(t *testing.T) {
	cache := NewCache(nil)
	hash := HashContent(TypeTexture, nil, []byte("not yet produced"))

	usage := cache.HashUsage(hash)
	if !cache.KnowsResource(hash) {
		t.Fatal("usage of unseen hash should create a bare entry")
	}
	if cache.Get(hash) != nil {
		t.Error("bare entry has no payload, Get should miss")
	}

	if _, ok := cache.ResourceInfo(hash); !ok {
		t.Error("bare entry should still report (zero) info")
	}
	usage.Release()
	if cache.KnowsResource(hash) {
		t.Error("bare entry should be destroyed with its only usage")
	}
}

func TestCacheResolveCollectsFailures(t *testing.T) {
	cache := NewCache(nil)
	known := testResource(t, "resolvable")
	handle := cache.Manage(known, false)
	defer handle.Release()

	missing := HashContent(TypeEffect, nil, []byte("nowhere to be found"))

	handles, failed := cache.Resolve([]Hash{known.Hash(), missing})
	if len(handles) != 1 {
		t.Fatalf("resolved %d handles, want 1", len(handles))
	}
	if handles[0].Resource() != known {
		t.Error("resolved handle references the wrong resource")
	}
	if len(failed) != 1 || failed[0] != missing {
		t.Errorf("failed = %v, want [%s]", failed, missing)
	}
	for _, h := range handles {
		h.Release()
	}
}
