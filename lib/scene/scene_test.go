// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package scene

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/QodanaProdSpec/ramses/lib/resource"
)

func mustApply(t *testing.T, s *Scene, actions ...Action) {
	t.Helper()
	for _, action := range actions {
		if err := s.Apply(action); err != nil {
			t.Fatalf("Apply(%+v) failed: %v", action, err)
		}
	}
}

func TestApplyRecordsPending(t *testing.T) {
	s := New(1)
	mustApply(t, s,
		CreateNode(1),
		SetField(1, 2, []byte("translation")),
	)

	if s.PendingCount() != 2 {
		t.Fatalf("PendingCount = %d, want 2", s.PendingCount())
	}
	pending := s.TakePending()
	if len(pending) != 2 {
		t.Fatalf("TakePending returned %d actions, want 2", len(pending))
	}
	if s.PendingCount() != 0 {
		t.Error("TakePending should drain the log")
	}
	if pending[0].Kind != ActionCreateNode || pending[1].Kind != ActionSetField {
		t.Errorf("pending order = %s, %s", pending[0].Kind, pending[1].Kind)
	}
}

func TestApplyRejectsInvalidActions(t *testing.T) {
	s := New(1)
	mustApply(t, s, CreateNode(1))

	tests := []struct {
		name   string
		action Action
	}{
		{"duplicate create", CreateNode(1)},
		{"remove missing", RemoveNode(99)},
		{"field on missing node", SetField(99, 1, nil)},
		{"resource on missing node", SetResource(99, 1, resource.Hash{1})},
		{"unknown kind", Action{Kind: ActionKind(250)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Apply(tt.action); err == nil {
				t.Errorf("Apply(%+v) should fail", tt.action)
			}
		})
	}

	// Failed applies must not pollute the pending log.
	if s.PendingCount() != 1 {
		t.Errorf("PendingCount = %d after rejected actions, want 1", s.PendingCount())
	}
}

func TestApplyFlushedDoesNotRecord(t *testing.T) {
	s := New(2)
	err := s.ApplyFlushed([]Action{
		CreateNode(1),
		SetField(1, 1, []byte("x")),
	})
	if err != nil {
		t.Fatalf("ApplyFlushed failed: %v", err)
	}
	if s.PendingCount() != 0 {
		t.Errorf("ApplyFlushed must not record pending actions, got %d", s.PendingCount())
	}
}

func TestSnapshotRecreatesState(t *testing.T) {
	hashA := resource.HashContent(resource.TypeTexture, nil, []byte("texture a"))
	hashB := resource.HashContent(resource.TypeEffect, nil, []byte("effect b"))

	s := New(3)
	mustApply(t, s,
		CreateNode(2),
		CreateNode(1),
		SetField(1, 5, []byte("five")),
		SetField(1, 3, []byte("three")),
		SetResource(2, 1, hashA),
		SetResource(2, 2, hashB),
		RemoveNode(1),
		CreateNode(1),
		SetField(1, 3, []byte("rebuilt")),
	)

	replica := New(3)
	if err := replica.ApplyFlushed(s.SnapshotActions()); err != nil {
		t.Fatalf("replaying snapshot failed: %v", err)
	}

	if diff := cmp.Diff(s.SnapshotActions(), replica.SnapshotActions()); diff != "" {
		t.Errorf("replica state differs from source (-source +replica):\n%s", diff)
	}
	if diff := cmp.Diff(s.ResourceHashes(), replica.ResourceHashes()); diff != "" {
		t.Errorf("replica resource set differs (-source +replica):\n%s", diff)
	}
}

func TestSnapshotIsDeterministic(t *testing.T) {
	s := New(4)
	mustApply(t, s, CreateNode(3), CreateNode(1), CreateNode(2))
	for node := NodeID(1); node <= 3; node++ {
		mustApply(t, s, SetField(node, FieldID(7-node), []byte{byte(node)}))
	}

	first := s.SnapshotActions()
	second := s.SnapshotActions()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("two snapshots of unchanged state differ:\n%s", diff)
	}
}

func TestResourceHashesDeduplicatesAndSorts(t *testing.T) {
	shared := resource.HashContent(resource.TypeTexture, nil, []byte("shared"))
	other := resource.HashContent(resource.TypeTexture, nil, []byte("other"))

	s := New(5)
	mustApply(t, s,
		CreateNode(1),
		CreateNode(2),
		SetResource(1, 1, shared),
		SetResource(2, 1, shared),
		SetResource(2, 2, other),
	)

	hashes := s.ResourceHashes()
	if len(hashes) != 2 {
		t.Fatalf("ResourceHashes returned %d hashes, want 2", len(hashes))
	}
	expected := []resource.Hash{shared, other}
	SortHashes(expected)
	if diff := cmp.Diff(expected, hashes); diff != "" {
		t.Errorf("resource set mismatch:\n%s", diff)
	}
}

func TestSetInvalidResourceClearsReference(t *testing.T) {
	hash := resource.HashContent(resource.TypeTexture, nil, []byte("tex"))
	s := New(6)
	mustApply(t, s,
		CreateNode(1),
		SetResource(1, 1, hash),
		SetResource(1, 1, resource.InvalidHash),
	)
	if len(s.ResourceHashes()) != 0 {
		t.Error("setting the invalid hash should clear the reference")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New(7)
	mustApply(t, s, CreateNode(1), SetField(1, 1, []byte("original")))
	s.TakePending()

	clone := s.Clone()
	if clone.ID() != s.ID() {
		t.Errorf("clone id = %s, want %s", clone.ID(), s.ID())
	}
	if clone.PendingCount() != 0 {
		t.Error("clone should start with an empty pending log")
	}

	// Mutating the source must not leak into the clone.
	mustApply(t, s, SetField(1, 1, []byte("changed")), CreateNode(2))
	if diff := cmp.Diff(New(7).SnapshotActions(), clone.SnapshotActions()); diff == "" {
		t.Fatal("clone lost the copied state")
	}
	replayed := New(7)
	if err := replayed.ApplyFlushed([]Action{CreateNode(1), SetField(1, 1, []byte("original"))}); err != nil {
		t.Fatalf("building expectation: %v", err)
	}
	if diff := cmp.Diff(replayed.SnapshotActions(), clone.SnapshotActions()); diff != "" {
		t.Errorf("clone diverged from the state at clone time:\n%s", diff)
	}
}

func TestDiffHashes(t *testing.T) {
	h := func(seed byte) resource.Hash { return resource.Hash{seed} }

	tests := []struct {
		name         string
		old, current []resource.Hash
		added        []resource.Hash
		removed      []resource.Hash
	}{
		{"both empty", nil, nil, nil, nil},
		{"all new", nil, []resource.Hash{h(1), h(2)}, []resource.Hash{h(1), h(2)}, nil},
		{"all gone", []resource.Hash{h(1), h(2)}, nil, nil, []resource.Hash{h(1), h(2)}},
		{"unchanged", []resource.Hash{h(1)}, []resource.Hash{h(1)}, nil, nil},
		{
			"overlap",
			[]resource.Hash{h(1), h(2), h(4)},
			[]resource.Hash{h(2), h(3), h(4), h(5)},
			[]resource.Hash{h(3), h(5)},
			[]resource.Hash{h(1)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := DiffHashes(tt.old, tt.current)
			if diff := cmp.Diff(tt.added, added); diff != "" {
				t.Errorf("added mismatch:\n%s", diff)
			}
			if diff := cmp.Diff(tt.removed, removed); diff != "" {
				t.Errorf("removed mismatch:\n%s", diff)
			}
		})
	}
}
