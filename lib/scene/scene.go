// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package scene

import (
	"fmt"
	"sort"

	"github.com/QodanaProdSpec/ramses/lib/resource"
)

// node is the live state of one scene node: opaque field values and
// resource references by content hash.
type node struct {
	fields    map[FieldID][]byte
	resources map[FieldID]resource.Hash
}

// Scene is the producer-side live scene state plus the log of
// mutations accumulated since the last flush. It is not safe for
// concurrent use; the distribution layer serializes access under its
// protocol lock.
type Scene struct {
	id      ID
	nodes   map[NodeID]*node
	pending []Action
}

// New creates an empty scene with the given identity.
func New(id ID) *Scene {
	return &Scene{id: id, nodes: make(map[NodeID]*node)}
}

// ID returns the scene identity.
func (s *Scene) ID() ID { return s.id }

// Apply mutates the scene state and records the action in the pending
// log for the next flush.
func (s *Scene) Apply(action Action) error {
	if err := s.applyToState(action); err != nil {
		return err
	}
	s.pending = append(s.pending, action)
	return nil
}

// applyToState mutates the node table without touching the pending
// log. Used by Apply and by shadow-copy replication when patching a
// replica with already-flushed actions.
func (s *Scene) applyToState(action Action) error {
	switch action.Kind {
	case ActionCreateNode:
		if _, exists := s.nodes[action.Node]; exists {
			return fmt.Errorf("scene %s: node %d already exists", s.id, action.Node)
		}
		s.nodes[action.Node] = &node{
			fields:    make(map[FieldID][]byte),
			resources: make(map[FieldID]resource.Hash),
		}
		return nil

	case ActionRemoveNode:
		if _, exists := s.nodes[action.Node]; !exists {
			return fmt.Errorf("scene %s: node %d does not exist", s.id, action.Node)
		}
		delete(s.nodes, action.Node)
		return nil

	case ActionSetField:
		n := s.nodes[action.Node]
		if n == nil {
			return fmt.Errorf("scene %s: set field on missing node %d", s.id, action.Node)
		}
		n.fields[action.Field] = action.Value
		return nil

	case ActionSetResource:
		n := s.nodes[action.Node]
		if n == nil {
			return fmt.Errorf("scene %s: set resource on missing node %d", s.id, action.Node)
		}
		if action.Resource.IsValid() {
			n.resources[action.Field] = action.Resource
		} else {
			delete(n.resources, action.Field)
		}
		return nil

	default:
		return fmt.Errorf("scene %s: unknown action kind %d", s.id, action.Kind)
	}
}

// ApplyFlushed patches the scene state with actions that were already
// flushed elsewhere, without re-recording them in the pending log.
func (s *Scene) ApplyFlushed(actions []Action) error {
	for _, action := range actions {
		if err := s.applyToState(action); err != nil {
			return err
		}
	}
	return nil
}

// TakePending drains and returns the mutation log accumulated since
// the previous call. Called once per flush.
func (s *Scene) TakePending() []Action {
	pending := s.pending
	s.pending = nil
	return pending
}

// PendingCount returns the number of unflushed mutations.
func (s *Scene) PendingCount() int { return len(s.pending) }

// SnapshotActions emits a deterministic action sequence that recreates
// the current scene state from scratch. It establishes the baseline
// for a subscriber transitioning to active.
func (s *Scene) SnapshotActions() []Action {
	nodeIDs := make([]NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })

	var actions []Action
	for _, nodeID := range nodeIDs {
		n := s.nodes[nodeID]
		actions = append(actions, CreateNode(nodeID))

		fieldIDs := make([]FieldID, 0, len(n.fields))
		for id := range n.fields {
			fieldIDs = append(fieldIDs, id)
		}
		sort.Slice(fieldIDs, func(i, j int) bool { return fieldIDs[i] < fieldIDs[j] })
		for _, fieldID := range fieldIDs {
			actions = append(actions, SetField(nodeID, fieldID, n.fields[fieldID]))
		}

		resourceFields := make([]FieldID, 0, len(n.resources))
		for id := range n.resources {
			resourceFields = append(resourceFields, id)
		}
		sort.Slice(resourceFields, func(i, j int) bool { return resourceFields[i] < resourceFields[j] })
		for _, fieldID := range resourceFields {
			actions = append(actions, SetResource(nodeID, fieldID, n.resources[fieldID]))
		}
	}
	return actions
}

// ResourceHashes returns the sorted, deduplicated set of valid content
// hashes referenced by live scene state. Flush logic diffs successive
// results to compute per-subscriber resource-set deltas.
func (s *Scene) ResourceHashes() []resource.Hash {
	seen := make(map[resource.Hash]struct{})
	for _, n := range s.nodes {
		for _, hash := range n.resources {
			if hash.IsValid() {
				seen[hash] = struct{}{}
			}
		}
	}
	hashes := make([]resource.Hash, 0, len(seen))
	for hash := range seen {
		hashes = append(hashes, hash)
	}
	SortHashes(hashes)
	return hashes
}

// Clone returns a deep copy of the live state with an empty pending
// log. Shadow-copy replication patches clones with flushed actions.
func (s *Scene) Clone() *Scene {
	clone := New(s.id)
	for nodeID, n := range s.nodes {
		copied := &node{
			fields:    make(map[FieldID][]byte, len(n.fields)),
			resources: make(map[FieldID]resource.Hash, len(n.resources)),
		}
		for field, value := range n.fields {
			copied.fields[field] = append([]byte(nil), value...)
		}
		for field, hash := range n.resources {
			copied.resources[field] = hash
		}
		clone.nodes[nodeID] = copied
	}
	return clone
}

// SortHashes orders hashes bytewise. The ordering has no semantic
// meaning; it only makes resource lists deterministic.
func SortHashes(hashes []resource.Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		a, b := hashes[i], hashes[j]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}

// DiffHashes computes the resource-set delta from old to current. Both
// inputs must be sorted (as returned by ResourceHashes). The returned
// slices share no storage with the inputs.
func DiffHashes(old, current []resource.Hash) (added, removed []resource.Hash) {
	i, j := 0, 0
	less := func(a, b resource.Hash) bool {
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	}
	for i < len(old) && j < len(current) {
		switch {
		case old[i] == current[j]:
			i++
			j++
		case less(old[i], current[j]):
			removed = append(removed, old[i])
			i++
		default:
			added = append(added, current[j])
			j++
		}
	}
	removed = append(removed, old[i:]...)
	added = append(added, current[j:]...)
	return added, removed
}
