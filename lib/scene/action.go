// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package scene

import (
	"fmt"

	"github.com/QodanaProdSpec/ramses/lib/resource"
)

// NodeID identifies a node within one scene.
type NodeID uint32

// FieldID identifies a data field on a node.
type FieldID uint16

// ActionKind discriminates the mutation record types. The numeric
// values are protocol constants.
type ActionKind uint8

const (
	ActionCreateNode ActionKind = iota + 1
	ActionRemoveNode
	ActionSetField
	ActionSetResource
)

// String returns the human-readable name of an action kind.
func (k ActionKind) String() string {
	switch k {
	case ActionCreateNode:
		return "create_node"
	case ActionRemoveNode:
		return "remove_node"
	case ActionSetField:
		return "set_field"
	case ActionSetResource:
		return "set_resource"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Action is one scene mutation record. It is a tagged union over the
// fixed set of record kinds: exactly the fields relevant to Kind are
// set. Dispatch on Kind with an exhaustive switch.
type Action struct {
	Kind ActionKind `cbor:"1,keyasint"`
	Node NodeID     `cbor:"2,keyasint"`

	// Field and Value apply to ActionSetField.
	Field FieldID `cbor:"3,keyasint,omitempty"`
	Value []byte  `cbor:"4,keyasint,omitempty"`

	// Resource applies to ActionSetResource: the content hash the
	// field now references. The payload travels separately through
	// the resource cache, never inside the action.
	Resource resource.Hash `cbor:"5,keyasint,omitempty"`
}

// CreateNode returns a node-creation record.
func CreateNode(node NodeID) Action {
	return Action{Kind: ActionCreateNode, Node: node}
}

// RemoveNode returns a node-removal record.
func RemoveNode(node NodeID) Action {
	return Action{Kind: ActionRemoveNode, Node: node}
}

// SetField returns a field-assignment record carrying opaque value
// bytes.
func SetField(node NodeID, field FieldID, value []byte) Action {
	return Action{Kind: ActionSetField, Node: node, Field: field, Value: value}
}

// SetResource returns a record pointing a node field at a resource by
// content hash.
func SetResource(node NodeID, field FieldID, hash resource.Hash) Action {
	return Action{Kind: ActionSetResource, Node: node, Field: field, Resource: hash}
}
