// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

// Package scene defines the mutable scene-graph model the distribution
// layer replicates: scene identity and publication metadata, the
// mutation record types, and the live scene state they apply to.
package scene

import (
	"fmt"
	"time"
)

// ID identifies a scene across all participants. IDs are chosen by
// the producing process and must be unique within a session.
type ID uint64

func (id ID) String() string { return fmt.Sprintf("scene-%d", uint64(id)) }

// VersionTag names a flushed state of a scene. Applied by the
// producer at flush time; consumers see it in the flush marker.
// Zero means "no version tagged".
type VersionTag uint64

// PublicationMode controls a scene's visibility.
type PublicationMode uint8

const (
	// PublishLocalOnly makes the scene visible only to the consumer
	// hosted in the producing process. LocalOnly scenes are never
	// transmitted to a remote participant.
	PublishLocalOnly PublicationMode = iota

	// PublishLocalAndRemote additionally advertises the scene to all
	// connected participants.
	PublishLocalAndRemote
)

// String returns the human-readable name of a publication mode.
func (m PublicationMode) String() string {
	switch m {
	case PublishLocalOnly:
		return "local_only"
	case PublishLocalAndRemote:
		return "local_and_remote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// Info is the publication descriptor advertised for a scene.
type Info struct {
	ID   ID              `cbor:"1,keyasint"`
	Name string          `cbor:"2,keyasint,omitempty"`
	Mode PublicationMode `cbor:"3,keyasint"`
}

// FlushInfo tags a flushed update with its version and timing. It
// travels in the flush marker that terminates every logical update.
type FlushInfo struct {
	Version VersionTag `cbor:"1,keyasint,omitempty"`

	// FlushTime is when the producer finalized the update.
	FlushTime time.Time `cbor:"2,keyasint"`

	// ExpirationTime, when set, is the point after which a consumer
	// should treat the scene state as stale.
	ExpirationTime time.Time `cbor:"3,keyasint,omitempty"`
}
