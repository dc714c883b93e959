// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"fmt"

	"github.com/QodanaProdSpec/ramses/lib/codec"
	"github.com/QodanaProdSpec/ramses/lib/resource"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// Out-of-band events are small, hash-free typed messages exchanged
// between producer and consumers next to the bulk update stream. They
// are routed by scene id, ordered per scene relative to each other,
// and carry no resource payloads.

// EventKind discriminates the out-of-band event types.
type EventKind uint8

const (
	// EventSceneReference reports state of a referenced scene back to
	// the master scene's provider.
	EventSceneReference EventKind = 1

	// EventResourceAvailability reports which resources a consumer
	// has (or lost) for a scene.
	EventResourceAvailability EventKind = 2
)

// SceneReferenceEvent reports a referenced scene's lifecycle to the
// provider of its master scene.
type SceneReferenceEvent struct {
	// MasterScene routes the event to the consumer registered for
	// the master scene.
	MasterScene     scene.ID         `cbor:"1,keyasint"`
	ReferencedScene scene.ID         `cbor:"2,keyasint"`
	AppliedVersion  scene.VersionTag `cbor:"3,keyasint,omitempty"`
}

// ResourceAvailabilityEvent reports per-scene resource availability
// changes observed by a consumer.
type ResourceAvailabilityEvent struct {
	Scene       scene.ID        `cbor:"1,keyasint"`
	Available   []resource.Hash `cbor:"2,keyasint,omitempty"`
	Unavailable []resource.Hash `cbor:"3,keyasint,omitempty"`
}

// eventEnvelope is the wire form: a kind tag plus the event's own
// CBOR encoding, delayed until the tag has been inspected.
type eventEnvelope struct {
	Kind    EventKind       `cbor:"1,keyasint"`
	Payload codec.RawMessage `cbor:"2,keyasint"`
}

// encodeEvent wraps an event value in a tagged envelope.
func encodeEvent(kind EventKind, event any) ([]byte, error) {
	payload, err := codec.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("distribution: encoding event payload: %w", err)
	}
	data, err := codec.Marshal(eventEnvelope{Kind: kind, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("distribution: encoding event envelope: %w", err)
	}
	return data, nil
}

// dispatchEvent decodes a received envelope and forwards the event to
// the consumer. Unknown kinds are a semantic mismatch: reported as an
// error, dropped by the caller.
func dispatchEvent(data []byte, consumer EventConsumer, from ParticipantID) error {
	var envelope eventEnvelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("distribution: malformed event envelope: %w", err)
	}

	switch envelope.Kind {
	case EventSceneReference:
		var event SceneReferenceEvent
		if err := codec.Unmarshal(envelope.Payload, &event); err != nil {
			return fmt.Errorf("distribution: malformed scene reference event: %w", err)
		}
		consumer.HandleSceneReferenceEvent(event, from)
		return nil

	case EventResourceAvailability:
		var event ResourceAvailabilityEvent
		if err := codec.Unmarshal(envelope.Payload, &event); err != nil {
			return fmt.Errorf("distribution: malformed resource availability event: %w", err)
		}
		consumer.HandleResourceAvailabilityEvent(event, from)
		return nil

	default:
		return fmt.Errorf("distribution: unknown event kind %d", envelope.Kind)
	}
}
