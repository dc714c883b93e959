// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

// Package distribution replicates mutable scene graphs from a
// producing participant to subscribed consumers. It contains the
// update stream codec, the per-scene replication state machines, the
// out-of-band event channel, and the router that coordinates them
// over a cache of content-addressed resources.
package distribution

import (
	"github.com/google/uuid"

	"github.com/QodanaProdSpec/ramses/lib/resource"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// ParticipantID identifies one process in the distribution session.
type ParticipantID = uuid.UUID

// FeatureLevel is the negotiated protocol capability version. A scene
// publication whose feature level differs from the local one is
// rejected (scene-scoped, not fatal to the connection).
type FeatureLevel uint32

// SceneUpdate is the logical unit of replication: the mutation records
// of one flush, the resource values newly referenced by them, and the
// flush marker. On the local fast path this tuple is handed to the
// consumer in memory; on the network path it round-trips through the
// update stream codec.
type SceneUpdate struct {
	Actions   []scene.Action
	Resources []*resource.Resource
	Flush     scene.FlushInfo
}

// SceneConsumer is the upstream collaborator (the renderer side)
// receiving scene lifecycle notifications and updates. Callbacks are
// invoked on the goroutine that triggered them, after the router has
// released its protocol lock, so they may call back into the router.
type SceneConsumer interface {
	// OnSceneAvailable announces a published scene.
	OnSceneAvailable(info scene.Info, provider ParticipantID)

	// OnSceneUnavailable announces that a scene was unpublished, its
	// provider disconnected, or its update stream failed. Delivered
	// exactly once per availability period.
	OnSceneUnavailable(sceneID scene.ID, provider ParticipantID)

	// OnSceneInitialized signals that the next update carries the
	// full scene snapshot establishing the subscriber's baseline.
	OnSceneInitialized(info scene.Info, provider ParticipantID)

	// OnSceneUpdate delivers one flushed update in producer order.
	OnSceneUpdate(sceneID scene.ID, update SceneUpdate, provider ParticipantID)
}

// EventConsumer receives out-of-band events for scenes it registered
// interest in. Events are ordered per scene relative to each other,
// but not relative to the bulk update stream.
type EventConsumer interface {
	HandleSceneReferenceEvent(event SceneReferenceEvent, from ParticipantID)
	HandleResourceAvailabilityEvent(event ResourceAvailabilityEvent, from ParticipantID)
}

// Messenger is the outbound half of the transport: the router uses it
// to reach remote participants. Implementations frame and deliver the
// given payloads; they never interpret scene-update bytes.
type Messenger interface {
	SendScenesAvailable(to ParticipantID, infos []scene.Info, level FeatureLevel) error
	BroadcastScenesAvailable(infos []scene.Info, level FeatureLevel) error
	BroadcastScenesUnavailable(infos []scene.Info) error
	SendScenesUnavailable(to ParticipantID, infos []scene.Info) error
	SendInitializeScene(to ParticipantID, sceneID scene.ID) error
	SendSubscribeScene(to ParticipantID, sceneID scene.ID) error
	SendUnsubscribeScene(to ParticipantID, sceneID scene.ID) error
	SendSceneUpdate(to ParticipantID, sceneID scene.ID, data []byte) error
	SendEvent(to ParticipantID, sceneID scene.ID, data []byte) error
}

// Handler is the inbound half: the router implements it and the
// transport dispatches received traffic into it. Participant
// connectivity changes arrive here as well.
type Handler interface {
	HandleScenesAvailable(infos []scene.Info, provider ParticipantID, level FeatureLevel)
	HandleScenesUnavailable(infos []scene.Info, provider ParticipantID)
	HandleInitializeScene(sceneID scene.ID, provider ParticipantID)
	HandleSceneUpdate(sceneID scene.ID, data []byte, provider ParticipantID)
	HandleSubscribeScene(sceneID scene.ID, consumer ParticipantID)
	HandleUnsubscribeScene(sceneID scene.ID, consumer ParticipantID)
	HandleEvent(sceneID scene.ID, data []byte, from ParticipantID)
	ParticipantConnected(participant ParticipantID)
	ParticipantDisconnected(participant ParticipantID)
}
