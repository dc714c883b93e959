// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/QodanaProdSpec/ramses/lib/resource"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// ErrUnknownScene is returned by producer operations addressing a
// scene id that was never created (or already removed).
var ErrUnknownScene = errors.New("distribution: unknown scene")

// ErrDuplicateScene is returned by CreateScene for an id already
// tracked.
var ErrDuplicateScene = errors.New("distribution: scene already exists")

// RouterConfig configures a Router.
type RouterConfig struct {
	// LocalID is this process's participant identity.
	LocalID ParticipantID

	// FeatureLevel is the protocol capability version this process
	// speaks. Publications at any other level are rejected.
	FeatureLevel FeatureLevel

	// Messenger reaches remote participants. May be nil for a purely
	// local (single-process) deployment; remote operations then fail
	// softly with a log entry.
	Messenger Messenger

	// Resources is the shared content-addressed cache. Required.
	Resources *resource.Cache

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// remoteScene is the receiver-side state for a scene hosted by
// another participant.
type remoteScene struct {
	info     scene.Info
	provider ParticipantID

	// decoder reassembles the scene's update stream. Nil until the
	// provider sends the initialize notice; replaced on every
	// re-initialization so no partial-record bytes survive a
	// resubscribe; nil again after a sticky decode failure.
	decoder *StreamDecoder
}

// localScene is the provider-side state for a scene created in this
// process.
type localScene struct {
	logic  sceneLogic
	events EventConsumer
}

// Router is the top-level distribution coordinator: it owns every
// per-scene replication state machine, the table of remote scenes,
// participant connectivity, and the routing of updates and
// out-of-band events — including the zero-copy fast path when
// producer and consumer share the process.
//
// One mutex guards all protocol state. Outbound work (compression,
// encoding, network sends, consumer callbacks) is queued under the
// lock and executed after it is released, in order, so CPU-bound and
// blocking work never stalls protocol progress.
type Router struct {
	localID      ParticipantID
	featureLevel FeatureLevel
	messenger    Messenger
	resources    *resource.Cache
	logger       *slog.Logger

	mu           sync.Mutex
	consumer     SceneConsumer
	local        map[scene.ID]*localScene
	published    map[scene.ID]scene.Info
	remote       map[scene.ID]*remoteScene
	participants map[ParticipantID]struct{}
	connected    bool
	outbox       []func()
}

// NewRouter creates a router with no scenes and no consumer.
func NewRouter(config RouterConfig) (*Router, error) {
	if config.Resources == nil {
		return nil, fmt.Errorf("distribution: RouterConfig.Resources is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		localID:      config.LocalID,
		featureLevel: config.FeatureLevel,
		messenger:    config.Messenger,
		resources:    config.Resources,
		logger:       logger,
		local:        make(map[scene.ID]*localScene),
		published:    make(map[scene.ID]scene.Info),
		remote:       make(map[scene.ID]*remoteScene),
		participants: make(map[ParticipantID]struct{}),
	}, nil
}

// LocalID returns this process's participant identity.
func (r *Router) LocalID() ParticipantID { return r.localID }

// Resources returns the content-addressed cache the router resolves
// update payloads from.
func (r *Router) Resources() *resource.Cache { return r.resources }

// SetMessenger attaches the transport after construction. The router
// and its transport reference each other, so one of them has to be
// wired late; call this before Connect.
func (r *Router) SetMessenger(messenger Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messenger = messenger
}

// FeatureLevel returns the protocol capability version in use.
func (r *Router) FeatureLevel() FeatureLevel { return r.featureLevel }

// run executes fn under the protocol lock, then drains the outbound
// queue it produced, preserving order.
func (r *Router) run(fn func()) {
	r.mu.Lock()
	fn()
	queued := r.outbox
	r.outbox = nil
	r.mu.Unlock()

	for _, send := range queued {
		send()
	}
}

// enqueue defers outbound work until the protocol lock is released.
// Callers hold r.mu.
func (r *Router) enqueue(send func()) {
	r.outbox = append(r.outbox, send)
}

// SetSceneConsumer attaches (or, with nil, detaches) the local scene
// consumer. Attaching notifies it of every locally published scene;
// detaching unsubscribes the local participant from all of them.
// Setting a consumer while one is attached is a caller contract
// violation and panics.
func (r *Router) SetSceneConsumer(consumer SceneConsumer) {
	r.run(func() {
		if r.consumer != nil && consumer != nil {
			panic("distribution: a scene consumer is already attached")
		}
		r.consumer = consumer

		if consumer != nil {
			for _, info := range r.published {
				info := info
				r.enqueue(func() { consumer.OnSceneAvailable(info, r.localID) })
			}
			return
		}
		for id := range r.published {
			if ls := r.local[id]; ls != nil {
				ls.logic.removeSubscriber(r.localID)
			}
		}
	})
}

// CreateScene registers a scene for distribution. The scene's
// replication strategy is fixed here: direct logic when
// localOnlyOptimization is set (snapshots read the live scene at
// flush boundaries), shadow-copy logic otherwise. events receives the
// scene's out-of-band events; it may be nil.
func (r *Router) CreateScene(live *scene.Scene, name string, localOnlyOptimization bool, events EventConsumer) error {
	var err error
	r.run(func() {
		id := live.ID()
		if _, exists := r.local[id]; exists {
			err = fmt.Errorf("%w: %s", ErrDuplicateScene, id)
			return
		}
		var logic sceneLogic
		if localOnlyOptimization {
			r.logger.Info("creating scene", "scene", id, "logic", "direct")
			logic = newDirectLogic(r, r.resources, live, name, r.localID, r.logger)
		} else {
			r.logger.Info("creating scene", "scene", id, "logic", "shadow_copy")
			logic = newShadowLogic(r, r.resources, live, name, r.localID, r.logger)
		}
		r.local[id] = &localScene{logic: logic, events: events}
	})
	return err
}

// RemoveScene destroys a scene's replication state. A published scene
// is unpublished first, which notifies all subscribers of
// unavailability.
func (r *Router) RemoveScene(id scene.ID) error {
	var err error
	r.run(func() {
		ls := r.local[id]
		if ls == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownScene, id)
			return
		}
		if _, isPublished := r.published[id]; isPublished {
			ls.logic.unpublish()
		}
		delete(r.local, id)
	})
	return err
}

// PublishScene makes a scene discoverable in the given mode.
func (r *Router) PublishScene(id scene.ID, mode scene.PublicationMode) error {
	var err error
	r.run(func() {
		ls := r.local[id]
		if ls == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownScene, id)
			return
		}
		if _, already := r.published[id]; already {
			r.logger.Warn("duplicate publish ignored", "scene", id)
			return
		}
		r.logger.Info("publishing scene", "scene", id, "mode", mode)
		ls.logic.publish(mode)
	})
	return err
}

// UnpublishScene withdraws a scene. All subscribers, local and
// remote, receive an unavailability notice.
func (r *Router) UnpublishScene(id scene.ID) error {
	var err error
	r.run(func() {
		ls := r.local[id]
		if ls == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownScene, id)
			return
		}
		if _, isPublished := r.published[id]; !isPublished {
			r.logger.Warn("unpublish of unpublished scene ignored", "scene", id)
			return
		}
		ls.logic.unpublish()
	})
	return err
}

// FlushScene finalizes the scene's accumulated mutations and offers
// them for transmission: pending subscribers receive their initial
// full snapshot, active subscribers the incremental change-set.
func (r *Router) FlushScene(id scene.ID, info scene.FlushInfo) error {
	var err error
	r.run(func() {
		ls := r.local[id]
		if ls == nil {
			err = fmt.Errorf("%w: %s", ErrUnknownScene, id)
			return
		}
		err = ls.logic.flush(info)
	})
	return err
}

// Subscribe requests the scene's update stream from its provider. A
// local provider transitions state directly — no network hop.
func (r *Router) Subscribe(provider ParticipantID, id scene.ID) {
	if provider == r.localID {
		r.HandleSubscribeScene(id, r.localID)
		return
	}
	r.run(func() {
		r.sendOrLogDeferred(func() error { return r.messenger.SendSubscribeScene(provider, id) }, "subscribe", id)
	})
}

// Unsubscribe withdraws a subscription.
func (r *Router) Unsubscribe(provider ParticipantID, id scene.ID) {
	if provider == r.localID {
		r.HandleUnsubscribeScene(id, r.localID)
		return
	}
	r.run(func() {
		r.sendOrLogDeferred(func() error { return r.messenger.SendUnsubscribeScene(provider, id) }, "unsubscribe", id)
	})
}

// Connect marks this participant as network-attached. Scenes
// published in LocalAndRemote mode become visible to participants as
// they connect.
func (r *Router) Connect() {
	r.run(func() {
		r.connected = true
	})
}

// Disconnect withdraws this participant from the network: every
// remote-visible publication is broadcast unavailable and every
// remote subscriber is dropped. Local consumption continues.
func (r *Router) Disconnect() {
	r.run(func() {
		var withdrawn []scene.Info
		for _, info := range r.published {
			if info.Mode != scene.PublishLocalOnly {
				withdrawn = append(withdrawn, info)
			}
		}
		if len(withdrawn) > 0 {
			r.sendOrLogDeferred(func() error { return r.messenger.BroadcastScenesUnavailable(withdrawn) }, "broadcast unavailable", 0)
		}

		for _, ls := range r.local {
			for _, subscriber := range ls.logic.allSubscribers() {
				if subscriber != r.localID {
					ls.logic.removeSubscriber(subscriber)
				}
			}
		}
		r.connected = false
	})
}

// SendSceneReferenceEvent routes a scene-reference event to the event
// consumer registered for the master scene on the destination
// participant. The local destination is short-circuited without
// serialization.
func (r *Router) SendSceneReferenceEvent(to ParticipantID, event SceneReferenceEvent) error {
	if to == r.localID {
		r.run(func() { r.forwardSceneReferenceEvent(event, r.localID) })
		return nil
	}
	data, err := encodeEvent(EventSceneReference, event)
	if err != nil {
		return err
	}
	return r.messenger.SendEvent(to, event.MasterScene, data)
}

// SendResourceAvailabilityEvent routes a resource-availability event
// to the consumer registered for the scene on the destination
// participant.
func (r *Router) SendResourceAvailabilityEvent(to ParticipantID, event ResourceAvailabilityEvent) error {
	if to == r.localID {
		r.run(func() { r.forwardResourceAvailabilityEvent(event, r.localID) })
		return nil
	}
	data, err := encodeEvent(EventResourceAvailability, event)
	if err != nil {
		return err
	}
	return r.messenger.SendEvent(to, event.Scene, data)
}

// --- updateSender: callbacks from the scene logics. r.mu is held. ---

func (r *Router) sendPublishScene(info scene.Info) {
	r.published[info.ID] = info

	if consumer := r.consumer; consumer != nil {
		r.enqueue(func() { consumer.OnSceneAvailable(info, r.localID) })
	}
	if info.Mode != scene.PublishLocalOnly && r.connected {
		r.sendOrLogDeferred(func() error {
			return r.messenger.BroadcastScenesAvailable([]scene.Info{info}, r.featureLevel)
		}, "broadcast publish", info.ID)
	}
}

func (r *Router) sendUnpublishScene(info scene.Info) {
	delete(r.published, info.ID)

	if consumer := r.consumer; consumer != nil {
		r.enqueue(func() { consumer.OnSceneUnavailable(info.ID, r.localID) })
	}
	if info.Mode != scene.PublishLocalOnly && r.connected {
		r.sendOrLogDeferred(func() error {
			return r.messenger.BroadcastScenesUnavailable([]scene.Info{info})
		}, "broadcast unpublish", info.ID)
	}
}

func (r *Router) sendCreateScene(to ParticipantID, info scene.Info) {
	if to == r.localID {
		if consumer := r.consumer; consumer != nil {
			r.enqueue(func() { consumer.OnSceneInitialized(info, r.localID) })
		}
		return
	}
	r.sendOrLogDeferred(func() error { return r.messenger.SendInitializeScene(to, info.ID) }, "initialize scene", info.ID)
}

// sendSceneUpdate distributes one flushed update. Remote destinations
// share a single realtime compression pass and a single encode; the
// local destination takes the in-memory fast path, last, so the
// network sends are never delayed by consumer work.
func (r *Router) sendSceneUpdate(to []ParticipantID, update SceneUpdate, sceneID scene.ID) {
	sendToSelf := false
	var remotes []ParticipantID
	for _, destination := range to {
		if destination == r.localID {
			sendToSelf = true
		} else {
			remotes = append(remotes, destination)
		}
	}

	if len(remotes) > 0 {
		messenger := r.messenger
		logger := r.logger
		r.enqueue(func() {
			// Realtime keeps the send path latency-bounded; Compress
			// is a no-op for resources already compressed at this
			// level or higher, so the cost is paid once per flush
			// regardless of destination count.
			for _, res := range update.Resources {
				if err := res.Compress(resource.CompressionRealtime); err != nil {
					logger.Error("realtime compression failed", "scene", sceneID, "error", err)
				}
			}
			data, err := EncodeUpdate(update)
			if err != nil {
				logger.Error("encoding scene update failed", "scene", sceneID, "error", err)
				return
			}
			for _, destination := range remotes {
				if messenger == nil {
					logger.Error("no messenger for remote scene update", "scene", sceneID, "to", destination)
					continue
				}
				if err := messenger.SendSceneUpdate(destination, sceneID, data); err != nil {
					logger.Error("sending scene update failed", "scene", sceneID, "to", destination, "error", err)
				}
			}
		})
	}

	if sendToSelf {
		if consumer := r.consumer; consumer != nil {
			provider := r.localID
			r.enqueue(func() { consumer.OnSceneUpdate(sceneID, update, provider) })
		}
	}
}

// sendOrLogDeferred queues a messenger call, logging (never
// propagating) its failure. Callers hold r.mu.
func (r *Router) sendOrLogDeferred(send func() error, operation string, id scene.ID) {
	if r.messenger == nil {
		r.logger.Warn("no messenger attached, dropping network operation", "operation", operation, "scene", id)
		return
	}
	logger := r.logger
	r.enqueue(func() {
		if err := send(); err != nil {
			logger.Error("network send failed", "operation", operation, "scene", id, "error", err)
		}
	})
}

// --- Handler: inbound traffic from the transport. ---

// ParticipantConnected records a new remote participant and advertises
// every remote-visible local publication to it.
func (r *Router) ParticipantConnected(participant ParticipantID) {
	r.run(func() {
		if _, known := r.participants[participant]; known {
			return
		}
		r.participants[participant] = struct{}{}

		var available []scene.Info
		for _, info := range r.published {
			if info.Mode != scene.PublishLocalOnly {
				available = append(available, info)
			}
		}
		if len(available) > 0 {
			r.sendOrLogDeferred(func() error {
				return r.messenger.SendScenesAvailable(participant, available, r.featureLevel)
			}, "advertise scenes", 0)
		}
	})
}

// ParticipantDisconnected removes a participant: every scene it hosted
// becomes unavailable to the local consumer exactly once, and it is
// dropped as a subscriber from every local scene exactly once. A
// duplicate disconnect signal for the same participant is a no-op.
func (r *Router) ParticipantDisconnected(participant ParticipantID) {
	r.run(func() {
		if _, known := r.participants[participant]; !known {
			return
		}
		delete(r.participants, participant)

		for _, ls := range r.local {
			ls.logic.removeSubscriber(participant)
		}

		for id, rs := range r.remote {
			if rs.provider != participant {
				continue
			}
			delete(r.remote, id)
			if consumer := r.consumer; consumer != nil {
				id := id
				r.enqueue(func() { consumer.OnSceneUnavailable(id, participant) })
			}
		}
	})
}

// HandleScenesAvailable processes scene publications from a remote
// provider. Feature-level mismatches reject the publication (logged,
// not delivered); a duplicate publication from the same provider is
// treated as unpublish-then-publish so no stale decoder state can
// splice two unrelated update streams together.
func (r *Router) HandleScenesAvailable(infos []scene.Info, provider ParticipantID, level FeatureLevel) {
	r.run(func() {
		for _, info := range infos {
			existing := r.remote[info.ID]
			if existing != nil && existing.provider == provider {
				r.logger.Warn("duplicate publish of remote scene, unpublishing first",
					"scene", info.ID, "provider", provider)
				delete(r.remote, info.ID)
				if consumer := r.consumer; consumer != nil {
					id := info.ID
					r.enqueue(func() { consumer.OnSceneUnavailable(id, provider) })
				}
				existing = nil
			}
			if existing != nil {
				r.logger.Warn("ignoring publish of scene already hosted elsewhere",
					"scene", info.ID, "provider", provider, "owner", existing.provider)
				continue
			}
			if level != r.featureLevel {
				r.logger.Warn("rejecting publication with mismatched feature level",
					"scene", info.ID, "provider", provider, "theirs", level, "ours", r.featureLevel)
				continue
			}

			r.remote[info.ID] = &remoteScene{info: info, provider: provider}
			if consumer := r.consumer; consumer != nil {
				info := info
				r.enqueue(func() { consumer.OnSceneAvailable(info, provider) })
			}
		}
	})
}

// HandleScenesUnavailable processes unpublications from a remote
// provider.
func (r *Router) HandleScenesUnavailable(infos []scene.Info, provider ParticipantID) {
	r.run(func() {
		for _, info := range infos {
			rs := r.remote[info.ID]
			if rs == nil || rs.provider != provider {
				r.logger.Warn("ignoring unpublish for unknown remote scene", "scene", info.ID, "provider", provider)
				continue
			}
			delete(r.remote, info.ID)
			if consumer := r.consumer; consumer != nil {
				id := info.ID
				r.enqueue(func() { consumer.OnSceneUnavailable(id, provider) })
			}
		}
	})
}

// HandleInitializeScene starts (or restarts) a remote scene's update
// stream. The decoder is created fresh so nothing from a previous
// incarnation of the subscription leaks into this one.
func (r *Router) HandleInitializeScene(sceneID scene.ID, provider ParticipantID) {
	r.run(func() {
		rs := r.remote[sceneID]
		if rs == nil {
			r.logger.Warn("initialize for unknown remote scene", "scene", sceneID, "provider", provider)
			return
		}
		if rs.provider != provider {
			r.logger.Warn("initialize from unexpected provider", "scene", sceneID, "provider", provider, "owner", rs.provider)
			return
		}
		if r.consumer == nil {
			r.logger.Warn("initialize with no consumer attached", "scene", sceneID, "provider", provider)
			return
		}

		rs.decoder = NewStreamDecoder()
		consumer := r.consumer
		info := rs.info
		r.enqueue(func() { consumer.OnSceneInitialized(info, provider) })
	})
}

// HandleSceneUpdate feeds received update-stream bytes into the
// scene's decoder and delivers every completed update to the
// consumer. A framing failure is sticky: the stream is torn down and
// the scene reported unavailable — recovery requires a fresh
// subscription.
func (r *Router) HandleSceneUpdate(sceneID scene.ID, data []byte, provider ParticipantID) {
	r.run(func() {
		rs := r.remote[sceneID]
		if rs == nil {
			r.logger.Warn("update for unknown remote scene", "scene", sceneID, "provider", provider)
			return
		}
		if rs.provider != provider {
			r.logger.Warn("update from unexpected provider", "scene", sceneID, "provider", provider, "owner", rs.provider)
			return
		}
		if len(data) == 0 {
			r.logger.Warn("empty scene update dropped", "scene", sceneID, "provider", provider)
			return
		}
		if rs.decoder == nil {
			r.logger.Warn("update for uninitialized scene dropped", "scene", sceneID, "provider", provider)
			return
		}
		consumer := r.consumer
		if consumer == nil {
			r.logger.Warn("update with no consumer attached", "scene", sceneID, "provider", provider)
			return
		}

		result := rs.decoder.Feed(data)
		switch result.State {
		case DecodeEmpty:

		case DecodeFailed:
			r.logger.Error("scene update stream corrupt, tearing down subscription",
				"scene", sceneID, "provider", provider, "error", result.Err)
			rs.decoder = nil
			r.enqueue(func() { consumer.OnSceneUnavailable(sceneID, provider) })

		case DecodeHasData:
			for _, update := range result.Updates {
				update := update
				r.enqueue(func() { consumer.OnSceneUpdate(sceneID, update, provider) })
			}
		}
	})
}

// HandleSubscribeScene adds a subscriber to a locally provided scene.
func (r *Router) HandleSubscribeScene(sceneID scene.ID, consumer ParticipantID) {
	r.run(func() {
		ls := r.local[sceneID]
		if ls == nil {
			r.logger.Warn("subscribe for unknown scene", "scene", sceneID, "participant", consumer)
			return
		}
		ls.logic.addSubscriber(consumer)
	})
}

// HandleUnsubscribeScene removes a subscriber from a locally provided
// scene.
func (r *Router) HandleUnsubscribeScene(sceneID scene.ID, consumer ParticipantID) {
	r.run(func() {
		ls := r.local[sceneID]
		if ls == nil {
			r.logger.Warn("unsubscribe for unknown scene", "scene", sceneID, "participant", consumer)
			return
		}
		ls.logic.removeSubscriber(consumer)
	})
}

// HandleEvent dispatches a received out-of-band event to the consumer
// registered for the scene.
func (r *Router) HandleEvent(sceneID scene.ID, data []byte, from ParticipantID) {
	r.run(func() {
		ls := r.local[sceneID]
		if ls == nil || ls.events == nil {
			r.logger.Warn("event for scene with no registered consumer dropped", "scene", sceneID, "from", from)
			return
		}
		events := ls.events
		payload := data
		r.enqueue(func() {
			if err := dispatchEvent(payload, events, from); err != nil {
				r.logger.Error("dropping malformed event", "scene", sceneID, "from", from, "error", err)
			}
		})
	})
}

func (r *Router) forwardSceneReferenceEvent(event SceneReferenceEvent, from ParticipantID) {
	ls := r.local[event.MasterScene]
	if ls == nil || ls.events == nil {
		r.logger.Warn("scene reference event for scene with no registered consumer dropped",
			"scene", event.MasterScene, "from", from)
		return
	}
	events := ls.events
	r.enqueue(func() { events.HandleSceneReferenceEvent(event, from) })
}

func (r *Router) forwardResourceAvailabilityEvent(event ResourceAvailabilityEvent, from ParticipantID) {
	ls := r.local[event.Scene]
	if ls == nil || ls.events == nil {
		r.logger.Warn("resource availability event for scene with no registered consumer dropped",
			"scene", event.Scene, "from", from)
		return
	}
	events := ls.events
	r.enqueue(func() { events.HandleResourceAvailabilityEvent(event, from) })
}
