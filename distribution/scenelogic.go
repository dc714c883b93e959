// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"log/slog"
	"slices"

	"github.com/QodanaProdSpec/ramses/lib/resource"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// sceneLogic is the per-scene replication state machine. Two variants
// exist, selected at scene creation: directLogic reads the live scene
// when producing snapshots, shadowLogic patches a replica at each
// flush and can serve snapshots from it at any time.
//
// All methods run under the router's protocol lock; implementations
// hold no locks of their own.
type sceneLogic interface {
	publish(mode scene.PublicationMode)
	unpublish()
	flush(info scene.FlushInfo) error
	addSubscriber(participant ParticipantID)
	removeSubscriber(participant ParticipantID)
	allSubscribers() []ParticipantID
}

// updateSender is the narrow callback interface through which scene
// logics reach the router. It is all a logic ever sees of it — the
// router owns logics outright, never the other way around.
type updateSender interface {
	sendPublishScene(info scene.Info)
	sendUnpublishScene(info scene.Info)
	sendCreateScene(to ParticipantID, info scene.Info)
	sendSceneUpdate(to []ParticipantID, update SceneUpdate, sceneID scene.ID)
}

// logicBase carries the state shared by both replication variants:
// publication state, the subscriber sets, per-subscriber resource
// baselines, and the hash usages pinning referenced resources.
type logicBase struct {
	sender  updateSender
	cache   *resource.Cache
	logger  *slog.Logger
	live    *scene.Scene
	name    string
	localID ParticipantID

	mode        scene.PublicationMode
	isPublished bool

	// pending holds subscribers awaiting their first full snapshot;
	// active maps each snapshot-initialized subscriber to its
	// resource-set baseline (the hash set as of the last update it
	// was sent). A participant is in at most one of the two.
	pending []ParticipantID
	active  map[ParticipantID][]resource.Hash

	// usages pin the identity of every hash the replicated state
	// currently references, so the cache can tell "payload unused"
	// from "identity still referenced".
	usages map[resource.Hash]*resource.HashUsage

	lastFlush scene.FlushInfo
}

func newLogicBase(sender updateSender, cache *resource.Cache, live *scene.Scene, name string, localID ParticipantID, logger *slog.Logger) logicBase {
	return logicBase{
		sender:  sender,
		cache:   cache,
		logger:  logger,
		live:    live,
		name:    name,
		localID: localID,
		active:  make(map[ParticipantID][]resource.Hash),
		usages:  make(map[resource.Hash]*resource.HashUsage),
	}
}

func (b *logicBase) info() scene.Info {
	return scene.Info{ID: b.live.ID(), Name: b.name, Mode: b.mode}
}

func (b *logicBase) publish(mode scene.PublicationMode) {
	b.mode = mode
	b.isPublished = true
	b.sender.sendPublishScene(b.info())
}

func (b *logicBase) unpublish() {
	info := b.info()
	b.isPublished = false
	b.pending = nil
	b.active = make(map[ParticipantID][]resource.Hash)
	for _, usage := range b.usages {
		usage.Release()
	}
	b.usages = make(map[resource.Hash]*resource.HashUsage)
	b.sender.sendUnpublishScene(info)
}

// admitSubscriber validates a subscribe request. It rejects remote
// subscribers on LocalOnly scenes and duplicate subscriptions; both
// are semantic mismatches that affect only this request.
func (b *logicBase) admitSubscriber(participant ParticipantID) bool {
	if !b.isPublished {
		b.logger.Warn("subscribe to unpublished scene ignored", "scene", b.live.ID(), "participant", participant)
		return false
	}
	if b.mode == scene.PublishLocalOnly && participant != b.localID {
		b.logger.Warn("remote subscribe to local-only scene rejected", "scene", b.live.ID(), "participant", participant)
		return false
	}
	if _, isActive := b.active[participant]; isActive || slices.Contains(b.pending, participant) {
		b.logger.Warn("duplicate subscribe ignored", "scene", b.live.ID(), "participant", participant)
		return false
	}
	return true
}

func (b *logicBase) removeSubscriber(participant ParticipantID) {
	if index := slices.Index(b.pending, participant); index >= 0 {
		b.pending = slices.Delete(b.pending, index, index+1)
		return
	}
	delete(b.active, participant)
}

func (b *logicBase) allSubscribers() []ParticipantID {
	subscribers := slices.Clone(b.pending)
	for participant := range b.active {
		subscribers = append(subscribers, participant)
	}
	return subscribers
}

// syncUsages reconciles the held hash usages with the hash set the
// replicated state references now. current must be sorted.
func (b *logicBase) syncUsages(current []resource.Hash) {
	keep := make(map[resource.Hash]struct{}, len(current))
	for _, hash := range current {
		keep[hash] = struct{}{}
		if _, held := b.usages[hash]; !held {
			b.usages[hash] = b.cache.HashUsage(hash)
		}
	}
	for hash, usage := range b.usages {
		if _, still := keep[hash]; !still {
			usage.Release()
			delete(b.usages, hash)
		}
	}
}

// resolveResources fetches the payloads for the given hashes from the
// cache (memory or file). Unresolvable hashes are logged and skipped;
// a partial resource list is better than no update. The returned
// release function must be called after the update has been handed
// off.
func (b *logicBase) resolveResources(hashes []resource.Hash) ([]*resource.Resource, func()) {
	if len(hashes) == 0 {
		return nil, func() {}
	}
	handles, failed := b.cache.Resolve(hashes)
	if len(failed) > 0 {
		b.logger.Error("failed to resolve resources for update", "scene", b.live.ID(), "failed", len(failed))
	}
	resources := make([]*resource.Resource, len(handles))
	for i, handle := range handles {
		resources[i] = handle.Resource()
	}
	return resources, func() {
		for _, handle := range handles {
			handle.Release()
		}
	}
}

// flushActive sends the incremental change-set of one flush to every
// active subscriber. Subscribers whose baselines are identical share
// one update (and therefore one encode on the network path); current
// must be sorted. Baselines advance to current.
func (b *logicBase) flushActive(actions []scene.Action, current []resource.Hash, info scene.FlushInfo) {
	type group struct {
		baseline []resource.Hash
		to       []ParticipantID
	}
	var groups []group
	for participant, baseline := range b.active {
		matched := false
		for i := range groups {
			if slices.Equal(groups[i].baseline, baseline) {
				groups[i].to = append(groups[i].to, participant)
				matched = true
				break
			}
		}
		if !matched {
			groups = append(groups, group{baseline: baseline, to: []ParticipantID{participant}})
		}
	}

	for _, g := range groups {
		added, _ := scene.DiffHashes(g.baseline, current)
		resources, release := b.resolveResources(added)
		b.sender.sendSceneUpdate(g.to, SceneUpdate{
			Actions:   actions,
			Resources: resources,
			Flush:     info,
		}, b.live.ID())
		release()
	}

	for participant := range b.active {
		b.active[participant] = current
	}
	b.lastFlush = info
}

// activateSubscriber produces the one-time full snapshot establishing
// a subscriber's baseline: an initialize notice, then a complete
// state update (snapshot actions plus the full referenced resource
// set). from is the scene the snapshot is read from (live or shadow);
// current must be its sorted hash set.
func (b *logicBase) activateSubscriber(participant ParticipantID, from *scene.Scene, current []resource.Hash, info scene.FlushInfo) {
	b.sender.sendCreateScene(participant, b.info())

	resources, release := b.resolveResources(current)
	b.sender.sendSceneUpdate([]ParticipantID{participant}, SceneUpdate{
		Actions:   from.SnapshotActions(),
		Resources: resources,
		Flush:     info,
	}, b.live.ID())
	release()

	b.active[participant] = current
}
