// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"log/slog"

	"github.com/QodanaProdSpec/ramses/lib/resource"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// directLogic replicates by reading the live scene directly. Snapshots
// for newly active subscribers can only be taken at a flush boundary
// (the live scene is mid-mutation between flushes), so subscribers
// wait in pending until the next flush. This variant avoids the
// memory cost of a replica and suits scenes consumed in-process.
type directLogic struct {
	logicBase
}

func newDirectLogic(sender updateSender, cache *resource.Cache, live *scene.Scene, name string, localID ParticipantID, logger *slog.Logger) *directLogic {
	return &directLogic{logicBase: newLogicBase(sender, cache, live, name, localID, logger)}
}

func (l *directLogic) addSubscriber(participant ParticipantID) {
	if !l.admitSubscriber(participant) {
		return
	}
	// Activation is deferred: the live scene is only consistent at
	// flush boundaries.
	l.pending = append(l.pending, participant)
}

func (l *directLogic) flush(info scene.FlushInfo) error {
	actions := l.live.TakePending()
	current := l.live.ResourceHashes()
	l.syncUsages(current)

	l.flushActive(actions, current, info)

	// Pending subscribers transition to active now, each receiving
	// the complete scene state exactly once as its baseline.
	waiting := l.pending
	l.pending = nil
	for _, participant := range waiting {
		l.activateSubscriber(participant, l.live, current, info)
	}
	return nil
}
