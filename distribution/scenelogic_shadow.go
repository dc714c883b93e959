// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"fmt"
	"log/slog"

	"github.com/QodanaProdSpec/ramses/lib/resource"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// shadowLogic replicates through a replica of the scene that is
// patched with the flushed actions of each flush. The replica always
// holds the last consistent (flushed) state, so a new subscriber can
// be activated immediately with a snapshot read from it — no waiting
// for the producer's next flush, and no reads of the live scene while
// the producer is mid-mutation.
//
// The replica starts empty and converges purely through the action
// stream: every mutation to the live scene is still in its pending
// log when the scene is registered, and reaches the replica at the
// next flush.
type shadowLogic struct {
	logicBase
	shadow *scene.Scene
}

func newShadowLogic(sender updateSender, cache *resource.Cache, live *scene.Scene, name string, localID ParticipantID, logger *slog.Logger) *shadowLogic {
	return &shadowLogic{
		logicBase: newLogicBase(sender, cache, live, name, localID, logger),
		shadow:    scene.New(live.ID()),
	}
}

func (l *shadowLogic) addSubscriber(participant ParticipantID) {
	if !l.admitSubscriber(participant) {
		return
	}
	current := l.shadow.ResourceHashes()
	l.syncUsages(current)
	l.activateSubscriber(participant, l.shadow, current, l.lastFlush)
}

func (l *shadowLogic) flush(info scene.FlushInfo) error {
	actions := l.live.TakePending()
	if err := l.shadow.ApplyFlushed(actions); err != nil {
		return fmt.Errorf("distribution: patching shadow copy of %s: %w", l.live.ID(), err)
	}
	current := l.shadow.ResourceHashes()
	l.syncUsages(current)

	l.flushActive(actions, current, info)
	return nil
}
