// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/QodanaProdSpec/ramses/distribution"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// loggingConsumer subscribes to every scene it learns about and logs
// the resulting update flow. It exists for soak testing providers
// without standing up a renderer.
type loggingConsumer struct {
	router *distribution.Router
	logger *slog.Logger
}

var _ distribution.SceneConsumer = (*loggingConsumer)(nil)

func (c *loggingConsumer) OnSceneAvailable(info scene.Info, provider distribution.ParticipantID) {
	c.logger.Info("scene available", "scene", info.ID, "name", info.Name, "provider", provider)
	c.router.Subscribe(provider, info.ID)
}

func (c *loggingConsumer) OnSceneUnavailable(sceneID scene.ID, provider distribution.ParticipantID) {
	c.logger.Info("scene unavailable", "scene", sceneID, "provider", provider)
}

func (c *loggingConsumer) OnSceneInitialized(info scene.Info, provider distribution.ParticipantID) {
	c.logger.Info("scene initialized", "scene", info.ID, "provider", provider)
}

func (c *loggingConsumer) OnSceneUpdate(sceneID scene.ID, update distribution.SceneUpdate, provider distribution.ParticipantID) {
	c.logger.Info("scene update",
		"scene", sceneID,
		"actions", len(update.Actions),
		"resources", len(update.Resources),
		"version", update.Flush.Version)
}
