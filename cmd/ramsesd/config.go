// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// daemonConfig is the YAML configuration file format. Every field has
// a matching command-line flag; flags given explicitly override the
// file.
type daemonConfig struct {
	// ParticipantID is this node's identity, a UUID string. A random
	// identity is generated when empty.
	ParticipantID string `yaml:"participant-id"`

	// FeatureLevel is the protocol capability version to announce.
	FeatureLevel uint32 `yaml:"feature-level"`

	// Listen is the TCP address to accept participant connections on.
	// Empty disables the TCP listener.
	Listen string `yaml:"listen"`

	// WebSocketListen is the HTTP address serving the WebSocket
	// carrier at /ramses. Empty disables it.
	WebSocketListen string `yaml:"websocket-listen"`

	// Peers are TCP addresses of participants to connect to at
	// startup.
	Peers []string `yaml:"peers"`

	// WebSocketPeers are ws:// URLs of participants to connect to at
	// startup.
	WebSocketPeers []string `yaml:"websocket-peers"`

	// ResourceFiles are resource container files registered with the
	// cache at startup. Their payloads load lazily on demand.
	ResourceFiles []string `yaml:"resource-files"`

	// SubscribeAll makes the daemon subscribe to every scene that
	// becomes available and log its updates. Useful for soak testing
	// a provider.
	SubscribeAll bool `yaml:"subscribe-all"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log-level"`
}

func defaultConfig() daemonConfig {
	return daemonConfig{
		FeatureLevel: 1,
		Listen:       ":7291",
		LogLevel:     "info",
	}
}

// loadConfig reads and decodes a YAML config file over the defaults.
func loadConfig(path string) (daemonConfig, error) {
	config := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return config, fmt.Errorf("parsing %s: %w", path, err)
	}
	return config, nil
}
