// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

// Ramsesd hosts one distribution participant: it serves the transport
// carriers, connects to configured peers, and registers resource
// container files with the content-addressed cache so providers in
// the same process (or remote subscribers, via updates) can reference
// their contents. With --subscribe-all it additionally consumes every
// scene it learns about, logging the update flow.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/QodanaProdSpec/ramses/distribution"
	"github.com/QodanaProdSpec/ramses/lib/resource"
	"github.com/QodanaProdSpec/ramses/lib/version"
	"github.com/QodanaProdSpec/ramses/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flags := pflag.NewFlagSet("ramsesd", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")

	overrides := defaultConfig()
	flags.StringVar(&overrides.ParticipantID, "participant-id", overrides.ParticipantID, "participant identity (UUID, random if empty)")
	flags.Uint32Var(&overrides.FeatureLevel, "feature-level", overrides.FeatureLevel, "protocol capability version to announce")
	flags.StringVar(&overrides.Listen, "listen", overrides.Listen, "TCP listen address (empty disables)")
	flags.StringVar(&overrides.WebSocketListen, "websocket-listen", overrides.WebSocketListen, "HTTP listen address for the WebSocket carrier (empty disables)")
	flags.StringSliceVar(&overrides.Peers, "peer", overrides.Peers, "TCP address of a peer to connect to (repeatable)")
	flags.StringSliceVar(&overrides.WebSocketPeers, "websocket-peer", overrides.WebSocketPeers, "ws:// URL of a peer to connect to (repeatable)")
	flags.StringSliceVar(&overrides.ResourceFiles, "resource-file", overrides.ResourceFiles, "resource container file to register (repeatable)")
	flags.BoolVar(&overrides.SubscribeAll, "subscribe-all", overrides.SubscribeAll, "subscribe to every available scene and log updates")
	flags.StringVar(&overrides.LogLevel, "log-level", overrides.LogLevel, "log level: debug, info, warn, error")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("ramsesd %s\n", version.Info())
		return nil
	}

	config := overrides
	if configPath != "" {
		fileConfig, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		config = mergeFlags(fileConfig, overrides, flags)
	}

	level, err := parseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	localID, err := participantID(config.ParticipantID)
	if err != nil {
		return err
	}
	logger.Info("starting", "participant", localID, "version", version.Info())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache := resource.NewCache(logger)
	fileIndex := resource.NewFileIndex(cache, logger)
	if err := registerResourceFiles(fileIndex, config.ResourceFiles, logger); err != nil {
		return err
	}

	router, err := distribution.NewRouter(distribution.RouterConfig{
		LocalID:      localID,
		FeatureLevel: distribution.FeatureLevel(config.FeatureLevel),
		Resources:    cache,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	node, err := transport.NewNode(transport.NodeConfig{
		LocalID:      localID,
		FeatureLevel: distribution.FeatureLevel(config.FeatureLevel),
		Handler:      router,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	router.SetMessenger(node)

	if config.SubscribeAll {
		router.SetSceneConsumer(&loggingConsumer{router: router, logger: logger})
	}
	router.Connect()

	errs := make(chan error, 2)

	if config.Listen != "" {
		listener, err := transport.ListenTCP(config.Listen, node)
		if err != nil {
			return fmt.Errorf("tcp listen: %w", err)
		}
		logger.Info("tcp carrier listening", "address", listener.Address())
		go func() { errs <- listener.Serve(ctx) }()
	}

	if config.WebSocketListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/ramses", transport.WebSocketHandler(node))
		server := &http.Server{Addr: config.WebSocketListen, Handler: mux}
		logger.Info("websocket carrier listening", "address", config.WebSocketListen)
		go func() {
			<-ctx.Done()
			server.Close()
		}()
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errs <- err
				return
			}
			errs <- nil
		}()
	}

	for _, address := range config.Peers {
		if err := transport.DialTCP(ctx, address, node); err != nil {
			logger.Error("dialing peer failed", "address", address, "error", err)
		}
	}
	for _, url := range config.WebSocketPeers {
		if err := transport.DialWebSocket(ctx, url, node); err != nil {
			logger.Error("dialing websocket peer failed", "url", url, "error", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		if err != nil {
			return err
		}
	}

	router.Disconnect()
	return node.Close()
}

// mergeFlags applies explicitly set flags over the file config.
func mergeFlags(file, flagValues daemonConfig, flags *pflag.FlagSet) daemonConfig {
	merged := file
	apply := map[string]func(){
		"participant-id":   func() { merged.ParticipantID = flagValues.ParticipantID },
		"feature-level":    func() { merged.FeatureLevel = flagValues.FeatureLevel },
		"listen":           func() { merged.Listen = flagValues.Listen },
		"websocket-listen": func() { merged.WebSocketListen = flagValues.WebSocketListen },
		"peer":             func() { merged.Peers = flagValues.Peers },
		"websocket-peer":   func() { merged.WebSocketPeers = flagValues.WebSocketPeers },
		"resource-file":    func() { merged.ResourceFiles = flagValues.ResourceFiles },
		"subscribe-all":    func() { merged.SubscribeAll = flagValues.SubscribeAll },
		"log-level":        func() { merged.LogLevel = flagValues.LogLevel },
	}
	for name, set := range apply {
		if flags.Changed(name) {
			set()
		}
	}
	return merged
}

func parseLogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

func participantID(text string) (distribution.ParticipantID, error) {
	if text == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return distribution.ParticipantID{}, fmt.Errorf("generating participant id: %w", err)
		}
		return id, nil
	}
	id, err := uuid.Parse(text)
	if err != nil {
		return distribution.ParticipantID{}, fmt.Errorf("invalid participant id %q: %w", text, err)
	}
	return id, nil
}

// registerResourceFiles opens each container and registers it with
// the file index. Files stay open for the daemon's lifetime; their
// payloads load lazily when a scene references them.
func registerResourceFiles(fileIndex *resource.FileIndex, paths []string, logger *slog.Logger) error {
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening resource file: %w", err)
		}
		toc, payloadBase, err := resource.ReadTableOfContents(file)
		if err != nil {
			file.Close()
			return fmt.Errorf("reading %s: %w", path, err)
		}
		handle := fileIndex.RegisterFile(file, toc, payloadBase)
		logger.Info("registered resource file", "path", path, "handle", handle, "resources", len(toc))
	}
	return nil
}
