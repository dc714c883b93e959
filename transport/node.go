// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/QodanaProdSpec/ramses/distribution"
	"github.com/QodanaProdSpec/ramses/lib/codec"
	"github.com/QodanaProdSpec/ramses/lib/netutil"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// ErrUnknownParticipant is returned when a send addresses a
// participant with no live connection.
var ErrUnknownParticipant = errors.New("transport: participant not connected")

// link is one established connection to a peer, already stripped down
// to frame granularity. TCP and WebSocket carriers both produce links.
type link interface {
	readFrame() (byte, []byte, error)
	writeFrame(kind byte, payload []byte) error
	Close() error
	remoteAddr() string
}

// peer is a handshaken link. writes are serialized per peer so
// concurrent router goroutines cannot interleave frames.
type peer struct {
	id      distribution.ParticipantID
	link    link
	writeMu sync.Mutex
}

func (p *peer) send(kind byte, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.link.writeFrame(kind, payload)
}

// NodeConfig configures a transport node.
type NodeConfig struct {
	// LocalID identifies this process in hellos.
	LocalID distribution.ParticipantID

	// FeatureLevel is announced in hellos. It is informational at the
	// transport layer; the distribution layer enforces it per scene.
	FeatureLevel distribution.FeatureLevel

	// Handler receives all inbound traffic and connectivity changes.
	// Required.
	Handler distribution.Handler

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Node is the participant mesh: it tracks one live connection per
// remote participant, delivers inbound frames to the distribution
// handler, and implements the outbound Messenger interface. Carriers
// (TCP, WebSocket) feed it established connections.
type Node struct {
	localID      distribution.ParticipantID
	featureLevel distribution.FeatureLevel
	handler      distribution.Handler
	logger       *slog.Logger

	mu     sync.Mutex
	peers  map[distribution.ParticipantID]*peer
	closed bool
	wg     sync.WaitGroup
}

var _ distribution.Messenger = (*Node)(nil)

// NewNode creates a node with no connections.
func NewNode(config NodeConfig) (*Node, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("transport: NodeConfig.Handler is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		localID:      config.LocalID,
		featureLevel: config.FeatureLevel,
		handler:      config.Handler,
		logger:       logger,
		peers:        make(map[distribution.ParticipantID]*peer),
	}, nil
}

// LocalID returns the identity announced in hellos.
func (n *Node) LocalID() distribution.ParticipantID { return n.localID }

// Peers returns the participants with a live connection.
func (n *Node) Peers() []distribution.ParticipantID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]distribution.ParticipantID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close drops every connection and rejects future ones. It returns
// after all read loops have exited, so the handler sees a disconnect
// for every peer before Close returns.
func (n *Node) Close() error {
	n.mu.Lock()
	n.closed = true
	links := make([]link, 0, len(n.peers))
	for _, p := range n.peers {
		links = append(links, p.link)
	}
	n.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
	n.wg.Wait()
	return nil
}

// runLink performs the hello handshake on a fresh connection and, on
// success, pumps its frames into the handler until it fails or the
// node closes. The initiator writes its hello first; the acceptor
// answers. Blocks for the life of the connection.
func (n *Node) runLink(l link, initiator bool) {
	remote, err := n.handshake(l, initiator)
	if err != nil {
		n.logger.Warn("transport handshake failed", "remote", l.remoteAddr(), "error", err)
		l.Close()
		return
	}

	p := &peer{id: remote.ID, link: l}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		l.Close()
		return
	}
	if _, dup := n.peers[remote.ID]; dup {
		n.mu.Unlock()
		n.logger.Warn("duplicate connection from participant, dropping", "participant", remote.ID)
		l.Close()
		return
	}
	n.peers[remote.ID] = p
	n.wg.Add(1)
	n.mu.Unlock()

	n.logger.Info("participant connected",
		"participant", remote.ID, "level", remote.Level, "remote", l.remoteAddr())
	n.handler.ParticipantConnected(remote.ID)

	defer func() {
		l.Close()
		n.mu.Lock()
		if n.peers[remote.ID] == p {
			delete(n.peers, remote.ID)
		}
		n.mu.Unlock()
		n.logger.Info("participant disconnected", "participant", remote.ID)
		n.handler.ParticipantDisconnected(remote.ID)
		n.wg.Done()
	}()

	for {
		kind, payload, err := l.readFrame()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				n.logger.Warn("link read failed", "participant", remote.ID, "error", err)
			}
			return
		}
		if err := n.dispatch(remote.ID, kind, payload); err != nil {
			n.logger.Error("dropping malformed frame",
				"participant", remote.ID, "kind", fmt.Sprintf("0x%02x", kind), "error", err)
		}
	}
}

func (n *Node) handshake(l link, initiator bool) (hello, error) {
	ours := hello{ID: n.localID, Level: n.featureLevel}
	payload, err := codec.Marshal(ours)
	if err != nil {
		return hello{}, err
	}

	if initiator {
		if err := l.writeFrame(msgHello, payload); err != nil {
			return hello{}, err
		}
	}
	kind, data, err := l.readFrame()
	if err != nil {
		return hello{}, err
	}
	if kind != msgHello {
		return hello{}, fmt.Errorf("expected hello, got message 0x%02x", kind)
	}
	var theirs hello
	if err := codec.Unmarshal(data, &theirs); err != nil {
		return hello{}, fmt.Errorf("decoding hello: %w", err)
	}
	if theirs.ID == n.localID {
		return hello{}, errors.New("connection to self")
	}
	if !initiator {
		if err := l.writeFrame(msgHello, payload); err != nil {
			return hello{}, err
		}
	}
	return theirs, nil
}

// dispatch decodes one inbound frame and hands it to the handler.
func (n *Node) dispatch(from distribution.ParticipantID, kind byte, payload []byte) error {
	switch kind {
	case msgScenesAvailable:
		var msg scenesAvailable
		if err := codec.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding scenes available: %w", err)
		}
		n.handler.HandleScenesAvailable(msg.Infos, from, msg.Level)

	case msgScenesUnavailable:
		var msg scenesUnavailable
		if err := codec.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding scenes unavailable: %w", err)
		}
		n.handler.HandleScenesUnavailable(msg.Infos, from)

	case msgInitializeScene:
		var msg sceneNotice
		if err := codec.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding initialize scene: %w", err)
		}
		n.handler.HandleInitializeScene(msg.Scene, from)

	case msgSubscribeScene:
		var msg sceneNotice
		if err := codec.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding subscribe scene: %w", err)
		}
		n.handler.HandleSubscribeScene(msg.Scene, from)

	case msgUnsubscribeScene:
		var msg sceneNotice
		if err := codec.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding unsubscribe scene: %w", err)
		}
		n.handler.HandleUnsubscribeScene(msg.Scene, from)

	case msgSceneUpdate:
		sceneID, data, err := splitSceneData(payload)
		if err != nil {
			return err
		}
		n.handler.HandleSceneUpdate(sceneID, data, from)

	case msgEvent:
		sceneID, data, err := splitSceneData(payload)
		if err != nil {
			return err
		}
		n.handler.HandleEvent(sceneID, data, from)

	default:
		return fmt.Errorf("unknown message type 0x%02x", kind)
	}
	return nil
}

func (n *Node) peerFor(to distribution.ParticipantID) (*peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.peers[to]
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, to)
	}
	return p, nil
}

func (n *Node) sendControl(to distribution.ParticipantID, kind byte, value any) error {
	p, err := n.peerFor(to)
	if err != nil {
		return err
	}
	payload, kind, err := writeControl(kind, value)
	if err != nil {
		return err
	}
	return p.send(kind, payload)
}

// broadcastControl sends to every connected peer, returning the first
// error after attempting all of them.
func (n *Node) broadcastControl(kind byte, value any) error {
	payload, kind, err := writeControl(kind, value)
	if err != nil {
		return err
	}
	n.mu.Lock()
	targets := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		targets = append(targets, p)
	}
	n.mu.Unlock()

	var firstErr error
	for _, p := range targets {
		if err := p.send(kind, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- distribution.Messenger ---

func (n *Node) SendScenesAvailable(to distribution.ParticipantID, infos []scene.Info, level distribution.FeatureLevel) error {
	return n.sendControl(to, msgScenesAvailable, scenesAvailable{Infos: infos, Level: level})
}

func (n *Node) BroadcastScenesAvailable(infos []scene.Info, level distribution.FeatureLevel) error {
	return n.broadcastControl(msgScenesAvailable, scenesAvailable{Infos: infos, Level: level})
}

func (n *Node) BroadcastScenesUnavailable(infos []scene.Info) error {
	return n.broadcastControl(msgScenesUnavailable, scenesUnavailable{Infos: infos})
}

func (n *Node) SendScenesUnavailable(to distribution.ParticipantID, infos []scene.Info) error {
	return n.sendControl(to, msgScenesUnavailable, scenesUnavailable{Infos: infos})
}

func (n *Node) SendInitializeScene(to distribution.ParticipantID, sceneID scene.ID) error {
	return n.sendControl(to, msgInitializeScene, sceneNotice{Scene: sceneID})
}

func (n *Node) SendSubscribeScene(to distribution.ParticipantID, sceneID scene.ID) error {
	return n.sendControl(to, msgSubscribeScene, sceneNotice{Scene: sceneID})
}

func (n *Node) SendUnsubscribeScene(to distribution.ParticipantID, sceneID scene.ID) error {
	return n.sendControl(to, msgUnsubscribeScene, sceneNotice{Scene: sceneID})
}

func (n *Node) SendSceneUpdate(to distribution.ParticipantID, sceneID scene.ID, data []byte) error {
	p, err := n.peerFor(to)
	if err != nil {
		return err
	}
	return p.send(msgSceneUpdate, sceneDataPayload(sceneID, data))
}

func (n *Node) SendEvent(to distribution.ParticipantID, sceneID scene.ID, data []byte) error {
	p, err := n.peerFor(to)
	if err != nil {
		return err
	}
	return p.send(msgEvent, sceneDataPayload(sceneID, data))
}
