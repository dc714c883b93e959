// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/QodanaProdSpec/ramses/distribution"
	"github.com/QodanaProdSpec/ramses/lib/scene"
	"github.com/QodanaProdSpec/ramses/lib/testutil"
)

const testTimeout = 5 * time.Second

// handlerEvent is one inbound dispatch observed by chanHandler.
type handlerEvent struct {
	kind    string
	infos   []scene.Info
	level   distribution.FeatureLevel
	sceneID scene.ID
	data    []byte
	from    distribution.ParticipantID
}

// chanHandler funnels every Handler callback into one channel so tests
// can assert on inbound traffic with timeouts.
type chanHandler struct {
	events chan handlerEvent
}

func newChanHandler() *chanHandler {
	return &chanHandler{events: make(chan handlerEvent, 32)}
}

func (h *chanHandler) HandleScenesAvailable(infos []scene.Info, provider distribution.ParticipantID, level distribution.FeatureLevel) {
	h.events <- handlerEvent{kind: "available", infos: infos, from: provider, level: level}
}

func (h *chanHandler) HandleScenesUnavailable(infos []scene.Info, provider distribution.ParticipantID) {
	h.events <- handlerEvent{kind: "unavailable", infos: infos, from: provider}
}

func (h *chanHandler) HandleInitializeScene(sceneID scene.ID, provider distribution.ParticipantID) {
	h.events <- handlerEvent{kind: "initialize", sceneID: sceneID, from: provider}
}

func (h *chanHandler) HandleSceneUpdate(sceneID scene.ID, data []byte, provider distribution.ParticipantID) {
	h.events <- handlerEvent{kind: "update", sceneID: sceneID, data: data, from: provider}
}

func (h *chanHandler) HandleSubscribeScene(sceneID scene.ID, consumer distribution.ParticipantID) {
	h.events <- handlerEvent{kind: "subscribe", sceneID: sceneID, from: consumer}
}

func (h *chanHandler) HandleUnsubscribeScene(sceneID scene.ID, consumer distribution.ParticipantID) {
	h.events <- handlerEvent{kind: "unsubscribe", sceneID: sceneID, from: consumer}
}

func (h *chanHandler) HandleEvent(sceneID scene.ID, data []byte, from distribution.ParticipantID) {
	h.events <- handlerEvent{kind: "event", sceneID: sceneID, data: data, from: from}
}

func (h *chanHandler) ParticipantConnected(participant distribution.ParticipantID) {
	h.events <- handlerEvent{kind: "connected", from: participant}
}

func (h *chanHandler) ParticipantDisconnected(participant distribution.ParticipantID) {
	h.events <- handlerEvent{kind: "disconnected", from: participant}
}

func (h *chanHandler) expect(t *testing.T, kind string) handlerEvent {
	t.Helper()
	event := testutil.RequireReceive(t, h.events, testTimeout, "waiting for %s", kind)
	if event.kind != kind {
		t.Fatalf("received %q event, want %q", event.kind, kind)
	}
	return event
}

func newTestNode(t *testing.T, id distribution.ParticipantID, handler distribution.Handler) *Node {
	t.Helper()
	node, err := NewNode(NodeConfig{
		LocalID:      id,
		FeatureLevel: 1,
		Handler:      handler,
	})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	return node
}

// startTCPPair connects two nodes over a real TCP listener and waits
// for both sides to complete the handshake.
func startTCPPair(t *testing.T, idA, idB distribution.ParticipantID) (*Node, *Node, *chanHandler, *chanHandler) {
	t.Helper()
	handlerA := newChanHandler()
	handlerB := newChanHandler()
	nodeA := newTestNode(t, idA, handlerA)
	nodeB := newTestNode(t, idB, handlerB)

	listener, err := ListenTCP("127.0.0.1:0", nodeA)
	if err != nil {
		t.Fatalf("ListenTCP failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := listener.Serve(ctx); err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	}()
	t.Cleanup(func() {
		nodeB.Close()
		nodeA.Close()
		cancel()
		testutil.RequireClosed(t, serveDone, testTimeout, "listener shutdown")
	})

	if err := DialTCP(ctx, listener.Address(), nodeB); err != nil {
		t.Fatalf("DialTCP failed: %v", err)
	}

	if got := handlerA.expect(t, "connected").from; got != idB {
		t.Fatalf("node A connected to %s, want %s", got, idB)
	}
	if got := handlerB.expect(t, "connected").from; got != idA {
		t.Fatalf("node B connected to %s, want %s", got, idA)
	}
	return nodeA, nodeB, handlerA, handlerB
}

var (
	nodeIDA = uuid.MustParse("0a0a0a0a-0000-0000-0000-000000000001")
	nodeIDB = uuid.MustParse("0b0b0b0b-0000-0000-0000-000000000002")
)

func TestTCPControlMessages(t *testing.T) {
	nodeA, nodeB, handlerA, handlerB := startTCPPair(t, nodeIDA, nodeIDB)

	infos := []scene.Info{{ID: 1, Name: "demo", Mode: scene.PublishLocalAndRemote}}
	if err := nodeA.BroadcastScenesAvailable(infos, 1); err != nil {
		t.Fatalf("BroadcastScenesAvailable failed: %v", err)
	}
	event := handlerB.expect(t, "available")
	if len(event.infos) != 1 || event.infos[0].Name != "demo" || event.level != 1 {
		t.Errorf("available = %+v", event)
	}
	if event.from != nodeIDA {
		t.Errorf("provider = %s, want %s", event.from, nodeIDA)
	}

	if err := nodeB.SendSubscribeScene(nodeIDA, 1); err != nil {
		t.Fatalf("SendSubscribeScene failed: %v", err)
	}
	if got := handlerA.expect(t, "subscribe"); got.sceneID != 1 || got.from != nodeIDB {
		t.Errorf("subscribe = %+v", got)
	}

	if err := nodeA.SendInitializeScene(nodeIDB, 1); err != nil {
		t.Fatalf("SendInitializeScene failed: %v", err)
	}
	if got := handlerB.expect(t, "initialize"); got.sceneID != 1 {
		t.Errorf("initialize = %+v", got)
	}

	if err := nodeB.SendUnsubscribeScene(nodeIDA, 1); err != nil {
		t.Fatalf("SendUnsubscribeScene failed: %v", err)
	}
	if got := handlerA.expect(t, "unsubscribe"); got.sceneID != 1 {
		t.Errorf("unsubscribe = %+v", got)
	}

	if err := nodeA.BroadcastScenesUnavailable(infos); err != nil {
		t.Fatalf("BroadcastScenesUnavailable failed: %v", err)
	}
	handlerB.expect(t, "unavailable")
}

func TestTCPOpaquePayloads(t *testing.T) {
	nodeA, _, _, handlerB := startTCPPair(t, nodeIDA, nodeIDB)

	update := []byte{0x01, 0x00, 0x00, 0x00, 0x02, 0xca, 0xfe}
	if err := nodeA.SendSceneUpdate(nodeIDB, 7, update); err != nil {
		t.Fatalf("SendSceneUpdate failed: %v", err)
	}
	got := handlerB.expect(t, "update")
	if got.sceneID != 7 {
		t.Errorf("update scene = %s, want scene-7", got.sceneID)
	}
	if !bytes.Equal(got.data, update) {
		t.Errorf("update bytes = %x, want %x", got.data, update)
	}

	event := []byte("opaque event payload")
	if err := nodeA.SendEvent(nodeIDB, 7, event); err != nil {
		t.Fatalf("SendEvent failed: %v", err)
	}
	if got := handlerB.expect(t, "event"); !bytes.Equal(got.data, event) {
		t.Errorf("event bytes = %q, want %q", got.data, event)
	}
}

func TestTCPDisconnectSignalsHandler(t *testing.T) {
	_, nodeB, handlerA, handlerB := startTCPPair(t, nodeIDA, nodeIDB)

	nodeB.Close()
	if got := handlerA.expect(t, "disconnected").from; got != nodeIDB {
		t.Errorf("node A saw %s disconnect, want %s", got, nodeIDB)
	}
	if got := handlerB.expect(t, "disconnected").from; got != nodeIDA {
		t.Errorf("node B saw %s disconnect, want %s", got, nodeIDA)
	}
}

func TestSendToUnknownParticipantFails(t *testing.T) {
	node := newTestNode(t, nodeIDA, newChanHandler())
	err := node.SendInitializeScene(nodeIDB, 1)
	if err == nil {
		t.Fatal("send to unconnected participant should fail")
	}
}

func TestSelfConnectionIsRejected(t *testing.T) {
	handler := newChanHandler()
	node := newTestNode(t, nodeIDA, handler)

	listener, err := ListenTCP("127.0.0.1:0", node)
	if err != nil {
		t.Fatalf("ListenTCP failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx)
	defer listener.Close()

	if err := DialTCP(ctx, listener.Address(), node); err != nil {
		t.Fatalf("DialTCP failed: %v", err)
	}

	// The handshake must refuse the loop; no connected event may fire.
	select {
	case event := <-handler.events:
		t.Fatalf("unexpected %q event from self-connection", event.kind)
	case <-time.After(200 * time.Millisecond):
	}
	if len(node.Peers()) != 0 {
		t.Errorf("self-connection registered as peer")
	}
}

func TestWebSocketCarrier(t *testing.T) {
	handlerA := newChanHandler()
	handlerB := newChanHandler()
	nodeA := newTestNode(t, nodeIDA, handlerA)
	nodeB := newTestNode(t, nodeIDB, handlerB)

	server := httptest.NewServer(WebSocketHandler(nodeA))
	defer server.Close()
	t.Cleanup(func() {
		nodeB.Close()
		nodeA.Close()
	})

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	if err := DialWebSocket(context.Background(), url, nodeB); err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}
	handlerA.expect(t, "connected")
	handlerB.expect(t, "connected")

	update := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := nodeB.SendSceneUpdate(nodeIDA, 3, update); err != nil {
		t.Fatalf("SendSceneUpdate over websocket failed: %v", err)
	}
	got := handlerA.expect(t, "update")
	if got.sceneID != 3 || !bytes.Equal(got.data, update) {
		t.Errorf("websocket update = %+v", got)
	}
}

func TestFramePayloadLimit(t *testing.T) {
	var buffer bytes.Buffer
	if err := writeFrame(&buffer, msgSceneUpdate, make([]byte, 16)); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}
	kind, payload, err := readFrame(&buffer)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if kind != msgSceneUpdate || len(payload) != 16 {
		t.Errorf("frame round trip gave kind 0x%02x, %d bytes", kind, len(payload))
	}

	// An oversized declared length is rejected before allocation.
	header := []byte{msgSceneUpdate, 0xff, 0xff, 0xff, 0xff}
	if _, _, err := readFrame(bytes.NewReader(header)); err == nil {
		t.Error("oversized frame length should be rejected")
	}
}
