// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries distribution traffic between participants.
// It speaks a small framed message protocol: every frame is a one-byte
// message type, a four-byte big-endian payload length, and the payload.
// Control payloads are CBOR; scene-update and event payloads carry the
// scene id followed by opaque bytes the distribution layer produced.
//
// Two interchangeable carriers are provided: raw TCP connections and
// WebSocket connections for deployments that must traverse HTTP
// infrastructure. Both hand completed frames to the same Node.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/QodanaProdSpec/ramses/distribution"
	"github.com/QodanaProdSpec/ramses/lib/codec"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// Message types on the wire.
const (
	msgHello             byte = 0x00
	msgScenesAvailable   byte = 0x01
	msgScenesUnavailable byte = 0x02
	msgInitializeScene   byte = 0x03
	msgSubscribeScene    byte = 0x04
	msgUnsubscribeScene  byte = 0x05
	msgSceneUpdate       byte = 0x06
	msgEvent             byte = 0x07
)

const frameHeaderLength = 5

// maxFramePayload bounds a single frame. Update-stream chunks are
// bounded well below this by the stream codec's own record limit.
const maxFramePayload = 512 << 20

// sceneIDLength prefixes scene-update and event payloads.
const sceneIDLength = 8

// hello opens every connection, in both directions, before any other
// traffic. A connection whose first frame is not a hello is dropped.
type hello struct {
	ID    distribution.ParticipantID `cbor:"1,keyasint"`
	Level distribution.FeatureLevel  `cbor:"2,keyasint"`
}

// scenesAvailable carries publication announcements. The feature level
// is repeated per message so a receiver can reject scene-by-scene
// without tracking per-connection negotiation state.
type scenesAvailable struct {
	Infos []scene.Info              `cbor:"1,keyasint"`
	Level distribution.FeatureLevel `cbor:"2,keyasint"`
}

type scenesUnavailable struct {
	Infos []scene.Info `cbor:"1,keyasint"`
}

// sceneNotice addresses a single scene: initialize, subscribe and
// unsubscribe all carry exactly this.
type sceneNotice struct {
	Scene scene.ID `cbor:"1,keyasint"`
}

// writeFrame writes one protocol frame.
func writeFrame(w io.Writer, kind byte, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("transport: frame payload %d exceeds limit", len(payload))
	}
	header := make([]byte, frameHeaderLength, frameHeaderLength+len(payload))
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	_, err := w.Write(append(header, payload...))
	return err
}

// readFrame reads one protocol frame.
func readFrame(r io.Reader) (byte, []byte, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFramePayload {
		return 0, nil, fmt.Errorf("transport: frame payload %d exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

// writeControl CBOR-encodes a control value into a frame payload.
func writeControl(kind byte, value any) ([]byte, byte, error) {
	payload, err := codec.Marshal(value)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: encoding control message 0x%02x: %w", kind, err)
	}
	return payload, kind, nil
}

// sceneDataPayload prefixes opaque scene-scoped bytes with the scene id.
func sceneDataPayload(sceneID scene.ID, data []byte) []byte {
	payload := make([]byte, sceneIDLength+len(data))
	binary.BigEndian.PutUint64(payload, uint64(sceneID))
	copy(payload[sceneIDLength:], data)
	return payload
}

// splitSceneData inverts sceneDataPayload.
func splitSceneData(payload []byte) (scene.ID, []byte, error) {
	if len(payload) < sceneIDLength {
		return 0, nil, fmt.Errorf("transport: scene data payload truncated at %d bytes", len(payload))
	}
	return scene.ID(binary.BigEndian.Uint64(payload)), payload[sceneIDLength:], nil
}
