// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"encoding/binary"
	"fmt"

	"github.com/QodanaProdSpec/ramses/lib/codec"
	"github.com/QodanaProdSpec/ramses/lib/resource"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

// DecodeState is the per-call outcome of feeding bytes to a
// StreamDecoder.
type DecodeState uint8

const (
	// DecodeEmpty: nothing new to emit; the decoder is either idle or
	// accumulating a partial record.
	DecodeEmpty DecodeState = iota

	// DecodeHasData: at least one complete update was assembled.
	DecodeHasData

	// DecodeFailed: a framing inconsistency was detected. Failed is
	// sticky — the stream never resynchronizes; the owning scene's
	// replication must be torn down and re-established.
	DecodeFailed
)

// DecodeResult is what one Feed call produced.
type DecodeResult struct {
	State DecodeState

	// Updates holds every logical update completed by this call, in
	// producer order. Set only when State == DecodeHasData.
	Updates []SceneUpdate

	// Err describes the framing inconsistency when State ==
	// DecodeFailed.
	Err error
}

// StreamDecoder reassembles logical updates from a byte stream that
// may arrive in arbitrarily small fragments or with several updates
// concatenated in one delivery. One decoder belongs to exactly one
// (scene, provider) pair and is discarded and recreated whenever that
// scene is re-initialized, so no partial-record bytes leak across
// logical sessions.
type StreamDecoder struct {
	buffer []byte

	// partial accumulates the records of the update currently being
	// assembled, until its flush record arrives.
	partialActions   []scene.Action
	partialResources []*resource.Resource

	failed error
}

// NewStreamDecoder returns a decoder in the empty state.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{}
}

// Feed appends a transport delivery to the decoder and parses every
// record that is now complete. Once a Feed has returned DecodeFailed,
// all further calls return DecodeFailed without consuming input.
func (d *StreamDecoder) Feed(fragment []byte) DecodeResult {
	if d.failed != nil {
		return DecodeResult{State: DecodeFailed, Err: d.failed}
	}

	d.buffer = append(d.buffer, fragment...)

	var completed []SceneUpdate
	for {
		if len(d.buffer) < recordHeaderLength {
			break
		}
		kind := d.buffer[0]
		length := binary.BigEndian.Uint32(d.buffer[1:5])

		if length > maxRecordLength {
			return d.fail(fmt.Errorf("declared record length %d exceeds maximum %d", length, maxRecordLength))
		}
		if kind != recordActions && kind != recordResource && kind != recordFlush {
			return d.fail(fmt.Errorf("unrecognized record kind 0x%02x", kind))
		}
		if len(d.buffer) < recordHeaderLength+int(length) {
			// Accumulating: the rest of this record has not arrived.
			break
		}

		payload := d.buffer[recordHeaderLength : recordHeaderLength+int(length)]
		d.buffer = d.buffer[recordHeaderLength+int(length):]

		update, done, err := d.consumeRecord(kind, payload)
		if err != nil {
			return d.fail(err)
		}
		if done {
			completed = append(completed, update)
		}
	}

	if len(completed) > 0 {
		return DecodeResult{State: DecodeHasData, Updates: completed}
	}
	return DecodeResult{State: DecodeEmpty}
}

// consumeRecord applies one complete record to the partial update.
// A flush record completes the update and returns it.
func (d *StreamDecoder) consumeRecord(kind byte, payload []byte) (SceneUpdate, bool, error) {
	switch kind {
	case recordActions:
		var actions []scene.Action
		if err := codec.Unmarshal(payload, &actions); err != nil {
			return SceneUpdate{}, false, fmt.Errorf("malformed actions record: %w", err)
		}
		d.partialActions = append(d.partialActions, actions...)
		return SceneUpdate{}, false, nil

	case recordResource:
		res, err := decodeResourceRecord(payload)
		if err != nil {
			return SceneUpdate{}, false, err
		}
		d.partialResources = append(d.partialResources, res)
		return SceneUpdate{}, false, nil

	case recordFlush:
		var flush scene.FlushInfo
		if err := codec.Unmarshal(payload, &flush); err != nil {
			return SceneUpdate{}, false, fmt.Errorf("malformed flush record: %w", err)
		}
		update := SceneUpdate{
			Actions:   d.partialActions,
			Resources: d.partialResources,
			Flush:     flush,
		}
		d.partialActions = nil
		d.partialResources = nil
		return update, true, nil

	default:
		// Unreachable: Feed validated the kind.
		return SceneUpdate{}, false, fmt.Errorf("unrecognized record kind 0x%02x", kind)
	}
}

// fail latches the sticky failure state and discards all buffered
// bytes.
func (d *StreamDecoder) fail(err error) DecodeResult {
	d.failed = err
	d.buffer = nil
	d.partialActions = nil
	d.partialResources = nil
	return DecodeResult{State: DecodeFailed, Err: err}
}

// decodeResourceRecord is the inverse of encodeResourceRecord. The
// payload is kept at the level the sender chose; decompression is
// deferred to the resource cache on demand.
func decodeResourceRecord(payload []byte) (*resource.Resource, error) {
	if len(payload) < resourceRecordHeaderLength {
		return nil, fmt.Errorf("resource record truncated: %d bytes", len(payload))
	}

	var hash resource.Hash
	copy(hash[:], payload[0:16])
	typeTag := resource.Type(binary.BigEndian.Uint32(payload[16:20]))
	level := resource.CompressionLevel(payload[20])
	decompressedSize := binary.BigEndian.Uint32(payload[21:25])
	metadataLength := binary.BigEndian.Uint32(payload[25:29])

	rest := payload[resourceRecordHeaderLength:]
	if uint64(metadataLength) > uint64(len(rest)) {
		return nil, fmt.Errorf("resource record %s: metadata length %d exceeds remaining %d bytes", hash, metadataLength, len(rest))
	}
	metadata := append([]byte(nil), rest[:metadataLength]...)
	blob := append([]byte(nil), rest[metadataLength:]...)
	if len(blob) == 0 {
		return nil, fmt.Errorf("resource record %s: empty payload", hash)
	}

	if level == resource.CompressionNone {
		if uint32(len(blob)) != decompressedSize {
			return nil, fmt.Errorf("resource record %s: raw payload is %d bytes, declared %d", hash, len(blob), decompressedSize)
		}
		res := resource.New(typeTag, metadata, nil, "")
		res.SetDataWithHash(blob, hash)
		return res, nil
	}
	return resource.NewFromCompressed(typeTag, metadata, blob, level, decompressedSize, hash, "")
}
