// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"encoding/binary"
	"fmt"

	"github.com/QodanaProdSpec/ramses/lib/codec"
	"github.com/QodanaProdSpec/ramses/lib/resource"
)

// Update stream wire format. A logical update is a sequence of
// self-delimited records, terminated by a flush record:
//
//	[1 byte record kind] [4 bytes big-endian payload length] [payload]
//
// Records are framed independently of transport chunk boundaries: a
// record may be split across deliveries and several records may share
// one delivery. Resource payloads travel at whatever compression
// level the sender chose and are never decompressed by the codec.
const (
	// recordActions carries the CBOR-encoded mutation list of one
	// flush.
	recordActions byte = 0x01

	// recordResource carries exactly one resource value (binary
	// header + raw payload bytes).
	recordResource byte = 0x02

	// recordFlush carries the CBOR-encoded flush marker. It is
	// always the last record of a logical update and completes it.
	recordFlush byte = 0x03
)

// recordHeaderLength is the fixed record header size: 1 byte kind +
// 4 bytes payload length.
const recordHeaderLength = 5

// maxRecordLength bounds a record's declared payload length. A header
// declaring more is a framing inconsistency and poisons the stream.
const maxRecordLength = 256 * 1024 * 1024

// resourceRecordHeaderLength is the fixed prefix of a resource record
// payload: hash (16) + type (4) + level (1) + decompressed size (4) +
// metadata length (4).
const resourceRecordHeaderLength = 16 + 4 + 1 + 4 + 4

// EncodeUpdate serializes a logical update into a byte stream of
// framed records. The result can be delivered in arbitrarily small
// fragments; StreamDecoder reassembles the same tuple on the other
// side.
func EncodeUpdate(update SceneUpdate) ([]byte, error) {
	actionBytes, err := codec.Marshal(update.Actions)
	if err != nil {
		return nil, fmt.Errorf("distribution: encoding actions: %w", err)
	}
	flushBytes, err := codec.Marshal(update.Flush)
	if err != nil {
		return nil, fmt.Errorf("distribution: encoding flush marker: %w", err)
	}

	var out []byte
	out = appendRecord(out, recordActions, actionBytes)
	for _, res := range update.Resources {
		payload, err := encodeResourceRecord(res)
		if err != nil {
			return nil, err
		}
		out = appendRecord(out, recordResource, payload)
	}
	out = appendRecord(out, recordFlush, flushBytes)
	return out, nil
}

func appendRecord(out []byte, kind byte, payload []byte) []byte {
	var header [recordHeaderLength]byte
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))
	out = append(out, header[:]...)
	return append(out, payload...)
}

// encodeResourceRecord serializes one resource value. The payload
// bytes are taken compressed if a compressed buffer exists, raw
// otherwise; the level byte tells the receiver which.
func encodeResourceRecord(res *resource.Resource) ([]byte, error) {
	hash := res.Hash()
	if !hash.IsValid() {
		return nil, fmt.Errorf("distribution: refusing to encode resource with invalid hash")
	}

	blob, level := res.CompressedData()
	if blob == nil {
		blob = res.Data()
		level = resource.CompressionNone
		if blob == nil {
			return nil, fmt.Errorf("distribution: resource %s has no payload to encode", hash)
		}
	}

	metadata := res.Metadata()
	payload := make([]byte, resourceRecordHeaderLength, resourceRecordHeaderLength+len(metadata)+len(blob))
	copy(payload[0:16], hash[:])
	binary.BigEndian.PutUint32(payload[16:20], uint32(res.TypeTag()))
	payload[20] = byte(level)
	binary.BigEndian.PutUint32(payload[21:25], res.DecompressedSize())
	binary.BigEndian.PutUint32(payload[25:29], uint32(len(metadata)))
	payload = append(payload, metadata...)
	payload = append(payload, blob...)
	return payload, nil
}
