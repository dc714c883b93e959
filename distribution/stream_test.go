// Copyright 2026 The Ramses Authors
// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/QodanaProdSpec/ramses/lib/resource"
	"github.com/QodanaProdSpec/ramses/lib/scene"
)

func largePayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 23)
	}
	return data
}

func testUpdate(t *testing.T) SceneUpdate {
	t.Helper()
	res := resource.New(resource.TypeVertexArray, []byte{1}, largePayload(16*1024), "mesh")
	small := resource.New(resource.TypeEffect, nil, []byte("tiny shader"), "fx")
	if err := res.Compress(resource.CompressionRealtime); err != nil {
		t.Fatalf("compressing test resource: %v", err)
	}
	return SceneUpdate{
		Actions: []scene.Action{
			scene.CreateNode(1),
			scene.SetField(1, 2, []byte("field value")),
			scene.SetResource(1, 3, res.Hash()),
		},
		Resources: []*resource.Resource{res, small},
		Flush: scene.FlushInfo{
			Version:   7,
			FlushTime: time.Unix(1700000000, 0).UTC(),
		},
	}
}

// assertUpdateEqual compares a decoded update against the sent one,
// resolving payloads down to decompressed bytes.
func assertUpdateEqual(t *testing.T, sent, got SceneUpdate) {
	t.Helper()
	if diff := cmp.Diff(sent.Actions, got.Actions); diff != "" {
		t.Errorf("actions mismatch (-sent +got):\n%s", diff)
	}
	if diff := cmp.Diff(sent.Flush, got.Flush); diff != "" {
		t.Errorf("flush marker mismatch (-sent +got):\n%s", diff)
	}
	if len(got.Resources) != len(sent.Resources) {
		t.Fatalf("got %d resources, want %d", len(got.Resources), len(sent.Resources))
	}
	for i, want := range sent.Resources {
		have := got.Resources[i]
		if have.Hash() != want.Hash() {
			t.Errorf("resource %d hash = %s, want %s", i, have.Hash(), want.Hash())
		}
		if have.TypeTag() != want.TypeTag() {
			t.Errorf("resource %d type = %s, want %s", i, have.TypeTag(), want.TypeTag())
		}
		if err := have.Decompress(); err != nil {
			t.Fatalf("decompressing received resource %d: %v", i, err)
		}
		if !bytes.Equal(have.Data(), want.Data()) {
			t.Errorf("resource %d payload corrupted in transit", i)
		}
		if !bytes.Equal(have.Metadata(), want.Metadata()) {
			t.Errorf("resource %d metadata corrupted in transit", i)
		}
	}
}

func TestStreamRoundTripSingleDelivery(t *testing.T) {
	sent := testUpdate(t)
	data, err := EncodeUpdate(sent)
	if err != nil {
		t.Fatalf("EncodeUpdate failed: %v", err)
	}

	decoder := NewStreamDecoder()
	result := decoder.Feed(data)
	if result.State != DecodeHasData {
		t.Fatalf("state = %d, want DecodeHasData (err: %v)", result.State, result.Err)
	}
	if len(result.Updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(result.Updates))
	}
	assertUpdateEqual(t, sent, result.Updates[0])
}

func TestStreamRoundTripByteWiseDelivery(t *testing.T) {
	sent := testUpdate(t)
	data, err := EncodeUpdate(sent)
	if err != nil {
		t.Fatalf("EncodeUpdate failed: %v", err)
	}

	decoder := NewStreamDecoder()
	var updates []SceneUpdate
	for i := range data {
		result := decoder.Feed(data[i : i+1])
		switch result.State {
		case DecodeFailed:
			t.Fatalf("decode failed at byte %d: %v", i, result.Err)
		case DecodeHasData:
			updates = append(updates, result.Updates...)
		}
	}
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	assertUpdateEqual(t, sent, updates[0])
}

func TestStreamConcatenatedUpdates(t *testing.T) {
	first := testUpdate(t)
	second := SceneUpdate{
		Actions: []scene.Action{scene.RemoveNode(1)},
		Flush:   scene.FlushInfo{Version: 8, FlushTime: time.Unix(1700000100, 0).UTC()},
	}

	firstBytes, err := EncodeUpdate(first)
	if err != nil {
		t.Fatalf("encoding first update: %v", err)
	}
	secondBytes, err := EncodeUpdate(second)
	if err != nil {
		t.Fatalf("encoding second update: %v", err)
	}

	decoder := NewStreamDecoder()
	result := decoder.Feed(append(firstBytes, secondBytes...))
	if result.State != DecodeHasData {
		t.Fatalf("state = %d, want DecodeHasData (err: %v)", result.State, result.Err)
	}
	if len(result.Updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(result.Updates))
	}
	assertUpdateEqual(t, first, result.Updates[0])
	assertUpdateEqual(t, second, result.Updates[1])
}

func TestStreamEmptyWhileAccumulating(t *testing.T) {
	data, err := EncodeUpdate(testUpdate(t))
	if err != nil {
		t.Fatalf("EncodeUpdate failed: %v", err)
	}

	decoder := NewStreamDecoder()
	result := decoder.Feed(data[:len(data)-1])
	if result.State != DecodeEmpty {
		t.Fatalf("state = %d before the final byte, want DecodeEmpty", result.State)
	}
	result = decoder.Feed(data[len(data)-1:])
	if result.State != DecodeHasData {
		t.Fatalf("state = %d after the final byte, want DecodeHasData", result.State)
	}
}

func TestStreamOversizedLengthIsStickyFailure(t *testing.T) {
	header := make([]byte, recordHeaderLength)
	header[0] = recordActions
	binary.BigEndian.PutUint32(header[1:5], maxRecordLength+1)

	decoder := NewStreamDecoder()
	result := decoder.Feed(header)
	if result.State != DecodeFailed {
		t.Fatalf("state = %d, want DecodeFailed", result.State)
	}
	if result.Err == nil {
		t.Fatal("failed result should carry an error")
	}

	// The failure is sticky: even perfectly valid input is refused.
	valid, err := EncodeUpdate(testUpdate(t))
	if err != nil {
		t.Fatalf("EncodeUpdate failed: %v", err)
	}
	result = decoder.Feed(valid)
	if result.State != DecodeFailed {
		t.Errorf("state = %d after failure, want sticky DecodeFailed", result.State)
	}
}

func TestStreamUnknownRecordKindFails(t *testing.T) {
	frame := make([]byte, recordHeaderLength)
	frame[0] = 0x7f

	decoder := NewStreamDecoder()
	if result := decoder.Feed(frame); result.State != DecodeFailed {
		t.Fatalf("state = %d, want DecodeFailed", result.State)
	}
}

func TestStreamMalformedResourceRecordFails(t *testing.T) {
	payload := []byte{1, 2, 3}
	frame := make([]byte, recordHeaderLength, recordHeaderLength+len(payload))
	frame[0] = recordResource
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	frame = append(frame, payload...)

	decoder := NewStreamDecoder()
	if result := decoder.Feed(frame); result.State != DecodeFailed {
		t.Fatalf("state = %d, want DecodeFailed", result.State)
	}
}

func TestEncodeRefusesResourceWithoutPayload(t *testing.T) {
	res := resource.New(resource.TypeTexture, nil, []byte("payload"), "tex")
	res.SetDataWithHash(nil, res.Hash())

	_, err := EncodeUpdate(SceneUpdate{Resources: []*resource.Resource{res}})
	if err == nil {
		t.Error("encoding a resource with no payload should fail")
	}
}

func TestDecodedRawResourceVerifiesSize(t *testing.T) {
	res := resource.New(resource.TypeTexture, nil, []byte("raw payload"), "tex")
	data, err := EncodeUpdate(SceneUpdate{Resources: []*resource.Resource{res}})
	if err != nil {
		t.Fatalf("EncodeUpdate failed: %v", err)
	}

	// Corrupt the declared decompressed size inside the resource
	// record. Record layout: actions record first, then the resource
	// record whose payload starts with hash(16)+type(4)+level(1).
	actionsLength := binary.BigEndian.Uint32(data[1:5])
	resourceHeader := recordHeaderLength + int(actionsLength) + recordHeaderLength
	sizeOffset := resourceHeader + 16 + 4 + 1
	binary.BigEndian.PutUint32(data[sizeOffset:sizeOffset+4], 9999)

	decoder := NewStreamDecoder()
	if result := decoder.Feed(data); result.State != DecodeFailed {
		t.Errorf("state = %d for size-corrupted raw resource, want DecodeFailed", result.State)
	}
}
