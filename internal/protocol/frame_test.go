package protocol

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameHeader(t *testing.T) {
	digest := bytes.Repeat([]byte{0xab}, DigestSize)
	in := &Header{
		TransferID:  "t-1",
		Filename:    "report.pdf",
		TotalSize:   40000,
		ChunkSize:   16384,
		TotalChunks: 3,
		Digest:      digest,
	}

	data, err := EncodeFrame(in)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	decoded, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	h, ok := decoded.(*Header)
	if !ok {
		t.Fatalf("Expected *Header, got %T", decoded)
	}
	if h.TransferID != in.TransferID || h.Filename != in.Filename || h.TotalSize != in.TotalSize ||
		h.ChunkSize != in.ChunkSize || h.TotalChunks != in.TotalChunks {
		t.Errorf("header mismatch: got %+v, want %+v", h, in)
	}
	if !bytes.Equal(h.Digest, digest) {
		t.Error("digest mismatch")
	}
}

func TestFrameChunk(t *testing.T) {
	payload := []byte("This is some chunk data for testing purposes.")

	data, err := EncodeFrame(Chunk{TransferID: "t-1", Seq: 2, Payload: payload})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	decoded, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	c, ok := decoded.(*Chunk)
	if !ok {
		t.Fatalf("Expected *Chunk, got %T", decoded)
	}
	if c.Seq != 2 || !bytes.Equal(c.Payload, payload) {
		t.Errorf("chunk mismatch: got seq %d payload %q", c.Seq, c.Payload)
	}
}

func TestFrameAbort(t *testing.T) {
	data, err := EncodeFrame(&Abort{TransferID: "t-9", Reason: "read failed"})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	decoded, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	a, ok := decoded.(*Abort)
	if !ok {
		t.Fatalf("Expected *Abort, got %T", decoded)
	}
	if a.TransferID != "t-9" || a.Reason != "read failed" {
		t.Errorf("abort mismatch: %+v", a)
	}
}

func TestFrameAck(t *testing.T) {
	data, err := EncodeFrame(Ack{TransferID: "t-3"})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	decoded, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	a, ok := decoded.(*Ack)
	if !ok {
		t.Fatalf("Expected *Ack, got %T", decoded)
	}
	if a.TransferID != "t-3" {
		t.Errorf("ack mismatch: %+v", a)
	}
}

func TestFrameSkipsUnknownFields(t *testing.T) {
	data, err := EncodeFrame(&Abort{TransferID: "t-1", Reason: "x"})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future field")

	if _, err := DecodeFrame(data); err != nil {
		t.Errorf("expected unknown field to be skipped, got %v", err)
	}
}

func TestFrameDecodeErrors(t *testing.T) {
	valid, err := EncodeFrame(&Chunk{TransferID: "t", Seq: 1, Payload: []byte("abc")})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	var noType []byte
	noType = protowire.AppendTag(noType, fieldTransferID, protowire.BytesType)
	noType = protowire.AppendString(noType, "t")

	var noID []byte
	noID = protowire.AppendTag(noID, fieldFrameType, protowire.VarintType)
	noID = protowire.AppendVarint(noID, uint64(FrameChunk))

	var zeroChunk []byte
	zeroChunk = protowire.AppendTag(zeroChunk, fieldFrameType, protowire.VarintType)
	zeroChunk = protowire.AppendVarint(zeroChunk, uint64(FrameHeader))
	zeroChunk = protowire.AppendTag(zeroChunk, fieldTransferID, protowire.BytesType)
	zeroChunk = protowire.AppendString(zeroChunk, "t")

	// 258 would alias the chunk type if truncated to a byte.
	var wideType []byte
	wideType = protowire.AppendTag(wideType, fieldFrameType, protowire.VarintType)
	wideType = protowire.AppendVarint(wideType, 256+uint64(FrameChunk))
	wideType = protowire.AppendTag(wideType, fieldTransferID, protowire.BytesType)
	wideType = protowire.AppendString(wideType, "t")
	wideType = protowire.AppendTag(wideType, fieldSeq, protowire.VarintType)
	wideType = protowire.AppendVarint(wideType, 0)
	wideType = protowire.AppendTag(wideType, fieldPayload, protowire.BytesType)
	wideType = protowire.AppendBytes(wideType, []byte("abc"))

	tests := []struct {
		name     string
		data     []byte
		expected error
	}{
		{"truncated", valid[:len(valid)-2], ErrMalformedFrame},
		{"frame type out of range", wideType, ErrMalformedFrame},
		{"no type", noType, ErrUnknownFrame},
		{"no transfer id", noID, ErrMalformedFrame},
		{"zero chunk size", zeroChunk, ErrMalformedFrame},
	}

	for _, tt := range tests {
		_, err := DecodeFrame(tt.data)
		if !errors.Is(err, tt.expected) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, err)
		}
	}
}
