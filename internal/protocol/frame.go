package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// File channel frames are protobuf wire-format messages. Field 1 always
// carries the frame type so a frame describes itself; unknown fields are
// skipped on decode.
//
//	1  frame type     varint
//	2  transfer id    bytes
//	3  filename       bytes  (header)
//	4  total size     varint (header)
//	5  chunk size     varint (header)
//	6  total chunks   varint (header)
//	7  digest         bytes  (header)
//	8  seq            varint (chunk)
//	9  payload        bytes  (chunk)
//	10 reason         bytes  (abort)
//
// An ack carries only the transfer id.
const (
	fieldFrameType   protowire.Number = 1
	fieldTransferID  protowire.Number = 2
	fieldFilename    protowire.Number = 3
	fieldTotalSize   protowire.Number = 4
	fieldChunkSize   protowire.Number = 5
	fieldTotalChunks protowire.Number = 6
	fieldDigest      protowire.Number = 7
	fieldSeq         protowire.Number = 8
	fieldPayload     protowire.Number = 9
	fieldReason      protowire.Number = 10
)

// EncodeFrame serializes a Header, Chunk, Abort or Ack.
func EncodeFrame(f Frame) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldFrameType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.FrameType()))

	switch f := f.(type) {
	case *Header:
		return appendHeader(b, f), nil
	case Header:
		return appendHeader(b, &f), nil
	case *Chunk:
		return appendChunk(b, f), nil
	case Chunk:
		return appendChunk(b, &f), nil
	case *Abort:
		return appendAbort(b, f), nil
	case Abort:
		return appendAbort(b, &f), nil
	case *Ack:
		return appendString(b, fieldTransferID, f.TransferID), nil
	case Ack:
		return appendString(b, fieldTransferID, f.TransferID), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrame, f)
	}
}

func appendHeader(b []byte, h *Header) []byte {
	b = appendString(b, fieldTransferID, h.TransferID)
	b = appendString(b, fieldFilename, h.Filename)
	b = appendVarint(b, fieldTotalSize, h.TotalSize)
	b = appendVarint(b, fieldChunkSize, uint64(h.ChunkSize))
	b = appendVarint(b, fieldTotalChunks, uint64(h.TotalChunks))
	if len(h.Digest) > 0 {
		b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, h.Digest)
	}
	return b
}

func appendChunk(b []byte, c *Chunk) []byte {
	b = appendString(b, fieldTransferID, c.TransferID)
	b = appendVarint(b, fieldSeq, uint64(c.Seq))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	return protowire.AppendBytes(b, c.Payload)
}

func appendAbort(b []byte, a *Abort) []byte {
	b = appendString(b, fieldTransferID, a.TransferID)
	return appendString(b, fieldReason, a.Reason)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// frameFields collects every known field of a frame regardless of type.
type frameFields struct {
	frameType   uint64
	transferID  string
	filename    string
	totalSize   uint64
	chunkSize   uint64
	totalChunks uint64
	digest      []byte
	seq         uint64
	payload     []byte
	reason      string
}

// DecodeFrame parses a frame produced by EncodeFrame. The returned frame is
// a *Header, *Chunk, *Abort or *Ack. Payload and digest slices alias data.
func DecodeFrame(data []byte) (Frame, error) {
	var f frameFields
	if err := f.consume(data); err != nil {
		return nil, err
	}

	if f.transferID == "" {
		return nil, fmt.Errorf("%w: missing transfer id", ErrMalformedFrame)
	}
	if f.frameType > uint64(^FrameType(0)) {
		return nil, fmt.Errorf("%w: frame type %d", ErrMalformedFrame, f.frameType)
	}

	switch FrameType(f.frameType) {
	case FrameHeader:
		if f.chunkSize == 0 || f.chunkSize > MaxChunkSize {
			return nil, fmt.Errorf("%w: chunk size %d", ErrMalformedFrame, f.chunkSize)
		}
		if len(f.filename) > MaxFilenameSize {
			return nil, fmt.Errorf("%w: filename too long", ErrMalformedFrame)
		}
		if f.totalChunks > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: total chunks %d", ErrMalformedFrame, f.totalChunks)
		}
		return &Header{
			TransferID:  f.transferID,
			Filename:    f.filename,
			TotalSize:   f.totalSize,
			ChunkSize:   uint32(f.chunkSize),
			TotalChunks: uint32(f.totalChunks),
			Digest:      f.digest,
		}, nil
	case FrameChunk:
		if f.seq > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: seq %d", ErrMalformedFrame, f.seq)
		}
		return &Chunk{TransferID: f.transferID, Seq: uint32(f.seq), Payload: f.payload}, nil
	case FrameAbort:
		return &Abort{TransferID: f.transferID, Reason: f.reason}, nil
	case FrameAck:
		return &Ack{TransferID: f.transferID}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrame, f.frameType)
	}
}

func (f *frameFields) consume(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			f.setVarint(num, v)
			b = b[n:]
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			f.setBytes(num, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldFrameType, fieldTotalSize, fieldChunkSize, fieldTotalChunks, fieldSeq:
		return true
	}
	return false
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldTransferID, fieldFilename, fieldDigest, fieldPayload, fieldReason:
		return true
	}
	return false
}

func (f *frameFields) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldFrameType:
		f.frameType = v
	case fieldTotalSize:
		f.totalSize = v
	case fieldChunkSize:
		f.chunkSize = v
	case fieldTotalChunks:
		f.totalChunks = v
	case fieldSeq:
		f.seq = v
	}
}

func (f *frameFields) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fieldTransferID:
		f.transferID = string(v)
	case fieldFilename:
		f.filename = string(v)
	case fieldDigest:
		f.digest = v
	case fieldPayload:
		f.payload = v
	case fieldReason:
		f.reason = string(v)
	}
}
