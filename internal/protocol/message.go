package protocol

import (
	"errors"
	"strings"
)

var (
	ErrEmbeddedNewline = errors.New("signaling payload contains a line break")
	ErrUnknownSignal   = errors.New("unknown signaling message type")
	ErrMissingSession  = errors.New("signaling message has no session")
	ErrUnknownFrame    = errors.New("unknown frame type")
	ErrMalformedFrame  = errors.New("malformed frame")
)

// SignalingMessage is one Offer, Answer or Candidate exchanged during a
// handshake. Session correlates it to one handshake attempt and From names
// the sender's peer id.
type SignalingMessage struct {
	Type    SignalType `json:"type"`
	Payload string     `json:"payload"`
	Session string     `json:"session,omitempty"`
	From    string     `json:"from,omitempty"`
}

func NewOffer(session, from, sdp string) SignalingMessage {
	return SignalingMessage{Type: SignalOffer, Payload: sdp, Session: session, From: from}
}

func NewAnswer(session, from, sdp string) SignalingMessage {
	return SignalingMessage{Type: SignalAnswer, Payload: sdp, Session: session, From: from}
}

func NewCandidate(session, from, candidate string) SignalingMessage {
	return SignalingMessage{Type: SignalCandidate, Payload: candidate, Session: session, From: from}
}

// Validate rejects messages that cannot be written as a single line.
func (m SignalingMessage) Validate() error {
	if m.Type == SignalUnknown || m.Type > SignalCandidate {
		return ErrUnknownSignal
	}
	if strings.ContainsAny(m.Payload, "\r\n") ||
		strings.ContainsAny(m.Session, "\r\n") ||
		strings.ContainsAny(m.From, "\r\n") {
		return ErrEmbeddedNewline
	}
	return nil
}

// Frame is a message carried on the "file" data channel.
type Frame interface {
	FrameType() FrameType
}

// Header announces a transfer before any chunk is sent.
type Header struct {
	TransferID  string
	Filename    string
	TotalSize   uint64
	ChunkSize   uint32
	TotalChunks uint32
	Digest      []byte
}

func (Header) FrameType() FrameType { return FrameHeader }

type Chunk struct {
	TransferID string
	Seq        uint32
	Payload    []byte
}

func (Chunk) FrameType() FrameType { return FrameChunk }

// Abort ends a transfer from either side: the sender gave up, or the
// receiver rejected the file.
type Abort struct {
	TransferID string
	Reason     string
}

func (Abort) FrameType() FrameType { return FrameAbort }

// Ack tells the sender the file was verified and saved.
type Ack struct {
	TransferID string
}

func (Ack) FrameType() FrameType { return FrameAck }
