package protocol

import "fmt"

const (
	// DigestSize is the length of the BLAKE3-256 file digest carried in a
	// header frame.
	DigestSize = 32

	MaxChunkSize    = 256 * 1024
	MaxFilenameSize = 1024

	// MaxLineSize bounds one signaling line. SDP descriptions with many
	// candidates stay well below it.
	MaxLineSize = 256 * 1024
)

// Data channel labels.
const (
	LabelClipboard = "clipboard"
	LabelFile      = "file"
)

type SignalType uint8

const (
	SignalUnknown SignalType = iota
	SignalOffer
	SignalAnswer
	SignalCandidate
)

func (t SignalType) String() string {
	switch t {
	case SignalOffer:
		return "Offer"
	case SignalAnswer:
		return "Answer"
	case SignalCandidate:
		return "Candidate"
	default:
		return "Unknown"
	}
}

func (t SignalType) MarshalText() ([]byte, error) {
	if t == SignalUnknown || t > SignalCandidate {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSignal, t)
	}
	return []byte(t.String()), nil
}

func (t *SignalType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Offer":
		*t = SignalOffer
	case "Answer":
		*t = SignalAnswer
	case "Candidate":
		*t = SignalCandidate
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, b)
	}
	return nil
}

type FrameType uint8

const (
	FrameUnknown FrameType = iota
	FrameHeader
	FrameChunk
	FrameAbort
	FrameAck
)

func (t FrameType) String() string {
	switch t {
	case FrameHeader:
		return "HEADER"
	case FrameChunk:
		return "CHUNK"
	case FrameAbort:
		return "ABORT"
	case FrameAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}
