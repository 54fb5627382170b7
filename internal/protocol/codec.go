package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Codec writes signaling messages as newline-delimited JSON.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg SignalingMessage) error {
	data, err := c.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// EncodeToBytes returns the message as one line, newline included.
func (c *Codec) EncodeToBytes(msg SignalingMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type, err)
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one line. Surrounding whitespace and the trailing
// newline are ignored.
func (c *Codec) DecodeLine(line []byte) (SignalingMessage, error) {
	var msg SignalingMessage
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return msg, fmt.Errorf("decoding signaling line: empty line")
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return SignalingMessage{}, fmt.Errorf("decoding signaling line: %w", err)
	}
	if msg.Type == SignalUnknown {
		return SignalingMessage{}, fmt.Errorf("decoding signaling line: %w", ErrUnknownSignal)
	}
	return msg, nil
}
