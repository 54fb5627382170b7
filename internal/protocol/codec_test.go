package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestCodecSignalingRoundTrip(t *testing.T) {
	codec := NewCodec()

	tests := []SignalingMessage{
		NewOffer("session-1", "peer-a", "v=0\\r\\no=- 1 2 IN IP4 127.0.0.1"),
		NewAnswer("session-1", "peer-b", "v=0 answer"),
		NewCandidate("session-1", "peer-a", `{"candidate":"candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host","sdpMid":"0"}`),
		{Type: SignalOffer, Payload: ""},
	}

	for _, msg := range tests {
		var buf bytes.Buffer
		if err := codec.Encode(&buf, msg); err != nil {
			t.Fatalf("Encode %s failed: %v", msg.Type, err)
		}

		line := buf.Bytes()
		if bytes.Count(line, []byte("\n")) != 1 || line[len(line)-1] != '\n' {
			t.Fatalf("expected exactly one trailing newline, got %q", line)
		}

		decoded, err := codec.DecodeLine(line)
		if err != nil {
			t.Fatalf("DecodeLine %s failed: %v", msg.Type, err)
		}
		if decoded != msg {
			t.Errorf("round trip mismatch: got %+v, want %+v", decoded, msg)
		}
	}
}

func TestCodecWireShape(t *testing.T) {
	data, err := NewCodec().EncodeToBytes(SignalingMessage{Type: SignalAnswer, Payload: "sdp"})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	expected := `{"type":"Answer","payload":"sdp"}` + "\n"
	if string(data) != expected {
		t.Errorf("expected %q, got %q", expected, data)
	}
}

func TestCodecRejectsEmbeddedNewline(t *testing.T) {
	codec := NewCodec()

	for _, payload := range []string{"a\nb", "a\rb"} {
		_, err := codec.EncodeToBytes(NewOffer("s", "p", payload))
		if !errors.Is(err, ErrEmbeddedNewline) {
			t.Errorf("payload %q: expected ErrEmbeddedNewline, got %v", payload, err)
		}
	}
}

func TestCodecDecodeMalformed(t *testing.T) {
	codec := NewCodec()

	lines := []string{
		"",
		"not json",
		`{"type":"Bogus","payload":"x"}`,
		`{"payload":"x"}`,
		`{"type":"Offer","payload":`,
	}

	for _, line := range lines {
		if _, err := codec.DecodeLine([]byte(line)); err == nil {
			t.Errorf("expected error decoding %q", line)
		}
	}
}

func TestSignalTypeString(t *testing.T) {
	tests := []struct {
		typ      SignalType
		expected string
	}{
		{SignalOffer, "Offer"},
		{SignalAnswer, "Answer"},
		{SignalCandidate, "Candidate"},
		{SignalUnknown, "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.expected {
			t.Errorf("String() = %q, want %q", got, tt.expected)
		}
	}
}
