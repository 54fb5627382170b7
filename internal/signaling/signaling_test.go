package signaling

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/fluxbridge/internal/logger"
	"github.com/rudransh-shrivastava/fluxbridge/internal/protocol"
)

func setupListener(t *testing.T) (*Listener, context.CancelFunc) {
	t.Helper()

	l, err := Listen("127.0.0.1:0", logger.Discard())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	return l, cancel
}

func dialListener(t *testing.T, l *Listener) *Session {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := Dial(ctx, net.ParseIP("127.0.0.1"), l.Port(), logger.Discard())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return s
}

func receive(t *testing.T, l *Listener) Inbound {
	t.Helper()
	select {
	case in, ok := <-l.Inbound():
		if !ok {
			t.Fatal("inbound queue closed")
		}
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signaling message")
	}
	return Inbound{}
}

func TestSessionDeliversInOrder(t *testing.T) {
	l, cancel := setupListener(t)
	defer cancel()
	defer func() { _ = l.Close() }()

	s := dialListener(t, l)

	sent := []protocol.SignalingMessage{
		protocol.NewOffer("s1", "peer-a", "offer-sdp"),
		protocol.NewCandidate("s1", "peer-a", `{"candidate":"c1"}`),
		protocol.NewCandidate("s1", "peer-a", `{"candidate":"c2"}`),
	}
	for _, msg := range sent {
		if err := s.Enqueue(msg); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i, expected := range sent {
		in := receive(t, l)
		if in.Message != expected {
			t.Errorf("message %d: got %+v, want %+v", i, in.Message, expected)
		}
		if in.RemoteAddr == nil {
			t.Errorf("message %d: missing remote address", i)
		}
	}
}

func TestListenerSkipsMalformedLines(t *testing.T) {
	l, cancel := setupListener(t)
	defer cancel()
	defer func() { _ = l.Close() }()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	lines := strings.Join([]string{
		"garbage",
		`{"type":"Nope","payload":"x"}`,
		`{"type":"Answer","payload":"ok","session":"s2"}`,
	}, "\n") + "\n"
	if _, err := conn.Write([]byte(lines)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	in := receive(t, l)
	if in.Message.Type != protocol.SignalAnswer || in.Message.Payload != "ok" {
		t.Errorf("expected the valid Answer after malformed lines, got %+v", in.Message)
	}
}

func TestListenerMultiplexesSessions(t *testing.T) {
	l, cancel := setupListener(t)
	defer cancel()
	defer func() { _ = l.Close() }()

	a := dialListener(t, l)
	b := dialListener(t, l)

	if err := a.Enqueue(protocol.NewOffer("sa", "peer-a", "x")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := b.Enqueue(protocol.NewOffer("sb", "peer-b", "y")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	_ = a.Close()
	_ = b.Close()

	sessions := map[string]bool{}
	for i := 0; i < 2; i++ {
		sessions[receive(t, l).Message.Session] = true
	}
	if !sessions["sa"] || !sessions["sb"] {
		t.Errorf("expected messages from both sessions, got %v", sessions)
	}
}

func TestEnqueueRejectsNewline(t *testing.T) {
	l, cancel := setupListener(t)
	defer cancel()
	defer func() { _ = l.Close() }()

	s := dialListener(t, l)
	defer func() { _ = s.Close() }()

	err := s.Enqueue(protocol.NewOffer("s", "p", "line one\nline two"))
	if !errors.Is(err, ErrEmbeddedNewline) {
		t.Errorf("expected ErrEmbeddedNewline, got %v", err)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	l, cancel := setupListener(t)
	defer cancel()
	defer func() { _ = l.Close() }()

	s := dialListener(t, l)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := s.Enqueue(protocol.NewOffer("s", "p", "x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestListenerCloseEndsInbound(t *testing.T) {
	l, cancel := setupListener(t)
	defer cancel()

	s := dialListener(t, l)
	defer func() { _ = s.Close() }()
	time.Sleep(50 * time.Millisecond)

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case _, ok := <-l.Inbound():
		if ok {
			t.Error("expected no message after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound queue not closed")
	}
}

func TestDialAnyFallsThrough(t *testing.T) {
	l, cancel := setupListener(t)
	defer cancel()
	defer func() { _ = l.Close() }()

	ctx, cancelDial := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDial()

	addrs := []net.IP{net.ParseIP("127.0.0.2"), net.ParseIP("127.0.0.1")}
	s, err := DialAny(ctx, addrs, l.Port(), logger.Discard())
	if err != nil {
		t.Fatalf("DialAny failed: %v", err)
	}
	_ = s.Close()
}

func TestShouldOffer(t *testing.T) {
	tests := []struct {
		local, remote string
		expected      bool
	}{
		{"FluxBridge-a", "FluxBridge-b", true},
		{"FluxBridge-b", "FluxBridge-a", false},
		{"X", "Y", true},
		{"same", "same", false},
	}

	for _, tt := range tests {
		if got := ShouldOffer(tt.local, tt.remote); got != tt.expected {
			t.Errorf("ShouldOffer(%q, %q) = %v, want %v", tt.local, tt.remote, got, tt.expected)
		}
	}
}
