package webrtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/fluxbridge/internal/logger"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transport"
)

func TestDefaultSTUNConfig(t *testing.T) {
	config := DefaultSTUNConfig([]string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})

	if len(config.ICEServers) != 1 {
		t.Errorf("expected 1 ICE server group, got %d", len(config.ICEServers))
	}
	if len(config.ICEServers[0].URLs) != 2 {
		t.Errorf("expected 2 STUN URLs, got %d", len(config.ICEServers[0].URLs))
	}
	if config.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Errorf("expected ICETransportPolicyAll")
	}

	if hostOnly := DefaultSTUNConfig(nil); len(hostOnly.ICEServers) != 0 {
		t.Errorf("expected no ICE servers, got %d", len(hostOnly.ICEServers))
	}
}

func TestDefaultDataChannelConfig(t *testing.T) {
	config := DefaultDataChannelConfig()

	if config.Ordered == nil || !*config.Ordered {
		t.Error("expected Ordered to be true")
	}
	if config.MaxRetransmits != nil {
		t.Error("expected MaxRetransmits to be nil (unlimited)")
	}
	if config.Protocol == nil || *config.Protocol != "fluxbridge" {
		t.Error("expected Protocol to be 'fluxbridge'")
	}
}

func TestMapState(t *testing.T) {
	tests := []struct {
		in       webrtc.PeerConnectionState
		expected transport.State
	}{
		{webrtc.PeerConnectionStateNew, transport.StateNew},
		{webrtc.PeerConnectionStateConnecting, transport.StateConnecting},
		{webrtc.PeerConnectionStateConnected, transport.StateConnected},
		{webrtc.PeerConnectionStateDisconnected, transport.StateDisconnected},
		{webrtc.PeerConnectionStateFailed, transport.StateFailed},
		{webrtc.PeerConnectionStateClosed, transport.StateClosed},
	}

	for _, tt := range tests {
		if got := mapState(tt.in); got != tt.expected {
			t.Errorf("mapState(%s) = %s, want %s", tt.in, got, tt.expected)
		}
	}
}

// TestLoopbackSession negotiates two sessions in one process over host
// candidates and exchanges one message per channel.
func TestLoopbackSession(t *testing.T) {
	engine := New(Config{Logger: logger.Discard()})

	offerer, err := engine.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer func() { _ = offerer.Close() }()

	answerer, err := engine.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer func() { _ = answerer.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	offer, err := offerer.CreateOffer(ctx, []string{"clipboard"})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	answer, err := answerer.AcceptOffer(ctx, offer)
	if err != nil {
		t.Fatalf("AcceptOffer failed: %v", err)
	}
	if err := offerer.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer failed: %v", err)
	}

	go trickle(offerer, answerer)
	go trickle(answerer, offerer)

	var local, remote transport.Channel
	select {
	case local = <-offerer.Channels():
	case <-ctx.Done():
		t.Fatal("timed out waiting for local channel")
	}
	select {
	case remote = <-answerer.Channels():
	case <-ctx.Done():
		t.Fatal("timed out waiting for remote channel")
	}

	select {
	case <-local.Opened():
	case <-ctx.Done():
		t.Fatal("timed out waiting for channel to open")
	}

	if err := local.Send([]byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-remote.Messages():
		if string(msg) != "hello" {
			t.Errorf("expected hello, got %q", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func trickle(from, to transport.Session) {
	for c := range from.Candidates() {
		_ = to.AddCandidate(c)
	}
}
