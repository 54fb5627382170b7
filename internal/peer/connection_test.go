package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/fluxbridge/internal/logger"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transfer"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transport/memory"
)

func newTestConnection(t *testing.T, network *memory.Network, peerID string, mutate func(*Config)) *Connection {
	t.Helper()
	session, err := network.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	cfg := Config{
		PeerID:           peerID,
		Session:          session,
		HandshakeTimeout: 5 * time.Second,
		Logger:           logger.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewConnection(cfg)
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// handshake runs offer/answer between a and b, exchanging candidates the
// way the signaling channel would: a's arrive at b before its offer.
func handshake(t *testing.T, a, b *Connection) {
	t.Helper()
	ctx := context.Background()

	offer, err := a.Offer(ctx)
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	for candidate := range a.Candidates() {
		if err := b.AddCandidate(candidate); err != nil {
			t.Fatalf("AddCandidate failed: %v", err)
		}
	}

	answer, err := b.Answer(ctx, offer)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	for candidate := range b.Candidates() {
		if err := a.AddCandidate(candidate); err != nil {
			t.Fatalf("AddCandidate failed: %v", err)
		}
	}

	if err := a.ApplyAnswer(answer); err != nil {
		t.Fatalf("ApplyAnswer failed: %v", err)
	}
}

func waitState(t *testing.T, c *Connection, expected State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: expected state %s, got %s", c.PeerID(), expected, c.State())
}

func waitOpen(t *testing.T, c *Connection, label string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.ChannelOpen(label) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: channel %s never opened", c.PeerID(), label)
}

func receive(t *testing.T, c *Connection, label string) []byte {
	t.Helper()
	select {
	case msg := <-c.Messages(label):
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no message on %s", c.PeerID(), label)
		return nil
	}
}

func collectChanges(c *Connection, n int) []State {
	var states []State
	timeout := time.After(2 * time.Second)
	for len(states) < n {
		select {
		case change, ok := <-c.StateChanges():
			if !ok {
				return states
			}
			states = append(states, change.To)
		case <-timeout:
			return states
		}
	}
	return states
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHandshakeConnects(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestConnection(t, network, "bob", nil)
	b := newTestConnection(t, network, "alice", nil)

	handshake(t, a, b)
	waitState(t, a, StateConnected)
	waitState(t, b, StateConnected)

	offerer := []State{StateOffering, StateNegotiating, StateConnected}
	if got := collectChanges(a, 3); !equalStates(got, offerer) {
		t.Errorf("offerer transitions: expected %v, got %v", offerer, got)
	}
	answerer := []State{StateAnswering, StateNegotiating, StateConnected}
	if got := collectChanges(b, 3); !equalStates(got, answerer) {
		t.Errorf("answerer transitions: expected %v, got %v", answerer, got)
	}
}

func TestMessagesFlowBothWays(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestConnection(t, network, "bob", nil)
	b := newTestConnection(t, network, "alice", nil)

	// Queued before the channel exists.
	if err := a.TrySend(LabelClipboard, []byte("early")); err != nil {
		t.Fatalf("TrySend failed: %v", err)
	}

	handshake(t, a, b)
	waitState(t, a, StateConnected)

	if got := receive(t, b, LabelClipboard); string(got) != "early" {
		t.Errorf("expected early, got %q", got)
	}

	ctx := context.Background()
	for _, frame := range []string{"f0", "f1", "f2"} {
		if err := a.Send(ctx, LabelFile, []byte(frame)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for _, expected := range []string{"f0", "f1", "f2"} {
		if got := receive(t, b, LabelFile); string(got) != expected {
			t.Errorf("expected %s, got %q", expected, got)
		}
	}

	if err := b.Send(ctx, LabelClipboard, []byte("reply")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := receive(t, a, LabelClipboard); string(got) != "reply" {
		t.Errorf("expected reply, got %q", got)
	}

	waitOpen(t, a, LabelClipboard)
	snap := a.Snapshot()
	if snap.PeerID != "bob" || snap.State != StateConnected || len(snap.Channels) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Channels[0].Name != LabelClipboard || !snap.Channels[0].Open || snap.Channels[0].LastActivity.IsZero() {
		t.Errorf("unexpected clipboard channel state: %+v", snap.Channels[0])
	}
}

func TestTrySendQueueFull(t *testing.T) {
	network := memory.NewNetwork()
	c := newTestConnection(t, network, "bob", func(cfg *Config) { cfg.ClipboardQueueDepth = 2 })

	for i := 0; i < 2; i++ {
		if err := c.TrySend(LabelClipboard, []byte("x")); err != nil {
			t.Fatalf("TrySend failed: %v", err)
		}
	}
	if err := c.TrySend(LabelClipboard, []byte("x")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if depth := c.Snapshot().Channels[0].OutboundQueueDepth; depth != 2 {
		t.Errorf("expected queue depth 2, got %d", depth)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Send(ctx, LabelClipboard, []byte("x")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected blocked Send to time out, got %v", err)
	}

	if err := c.TrySend("video", nil); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	network := memory.NewNetwork()
	c := newTestConnection(t, network, "bob", nil)

	if err := c.ApplyAnswer("memory-answer:s9"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, err := c.Offer(context.Background()); err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	if _, err := c.Offer(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for second offer, got %v", err)
	}
	if _, err := c.Answer(context.Background(), "memory-offer:s9:clipboard"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for answer while offering, got %v", err)
	}
}

func TestRemoteCloseClosesPeer(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestConnection(t, network, "bob", nil)
	b := newTestConnection(t, network, "alice", nil)
	handshake(t, a, b)
	waitState(t, b, StateConnected)

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote connection not done")
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
	if err := b.TrySend(LabelClipboard, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := b.AddCandidate("memory-candidate:s1"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestTransportFailureFailsConnection(t *testing.T) {
	network := memory.NewNetwork()
	session, _ := network.NewSession()
	a, err := NewConnection(Config{PeerID: "bob", Session: session, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("NewConnection failed: %v", err)
	}
	b := newTestConnection(t, network, "alice", nil)
	handshake(t, a, b)
	waitState(t, a, StateConnected)

	session.(*memory.Session).Fail()

	waitState(t, a, StateFailed)
	waitState(t, b, StateFailed)
	if a.Err() == nil {
		t.Error("expected failure reason")
	}
}

func TestFileSendErrorFailsConnection(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestConnection(t, network, "bob", nil)
	b := newTestConnection(t, network, "alice", nil)
	handshake(t, a, b)
	waitState(t, a, StateConnected)
	waitOpen(t, a, LabelFile)

	broken := errors.New("link broken")
	network.SetSendError(broken)

	if err := a.Send(context.Background(), LabelFile, []byte("frame")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitState(t, a, StateFailed)
	if !errors.Is(a.Err(), broken) {
		t.Errorf("expected failure to carry the send error, got %v", a.Err())
	}

	err := a.FileSink().SendFrame(context.Background(), []byte("frame"))
	if !errors.Is(err, transfer.ErrPeerGone) {
		t.Errorf("expected ErrPeerGone from file sink, got %v", err)
	}
}

func TestClipboardSendErrorKeepsConnection(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestConnection(t, network, "bob", nil)
	b := newTestConnection(t, network, "alice", nil)
	handshake(t, a, b)
	waitState(t, a, StateConnected)
	waitOpen(t, a, LabelClipboard)

	network.SetSendError(errors.New("link broken"))
	if err := a.Send(context.Background(), LabelClipboard, []byte("lost")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	network.SetSendError(nil)

	if err := a.Send(context.Background(), LabelClipboard, []byte("kept")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := receive(t, b, LabelClipboard); string(got) != "kept" {
		t.Errorf("expected kept, got %q", got)
	}
	if a.State() != StateConnected {
		t.Errorf("expected connection to stay up, got %s", a.State())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	network := memory.NewNetwork()
	c := newTestConnection(t, network, "bob", func(cfg *Config) { cfg.HandshakeTimeout = 50 * time.Millisecond })

	if _, err := c.Offer(context.Background()); err != nil {
		t.Fatalf("Offer failed: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not time out")
	}
	if c.State() != StateFailed || !errors.Is(c.Err(), ErrHandshakeTimeout) {
		t.Errorf("expected handshake timeout, got %s (%v)", c.State(), c.Err())
	}
}
