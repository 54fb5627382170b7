// Package transport defines the peer transport capability: sessions
// negotiated through offer/answer descriptions and trickled candidates,
// carrying named, ordered, message-preserving data channels.
package transport

import (
	"context"
	"errors"
)

var (
	ErrSessionClosed = errors.New("transport session closed")
	ErrChannelClosed = errors.New("data channel closed")
)

// State is the transport-level connection state of a session.
type State uint8

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine creates sessions.
type Engine interface {
	NewSession() (Session, error)
}

// Session is one negotiated connection to one remote peer.
type Session interface {
	// CreateOffer creates the labeled data channels and returns the local
	// offer description.
	CreateOffer(ctx context.Context, labels []string) (string, error)

	// AcceptOffer applies a remote offer and returns the local answer.
	// Channels created by the offerer are announced on Channels.
	AcceptOffer(ctx context.Context, offer string) (string, error)

	AcceptAnswer(answer string) error

	// AddCandidate applies a remote candidate. The remote description must
	// already be set.
	AddCandidate(candidate string) error

	// Candidates delivers local candidates as they are gathered and is
	// closed when gathering completes.
	Candidates() <-chan string

	States() <-chan State

	// Channels delivers each data channel once, whether created locally
	// or announced by the remote side.
	Channels() <-chan Channel

	Close() error
}

// Channel is one ordered, reliable data channel.
type Channel interface {
	Label() string

	// Opened is closed once the channel can carry messages.
	Opened() <-chan struct{}

	// Closed is closed when the channel ends for any reason.
	Closed() <-chan struct{}

	Send(data []byte) error

	// Messages delivers inbound messages in arrival order. It is never
	// closed; watch Closed instead.
	Messages() <-chan []byte

	// BufferedAmount is the number of bytes queued but not yet sent.
	BufferedAmount() uint64

	// BufferedAmountLow receives after BufferedAmount drops to
	// LowWatermark.
	BufferedAmountLow() <-chan struct{}

	Close() error
}
