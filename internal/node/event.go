package node

import (
	"time"

	"github.com/rudransh-shrivastava/fluxbridge/internal/discovery"
	"github.com/rudransh-shrivastava/fluxbridge/internal/peer"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transfer"
)

type EventKind uint8

const (
	PeerDiscovered EventKind = iota + 1
	PeerLost
	TransferProgress
	TransferComplete
	TransferFailed
	ConnectionStateChanged
	ClipboardReceived
)

func (k EventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "peer-discovered"
	case PeerLost:
		return "peer-lost"
	case TransferProgress:
		return "transfer-progress"
	case TransferComplete:
		return "transfer-complete"
	case TransferFailed:
		return "transfer-failed"
	case ConnectionStateChanged:
		return "connection-state-changed"
	case ClipboardReceived:
		return "clipboard-received"
	default:
		return "unknown"
	}
}

// Event is one application notification. Fields beyond Kind, PeerID and
// Time are set according to Kind.
type Event struct {
	Kind   EventKind
	PeerID string
	Time   time.Time

	// Peer is set for PeerDiscovered and PeerLost.
	Peer discovery.Peer

	// Transfer is set for the transfer kinds.
	Transfer transfer.Info

	// State and Err are set for ConnectionStateChanged.
	State peer.State
	Err   error

	// Text is set for ClipboardReceived.
	Text string
}
