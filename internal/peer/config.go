package peer

import (
	"log/slog"
	"time"

	"github.com/rudransh-shrivastava/fluxbridge/internal/transfer"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transport"
)

const (
	DefaultHandshakeTimeout    = 20 * time.Second
	DefaultClipboardQueueDepth = 16
	DefaultFileQueueDepth      = 64

	inboundBuffer = 64
)

type Config struct {
	PeerID string
	// SessionID identifies the handshake on the signaling channel. A
	// random one is generated when empty.
	SessionID string
	Session   transport.Session

	// HandshakeTimeout fails a connection that is not Connected in time.
	HandshakeTimeout    time.Duration
	ClipboardQueueDepth int
	FileQueueDepth      int
	Logger              *slog.Logger
}

type RegistryConfig struct {
	Transfers *transfer.Manager
	Logger    *slog.Logger
}
