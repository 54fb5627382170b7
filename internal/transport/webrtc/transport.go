// Package webrtc implements the transport engine on pion WebRTC data
// channels.
package webrtc

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/fluxbridge/internal/transport"
)

const dataChannelProtocol = "fluxbridge"

// DefaultSTUNConfig builds the ICE configuration. An empty server list
// gathers host candidates only, which is enough on one LAN segment.
func DefaultSTUNConfig(stunServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return cfg
}

// DefaultDataChannelConfig is ordered and fully reliable.
func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := dataChannelProtocol
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}

type Config struct {
	STUNServers []string
	Logger      *slog.Logger
}

type Engine struct {
	config webrtc.Configuration
	logger *slog.Logger
}

var _ transport.Engine = (*Engine)(nil)

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		config: DefaultSTUNConfig(cfg.STUNServers),
		logger: logger,
	}
}

func (e *Engine) NewSession() (transport.Session, error) {
	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newSession(pc, e.logger), nil
}
