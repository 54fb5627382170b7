package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/fluxbridge/internal/transport"
)

const (
	candidateBuffer = 64
	stateBuffer     = 16
	channelBuffer   = 8
	messageBuffer   = 256
)

type session struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	candidates chan string
	states     chan transport.State
	channels   chan transport.Channel
	closed     chan struct{}
	closeOnce  sync.Once

	mu             sync.Mutex
	gatheringDone  bool
	channelsByName map[string]*channel
}

func newSession(pc *webrtc.PeerConnection, logger *slog.Logger) *session {
	s := &session{
		pc:             pc,
		logger:         logger,
		candidates:     make(chan string, candidateBuffer),
		states:         make(chan transport.State, stateBuffer),
		channels:       make(chan transport.Channel, channelBuffer),
		closed:         make(chan struct{}),
		channelsByName: make(map[string]*channel),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		s.onCandidate(c)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger.Debug("Peer connection state changed", "state", st.String())
		select {
		case s.states <- mapState(st):
		default:
			s.logger.Warn("Dropping transport state change", "state", st.String())
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.addChannel(dc)
	})

	return s
}

func mapState(st webrtc.PeerConnectionState) transport.State {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return transport.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return transport.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return transport.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return transport.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return transport.StateClosed
	default:
		return transport.StateNew
	}
}

func (s *session) onCandidate(c *webrtc.ICECandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gatheringDone {
		return
	}
	if c == nil {
		s.gatheringDone = true
		close(s.candidates)
		return
	}

	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		s.logger.Warn("Failed to encode ICE candidate", "error", err)
		return
	}
	select {
	case s.candidates <- string(data):
	default:
		s.logger.Warn("Dropping ICE candidate, queue full")
	}
}

func (s *session) addChannel(dc *webrtc.DataChannel) {
	ch := newChannel(dc)

	s.mu.Lock()
	if _, exists := s.channelsByName[dc.Label()]; exists {
		s.mu.Unlock()
		s.logger.Warn("Ignoring duplicate data channel", "label", dc.Label())
		_ = dc.Close()
		return
	}
	s.channelsByName[dc.Label()] = ch
	s.mu.Unlock()

	select {
	case s.channels <- ch:
	case <-s.closed:
	}
}

func (s *session) CreateOffer(_ context.Context, labels []string) (string, error) {
	for _, label := range labels {
		dc, err := s.pc.CreateDataChannel(label, DefaultDataChannelConfig())
		if err != nil {
			return "", fmt.Errorf("failed to create data channel %q: %w", label, err)
		}
		s.addChannel(dc)
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (s *session) AcceptOffer(_ context.Context, sdp string) (string, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (s *session) AcceptAnswer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (s *session) AddCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("failed to decode ICE candidate: %w", err)
	}
	return s.pc.AddICECandidate(init)
}

func (s *session) Candidates() <-chan string {
	return s.candidates
}

func (s *session) States() <-chan transport.State {
	return s.states
}

func (s *session) Channels() <-chan transport.Channel {
	return s.channels
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.pc.Close()
	})
	return err
}

type channel struct {
	dc       *webrtc.DataChannel
	opened   chan struct{}
	closed   chan struct{}
	messages chan []byte
	low      chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
}

func newChannel(dc *webrtc.DataChannel) *channel {
	c := &channel{
		dc:       dc,
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
		messages: make(chan []byte, messageBuffer),
		low:      make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(transport.LowWatermark)

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.messages <- msg.Data:
		case <-c.closed:
		}
	})

	dc.OnBufferedAmountLow(func() {
		select {
		case c.low <- struct{}{}:
		default:
		}
	})

	dc.OnClose(func() {
		c.closeOnce.Do(func() { close(c.closed) })
	})

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.openOnce.Do(func() { close(c.opened) })
	}

	return c
}

func (c *channel) Label() string                      { return c.dc.Label() }
func (c *channel) Opened() <-chan struct{}            { return c.opened }
func (c *channel) Closed() <-chan struct{}            { return c.closed }
func (c *channel) Messages() <-chan []byte            { return c.messages }
func (c *channel) BufferedAmount() uint64             { return c.dc.BufferedAmount() }
func (c *channel) BufferedAmountLow() <-chan struct{} { return c.low }

func (c *channel) Send(data []byte) error {
	select {
	case <-c.closed:
		return transport.ErrChannelClosed
	default:
	}
	return c.dc.Send(data)
}

func (c *channel) Close() error {
	err := c.dc.Close()
	c.closeOnce.Do(func() { close(c.closed) })
	return err
}
