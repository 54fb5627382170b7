// Package memory is an in-process transport engine. Sessions created from
// one Network negotiate with each other through opaque tokens and deliver
// messages through Go channels, so handshake and channel logic can run
// without sockets.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/fluxbridge/internal/transport"
)

const (
	offerPrefix     = "memory-offer:"
	answerPrefix    = "memory-answer:"
	candidatePrefix = "memory-candidate:"

	messageBuffer = 256
	stateBuffer   = 16
	channelBuffer = 8
)

var (
	ErrUnknownSession = errors.New("unknown memory session")
	ErrBadDescription = errors.New("malformed memory description")
	ErrNoRemote       = errors.New("remote description not set")
)

// Network is the shared medium for sessions.
type Network struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	next      int
	sendDelay time.Duration
	sendErr   error
}

var _ transport.Engine = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{sessions: make(map[string]*Session)}
}

// SetSendDelay slows every Send on sessions created afterwards.
func (n *Network) SetSendDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendDelay = d
}

// SetSendError makes every Send on the network fail with err until it is
// cleared with nil.
func (n *Network) SetSendError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendErr = err
}

func (n *Network) sendError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sendErr
}

// FailAll breaks every live session as if the path between peers died.
func (n *Network) FailAll() {
	n.mu.Lock()
	sessions := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	for _, s := range sessions {
		s.Fail()
	}
}

func (n *Network) NewSession() (transport.Session, error) {
	return n.newSession(), nil
}

func (n *Network) newSession() *Session {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	s := &Session{
		network:    n,
		id:         fmt.Sprintf("s%d", n.next),
		sendDelay:  n.sendDelay,
		candidates: make(chan string, 1),
		states:     make(chan transport.State, stateBuffer),
		channels:   make(chan transport.Channel, channelBuffer),
		closed:     make(chan struct{}),
		byLabel:    make(map[string]*Channel),
	}
	n.sessions[s.id] = s
	return s
}

func (n *Network) lookup(id string) (*Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

func (n *Network) forget(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sessions, id)
}

// Sessions returns the number of sessions not yet closed.
func (n *Network) Sessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sessions)
}

type Session struct {
	network   *Network
	id        string
	sendDelay time.Duration

	candidates chan string
	states     chan transport.State
	channels   chan transport.Channel
	closed     chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	remote    *Session
	remoteSet bool
	connected bool
	gathered  bool
	byLabel   map[string]*Channel
}

var _ transport.Session = (*Session)(nil)

// ID identifies the session inside its Network.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) CreateOffer(_ context.Context, labels []string) (string, error) {
	if s.isClosed() {
		return "", transport.ErrSessionClosed
	}
	for _, label := range labels {
		s.addChannel(label)
	}
	s.gatherOnce()
	return offerPrefix + s.id + ":" + strings.Join(labels, ","), nil
}

func (s *Session) AcceptOffer(_ context.Context, offer string) (string, error) {
	if s.isClosed() {
		return "", transport.ErrSessionClosed
	}

	rest, ok := strings.CutPrefix(offer, offerPrefix)
	if !ok {
		return "", ErrBadDescription
	}
	id, labelList, ok := strings.Cut(rest, ":")
	if !ok {
		return "", ErrBadDescription
	}

	offerer, err := s.network.lookup(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.remote = offerer
	s.remoteSet = true
	s.mu.Unlock()

	if labelList != "" {
		for _, label := range strings.Split(labelList, ",") {
			local := s.addChannel(label)
			if remote := offerer.channel(label); remote != nil {
				local.pair(remote)
			}
		}
	}

	s.gatherOnce()
	return answerPrefix + s.id, nil
}

func (s *Session) AcceptAnswer(answer string) error {
	if s.isClosed() {
		return transport.ErrSessionClosed
	}

	id, ok := strings.CutPrefix(answer, answerPrefix)
	if !ok {
		return ErrBadDescription
	}
	answerer, err := s.network.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.remote = answerer
	s.remoteSet = true
	s.mu.Unlock()

	s.connect()
	answerer.connect()
	return nil
}

func (s *Session) connect() {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = true
	chans := make([]*Channel, 0, len(s.byLabel))
	for _, ch := range s.byLabel {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	s.emit(transport.StateConnecting)
	s.emit(transport.StateConnected)
	for _, ch := range chans {
		ch.open()
	}
}

func (s *Session) AddCandidate(candidate string) error {
	if !strings.HasPrefix(candidate, candidatePrefix) {
		return ErrBadDescription
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remoteSet {
		return ErrNoRemote
	}
	return nil
}

func (s *Session) gatherOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gathered {
		return
	}
	s.gathered = true
	s.candidates <- candidatePrefix + s.id
	close(s.candidates)
}

func (s *Session) Candidates() <-chan string {
	return s.candidates
}

func (s *Session) States() <-chan transport.State {
	return s.states
}

func (s *Session) Channels() <-chan transport.Channel {
	return s.channels
}

func (s *Session) addChannel(label string) *Channel {
	s.mu.Lock()
	if ch, ok := s.byLabel[label]; ok {
		s.mu.Unlock()
		return ch
	}
	ch := newChannel(s.network, label, s.sendDelay)
	s.byLabel[label] = ch
	s.mu.Unlock()

	s.channels <- ch
	return ch
}

func (s *Session) channel(label string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byLabel[label]
}

func (s *Session) emit(st transport.State) {
	select {
	case s.states <- st:
	default:
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close ends the session. The remote side observes StateClosed.
func (s *Session) Close() error {
	s.shutdown(transport.StateClosed, true)
	return nil
}

// Fail simulates a broken path: both sides observe StateFailed.
func (s *Session) Fail() {
	s.shutdown(transport.StateFailed, true)
}

func (s *Session) shutdown(st transport.State, propagate bool) {
	var remote *Session
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		remote = s.remote
		chans := make([]*Channel, 0, len(s.byLabel))
		for _, ch := range s.byLabel {
			chans = append(chans, ch)
		}
		s.mu.Unlock()

		for _, ch := range chans {
			_ = ch.Close()
		}
		s.emit(st)
		s.network.forget(s.id)
	})

	if propagate && remote != nil {
		remote.shutdown(st, false)
	}
}

type Channel struct {
	network   *Network
	label     string
	sendDelay time.Duration

	opened    chan struct{}
	closed    chan struct{}
	messages  chan []byte
	low       chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once

	mu     sync.Mutex
	remote *Channel
}

var _ transport.Channel = (*Channel)(nil)

func newChannel(network *Network, label string, sendDelay time.Duration) *Channel {
	return &Channel{
		network:   network,
		label:     label,
		sendDelay: sendDelay,
		opened:    make(chan struct{}),
		closed:    make(chan struct{}),
		messages:  make(chan []byte, messageBuffer),
		low:       make(chan struct{}, 1),
	}
}

func (c *Channel) pair(other *Channel) {
	c.mu.Lock()
	c.remote = other
	c.mu.Unlock()

	other.mu.Lock()
	other.remote = c
	other.mu.Unlock()
}

func (c *Channel) open() {
	c.openOnce.Do(func() { close(c.opened) })
}

func (c *Channel) Label() string                      { return c.label }
func (c *Channel) Opened() <-chan struct{}            { return c.opened }
func (c *Channel) Closed() <-chan struct{}            { return c.closed }
func (c *Channel) Messages() <-chan []byte            { return c.messages }
func (c *Channel) BufferedAmount() uint64             { return 0 }
func (c *Channel) BufferedAmountLow() <-chan struct{} { return c.low }

// Send copies data to the remote side, blocking while its inbound buffer
// is full.
func (c *Channel) Send(data []byte) error {
	select {
	case <-c.closed:
		return transport.ErrChannelClosed
	case <-c.opened:
	default:
		return errors.New("data channel not open")
	}

	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote == nil {
		return errors.New("data channel not paired")
	}
	if err := c.network.sendError(); err != nil {
		return err
	}

	if c.sendDelay > 0 {
		time.Sleep(c.sendDelay)
	}

	msg := append([]byte(nil), data...)
	select {
	case remote.messages <- msg:
		return nil
	case <-remote.closed:
		return transport.ErrChannelClosed
	case <-c.closed:
		return transport.ErrChannelClosed
	}
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote != nil {
		remote.closeOnce.Do(func() { close(remote.closed) })
	}
	return nil
}
