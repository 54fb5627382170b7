// Package peer manages direct connections to remote peers: the handshake
// state machine, the "clipboard" and "file" data channels with their
// bounded outbound queues, and the registry of live connections.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rudransh-shrivastava/fluxbridge/internal/protocol"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transfer"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transport"
)

const (
	LabelClipboard = protocol.LabelClipboard
	LabelFile      = protocol.LabelFile
)

// Labels are the data channels every connection carries.
var Labels = []string{LabelClipboard, LabelFile}

var (
	ErrQueueFull        = errors.New("outbound queue full")
	ErrUnknownChannel   = errors.New("unknown data channel")
	ErrInvalidState     = errors.New("invalid connection state")
	ErrClosed           = errors.New("connection closed")
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

type State uint8

const (
	StateNew State = iota
	StateOffering
	StateAnswering
	StateNegotiating
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State][]State{
	StateNew:         {StateOffering, StateAnswering},
	StateOffering:    {StateNegotiating, StateConnected},
	StateAnswering:   {StateNegotiating, StateConnected},
	StateNegotiating: {StateConnected},
	StateConnected:   {},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type StateChange struct {
	From State
	To   State
	// Err is set on transitions to StateFailed.
	Err error
}

type ChannelState struct {
	Name               string
	Open               bool
	OutboundQueueDepth int
	LastActivity       time.Time
}

type Snapshot struct {
	PeerID    string
	SessionID string
	State     State
	Channels  []ChannelState
}

type Connection struct {
	peerID           string
	sessionID        string
	session          transport.Session
	logger           *slog.Logger
	handshakeTimeout time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	changes chan StateChange
	done    chan struct{}

	// candMu keeps remote candidates in arrival order across the flush
	// that follows the remote description.
	candMu sync.Mutex

	mu        sync.Mutex
	state     State
	err       error
	remoteSet bool
	pending   []string
	channels  map[string]*channel
}

type channel struct {
	label   string
	queue   chan []byte
	inbound chan []byte
	bound   chan struct{}

	mu           sync.Mutex
	tc           transport.Channel
	open         bool
	lastActivity time.Time
}

func (ch *channel) transport() transport.Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.tc
}

func (ch *channel) setOpen(open bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.open = open
	if open {
		ch.lastActivity = time.Now()
	}
}

func (ch *channel) touch() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.lastActivity = time.Now()
}

func (ch *channel) state() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ChannelState{
		Name:               ch.label,
		Open:               ch.open,
		OutboundQueueDepth: len(ch.queue),
		LastActivity:       ch.lastActivity,
	}
}

// NewConnection wraps a fresh transport session. The connection starts in
// StateNew; call Offer or Answer to begin the handshake.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.PeerID == "" {
		return nil, errors.New("peer id is required")
	}
	if cfg.Session == nil {
		return nil, errors.New("transport session is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	depths := map[string]int{
		LabelClipboard: cfg.ClipboardQueueDepth,
		LabelFile:      cfg.FileQueueDepth,
	}
	if depths[LabelClipboard] <= 0 {
		depths[LabelClipboard] = DefaultClipboardQueueDepth
	}
	if depths[LabelFile] <= 0 {
		depths[LabelFile] = DefaultFileQueueDepth
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		peerID:           cfg.PeerID,
		sessionID:        sessionID,
		session:          cfg.Session,
		logger:           logger.With("peer", cfg.PeerID, "session", sessionID),
		handshakeTimeout: handshakeTimeout,
		ctx:              ctx,
		cancel:           cancel,
		// Every connection makes at most five transitions.
		changes:  make(chan StateChange, 8),
		done:     make(chan struct{}),
		channels: make(map[string]*channel, len(Labels)),
	}
	for _, label := range Labels {
		ch := &channel{
			label:   label,
			queue:   make(chan []byte, depths[label]),
			inbound: make(chan []byte, inboundBuffer),
			bound:   make(chan struct{}),
		}
		c.channels[label] = ch
		go c.writeLoop(ch)
	}

	go c.watch()
	return c, nil
}

func (c *Connection) PeerID() string    { return c.peerID }
func (c *Connection) SessionID() string { return c.sessionID }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the failure reason once the connection is Failed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// StateChanges delivers every transition in order and is closed after the
// terminal one.
func (c *Connection) StateChanges() <-chan StateChange {
	return c.changes
}

// Done is closed once the connection is Closed or Failed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Candidates delivers local candidates to forward to the remote peer.
func (c *Connection) Candidates() <-chan string {
	return c.session.Candidates()
}

// Offer creates the data channels and returns the local offer.
func (c *Connection) Offer(ctx context.Context) (string, error) {
	if err := c.transition(StateNew, StateOffering); err != nil {
		return "", err
	}

	offer, err := c.session.CreateOffer(ctx, Labels)
	if err != nil {
		c.fail(fmt.Errorf("create offer: %w", err))
		return "", err
	}
	return offer, nil
}

// Answer applies a remote offer and returns the local answer.
func (c *Connection) Answer(ctx context.Context, offer string) (string, error) {
	if err := c.transition(StateNew, StateAnswering); err != nil {
		return "", err
	}

	answer, err := c.session.AcceptOffer(ctx, offer)
	if err != nil {
		c.fail(fmt.Errorf("accept offer: %w", err))
		return "", err
	}
	c.flushCandidates()
	_ = c.transition(StateAnswering, StateNegotiating)
	return answer, nil
}

// ApplyAnswer applies the remote answer to a connection that offered.
func (c *Connection) ApplyAnswer(answer string) error {
	if err := c.transition(StateOffering, StateNegotiating); err != nil {
		return err
	}

	if err := c.session.AcceptAnswer(answer); err != nil {
		c.fail(fmt.Errorf("accept answer: %w", err))
		return err
	}
	c.flushCandidates()
	return nil
}

// AddCandidate applies a remote candidate, holding it until the remote
// description is known.
func (c *Connection) AddCandidate(candidate string) error {
	c.candMu.Lock()
	defer c.candMu.Unlock()

	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.remoteSet {
		c.pending = append(c.pending, candidate)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.session.AddCandidate(candidate)
}

func (c *Connection) flushCandidates() {
	c.candMu.Lock()
	defer c.candMu.Unlock()

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := c.session.AddCandidate(candidate); err != nil {
			c.logger.Debug("Ignoring remote candidate", "error", err)
		}
	}
}

// transition moves from one state to another, failing if the connection
// is no longer in from.
func (c *Connection) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != from || !canTransition(from, to) {
		return fmt.Errorf("%w: %s to %s while %s", ErrInvalidState, from, to, c.state)
	}
	c.setStateLocked(to, nil)
	return nil
}

// setStateLocked records a transition. c.mu must be held.
func (c *Connection) setStateLocked(to State, err error) {
	change := StateChange{From: c.state, To: to, Err: err}
	c.state = to
	if err != nil {
		c.err = err
	}
	c.changes <- change
	c.logger.Debug("Connection state changed", "from", change.From, "to", to)

	if to.Terminal() {
		close(c.changes)
		close(c.done)
	}
}

// finish moves to a terminal state and releases the transport.
func (c *Connection) finish(to State, err error) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(to, err)
	c.mu.Unlock()

	c.cancel()
	if cerr := c.session.Close(); cerr != nil {
		c.logger.Debug("Failed to close transport session", "error", cerr)
	}
	if err != nil {
		c.logger.Warn("Connection failed", "error", err)
	} else {
		c.logger.Info("Connection closed")
	}
	return true
}

func (c *Connection) fail(err error) {
	c.finish(StateFailed, err)
}

func (c *Connection) Close() error {
	c.finish(StateClosed, nil)
	return nil
}

// watch follows the transport session until the connection ends.
func (c *Connection) watch() {
	timer := time.NewTimer(c.handshakeTimeout)
	defer timer.Stop()

	states := c.session.States()
	channels := c.session.Channels()
	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
			if st := c.State(); st != StateConnected && !st.Terminal() {
				c.fail(fmt.Errorf("%w after %s", ErrHandshakeTimeout, c.handshakeTimeout))
			}
		case st := <-states:
			c.onTransportState(st)
		case tc := <-channels:
			c.bind(tc)
		}
	}
}

func (c *Connection) onTransportState(st transport.State) {
	switch st {
	case transport.StateConnected:
		c.mu.Lock()
		if canTransition(c.state, StateConnected) {
			c.setStateLocked(StateConnected, nil)
			c.mu.Unlock()
			c.logger.Info("Connected to peer")
			return
		}
		c.mu.Unlock()
	case transport.StateDisconnected, transport.StateFailed:
		c.fail(fmt.Errorf("transport %s", st))
	case transport.StateClosed:
		c.finish(StateClosed, nil)
	}
}

func (c *Connection) bind(tc transport.Channel) {
	c.mu.Lock()
	ch, ok := c.channels[tc.Label()]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("Closing unexpected data channel", "label", tc.Label())
		_ = tc.Close()
		return
	}

	ch.mu.Lock()
	if ch.tc != nil {
		ch.mu.Unlock()
		return
	}
	ch.tc = tc
	ch.mu.Unlock()
	close(ch.bound)

	go c.readLoop(ch, tc)
}

func (c *Connection) readLoop(ch *channel, tc transport.Channel) {
	select {
	case <-tc.Opened():
	case <-tc.Closed():
		return
	case <-c.done:
		return
	}
	ch.setOpen(true)
	c.logger.Debug("Data channel open", "label", ch.label)

	for {
		select {
		case msg := <-tc.Messages():
			ch.touch()
			select {
			case ch.inbound <- msg:
			case <-c.done:
				return
			}
		case <-tc.Closed():
			ch.setOpen(false)
			c.logger.Debug("Data channel closed", "label", ch.label)
			return
		case <-c.done:
			ch.setOpen(false)
			return
		}
	}
}

// writeLoop drains one outbound queue once its channel opens.
func (c *Connection) writeLoop(ch *channel) {
	select {
	case <-ch.bound:
	case <-c.done:
		return
	}
	tc := ch.transport()

	select {
	case <-tc.Opened():
	case <-tc.Closed():
		return
	case <-c.done:
		return
	}

	for {
		select {
		case data := <-ch.queue:
			if err := transport.WaitWritable(c.ctx, tc); err != nil {
				return
			}
			if err := tc.Send(data); err != nil {
				if errors.Is(err, transport.ErrChannelClosed) {
					return
				}
				// A dropped clipboard update is superseded by the next one. A
				// dropped file frame leaves a hole the receiver cannot fill.
				if ch.label == LabelFile {
					c.fail(fmt.Errorf("sending on %s channel: %w", ch.label, err))
					return
				}
				c.logger.Warn("Failed to send on data channel", "label", ch.label, "error", err)
				continue
			}
			ch.touch()
		case <-tc.Closed():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Connection) channel(label string) (*channel, error) {
	ch, ok := c.channels[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, label)
	}
	return ch, nil
}

// Send queues data on the labeled channel, blocking while its queue is
// full. Data queued before the channel opens is sent once it does.
func (c *Connection) Send(ctx context.Context, label string, data []byte) error {
	ch, err := c.channel(label)
	if err != nil {
		return err
	}
	if c.State().Terminal() {
		return ErrClosed
	}

	select {
	case ch.queue <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues data without blocking and returns ErrQueueFull when the
// queue has no room.
func (c *Connection) TrySend(label string, data []byte) error {
	ch, err := c.channel(label)
	if err != nil {
		return err
	}
	if c.State().Terminal() {
		return ErrClosed
	}

	select {
	case ch.queue <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Messages delivers inbound messages of the labeled channel in arrival
// order. It is never closed; watch Done instead.
func (c *Connection) Messages(label string) <-chan []byte {
	ch, ok := c.channels[label]
	if !ok {
		return nil
	}
	return ch.inbound
}

// ChannelOpen reports whether the labeled channel can carry messages.
func (c *Connection) ChannelOpen(label string) bool {
	ch, ok := c.channels[label]
	if !ok {
		return false
	}
	return ch.state().Open
}

// FileSink sends transfer frames on the "file" channel. Once the
// connection is gone its errors wrap transfer.ErrPeerGone.
func (c *Connection) FileSink() transfer.Sink {
	return transfer.SinkFunc(func(ctx context.Context, frame []byte) error {
		err := c.Send(ctx, LabelFile, frame)
		if errors.Is(err, ErrClosed) {
			return fmt.Errorf("%w: %w", transfer.ErrPeerGone, err)
		}
		return err
	})
}

func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		PeerID:    c.peerID,
		SessionID: c.sessionID,
		State:     c.state,
	}
	c.mu.Unlock()

	for _, ch := range c.channels {
		snap.Channels = append(snap.Channels, ch.state())
	}
	sort.Slice(snap.Channels, func(i, j int) bool { return snap.Channels[i].Name < snap.Channels[j].Name })
	return snap
}
