package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rudransh-shrivastava/fluxbridge/internal/discovery"
	"github.com/rudransh-shrivastava/fluxbridge/internal/peer"
	"github.com/rudransh-shrivastava/fluxbridge/internal/protocol"
	"github.com/rudransh-shrivastava/fluxbridge/internal/signaling"
)

// handshake is one connection attempt keyed by its session id. link is
// the outbound signaling session to the remote peer; it is closed once
// the connection is up.
type handshake struct {
	conn          *peer.Connection
	connected     chan struct{}
	connectedOnce sync.Once

	mu   sync.Mutex
	link *signaling.Session
}

func (h *handshake) markConnected() {
	h.connectedOnce.Do(func() { close(h.connected) })
}

func (h *handshake) setLink(link *signaling.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.link = link
}

func (h *handshake) send(msg protocol.SignalingMessage) error {
	h.mu.Lock()
	link := h.link
	h.mu.Unlock()
	if link == nil {
		return signaling.ErrClosed
	}
	return link.Enqueue(msg)
}

func (h *handshake) closeLink() {
	h.mu.Lock()
	link := h.link
	h.link = nil
	h.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

func (n *Node) lookupHandshake(sessionID string) *handshake {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handshakes[sessionID]
}

func (n *Node) forgetHandshake(h *handshake) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handshakes[h.conn.SessionID()] == h {
		delete(n.handshakes, h.conn.SessionID())
	}
}

// newHandshake creates a connection to peerID, registers it (superseding
// any live one) and starts serving it.
func (n *Node) newHandshake(peerID, sessionID string) (*handshake, error) {
	session, err := n.engine.NewSession()
	if err != nil {
		return nil, fmt.Errorf("creating transport session: %w", err)
	}

	conn, err := peer.NewConnection(peer.Config{
		PeerID:              peerID,
		SessionID:           sessionID,
		Session:             session,
		HandshakeTimeout:    n.cfg.Peer.HandshakeTimeout,
		ClipboardQueueDepth: n.cfg.Peer.ClipboardQueueDepth,
		FileQueueDepth:      n.cfg.Peer.FileQueueDepth,
		Logger:              n.logger,
	})
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	h := &handshake{conn: conn, connected: make(chan struct{})}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	if _, exists := n.handshakes[conn.SessionID()]; exists {
		n.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("session %s already active", conn.SessionID())
	}
	n.handshakes[conn.SessionID()] = h
	n.mu.Unlock()

	n.registry.Register(conn)
	if !n.goFunc(func() { n.serveConnection(h) }) {
		_ = conn.Close()
		n.forgetHandshake(h)
		return nil, ErrClosed
	}
	return h, nil
}

// serveConnection reports state changes and dispatches inbound channel
// messages until the connection ends.
func (n *Node) serveConnection(h *handshake) {
	conn := h.conn
	peerID := conn.PeerID()
	defer n.forgetHandshake(h)
	defer h.closeLink()

	report := func(change peer.StateChange) {
		n.emit(Event{Kind: ConnectionStateChanged, PeerID: peerID, State: change.To, Err: change.Err})
		if change.To == peer.StateConnected {
			h.markConnected()
			h.closeLink()
		}
	}

	changes := conn.StateChanges()
	clipboardMsgs := conn.Messages(peer.LabelClipboard)
	fileMsgs := conn.Messages(peer.LabelFile)
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			report(change)
		case data := <-clipboardMsgs:
			n.receiveClipboard(peerID, string(data))
		case frame := <-fileMsgs:
			if err := n.transfers.HandleFrame(peerID, conn.FileSink(), frame); err != nil {
				n.logger.Warn("Rejected file frame", "peer", peerID, "error", err)
			}
		case <-conn.Done():
			if changes != nil {
				for change := range changes {
					report(change)
				}
			}
			return
		}
	}
}

func (n *Node) forwardCandidates(h *handshake) {
	candidates := h.conn.Candidates()
	for {
		select {
		case candidate, ok := <-candidates:
			if !ok {
				return
			}
			msg := protocol.NewCandidate(h.conn.SessionID(), n.id, candidate)
			if err := h.send(msg); err != nil {
				n.logger.Debug("Stopped forwarding candidates", "peer", h.conn.PeerID(), "error", err)
				return
			}
		case <-h.connected:
			return
		case <-h.conn.Done():
			return
		}
	}
}

func (n *Node) handleSignals() {
	for in := range n.listener.Inbound() {
		n.handleSignal(in)
	}
}

func (n *Node) handleSignal(in signaling.Inbound) {
	msg := in.Message
	if msg.Session == "" {
		n.logger.Debug("Discarding signaling message without session", "remote", in.RemoteAddr.String())
		return
	}

	if msg.Type == protocol.SignalOffer {
		n.answer(in)
		return
	}
	if n.holdEarlySignal(msg) {
		return
	}

	h := n.lookupHandshake(msg.Session)
	if h == nil {
		n.logger.Debug("Discarding message for unknown session", "type", msg.Type.String(), "session", msg.Session)
		return
	}
	if msg.From != "" && msg.From != h.conn.PeerID() {
		n.logger.Warn("Discarding message from unexpected peer", "session", msg.Session, "from", msg.From)
		return
	}

	switch msg.Type {
	case protocol.SignalAnswer:
		if err := h.conn.ApplyAnswer(msg.Payload); err != nil {
			n.logger.Warn("Failed to apply answer", "peer", h.conn.PeerID(), "error", err)
		}
	case protocol.SignalCandidate:
		if err := h.conn.AddCandidate(msg.Payload); err != nil {
			n.logger.Debug("Ignoring remote candidate", "peer", h.conn.PeerID(), "error", err)
		}
	}
}

// answer accepts an offer. Replies go over a session dialed back to the
// offerer's advertised signaling port, so the offerer must be known to
// the directory. The dial and answer run in their own goroutine so one
// unreachable offerer does not hold up signaling for everyone else.
func (n *Node) answer(in signaling.Inbound) {
	msg := in.Message
	if msg.From == "" || msg.From == n.id {
		n.logger.Debug("Discarding offer without sender", "remote", in.RemoteAddr.String())
		return
	}

	p, ok := n.directory.Get(msg.From)
	if !ok {
		n.logger.Warn("Discarding offer from undiscovered peer", "peer", msg.From, "remote", in.RemoteAddr.String())
		return
	}

	if !n.reserveAnswer(msg.Session) {
		n.logger.Debug("Ignoring duplicate offer", "peer", msg.From, "session", msg.Session)
		return
	}
	if !n.goFunc(func() { n.completeAnswer(p, msg) }) {
		n.takeEarlySignals(msg.Session)
	}
}

func (n *Node) completeAnswer(p discovery.Peer, offer protocol.SignalingMessage) {
	h, err := n.acceptOffer(p, offer)
	early := n.takeEarlySignals(offer.Session)
	if err != nil {
		n.logger.Warn("Failed to answer offer", "peer", p.ID, "session", offer.Session, "error", err)
		return
	}

	for _, msg := range early {
		if msg.From != "" && msg.From != p.ID {
			continue
		}
		if err := h.conn.AddCandidate(msg.Payload); err != nil {
			n.logger.Debug("Ignoring remote candidate", "peer", p.ID, "error", err)
		}
	}
	n.goFunc(func() { n.forwardCandidates(h) })
}

func (n *Node) acceptOffer(p discovery.Peer, offer protocol.SignalingMessage) (*handshake, error) {
	link, err := n.dialPeer(p)
	if err != nil {
		return nil, err
	}

	h, err := n.newHandshake(p.ID, offer.Session)
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	h.setLink(link)

	n.logger.Info("Answering offer", "peer", p.ID, "session", offer.Session)
	answer, err := h.conn.Answer(n.ctx, offer.Payload)
	if err != nil {
		_ = h.conn.Close()
		return nil, err
	}
	if err := h.send(protocol.NewAnswer(offer.Session, n.id, answer)); err != nil {
		_ = h.conn.Close()
		return nil, fmt.Errorf("sending answer: %w", err)
	}
	return h, nil
}

// reserveAnswer claims a session for answering. It fails when the session
// is already being answered or has a handshake.
func (n *Node) reserveAnswer(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.answering[sessionID]; ok {
		return false
	}
	if _, ok := n.handshakes[sessionID]; ok {
		return false
	}
	n.answering[sessionID] = nil
	return true
}

// holdEarlySignal keeps candidates for a session that is still being
// answered. It reports whether msg was consumed.
func (n *Node) holdEarlySignal(msg protocol.SignalingMessage) bool {
	n.mu.Lock()
	held, ok := n.answering[msg.Session]
	keep := ok && msg.Type == protocol.SignalCandidate && len(held) < maxEarlySignals
	if keep {
		n.answering[msg.Session] = append(held, msg)
	}
	n.mu.Unlock()

	if ok && !keep {
		n.logger.Debug("Dropping early signaling message", "type", msg.Type.String(), "session", msg.Session)
	}
	return ok
}

// takeEarlySignals releases the reservation and returns what was held.
func (n *Node) takeEarlySignals(sessionID string) []protocol.SignalingMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	held := n.answering[sessionID]
	delete(n.answering, sessionID)
	return held
}

// maybeConnect starts maintaining a connection to peerID when this node
// is the one that offers and nothing is live yet.
func (n *Node) maybeConnect(peerID string) {
	if !signaling.ShouldOffer(n.id, peerID) {
		return
	}
	if c := n.registry.Get(peerID); c != nil && !c.State().Terminal() {
		return
	}

	n.mu.Lock()
	if n.closed || n.dialing[peerID] {
		n.mu.Unlock()
		return
	}
	n.dialing[peerID] = true
	n.mu.Unlock()

	started := n.goFunc(func() {
		defer n.stopDialing(peerID)
		n.maintain(peerID)
	})
	if !started {
		n.stopDialing(peerID)
	}
}

func (n *Node) stopDialing(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.dialing, peerID)
}

// maintain connects to peerID and reconnects after a failure. When every
// attempt fails the peer is dropped from the directory and reported lost.
func (n *Node) maintain(peerID string) {
	for {
		conn, err := n.connectWithRetry(peerID)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Warn("Giving up on peer", "peer", peerID, "error", err)
			if note, ok := n.directory.Remove(peerID); ok {
				n.emit(Event{Kind: PeerLost, PeerID: peerID, Peer: note.Peer})
			}
			return
		}

		select {
		case <-conn.Done():
		case <-n.ctx.Done():
			return
		}

		if conn.State() != peer.StateFailed {
			return
		}
		if _, ok := n.directory.Get(peerID); !ok {
			return
		}
		if c := n.registry.Get(peerID); c != nil && c != conn && !c.State().Terminal() {
			return
		}
		n.logger.Info("Reconnecting to peer", "peer", peerID, "cause", conn.Err())
	}
}

func (n *Node) reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.Reconnect.InitialInterval
	b.MaxInterval = n.cfg.Reconnect.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	retries := n.cfg.Reconnect.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), n.ctx)
}

func (n *Node) connectWithRetry(peerID string) (*peer.Connection, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (*peer.Connection, error) {
		attempt++
		return n.offer(peerID)
	}, n.reconnectBackOff(), func(err error, wait time.Duration) {
		n.logger.Warn("Connection attempt failed", "peer", peerID, "attempt", attempt, "retry_in", wait, "error", err)
	})
}

// offer runs one offering handshake and waits until it connects or
// fails.
func (n *Node) offer(peerID string) (*peer.Connection, error) {
	p, ok := n.directory.Get(peerID)
	if !ok {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", peer.ErrUnknownPeer, peerID))
	}
	if c := n.registry.Get(peerID); c != nil && c.State() == peer.StateConnected {
		return c, nil
	}

	link, err := n.dialPeer(p)
	if err != nil {
		return nil, err
	}

	h, err := n.newHandshake(peerID, "")
	if err != nil {
		_ = link.Close()
		if errors.Is(err, ErrClosed) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	h.setLink(link)

	n.logger.Info("Offering connection", "peer", peerID, "session", h.conn.SessionID())
	sdp, err := h.conn.Offer(n.ctx)
	if err != nil {
		return nil, err
	}
	if err := h.send(protocol.NewOffer(h.conn.SessionID(), n.id, sdp)); err != nil {
		_ = h.conn.Close()
		return nil, fmt.Errorf("sending offer: %w", err)
	}
	n.goFunc(func() { n.forwardCandidates(h) })

	select {
	case <-h.connected:
		return h.conn, nil
	case <-h.conn.Done():
		if err := h.conn.Err(); err != nil {
			return nil, err
		}
		return nil, peer.ErrClosed
	case <-n.ctx.Done():
		return nil, backoff.Permanent(n.ctx.Err())
	}
}
