// Package node wires discovery, signaling, peer connections, transfers
// and clipboard sync into one running instance and reports what happens
// as a stream of Events.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/fluxbridge/internal/clipboard"
	"github.com/rudransh-shrivastava/fluxbridge/internal/config"
	"github.com/rudransh-shrivastava/fluxbridge/internal/db"
	"github.com/rudransh-shrivastava/fluxbridge/internal/discovery"
	"github.com/rudransh-shrivastava/fluxbridge/internal/peer"
	"github.com/rudransh-shrivastava/fluxbridge/internal/protocol"
	"github.com/rudransh-shrivastava/fluxbridge/internal/signaling"
	"github.com/rudransh-shrivastava/fluxbridge/internal/store"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transfer"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transport"
)

const (
	eventBuffer     = 256
	dialTimeout     = 5 * time.Second
	historyTimeout  = 5 * time.Second
	maxEarlySignals = 64
)

var (
	ErrClosed         = errors.New("node closed")
	ErrAlreadyStarted = errors.New("node already started")
)

type Options struct {
	Config config.Config
	Logger *slog.Logger

	// LocalID is the discovery instance name other peers know this node
	// by. A fresh one is generated when empty.
	LocalID string

	Discovery discovery.Backend
	Engine    transport.Engine

	// Clipboard is nil to run without clipboard sync.
	Clipboard clipboard.Provider

	// Transfers and Peers record history when set.
	Transfers store.TransferRepository
	Peers     store.PeerRepository
}

type Node struct {
	cfg    config.Config
	id     string
	logger *slog.Logger
	engine transport.Engine

	discovery *discovery.Service
	directory *discovery.Directory
	registry  *peer.Registry
	transfers *transfer.Manager
	monitor   *clipboard.Monitor
	listener  *signaling.Listener

	transferHistory store.TransferRepository
	peerHistory     store.PeerRepository

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	closed     bool
	handshakes map[string]*handshake
	dialing    map[string]bool

	// answering holds sessions whose answer is still being prepared and
	// the candidates that arrived for them in the meantime.
	answering map[string][]protocol.SignalingMessage

	dial func(ctx context.Context, addrs []net.IP, port int, logger *slog.Logger) (*signaling.Session, error)
}

func New(opts Options) (*Node, error) {
	if opts.Discovery == nil {
		return nil, errors.New("discovery backend is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("transport engine is required")
	}

	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := opts.LocalID
	if id == "" {
		id = discovery.NewInstanceID()
	}

	transfers := transfer.NewManager(transfer.Config{
		ChunkSize:   cfg.Transfer.ChunkSize,
		DownloadDir: cfg.DownloadDir,
		Timeout:     cfg.Transfer.Timeout,
		Logger:      logger,
	})

	n := &Node{
		cfg:    cfg,
		id:     id,
		logger: logger,
		engine: opts.Engine,
		discovery: discovery.NewService(discovery.Config{
			Backend:        opts.Discovery,
			LocalID:        id,
			BrowseInterval: cfg.Discovery.BrowseInterval,
			Logger:         logger,
		}),
		directory: discovery.NewDirectory(discovery.DirectoryConfig{
			TTL:    cfg.Discovery.PeerTTL,
			Logger: logger,
		}),
		registry:        peer.NewRegistry(peer.RegistryConfig{Transfers: transfers, Logger: logger}),
		transfers:       transfers,
		transferHistory: opts.Transfers,
		peerHistory:     opts.Peers,
		events:          make(chan Event, eventBuffer),
		handshakes:      make(map[string]*handshake),
		dialing:         make(map[string]bool),
		answering:       make(map[string][]protocol.SignalingMessage),
		dial:            signaling.DialAny,
	}

	if opts.Clipboard != nil && cfg.ClipboardEnabled() {
		n.monitor = clipboard.NewMonitor(clipboard.Config{
			Provider: opts.Clipboard,
			Interval: cfg.Clipboard.Interval,
			Logger:   logger,
		})
	}

	return n, nil
}

// ID is the peer id other nodes see.
func (n *Node) ID() string {
	return n.id
}

// Events delivers notifications until Close, then is closed. Progress
// events are dropped when the consumer falls behind.
func (n *Node) Events() <-chan Event {
	return n.events
}

// Start opens the signaling listener, publishes the discovery record and
// starts the background loops. A discovery failure is returned and
// nothing keeps running.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.mu.Unlock()

	ln, err := signaling.Listen(n.cfg.SignalingAddr, n.logger)
	if err != nil {
		n.cancel()
		return fmt.Errorf("starting signaling: %w", err)
	}
	n.listener = ln

	if err := n.discovery.Register(n.cfg.Name, ln.Port()); err != nil {
		_ = ln.Close()
		n.cancel()
		return fmt.Errorf("starting discovery: %w", err)
	}

	n.goFunc(func() {
		if err := ln.Serve(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Warn("Signaling listener stopped", "error", err)
		}
	})
	n.goFunc(n.handleSignals)
	n.goFunc(func() { n.directory.Run(n.ctx, n.discovery.Watch(n.ctx)) })
	n.goFunc(n.handleDirectory)
	n.goFunc(func() { n.transfers.Run(n.ctx) })
	n.goFunc(n.handleTransfers)
	if n.monitor != nil {
		n.goFunc(func() { n.monitor.Run(n.ctx) })
		n.goFunc(n.handleClipboard)
	}

	n.logger.Info("Node started", "id", n.id, "name", n.cfg.Name, "signaling_port", ln.Port())
	return nil
}

// goFunc runs fn as a tracked goroutine unless the node is closing.
func (n *Node) goFunc(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

// Close stops every loop, closes all connections and withdraws the
// discovery record.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	handshakes := make([]*handshake, 0, len(n.handshakes))
	for _, h := range n.handshakes {
		handshakes = append(handshakes, h)
	}
	cancel := n.cancel
	n.mu.Unlock()

	n.logger.Info("Shutting down node")
	if cancel != nil {
		cancel()
	}
	n.registry.CloseAll()
	for _, h := range handshakes {
		h.closeLink()
	}
	if n.listener != nil {
		_ = n.listener.Close()
	}
	n.discovery.Close()

	n.wg.Wait()
	n.transfers.Close()
	close(n.events)

	n.logger.Info("Node stopped")
	return nil
}

func (n *Node) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Kind == TransferProgress {
		select {
		case n.events <- ev:
		default:
		}
		return
	}

	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	}
}

// SignalingPort is the advertised signaling port, or 0 before Start.
func (n *Node) SignalingPort() int {
	if n.listener == nil {
		return 0
	}
	return n.listener.Port()
}

// Peers lists the discovered peers ordered by id.
func (n *Node) Peers() []discovery.Peer {
	return n.directory.List()
}

// ResolvePeer finds a discovered peer by id or display name.
func (n *Node) ResolvePeer(query string) (discovery.Peer, bool) {
	if p, ok := n.directory.Get(query); ok {
		return p, true
	}
	for _, p := range n.directory.List() {
		if strings.EqualFold(p.DisplayName, query) {
			return p, true
		}
	}
	return discovery.Peer{}, false
}

func (n *Node) Connections() []peer.Snapshot {
	return n.registry.Snapshots()
}

// SendFile streams the file at path to a connected peer and returns once
// the last chunk is queued.
func (n *Node) SendFile(ctx context.Context, peerID, path string) (transfer.Info, error) {
	return n.registry.SendFile(ctx, peerID, path)
}

func (n *Node) handleDirectory() {
	for note := range n.directory.Notifications() {
		switch note.Kind {
		case discovery.Appeared:
			n.logger.Info("Peer discovered", "peer", note.Peer.ID, "name", note.Peer.DisplayName,
				"addrs", joinIPs(note.Peer.Addresses), "port", note.Peer.Port)
			n.emit(Event{Kind: PeerDiscovered, PeerID: note.Peer.ID, Peer: note.Peer})
			n.recordPeer(note.Peer)
			n.maybeConnect(note.Peer.ID)
		case discovery.Updated:
			n.recordPeer(note.Peer)
			n.maybeConnect(note.Peer.ID)
		case discovery.Lost:
			n.logger.Info("Peer lost", "peer", note.Peer.ID)
			n.emit(Event{Kind: PeerLost, PeerID: note.Peer.ID, Peer: note.Peer})
		}
	}
}

func (n *Node) handleTransfers() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-n.transfers.Events():
			switch ev.Kind {
			case transfer.EventProgress:
				n.emit(Event{Kind: TransferProgress, PeerID: ev.Info.PeerID, Transfer: ev.Info})
			case transfer.EventCompleted:
				n.emit(Event{Kind: TransferComplete, PeerID: ev.Info.PeerID, Transfer: ev.Info})
				n.recordTransfer(ev.Info)
			case transfer.EventFailed:
				n.emit(Event{Kind: TransferFailed, PeerID: ev.Info.PeerID, Transfer: ev.Info, Err: ev.Info.Err})
				n.recordTransfer(ev.Info)
			}
		}
	}
}

func (n *Node) handleClipboard() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-n.monitor.Events():
			if ev.Origin.Remote {
				n.emit(Event{Kind: ClipboardReceived, PeerID: ev.Origin.PeerID, Text: ev.Text, Time: ev.Timestamp})
				continue
			}
			sent := n.registry.BroadcastClipboard(ev.Text)
			n.logger.Debug("Clipboard changed", "peers", sent, "length", len(ev.Text))
		}
	}
}

// receiveClipboard applies text from a peer. With a monitor the resulting
// remote event is reported by handleClipboard.
func (n *Node) receiveClipboard(peerID, text string) {
	if n.monitor == nil {
		n.emit(Event{Kind: ClipboardReceived, PeerID: peerID, Text: text})
		return
	}
	if err := n.monitor.ApplyRemote(peerID, text); err != nil {
		n.logger.Warn("Failed to apply remote clipboard", "peer", peerID, "error", err)
	}
}

func (n *Node) recordTransfer(info transfer.Info) {
	if n.transferHistory == nil {
		return
	}

	rec := db.Transfer{
		TransferID:  info.ID,
		PeerID:      info.PeerID,
		Direction:   info.Direction.String(),
		Filename:    info.Filename,
		Path:        info.Path,
		Size:        info.TotalSize,
		TotalChunks: int(info.ChunksExpected),
		State:       info.State.String(),
		StartedAt:   info.StartedAt,
		FinishedAt:  info.UpdatedAt,
	}
	if p, ok := n.directory.Get(info.PeerID); ok {
		rec.PeerName = p.DisplayName
	}
	if info.Err != nil {
		rec.Error = info.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := n.transferHistory.RecordTransfer(ctx, rec); err != nil {
		n.logger.Warn("Failed to record transfer", "transfer", info.ID, "error", err)
	}
}

func (n *Node) recordPeer(p discovery.Peer) {
	if n.peerHistory == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	err := n.peerHistory.UpsertPeer(ctx, db.Peer{
		PeerID:      p.ID,
		DisplayName: p.DisplayName,
		Addresses:   joinIPs(p.Addresses),
		Port:        int(p.Port),
		LastSeen:    p.LastSeen,
	})
	if err != nil {
		n.logger.Warn("Failed to record peer", "peer", p.ID, "error", err)
	}
}

func (n *Node) dialPeer(p discovery.Peer) (*signaling.Session, error) {
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()
	link, err := n.dial(ctx, p.Addresses, int(p.Port), n.logger)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", p.ID, err)
	}
	return link, nil
}

func joinIPs(ips []net.IP) string {
	parts := make([]string, 0, len(ips))
	for _, ip := range ips {
		parts = append(parts, ip.String())
	}
	return strings.Join(parts, ",")
}
