package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rudransh-shrivastava/fluxbridge/internal/transfer"
)

var (
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrNotConnected = errors.New("peer not connected")
)

// Registry holds at most one live connection per peer.
type Registry struct {
	transfers *transfer.Manager
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		transfers: cfg.Transfers,
		logger:    logger,
		conns:     make(map[string]*Connection),
	}
}

// Register makes c the connection for its peer. A live connection it
// replaces is closed and returned.
func (r *Registry) Register(c *Connection) *Connection {
	r.mu.Lock()
	old := r.conns[c.PeerID()]
	r.conns[c.PeerID()] = c
	r.mu.Unlock()

	go r.prune(c)

	if old == nil || old == c || old.State().Terminal() {
		return nil
	}
	r.logger.Info("Superseding connection", "peer", c.PeerID(), "old_session", old.SessionID(), "session", c.SessionID())
	_ = old.Close()
	return old
}

func (r *Registry) prune(c *Connection) {
	<-c.Done()
	if !r.Unregister(c) {
		return
	}
	if r.transfers != nil {
		r.transfers.FailPeer(c.PeerID(), c.Err())
	}
}

// Unregister removes c if it is still the connection for its peer.
func (r *Registry) Unregister(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.PeerID()] != c {
		return false
	}
	delete(r.conns, c.PeerID())
	return true
}

func (r *Registry) Get(peerID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[peerID]
}

func (r *Registry) list() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// BroadcastClipboard queues text for every connected peer whose clipboard
// channel is open and returns how many peers it was queued for. Peers with
// a full queue miss this update.
func (r *Registry) BroadcastClipboard(text string) int {
	data := []byte(text)
	sent := 0
	for _, c := range r.list() {
		if c.State() != StateConnected || !c.ChannelOpen(LabelClipboard) {
			continue
		}
		if err := c.TrySend(LabelClipboard, data); err != nil {
			r.logger.Warn("Dropping clipboard update", "peer", c.PeerID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SendFile streams the file at path to a connected peer.
func (r *Registry) SendFile(ctx context.Context, peerID, path string) (transfer.Info, error) {
	if r.transfers == nil {
		return transfer.Info{}, errors.New("file transfers disabled")
	}

	c := r.Get(peerID)
	if c == nil {
		return transfer.Info{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if c.State() != StateConnected {
		return transfer.Info{}, fmt.Errorf("%w: %s is %s", ErrNotConnected, peerID, c.State())
	}
	return r.transfers.Send(ctx, peerID, c.FileSink(), path)
}

// Snapshots describes every registered connection, ordered by peer.
func (r *Registry) Snapshots() []Snapshot {
	conns := r.list()
	snaps := make([]Snapshot, 0, len(conns))
	for _, c := range conns {
		snaps = append(snaps, c.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].PeerID < snaps[j].PeerID })
	return snaps
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) CloseAll() {
	for _, c := range r.list() {
		_ = c.Close()
	}
}
