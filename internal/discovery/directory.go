package discovery

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// DefaultPeerTTL spans three default browse rounds. The zeroconf backend
// never reports goodbyes, so expiry is how a departed peer is noticed.
const DefaultPeerTTL = 30 * time.Second

// Peer is a remote instance found on the network. ID is its instance name.
type Peer struct {
	ID          string
	DisplayName string
	Addresses   []net.IP
	Port        uint16
	LastSeen    time.Time
}

func (p Peer) clone() Peer {
	p.Addresses = append([]net.IP(nil), p.Addresses...)
	return p
}

type NotificationKind uint8

const (
	Appeared NotificationKind = iota + 1
	Updated
	Lost
)

func (k NotificationKind) String() string {
	switch k {
	case Appeared:
		return "APPEARED"
	case Updated:
		return "UPDATED"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

type Notification struct {
	Kind NotificationKind
	Peer Peer
}

type DirectoryConfig struct {
	// TTL drops peers not re-resolved for this long. Zero disables
	// expiry.
	TTL    time.Duration
	Logger *slog.Logger
}

// Directory is the table of known peers keyed by id.
type Directory struct {
	ttl           time.Duration
	logger        *slog.Logger
	notifications chan Notification

	mu    sync.RWMutex
	peers map[string]Peer
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Directory{
		ttl:           cfg.TTL,
		logger:        logger,
		notifications: make(chan Notification, watchBuffer),
		peers:         make(map[string]Peer),
	}
}

// Apply folds one discovery event into the table. Resolving a known id
// updates it in place; removing an unknown id does nothing.
func (d *Directory) Apply(ev Event) (Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Kind {
	case Resolved:
		_, known := d.peers[ev.Peer.ID]
		d.peers[ev.Peer.ID] = ev.Peer.clone()
		if known {
			return Notification{Kind: Updated, Peer: ev.Peer.clone()}, true
		}
		return Notification{Kind: Appeared, Peer: ev.Peer.clone()}, true
	case Removed:
		return d.removeLocked(ev.PeerID)
	default:
		return Notification{}, false
	}
}

// Remove deletes a peer and reports whether it was known.
func (d *Directory) Remove(id string) (Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(id)
}

func (d *Directory) removeLocked(id string) (Notification, bool) {
	p, ok := d.peers[id]
	if !ok {
		return Notification{}, false
	}
	delete(d.peers, id)
	return Notification{Kind: Lost, Peer: p}, true
}

// Prune removes peers last seen more than TTL before now.
func (d *Directory) Prune(now time.Time) []Notification {
	if d.ttl <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var lost []Notification
	for id, p := range d.peers {
		if now.Sub(p.LastSeen) > d.ttl {
			delete(d.peers, id)
			lost = append(lost, Notification{Kind: Lost, Peer: p})
		}
	}
	return lost
}

func (d *Directory) Get(id string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// List returns all known peers ordered by id.
func (d *Directory) List() []Peer {
	d.mu.RLock()
	peers := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p.clone())
	}
	d.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Notifications delivers Appeared, Updated and Lost while Run is active.
// It is closed when Run returns.
func (d *Directory) Notifications() <-chan Notification {
	return d.notifications
}

// Run applies events and expires stale peers until ctx is done or events
// is closed.
func (d *Directory) Run(ctx context.Context, events <-chan Event) {
	defer close(d.notifications)

	var tick <-chan time.Time
	if d.ttl > 0 {
		ticker := time.NewTicker(d.ttl / 3)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n, changed := d.Apply(ev)
			if !changed {
				d.logger.Debug("Ignoring discovery event", "kind", ev.Kind.String(), "peer", ev.PeerID)
				continue
			}
			if !d.publish(ctx, n) {
				return
			}
		case now := <-tick:
			for _, n := range d.Prune(now) {
				d.logger.Info("Peer expired", "peer", n.Peer.ID)
				if !d.publish(ctx, n) {
					return
				}
			}
		}
	}
}

func (d *Directory) publish(ctx context.Context, n Notification) bool {
	select {
	case d.notifications <- n:
		return true
	case <-ctx.Done():
		return false
	}
}
