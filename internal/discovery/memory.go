package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
)

var ErrNetworkDown = errors.New("memory network is down")

const memorySubscriberBuffer = 256

// MemoryNetwork is an in-process stand-in for a multicast segment. Every
// backend created from it sees every record published on it.
type MemoryNetwork struct {
	mu      sync.Mutex
	records map[string]Record
	subs    map[int]chan Record
	nextSub int
	down    bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		records: make(map[string]Record),
		subs:    make(map[int]chan Record),
	}
}

// Backend returns a backend whose published records carry addr.
func (n *MemoryNetwork) Backend(addr net.IP) *MemoryBackend {
	return &MemoryBackend{network: n, addr: addr}
}

// Announce injects a record as if some host had published it.
func (n *MemoryNetwork) Announce(rec Record) {
	n.mu.Lock()
	n.records[rec.Instance] = rec
	subs := n.subscribersLocked()
	n.mu.Unlock()

	deliver(subs, rec)
}

// Withdraw removes a record and tells browsers it is gone.
func (n *MemoryNetwork) Withdraw(instance string) {
	n.mu.Lock()
	_, ok := n.records[instance]
	delete(n.records, instance)
	subs := n.subscribersLocked()
	n.mu.Unlock()

	if ok {
		deliver(subs, Record{Instance: instance, Gone: true})
	}
}

// SetDown makes new browse and publish calls fail.
func (n *MemoryNetwork) SetDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

func (n *MemoryNetwork) subscribersLocked() []chan Record {
	subs := make([]chan Record, 0, len(n.subs))
	for _, ch := range n.subs {
		subs = append(subs, ch)
	}
	return subs
}

func deliver(subs []chan Record, rec Record) {
	for _, ch := range subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

type MemoryBackend struct {
	network *MemoryNetwork
	addr    net.IP
}

func (b *MemoryBackend) Publish(instance, displayName string, port int) (func(), error) {
	b.network.mu.Lock()
	down := b.network.down
	b.network.mu.Unlock()
	if down {
		return nil, ErrNetworkDown
	}

	b.network.Announce(Record{
		Instance:    instance,
		DisplayName: displayName,
		Addresses:   []net.IP{b.addr},
		Port:        port,
	})

	var once sync.Once
	return func() {
		once.Do(func() { b.network.Withdraw(instance) })
	}, nil
}

func (b *MemoryBackend) Browse(ctx context.Context, out chan<- Record) error {
	n := b.network

	n.mu.Lock()
	if n.down {
		n.mu.Unlock()
		return ErrNetworkDown
	}
	id := n.nextSub
	n.nextSub++
	sub := make(chan Record, memorySubscriberBuffer)
	n.subs[id] = sub
	snapshot := make([]Record, 0, len(n.records))
	for _, rec := range n.records {
		snapshot = append(snapshot, rec)
	}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}()

	for _, rec := range snapshot {
		select {
		case out <- rec:
		case <-ctx.Done():
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-sub:
			select {
			case out <- rec:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
