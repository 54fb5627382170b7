package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
)

var ErrNoMulticastInterface = errors.New("no multicast-capable network interface")

// Zeroconf is the mDNS/DNS-SD backend.
type Zeroconf struct {
	ifaces []net.Interface
}

// NewZeroconf checks that at least one interface can carry multicast DNS.
// A nil ifaces list means every such interface.
func NewZeroconf(ifaces []net.Interface) (*Zeroconf, error) {
	if len(ifaces) == 0 {
		all, err := net.Interfaces()
		if err != nil {
			return nil, fmt.Errorf("listing interfaces: %w", err)
		}
		for _, iface := range all {
			if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
				ifaces = append(ifaces, iface)
			}
		}
	}
	if len(ifaces) == 0 {
		return nil, ErrNoMulticastInterface
	}
	return &Zeroconf{ifaces: ifaces}, nil
}

func (z *Zeroconf) Publish(instance, displayName string, port int) (func(), error) {
	txt := []string{TXTName + "=" + displayName}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, z.ifaces)
	if err != nil {
		return nil, err
	}
	return server.Shutdown, nil
}

// Browse runs one resolver for the lifetime of ctx. A resolver is not
// reusable once its context ends, so every call builds a new one.
func (z *Zeroconf) Browse(ctx context.Context, out chan<- Record) error {
	resolver, err := zeroconf.NewResolver(zeroconf.SelectIfaces(z.ifaces))
	if err != nil {
		return fmt.Errorf("creating resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("browsing %s: %w", ServiceType, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			select {
			case out <- recordFromEntry(entry):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// recordFromEntry maps a resolved entry. The resolver drops goodbye
// packets before they reach the entries channel, so a zero TTL only shows
// up from backends that forward them.
func recordFromEntry(e *zeroconf.ServiceEntry) Record {
	rec := Record{
		Instance: e.Instance,
		Port:     e.Port,
		Gone:     e.TTL == 0,
	}
	for _, txt := range e.Text {
		if v, ok := strings.CutPrefix(txt, TXTName+"="); ok {
			rec.DisplayName = v
		}
	}
	rec.Addresses = append(rec.Addresses, e.AddrIPv4...)
	rec.Addresses = append(rec.Addresses, e.AddrIPv6...)
	return rec
}
