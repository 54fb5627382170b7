// Package discovery publishes this instance on the local network and
// watches for other instances of the same service.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	ServiceType = "_fluxbridge._tcp"
	Domain      = "local."
	TXTName     = "name"

	DefaultBrowseInterval = 10 * time.Second
	watchBuffer           = 64
)

var ErrAlreadyRegistered = errors.New("service already registered")

// Record is one service instance as reported by a Backend. Gone marks a
// withdrawal.
type Record struct {
	Instance    string
	DisplayName string
	Addresses   []net.IP
	Port        int
	Gone        bool
}

// Backend publishes and browses service records.
type Backend interface {
	// Publish announces one instance until stop is called.
	Publish(instance, displayName string, port int) (stop func(), err error)

	// Browse reports records on out until ctx is done. It returns nil when
	// ctx ends and an error when browsing could not start or broke.
	Browse(ctx context.Context, out chan<- Record) error
}

type EventKind uint8

const (
	Resolved EventKind = iota + 1
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Resolved:
		return "RESOLVED"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

type Event struct {
	Kind   EventKind
	Peer   Peer
	PeerID string
}

// NewInstanceID returns a fresh instance name. It is the peer id other
// instances see.
func NewInstanceID() string {
	return "FluxBridge-" + uuid.NewString()
}

type Config struct {
	Backend Backend
	// LocalID is this instance's name. Records carrying it are ignored.
	LocalID        string
	BrowseInterval time.Duration
	Logger         *slog.Logger
}

type Service struct {
	backend        Backend
	localID        string
	browseInterval time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu   sync.Mutex
	stop func()
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.BrowseInterval
	if interval <= 0 {
		interval = DefaultBrowseInterval
	}

	return &Service{
		backend:        cfg.Backend,
		localID:        cfg.LocalID,
		browseInterval: interval,
		logger:         logger,
		now:            time.Now,
	}
}

func (s *Service) LocalID() string {
	return s.localID
}

// Register publishes this instance once. Later calls fail with
// ErrAlreadyRegistered.
func (s *Service) Register(name string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return ErrAlreadyRegistered
	}

	stop, err := s.backend.Publish(s.localID, name, port)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", s.localID, err)
	}
	s.stop = stop

	s.logger.Info("Published service", "instance", s.localID, "name", name, "port", port)
	return nil
}

// Close withdraws the published record.
func (s *Service) Close() {
	s.mu.Lock()
	stop := s.stop
	s.stop = func() {}
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Watch browses until ctx is done. Each browse round lasts BrowseInterval
// so records still on the network are reported again; failed rounds are
// restarted with exponential backoff. The channel is closed when ctx ends.
func (s *Service) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, watchBuffer)
	go s.watch(ctx, out)
	return out
}

func (s *Service) watch(ctx context.Context, out chan<- Event) {
	defer close(out)

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	eb.MaxInterval = s.browseInterval
	b := backoff.WithContext(eb, ctx)

	for ctx.Err() == nil {
		err := s.browseRound(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			b.Reset()
			continue
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		s.logger.Warn("Browse failed, retrying", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Service) browseRound(ctx context.Context, out chan<- Event) error {
	roundCtx, cancel := context.WithTimeout(ctx, s.browseInterval)
	defer cancel()

	records := make(chan Record)
	errc := make(chan error, 1)
	go func() {
		errc <- s.backend.Browse(roundCtx, records)
	}()

	for {
		select {
		case rec := <-records:
			ev, ok := s.toEvent(rec)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				cancel()
				<-errc
				return ctx.Err()
			}
		case err := <-errc:
			return err
		}
	}
}

func (s *Service) toEvent(rec Record) (Event, bool) {
	if rec.Instance == "" {
		s.logger.Warn("Dropping record without instance name")
		return Event{}, false
	}
	if rec.Instance == s.localID {
		return Event{}, false
	}
	if rec.Gone {
		return Event{Kind: Removed, PeerID: rec.Instance}, true
	}
	if len(rec.Addresses) == 0 || rec.Port <= 0 || rec.Port > 65535 {
		s.logger.Warn("Dropping malformed record", "instance", rec.Instance, "addresses", len(rec.Addresses), "port", rec.Port)
		return Event{}, false
	}

	name := rec.DisplayName
	if name == "" {
		name = rec.Instance
	}

	peer := Peer{
		ID:          rec.Instance,
		DisplayName: name,
		Addresses:   append([]net.IP(nil), rec.Addresses...),
		Port:        uint16(rec.Port),
		LastSeen:    s.now(),
	}
	return Event{Kind: Resolved, Peer: peer, PeerID: peer.ID}, true
}
