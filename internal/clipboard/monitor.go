package clipboard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval = 500 * time.Millisecond
	eventBuffer     = 16
)

// Origin says where a clipboard change came from. The zero value is a
// local change.
type Origin struct {
	Remote bool
	PeerID string
}

func (o Origin) String() string {
	if o.Remote {
		return "remote:" + o.PeerID
	}
	return "local"
}

type Event struct {
	Text      string
	Timestamp time.Time
	Origin    Origin
}

type Config struct {
	Provider Provider
	Interval time.Duration
	Logger   *slog.Logger
}

// Monitor polls a Provider and reports changes on Events. Polling and
// remote writes share one lock so a remotely applied value is recorded as
// observed before the next poll can read it.
type Monitor struct {
	provider Provider
	interval time.Duration
	logger   *slog.Logger
	events   chan Event

	// mu is private to this monitor and is held across provider calls so a
	// remote write and its lastObserved update land before the next read.
	mu           sync.Mutex
	lastObserved string
	now          func() time.Time
}

func NewMonitor(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Monitor{
		provider: cfg.Provider,
		interval: interval,
		logger:   logger,
		events:   make(chan Event, eventBuffer),
		now:      time.Now,
	}
}

// Events delivers local changes and applied remote text. Local events are
// the ones to broadcast.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Run records the current clipboard as already observed, then polls until
// ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.prime()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ev, ok := m.Poll(); ok {
				m.publish(ev)
			}
		}
	}
}

func (m *Monitor) prime() {
	m.mu.Lock()
	defer m.mu.Unlock()

	text, err := m.provider.Text()
	if err != nil {
		m.logger.Debug("Initial clipboard read failed", "error", err)
		return
	}
	m.lastObserved = text
}

// Poll reads the clipboard once and returns a local event when the text is
// non-empty and differs from the last observed value. Read errors skip the
// tick.
func (m *Monitor) Poll() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	text, err := m.provider.Text()
	if err != nil {
		m.logger.Warn("Failed to read clipboard", "error", err)
		return Event{}, false
	}
	if text == "" || text == m.lastObserved {
		return Event{}, false
	}

	m.lastObserved = text
	return Event{Text: text, Timestamp: m.now()}, true
}

// ApplyRemote writes text received from a peer. The value becomes the last
// observed text so it is not reported as a local change.
func (m *Monitor) ApplyRemote(peerID, text string) error {
	m.mu.Lock()
	if text == m.lastObserved {
		m.mu.Unlock()
		return nil
	}
	if err := m.provider.SetText(text); err != nil {
		m.mu.Unlock()
		return err
	}
	m.lastObserved = text
	ev := Event{Text: text, Timestamp: m.now(), Origin: Origin{Remote: true, PeerID: peerID}}
	m.mu.Unlock()

	m.publish(ev)
	return nil
}

func (m *Monitor) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("Clipboard event dropped", "origin", ev.Origin.String())
	}
}
