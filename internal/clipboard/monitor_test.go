package clipboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/fluxbridge/internal/logger"
)

// scripted returns a fixed sequence of reads, repeating the last one.
type scripted struct {
	mu    sync.Mutex
	reads []string
	set   []string
}

func (s *scripted) Text() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.reads[0]
	if len(s.reads) > 1 {
		s.reads = s.reads[1:]
	}
	return text, nil
}

func (s *scripted) SetText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = append(s.set, text)
	return nil
}

func newTestMonitor(p Provider) *Monitor {
	return NewMonitor(Config{Provider: p, Interval: 10 * time.Millisecond, Logger: logger.Discard()})
}

func TestPollEmitsOnChangeOnly(t *testing.T) {
	m := newTestMonitor(&scripted{reads: []string{"A", "A", "B", "B", "A"}})

	var events []Event
	for i := 0; i < 5; i++ {
		if ev, ok := m.Poll(); ok {
			events = append(events, ev)
		}
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, expected := range []string{"A", "B", "A"} {
		if events[i].Text != expected {
			t.Errorf("event %d: expected %q, got %q", i, expected, events[i].Text)
		}
		if events[i].Origin.Remote {
			t.Errorf("event %d: expected local origin", i)
		}
	}
}

func TestPollAfterPrime(t *testing.T) {
	m := newTestMonitor(&scripted{reads: []string{"A", "A", "B", "B", "A"}})
	m.prime()

	var texts []string
	for i := 0; i < 4; i++ {
		if ev, ok := m.Poll(); ok {
			texts = append(texts, ev.Text)
		}
	}

	if len(texts) != 2 || texts[0] != "B" || texts[1] != "A" {
		t.Errorf("expected [B A], got %v", texts)
	}
}

func TestPollIgnoresEmpty(t *testing.T) {
	m := newTestMonitor(&scripted{reads: []string{"", "x", ""}})

	var count int
	for i := 0; i < 3; i++ {
		if _, ok := m.Poll(); ok {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected 1 event, got %d", count)
	}
}

func TestPollSkipsReadError(t *testing.T) {
	mem := NewMemory("before")
	m := newTestMonitor(mem)

	mem.FailReads(errors.New("clipboard locked"))
	if _, ok := m.Poll(); ok {
		t.Fatal("expected no event on read error")
	}

	mem.FailReads(nil)
	ev, ok := m.Poll()
	if !ok || ev.Text != "before" {
		t.Errorf("expected event for %q after recovery, got %+v %v", "before", ev, ok)
	}
}

func TestApplyRemoteSuppressesEcho(t *testing.T) {
	mem := NewMemory("")
	m := newTestMonitor(mem)

	if err := m.ApplyRemote("peer-b", "hello"); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	text, _ := mem.Text()
	if text != "hello" {
		t.Errorf("expected clipboard to hold %q, got %q", "hello", text)
	}

	if ev, ok := m.Poll(); ok {
		t.Errorf("expected remote text not to be reported as local, got %+v", ev)
	}

	select {
	case ev := <-m.Events():
		if !ev.Origin.Remote || ev.Origin.PeerID != "peer-b" {
			t.Errorf("expected remote event from peer-b, got %+v", ev.Origin)
		}
	default:
		t.Error("expected a remote event to be published")
	}
}

func TestApplyRemoteRacingPollNeverEchoes(t *testing.T) {
	m := newTestMonitor(NewMemory(""))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if err := m.ApplyRemote("bob", fmt.Sprintf("remote-%d", i)); err != nil {
				t.Errorf("ApplyRemote failed: %v", err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			if ev, ok := m.Poll(); ok {
				t.Errorf("remote text %q reported as a local change", ev.Text)
			}
			return
		default:
		}
		if ev, ok := m.Poll(); ok {
			t.Fatalf("remote text %q reported as a local change", ev.Text)
		}
	}
}

func TestRunPublishesLocalChanges(t *testing.T) {
	mem := NewMemory("initial")
	m := newTestMonitor(mem)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go m.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if err := mem.SetText("copied"); err != nil {
		t.Fatalf("SetText failed: %v", err)
	}

	select {
	case ev := <-m.Events():
		if ev.Text != "copied" || ev.Origin.Remote {
			t.Errorf("expected local event %q, got %+v", "copied", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for clipboard event")
	}
}
