package peer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/fluxbridge/internal/logger"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transfer"
	"github.com/rudransh-shrivastava/fluxbridge/internal/transport/memory"
)

func newTestRegistry(t *testing.T, downloadDir string) (*Registry, *transfer.Manager) {
	t.Helper()
	transfers := transfer.NewManager(transfer.Config{
		DownloadDir: downloadDir,
		Timeout:     time.Minute,
		Logger:      logger.Discard(),
	})
	t.Cleanup(transfers.Close)

	registry := NewRegistry(RegistryConfig{Transfers: transfers, Logger: logger.Discard()})
	t.Cleanup(registry.CloseAll)
	return registry, transfers
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterSupersedes(t *testing.T) {
	network := memory.NewNetwork()
	registry, _ := newTestRegistry(t, t.TempDir())

	first := newTestConnection(t, network, "bob", nil)
	if old := registry.Register(first); old != nil {
		t.Fatalf("expected nothing superseded, got %s", old.SessionID())
	}

	second := newTestConnection(t, network, "bob", nil)
	if old := registry.Register(second); old != first {
		t.Fatal("expected first connection to be superseded")
	}

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("superseded connection not closed")
	}

	// Pruning the superseded connection must not remove its replacement.
	time.Sleep(50 * time.Millisecond)
	if registry.Get("bob") != second {
		t.Error("expected second connection to stay registered")
	}
	if registry.Unregister(first) {
		t.Error("Unregister removed a connection that was not registered")
	}
}

func TestRegistryPrunesFinishedConnections(t *testing.T) {
	network := memory.NewNetwork()
	registry, _ := newTestRegistry(t, t.TempDir())

	c := newTestConnection(t, network, "bob", nil)
	registry.Register(c)
	if registry.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", registry.Len())
	}

	_ = c.Close()
	waitFor(t, "prune", func() bool { return registry.Get("bob") == nil })
}

func TestBroadcastClipboard(t *testing.T) {
	network := memory.NewNetwork()
	registry, _ := newTestRegistry(t, t.TempDir())

	a := newTestConnection(t, network, "bob", nil)
	b := newTestConnection(t, network, "alice", nil)
	idle := newTestConnection(t, network, "carol", nil)
	registry.Register(a)
	registry.Register(idle)

	handshake(t, a, b)
	waitState(t, a, StateConnected)
	waitOpen(t, a, LabelClipboard)

	if n := registry.BroadcastClipboard("hello"); n != 1 {
		t.Errorf("expected broadcast to 1 peer, got %d", n)
	}
	if got := receive(t, b, LabelClipboard); string(got) != "hello" {
		t.Errorf("expected hello, got %q", got)
	}

	snaps := registry.Snapshots()
	if len(snaps) != 2 || snaps[0].PeerID != "bob" || snaps[1].PeerID != "carol" {
		t.Errorf("unexpected snapshots: %+v", snaps)
	}
}

func TestBroadcastBackpressureDrops(t *testing.T) {
	network := memory.NewNetwork()
	registry, _ := newTestRegistry(t, t.TempDir())

	a := newTestConnection(t, network, "bob", func(cfg *Config) { cfg.ClipboardQueueDepth = 4 })
	b := newTestConnection(t, network, "alice", nil)
	registry.Register(a)

	handshake(t, a, b)
	waitState(t, a, StateConnected)
	waitOpen(t, a, LabelClipboard)

	// b never reads, so every buffer between the two fills up.
	done := make(chan int, 1)
	go func() {
		queued := 0
		for i := 0; i < 1000; i++ {
			queued += registry.BroadcastClipboard("update")
		}
		done <- queued
	}()

	select {
	case queued := <-done:
		if queued == 0 || queued >= 1000 {
			t.Errorf("expected some updates dropped and some queued, got %d queued", queued)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a slow peer")
	}
}

// serveFiles feeds c's file frames to m and sends m's replies back on c.
func serveFiles(t *testing.T, c *Connection, m *transfer.Manager) {
	for {
		select {
		case frame := <-c.Messages(LabelFile):
			if err := m.HandleFrame(c.PeerID(), c.FileSink(), frame); err != nil {
				t.Errorf("HandleFrame failed: %v", err)
			}
		case <-c.Done():
			return
		}
	}
}

func TestSendFileWithBackpressure(t *testing.T) {
	network := memory.NewNetwork()
	network.SetSendDelay(time.Millisecond)

	registry, sender := newTestRegistry(t, t.TempDir())
	_, receiver := newTestRegistry(t, t.TempDir())

	a := newTestConnection(t, network, "bob", func(cfg *Config) { cfg.FileQueueDepth = 2 })
	b := newTestConnection(t, network, "alice", nil)
	registry.Register(a)
	handshake(t, a, b)
	waitState(t, a, StateConnected)

	go serveFiles(t, b, receiver)
	go serveFiles(t, a, sender)

	data := bytes.Repeat([]byte("fluxbridge "), 20000)
	path := filepath.Join(t.TempDir(), "big.txt")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	info, err := registry.SendFile(context.Background(), "bob", path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	if info.ChunksDone != info.ChunksExpected {
		t.Errorf("expected all %d chunks sent, got %d", info.ChunksExpected, info.ChunksDone)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-receiver.Events():
			if ev.Kind == transfer.EventProgress {
				continue
			}
			if ev.Kind != transfer.EventCompleted {
				t.Fatalf("expected completion, got %s (%v)", ev.Kind, ev.Info.Err)
			}
			got, err := os.ReadFile(ev.Info.Path)
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("received file does not match")
			}
			return
		case <-deadline:
			t.Fatal("file never completed")
		}
	}
}

func TestSendFileErrors(t *testing.T) {
	network := memory.NewNetwork()
	registry, _ := newTestRegistry(t, t.TempDir())

	if _, err := registry.SendFile(context.Background(), "nobody", "/tmp/x"); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}

	registry.Register(newTestConnection(t, network, "bob", nil))
	if _, err := registry.SendFile(context.Background(), "bob", "/tmp/x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendFileFailsWhenConnectionDropsMidStream(t *testing.T) {
	network := memory.NewNetwork()
	network.SetSendDelay(time.Millisecond)

	registry, sender := newTestRegistry(t, t.TempDir())

	a := newTestConnection(t, network, "bob", nil)
	b := newTestConnection(t, network, "alice", nil)
	registry.Register(a)
	handshake(t, a, b)
	waitState(t, a, StateConnected)

	data := bytes.Repeat([]byte("x"), 40*transfer.DefaultChunkSize)
	path := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := registry.SendFile(context.Background(), "bob", path)
		errCh <- err
	}()

	waitFor(t, "first chunk", func() bool {
		active := sender.Active()
		return len(active) == 1 && active[0].ChunksDone > 0
	})
	_ = a.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, transfer.ErrPeerGone) {
			t.Errorf("expected ErrPeerGone, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendFile did not return after the connection closed")
	}

	for {
		select {
		case ev := <-sender.Events():
			if ev.Kind == transfer.EventCompleted {
				t.Fatal("transfer reported complete after the connection dropped")
			}
		default:
			return
		}
	}
}
