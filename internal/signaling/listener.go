// Package signaling carries handshake messages between two peers over
// short-lived TCP sessions, one JSON message per line.
package signaling

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/fluxbridge/internal/protocol"
)

const (
	inboundBuffer = 64

	// idleTimeout closes a session that sends nothing for this long.
	idleTimeout = 2 * time.Minute
)

var (
	ErrClosed          = errors.New("signaling closed")
	ErrQueueFull       = errors.New("signaling send queue full")
	ErrEmbeddedNewline = protocol.ErrEmbeddedNewline
)

// Inbound is one decoded message and the address it came from.
type Inbound struct {
	Message    protocol.SignalingMessage
	RemoteAddr net.Addr
}

// Listener accepts signaling sessions and multiplexes their messages onto
// one queue.
type Listener struct {
	ln      net.Listener
	logger  *slog.Logger
	codec   *protocol.Codec
	inbound chan Inbound

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Listener{
		ln:      ln,
		logger:  logger,
		codec:   protocol.NewCodec(),
		inbound: make(chan Inbound, inboundBuffer),
		conns:   make(map[net.Conn]struct{}),
		closed:  make(chan struct{}),
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Port is the bound TCP port, the one to advertise.
func (l *Listener) Port() int {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Inbound is closed once Close has returned.
func (l *Listener) Inbound() <-chan Inbound {
	return l.inbound
}

// Serve accepts sessions until ctx is done or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	l.logger.Info("Signaling listener started", "addr", l.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.logger.Warn("Accept timed out", "error", err)
				continue
			}
			return err
		}

		if !l.track(conn) {
			_ = conn.Close()
			return nil
		}
		go l.handleSession(conn)
	}
}

func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.closed:
		return false
	default:
	}
	l.conns[conn] = struct{}{}
	l.wg.Add(1)
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	l.wg.Done()
}

func (l *Listener) handleSession(conn net.Conn) {
	remote := conn.RemoteAddr()
	l.logger.Debug("Signaling session opened", "remote", remote.String())
	defer func() {
		_ = conn.Close()
		l.untrack(conn)
		l.logger.Debug("Signaling session closed", "remote", remote.String())
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxLineSize)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				l.logger.Debug("Signaling session read failed", "remote", remote.String(), "error", err)
			}
			return
		}

		msg, err := l.codec.DecodeLine(scanner.Bytes())
		if err != nil {
			l.logger.Debug("Skipping malformed signaling line", "remote", remote.String(), "error", err)
			continue
		}

		select {
		case l.inbound <- Inbound{Message: msg, RemoteAddr: remote}:
		case <-l.closed:
			return
		}
	}
}

// Close stops accepting, ends every session and waits for their handlers.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		close(l.closed)
		for conn := range l.conns {
			_ = conn.Close()
		}
		l.mu.Unlock()

		err = l.ln.Close()
		l.wg.Wait()
		close(l.inbound)
	})
	return err
}
