package signaling

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/rudransh-shrivastava/fluxbridge/internal/protocol"
)

const sendQueueSize = 32

// Session is the dialing side of one handshake. Messages are written in
// enqueue order by a single writer.
type Session struct {
	conn   net.Conn
	codec  *protocol.Codec
	logger *slog.Logger
	queue  chan protocol.SignalingMessage
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial opens a session to ip:port.
func Dial(ctx context.Context, ip net.IP, port int, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn:   conn,
		codec:  protocol.NewCodec(),
		logger: logger,
		queue:  make(chan protocol.SignalingMessage, sendQueueSize),
		done:   make(chan struct{}),
	}
	go s.writeLoop()

	logger.Debug("Signaling session dialed", "remote", addr)
	return s, nil
}

// DialAny tries each address in order and returns the first session that
// connects.
func DialAny(ctx context.Context, addrs []net.IP, port int, logger *slog.Logger) (*Session, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no addresses to dial")
	}

	var errs []error
	for _, ip := range addrs {
		s, err := Dial(ctx, ip, port, logger)
		if err == nil {
			return s, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ip, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Enqueue queues msg for writing without blocking. A payload containing a
// line break is rejected with ErrEmbeddedNewline.
func (s *Session) Enqueue(msg protocol.SignalingMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.err != nil {
		return s.err
	}

	select {
	case s.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Session) writeLoop() {
	defer close(s.done)

	w := bufio.NewWriter(s.conn)
	for msg := range s.queue {
		if s.failed() {
			continue
		}
		if err := s.codec.Encode(w, msg); err != nil {
			s.fail(err)
			continue
		}
		if len(s.queue) == 0 {
			if err := w.Flush(); err != nil {
				s.fail(err)
			}
		}
	}
	if !s.failed() {
		if err := w.Flush(); err != nil {
			s.fail(err)
		}
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("writing signaling message: %w", err)
		s.logger.Debug("Signaling write failed", "remote", s.conn.RemoteAddr().String(), "error", err)
	}
}

func (s *Session) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

// Close writes everything already queued, then closes the connection. It
// returns the first write error, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	closeErr := s.conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return closeErr
}

// ShouldOffer reports whether the local peer makes the offer to remoteID.
// The lexicographically smaller id offers; the other side waits for it.
func ShouldOffer(localID, remoteID string) bool {
	return localID < remoteID
}
