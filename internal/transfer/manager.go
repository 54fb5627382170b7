package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rudransh-shrivastava/fluxbridge/internal/protocol"
)

const (
	DefaultChunkSize = 16 * 1024
	DefaultTimeout   = 30 * time.Second

	eventBuffer  = 256
	abortTimeout = 2 * time.Second
)

// Sink delivers one frame to a peer, blocking while its queue is full.
type Sink interface {
	SendFrame(ctx context.Context, frame []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, frame []byte) error

func (f SinkFunc) SendFrame(ctx context.Context, frame []byte) error {
	return f(ctx, frame)
}

type Config struct {
	ChunkSize   int
	DownloadDir string
	// Timeout fails a transfer with no chunk activity for this long.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Manager struct {
	chunkSize   int
	downloadDir string
	timeout     time.Duration
	logger      *slog.Logger
	events      chan Event
	done        chan struct{}
	closeOnce   sync.Once
	now         func() time.Time

	mu       sync.Mutex
	inbound  map[transferKey]*inboundTransfer
	outbound map[string]*outboundTransfer
}

type transferKey struct {
	peerID string
	id     string
}

type inboundTransfer struct {
	mu       sync.Mutex
	info     Info
	file     *os.File
	partPath string
	digest   []byte
	received map[uint32]struct{}
	lastSeen time.Time
	finished bool
}

type outboundTransfer struct {
	peerID string
	cancel context.CancelCauseFunc
	// result receives the receiver's verdict: nil for an ack, or the
	// reason it rejected the file.
	result chan error

	mu       sync.Mutex
	info     Info
	lastSeen time.Time
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dir := cfg.DownloadDir
	if dir == "" {
		dir = "downloads"
	}

	return &Manager{
		chunkSize:   chunkSize,
		downloadDir: dir,
		timeout:     timeout,
		logger:      logger,
		events:      make(chan Event, eventBuffer),
		done:        make(chan struct{}),
		now:         time.Now,
		inbound:     make(map[transferKey]*inboundTransfer),
		outbound:    make(map[string]*outboundTransfer),
	}
}

// Events delivers progress (best effort) and every completion and
// failure.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Close stops event delivery. Pending terminal events are discarded.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) emitProgress(info Info) {
	select {
	case m.events <- Event{Kind: EventProgress, Info: info}:
	default:
	}
}

func (m *Manager) emitTerminal(kind EventKind, info Info) {
	select {
	case m.events <- Event{Kind: kind, Info: info}:
	case <-m.done:
	}
}

// Send streams the file at path to peerID through sink: a header, then
// every chunk in order. It returns once the receiver acknowledges the
// verified file, or with a *Error when the transfer fails. Until then the
// transfer stays registered so FailPeer and the idle timeout can end it.
func (m *Manager) Send(ctx context.Context, peerID string, sink Sink, path string) (Info, error) {
	select {
	case <-m.done:
		return Info{}, ErrManagerClosed
	default:
	}

	now := m.now()
	info := Info{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		Direction: Outbound,
		Filename:  filepath.Base(path),
		ChunkSize: m.chunkSize,
		State:     Pending,
		Path:      path,
		StartedAt: now,
		UpdatedAt: now,
	}

	file, err := os.Open(path)
	if err != nil {
		return m.failOutbound(nil, info, "open", err)
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil {
		return m.failOutbound(nil, info, "stat", err)
	}
	if stat.IsDir() {
		return m.failOutbound(nil, info, "stat", fmt.Errorf("%s is a directory", path))
	}
	info.TotalSize = stat.Size()
	info.ChunksExpected = TotalChunks(info.TotalSize, m.chunkSize)

	digest, err := HashFile(io.NewSectionReader(file, 0, info.TotalSize))
	if err != nil {
		return m.failOutbound(nil, info, "read", err)
	}

	sendCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	out := &outboundTransfer{
		peerID:   peerID,
		cancel:   cancel,
		result:   make(chan error, 1),
		info:     info,
		lastSeen: now,
	}
	m.mu.Lock()
	m.outbound[info.ID] = out
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.outbound, info.ID)
		m.mu.Unlock()
	}()

	m.logger.Info("Sending file", "transfer", info.ID, "peer", peerID, "file", info.Filename,
		"size", info.TotalSize, "chunks", info.ChunksExpected)

	header := &protocol.Header{
		TransferID:  info.ID,
		Filename:    info.Filename,
		TotalSize:   uint64(info.TotalSize),
		ChunkSize:   uint32(m.chunkSize),
		TotalChunks: info.ChunksExpected,
		Digest:      digest,
	}
	if err := m.sendFrame(sendCtx, sink, header); err != nil {
		return m.failOutbound(out, info, "send", sendError(sendCtx, err))
	}
	info = out.update(func(i *Info) { i.State = InProgress }, m.now())
	m.emitProgress(info)

	for seq := uint32(0); seq < info.ChunksExpected; seq++ {
		data, err := ReadChunkData(file, seq, info.TotalSize, m.chunkSize)
		if err != nil {
			m.sendAbort(ctx, sink, info.ID, err.Error())
			return m.failOutbound(out, info, "read", err)
		}

		chunk := &protocol.Chunk{TransferID: info.ID, Seq: seq, Payload: data}
		if err := m.sendFrame(sendCtx, sink, chunk); err != nil {
			err = sendError(sendCtx, err)
			if !errors.Is(err, ErrPeerGone) {
				m.sendAbort(ctx, sink, info.ID, err.Error())
			}
			return m.failOutbound(out, info, "send", err)
		}

		info = out.update(func(i *Info) { i.ChunksDone = seq + 1 }, m.now())
		m.emitProgress(info)
	}

	if err := awaitResult(sendCtx, out); err != nil {
		if !errors.Is(err, ErrPeerGone) && !errors.Is(err, ErrRejected) {
			m.sendAbort(ctx, sink, info.ID, err.Error())
		}
		return m.failOutbound(out, info, "deliver", err)
	}

	info = out.update(func(i *Info) { i.State = Completed }, m.now())
	m.logger.Info("File sent", "transfer", info.ID, "peer", peerID, "file", info.Filename)
	m.emitTerminal(EventCompleted, info)
	return info, nil
}

// awaitResult waits for the receiver to ack or reject the transfer.
func awaitResult(ctx context.Context, out *outboundTransfer) error {
	select {
	case err := <-out.result:
		return err
	case <-ctx.Done():
		return sendError(ctx, ctx.Err())
	}
}

func (o *outboundTransfer) resolve(err error) {
	select {
	case o.result <- err:
	default:
	}
}

func (m *Manager) sendFrame(ctx context.Context, sink Sink, f protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	return sink.SendFrame(ctx, data)
}

func (m *Manager) sendAbort(ctx context.Context, sink Sink, id, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := m.sendFrame(ctx, sink, &protocol.Abort{TransferID: id, Reason: reason}); err != nil {
		m.logger.Debug("Failed to send abort", "transfer", id, "error", err)
	}
}

// sendError prefers the cancellation cause recorded by FailPeer or the
// idle timeout over the plain context error.
func sendError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func (m *Manager) failOutbound(out *outboundTransfer, info Info, op string, err error) (Info, error) {
	terr := &Error{TransferID: info.ID, Filename: info.Filename, Op: op, Err: err}
	if out != nil {
		info = out.update(func(i *Info) {
			i.State = Failed
			i.Err = terr
		}, m.now())
	} else {
		info.State = Failed
		info.Err = terr
	}

	m.logger.Warn("File send failed", "transfer", info.ID, "peer", info.PeerID, "file", info.Filename, "error", err)
	m.emitTerminal(EventFailed, info)
	return info, terr
}

func (o *outboundTransfer) update(fn func(*Info), now time.Time) Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.info)
	o.info.UpdatedAt = now
	o.lastSeen = now
	return o.info
}

// HandleFrame applies one inbound "file" channel frame from peerID.
// Rejected frames return an error and leave the transfer untouched. When
// an inbound transfer ends, an ack or abort goes back through reply,
// which may be nil.
func (m *Manager) HandleFrame(peerID string, reply Sink, data []byte) error {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}

	switch f := frame.(type) {
	case *protocol.Header:
		return m.handleHeader(peerID, reply, f)
	case *protocol.Chunk:
		return m.handleChunk(peerID, reply, f)
	case *protocol.Abort:
		m.handleAbort(peerID, f)
		return nil
	case *protocol.Ack:
		m.handleAck(peerID, f)
		return nil
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownFrame, frame)
	}
}

func (m *Manager) emit(ev *Event) {
	if ev == nil {
		return
	}
	if ev.Kind == EventProgress {
		m.emitProgress(ev.Info)
		return
	}
	m.emitTerminal(ev.Kind, ev.Info)
}

// acknowledge tells the sender how an inbound transfer ended.
func (m *Manager) acknowledge(reply Sink, ev *Event) {
	if reply == nil || ev == nil {
		return
	}

	var f protocol.Frame
	switch ev.Kind {
	case EventCompleted:
		f = &protocol.Ack{TransferID: ev.Info.ID}
	case EventFailed:
		reason := "receive failed"
		if ev.Info.Err != nil {
			reason = ev.Info.Err.Error()
		}
		f = &protocol.Abort{TransferID: ev.Info.ID, Reason: reason}
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := m.sendFrame(ctx, reply, f); err != nil {
		m.logger.Debug("Failed to reply to sender", "transfer", ev.Info.ID, "frame", f.FrameType(), "error", err)
	}
}

func (m *Manager) handleHeader(peerID string, reply Sink, h *protocol.Header) error {
	if h.TotalSize > 1<<62 || TotalChunks(int64(h.TotalSize), int(h.ChunkSize)) != h.TotalChunks {
		return fmt.Errorf("%w: %d bytes in %d chunks of %d", ErrBadHeader, h.TotalSize, h.TotalChunks, h.ChunkSize)
	}

	key := transferKey{peerID: peerID, id: h.TransferID}
	m.mu.Lock()
	_, exists := m.inbound[key]
	m.mu.Unlock()
	if exists {
		m.logger.Debug("Ignoring duplicate header", "transfer", h.TransferID, "peer", peerID)
		return nil
	}

	now := m.now()
	in := &inboundTransfer{
		info: Info{
			ID:             h.TransferID,
			PeerID:         peerID,
			Direction:      Inbound,
			Filename:       SanitizeFilename(h.Filename),
			TotalSize:      int64(h.TotalSize),
			ChunkSize:      int(h.ChunkSize),
			ChunksExpected: h.TotalChunks,
			State:          Pending,
			StartedAt:      now,
			UpdatedAt:      now,
		},
		digest:   append([]byte(nil), h.Digest...),
		received: make(map[uint32]struct{}, h.TotalChunks),
		lastSeen: now,
	}

	if err := m.openPart(in); err != nil {
		in.mu.Lock()
		ev, terr := m.failInboundLocked(in, "create", err)
		in.mu.Unlock()
		m.acknowledge(reply, ev)
		m.emit(ev)
		return terr
	}
	in.info.State = InProgress

	m.mu.Lock()
	if _, exists := m.inbound[key]; exists {
		m.mu.Unlock()
		in.discard()
		return nil
	}
	m.inbound[key] = in
	m.mu.Unlock()

	m.logger.Info("Receiving file", "transfer", h.TransferID, "peer", peerID, "file", in.info.Filename,
		"size", h.TotalSize, "chunks", h.TotalChunks)
	m.emitProgress(in.snapshot())

	if h.TotalChunks > 0 {
		return nil
	}

	m.removeInbound(key)
	in.mu.Lock()
	ev, err := m.completeLocked(in)
	in.mu.Unlock()
	m.acknowledge(reply, ev)
	m.emit(ev)
	return err
}

func (m *Manager) openPart(in *inboundTransfer) error {
	if err := os.MkdirAll(m.downloadDir, 0o755); err != nil {
		return err
	}
	file, err := os.CreateTemp(m.downloadDir, ".fluxbridge-*.part")
	if err != nil {
		return err
	}
	if err := file.Truncate(in.info.TotalSize); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return err
	}
	in.file = file
	in.partPath = file.Name()
	return nil
}

func (m *Manager) handleChunk(peerID string, reply Sink, c *protocol.Chunk) error {
	key := transferKey{peerID: peerID, id: c.TransferID}
	m.mu.Lock()
	in, ok := m.inbound[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, c.TransferID)
	}

	in.mu.Lock()
	ev, done, err := m.applyChunkLocked(in, c)
	in.mu.Unlock()

	if done {
		m.removeInbound(key)
		m.acknowledge(reply, ev)
	}
	m.emit(ev)
	return err
}

// applyChunkLocked records one chunk. done reports that the transfer has
// reached a terminal state. in.mu must be held.
func (m *Manager) applyChunkLocked(in *inboundTransfer, c *protocol.Chunk) (ev *Event, done bool, err error) {
	if in.finished {
		return nil, false, nil
	}
	if c.Seq >= in.info.ChunksExpected {
		return nil, false, fmt.Errorf("%w: %d >= %d", ErrChunkOutOfRange, c.Seq, in.info.ChunksExpected)
	}
	if want := ChunkLen(in.info.TotalSize, in.info.ChunkSize, c.Seq); len(c.Payload) != want {
		return nil, false, fmt.Errorf("%w: chunk %d is %d bytes, want %d", ErrChunkSize, c.Seq, len(c.Payload), want)
	}

	now := m.now()
	in.lastSeen = now
	if _, dup := in.received[c.Seq]; dup {
		return nil, false, nil
	}

	if err := WriteChunkData(in.file, c.Seq, in.info.ChunkSize, c.Payload); err != nil {
		ev, err := m.failInboundLocked(in, "write", err)
		return ev, true, err
	}

	in.received[c.Seq] = struct{}{}
	in.info.ChunksDone = uint32(len(in.received))
	in.info.UpdatedAt = now

	if uint32(len(in.received)) < in.info.ChunksExpected {
		return &Event{Kind: EventProgress, Info: in.info}, false, nil
	}

	m.emitProgress(in.info)
	ev, err = m.completeLocked(in)
	return ev, true, err
}

// completeLocked verifies the part file and moves it into place. in.mu
// must be held.
func (m *Manager) completeLocked(in *inboundTransfer) (*Event, error) {
	if err := in.file.Sync(); err != nil {
		return m.failInboundLocked(in, "sync", err)
	}

	if len(in.digest) > 0 {
		if _, err := in.file.Seek(0, io.SeekStart); err != nil {
			return m.failInboundLocked(in, "verify", err)
		}
		sum, err := HashFile(in.file)
		if err != nil {
			return m.failInboundLocked(in, "verify", err)
		}
		if !bytes.Equal(sum, in.digest) {
			return m.failInboundLocked(in, "verify", ErrDigestMismatch)
		}
	}

	if err := in.file.Close(); err != nil {
		in.file = nil
		return m.failInboundLocked(in, "close", err)
	}
	in.file = nil

	dest := UniquePath(m.downloadDir, in.info.Filename)
	if err := os.Rename(in.partPath, dest); err != nil {
		return m.failInboundLocked(in, "rename", err)
	}
	in.partPath = ""

	in.finished = true
	in.info.State = Completed
	in.info.Path = dest
	in.info.UpdatedAt = m.now()

	m.logger.Info("File received", "transfer", in.info.ID, "peer", in.info.PeerID, "path", dest)
	return &Event{Kind: EventCompleted, Info: in.info}, nil
}

// handleAbort ends an inbound transfer the sender gave up on, or an
// outbound one the receiver rejected.
func (m *Manager) handleAbort(peerID string, a *protocol.Abort) {
	key := transferKey{peerID: peerID, id: a.TransferID}
	if in, ok := m.removeInbound(key); ok {
		_ = m.failInbound(in, "receive", fmt.Errorf("%w: %s", ErrAborted, a.Reason))
		return
	}
	if out, ok := m.lookupOutbound(peerID, a.TransferID); ok {
		out.resolve(fmt.Errorf("%w: %s", ErrRejected, a.Reason))
	}
}

func (m *Manager) handleAck(peerID string, a *protocol.Ack) {
	out, ok := m.lookupOutbound(peerID, a.TransferID)
	if !ok {
		m.logger.Debug("Ignoring ack for unknown transfer", "transfer", a.TransferID, "peer", peerID)
		return
	}
	out.resolve(nil)
}

func (m *Manager) lookupOutbound(peerID, id string) (*outboundTransfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outbound[id]
	if !ok || out.peerID != peerID {
		return nil, false
	}
	return out, true
}

func (m *Manager) removeInbound(key transferKey) (*inboundTransfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inbound[key]
	if ok {
		delete(m.inbound, key)
	}
	return in, ok
}

// failInbound fails a transfer already removed from the table.
func (m *Manager) failInbound(in *inboundTransfer, op string, err error) error {
	in.mu.Lock()
	ev, terr := m.failInboundLocked(in, op, err)
	in.mu.Unlock()

	m.emit(ev)
	return terr
}

func (m *Manager) failInboundLocked(in *inboundTransfer, op string, err error) (*Event, error) {
	terr := &Error{TransferID: in.info.ID, Filename: in.info.Filename, Op: op, Err: err}
	if in.finished {
		return nil, terr
	}

	in.finished = true
	in.discardLocked()
	in.info.State = Failed
	in.info.Err = terr
	in.info.UpdatedAt = m.now()

	m.logger.Warn("File receive failed", "transfer", in.info.ID, "peer", in.info.PeerID, "file", in.info.Filename, "error", err)
	return &Event{Kind: EventFailed, Info: in.info}, terr
}

func (in *inboundTransfer) discard() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.discardLocked()
}

func (in *inboundTransfer) discardLocked() {
	if in.file != nil {
		_ = in.file.Close()
		in.file = nil
	}
	if in.partPath != "" {
		_ = os.Remove(in.partPath)
		in.partPath = ""
	}
}

func (in *inboundTransfer) snapshot() Info {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.info
}

// FailPeer fails every inbound transfer from peerID and cancels every
// outbound one to it.
func (m *Manager) FailPeer(peerID string, cause error) {
	if cause == nil {
		cause = ErrPeerGone
	} else if !errors.Is(cause, ErrPeerGone) {
		cause = fmt.Errorf("%w: %w", ErrPeerGone, cause)
	}

	var inbound []*inboundTransfer
	var cancels []context.CancelCauseFunc

	m.mu.Lock()
	for key, in := range m.inbound {
		if key.peerID == peerID {
			inbound = append(inbound, in)
			delete(m.inbound, key)
		}
	}
	for _, out := range m.outbound {
		if out.peerID == peerID {
			cancels = append(cancels, out.cancel)
		}
	}
	m.mu.Unlock()

	for _, in := range inbound {
		_ = m.failInbound(in, "receive", cause)
	}
	for _, cancel := range cancels {
		cancel(cause)
	}
}

// Run fails transfers that have been idle longer than the timeout until
// ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.abandon()
			return
		case <-ticker.C:
			m.expire(m.now())
		}
	}
}

func (m *Manager) expire(now time.Time) {
	type inboundEntry struct {
		key transferKey
		in  *inboundTransfer
	}

	m.mu.Lock()
	inbound := make([]inboundEntry, 0, len(m.inbound))
	for key, in := range m.inbound {
		inbound = append(inbound, inboundEntry{key, in})
	}
	outbound := make([]*outboundTransfer, 0, len(m.outbound))
	for _, out := range m.outbound {
		outbound = append(outbound, out)
	}
	m.mu.Unlock()

	for _, e := range inbound {
		e.in.mu.Lock()
		idle := now.Sub(e.in.lastSeen) > m.timeout
		e.in.mu.Unlock()
		if !idle {
			continue
		}
		if in, ok := m.removeInbound(e.key); ok {
			_ = m.failInbound(in, "receive", ErrTimeout)
		}
	}

	for _, out := range outbound {
		out.mu.Lock()
		idle := now.Sub(out.lastSeen) > m.timeout
		out.mu.Unlock()
		if idle {
			out.cancel(ErrTimeout)
		}
	}
}

// abandon drops partial inbound files on shutdown.
func (m *Manager) abandon() {
	m.mu.Lock()
	inbound := make([]*inboundTransfer, 0, len(m.inbound))
	for key, in := range m.inbound {
		inbound = append(inbound, in)
		delete(m.inbound, key)
	}
	m.mu.Unlock()

	for _, in := range inbound {
		in.discard()
	}
}

// Active returns every transfer in flight, ordered by start time.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	inbound := make([]*inboundTransfer, 0, len(m.inbound))
	for _, in := range m.inbound {
		inbound = append(inbound, in)
	}
	outbound := make([]*outboundTransfer, 0, len(m.outbound))
	for _, out := range m.outbound {
		outbound = append(outbound, out)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(inbound)+len(outbound))
	for _, in := range inbound {
		infos = append(infos, in.snapshot())
	}
	for _, out := range outbound {
		out.mu.Lock()
		infos = append(infos, out.info)
		out.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}
