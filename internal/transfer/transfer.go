// Package transfer sends files as a header frame followed by fixed-size
// chunk frames and reassembles inbound transfers on disk.
package transfer

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrChunkOutOfRange = errors.New("chunk sequence out of range")
	ErrChunkSize       = errors.New("chunk has unexpected length")
	ErrDigestMismatch  = errors.New("file digest mismatch")
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrBadHeader       = errors.New("inconsistent transfer header")
	ErrTimeout         = errors.New("transfer timed out")
	ErrAborted         = errors.New("transfer aborted by sender")
	ErrRejected        = errors.New("transfer rejected by receiver")
	ErrPeerGone        = errors.New("peer connection closed")
	ErrManagerClosed   = errors.New("transfer manager closed")
)

type Direction uint8

const (
	Outbound Direction = iota + 1
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "unknown"
	}
}

type State uint8

const (
	Pending State = iota
	InProgress
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Info is a snapshot of one transfer.
type Info struct {
	ID             string
	PeerID         string
	Direction      Direction
	Filename       string
	TotalSize      int64
	ChunkSize      int
	ChunksExpected uint32
	ChunksDone     uint32
	State          State
	// Path is the source file for outbound transfers and the delivered
	// file for completed inbound ones.
	Path      string
	Err       error
	StartedAt time.Time
	UpdatedAt time.Time
}

// Progress is the completed fraction in [0, 1].
func (i Info) Progress() float64 {
	if i.ChunksExpected == 0 {
		if i.State == Completed {
			return 1
		}
		return 0
	}
	return float64(i.ChunksDone) / float64(i.ChunksExpected)
}

// Error describes a failed transfer.
type Error struct {
	TransferID string
	Filename   string
	Op         string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer %s (%s): %s: %v", e.TransferID, e.Filename, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type EventKind uint8

const (
	EventProgress EventKind = iota + 1
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Info Info
}
