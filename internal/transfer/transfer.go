// Package transfer tracks chunked file transfers on both ends: the sender
// record created with an offer and the receiver record created on accept.
package transfer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultChunkSize = 32 * 1024
	maxIDLen         = 128
)

type Direction string

const (
	Outbound Direction = "send"
	Inbound  Direction = "receive"
)

type State string

const (
	StateOffered      State = "offered"
	StateAccepted     State = "accepted"
	StateRejected     State = "rejected"
	StateTransferring State = "transferring"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

var (
	ErrUnknown        = errors.New("unknown transfer")
	ErrExists         = errors.New("transfer already exists")
	ErrNotReceiver    = errors.New("transfer is not received by this node")
	ErrNotSender      = errors.New("transfer is not sent by this node")
	ErrDuplicateChunk = errors.New("chunk already received")
	ErrChunkRange     = errors.New("chunk index out of range")
	ErrChunkSize      = errors.New("unexpected chunk length")
	ErrIncomplete     = errors.New("transfer incomplete")
	ErrChecksum       = errors.New("checksum mismatch")
	ErrBadName        = errors.New("bad file name")
	ErrBadID          = errors.New("bad transfer id")
	ErrTimeout        = errors.New("transfer idle timeout")
)

// Transfer is one side of a file transfer. Records live inside a Manager and
// are only handed out as Info copies.
type Transfer struct {
	ID         string
	Sender     string
	Receiver   string
	Filename   string
	Size       int64
	ChunkSize  int
	ChunkCount int
	Filepath   string
	Checksum   string
	Direction  Direction
	State      State
	PeerAddr   string
	Received   map[int]struct{}
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (t *Transfer) Progress() float64 {
	if t.ChunkCount == 0 {
		return 1
	}
	return float64(len(t.Received)) / float64(t.ChunkCount)
}

func (t *Transfer) Complete() bool {
	return len(t.Received) == t.ChunkCount
}

// ExpectedChunkLen is the exact byte length of chunk idx.
func (t *Transfer) ExpectedChunkLen(idx int) int {
	if idx < t.ChunkCount-1 {
		return t.ChunkSize
	}
	return int(t.Size - int64(idx)*int64(t.ChunkSize))
}

// Info is a read-only snapshot of a transfer.
type Info struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	Received   int       `json:"received"`
	Progress   float64   `json:"progress"`
	Filepath   string    `json:"filepath,omitempty"`
	Direction  Direction `json:"direction"`
	State      State     `json:"state"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (t *Transfer) Info() Info {
	return Info{
		ID:         t.ID,
		Sender:     t.Sender,
		Receiver:   t.Receiver,
		Filename:   t.Filename,
		Size:       t.Size,
		ChunkCount: t.ChunkCount,
		Received:   len(t.Received),
		Progress:   t.Progress(),
		Filepath:   t.Filepath,
		Direction:  t.Direction,
		State:      t.State,
		UpdatedAt:  t.UpdatedAt,
	}
}

func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// SafeName reduces a remote file name to a plain base name.
func SafeName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	if strings.HasSuffix(base, ".chunk") || strings.HasSuffix(base, ".part") {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return base, nil
}

func validID(id string) error {
	if id == "" || len(id) > maxIDLen {
		return ErrBadID
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrBadID, id)
		}
	}
	return nil
}
