package transfer

import (
	"time"

	"meshnode/internal/store"
)

// Record is one finished transfer in the history log.
type Record struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Peer      string    `json:"peer"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	State     State     `json:"state"`
	Path      string    `json:"path,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// History appends terminal transfer states to a JSONL file.
type History struct {
	path string
}

func NewHistory(path string) *History {
	return &History{path: path}
}

func (h *History) Path() string {
	return h.path
}

func (h *History) Append(info Info, reason string) error {
	if h == nil || h.path == "" {
		return nil
	}
	peer := info.Receiver
	if info.Direction == Inbound {
		peer = info.Sender
	}
	return store.AppendJSONL(h.path, Record{
		ID:        info.ID,
		Direction: info.Direction,
		Peer:      peer,
		Filename:  info.Filename,
		Size:      info.Size,
		State:     info.State,
		Path:      info.Filepath,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
}

// Recent returns up to n of the newest records, oldest first.
func (h *History) Recent(n int) ([]Record, error) {
	return store.ReadLast[Record](h.path, n)
}
