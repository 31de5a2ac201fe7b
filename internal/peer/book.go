package peer

import (
	"time"

	"meshnode/internal/store"
)

const DefaultBookLoad = 64

type bookRecord struct {
	Key    string `json:"key"`
	NodeID string `json:"node_id,omitempty"`
	SeenAt int64  `json:"seen_at"`
}

// Book persists peers across restarts as an append-only JSONL file.
type Book struct {
	path string
}

func NewBook(path string) *Book {
	return &Book{path: path}
}

func (b *Book) Path() string {
	return b.path
}

func (b *Book) Record(p Peer) error {
	if b == nil || b.path == "" {
		return nil
	}
	return store.AppendJSONL(b.path, bookRecord{Key: p.Key(), NodeID: p.NodeID, SeenAt: p.LastSeen.Unix()})
}

// Load returns up to limit distinct peers, most recent entry per key winning.
func (b *Book) Load(limit int) ([]Peer, error) {
	if b == nil || b.path == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultBookLoad
	}
	recs, err := store.ReadLast[bookRecord](b.path, limit*4)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []Peer
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		rec := recs[i]
		if seen[rec.Key] {
			continue
		}
		host, port, err := ParseKey(rec.Key)
		if err != nil {
			continue
		}
		seen[rec.Key] = true
		out = append(out, Peer{Addr: host, Port: port, NodeID: rec.NodeID, LastSeen: time.Unix(rec.SeenAt, 0)})
	}
	return out, nil
}
