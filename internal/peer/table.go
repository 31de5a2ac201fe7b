package peer

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"time"
)

const DefaultMaxPeers = 50

type Peer struct {
	Addr     string        `json:"addr"`
	Port     int           `json:"port"`
	NodeID   string        `json:"node_id,omitempty"`
	LastSeen time.Time     `json:"last_seen"`
	Latency  time.Duration `json:"latency,omitempty"`
	// HasLatency is false until the first pong arrives.
	HasLatency bool `json:"has_latency"`
}

func (p Peer) Key() string {
	return Key(p.Addr, p.Port)
}

func Key(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// ParseKey splits an address:port key and validates the port.
func ParseKey(key string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(key)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", key)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port in %q", key)
	}
	return host, port, nil
}

// LiteralKey reports whether key is a literal ip:port and returns it in the
// form the transport reports source addresses.
func LiteralKey(key string) (string, bool) {
	ap, err := netip.ParseAddrPort(key)
	if err != nil || ap.Port() == 0 || !ap.Addr().IsValid() || ap.Addr().IsUnspecified() {
		return "", false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String(), true
}

// Table is the bounded set of known peers keyed by address:port. It is not
// safe for concurrent use.
type Table struct {
	cap   int
	peers map[string]*Peer
	self  map[string]bool
}

func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultMaxPeers
	}
	return &Table{
		cap:   capacity,
		peers: make(map[string]*Peer),
		self:  make(map[string]bool),
	}
}

// MarkSelf records addresses that belong to this node; they are never
// inserted and are removed if already present.
func (t *Table) MarkSelf(keys ...string) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		t.self[k] = true
		delete(t.peers, k)
	}
}

func (t *Table) IsSelf(key string) bool {
	return t.self[key]
}

// Touch inserts key or refreshes its last-seen time. It reports whether the
// peer is present afterwards and whether it was newly inserted.
func (t *Table) Touch(key, nodeID string, now time.Time) (present, inserted bool) {
	if p, ok := t.peers[key]; ok {
		p.LastSeen = now
		if nodeID != "" {
			p.NodeID = nodeID
		}
		return true, false
	}
	if t.self[key] || len(t.peers) >= t.cap {
		return false, false
	}
	host, port, err := ParseKey(key)
	if err != nil {
		return false, false
	}
	t.peers[key] = &Peer{Addr: host, Port: port, NodeID: nodeID, LastSeen: now}
	return true, true
}

func (t *Table) SetLatency(key string, d time.Duration) bool {
	p, ok := t.peers[key]
	if !ok {
		return false
	}
	if d < 0 {
		d = 0
	}
	p.Latency = d
	p.HasLatency = true
	return true
}

func (t *Table) Has(key string) bool {
	_, ok := t.peers[key]
	return ok
}

func (t *Table) Get(key string) (Peer, bool) {
	p, ok := t.peers[key]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// FindByNodeID returns the most recently seen peer announcing nodeID.
func (t *Table) FindByNodeID(nodeID string) (Peer, bool) {
	var best *Peer
	for _, p := range t.peers {
		if p.NodeID != nodeID || nodeID == "" {
			continue
		}
		if best == nil || p.LastSeen.After(best.LastSeen) {
			best = p
		}
	}
	if best == nil {
		return Peer{}, false
	}
	return *best, true
}

// Resolve maps a node id or an address:port key to a known peer key.
func (t *Table) Resolve(target string) (string, bool) {
	if t.Has(target) {
		return target, true
	}
	if p, ok := t.FindByNodeID(target); ok {
		return p.Key(), true
	}
	return "", false
}

func (t *Table) Len() int {
	return len(t.peers)
}

func (t *Table) Cap() int {
	return t.cap
}

func (t *Table) Full() bool {
	return len(t.peers) >= t.cap
}

// Keys returns the peer keys in sorted order.
func (t *Table) Keys() []string {
	out := make([]string, 0, len(t.peers))
	for k := range t.peers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// List returns copies of every peer sorted by key.
func (t *Table) List() []Peer {
	out := make([]Peer, 0, len(t.peers))
	for _, k := range t.Keys() {
		out = append(out, *t.peers[k])
	}
	return out
}

// Prune drops peers not seen since cutoff and returns their keys.
func (t *Table) Prune(cutoff time.Time) []string {
	var removed []string
	for k, p := range t.peers {
		if p.LastSeen.Before(cutoff) {
			delete(t.peers, k)
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)
	return removed
}
