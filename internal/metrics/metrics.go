package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type MessageHeader struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Sender string `json:"sender"`
	TTL    int    `json:"ttl"`
	At     int64  `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	NodeID       string            `json:"node_id,omitempty"`
	Port         int               `json:"port,omitempty"`
	Gossip       GossipMetrics     `json:"gossip"`
	Transfer     TransferMetrics   `json:"transfer"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	PeerTable    uint64            `json:"peer_table"`
	DedupSize    uint64            `json:"dedup_size"`
	Recent       []MessageHeader   `json:"recent"`
}

type GossipMetrics struct {
	Sent          uint64 `json:"sent"`
	SendErrors    uint64 `json:"send_errors"`
	Relayed       uint64 `json:"relayed"`
	FanoutSkipped uint64 `json:"fanout_skipped"`
}

type TransferMetrics struct {
	ChunksSent     uint64 `json:"chunks_sent"`
	ChunksReceived uint64 `json:"chunks_received"`
	Done           uint64 `json:"done"`
	Failed         uint64 `json:"failed"`
	Rejected       uint64 `json:"rejected"`
}

type Metrics struct {
	sent           atomic.Uint64
	sendErrors     atomic.Uint64
	relayed        atomic.Uint64
	fanoutSkipped  atomic.Uint64
	chunksSent     atomic.Uint64
	chunksReceived atomic.Uint64
	transfersDone  atomic.Uint64
	transfersFail  atomic.Uint64
	transfersRej   atomic.Uint64
	peerTable      atomic.Uint64
	dedupSize      atomic.Uint64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
	nodeID       string
	port         int

	recent *Recent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
	}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) SetIdentity(nodeID string, port int) {
	m.mu.Lock()
	m.nodeID = nodeID
	m.port = port
	m.mu.Unlock()
}

func (m *Metrics) IncSent() {
	m.sent.Add(1)
}

func (m *Metrics) IncSendError() {
	m.sendErrors.Add(1)
}

func (m *Metrics) IncRelayed() {
	m.relayed.Add(1)
}

func (m *Metrics) IncFanoutSkipped() {
	m.fanoutSkipped.Add(1)
}

func (m *Metrics) IncChunkSent() {
	m.chunksSent.Add(1)
}

func (m *Metrics) IncChunkReceived() {
	m.chunksReceived.Add(1)
}

func (m *Metrics) IncTransferDone() {
	m.transfersDone.Add(1)
}

func (m *Metrics) IncTransferFailed() {
	m.transfersFail.Add(1)
}

func (m *Metrics) IncTransferRejected() {
	m.transfersRej.Add(1)
}

func (m *Metrics) SetPeerTableSize(n int) {
	m.peerTable.Store(uint64(n))
}

func (m *Metrics) SetDedupSize(n int) {
	m.dedupSize.Store(uint64(n))
}

func (m *Metrics) IncRecvByType(t string) {
	if t == "" {
		t = "unknown"
	}
	m.mu.Lock()
	m.recvByType[t]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	nodeID, port := m.nodeID, m.port
	m.mu.Unlock()
	recent := []MessageHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		NodeID:      nodeID,
		Port:        port,
		Gossip: GossipMetrics{
			Sent:          m.sent.Load(),
			SendErrors:    m.sendErrors.Load(),
			Relayed:       m.relayed.Load(),
			FanoutSkipped: m.fanoutSkipped.Load(),
		},
		Transfer: TransferMetrics{
			ChunksSent:     m.chunksSent.Load(),
			ChunksReceived: m.chunksReceived.Load(),
			Done:           m.transfersDone.Load(),
			Failed:         m.transfersFail.Load(),
			Rejected:       m.transfersRej.Load(),
		},
		RecvByType:   recv,
		DropByReason: drops,
		PeerTable:    m.peerTable.Load(),
		DedupSize:    m.dedupSize.Load(),
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Recent keeps the last few processed message headers.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []MessageHeader
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h MessageHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []MessageHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessageHeader, len(r.list))
	copy(out, r.list)
	return out
}
