package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"meshnode/internal/dedup"
	"meshnode/internal/network"
	"meshnode/internal/peer"
	"meshnode/internal/proto"
	"meshnode/internal/transfer"
)

const (
	defaultPingInterval     = 10 * time.Second
	defaultGossipInterval   = 5 * time.Second
	defaultMaxFanout        = 8
	defaultInboundQueue     = 1024
	defaultOutboundStreams  = 4
	defaultIdleTimeout      = 2 * time.Minute
	defaultChunkRate        = 200
	defaultSnapshotInterval = 5 * time.Second
	defaultMaxOffers        = 256
)

// Config controls a Node. Zero values fall back to defaults except Port,
// where 0 asks the OS for an ephemeral port.
type Config struct {
	Port      int
	Bootstrap []string
	DataDir   string
	// TransferDir holds received files, as {TransferDir}/{filename}, and
	// their chunk files. It defaults to {DataDir}/files.
	TransferDir string

	PingInterval   time.Duration
	GossipInterval time.Duration
	PeerStaleAfter time.Duration

	MaxTTL        int
	MaxPeers      int
	MaxFanout     int
	DedupCapacity int
	InboundQueue  int

	ChunkSize            int
	ChunkRate            float64
	MaxOutboundTransfers int
	MaxPendingOffers     int
	TransferIdleTimeout  time.Duration

	// RecvRate limits datagrams per second from one host; 0 disables it.
	RecvRate  float64
	RecvBurst int

	SnapshotInterval time.Duration
	PeerBookLoad     int
}

func DefaultConfig() Config {
	return Config{
		Port:                 network.DefaultPort,
		PingInterval:         defaultPingInterval,
		GossipInterval:       defaultGossipInterval,
		MaxTTL:               proto.DefaultTTL,
		MaxPeers:             peer.DefaultMaxPeers,
		MaxFanout:            defaultMaxFanout,
		DedupCapacity:        dedup.DefaultCapacity,
		InboundQueue:         defaultInboundQueue,
		ChunkSize:            transfer.DefaultChunkSize,
		ChunkRate:            defaultChunkRate,
		MaxOutboundTransfers: defaultOutboundStreams,
		MaxPendingOffers:     defaultMaxOffers,
		TransferIdleTimeout:  defaultIdleTimeout,
		SnapshotInterval:     defaultSnapshotInterval,
		PeerBookLoad:         peer.DefaultBookLoad,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.GossipInterval <= 0 {
		c.GossipInterval = d.GossipInterval
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = d.MaxTTL
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.MaxFanout <= 0 {
		c.MaxFanout = d.MaxFanout
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = d.DedupCapacity
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = d.InboundQueue
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxOutboundTransfers <= 0 {
		c.MaxOutboundTransfers = d.MaxOutboundTransfers
	}
	if c.MaxPendingOffers <= 0 {
		c.MaxPendingOffers = d.MaxPendingOffers
	}
	if c.TransferIdleTimeout <= 0 {
		c.TransferIdleTimeout = d.TransferIdleTimeout
	}
	if c.PeerBookLoad <= 0 {
		c.PeerBookLoad = d.PeerBookLoad
	}
	if c.TransferDir == "" && c.DataDir != "" {
		c.TransferDir = filepath.Join(c.DataDir, "files")
	}
	return c
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("missing data dir")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ChunkSize > proto.MaxChunkSize() {
		return fmt.Errorf("chunk size %d exceeds datagram limit %d", c.ChunkSize, proto.MaxChunkSize())
	}
	if c.ChunkRate < 0 || c.RecvRate < 0 {
		return fmt.Errorf("negative rate")
	}
	for _, b := range c.Bootstrap {
		if _, _, err := peer.ParseKey(b); err != nil {
			return fmt.Errorf("bootstrap %q: %w", b, err)
		}
	}
	return nil
}

// ApplyEnv overrides c from MESH_* environment variables. Malformed values
// are ignored.
func (c *Config) ApplyEnv() {
	if v, ok := envInt("MESH_PORT"); ok {
		c.Port = v
	}
	if raw := strings.TrimSpace(os.Getenv("MESH_DATA_DIR")); raw != "" {
		c.DataDir = raw
	}
	if raw := strings.TrimSpace(os.Getenv("MESH_BOOTSTRAP")); raw != "" {
		c.Bootstrap = splitList(raw)
	}
	if v, ok := envInt("MESH_MAX_TTL"); ok && v > 0 {
		c.MaxTTL = v
	}
	if v, ok := envInt("MESH_MAX_PEERS"); ok && v > 0 {
		c.MaxPeers = v
	}
	if v, ok := envInt("MESH_MAX_FANOUT"); ok && v > 0 {
		c.MaxFanout = v
	}
	if v, ok := envInt("MESH_DEDUP_CAP"); ok && v > 0 {
		c.DedupCapacity = v
	}
	if v, ok := envInt("MESH_CHUNK_SIZE"); ok && v > 0 {
		c.ChunkSize = v
	}
	if v, ok := envInt("MESH_CHUNK_RATE"); ok && v >= 0 {
		c.ChunkRate = float64(v)
	}
	if v, ok := envInt("MESH_RECV_RATE"); ok && v >= 0 {
		c.RecvRate = float64(v)
	}
	if v, ok := envInt("MESH_MAX_TRANSFERS"); ok && v > 0 {
		c.MaxOutboundTransfers = v
	}
	if v, ok := envMillis("MESH_PING_INTERVAL_MS"); ok {
		c.PingInterval = v
	}
	if v, ok := envMillis("MESH_GOSSIP_INTERVAL_MS"); ok {
		c.GossipInterval = v
	}
	if v, ok := envMillis("MESH_TRANSFER_IDLE_MS"); ok {
		c.TransferIdleTimeout = v
	}
	if v, ok := envMillis("MESH_PEER_STALE_MS"); ok {
		c.PeerStaleAfter = v
	}
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envMillis(key string) (time.Duration, bool) {
	v, ok := envInt(key)
	if !ok || v <= 0 {
		return 0, false
	}
	return time.Duration(v) * time.Millisecond, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
