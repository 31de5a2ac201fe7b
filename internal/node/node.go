// Package node runs one mesh participant: it owns the UDP transport, the
// peer table, the dedup cache and the transfer manager, and dispatches every
// inbound datagram from a single event loop.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"meshnode/internal/debuglog"
	"meshnode/internal/dedup"
	"meshnode/internal/gossip"
	"meshnode/internal/metrics"
	"meshnode/internal/network"
	"meshnode/internal/peer"
	"meshnode/internal/proto"
	"meshnode/internal/transfer"
)

const (
	peerBookFile = "peers.jsonl"
	historyFile  = "transfers.jsonl"
	metricsFile  = "metrics.json"
)

var (
	ErrStarted    = errors.New("node already started")
	ErrClosed     = errors.New("node closed")
	ErrNoPeers    = errors.New("no known peers")
	ErrUnknownOff = errors.New("unknown file offer")
)

type transport interface {
	gossip.Sender
	Port() int
	Serve(ctx context.Context, handle func(from string, data []byte)) error
	Close() error
}

type datagram struct {
	from string
	data []byte
}

type pendingOffer struct {
	offer  proto.FileOffer
	sender string
	addr   string
	at     time.Time
}

type Node struct {
	cfg      Config
	id       string
	tr       transport
	engine   *gossip.Engine
	metrics  *metrics.Metrics
	book     *peer.Book
	history  *transfer.History
	limiter  *network.HostLimiter
	streams  *network.SlotLimiter
	snapPath string

	mu        sync.Mutex
	peers     *peer.Table
	seen      *dedup.Cache
	transfers *transfer.Manager
	offers    map[string]pendingOffer
	cancels   map[string]context.CancelFunc

	obsMu     sync.RWMutex
	observers []Observer

	inbound   chan datagram
	ctx       context.Context
	cancel    context.CancelFunc
	stopStart func() bool
	runMu     sync.Mutex
	wg        sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New binds the UDP port and prepares the node. Call Start to begin
// serving.
func New(cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr, err := network.Listen(cfg.Port)
	if err != nil {
		return nil, err
	}
	n, err := newNode(cfg, tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	n.mu.Lock()
	n.peers.MarkSelf(selfKeys(tr.Port())...)
	n.mu.Unlock()
	return n, nil
}

func newNode(cfg Config, tr transport) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	seed, err := loadOrCreateSeed(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	mgr, err := transfer.NewManager(cfg.TransferDir, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	id := DeriveNodeID(seed)
	m := metrics.New()
	m.SetIdentity(id, tr.Port())
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		id:        id,
		tr:        tr,
		engine:    gossip.New(id, tr, gossip.Options{MaxTTL: cfg.MaxTTL, MaxFanout: cfg.MaxFanout}, m),
		metrics:   m,
		book:      peer.NewBook(filepath.Join(cfg.DataDir, peerBookFile)),
		history:   transfer.NewHistory(filepath.Join(cfg.DataDir, historyFile)),
		limiter:   network.NewHostLimiter(cfg.RecvRate, cfg.RecvBurst),
		streams:   network.NewSlotLimiter(cfg.MaxOutboundTransfers),
		snapPath:  filepath.Join(cfg.DataDir, metricsFile),
		peers:     peer.NewTable(cfg.MaxPeers),
		seen:      dedup.New(cfg.DedupCapacity),
		transfers: mgr,
		offers:    make(map[string]pendingOffer),
		cancels:   make(map[string]context.CancelFunc),
		inbound:   make(chan datagram, cfg.InboundQueue),
		ctx:       ctx,
		cancel:    cancel,
	}
	n.engine.OnSendError(func(addr, msgType string, err error) {
		debuglog.RateLimitedf("send:"+addr, 5*time.Second, "send %s to %s failed: %v", msgType, addr, err)
		n.emit(func(o Observer) { o.OnSendError(SendErrorEvent{Addr: addr, Type: msgType, Err: err}) })
	})
	return n, nil
}

func selfKeys(port int) []string {
	keys := []string{
		peer.Key("127.0.0.1", port),
		peer.Key("0.0.0.0", port),
		peer.Key("localhost", port),
	}
	if ip := network.LocalIPv4(); ip != "" {
		keys = append(keys, peer.Key(ip, port))
	}
	return keys
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Port() int {
	return n.tr.Port()
}

func (n *Node) Config() Config {
	return n.cfg
}

func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

func (n *Node) Peers() []peer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers.List()
}

func (n *Node) Transfers() []transfer.Info {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transfers.List()
}

// History returns up to limit finished transfers, oldest first.
func (n *Node) History(limit int) ([]transfer.Record, error) {
	return n.history.Recent(limit)
}

// Subscribe registers o for every later event.
func (n *Node) Subscribe(o Observer) {
	if o == nil {
		return
	}
	n.obsMu.Lock()
	n.observers = append(n.observers, o)
	n.obsMu.Unlock()
}

func (n *Node) emit(evs ...event) {
	if len(evs) == 0 {
		return
	}
	n.obsMu.RLock()
	obs := append([]Observer(nil), n.observers...)
	n.obsMu.RUnlock()
	for _, ev := range evs {
		for _, o := range obs {
			ev(o)
		}
	}
}

// Start launches the reader and event loop, contacts the bootstrap peers and
// the peers remembered from earlier runs. It returns once discovery pings
// are out; the node stops when ctx ends or Close is called.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if !n.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	n.stopStart = context.AfterFunc(ctx, n.cancel)

	if !n.spawn(n.readLoop) || !n.spawn(n.eventLoop) {
		return ErrClosed
	}

	n.discover()
	debuglog.Named("node").Infow("listening", "node_id", n.id, "port", n.Port(), "peers", len(n.Peers()))
	return nil
}

func (n *Node) readLoop() {
	err := n.tr.Serve(n.ctx, func(from string, data []byte) {
		select {
		case n.inbound <- datagram{from: from, data: data}:
		default:
			n.metrics.IncDropByReason("queue_full")
			debuglog.RateLimitedf("queue_full", 5*time.Second, "inbound queue full, dropping datagram from %s", from)
		}
	})
	if err != nil && n.ctx.Err() == nil {
		debuglog.Warnf("udp serve stopped: %v", err)
		n.cancel()
	}
}

func (n *Node) eventLoop() {
	pingT := time.NewTicker(n.cfg.PingInterval)
	defer pingT.Stop()
	gossipT := time.NewTicker(n.cfg.GossipInterval)
	defer gossipT.Stop()
	var snapC <-chan time.Time
	if n.cfg.SnapshotInterval > 0 {
		snapT := time.NewTicker(n.cfg.SnapshotInterval)
		defer snapT.Stop()
		snapC = snapT.C
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case d := <-n.inbound:
			n.HandleDatagram(d.from, d.data)
		case <-pingT.C:
			n.pingSweep(time.Now())
		case <-gossipT.C:
			n.gossipPeers()
		case <-snapC:
			n.writeSnapshot()
		}
	}
}

// discover inserts the bootstrap and remembered peers under their resolved
// ip:port keys and pings them.
func (n *Node) discover() {
	targets := append([]string(nil), n.cfg.Bootstrap...)
	known, err := n.book.Load(n.cfg.PeerBookLoad)
	if err != nil {
		debuglog.Warnf("load peer book: %v", err)
	}
	for _, p := range known {
		targets = append(targets, p.Key())
	}
	now := time.Now()
	var ping []string
	n.mu.Lock()
	for _, target := range targets {
		key, err := network.ResolveKey(target)
		if err != nil {
			debuglog.Warnf("bootstrap %s: %v", target, err)
			continue
		}
		if n.peers.IsSelf(key) {
			continue
		}
		if present, _ := n.peers.Touch(key, "", now); present {
			ping = append(ping, key)
		}
	}
	n.syncGauges()
	n.mu.Unlock()
	if len(ping) == 0 {
		return
	}
	if _, err := n.engine.Ping(ping...); err != nil {
		debuglog.Debugf("discovery ping: %v", err)
	}
}

// pingSweep pings every peer and expires idle transfers, stale offers and
// stale peers.
func (n *Node) pingSweep(now time.Time) {
	n.mu.Lock()
	if n.cfg.PeerStaleAfter > 0 {
		for _, key := range n.peers.Prune(now.Add(-n.cfg.PeerStaleAfter)) {
			debuglog.Debugf("peer %s stale, removed", key)
		}
	}
	keys := n.peers.Keys()
	expired := n.transfers.Expire(n.cfg.TransferIdleTimeout)
	for _, info := range expired {
		if cancel, ok := n.cancels[info.ID]; ok {
			cancel()
			delete(n.cancels, info.ID)
		}
	}
	for id, p := range n.offers {
		if now.Sub(p.at) > n.cfg.TransferIdleTimeout {
			delete(n.offers, id)
		}
	}
	n.syncGauges()
	n.mu.Unlock()

	var evs []event
	for _, info := range expired {
		evs = append(evs, n.recordFailure(info, transfer.ErrTimeout))
	}
	n.emit(evs...)
	if len(keys) == 0 {
		return
	}
	if _, err := n.engine.Ping(keys...); err != nil {
		debuglog.Debugf("ping sweep: %v", err)
	}
}

// gossipPeers advertises the peer table to every peer.
func (n *Node) gossipPeers() {
	n.mu.Lock()
	keys := n.peers.Keys()
	n.mu.Unlock()
	if len(keys) == 0 {
		return
	}
	if _, err := n.engine.PeerList(keys, keys); err != nil {
		debuglog.Debugf("peer list gossip: %v", err)
	}
}

func (n *Node) writeSnapshot() {
	n.mu.Lock()
	n.syncGauges()
	n.mu.Unlock()
	if err := n.metrics.WriteSnapshot(n.snapPath); err != nil {
		debuglog.RateLimitedf("snapshot", time.Minute, "write metrics snapshot: %v", err)
	}
}

// syncGauges requires n.mu.
func (n *Node) syncGauges() {
	n.metrics.SetPeerTableSize(n.peers.Len())
	n.metrics.SetDedupSize(n.seen.Len())
}

// broadcast marks msg as seen and sends it to every peer.
func (n *Node) broadcast(msg proto.Message) error {
	n.mu.Lock()
	n.seen.Add(msg.ID)
	keys := n.peers.Keys()
	n.mu.Unlock()
	if len(keys) == 0 {
		return ErrNoPeers
	}
	return n.engine.Broadcast(msg, keys)
}

// Close stops the loops, cancels outbound transfers and releases the port.
// It is safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.runMu.Lock()
		n.closed.Store(true)
		n.runMu.Unlock()
		if n.stopStart != nil {
			n.stopStart()
		}
		n.cancel()
		n.closeErr = n.tr.Close()
		n.wg.Wait()
		if n.started.Load() {
			n.writeSnapshot()
		}
		debuglog.Sync()
	})
	if n.closeErr != nil && !errors.Is(n.closeErr, os.ErrClosed) {
		return fmt.Errorf("close transport: %w", n.closeErr)
	}
	return nil
}
