package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshnode/internal/peer"
	"meshnode/internal/proto"
	"meshnode/internal/testutil"
	"meshnode/internal/transfer"
)

var errUnreachable = errors.New("unreachable")

// memNet connects memTransports by address key.
type memNet struct {
	mu   sync.Mutex
	ends map[string]*memTransport
}

func newMemNet() *memNet {
	return &memNet{ends: make(map[string]*memTransport)}
}

type memDatagram struct {
	from string
	data []byte
}

type memTransport struct {
	net    *memNet
	key    string
	in     chan memDatagram
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	out []proto.Message
}

func (m *memNet) endpoint(key string) *memTransport {
	t := &memTransport{net: m, key: key, in: make(chan memDatagram, 4096), closed: make(chan struct{})}
	m.mu.Lock()
	m.ends[key] = t
	m.mu.Unlock()
	return t
}

func (t *memTransport) Send(addr string, data []byte) error {
	if msg, err := proto.Decode(data); err == nil {
		t.mu.Lock()
		t.out = append(t.out, msg)
		t.mu.Unlock()
	}
	t.net.mu.Lock()
	dst := t.net.ends[addr]
	t.net.mu.Unlock()
	if dst == nil {
		return errUnreachable
	}
	select {
	case dst.in <- memDatagram{from: t.key, data: append([]byte(nil), data...)}:
	default:
	}
	return nil
}

func (t *memTransport) Port() int {
	return 6232
}

func (t *memTransport) Serve(ctx context.Context, handle func(from string, data []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closed:
			return nil
		case d := <-t.in:
			handle(d.from, d.data)
		}
	}
}

func (t *memTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *memTransport) sent() []proto.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]proto.Message(nil), t.out...)
}

type recording struct {
	chats    []ChatEvent
	offers   []FileOfferEvent
	done     []FileDoneEvent
	failed   []FileFailedEvent
	rejected []transfer.Info
	updates  int
}

type recorder struct {
	NopObserver
	mu       sync.Mutex
	chats    []ChatEvent
	offers   []FileOfferEvent
	done     []FileDoneEvent
	failed   []FileFailedEvent
	rejected []transfer.Info
	updates  int
	onOffer  func(FileOfferEvent)
}

func (r *recorder) OnChat(ev ChatEvent) {
	r.mu.Lock()
	r.chats = append(r.chats, ev)
	r.mu.Unlock()
}

func (r *recorder) OnPeerUpdate([]peer.Peer) {
	r.mu.Lock()
	r.updates++
	r.mu.Unlock()
}

func (r *recorder) OnFileOffer(ev FileOfferEvent) {
	r.mu.Lock()
	r.offers = append(r.offers, ev)
	fn := r.onOffer
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (r *recorder) OnFileDone(ev FileDoneEvent) {
	r.mu.Lock()
	r.done = append(r.done, ev)
	r.mu.Unlock()
}

func (r *recorder) OnFileFailed(ev FileFailedEvent) {
	r.mu.Lock()
	r.failed = append(r.failed, ev)
	r.mu.Unlock()
}

func (r *recorder) OnFileRejected(info transfer.Info) {
	r.mu.Lock()
	r.rejected = append(r.rejected, info)
	r.mu.Unlock()
}

func (r *recorder) snapshot() recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recording{
		chats:    append([]ChatEvent(nil), r.chats...),
		offers:   append([]FileOfferEvent(nil), r.offers...),
		done:     append([]FileDoneEvent(nil), r.done...),
		failed:   append([]FileFailedEvent(nil), r.failed...),
		rejected: append([]transfer.Info(nil), r.rejected...),
		updates:  r.updates,
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.DataDir = t.TempDir()
	cfg.ChunkRate = 0
	cfg.SnapshotInterval = 0
	return cfg
}

func newTestNode(t *testing.T, net *memNet, key string, mutate func(*Config)) (*Node, *memTransport, *recorder) {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	tr := net.endpoint(key)
	n, err := newNode(cfg, tr)
	require.NoError(t, err)
	rec := &recorder{}
	n.Subscribe(rec)
	t.Cleanup(func() { _ = n.Close() })
	return n, tr, rec
}

func encode(t *testing.T, msg proto.Message) []byte {
	t.Helper()
	data, err := proto.Encode(msg)
	require.NoError(t, err)
	return data
}

func TestDeriveNodeIDStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	seed, err := loadOrCreateSeed(dir)
	require.NoError(t, err)
	again, err := loadOrCreateSeed(dir)
	require.NoError(t, err)
	require.Equal(t, seed, again)
	require.Equal(t, DeriveNodeID(seed), DeriveNodeID(again))
	require.Len(t, DeriveNodeID(seed), 2*nodeIDSize)
	require.NotEqual(t, DeriveNodeID(seed), DeriveNodeID([]byte("other")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, seedFile), []byte("zz"), 0600))
	_, err = loadOrCreateSeed(dir)
	require.Error(t, err)
}

func TestDuplicateDatagramIsIgnored(t *testing.T) {
	n, _, rec := newTestNode(t, newMemNet(), "10.0.0.1:6232", nil)

	msg, err := proto.NewChat("remote", 0, "hello")
	require.NoError(t, err)
	data := encode(t, msg)

	n.HandleDatagram("10.0.0.2:6232", data)
	before := n.Peers()
	require.Len(t, before, 1)

	n.HandleDatagram("10.0.0.2:6232", data)
	after := n.Peers()

	got := rec.snapshot()
	require.Len(t, got.chats, 1)
	require.Equal(t, "hello", got.chats[0].Text)
	require.Equal(t, 1, got.updates)
	require.Equal(t, before[0].LastSeen, after[0].LastSeen)
	require.Equal(t, uint64(1), n.Metrics().Snapshot().DropByReason["duplicate"])
}

func TestOwnMessagesAreDropped(t *testing.T) {
	n, _, rec := newTestNode(t, newMemNet(), "10.0.0.1:6232", nil)

	ping, err := proto.NewPing(n.ID(), 1)
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.1:6232", encode(t, ping))

	require.Empty(t, n.Peers())
	require.Zero(t, rec.snapshot().updates)

	n.mu.Lock()
	self := n.peers.IsSelf("10.0.0.1:6232")
	n.mu.Unlock()
	require.True(t, self)
}

func TestPeerTableStaysBounded(t *testing.T) {
	n, _, _ := newTestNode(t, newMemNet(), "10.0.0.1:6232", func(c *Config) { c.MaxPeers = 3 })

	for i := 2; i < 10; i++ {
		ping, err := proto.NewPing(fmt.Sprintf("node-%d", i), 1)
		require.NoError(t, err)
		n.HandleDatagram(fmt.Sprintf("10.0.0.%d:6232", i), encode(t, ping))
	}
	require.Len(t, n.Peers(), 3)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	net := newMemNet()
	n, tr, _ := newTestNode(t, net, "10.0.0.1:6232", nil)
	net.endpoint("10.0.0.2:6232")

	ping, err := proto.NewPing("remote", 1)
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, ping))

	out := tr.sent()
	require.Len(t, out, 1)
	require.Equal(t, proto.MsgTypePong, out[0].Type)
	echo, err := proto.DecodeTimestampPayload(out[0])
	require.NoError(t, err)
	sentAt, err := proto.DecodeTimestampPayload(ping)
	require.NoError(t, err)
	require.Equal(t, sentAt, echo)
}

func TestPongRecordsLatency(t *testing.T) {
	n, _, _ := newTestNode(t, newMemNet(), "10.0.0.1:6232", nil)

	pong, err := proto.NewPong("remote", 1, proto.NowMillis()-40)
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, pong))

	peers := n.Peers()
	require.Len(t, peers, 1)
	require.True(t, peers[0].HasLatency)
	require.GreaterOrEqual(t, peers[0].Latency, 40*time.Millisecond)
	require.Equal(t, "remote", peers[0].NodeID)
}

func TestPeerListMergesAndPings(t *testing.T) {
	net := newMemNet()
	n, tr, _ := newTestNode(t, net, "10.0.0.1:6232", nil)
	net.endpoint("10.0.0.3:6232")

	list, err := proto.NewPeerList("remote", 1, []string{"10.0.0.3:6232", "not-a-key"})
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, list))

	require.Len(t, n.Peers(), 2)
	out := tr.sent()
	require.Len(t, out, 1)
	require.Equal(t, proto.MsgTypePing, out[0].Type)
}

func TestChatRelayDecrementsTTLAndSkipsSource(t *testing.T) {
	net := newMemNet()
	n, tr, _ := newTestNode(t, net, "10.0.0.1:6232", nil)
	for _, key := range []string{"10.0.0.2:6232", "10.0.0.3:6232", "10.0.0.4:6232"} {
		net.endpoint(key)
	}
	n.mu.Lock()
	now := time.Now()
	n.peers.Touch("10.0.0.3:6232", "node-3", now)
	n.peers.Touch("10.0.0.4:6232", "origin", now)
	n.mu.Unlock()

	msg, err := proto.NewChat("origin", 3, "flood")
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, msg))

	out := tr.sent()
	require.Len(t, out, 1)
	require.Equal(t, msg.ID, out[0].ID)
	require.Equal(t, 2, out[0].TTL)

	last, err := proto.NewChat("origin", 0, "stop")
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, last))
	require.Len(t, tr.sent(), 1)
}

func TestAppDataIsNotRelayed(t *testing.T) {
	net := newMemNet()
	n, tr, _ := newTestNode(t, net, "10.0.0.1:6232", nil)
	var got []AppDataEvent
	var mu sync.Mutex
	n.Subscribe(appDataFunc(func(ev AppDataEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))
	n.mu.Lock()
	n.peers.Touch("10.0.0.3:6232", "node-3", time.Now())
	n.mu.Unlock()

	msg, err := proto.NewMessage(proto.MsgTypeAppData, "remote", 5, map[string]int{"v": 1})
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, msg))

	require.Empty(t, tr.sent())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.JSONEq(t, `{"v":1}`, string(got[0].Payload))
}

type appDataFunc func(AppDataEvent)

func (appDataFunc) OnChat(ChatEvent)             {}
func (f appDataFunc) OnAppData(ev AppDataEvent)  { f(ev) }
func (appDataFunc) OnPeerUpdate([]peer.Peer)     {}
func (appDataFunc) OnFileOffer(FileOfferEvent)   {}
func (appDataFunc) OnFileChunk(transfer.Info)    {}
func (appDataFunc) OnFileDone(FileDoneEvent)     {}
func (appDataFunc) OnFileRejected(transfer.Info) {}
func (appDataFunc) OnFileFailed(FileFailedEvent) {}
func (appDataFunc) OnSendError(SendErrorEvent)   {}

func TestBroadcastWithoutPeers(t *testing.T) {
	n, _, _ := newTestNode(t, newMemNet(), "10.0.0.1:6232", nil)
	require.ErrorIs(t, n.SendChat("anyone?"), ErrNoPeers)
	require.Error(t, n.SendChat("   "))
}

func TestUnknownOfferAnswers(t *testing.T) {
	n, _, _ := newTestNode(t, newMemNet(), "10.0.0.1:6232", nil)
	require.ErrorIs(t, n.AcceptFileOffer("nope"), ErrUnknownOff)
	require.ErrorIs(t, n.RejectFileOffer("nope"), ErrUnknownOff)
}

func startLine(t *testing.T, mutate func(*Config)) (*memNet, []*Node, []*recorder) {
	t.Helper()
	net := newMemNet()
	keys := []string{"10.0.0.1:6232", "10.0.0.2:6232", "10.0.0.3:6232"}
	var nodes []*Node
	var recs []*recorder
	for i, key := range keys {
		n, _, rec := newTestNode(t, net, key, func(c *Config) {
			c.PingInterval = time.Hour
			c.GossipInterval = time.Hour
			if i != 1 {
				c.Bootstrap = []string{keys[1]}
			}
			if mutate != nil {
				mutate(c)
			}
		})
		nodes = append(nodes, n)
		recs = append(recs, rec)
	}
	for _, n := range nodes {
		require.NoError(t, n.Start(context.Background()))
	}
	require.Eventually(t, func() bool {
		return len(nodes[1].Peers()) == 2 && len(nodes[0].Peers()) == 1 && len(nodes[2].Peers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return net, nodes, recs
}

func TestChatFloodsThroughRelay(t *testing.T) {
	_, nodes, recs := startLine(t, nil)

	require.NoError(t, nodes[0].SendChat("hello mesh"))
	require.Eventually(t, func() bool {
		return len(recs[2].snapshot().chats) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got := recs[2].snapshot().chats[0]
	require.Equal(t, nodes[0].ID(), got.From)
	require.Equal(t, "hello mesh", got.Text)
	require.Len(t, recs[1].snapshot().chats, 1)
	require.Empty(t, recs[0].snapshot().chats)
}

func TestFileTransferBetweenNodes(t *testing.T) {
	_, nodes, recs := startLine(t, func(c *Config) { c.ChunkSize = 1000 })
	sender, receiver := nodes[0], nodes[1]
	recs[1].mu.Lock()
	recs[1].onOffer = func(ev FileOfferEvent) {
		_ = receiver.AcceptFileOffer(ev.TransferID)
	}
	recs[1].mu.Unlock()

	src, want := testutil.WriteRandomFile(t, t.TempDir(), "photo.jpg", 10_500, 11)
	info, err := sender.SendFileOffer(receiver.ID(), src)
	require.NoError(t, err)
	require.Equal(t, 11, info.ChunkCount)

	require.Eventually(t, func() bool {
		return len(recs[1].snapshot().done) == 1 && len(recs[0].snapshot().done) == 1
	}, 5*time.Second, 5*time.Millisecond)

	done := recs[1].snapshot().done[0]
	require.Equal(t, transfer.Inbound, done.Transfer.Direction)
	got, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, filepath.Join(receiver.Config().TransferDir, "photo.jpg"), done.Path)

	require.Empty(t, receiver.Transfers())
	require.Eventually(t, func() bool { return len(sender.Transfers()) == 0 }, time.Second, 5*time.Millisecond)
	require.Empty(t, recs[2].snapshot().offers)

	hist, err := receiver.History(10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, transfer.StateDone, hist[0].State)
}

func TestFileOfferRejected(t *testing.T) {
	net, nodes, recs := startLine(t, nil)
	sender, receiver := nodes[0], nodes[1]
	recs[1].mu.Lock()
	recs[1].onOffer = func(ev FileOfferEvent) {
		_ = receiver.RejectFileOffer(ev.TransferID)
	}
	recs[1].mu.Unlock()

	src, _ := testutil.WriteRandomFile(t, t.TempDir(), "nope.bin", 100, 1)
	info, err := sender.SendFileOffer(receiver.ID(), src)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recs[0].snapshot().rejected) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, info.ID, recs[0].snapshot().rejected[0].ID)
	require.Empty(t, sender.Transfers())
	require.Empty(t, receiver.Transfers())

	net.mu.Lock()
	senderTr := net.ends["10.0.0.1:6232"]
	net.mu.Unlock()
	for _, msg := range senderTr.sent() {
		require.NotEqual(t, proto.MsgTypeFileChunk, msg.Type)
	}
	require.Zero(t, sender.Metrics().Snapshot().Transfer.ChunksSent)
}

func TestIdleTransferTimesOut(t *testing.T) {
	net := newMemNet()
	n, _, rec := newTestNode(t, net, "10.0.0.1:6232", func(c *Config) {
		c.TransferIdleTimeout = time.Millisecond
		c.ChunkSize = 4
	})
	net.endpoint("10.0.0.2:6232")

	offer, err := proto.NewMessage(proto.MsgTypeFileOffer, "remote", 0, proto.FileOffer{
		Filename: "slow.txt", Size: 8, TransferID: "t-idle", Receiver: n.ID(), ChunkSize: 4,
	})
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, offer))
	require.Len(t, rec.snapshot().offers, 1)
	require.NoError(t, n.AcceptFileOffer("t-idle"))

	chunk, err := proto.NewFileChunk("remote", 1, "t-idle", 0, []byte("abcd"))
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, chunk))
	require.Len(t, n.Transfers(), 1)

	time.Sleep(5 * time.Millisecond)
	n.pingSweep(time.Now())

	got := rec.snapshot()
	require.Len(t, got.failed, 1)
	require.ErrorIs(t, got.failed[0].Err, transfer.ErrTimeout)
	require.Empty(t, n.Transfers())
	_, err = os.Stat(filepath.Join(n.Config().TransferDir, "t-idle.0.chunk"))
	require.True(t, os.IsNotExist(err))
}

func TestOfferForOtherNodeIsRelayedOnly(t *testing.T) {
	net := newMemNet()
	n, tr, rec := newTestNode(t, net, "10.0.0.1:6232", nil)
	net.endpoint("10.0.0.3:6232")
	n.mu.Lock()
	n.peers.Touch("10.0.0.3:6232", "node-3", time.Now())
	n.mu.Unlock()

	offer, err := proto.NewMessage(proto.MsgTypeFileOffer, "remote", 2, proto.FileOffer{
		Filename: "f", Size: 1, TransferID: "t-other", Receiver: "node-3",
	})
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, offer))

	require.Empty(t, rec.snapshot().offers)
	out := tr.sent()
	require.Len(t, out, 1)
	require.Equal(t, proto.MsgTypeFileOffer, out[0].Type)
	require.Equal(t, 1, out[0].TTL)
}

func TestStartTwiceFails(t *testing.T) {
	n, _, _ := newTestNode(t, newMemNet(), "10.0.0.1:6232", nil)
	require.NoError(t, n.Start(context.Background()))
	require.ErrorIs(t, n.Start(context.Background()), ErrStarted)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
}

func TestUDPLoopbackChat(t *testing.T) {
	cfgA := testConfig(t)
	a, err := New(cfgA)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	cfgB := testConfig(t)
	cfgB.Bootstrap = []string{fmt.Sprintf("127.0.0.1:%d", a.Port())}
	b, err := New(cfgB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	rec := &recorder{}
	a.Subscribe(rec)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	require.Eventually(t, func() bool { return len(a.Peers()) == 1 && len(b.Peers()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, b.SendChat("over udp"))
	require.Eventually(t, func() bool { return len(rec.snapshot().chats) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, b.ID(), rec.snapshot().chats[0].From)
}

func TestBootstrapThroughHostname(t *testing.T) {
	a, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	cfgB := testConfig(t)
	cfgB.Bootstrap = []string{fmt.Sprintf("localhost:%d", a.Port())}
	b, err := New(cfgB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	want := fmt.Sprintf("127.0.0.1:%d", a.Port())
	require.Eventually(t, func() bool {
		peers := b.Peers()
		return len(peers) == 1 && peers[0].Key() == want && peers[0].NodeID == a.ID()
	}, 3*time.Second, 10*time.Millisecond)

	b.gossipPeers()
	time.Sleep(50 * time.Millisecond)
	require.Len(t, b.Peers(), 1)
	require.Len(t, a.Peers(), 1)
}

func TestGossipPeersAdvertisesTable(t *testing.T) {
	net := newMemNet()
	n, tr, _ := newTestNode(t, net, "10.0.0.1:6232", nil)
	net.endpoint("10.0.0.2:6232")
	n.mu.Lock()
	n.peers.Touch("10.0.0.2:6232", "node-2", time.Now())
	n.peers.Touch("10.0.0.3:6232", "node-3", time.Now())
	n.mu.Unlock()

	n.gossipPeers()

	var lists []proto.Message
	for _, msg := range tr.sent() {
		if msg.Type == proto.MsgTypePeerList {
			lists = append(lists, msg)
		}
	}
	require.Len(t, lists, 2)
	entries, err := proto.DecodePeerList(lists[0])
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.2:6232", "10.0.0.3:6232"}, entries)
	require.Equal(t, 1, lists[0].TTL)
}

func TestSendFileOfferMapsAddressToNodeID(t *testing.T) {
	net := newMemNet()
	n, tr, _ := newTestNode(t, net, "10.0.0.1:6232", nil)
	net.endpoint("10.0.0.2:6232")
	n.mu.Lock()
	n.peers.Touch("10.0.0.2:6232", "node-2", time.Now())
	n.mu.Unlock()

	src, _ := testutil.WriteRandomFile(t, t.TempDir(), "a.bin", 10, 3)
	info, err := n.SendFileOffer("10.0.0.2:6232", src)
	require.NoError(t, err)
	require.Equal(t, "node-2", info.Receiver)

	sent := tr.sent()
	require.NotEmpty(t, sent)
	offer, err := proto.DecodeFileOffer(sent[len(sent)-1])
	require.NoError(t, err)
	require.Equal(t, "node-2", offer.Receiver)
}

func TestAssembleAfterCloseIsSkipped(t *testing.T) {
	net := newMemNet()
	n, _, rec := newTestNode(t, net, "10.0.0.1:6232", nil)
	net.endpoint("10.0.0.2:6232")
	n.mu.Lock()
	n.peers.Touch("10.0.0.2:6232", "remote", time.Now())
	n.mu.Unlock()

	offer, err := proto.NewMessage(proto.MsgTypeFileOffer, "remote", 0, proto.FileOffer{
		Filename: "empty.txt", TransferID: "t-closed", Receiver: n.ID(),
	})
	require.NoError(t, err)
	n.HandleDatagram("10.0.0.2:6232", encode(t, offer))
	require.Len(t, rec.snapshot().offers, 1)

	require.NoError(t, n.Close())
	require.NoError(t, n.AcceptFileOffer("t-closed"))
	require.Empty(t, rec.snapshot().done)
	_, err = os.Stat(filepath.Join(n.Config().TransferDir, "empty.txt"))
	require.True(t, os.IsNotExist(err))
}
