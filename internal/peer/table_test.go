package peer

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTouchInsertsAndRefreshes(t *testing.T) {
	tbl := NewTable(4)
	t0 := time.Unix(100, 0)
	present, inserted := tbl.Touch("10.0.0.1:5000", "node-1", t0)
	require.True(t, present)
	require.True(t, inserted)

	t1 := t0.Add(time.Second)
	present, inserted = tbl.Touch("10.0.0.1:5000", "", t1)
	require.True(t, present)
	require.False(t, inserted)
	p, ok := tbl.Get("10.0.0.1:5000")
	require.True(t, ok)
	require.Equal(t, t1, p.LastSeen)
	require.Equal(t, "node-1", p.NodeID)
	require.Equal(t, "10.0.0.1", p.Addr)
	require.Equal(t, 5000, p.Port)
}

func TestTableNeverExceedsCap(t *testing.T) {
	tbl := NewTable(3)
	now := time.Now()
	for i := 0; i < 10; i++ {
		tbl.Touch(fmt.Sprintf("10.0.0.%d:5000", i+1), "", now)
	}
	require.Equal(t, 3, tbl.Len())
	require.True(t, tbl.Full())

	// Known peers still refresh when full.
	present, _ := tbl.Touch("10.0.0.1:5000", "", now.Add(time.Second))
	require.True(t, present)
}

func TestSelfIsNeverInserted(t *testing.T) {
	tbl := NewTable(3)
	now := time.Now()
	tbl.Touch("127.0.0.1:6232", "", now)
	tbl.MarkSelf("127.0.0.1:6232", "192.168.1.5:6232")
	require.False(t, tbl.Has("127.0.0.1:6232"))

	present, inserted := tbl.Touch("192.168.1.5:6232", "", now)
	require.False(t, present)
	require.False(t, inserted)
	require.Zero(t, tbl.Len())
}

func TestTouchRejectsBadKeys(t *testing.T) {
	tbl := NewTable(3)
	for _, key := range []string{"", "nohost", "1.2.3.4:0", "1.2.3.4:70000", ":5000"} {
		present, _ := tbl.Touch(key, "", time.Now())
		require.False(t, present, key)
	}
}

func TestLatencyAndResolve(t *testing.T) {
	tbl := NewTable(3)
	now := time.Now()
	tbl.Touch("10.0.0.1:5000", "node-1", now)
	require.True(t, tbl.SetLatency("10.0.0.1:5000", 15*time.Millisecond))
	require.False(t, tbl.SetLatency("10.0.0.9:5000", time.Millisecond))
	p, _ := tbl.Get("10.0.0.1:5000")
	require.True(t, p.HasLatency)
	require.Equal(t, 15*time.Millisecond, p.Latency)

	key, ok := tbl.Resolve("node-1")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:5000", key)
	key, ok = tbl.Resolve("10.0.0.1:5000")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:5000", key)
	_, ok = tbl.Resolve("node-2")
	require.False(t, ok)
}

func TestPruneStale(t *testing.T) {
	tbl := NewTable(5)
	base := time.Unix(1000, 0)
	tbl.Touch("10.0.0.1:1", "", base)
	tbl.Touch("10.0.0.2:2", "", base.Add(time.Minute))
	removed := tbl.Prune(base.Add(30 * time.Second))
	require.Equal(t, []string{"10.0.0.1:1"}, removed)
	require.Equal(t, []string{"10.0.0.2:2"}, tbl.Keys())
}

func TestBookLoadsLatestDistinct(t *testing.T) {
	book := NewBook(filepath.Join(t.TempDir(), "peers.jsonl"))
	now := time.Unix(5000, 0)
	require.NoError(t, book.Record(Peer{Addr: "10.0.0.1", Port: 1, LastSeen: now}))
	require.NoError(t, book.Record(Peer{Addr: "10.0.0.2", Port: 2, LastSeen: now}))
	require.NoError(t, book.Record(Peer{Addr: "10.0.0.1", Port: 1, NodeID: "node-1", LastSeen: now.Add(time.Second)}))

	peers, err := book.Load(10)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "10.0.0.1:1", peers[0].Key())
	require.Equal(t, "node-1", peers[0].NodeID)
	require.Equal(t, "10.0.0.2:2", peers[1].Key())
}

func TestLiteralKey(t *testing.T) {
	key, ok := LiteralKey("[::ffff:10.0.0.1]:5000")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:5000", key)

	for _, bad := range []string{"localhost:5000", "10.0.0.1", "10.0.0.1:0", "0.0.0.0:5000", ""} {
		_, ok := LiteralKey(bad)
		require.False(t, ok, bad)
	}
}
