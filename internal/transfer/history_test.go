package transfer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistoryAppendAndRecent(t *testing.T) {
	h := NewHistory(filepath.Join(t.TempDir(), "transfers.jsonl"))
	require.NoError(t, h.Append(Info{ID: "a", Direction: Outbound, Receiver: bob, State: StateDone}, ""))
	require.NoError(t, h.Append(Info{ID: "b", Direction: Inbound, Sender: alice, State: StateFailed}, "timeout"))

	recs, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, bob, recs[0].Peer)
	require.Equal(t, alice, recs[1].Peer)
	require.Equal(t, "timeout", recs[1].Reason)

	var nilHistory *History
	require.NoError(t, nilHistory.Append(Info{}, ""))
}
