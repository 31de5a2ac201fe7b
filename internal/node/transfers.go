package node

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"meshnode/internal/debuglog"
	"meshnode/internal/proto"
	"meshnode/internal/transfer"
)

// startStream sends the chunks of an accepted outbound transfer from its own
// goroutine.
func (n *Node) startStream(t *transfer.Transfer) {
	if !n.streams.TryAcquire() {
		n.failTransfer(t.ID, fmt.Errorf("too many outbound transfers"))
		return
	}
	ctx, cancel := context.WithCancel(n.ctx)
	n.mu.Lock()
	n.cancels[t.ID] = cancel
	n.mu.Unlock()

	var pace *rate.Limiter
	if n.cfg.ChunkRate > 0 {
		pace = rate.NewLimiter(rate.Limit(n.cfg.ChunkRate), 1)
	}
	release := func() {
		n.streams.Release()
		cancel()
		n.mu.Lock()
		delete(n.cancels, t.ID)
		n.mu.Unlock()
	}
	started := n.spawn(func() {
		defer release()
		sent, err := transfer.StreamFile(ctx, t.Filepath, t.ChunkSize, pace, func(_ context.Context, idx int, data []byte) error {
			msg, err := proto.NewFileChunk(n.id, 1, t.ID, idx, data)
			if err != nil {
				return err
			}
			if err := n.engine.Unicast(msg, t.PeerAddr); err != nil {
				return err
			}
			n.metrics.IncChunkSent()
			n.mu.Lock()
			n.transfers.Touch(t.ID)
			n.mu.Unlock()
			return nil
		})
		if err == nil && sent != t.ChunkCount {
			err = fmt.Errorf("source changed: sent %d of %d chunks", sent, t.ChunkCount)
		}
		if err != nil {
			if ctx.Err() != nil && n.ctx.Err() != nil {
				return
			}
			n.failTransfer(t.ID, err)
			return
		}
		n.finishOutbound(t.ID)
	})
	if !started {
		release()
	}
}

func (n *Node) finishOutbound(id string) {
	n.mu.Lock()
	info, ok := n.transfers.Finish(id)
	n.mu.Unlock()
	if !ok {
		return
	}
	msg, err := proto.NewMessage(proto.MsgTypeFileDone, n.id, n.cfg.MaxTTL, proto.FileRef{TransferID: id})
	if err == nil {
		if err := n.broadcast(msg); err != nil {
			debuglog.Debugf("file_done %s: %v", id, err)
		}
	}
	n.metrics.IncTransferDone()
	n.appendHistory(info, "")
	debuglog.Logf("sent %s (%d bytes) as transfer %s", info.Filename, info.Size, id)
	n.emit(func(o Observer) { o.OnFileDone(FileDoneEvent{Transfer: info, Path: info.Filepath}) })
}

// assemble joins the chunks of a complete inbound transfer off the event
// loop.
func (n *Node) assemble(t *transfer.Transfer) {
	started := n.spawn(func() {
		path, err := n.transfers.Assemble(t)
		if err != nil {
			n.transfers.Discard(t)
			n.emit(n.recordFailure(t.Info(), err))
			return
		}
		info := t.Info()
		n.metrics.IncTransferDone()
		n.appendHistory(info, "")
		debuglog.Logf("received %s (%d bytes) from %s", info.Filename, info.Size, info.Sender)
		n.emit(func(o Observer) { o.OnFileDone(FileDoneEvent{Transfer: info, Path: path}) })
	})
	if !started {
		debuglog.Debugf("node closing, dropped assembly of %s", t.ID)
	}
}

// spawn runs fn on a goroutine Close waits for. It refuses once Close has
// begun.
func (n *Node) spawn(fn func()) bool {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.closed.Load() {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) failTransfer(id string, cause error) {
	n.mu.Lock()
	info, ok := n.transfers.Fail(id)
	if cancel, has := n.cancels[id]; has {
		cancel()
		delete(n.cancels, id)
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	n.emit(n.recordFailure(info, cause))
}

// recordFailure counts and logs a failed transfer and returns its event.
func (n *Node) recordFailure(info transfer.Info, cause error) event {
	info.State = transfer.StateFailed
	n.metrics.IncTransferFailed()
	n.appendHistory(info, cause.Error())
	debuglog.Warnf("transfer %s (%s) failed: %v", info.ID, info.Filename, cause)
	return func(o Observer) { o.OnFileFailed(FileFailedEvent{Transfer: info, Err: cause}) }
}

func (n *Node) appendHistory(info transfer.Info, reason string) {
	if err := n.history.Append(info, reason); err != nil {
		debuglog.RateLimitedf("history", time.Minute, "append transfer history: %v", err)
	}
}
