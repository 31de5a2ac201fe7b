package node

import (
	"errors"
	"net"
	"time"

	"meshnode/internal/debuglog"
	"meshnode/internal/gossip"
	"meshnode/internal/metrics"
	"meshnode/internal/peer"
	"meshnode/internal/proto"
	"meshnode/internal/transfer"
)

// HandleDatagram processes one inbound datagram from the address from. The
// event loop calls it for every received datagram; it is exported so hosts
// can feed datagrams from another source.
func (n *Node) HandleDatagram(from string, data []byte) {
	if !n.limiter.Allow(hostOf(from)) {
		n.drop("rate_limited", from, nil)
		return
	}
	msg, err := proto.Decode(data)
	if err != nil {
		n.drop("decode", from, err)
		return
	}
	if msg.Sender == n.id {
		// A ping or pong from ourselves means from is one of our own
		// addresses.
		if msg.Type == proto.MsgTypePing || msg.Type == proto.MsgTypePong {
			n.mu.Lock()
			n.peers.MarkSelf(from)
			n.syncGauges()
			n.mu.Unlock()
		}
		n.drop("self", from, nil)
		return
	}

	now := time.Now()
	n.mu.Lock()
	if !n.seen.Add(msg.ID) {
		n.mu.Unlock()
		n.drop("duplicate", from, nil)
		return
	}
	// Relayed messages carry their originator, not the neighbor.
	nodeID := msg.Sender
	if proto.Relayed(msg.Type) {
		nodeID = ""
	}
	_, inserted := n.peers.Touch(from, nodeID, now)
	n.syncGauges()
	n.mu.Unlock()

	n.metrics.IncRecvByType(msg.Type)
	n.metrics.Recent().Add(metrics.MessageHeader{
		ID:     msg.ID,
		Type:   msg.Type,
		Sender: msg.Sender,
		TTL:    msg.TTL,
		At:     now.UnixMilli(),
	})
	if inserted {
		n.remember(from, nodeID, now)
	}

	var evs []event
	switch msg.Type {
	case proto.MsgTypePing:
		err = n.onPing(from, msg)
	case proto.MsgTypePong:
		err = n.onPong(from, msg, now)
	case proto.MsgTypePeerList:
		err = n.onPeerList(msg, now)
	case proto.MsgTypeIndex:
		evs, err = n.onChat(from, msg)
	case proto.MsgTypeAppData:
		evs = append(evs, func(o Observer) {
			o.OnAppData(AppDataEvent{ID: msg.ID, From: msg.Sender, Addr: from, Payload: msg.Payload})
		})
	case proto.MsgTypeFileOffer:
		evs, err = n.onFileOffer(from, msg, now)
	case proto.MsgTypeFileAccept:
		err = n.onFileAccept(from, msg)
	case proto.MsgTypeFileReject:
		evs, err = n.onFileReject(from, msg)
	case proto.MsgTypeFileChunk:
		evs, err = n.onFileChunk(from, msg)
	case proto.MsgTypeFileDone:
		err = n.onFileDone(from, msg)
	}
	if err != nil {
		n.drop("invalid_"+msg.Type, from, err)
	}

	peers := n.Peers()
	evs = append(evs, func(o Observer) { o.OnPeerUpdate(peers) })
	n.emit(evs...)
}

func (n *Node) drop(reason, from string, err error) {
	n.metrics.IncDropByReason(reason)
	if err != nil {
		debuglog.RateLimitedf("drop:"+reason, 5*time.Second, "drop %s from %s: %v", reason, from, err)
		return
	}
	debuglog.Debugf("drop %s from %s", reason, from)
}

func (n *Node) remember(key, nodeID string, now time.Time) {
	host, port, err := peer.ParseKey(key)
	if err != nil {
		return
	}
	if err := n.book.Record(peer.Peer{Addr: host, Port: port, NodeID: nodeID, LastSeen: now}); err != nil {
		debuglog.RateLimitedf("peerbook", time.Minute, "record peer %s: %v", key, err)
	}
}

func (n *Node) onPing(from string, msg proto.Message) error {
	_, err := n.engine.Pong(from, msg)
	return err
}

func (n *Node) onPong(from string, msg proto.Message, now time.Time) error {
	echo, err := proto.DecodeTimestampPayload(msg)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peers.SetLatency(from, gossip.Latency(echo, now))
	n.mu.Unlock()
	return nil
}

func (n *Node) onPeerList(msg proto.Message, now time.Time) error {
	entries, err := proto.DecodePeerList(msg)
	if err != nil {
		return err
	}
	n.mu.Lock()
	added := gossip.MergePeerList(n.peers, entries, now)
	n.syncGauges()
	n.mu.Unlock()
	if len(added) == 0 {
		return nil
	}
	debuglog.Debugf("peer list from %s added %d peers", msg.Sender, len(added))
	if _, err := n.engine.Ping(added...); err != nil {
		debuglog.Debugf("ping merged peers: %v", err)
	}
	return nil
}

func (n *Node) onChat(from string, msg proto.Message) ([]event, error) {
	text, err := proto.DecodeChat(msg)
	if err != nil {
		return nil, err
	}
	n.relay(from, msg)
	ev := ChatEvent{ID: msg.ID, From: msg.Sender, Addr: from, Text: text, Timestamp: msg.Timestamp}
	return []event{func(o Observer) { o.OnChat(ev) }}, nil
}

// relay floods msg onward, skipping the peer it came from and its
// originator.
func (n *Node) relay(from string, msg proto.Message) {
	if !proto.Relayed(msg.Type) || msg.TTL <= 0 {
		return
	}
	n.mu.Lock()
	targets := n.peers.Keys()
	exclude := []string{from}
	for _, p := range n.peers.List() {
		if p.NodeID == msg.Sender {
			exclude = append(exclude, p.Key())
		}
	}
	n.mu.Unlock()
	if _, err := n.engine.Rebroadcast(msg, targets, exclude...); err != nil {
		debuglog.Debugf("relay %s %s: %v", msg.Type, msg.ID, err)
	}
}

// addressedToSelf reports whether an offer receiver names this node, either
// by node id or by one of its own addresses. Requires n.mu.
func (n *Node) addressedToSelf(receiver string) bool {
	return receiver == n.id || n.peers.IsSelf(receiver)
}

func (n *Node) onFileOffer(from string, msg proto.Message, now time.Time) ([]event, error) {
	offer, err := proto.DecodeFileOffer(msg)
	if err != nil {
		return nil, err
	}
	n.relay(from, msg)

	n.mu.Lock()
	mine := n.addressedToSelf(offer.Receiver)
	if mine {
		if _, dup := n.offers[offer.TransferID]; !dup && len(n.offers) >= n.cfg.MaxPendingOffers {
			n.mu.Unlock()
			return nil, errors.New("too many pending offers")
		}
		n.offers[offer.TransferID] = pendingOffer{offer: offer, sender: msg.Sender, addr: from, at: now}
	}
	n.mu.Unlock()
	if !mine {
		return nil, nil
	}
	ev := FileOfferEvent{
		TransferID: offer.TransferID,
		From:       msg.Sender,
		Addr:       from,
		Filename:   offer.Filename,
		Size:       offer.Size,
	}
	return []event{func(o Observer) { o.OnFileOffer(ev) }}, nil
}

func (n *Node) onFileAccept(from string, msg proto.Message) error {
	ref, err := proto.DecodeFileRef(msg)
	if err != nil {
		return err
	}
	n.mu.Lock()
	t, err := n.transfers.BeginSend(n.id, ref.TransferID, msg.Sender, from)
	n.mu.Unlock()
	if err != nil {
		return err
	}
	n.startStream(t)
	return nil
}

func (n *Node) onFileReject(from string, msg proto.Message) ([]event, error) {
	ref, err := proto.DecodeFileRef(msg)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	info, err := n.transfers.Reject(n.id, ref.TransferID, msg.Sender, from)
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	n.metrics.IncTransferRejected()
	n.appendHistory(info, "rejected by receiver")
	return []event{func(o Observer) { o.OnFileRejected(info) }}, nil
}

func (n *Node) onFileChunk(from string, msg proto.Message) ([]event, error) {
	c, data, err := proto.DecodeFileChunk(msg)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	info, err := n.transfers.StoreChunk(n.id, c.TransferID, c.ChunkIndex, data)
	if err != nil {
		if isViolation(err) {
			n.mu.Unlock()
			return nil, err
		}
		failed, ok := n.transfers.Fail(c.TransferID)
		n.mu.Unlock()
		if !ok {
			return nil, err
		}
		return []event{n.recordFailure(failed, err)}, nil
	}
	var done *transfer.Transfer
	if info.Progress >= 1 {
		done, _ = n.transfers.Detach(c.TransferID)
	}
	n.mu.Unlock()

	n.metrics.IncChunkReceived()
	n.emit(func(o Observer) { o.OnFileChunk(info) })
	if done != nil {
		n.assemble(done)
	}
	return nil, nil
}

func isViolation(err error) bool {
	for _, target := range []error{
		transfer.ErrUnknown,
		transfer.ErrNotReceiver,
		transfer.ErrDuplicateChunk,
		transfer.ErrChunkRange,
		transfer.ErrChunkSize,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (n *Node) onFileDone(from string, msg proto.Message) error {
	ref, err := proto.DecodeFileRef(msg)
	if err != nil {
		return err
	}
	n.relay(from, msg)
	n.mu.Lock()
	info, ok := n.transfers.Get(ref.TransferID)
	n.mu.Unlock()
	if ok && info.Direction == transfer.Inbound {
		debuglog.Debugf("transfer %s: sender done with %d of %d chunks received", info.ID, info.Received, info.ChunkCount)
	}
	return nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
