package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"meshnode/internal/proto"
	"meshnode/internal/transfer"
)

// SendChat floods a chat line to the mesh.
func (n *Node) SendChat(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("empty message")
	}
	msg, err := proto.NewChat(n.id, n.cfg.MaxTTL, text)
	if err != nil {
		return err
	}
	return n.broadcast(msg)
}

// SendAppData sends an application payload to every direct peer. It is not
// relayed further.
func (n *Node) SendAppData(payload any) error {
	msg, err := proto.NewMessage(proto.MsgTypeAppData, n.id, 1, payload)
	if err != nil {
		return err
	}
	return n.broadcast(msg)
}

// SendFileOffer offers the file at path to receiver, given as a node id or a
// peer address. Chunks flow once the receiver accepts.
func (n *Node) SendFileOffer(receiver, path string) (transfer.Info, error) {
	receiver = strings.TrimSpace(receiver)
	if receiver == "" {
		return transfer.Info{}, errors.New("missing receiver")
	}
	n.mu.Lock()
	if n.addressedToSelf(receiver) {
		n.mu.Unlock()
		return transfer.Info{}, errors.New("cannot send a file to self")
	}
	if key, ok := n.peers.Resolve(receiver); ok {
		if p, _ := n.peers.Get(key); p.NodeID != "" {
			receiver = p.NodeID
		}
	}
	info, offer, err := n.transfers.CreateOutbound(n.id, receiver, path)
	n.mu.Unlock()
	if err != nil {
		return transfer.Info{}, err
	}
	msg, err := proto.NewMessage(proto.MsgTypeFileOffer, n.id, n.cfg.MaxTTL, offer)
	if err == nil {
		err = n.broadcast(msg)
	}
	if err != nil {
		n.mu.Lock()
		n.transfers.Fail(info.ID)
		n.mu.Unlock()
		return transfer.Info{}, fmt.Errorf("offer %s: %w", info.Filename, err)
	}
	return info, nil
}

// AcceptFileOffer accepts a pending offer addressed to this node.
func (n *Node) AcceptFileOffer(id string) error {
	n.mu.Lock()
	p, ok := n.offers[id]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownOff
	}
	delete(n.offers, id)
	info, err := n.transfers.AcceptInbound(n.id, p.sender, p.addr, p.offer)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	var empty *transfer.Transfer
	if info.ChunkCount == 0 {
		empty, _ = n.transfers.Detach(id)
	}
	n.mu.Unlock()

	msg, err := proto.NewMessage(proto.MsgTypeFileAccept, n.id, 1, proto.FileRef{TransferID: id})
	if err == nil {
		err = n.broadcast(msg)
	}
	if err != nil {
		if empty == nil {
			n.failTransfer(id, err)
		}
		return err
	}
	if empty != nil {
		n.assemble(empty)
	}
	return nil
}

// RejectFileOffer declines a pending offer addressed to this node.
func (n *Node) RejectFileOffer(id string) error {
	n.mu.Lock()
	_, ok := n.offers[id]
	delete(n.offers, id)
	n.mu.Unlock()
	if !ok {
		return ErrUnknownOff
	}
	msg, err := proto.NewMessage(proto.MsgTypeFileReject, n.id, 1, proto.FileRef{TransferID: id})
	if err != nil {
		return err
	}
	return n.broadcast(msg)
}

// PendingOffers lists offers waiting for an answer.
func (n *Node) PendingOffers() []FileOfferEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]FileOfferEvent, 0, len(n.offers))
	for id, p := range n.offers {
		out = append(out, FileOfferEvent{
			TransferID: id,
			From:       p.sender,
			Addr:       p.addr,
			Filename:   p.offer.Filename,
			Size:       p.offer.Size,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}
