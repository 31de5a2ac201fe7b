package node

import (
	"encoding/json"

	"meshnode/internal/peer"
	"meshnode/internal/transfer"
)

type ChatEvent struct {
	ID        string
	From      string
	Addr      string
	Text      string
	Timestamp int64
}

type AppDataEvent struct {
	ID      string
	From    string
	Addr    string
	Payload json.RawMessage
}

// FileOfferEvent announces an offer addressed to this node. Answer it with
// AcceptFileOffer or RejectFileOffer.
type FileOfferEvent struct {
	TransferID string
	From       string
	Addr       string
	Filename   string
	Size       int64
}

type FileDoneEvent struct {
	Transfer transfer.Info
	Path     string
}

type FileFailedEvent struct {
	Transfer transfer.Info
	Err      error
}

type SendErrorEvent struct {
	Addr string
	Type string
	Err  error
}

// Observer receives node events. Callbacks run on node goroutines and must
// not block; they may call back into the Node, except Close.
type Observer interface {
	OnChat(ChatEvent)
	OnAppData(AppDataEvent)
	OnPeerUpdate([]peer.Peer)
	OnFileOffer(FileOfferEvent)
	OnFileChunk(transfer.Info)
	OnFileDone(FileDoneEvent)
	OnFileRejected(transfer.Info)
	OnFileFailed(FileFailedEvent)
	OnSendError(SendErrorEvent)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) OnChat(ChatEvent)             {}
func (NopObserver) OnAppData(AppDataEvent)       {}
func (NopObserver) OnPeerUpdate([]peer.Peer)     {}
func (NopObserver) OnFileOffer(FileOfferEvent)   {}
func (NopObserver) OnFileChunk(transfer.Info)    {}
func (NopObserver) OnFileDone(FileDoneEvent)     {}
func (NopObserver) OnFileRejected(transfer.Info) {}
func (NopObserver) OnFileFailed(FileFailedEvent) {}
func (NopObserver) OnSendError(SendErrorEvent)   {}

type event func(Observer)
