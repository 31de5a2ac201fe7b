package proto

import (
	"encoding/base64"
	"fmt"
)

type FileOffer struct {
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	TransferID string `json:"transferId"`
	Receiver   string `json:"receiver"`
	ChunkSize  int    `json:"chunkSize,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

// FileRef is the payload of file_accept, file_reject and file_done.
type FileRef struct {
	TransferID string `json:"transferId"`
}

type FileChunk struct {
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

func NewFileChunk(sender string, ttl int, transferID string, index int, data []byte) (Message, error) {
	return NewMessage(MsgTypeFileChunk, sender, ttl, FileChunk{
		TransferID: transferID,
		ChunkIndex: index,
		Data:       base64.StdEncoding.EncodeToString(data),
	})
}

func DecodeFileOffer(m Message) (FileOffer, error) {
	var o FileOffer
	if err := m.DecodePayload(&o); err != nil {
		return FileOffer{}, err
	}
	if o.TransferID == "" {
		return FileOffer{}, fmt.Errorf("file_offer missing transferId")
	}
	if o.Size < 0 {
		return FileOffer{}, fmt.Errorf("file_offer negative size")
	}
	if o.Filename == "" {
		return FileOffer{}, fmt.Errorf("file_offer missing filename")
	}
	return o, nil
}

func DecodeFileRef(m Message) (FileRef, error) {
	var r FileRef
	if err := m.DecodePayload(&r); err != nil {
		return FileRef{}, err
	}
	if r.TransferID == "" {
		return FileRef{}, fmt.Errorf("%s missing transferId", m.Type)
	}
	return r, nil
}

// DecodeFileChunk returns the chunk header and its raw bytes.
func DecodeFileChunk(m Message) (FileChunk, []byte, error) {
	var c FileChunk
	if err := m.DecodePayload(&c); err != nil {
		return FileChunk{}, nil, err
	}
	if c.TransferID == "" {
		return FileChunk{}, nil, fmt.Errorf("file_chunk missing transferId")
	}
	if c.ChunkIndex < 0 {
		return FileChunk{}, nil, fmt.Errorf("file_chunk negative index")
	}
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return FileChunk{}, nil, fmt.Errorf("file_chunk data: %w", err)
	}
	return c, data, nil
}

// MaxChunkSize is the largest raw chunk whose file_chunk message still fits
// one datagram, leaving room for the envelope fields.
func MaxChunkSize() int {
	const envelopeBudget = 1024
	return (MaxDatagramSize - envelopeBudget) / 4 * 3
}
