package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	DefaultTTL = 5
)

var (
	ErrTooLarge    = errors.New("message exceeds datagram size")
	ErrMissingID   = errors.New("missing message id")
	ErrMissingType = errors.New("missing message type")
	ErrUnknownType = errors.New("unknown message type")
	ErrNoSender    = errors.New("missing sender")
)

// Message is the envelope carried by every datagram. Payload stays raw until
// the handler for Type decodes it.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	Payload   json.RawMessage `json:"payload"`
	TTL       int             `json:"ttl"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage builds a fresh message with a random id and the current time.
func NewMessage(msgType, sender string, ttl int, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Sender:    sender,
		Payload:   raw,
		TTL:       ttl,
		Timestamp: NowMillis(),
	}, nil
}

// Relay returns a copy of m for the next hop.
func (m Message) Relay() Message {
	out := m
	out.TTL = m.TTL - 1
	return out
}

func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty %s payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	if m.ID == "" {
		return nil, ErrMissingID
	}
	if m.Type == "" {
		return nil, ErrMissingType
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: type=%s size=%d", ErrTooLarge, m.Type, len(data))
	}
	return data, nil
}

func Decode(data []byte) (Message, error) {
	if len(data) > MaxDatagramSize {
		return Message{}, ErrTooLarge
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.ID == "" {
		return Message{}, ErrMissingID
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	if !KnownType(m.Type) {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownType, m.Type)
	}
	if m.Sender == "" {
		return Message{}, ErrNoSender
	}
	return m, nil
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}
