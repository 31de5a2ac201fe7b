package proto

const (
	MsgTypePing       = "ping"
	MsgTypePong       = "pong"
	MsgTypePeerList   = "peer_list"
	MsgTypeIndex      = "index"
	MsgTypeAppData    = "app_data"
	MsgTypeFileOffer  = "file_offer"
	MsgTypeFileAccept = "file_accept"
	MsgTypeFileReject = "file_reject"
	MsgTypeFileChunk  = "file_chunk"
	MsgTypeFileDone   = "file_done"
)

var knownTypes = map[string]bool{
	MsgTypePing:       true,
	MsgTypePong:       true,
	MsgTypePeerList:   true,
	MsgTypeIndex:      true,
	MsgTypeAppData:    true,
	MsgTypeFileOffer:  true,
	MsgTypeFileAccept: true,
	MsgTypeFileReject: true,
	MsgTypeFileChunk:  true,
	MsgTypeFileDone:   true,
}

func KnownType(t string) bool {
	return knownTypes[t]
}

// Relayed reports whether a received message of type t is flooded onward.
func Relayed(t string) bool {
	switch t {
	case MsgTypeIndex, MsgTypeFileOffer, MsgTypeFileDone:
		return true
	}
	return false
}

// Ping and pong carry the sender's clock in milliseconds; a pong echoes the
// value of the ping it answers.
func NewPing(sender string, ttl int) (Message, error) {
	return NewMessage(MsgTypePing, sender, ttl, NowMillis())
}

func NewPong(sender string, ttl int, echo int64) (Message, error) {
	return NewMessage(MsgTypePong, sender, ttl, echo)
}

func DecodeTimestampPayload(m Message) (int64, error) {
	var ts int64
	if err := m.DecodePayload(&ts); err != nil {
		return 0, err
	}
	return ts, nil
}

func NewPeerList(sender string, ttl int, peers []string) (Message, error) {
	if peers == nil {
		peers = []string{}
	}
	return NewMessage(MsgTypePeerList, sender, ttl, peers)
}

func DecodePeerList(m Message) ([]string, error) {
	var peers []string
	if err := m.DecodePayload(&peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func NewChat(sender string, ttl int, text string) (Message, error) {
	return NewMessage(MsgTypeIndex, sender, ttl, text)
}

func DecodeChat(m Message) (string, error) {
	var text string
	if err := m.DecodePayload(&text); err != nil {
		return "", err
	}
	return text, nil
}
