package transfer

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"meshnode/internal/proto"
)

// Manager holds the active transfers and their on-disk chunks. It is not
// safe for concurrent use; the node serializes access.
type Manager struct {
	dir       string
	chunkSize int
	active    map[string]*Transfer
	now       func() time.Time
}

func NewManager(dir string, chunkSize int) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("missing transfer dir")
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Manager{
		dir:       dir,
		chunkSize: chunkSize,
		active:    make(map[string]*Transfer),
		now:       time.Now,
	}, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

// CreateOutbound registers a sender record for path and returns the offer to
// broadcast.
func (m *Manager) CreateOutbound(self, receiver, path string) (Info, proto.FileOffer, error) {
	if receiver == "" {
		return Info{}, proto.FileOffer{}, fmt.Errorf("missing receiver")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, proto.FileOffer{}, fmt.Errorf("stat source file: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return Info{}, proto.FileOffer{}, fmt.Errorf("%s is not a regular file", path)
	}
	name, err := SafeName(fi.Name())
	if err != nil {
		return Info{}, proto.FileOffer{}, err
	}
	sum, err := FileChecksum(path)
	if err != nil {
		return Info{}, proto.FileOffer{}, err
	}
	now := m.now()
	t := &Transfer{
		ID:         uuid.NewString(),
		Sender:     self,
		Receiver:   receiver,
		Filename:   name,
		Size:       fi.Size(),
		ChunkSize:  m.chunkSize,
		ChunkCount: ChunkCount(fi.Size(), m.chunkSize),
		Filepath:   path,
		Checksum:   sum,
		Direction:  Outbound,
		State:      StateOffered,
		Received:   make(map[int]struct{}),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.active[t.ID] = t
	offer := proto.FileOffer{
		Filename:   t.Filename,
		Size:       t.Size,
		TransferID: t.ID,
		Receiver:   receiver,
		ChunkSize:  t.ChunkSize,
		Checksum:   t.Checksum,
	}
	return t.Info(), offer, nil
}

// AcceptInbound creates the receiver record for an offer addressed to self.
func (m *Manager) AcceptInbound(self, sender, peerAddr string, offer proto.FileOffer) (Info, error) {
	if err := validID(offer.TransferID); err != nil {
		return Info{}, err
	}
	if _, ok := m.active[offer.TransferID]; ok {
		return Info{}, ErrExists
	}
	name, err := SafeName(offer.Filename)
	if err != nil {
		return Info{}, err
	}
	if offer.Size < 0 {
		return Info{}, fmt.Errorf("negative size")
	}
	chunkSize := offer.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.chunkSize
	}
	now := m.now()
	t := &Transfer{
		ID:         offer.TransferID,
		Sender:     sender,
		Receiver:   self,
		Filename:   name,
		Size:       offer.Size,
		ChunkSize:  chunkSize,
		ChunkCount: ChunkCount(offer.Size, chunkSize),
		Checksum:   offer.Checksum,
		Direction:  Inbound,
		State:      StateAccepted,
		PeerAddr:   peerAddr,
		Received:   make(map[int]struct{}),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.active[t.ID] = t
	return t.Info(), nil
}

func (m *Manager) Get(id string) (Info, bool) {
	t, ok := m.active[id]
	if !ok {
		return Info{}, false
	}
	return t.Info(), true
}

func (m *Manager) Len() int {
	return len(m.active)
}

func (m *Manager) List() []Info {
	out := make([]Info, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// BeginSend moves an offered sender record to transferring once the
// receiver accepted. acceptor must be the offer's receiver.
func (m *Manager) BeginSend(self, id, acceptor, peerAddr string) (*Transfer, error) {
	t, ok := m.active[id]
	if !ok {
		return nil, ErrUnknown
	}
	if t.Direction != Outbound || t.Sender != self {
		return nil, ErrNotSender
	}
	if acceptor != t.Receiver && peerAddr != t.Receiver {
		return nil, ErrNotReceiver
	}
	if t.State != StateOffered {
		return nil, fmt.Errorf("transfer %s already %s", id, t.State)
	}
	t.State = StateTransferring
	t.PeerAddr = peerAddr
	t.UpdatedAt = m.now()
	cp := *t
	return &cp, nil
}

// Reject drops an offered sender record after the receiver declined.
func (m *Manager) Reject(self, id, rejector, peerAddr string) (Info, error) {
	t, ok := m.active[id]
	if !ok {
		return Info{}, ErrUnknown
	}
	if t.Direction != Outbound || t.Sender != self {
		return Info{}, ErrNotSender
	}
	if rejector != t.Receiver && peerAddr != t.Receiver {
		return Info{}, ErrNotReceiver
	}
	if t.State != StateOffered {
		return Info{}, fmt.Errorf("transfer %s already %s", id, t.State)
	}
	t.State = StateRejected
	delete(m.active, id)
	return t.Info(), nil
}

func (m *Manager) Touch(id string) {
	if t, ok := m.active[id]; ok {
		t.UpdatedAt = m.now()
	}
}

// StoreChunk persists one received chunk. Protocol violations return
// ErrUnknown, ErrNotReceiver, ErrChunkRange, ErrChunkSize or
// ErrDuplicateChunk; any other error is a disk failure.
func (m *Manager) StoreChunk(self, id string, idx int, data []byte) (Info, error) {
	t, ok := m.active[id]
	if !ok {
		return Info{}, ErrUnknown
	}
	if t.Direction != Inbound || t.Receiver != self {
		return Info{}, ErrNotReceiver
	}
	if idx < 0 || idx >= t.ChunkCount {
		return Info{}, fmt.Errorf("%w: %d of %d", ErrChunkRange, idx, t.ChunkCount)
	}
	if _, dup := t.Received[idx]; dup {
		return Info{}, ErrDuplicateChunk
	}
	if want := t.ExpectedChunkLen(idx); len(data) != want {
		return Info{}, fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrChunkSize, idx, len(data), want)
	}
	if err := os.WriteFile(m.ChunkPath(id, idx), data, 0600); err != nil {
		return Info{}, fmt.Errorf("write chunk %d: %w", idx, err)
	}
	t.Received[idx] = struct{}{}
	t.State = StateTransferring
	t.UpdatedAt = m.now()
	return t.Info(), nil
}

// Detach removes a complete inbound record so it can be assembled without
// holding the manager.
func (m *Manager) Detach(id string) (*Transfer, error) {
	t, ok := m.active[id]
	if !ok {
		return nil, ErrUnknown
	}
	if !t.Complete() {
		return nil, ErrIncomplete
	}
	delete(m.active, id)
	return t, nil
}

// Finish removes a sender record whose last chunk went out.
func (m *Manager) Finish(id string) (Info, bool) {
	t, ok := m.active[id]
	if !ok {
		return Info{}, false
	}
	t.State = StateDone
	t.UpdatedAt = m.now()
	delete(m.active, id)
	return t.Info(), true
}

// Fail removes a transfer and its chunk files.
func (m *Manager) Fail(id string) (Info, bool) {
	t, ok := m.active[id]
	if !ok {
		return Info{}, false
	}
	delete(m.active, id)
	t.State = StateFailed
	t.UpdatedAt = m.now()
	if t.Direction == Inbound {
		m.removeChunks(t)
	}
	return t.Info(), true
}

// Expire fails every transfer idle for longer than idle.
func (m *Manager) Expire(idle time.Duration) []Info {
	if idle <= 0 {
		return nil
	}
	cutoff := m.now().Add(-idle)
	var ids []string
	for id, t := range m.active {
		if t.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if info, ok := m.Fail(id); ok {
			out = append(out, info)
		}
	}
	return out
}

func (m *Manager) ChunkPath(id string, idx int) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.%d.chunk", id, idx))
}

func (m *Manager) DestPath(filename string) string {
	return filepath.Join(m.dir, filename)
}

// partPath is the temp file of one transfer's assembly.
func (m *Manager) partPath(id string) string {
	return filepath.Join(m.dir, "."+id+".part")
}

// Assemble concatenates the chunks of a detached transfer into
// dir/filename, verifies size and checksum and deletes the chunk files.
func (m *Manager) Assemble(t *Transfer) (string, error) {
	if !t.Complete() {
		return "", ErrIncomplete
	}
	dest := m.DestPath(t.Filename)
	tmp := m.partPath(t.ID)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", err
	}
	h, _ := blake2b.New256(nil)
	w := io.MultiWriter(out, h)
	var written int64
	for i := 0; i < t.ChunkCount; i++ {
		n, err := appendFile(w, m.ChunkPath(t.ID, i))
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return "", fmt.Errorf("assemble chunk %d: %w", i, err)
		}
		written += n
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if written != t.Size {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("assembled %d bytes, want %d", written, t.Size)
	}
	if t.Checksum != "" && hex.EncodeToString(h.Sum(nil)) != t.Checksum {
		_ = os.Remove(tmp)
		return "", ErrChecksum
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	m.removeChunks(t)
	t.Filepath = dest
	t.State = StateDone
	t.UpdatedAt = m.now()
	return dest, nil
}

// Discard deletes the chunk files of a detached transfer.
func (m *Manager) Discard(t *Transfer) {
	m.removeChunks(t)
	t.State = StateFailed
}

func (m *Manager) removeChunks(t *Transfer) {
	for idx := range t.Received {
		_ = os.Remove(m.ChunkPath(t.ID, idx))
	}
}

func appendFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

// FileChecksum is the hex BLAKE2b-256 digest of the file at path.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
