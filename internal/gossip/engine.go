// Package gossip floods messages to the peer table and runs the liveness
// side of the protocol: discovery pings, pong replies and peer-list merging.
package gossip

import (
	"errors"
	"fmt"
	"time"

	"meshnode/internal/debuglog"
	"meshnode/internal/metrics"
	"meshnode/internal/network"
	"meshnode/internal/peer"
	"meshnode/internal/proto"
)

// ErrFanoutCap is returned when too many self-originated broadcasts are in
// flight.
var ErrFanoutCap = errors.New("fan-out cap reached")

// Sender delivers one datagram to addr.
type Sender interface {
	Send(addr string, data []byte) error
}

type Options struct {
	MaxTTL    int
	MaxFanout int
}

// SendErrorFunc is called for every failed datagram send.
type SendErrorFunc func(addr, msgType string, err error)

type Engine struct {
	self    string
	tr      Sender
	maxTTL  int
	fanout  *network.SlotLimiter
	metrics *metrics.Metrics
	onErr   SendErrorFunc
}

func New(self string, tr Sender, opts Options, m *metrics.Metrics) *Engine {
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = proto.DefaultTTL
	}
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		self:    self,
		tr:      tr,
		maxTTL:  opts.MaxTTL,
		fanout:  network.NewSlotLimiter(opts.MaxFanout),
		metrics: m,
	}
}

func (e *Engine) OnSendError(fn SendErrorFunc) {
	e.onErr = fn
}

func (e *Engine) MaxTTL() int {
	return e.maxTTL
}

// Broadcast sends a self-originated message to every target. It fails with
// ErrFanoutCap instead of queueing when the in-flight cap is reached.
func (e *Engine) Broadcast(msg proto.Message, targets []string) error {
	if !e.fanout.TryAcquire() {
		e.metrics.IncFanoutSkipped()
		debuglog.RateLimitedf("gossip:fanout", 5*time.Second, "gossip: fan-out cap reached, skipped %s", msg.Type)
		return ErrFanoutCap
	}
	defer e.fanout.Release()
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	return e.sendAll(msg.Type, data, targets)
}

// Rebroadcast forwards a received message with its ttl decremented to every
// target not in exclude. A message whose ttl is already zero is not
// forwarded.
func (e *Engine) Rebroadcast(msg proto.Message, targets []string, exclude ...string) (int, error) {
	if msg.TTL <= 0 {
		return 0, nil
	}
	out := msg.Relay()
	data, err := proto.Encode(out)
	if err != nil {
		return 0, err
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}
	filtered := make([]string, 0, len(targets))
	for _, k := range targets {
		if _, ok := skip[k]; ok {
			continue
		}
		filtered = append(filtered, k)
	}
	if len(filtered) == 0 {
		return 0, nil
	}
	e.metrics.IncRelayed()
	return len(filtered), e.sendAll(out.Type, data, filtered)
}

// Unicast sends msg to one address.
func (e *Engine) Unicast(msg proto.Message, addr string) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	return e.sendAll(msg.Type, data, []string{addr})
}

func (e *Engine) sendAll(msgType string, data []byte, targets []string) error {
	var errs []error
	for _, addr := range targets {
		if err := e.tr.Send(addr, data); err != nil {
			e.metrics.IncSendError()
			if e.onErr != nil {
				e.onErr(addr, msgType, err)
			}
			errs = append(errs, fmt.Errorf("send %s to %s: %w", msgType, addr, err))
			continue
		}
		e.metrics.IncSent()
	}
	return errors.Join(errs...)
}

// Ping sends a fresh ping to each address. Pings travel one hop.
func (e *Engine) Ping(addrs ...string) (proto.Message, error) {
	msg, err := proto.NewPing(e.self, 1)
	if err != nil {
		return proto.Message{}, err
	}
	if len(addrs) == 0 {
		return msg, nil
	}
	data, err := proto.Encode(msg)
	if err != nil {
		return proto.Message{}, err
	}
	return msg, e.sendAll(msg.Type, data, addrs)
}

// Pong answers ping by echoing its timestamp back to addr.
func (e *Engine) Pong(addr string, ping proto.Message) (proto.Message, error) {
	echo, err := proto.DecodeTimestampPayload(ping)
	if err != nil {
		return proto.Message{}, err
	}
	msg, err := proto.NewPong(e.self, 1, echo)
	if err != nil {
		return proto.Message{}, err
	}
	return msg, e.Unicast(msg, addr)
}

// PeerList advertises keys to every target.
func (e *Engine) PeerList(keys, targets []string) (proto.Message, error) {
	msg, err := proto.NewPeerList(e.self, 1, keys)
	if err != nil {
		return proto.Message{}, err
	}
	return msg, e.Broadcast(msg, targets)
}

// Latency is the round trip implied by a pong echo, never negative.
func Latency(echo int64, now time.Time) time.Duration {
	d := now.UnixMilli() - echo
	if d < 0 {
		return 0
	}
	return time.Duration(d) * time.Millisecond
}

// MergePeerList adds every unknown literal ip:port entry to tbl while it has
// room and returns the keys that were added. Callers ping those keys.
// Hostnames are ignored.
func MergePeerList(tbl *peer.Table, entries []string, now time.Time) []string {
	var added []string
	for _, entry := range entries {
		if tbl.Full() {
			break
		}
		key, ok := peer.LiteralKey(entry)
		if !ok || tbl.Has(key) || tbl.IsSelf(key) {
			continue
		}
		if _, inserted := tbl.Touch(key, "", now); inserted {
			added = append(added, key)
		}
	}
	return added
}
