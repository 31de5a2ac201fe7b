package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"meshnode/internal/debuglog"
)

const (
	DefaultPort    = 6232
	readBufferSize = 65535
)

// Transport owns the node's single UDP socket.
type Transport struct {
	conn   *net.UDPConn
	port   int
	closed atomic.Bool
}

// Listen binds UDP on port, falling back to an OS-assigned port when the
// requested one is unavailable. Port 0 always asks the OS.
func Listen(port int) (*Transport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		if port == 0 {
			return nil, err
		}
		debuglog.Warnf("udp listen on port %d failed, falling back to an ephemeral port: %v", port, err)
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			return nil, err
		}
	}
	bound, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected local addr %T", conn.LocalAddr())
	}
	return &Transport{conn: conn, port: bound.Port}, nil
}

func (t *Transport) Port() int {
	return t.port
}

// Send writes one datagram to addr (host:port).
func (t *Transport) Send(addr string, data []byte) error {
	if t.closed.Load() {
		return net.ErrClosed
	}
	ap, err := resolve(addr)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDPAddrPort(data, ap)
	return err
}

func resolve(addr string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap, nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", addr, err)
	}
	return udpAddr.AddrPort(), nil
}

// ResolveKey turns host:port into the ip:port key datagrams from that host
// arrive under. Hostnames are looked up once, here.
func ResolveKey(addr string) (string, error) {
	ap, err := resolve(addr)
	if err != nil {
		return "", err
	}
	if ap.Port() == 0 {
		return "", fmt.Errorf("resolve %s: missing port", addr)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String(), nil
}

// Serve reads datagrams until ctx is done or the transport is closed. Each
// datagram is handed to handle as a private copy.
func (t *Transport) Serve(ctx context.Context, handle func(from string, data []byte)) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()
	buf := make([]byte, readBufferSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			debuglog.RateLimitedf("udp_read_error", 5*time.Second, "udp read error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		src := netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		handle(src.String(), data)
	}
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

// LocalIPv4 returns the first non-loopback IPv4 address of this host, or
// 127.0.0.1 when there is none.
func LocalIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		return ip4.String()
	}
	return "127.0.0.1"
}
