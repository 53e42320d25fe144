// Package wgbind implements a conn.Bind that carries wireguard-go's
// encrypted packets over internal/node.Node's connections instead of a
// plain UDP socket, the way internal/bridge.Bind carries them over WebRTC
// data channels for the pion/webrtc backend.
//
//	wireguard-go encrypts → Bind.Send → Node.Encapsulate → UDP socket
//	UDP socket → Node.Decapsulate → Bind's ReceiveFunc → wireguard-go decrypts
//
// Node itself stays sans-I/O; Bind is the piece that gives it a real UDP
// socket and satisfies wireguard-go's conn.Bind contract on top of it.
package wgbind

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"

	"github.com/kuuji/bamgate/internal/node"
)

// receivedPacket holds a packet decapsulated off the UDP socket, tagged
// with the connection it belongs to.
type receivedPacket struct {
	data []byte
	ep   *Endpoint
}

// Bind implements conn.Bind on top of a node.Node and one UDP socket
// shared by every connection the Node drives. Safe for concurrent use;
// every call into the Node is serialized through mu, preserving the
// single-threaded contract its package doc requires.
type Bind struct {
	mu   sync.Mutex
	n    *node.Node
	conn *net.UDPConn
	log  *slog.Logger

	recvCh    chan receivedPacket
	closeCh   chan struct{}
	closeOnce sync.Once
}

// New wraps n, reading and writing the connections it drives over udpConn.
// It spawns its own read loop and is meant for standalone use where nothing
// else reads udpConn. The caller remains responsible for draining n's
// PollEvent/PollTimeout queues (Bind only ever calls Encapsulate/Decapsulate).
func New(n *node.Node, udpConn *net.UDPConn, logger *slog.Logger) *Bind {
	b := newBind(n, udpConn, logger)
	go b.readLoop()
	return b
}

// NewPassive wraps n like New, but does not spawn a read loop: it is for a
// caller, such as daemon.Daemon, that already owns the single goroutine
// calling n.Decapsulate (for ICE connectivity checks as well as transport
// data) and hands this Bind the resulting plaintext via Deliver instead of
// racing it for udpConn's reads.
func NewPassive(n *node.Node, udpConn *net.UDPConn, logger *slog.Logger) *Bind {
	return newBind(n, udpConn, logger)
}

func newBind(n *node.Node, udpConn *net.UDPConn, logger *slog.Logger) *Bind {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bind{
		n:       n,
		conn:    udpConn,
		log:     logger.With("component", "wgbind"),
		recvCh:  make(chan receivedPacket, 256),
		closeCh: make(chan struct{}),
	}
}

// Deliver hands a plaintext packet the caller already decapsulated (via its
// own call to n.Decapsulate) to wireguard-go's receive path. Used by
// NewPassive binds; New's own readLoop delivers internally instead.
func (b *Bind) Deliver(id node.ConnectionID, plaintext []byte) {
	select {
	case b.recvCh <- receivedPacket{data: plaintext, ep: NewEndpoint(id)}:
	case <-b.closeCh:
	default:
		b.log.Debug("dropping packet, receive buffer full", "connection", id)
	}
}

// readLoop pumps the UDP socket, decapsulating every datagram under mu and
// forwarding resulting plaintext to recvCh for wireguard-go to pick up.
func (b *Bind) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		fromIP, ok := netip.AddrFromSlice(from.IP)
		if !ok {
			continue
		}
		local := b.localSocket()
		data := make([]byte, n)
		copy(data, buf[:n])

		b.mu.Lock()
		id, plaintext, ok := b.n.Decapsulate(local, netip.AddrPortFrom(fromIP.Unmap(), uint16(from.Port)), data, time.Now())
		b.mu.Unlock()
		if !ok {
			continue
		}

		select {
		case b.recvCh <- receivedPacket{data: plaintext, ep: NewEndpoint(id)}:
		case <-b.closeCh:
			return
		default:
			b.log.Debug("dropping packet, receive buffer full", "connection", id)
		}
	}
}

func (b *Bind) localSocket() netip.AddrPort {
	local, ok := b.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ip, ok := netip.AddrFromSlice(local.IP.To4())
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip, uint16(local.Port))
}

// Open implements conn.Bind. The port parameter is ignored: the UDP socket
// is already bound by the caller before constructing Bind.
func (b *Bind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	fn := func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case pkt, ok := <-b.recvCh:
			if !ok {
				return 0, net.ErrClosed
			}
			n := copy(packets[0], pkt.data)
			sizes[0] = n
			eps[0] = pkt.ep
			return 1, nil
		case <-b.closeCh:
			return 0, net.ErrClosed
		}
	}
	localPort := uint16(0)
	if local, ok := b.conn.LocalAddr().(*net.UDPAddr); ok {
		localPort = uint16(local.Port)
	}
	return []conn.ReceiveFunc{fn}, localPort, nil
}

// Close implements conn.Bind. It unblocks any pending receive and closes
// the underlying UDP socket.
func (b *Bind) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
	return b.conn.Close()
}

// Send implements conn.Bind: it asks the Node to encapsulate the WireGuard
// packet for ep's connection and writes the resulting Transmit, if any, to
// the UDP socket. A connection with no nominated pair yet (not established)
// silently drops the packet, the same way wireguard-go tolerates a send to
// an endpoint it hasn't heard back from.
func (b *Bind) Send(bufs [][]byte, ep conn.Endpoint) error {
	endpoint, ok := ep.(*Endpoint)
	if !ok {
		return errors.New("wgbind: invalid endpoint type")
	}

	for _, buf := range bufs {
		b.mu.Lock()
		t, ok := b.n.Encapsulate(endpoint.id, buf, time.Now())
		b.mu.Unlock()
		if !ok {
			continue
		}
		dst := t.Dst
		if _, err := b.conn.WriteToUDP(t.Payload, net.UDPAddrFromAddrPort(dst)); err != nil {
			return err
		}
	}
	return nil
}

// ParseEndpoint implements conn.Bind. WireGuard's peer config stores the
// connection id as a decimal string in place of a host:port endpoint.
func (b *Bind) ParseEndpoint(s string) (conn.Endpoint, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, errors.New("wgbind: endpoint is not a connection id: " + s)
	}
	return NewEndpoint(node.ConnectionID(v)), nil
}

// SetMark implements conn.Bind. No-op: Node's socket marking, if any, is
// the daemon's concern, not this Bind's.
func (b *Bind) SetMark(mark uint32) error { return nil }

// BatchSize implements conn.Bind. One packet at a time, same as
// internal/bridge.Bind.
func (b *Bind) BatchSize() int { return 1 }

// Endpoint implements conn.Endpoint for a Node connection, identifying the
// peer by ConnectionID rather than a socket address (the Node already owns
// the real address via its nominated candidate pair).
type Endpoint struct {
	id node.ConnectionID
}

// NewEndpoint wraps a connection id as a conn.Endpoint.
func NewEndpoint(id node.ConnectionID) *Endpoint {
	return &Endpoint{id: id}
}

// ConnectionID returns the wrapped connection id.
func (e *Endpoint) ConnectionID() node.ConnectionID { return e.id }

// ClearSrc implements conn.Endpoint. No-op: this transport has no source
// address of its own to clear.
func (e *Endpoint) ClearSrc() {}

// SrcToString implements conn.Endpoint.
func (e *Endpoint) SrcToString() string { return "" }

// DstToString implements conn.Endpoint. Returns the connection id so
// wireguard-go's diagnostics have something readable to print.
func (e *Endpoint) DstToString() string { return strconv.FormatUint(uint64(e.id), 10) }

// DstToBytes implements conn.Endpoint.
func (e *Endpoint) DstToBytes() []byte { return []byte(e.DstToString()) }

// DstIP implements conn.Endpoint. Returns a zero address: this transport
// has no IP-level endpoint concept, same as internal/bridge.Endpoint.
func (e *Endpoint) DstIP() netip.Addr { return netip.Addr{} }

// SrcIP implements conn.Endpoint.
func (e *Endpoint) SrcIP() netip.Addr { return netip.Addr{} }
