package wgbind

import (
	"net"
	"net/netip"
	"testing"

	"golang.zx2c4.com/wireguard/conn"

	"github.com/kuuji/bamgate/internal/node"
	"github.com/kuuji/bamgate/internal/node/noise"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	priv, pub, err := noise.GenerateKeypair()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return node.New(priv, pub)
}

func TestBindOpenAndReceive(t *testing.T) {
	t.Parallel()

	b := New(newTestNode(t), listen(t), nil)
	defer b.Close()

	fns, _, err := b.Open(0)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if len(fns) != 1 {
		t.Fatalf("Open() returned %d ReceiveFuncs, want 1", len(fns))
	}

	ep := NewEndpoint(7)
	b.recvCh <- receivedPacket{data: []byte("hello wireguard"), ep: ep}

	packets := [][]byte{make([]byte, 1500)}
	sizes := make([]int, 1)
	eps := make([]conn.Endpoint, 1)

	n, err := fns[0](packets, sizes, eps)
	if err != nil {
		t.Fatalf("ReceiveFunc() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("ReceiveFunc() n = %d, want 1", n)
	}
	if got := string(packets[0][:sizes[0]]); got != "hello wireguard" {
		t.Errorf("payload = %q, want %q", got, "hello wireguard")
	}
	gotEp, ok := eps[0].(*Endpoint)
	if !ok {
		t.Fatalf("endpoint type = %T, want *Endpoint", eps[0])
	}
	if gotEp.ConnectionID() != 7 {
		t.Errorf("endpoint connection id = %d, want 7", gotEp.ConnectionID())
	}
}

func TestBindSendToUnestablishedConnectionIsANoop(t *testing.T) {
	t.Parallel()

	b := New(newTestNode(t), listen(t), nil)
	defer b.Close()

	// No connection has been registered with the Node at all, so
	// Encapsulate reports ok=false for every buffer; Send must not error.
	if err := b.Send([][]byte{[]byte("payload")}, NewEndpoint(99)); err != nil {
		t.Fatalf("Send() on unestablished connection: %v", err)
	}
}

func TestBindSendRejectsForeignEndpointType(t *testing.T) {
	t.Parallel()

	b := New(newTestNode(t), listen(t), nil)
	defer b.Close()

	err := b.Send([][]byte{[]byte("x")}, fakeEndpoint{})
	if err == nil {
		t.Fatalf("Send() with a non-*Endpoint should error")
	}
}

type fakeEndpoint struct{}

func (fakeEndpoint) ClearSrc()           {}
func (fakeEndpoint) SrcToString() string { return "" }
func (fakeEndpoint) DstToString() string { return "" }
func (fakeEndpoint) DstToBytes() []byte  { return nil }
func (fakeEndpoint) DstIP() netip.Addr   { return netip.Addr{} }
func (fakeEndpoint) SrcIP() netip.Addr   { return netip.Addr{} }

func TestParseEndpoint(t *testing.T) {
	t.Parallel()
	b := &Bind{}
	ep, err := b.ParseEndpoint("42")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	got, ok := ep.(*Endpoint)
	if !ok || got.ConnectionID() != 42 {
		t.Fatalf("ParseEndpoint(42) = %#v, want connection id 42", ep)
	}

	if _, err := b.ParseEndpoint("not-a-number"); err == nil {
		t.Fatalf("ParseEndpoint(\"not-a-number\") should have errored")
	}
}
