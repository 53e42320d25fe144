package relay

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/bamgate/internal/node/stunmsg"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Listen.ControlAddr = "127.0.0.1:0"
	cfg.Listen.RelayAddr = "127.0.0.1"
	cfg.Listen.MinPort = 31000
	cfg.Listen.MaxPort = 31099
	cfg.Auth.Secret = "test-secret"
	cfg.Auth.Realm = "bamgate.test"
	return cfg
}

// startServer binds s on loopback with an OS-assigned control port, starts
// serving in the background, and returns its resolved control address.
func startServer(t *testing.T, s *Server) netip.AddrPort {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Listen.ControlAddr)
	if err != nil {
		t.Fatalf("resolving control addr: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	s.control = conn
	ctrlAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected local addr type %T", conn.LocalAddr())
	}
	ip, ok := netip.AddrFromSlice(ctrlAddr.IP.To4())
	if !ok {
		t.Fatalf("could not parse bound control ip %v", ctrlAddr.IP)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := s.control.ReadFromUDP(buf)
			if err != nil {
				return
			}
			fromIP, ok := netip.AddrFromSlice(from.IP)
			if !ok {
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			s.handleControlPacket(netip.AddrPortFrom(fromIP.Unmap(), uint16(from.Port)), data)
		}
	}()
	go func() {
		<-ctx.Done()
		s.control.Close()
	}()

	return netip.AddrPortFrom(ip, uint16(ctrlAddr.Port))
}

// doAllocate drives a client UDP socket through the full two-phase
// allocate handshake and returns the relayed address the server assigned.
func doAllocate(t *testing.T, client *net.UDPConn, controlAddr netip.AddrPort, username, password, realm string, lifetimeSeconds uint32) netip.AddrPort {
	t.Helper()

	first := stunmsg.NewBuilder(stunmsg.MethodAllocate, stunmsg.ClassRequest, randomTxID()).
		AddRequestedTransport(17).
		Build(nil)
	if _, err := client.WriteToUDP(first, net.UDPAddrFromAddrPort(controlAddr)); err != nil {
		t.Fatalf("writing first allocate: %v", err)
	}

	buf := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading 401: %v", err)
	}
	challenge, err := stunmsg.Parse(buf[:n])
	if err != nil {
		t.Fatalf("parsing 401: %v", err)
	}
	code, _, ok := challenge.GetErrorCode()
	if !ok || code != 401 {
		t.Fatalf("expected 401 challenge, got %+v", challenge)
	}
	nonce := challenge.GetNonce()

	authKey := stunmsg.DeriveAuthKey(username, realm, password)
	builder := stunmsg.NewBuilder(stunmsg.MethodAllocate, stunmsg.ClassRequest, randomTxID()).
		AddRequestedTransport(17).
		AddUsername(username).
		AddRealm(realm).
		AddNonce(nonce)
	if lifetimeSeconds > 0 {
		builder = builder.AddLifetime(lifetimeSeconds)
	}
	retry := builder.Build(authKey)
	if _, err := client.WriteToUDP(retry, net.UDPAddrFromAddrPort(controlAddr)); err != nil {
		t.Fatalf("writing authenticated allocate: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = client.Read(buf)
	if err != nil {
		t.Fatalf("reading allocate success: %v", err)
	}
	success, err := stunmsg.Parse(buf[:n])
	if err != nil {
		t.Fatalf("parsing allocate success: %v", err)
	}
	if success.Class != stunmsg.ClassSuccessResponse {
		t.Fatalf("allocate did not succeed: %+v", success)
	}
	relayed, ok := success.GetXORRelayedAddress()
	if !ok {
		t.Fatalf("allocate success missing XOR-RELAYED-ADDRESS")
	}
	relayIP, ok := netip.AddrFromSlice(relayed.IP)
	if !ok {
		t.Fatalf("bad relayed ip %v", relayed.IP)
	}
	return netip.AddrPortFrom(relayIP.Unmap(), uint16(relayed.Port))
}

func TestAllocateAndChannelDataRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewServer(testConfig(), nil)
	controlAddr := startServer(t, s)

	username, password := s.IssueCredentials("alice", time.Minute)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("opening client socket: %v", err)
	}
	defer client.Close()

	relayed := doAllocate(t, client, controlAddr, username, password, s.cfg.Auth.Realm, 600)

	// A third party ("the peer") that the relay should forward traffic to
	// and from via the allocation's dedicated relay socket.
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("opening peer socket: %v", err)
	}
	defer peer.Close()
	peerAddr, ok := peer.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("unexpected peer addr type")
	}
	peerIP, ok := netip.AddrFromSlice(peerAddr.IP.To4())
	if !ok {
		t.Fatalf("bad peer ip")
	}
	peerAP := netip.AddrPortFrom(peerIP, uint16(peerAddr.Port))

	// Bind a channel for peerAP.
	authKey := stunmsg.DeriveAuthKey(username, s.cfg.Auth.Realm, password)
	bindReq := stunmsg.NewBuilder(stunmsg.MethodChannelBind, stunmsg.ClassRequest, randomTxID()).
		AddChannelNumber(0x4000).
		AddXORAddress(stunmsg.AttrXORPeerAddress, stunmsg.XORAddress{IP: net.IP(peerAP.Addr().AsSlice()), Port: int(peerAP.Port())}).
		AddUsername(username).
		AddRealm(s.cfg.Auth.Realm).
		AddNonce("").
		Build(authKey)
	if _, err := client.WriteToUDP(bindReq, net.UDPAddrFromAddrPort(controlAddr)); err != nil {
		t.Fatalf("writing channel bind: %v", err)
	}
	buf := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading channel bind response: %v", err)
	}
	bindResp, err := stunmsg.Parse(buf[:n])
	if err != nil || bindResp.Class != stunmsg.ClassSuccessResponse {
		t.Fatalf("channel bind failed: %v, err=%v", bindResp, err)
	}

	// client -> peer via ChannelData.
	clientToPeer := stunmsg.BuildChannelData(0x4000, []byte("hello peer"))
	if _, err := client.WriteToUDP(clientToPeer, net.UDPAddrFromAddrPort(controlAddr)); err != nil {
		t.Fatalf("writing channel data: %v", err)
	}
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer did not receive forwarded data: %v", err)
	}
	if string(buf[:n]) != "hello peer" {
		t.Fatalf("peer received %q, want %q", buf[:n], "hello peer")
	}

	// peer -> client via the allocation's relay socket; since the channel is
	// bound, the server should forward it back as ChannelData too.
	if _, err := peer.WriteToUDP([]byte("hello client"), net.UDPAddrFromAddrPort(relayed)); err != nil {
		t.Fatalf("peer writing to relay addr: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = client.Read(buf)
	if err != nil {
		t.Fatalf("client did not receive forwarded channel data: %v", err)
	}
	cd, err := stunmsg.ParseChannelData(buf[:n])
	if err != nil {
		t.Fatalf("parsing returned channel data: %v", err)
	}
	if string(cd.Data) != "hello client" {
		t.Fatalf("client received %q, want %q", cd.Data, "hello client")
	}
}

func TestAllocateRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	s := NewServer(testConfig(), nil)
	controlAddr := startServer(t, s)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("opening client socket: %v", err)
	}
	defer client.Close()

	first := stunmsg.NewBuilder(stunmsg.MethodAllocate, stunmsg.ClassRequest, randomTxID()).
		AddRequestedTransport(17).
		Build(nil)
	client.WriteToUDP(first, net.UDPAddrFromAddrPort(controlAddr))

	buf := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading 401: %v", err)
	}
	challenge, err := stunmsg.Parse(buf[:n])
	if err != nil {
		t.Fatalf("parsing 401: %v", err)
	}
	nonce := challenge.GetNonce()

	badKey := stunmsg.DeriveAuthKey("not-a-real-user", s.cfg.Auth.Realm, "wrong")
	retry := stunmsg.NewBuilder(stunmsg.MethodAllocate, stunmsg.ClassRequest, randomTxID()).
		AddRequestedTransport(17).
		AddUsername("not-a-real-user").
		AddRealm(s.cfg.Auth.Realm).
		AddNonce(nonce).
		AddLifetime(600).
		Build(badKey)
	client.WriteToUDP(retry, net.UDPAddrFromAddrPort(controlAddr))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = client.Read(buf)
	if err != nil {
		t.Fatalf("reading rejection: %v", err)
	}
	resp, err := stunmsg.Parse(buf[:n])
	if err != nil {
		t.Fatalf("parsing rejection: %v", err)
	}
	if resp.Class != stunmsg.ClassErrorResponse {
		t.Fatalf("expected rejection for unrecognized REST credentials, got %+v", resp)
	}
}

func TestSweepExpiresAllocations(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Lease.DefaultLifetime = 1 * time.Second
	s := NewServer(cfg, nil)
	controlAddr := startServer(t, s)

	username, password := s.IssueCredentials("bob", time.Minute)
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("opening client socket: %v", err)
	}
	defer client.Close()
	doAllocate(t, client, controlAddr, username, password, cfg.Auth.Realm, 0)

	s.mu.RLock()
	count := len(s.allocations)
	s.mu.RUnlock()
	if count != 1 {
		t.Fatalf("expected 1 allocation after allocate, got %d", count)
	}

	s.Sweep(time.Now().Add(2 * time.Second))

	s.mu.RLock()
	count = len(s.allocations)
	s.mu.RUnlock()
	if count != 0 {
		t.Fatalf("expected allocation to be swept after its lifetime, got %d remaining", count)
	}
}
