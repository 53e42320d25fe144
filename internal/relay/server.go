package relay

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // required by the TURN REST API credential scheme (RFC 8656 isn't prescriptive; this mirrors the worker's HMAC-SHA1 scheme)
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kuuji/bamgate/internal/node/stunmsg"
)

// Server is a real TURN-compatible relay: it owns a control socket for
// Allocate/Refresh/ChannelBind/Binding traffic and, per allocation, a
// dedicated relay UDP socket peers send to. It is the network-attached
// counterpart of internal/node/relayclient.Relay, speaking the same wire
// format via internal/node/stunmsg.
type Server struct {
	cfg Config
	log *slog.Logger

	control *net.UDPConn

	mu          sync.RWMutex
	allocations map[string]*allocation // keyed by client control address

	nextPort atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// allocation is one client's TURN allocation: its own relay socket,
// channel bindings, and long-term-credential state.
type allocation struct {
	client netip.AddrPort
	relay  *net.UDPConn

	mu            sync.Mutex
	username      string
	authKey       []byte
	nonce         string
	expiresAt     time.Time
	channels      map[uint16]netip.AddrPort
	channelByPeer map[netip.AddrPort]uint16

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer constructs a Server from cfg. Call Run to start serving.
func NewServer(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		log:         log.With("component", "relay"),
		allocations: make(map[string]*allocation),
		closed:      make(chan struct{}),
	}
	s.nextPort.Store(int64(cfg.Listen.MinPort))
	return s
}

// Run binds the control socket and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Listen.ControlAddr)
	if err != nil {
		return fmt.Errorf("relay: resolving control addr %s: %w", s.cfg.Listen.ControlAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("relay: listening on %s: %w", s.cfg.Listen.ControlAddr, err)
	}
	s.control = conn
	s.log.Info("control socket listening", "addr", s.cfg.Listen.ControlAddr)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.control.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("control read error", "err", err)
			continue
		}
		fromAP, ok := netip.AddrFromSlice(from.IP)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleControlPacket(netip.AddrPortFrom(fromAP.Unmap(), uint16(from.Port)), data)
	}
}

// Close shuts down the control socket and every allocation's relay socket.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.control != nil {
			s.control.Close()
		}
		s.mu.Lock()
		for _, a := range s.allocations {
			a.close()
		}
		s.mu.Unlock()
	})
	return nil
}

func (a *allocation) close() {
	a.closeOnce.Do(func() {
		close(a.done)
		if a.relay != nil {
			a.relay.Close()
		}
	})
}

func (s *Server) handleControlPacket(from netip.AddrPort, data []byte) {
	if stunmsg.IsChannelData(data) {
		s.handleChannelData(from, data)
		return
	}
	if !stunmsg.IsSTUN(data) {
		return
	}
	msg, err := stunmsg.Parse(data)
	if err != nil {
		return
	}

	switch msg.Method {
	case stunmsg.MethodBinding:
		s.handleBinding(from, &msg)
	case stunmsg.MethodAllocate:
		s.handleAllocate(from, &msg, data)
	case stunmsg.MethodRefresh:
		s.handleRefresh(from, &msg, data)
	case stunmsg.MethodChannelBind:
		s.handleChannelBind(from, &msg, data)
	case stunmsg.MethodSend:
		s.handleSend(from, &msg)
	}
}

func (s *Server) writeTo(dst netip.AddrPort, payload []byte) {
	_, err := s.control.WriteToUDP(payload, net.UDPAddrFromAddrPort(dst))
	if err != nil {
		s.log.Debug("control write failed", "dst", dst, "err", err)
	}
}

func (s *Server) allocationFor(from netip.AddrPort) (*allocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.allocations[from.String()]
	return a, ok
}

// handleBinding answers a bare STUN Binding request with the caller's
// observed address, the same server-reflexive discovery path the Node uses
// relays for (spec §4.2).
func (s *Server) handleBinding(from netip.AddrPort, msg *stunmsg.Message) {
	resp := stunmsg.NewResponse(msg, stunmsg.ClassSuccessResponse).
		AddXORAddress(stunmsg.AttrXORMappedAddress, stunmsg.XORAddress{
			IP:   net.IP(from.Addr().AsSlice()),
			Port: int(from.Port()),
		}).
		Build(nil)
	s.writeTo(from, resp)
}

func (s *Server) challenge(msg *stunmsg.Message, from netip.AddrPort, errCode int, reason string, key []byte) string {
	nonce := newNonce()
	resp := stunmsg.NewResponse(msg, stunmsg.ClassErrorResponse).
		AddErrorCode(errCode, reason).
		AddRealm(s.cfg.Auth.Realm).
		AddNonce(nonce).
		Build(key)
	s.writeTo(from, resp)
	return nonce
}

// handleAllocate runs the standard two-phase long-term-credential dance
// (401 challenge, then an authenticated retry) before opening a dedicated
// relay UDP socket for the client (spec §4.4, §4.6).
func (s *Server) handleAllocate(from netip.AddrPort, msg *stunmsg.Message, raw []byte) {
	username := msg.GetUsername()
	if username == "" {
		s.challenge(msg, from, 401, "Unauthorized", nil)
		return
	}

	if err := s.validateRESTCredentials(username); err != nil {
		s.log.Debug("allocate: bad credentials", "from", from, "err", err)
		s.challenge(msg, from, 401, "Unauthorized", nil)
		return
	}
	password := s.recomputeRESTPassword(username)
	authKey := stunmsg.DeriveAuthKey(username, s.cfg.Auth.Realm, password)
	if err := stunmsg.CheckIntegrity(raw, authKey); err != nil {
		s.challenge(msg, from, 401, "Unauthorized", nil)
		return
	}

	if existing, ok := s.allocationFor(from); ok {
		existing.mu.Lock()
		already := existing.relay != nil
		existing.mu.Unlock()
		if already {
			resp := stunmsg.NewResponse(msg, stunmsg.ClassErrorResponse).
				AddErrorCode(437, "Allocation Mismatch").
				Build(authKey)
			s.writeTo(from, resp)
			return
		}
	}

	relayConn, relayAddr, err := s.openRelaySocket()
	if err != nil {
		s.log.Warn("allocate: no relay socket available", "from", from, "err", err)
		resp := stunmsg.NewResponse(msg, stunmsg.ClassErrorResponse).
			AddErrorCode(508, "Insufficient Capacity").
			Build(authKey)
		s.writeTo(from, resp)
		return
	}

	lifetime := s.cfg.Lease.DefaultLifetime
	if requested := msg.GetLifetime(); requested > 0 {
		capped := time.Duration(requested) * time.Second
		if capped < s.cfg.Lease.MaxLifetime {
			lifetime = capped
		} else {
			lifetime = s.cfg.Lease.MaxLifetime
		}
	}

	a := &allocation{
		client:        from,
		relay:         relayConn,
		username:      username,
		authKey:       authKey,
		expiresAt:     time.Now().Add(lifetime),
		channels:      make(map[uint16]netip.AddrPort),
		channelByPeer: make(map[netip.AddrPort]uint16),
		done:          make(chan struct{}),
	}
	s.mu.Lock()
	s.allocations[from.String()] = a
	s.mu.Unlock()

	go s.pumpRelaySocket(a, relayAddr)

	resp := stunmsg.NewResponse(msg, stunmsg.ClassSuccessResponse).
		AddXORAddress(stunmsg.AttrXORRelayedAddress, stunmsg.XORAddress{
			IP:   net.IP(relayAddr.Addr().AsSlice()),
			Port: int(relayAddr.Port()),
		}).
		AddXORAddress(stunmsg.AttrXORMappedAddress, stunmsg.XORAddress{
			IP:   net.IP(from.Addr().AsSlice()),
			Port: int(from.Port()),
		}).
		AddLifetime(uint32(lifetime.Seconds())).
		Build(authKey)
	s.writeTo(from, resp)
	s.log.Info("allocation created", "client", from, "relay", relayAddr, "lifetime", lifetime)
}

// openRelaySocket binds the next free port in the configured range. Ports
// are never reused within a server lifetime; exhaustion is reported as an
// error rather than wrapping around onto a still-live allocation.
func (s *Server) openRelaySocket() (*net.UDPConn, netip.AddrPort, error) {
	ip := s.cfg.Listen.RelayAddr
	for {
		port := s.nextPort.Add(1) - 1
		if int(port) > s.cfg.Listen.MaxPort {
			return nil, netip.AddrPort{}, fmt.Errorf("relay port range %d-%d exhausted", s.cfg.Listen.MinPort, s.cfg.Listen.MaxPort)
		}
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			continue // port in use by something outside our bookkeeping; try the next one
		}
		relayAddr, ok := conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			conn.Close()
			return nil, netip.AddrPort{}, fmt.Errorf("relay: unexpected local addr type")
		}
		relayIP, ok := netip.AddrFromSlice(relayAddr.IP.To4())
		if !ok {
			relayIP, ok = netip.AddrFromSlice(relayAddr.IP)
			if !ok {
				conn.Close()
				return nil, netip.AddrPort{}, fmt.Errorf("relay: could not parse bound address")
			}
		}
		return conn, netip.AddrPortFrom(relayIP, uint16(relayAddr.Port)), nil
	}
}

// pumpRelaySocket forwards everything arriving on a's dedicated relay
// socket back to the client as a Data indication (RFC 8656 §10.4), or as
// ChannelData if the sender has a bound channel.
func (s *Server) pumpRelaySocket(a *allocation, relayAddr netip.AddrPort) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := a.relay.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-a.done:
			default:
				s.log.Debug("relay socket closed", "relay", relayAddr, "err", err)
			}
			return
		}
		peerIP, ok := netip.AddrFromSlice(from.IP)
		if !ok {
			continue
		}
		peer := netip.AddrPortFrom(peerIP.Unmap(), uint16(from.Port))
		payload := make([]byte, n)
		copy(payload, buf[:n])

		a.mu.Lock()
		channel, bound := a.channelByPeer[peer]
		a.mu.Unlock()

		if bound {
			s.writeTo(a.client, stunmsg.BuildChannelData(channel, payload))
			continue
		}
		ind := stunmsg.NewBuilder(stunmsg.MethodData, stunmsg.ClassIndication, randomTxID()).
			AddXORAddress(stunmsg.AttrXORPeerAddress, stunmsg.XORAddress{IP: net.IP(peer.Addr().AsSlice()), Port: int(peer.Port())}).
			AddData(payload).
			BuildNoFingerprint(nil)
		s.writeTo(a.client, ind)
	}
}

func (s *Server) handleRefresh(from netip.AddrPort, msg *stunmsg.Message, raw []byte) {
	a, ok := s.allocationFor(from)
	if !ok {
		resp := stunmsg.NewResponse(msg, stunmsg.ClassErrorResponse).AddErrorCode(437, "Allocation Mismatch").Build(nil)
		s.writeTo(from, resp)
		return
	}
	a.mu.Lock()
	authKey := a.authKey
	a.mu.Unlock()
	if err := stunmsg.CheckIntegrity(raw, authKey); err != nil {
		s.challenge(msg, from, 438, "Stale Nonce", nil)
		return
	}

	requested := msg.GetLifetime()
	if requested == 0 {
		s.removeAllocation(from)
		resp := stunmsg.NewResponse(msg, stunmsg.ClassSuccessResponse).AddLifetime(0).Build(authKey)
		s.writeTo(from, resp)
		return
	}

	lifetime := time.Duration(requested) * time.Second
	if lifetime > s.cfg.Lease.MaxLifetime {
		lifetime = s.cfg.Lease.MaxLifetime
	}
	a.mu.Lock()
	a.expiresAt = time.Now().Add(lifetime)
	a.mu.Unlock()

	resp := stunmsg.NewResponse(msg, stunmsg.ClassSuccessResponse).AddLifetime(uint32(lifetime.Seconds())).Build(authKey)
	s.writeTo(from, resp)
}

func (s *Server) removeAllocation(from netip.AddrPort) {
	s.mu.Lock()
	a, ok := s.allocations[from.String()]
	if ok {
		delete(s.allocations, from.String())
	}
	s.mu.Unlock()
	if ok {
		a.close()
		s.log.Info("allocation removed", "client", from)
	}
}

func (s *Server) handleChannelBind(from netip.AddrPort, msg *stunmsg.Message, raw []byte) {
	a, ok := s.allocationFor(from)
	if !ok {
		resp := stunmsg.NewResponse(msg, stunmsg.ClassErrorResponse).AddErrorCode(437, "Allocation Mismatch").Build(nil)
		s.writeTo(from, resp)
		return
	}
	a.mu.Lock()
	authKey := a.authKey
	a.mu.Unlock()
	if err := stunmsg.CheckIntegrity(raw, authKey); err != nil {
		s.challenge(msg, from, 438, "Stale Nonce", nil)
		return
	}

	number := msg.GetChannelNumber()
	if number < stunmsg.ChannelNumberMin || number > stunmsg.ChannelNumberMax {
		resp := stunmsg.NewResponse(msg, stunmsg.ClassErrorResponse).AddErrorCode(400, "Bad Request").Build(authKey)
		s.writeTo(from, resp)
		return
	}
	peerAddr, ok := msg.GetXORPeerAddress()
	if !ok {
		resp := stunmsg.NewResponse(msg, stunmsg.ClassErrorResponse).AddErrorCode(400, "Bad Request").Build(authKey)
		s.writeTo(from, resp)
		return
	}
	peerIP, ok := netip.AddrFromSlice(peerAddr.IP)
	if !ok {
		resp := stunmsg.NewResponse(msg, stunmsg.ClassErrorResponse).AddErrorCode(400, "Bad Request").Build(authKey)
		s.writeTo(from, resp)
		return
	}
	peer := netip.AddrPortFrom(peerIP.Unmap(), uint16(peerAddr.Port))

	a.mu.Lock()
	if existingPeer, ok := a.channels[number]; ok && existingPeer != peer {
		a.mu.Unlock()
		resp := stunmsg.NewResponse(msg, stunmsg.ClassErrorResponse).AddErrorCode(400, "Bad Request").Build(authKey)
		s.writeTo(from, resp)
		return
	}
	a.channels[number] = peer
	a.channelByPeer[peer] = number
	a.mu.Unlock()

	resp := stunmsg.NewResponse(msg, stunmsg.ClassSuccessResponse).Build(authKey)
	s.writeTo(from, resp)
}

// handleSend forwards a client-originated Send indication's payload to the
// peer through this allocation's relay socket (spec §4.4/§4.6: Send
// indications are client-to-server only; the return path is always a Data
// indication or ChannelData, built by pumpRelaySocket).
func (s *Server) handleSend(from netip.AddrPort, msg *stunmsg.Message) {
	a, ok := s.allocationFor(from)
	if !ok {
		return
	}
	peerAddr, ok := msg.GetXORPeerAddress()
	if !ok {
		return
	}
	peerIP, ok := netip.AddrFromSlice(peerAddr.IP)
	if !ok {
		return
	}
	peer := netip.AddrPortFrom(peerIP.Unmap(), uint16(peerAddr.Port))
	payload := msg.GetData()
	if payload == nil {
		return
	}
	if _, err := a.relay.WriteToUDP(payload, net.UDPAddrFromAddrPort(peer)); err != nil {
		s.log.Debug("send indication forward failed", "peer", peer, "err", err)
	}
}

// handleChannelData forwards an inbound ChannelData frame to the bound peer.
func (s *Server) handleChannelData(from netip.AddrPort, data []byte) {
	a, ok := s.allocationFor(from)
	if !ok {
		return
	}
	cd, err := stunmsg.ParseChannelData(data)
	if err != nil {
		return
	}
	a.mu.Lock()
	peer, ok := a.channels[cd.ChannelNumber]
	a.mu.Unlock()
	if !ok {
		return
	}
	if _, err := a.relay.WriteToUDP(cd.Data, net.UDPAddrFromAddrPort(peer)); err != nil {
		s.log.Debug("channel data forward failed", "peer", peer, "err", err)
	}
}

// Sweep closes any allocation past its lifetime; callers run this
// periodically (e.g. once a minute) since the server has no sans-I/O timer
// driving it the way the Node does.
func (s *Server) Sweep(now time.Time) {
	s.mu.RLock()
	var expired []netip.AddrPort
	for _, a := range s.allocations {
		a.mu.Lock()
		if now.After(a.expiresAt) {
			expired = append(expired, a.client)
		}
		a.mu.Unlock()
	}
	s.mu.RUnlock()
	for _, client := range expired {
		s.removeAllocation(client)
	}
}

// validateRESTCredentials checks that a TURN REST API style username has
// the form "<unix_expiry>:<label>" and has not expired. It does not consult
// the shared secret; recomputeRESTPassword derives the password from it.
func (s *Server) validateRESTCredentials(username string) error {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid username format")
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry in username: %w", err)
	}
	if time.Now().Unix() > expiry {
		return fmt.Errorf("credentials expired")
	}
	return nil
}

func (s *Server) recomputeRESTPassword(username string) string {
	mac := hmac.New(sha1.New, []byte(s.cfg.Auth.Secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// IssueCredentials mints a fresh TURN REST API username/password pair valid
// for ttl, for the control plane to hand to a Node as part of a relay list
// (spec §4.6).
func (s *Server) IssueCredentials(label string, ttl time.Duration) (username, password string) {
	expiry := time.Now().Add(ttl).Unix()
	username = fmt.Sprintf("%d:%s", expiry, label)
	return username, s.recomputeRESTPassword(username)
}

func newNonce() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

func randomTxID() (id [12]byte) {
	_, _ = rand.Read(id[:])
	return id
}
