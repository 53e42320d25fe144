package daemon

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/bamgate/internal/node"
	"github.com/kuuji/bamgate/internal/node/noise"
	"github.com/kuuji/bamgate/internal/node/wgbind"
	"github.com/kuuji/bamgate/internal/signaling"
	"github.com/kuuji/bamgate/internal/tunnel"
	"github.com/kuuji/bamgate/pkg/protocol"
)

// Daemon drives a node.Node against a real UDP socket, a wall clock, and a
// signaling.Client, the way internal/agent.Agent drove the pion/webrtc
// backend this daemon replaces. One Daemon serves one local identity, and
// brings up one WireGuard TUN device whose peers are added and removed as
// Node connections are established and torn down.
type Daemon struct {
	cfg  Config
	log  *slog.Logger
	priv noise.Key

	n      *node.Node
	conn   *net.UDPConn
	sig    *signaling.Client
	tunDev tun.Device
	wgDev  *tunnel.Device
	bind   *wgbind.Bind

	mu         sync.Mutex
	peerToID   map[string]node.ConnectionID // signaling peer id -> connection id
	idToPeer   map[node.ConnectionID]string
	idToPubKey map[node.ConnectionID]noise.Key
}

// New constructs a Daemon. Call Run to start serving.
func New(cfg Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	priv, n, err := loadOrGenerateNode(cfg.Identity.KeyFile)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:        cfg,
		log:        log.With("component", "noded"),
		priv:       priv,
		n:          n,
		peerToID:   make(map[string]node.ConnectionID),
		idToPeer:   make(map[node.ConnectionID]string),
		idToPubKey: make(map[node.ConnectionID]noise.Key),
	}, nil
}

// loadOrGenerateNode reads a base64-encoded X25519 private key from
// keyFile, generating and persisting a fresh one if the file is absent —
// the same "bootstrap identity on first run" pattern internal/config's CLI
// init command followed for the pion/webrtc path.
func loadOrGenerateNode(keyFile string) (noise.Key, *node.Node, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		raw, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(raw) != noise.KeySize {
			return noise.Key{}, nil, fmt.Errorf("daemon: parsing key file %s: invalid key encoding", keyFile)
		}
		var priv noise.Key
		copy(priv[:], raw)
		pub := noise.PublicFromPrivate(priv)
		return priv, node.New(priv, pub), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return noise.Key{}, nil, fmt.Errorf("daemon: reading key file %s: %w", keyFile, err)
	}

	priv, pub, genErr := noise.GenerateKeypair()
	if genErr != nil {
		return noise.Key{}, nil, fmt.Errorf("daemon: generating keypair: %w", genErr)
	}
	encoded := base64.StdEncoding.EncodeToString(priv[:])
	if dir := parentDir(keyFile); dir != "" {
		_ = os.MkdirAll(dir, 0o700)
	}
	if writeErr := os.WriteFile(keyFile, []byte(encoded+"\n"), 0o600); writeErr != nil {
		return noise.Key{}, nil, fmt.Errorf("daemon: persisting generated key to %s: %w", keyFile, writeErr)
	}
	return priv, node.New(priv, pub), nil
}

// defaultOutboundInterface picks the first non-virtual local subnet's
// interface as the masquerade target, excluding the tunnel's own subnet.
func defaultOutboundInterface(excludeCIDR string) (string, error) {
	subnets, err := tunnel.DiscoverLocalSubnets(excludeCIDR)
	if err != nil {
		return "", fmt.Errorf("discovering local subnets: %w", err)
	}
	if len(subnets) == 0 {
		return "", fmt.Errorf("no physical network interface found")
	}
	return subnets[0].Interface, nil
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// Run binds the UDP socket, connects to signaling, and drives Node until
// ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", d.cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("daemon: resolving listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("daemon: listening on %s: %w", d.cfg.Listen.Addr, err)
	}
	d.conn = conn
	defer conn.Close()

	tunDev, err := tunnel.CreateTUN(d.cfg.Tunnel.Name, d.cfg.Tunnel.MTU)
	if err != nil {
		return fmt.Errorf("daemon: creating tunnel device: %w", err)
	}
	d.tunDev = tunDev

	d.bind = wgbind.NewPassive(d.n, conn, d.log)
	wgDev, err := tunnel.NewDevice(tunnel.DeviceConfig{PrivateKey: d.priv}, tunDev, d.bind, d.log)
	if err != nil {
		return fmt.Errorf("daemon: starting wireguard device: %w", err)
	}
	d.wgDev = wgDev
	defer wgDev.Close()

	if d.cfg.Tunnel.Address != "" {
		if ifName, nameErr := tunDev.Name(); nameErr != nil {
			d.log.Warn("reading tunnel interface name failed", "err", nameErr)
		} else if err := tunnel.AddAddress(ifName, d.cfg.Tunnel.Address); err != nil {
			d.log.Warn("assigning tunnel address failed", "address", d.cfg.Tunnel.Address, "err", err)
		} else if err := tunnel.SetLinkUp(ifName); err != nil {
			d.log.Warn("bringing up tunnel interface failed", "interface", ifName, "err", err)
		}
	}

	if d.cfg.Tunnel.Masquerade && d.cfg.Tunnel.Address != "" {
		if outIface, err := defaultOutboundInterface(d.cfg.Tunnel.Address); err != nil {
			d.log.Warn("finding outbound interface for masquerade failed", "err", err)
		} else {
			nat := tunnel.NewNATManager(d.log)
			if err := nat.SetupMasquerade(d.cfg.Tunnel.Address, outIface); err != nil {
				d.log.Warn("setting up masquerade failed", "err", err)
			} else {
				defer func() {
					if err := nat.Cleanup(); err != nil {
						d.log.Debug("cleaning up masquerade rules failed", "err", err)
					}
				}()
			}
		}
	}

	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		if ip, ok := netip.AddrFromSlice(local.IP.To4()); ok && !ip.IsUnspecified() {
			_ = d.n.AddLocalHostCandidate(netip.AddrPortFrom(ip, uint16(local.Port)))
		}
	}

	for _, rc := range d.cfg.Relays {
		resolved, err := rc.Resolve()
		if err != nil {
			d.log.Warn("skipping relay with unparseable control address", "err", err)
			continue
		}
		d.n.UpdateRelays(nil, []node.RelayDescriptor{{
			ID: resolved.ID, Control: resolved.Control,
			Username: resolved.Username, Password: resolved.Password, Realm: resolved.Realm,
		}}, time.Now())
	}

	sig := signaling.NewClient(signaling.ClientConfig{
		ServerURL: d.cfg.Signaling.ServerURL,
		PeerID:    d.cfg.Signaling.PeerID,
		PublicKey: base64.StdEncoding.EncodeToString(d.n.PublicKey()[:]),
		Logger:    d.log,
		Reconnect: signaling.ReconnectConfig{Enabled: true},
	})
	d.sig = sig
	if err := sig.Connect(ctx); err != nil {
		return fmt.Errorf("daemon: connecting to signaling: %w", err)
	}
	defer sig.Close()

	d.log.Info("noded running", "listen", conn.LocalAddr(), "peer_id", d.cfg.Signaling.PeerID)

	inbound := make(chan udpPacket, 256)
	go d.readLoop(ctx, inbound)

	return d.eventLoop(ctx, inbound)
}

type udpPacket struct {
	from netip.AddrPort
	data []byte
}

func (d *Daemon) readLoop(ctx context.Context, out chan<- udpPacket) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		fromIP, ok := netip.AddrFromSlice(from.IP)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case out <- udpPacket{from: netip.AddrPortFrom(fromIP.Unmap(), uint16(from.Port)), data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// eventLoop is the single goroutine that ever touches node.Node, preserving
// its single-threaded contract (spec §4.1).
func (d *Daemon) eventLoop(ctx context.Context, inbound <-chan udpPacket) error {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		d.resetTimer(timer)

		select {
		case <-ctx.Done():
			return nil

		case pkt := <-inbound:
			if id, plaintext, ok := d.n.Decapsulate(d.localSocket(), pkt.from, pkt.data, time.Now()); ok {
				d.bind.Deliver(id, plaintext)
			}
			d.drain()

		case msg, ok := <-d.sig.Messages():
			if !ok {
				return fmt.Errorf("daemon: signaling channel closed")
			}
			d.handleSignalingMessage(msg)
			d.drain()

		case now := <-timer.C:
			d.n.HandleTimeout(now)
			d.drain()
		}
	}
}

func (d *Daemon) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	deadline, ok := d.n.PollTimeout()
	if !ok {
		timer.Reset(time.Second)
		return
	}
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

func (d *Daemon) localSocket() netip.AddrPort {
	local, ok := d.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ip, ok := netip.AddrFromSlice(local.IP.To4())
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ip, uint16(local.Port))
}

// drain flushes every pending Transmit and Event out of Node: datagrams go
// out the UDP socket, candidate events get trickled to the peer over
// signaling, and terminal events are logged.
func (d *Daemon) drain() {
	for {
		t, ok := d.n.PollTransmit()
		if !ok {
			break
		}
		if _, err := d.conn.WriteToUDP(t.Payload, net.UDPAddrFromAddrPort(t.Dst)); err != nil {
			d.log.Debug("udp write failed", "dst", t.Dst, "err", err)
		}
	}
	for {
		e, ok := d.n.PollEvent()
		if !ok {
			break
		}
		d.handleNodeEvent(e)
	}
}

func (d *Daemon) handleNodeEvent(e node.Event) {
	peerID := d.peerFor(e.Connection)
	switch e.Kind {
	case node.EventNewIceCandidate:
		if peerID == "" {
			return
		}
		_ = d.sig.Send(context.Background(), &protocol.ICECandidateMessage{
			From: d.cfg.Signaling.PeerID, To: peerID, Candidate: e.Candidate,
		})
	case node.EventConnectionEstablished:
		d.log.Info("connection established", "peer", peerID)
		d.addTunnelPeer(e.Connection, peerID)
	case node.EventConnectionFailed:
		d.log.Warn("connection failed", "peer", peerID)
		d.removeTunnelPeer(e.Connection)
	case node.EventConnectionClosed:
		d.log.Info("connection closed", "peer", peerID)
		d.removeTunnelPeer(e.Connection)
	}
}

// addTunnelPeer registers an established Node connection as a WireGuard
// peer, routed per cfg.Tunnel.Peers[peerID].AllowedIPs. A peer with no
// configured routes still gets a tunnel device entry (so it can pull
// traffic addressed directly to it), just with no advertised routes.
func (d *Daemon) addTunnelPeer(id node.ConnectionID, peerID string) {
	if d.wgDev == nil {
		return
	}
	pub, ok := d.pubKeyFor(id)
	if !ok {
		d.log.Warn("no known static key for established connection, skipping tunnel peer", "peer", peerID)
		return
	}
	allowedIPs := d.cfg.Tunnel.Peers[peerID].AllowedIPs
	if err := d.wgDev.AddPeer(tunnel.PeerConfig{
		PublicKey:  pub,
		Endpoint:   strconv.FormatUint(uint64(id), 10),
		AllowedIPs: allowedIPs,
	}); err != nil {
		d.log.Warn("adding tunnel peer failed", "peer", peerID, "err", err)
	}
}

func (d *Daemon) removeTunnelPeer(id node.ConnectionID) {
	if d.wgDev == nil {
		return
	}
	pub, ok := d.pubKeyFor(id)
	if !ok {
		return
	}
	if err := d.wgDev.RemovePeer(pub); err != nil {
		d.log.Debug("removing tunnel peer failed", "err", err)
	}
}

func (d *Daemon) pubKeyFor(id node.ConnectionID) (noise.Key, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.idToPubKey[id]
	return k, ok
}

func (d *Daemon) peerFor(id node.ConnectionID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idToPeer[id]
}

func (d *Daemon) rememberPubKey(id node.ConnectionID, key noise.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idToPubKey[id] = key
}

// connectionIDFor derives a stable ConnectionID from a signaling peer id,
// caching it so repeated offers/answers for the same peer reuse one id.
func (d *Daemon) connectionIDFor(peerID string) node.ConnectionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.peerToID[peerID]; ok {
		return id
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(peerID))
	id := node.ConnectionID(h.Sum64())
	d.peerToID[peerID] = id
	d.idToPeer[id] = peerID
	return id
}

func (d *Daemon) handleSignalingMessage(msg protocol.Message) {
	now := time.Now()
	switch m := msg.(type) {
	case *protocol.PeersMessage:
		for _, p := range m.Peers {
			d.initiateOffer(p.PeerID, now)
		}

	case *protocol.OfferMessage:
		remoteKey, err := decodeKey(m.PublicKey)
		if err != nil {
			d.log.Warn("offer with bad public key", "from", m.From, "err", err)
			return
		}
		ufrag, pwd, ok := splitCreds(m.SDP)
		if !ok {
			d.log.Warn("offer with malformed credentials field", "from", m.From)
			return
		}
		id := d.connectionIDFor(m.From)
		d.rememberPubKey(id, remoteKey)
		answer, err := d.n.AcceptConnection(id, node.Offer{
			SessionID: id, IceUfrag: ufrag, IcePwd: pwd, StaticPublicKey: remoteKey,
		}, remoteKey, now)
		if err != nil {
			d.log.Debug("accept_connection rejected", "from", m.From, "err", err)
			return
		}
		_ = d.sig.Send(context.Background(), &protocol.AnswerMessage{
			From: d.cfg.Signaling.PeerID, To: m.From,
			SDP:       answer.IceUfrag + ":" + answer.IcePwd,
			PublicKey: base64.StdEncoding.EncodeToString(d.n.PublicKey()[:]),
		})

	case *protocol.AnswerMessage:
		remoteKey, err := decodeKey(m.PublicKey)
		if err != nil {
			d.log.Warn("answer with bad public key", "from", m.From, "err", err)
			return
		}
		ufrag, pwd, ok := splitCreds(m.SDP)
		if !ok {
			d.log.Warn("answer with malformed credentials field", "from", m.From)
			return
		}
		id := d.connectionIDFor(m.From)
		d.rememberPubKey(id, remoteKey)
		d.n.AcceptAnswer(id, remoteKey, node.Answer{IceUfrag: ufrag, IcePwd: pwd}, now)

	case *protocol.ICECandidateMessage:
		id := d.connectionIDFor(m.From)
		if err := d.n.AddRemoteCandidate(id, m.Candidate, now); err != nil {
			d.log.Debug("ignoring remote candidate", "from", m.From, "err", err)
		}

	case *protocol.PeerLeftMessage:
		// Node has no explicit peer-removal call; the connection times out
		// on its own idle/check deadlines once the peer stops responding.

	default:
	}
}

func (d *Daemon) initiateOffer(peerID string, now time.Time) {
	if peerID == d.cfg.Signaling.PeerID {
		return
	}
	id := d.connectionIDFor(peerID)
	offer, err := d.n.NewConnection(id, now)
	if err != nil {
		if !errors.Is(err, node.ErrDuplicateConnection) {
			d.log.Warn("new_connection failed", "peer", peerID, "err", err)
		}
		return
	}
	_ = d.sig.Send(context.Background(), &protocol.OfferMessage{
		From: d.cfg.Signaling.PeerID, To: peerID,
		SDP:       offer.IceUfrag + ":" + offer.IcePwd,
		PublicKey: base64.StdEncoding.EncodeToString(d.n.PublicKey()[:]),
	})
}

func splitCreds(s string) (ufrag, pwd string, ok bool) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

func decodeKey(b64 string) (noise.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return noise.Key{}, err
	}
	var k noise.Key
	if len(raw) != len(k) {
		return noise.Key{}, fmt.Errorf("unexpected key length %d", len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

