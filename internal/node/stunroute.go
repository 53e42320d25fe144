package node

import (
	"crypto/rand"
	"net/netip"
	"strings"
	"time"

	"github.com/kuuji/bamgate/internal/node/iceagent"
	"github.com/kuuji/bamgate/internal/node/relayclient"
	"github.com/kuuji/bamgate/internal/node/stunmsg"
)

func randomTxID() (id [12]byte) {
	_, _ = rand.Read(id[:])
	return id
}

// sendCheck builds and queues a Binding request for pair, addressed per
// RFC 8445's short-term credential rule: USERNAME is "<theirUfrag>:<ourUfrag>"
// and MESSAGE-INTEGRITY is keyed with the recipient's published password
// (from our side, that is the remote pwd we learned from signalling).
func (n *Node) sendCheck(c *connection, pair *iceagent.CandidatePair, now time.Time) {
	remoteUfrag, remotePwd := c.agent.RemoteCredentials()
	localUfrag, _ := c.agent.LocalCredentials()
	pair.BindingTxID = randomTxID()
	req := stunmsg.NewBuilder(stunmsg.MethodBinding, stunmsg.ClassRequest, pair.BindingTxID).
		AddUsername(remoteUfrag + ":" + localUfrag).
		Build([]byte(remotePwd))
	n.transmitToward(c, pair, req)
}

// transmitToward wraps payload for delivery to pair.Remote, going through
// the bound relay channel if pair.Local is Relayed and the binding is
// ready, through a Send indication followed by a ChannelBind request if no
// binding exists yet, not at all while a binding is pending, or directly
// otherwise.
func (n *Node) transmitToward(c *connection, pair *iceagent.CandidatePair, payload []byte) {
	if pair.Local.Kind != iceagent.Relayed {
		local := pair.Local.LocalSocket()
		n.transmits = append(n.transmits, Transmit{Src: &local, Dst: pair.Remote.Addr, Payload: payload})
		return
	}

	relay, ok := n.relays[pair.Local.SourceRelay]
	if !ok {
		return
	}
	if number, ok := relay.ChannelFor(pair.Remote.Addr); ok {
		n.transmits = append(n.transmits, Transmit{Dst: relay.Control, Payload: stunmsg.BuildChannelData(number, payload)})
		return
	}
	if relay.HasPendingBinding(pair.Remote.Addr) {
		return // never emit a Send indication while a channel binding is pending (spec §4.4)
	}
	n.transmits = append(n.transmits, Transmit{Dst: relay.Control, Payload: relay.BuildSendIndication(pair.Remote.Addr, payload)})
	_, req := relay.BindChannel(pair.Remote.Addr, time.Time{})
	if req != nil {
		n.transmits = append(n.transmits, Transmit{Dst: relay.Control, Payload: req})
	}
}

// handleStunMessage processes a direct (non-relayed) STUN message received
// on local from peer.
func (n *Node) handleStunMessage(local, peer netip.AddrPort, data []byte, now time.Time) {
	msg, err := stunmsg.Parse(data)
	if err != nil {
		n.stats.MalformedSTUN++
		return
	}
	switch msg.Class {
	case stunmsg.ClassRequest:
		n.handleBindingRequest(local, peer, &msg, data, now)
	case stunmsg.ClassSuccessResponse:
		n.handleBindingSuccess(&msg, peer, now)
	case stunmsg.ClassErrorResponse:
		n.handleBindingError(&msg, now)
	}
}

// handleBindingRequest answers an incoming connectivity check and marks the
// corresponding pair Succeeded at once (TriggeredCheck first promotes it if
// it was Frozen); no Binding request of its own is sent in response.
func (n *Node) handleBindingRequest(local, peer netip.AddrPort, msg *stunmsg.Message, raw []byte, now time.Time) {
	username := msg.GetUsername()
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		n.stats.MalformedSTUN++
		return
	}
	connID, ok := n.byLocalUfrag[parts[0]]
	if !ok {
		return
	}
	c := n.connections[connID]
	if err := stunmsg.CheckIntegrity(raw, []byte(localPwdFor(c))); err != nil {
		n.stats.BadMessageIntegrity++
		return
	}

	localCand := iceagent.NewHostCandidate(local)
	remoteCand, found := findRemoteCandidate(c, peer)
	if !found {
		remoteCand = iceagent.Candidate{Addr: peer}
		c.agent.AddRemoteCandidate(remoteCand)
	}
	if pair := c.agent.TriggeredCheck(localCand, remoteCand); pair != nil {
		pair.State = iceagent.Succeeded
	}

	resp := stunmsg.NewResponse(msg, stunmsg.ClassSuccessResponse).
		AddXORAddress(stunmsg.AttrXORMappedAddress, stunmsg.XORAddress{IP: netIPFromAddr(peer.Addr()), Port: int(peer.Port())}).
		Build([]byte(localPwdFor(c)))
	n.transmits = append(n.transmits, Transmit{Src: &local, Dst: peer, Payload: resp})
}

func (n *Node) handleBindingSuccess(msg *stunmsg.Message, peer netip.AddrPort, now time.Time) {
	for _, c := range n.connections {
		for _, p := range c.agent.Pairs() {
			if p.State != iceagent.InProgress || p.BindingTxID != msg.TransactionID {
				continue
			}
			p.State = iceagent.Succeeded
			n.maybeNominate(c, now)
			return
		}
	}
}

func (n *Node) handleBindingError(msg *stunmsg.Message, now time.Time) {
	code, _, ok := msg.GetErrorCode()
	if !ok || code != 487 {
		return
	}
	// Role conflict: spec §4.2 leaves determinism of the retry unspecified
	// beyond "loser switches role and re-evaluates nomination"; we rely on
	// the next scheduled check to retry under the corrected role.
}

// maybeNominate nominates the best Succeeded pair if this connection is
// controlling and has none nominated yet.
func (n *Node) maybeNominate(c *connection, now time.Time) {
	if c.agent.Role() != iceagent.Controlling {
		return
	}
	best := c.agent.BestSucceededPair()
	if best == nil {
		return
	}
	if c.agent.Nominate(best) {
		n.onNominated(c, now)
	}
}

// handleRelayMessage processes a datagram received from one of our relays'
// control sockets: either a STUN response/error for this relay's own
// allocate/refresh/channel-bind flow, or channel-data to demultiplex to a peer.
func (n *Node) handleRelayMessage(relay *relayclient.Relay, local netip.AddrPort, data []byte, now time.Time) {
	if stunmsg.IsChannelData(data) {
		cd, err := stunmsg.ParseChannelData(data)
		if err != nil {
			n.stats.MalformedSTUN++
			return
		}
		peer, ok := relay.PeerForChannel(cd.ChannelNumber)
		if !ok {
			n.stats.UnknownChannel++
			return
		}
		n.routeFromPeer(relay, local, peer, cd.Data, now)
		return
	}
	if !stunmsg.IsSTUN(data) {
		n.stats.DroppedUnroutable++
		return
	}
	msg, err := stunmsg.Parse(data)
	if err != nil {
		n.stats.MalformedSTUN++
		return
	}

	switch msg.Method {
	case stunmsg.MethodAllocate:
		if retry, err := relay.HandleAllocateResponse(&msg, now); err == nil {
			if retry != nil {
				n.transmits = append(n.transmits, Transmit{Dst: relay.Control, Payload: retry})
			} else if relay.State == relayclient.Allocated {
				n.onRelayAllocated(relay)
			}
		}
	case stunmsg.MethodRefresh:
		_ = relay.HandleRefreshResponse(&msg, now)
	case stunmsg.MethodChannelBind:
		// ChannelBind responses aren't addressed to a peer directly; match
		// the pending binding by transaction id against every pair using
		// this relay, since relayclient doesn't track txid->peer itself.
		n.resolvePendingChannelBind(relay, &msg, now)
	case stunmsg.MethodData:
		// The server forwards unbound traffic back to us as a Data
		// indication (RFC 8656 §10.4); Send indications only ever flow the
		// other way (client to server), but some relays echo Send back
		// unmodified, so both are accepted here.
		fallthrough
	case stunmsg.MethodSend:
		if peer, ok := msg.GetXORPeerAddress(); ok {
			if ap, ok := addrPortFromXORLocal(peer); ok {
				n.routeFromPeer(relay, local, ap, msg.GetData(), now)
			}
		}
	case stunmsg.MethodBinding:
		if ap, ok := relay.HandleBindingResponse(&msg); ok {
			n.onServerReflexiveDiscovered(relay, ap)
		}
	default:
		n.stats.DroppedUnroutable++
	}
}

// onServerReflexiveDiscovered creates a ServerReflexive candidate for
// every active connection once a relay reports our address back to us.
func (n *Node) onServerReflexiveDiscovered(relay *relayclient.Relay, addr netip.AddrPort) {
	base := n.primaryLocalSocket()
	if !base.IsValid() {
		return // no local socket to attribute the mapping to yet
	}
	for _, c := range n.connections {
		cand := iceagent.NewServerReflexiveCandidate(addr, base, relay.ID)
		if c.agent.AddLocalCandidate(cand) {
			n.queueCandidateEvent(c, EventNewIceCandidate, cand)
		}
	}
}

// primaryLocalSocket returns the local host socket used to reach relays, per
// the single-interface subset the Node targets (spec §4.2's "ICE lite"
// subset): the first host candidate registered via AddLocalHostCandidate.
func (n *Node) primaryLocalSocket() netip.AddrPort {
	if len(n.localHostCandidates) == 0 {
		return netip.AddrPort{}
	}
	return n.localHostCandidates[0]
}

// resolvePendingChannelBind is a best-effort match: it confirms the first
// still-pending binding on relay, since the Node issues at most one
// channel-bind per (relay, peer) at a time and transaction ids aren't
// threaded back through relayclient.ChannelBinding.
func (n *Node) resolvePendingChannelBind(relay *relayclient.Relay, msg *stunmsg.Message, now time.Time) {
	success := msg.Class == stunmsg.ClassSuccessResponse
	for peer, b := range relay.Channels() {
		if b.Pending {
			relay.HandleChannelBindResponse(peer, success, now)
			return
		}
	}
}

// routeFromPeer handles a payload that arrived from peer via relay (or,
// callers outside this file, directly): STUN bytes go back into the STUN
// router tagged with the relay's allocated address as the "local" socket;
// everything else is transport ciphertext for handleTransport.
func (n *Node) routeFromPeer(relay *relayclient.Relay, local, peer netip.AddrPort, payload []byte, now time.Time) {
	relayLocal := local
	if relay.AllocatedV4 != nil && peer.Addr().Is4() {
		relayLocal = *relay.AllocatedV4
	} else if relay.AllocatedV6 != nil {
		relayLocal = *relay.AllocatedV6
	}
	if stunmsg.IsSTUN(payload) {
		n.handleStunMessage(relayLocal, peer, payload, now)
		return
	}
	n.handleTransport(relayLocal, peer, payload, now)
}

func findRemoteCandidate(c *connection, addr netip.AddrPort) (iceagent.Candidate, bool) {
	for _, cand := range c.agent.RemoteCandidates() {
		if cand.Addr == addr {
			return cand, true
		}
	}
	return iceagent.Candidate{}, false
}

func localPwdFor(c *connection) string {
	_, pwd := c.agent.LocalCredentials()
	return pwd
}
