package node

import (
	"net/netip"
	"time"

	"github.com/kuuji/bamgate/internal/node/iceagent"
	"github.com/kuuji/bamgate/internal/node/noise"
	"github.com/kuuji/bamgate/internal/node/stunmsg"
)

// Encapsulate implements spec §4.5: it returns the Transmit to send for
// ipPacket over id's selected pair, or ok=false if the connection has no
// nominated pair yet (not yet Established).
func (n *Node) Encapsulate(id ConnectionID, ipPacket []byte, now time.Time) (Transmit, bool) {
	c, ok := n.connections[id]
	if !ok || c.state != Established || c.session == nil {
		return Transmit{}, false
	}
	pair, ok := c.selectedPair()
	if !ok {
		return Transmit{}, false
	}

	counter, ciphertext, err := c.session.Encrypt(ipPacket)
	if err != nil {
		return Transmit{}, false
	}
	frame := buildDataFrame(counter, ciphertext)
	c.lastActivity = now
	return n.transmitFor(c, pair, frame), true
}

// transmitFor wraps payload for pair exactly as transmitToward does, but
// returns the Transmit instead of appending it to the poll queue, since
// Encapsulate's contract is a direct return rather than a polled entry.
func (n *Node) transmitFor(c *connection, pair *iceagent.CandidatePair, payload []byte) Transmit {
	before := len(n.transmits)
	n.transmitToward(c, pair, payload)
	if len(n.transmits) == before {
		return Transmit{}
	}
	t := n.transmits[len(n.transmits)-1]
	n.transmits = n.transmits[:before]
	return t
}

// Decapsulate implements spec §4.5: route an inbound datagram to the relay
// client, the ICE agent, or a connection's crypto session, in that order.
// Bytes matching no rule are silently dropped (never returned as an error).
func (n *Node) Decapsulate(local, from netip.AddrPort, data []byte, now time.Time) (ConnectionID, []byte, bool) {
	if relay, ok := n.relayByControl(from); ok {
		n.handleRelayMessage(relay, local, data, now)
		return 0, nil, false
	}
	if stunmsg.IsSTUN(data) {
		n.handleStunMessage(local, from, data, now)
		return 0, nil, false
	}
	return n.handleTransportReturning(local, from, data, now)
}

// handleTransport is the routeFromPeer-facing entry point: it drives the
// handshake and decrypts data frames but discards the plaintext, since that
// path (arriving indirectly via a relay, already dispatched from
// handleRelayMessage) has no direct caller waiting on a return value.
func (n *Node) handleTransport(local, peer netip.AddrPort, data []byte, now time.Time) {
	n.handleTransportReturning(local, peer, data, now)
}

func (n *Node) handleTransportReturning(local, peer netip.AddrPort, data []byte, now time.Time) (ConnectionID, []byte, bool) {
	c := n.connectionForPair(local, peer)
	if c == nil {
		n.stats.DroppedUnroutable++
		return 0, nil, false
	}

	kind, payload, ok := frameKind(data)
	if !ok {
		n.stats.DroppedUnroutable++
		return 0, nil, false
	}

	switch kind {
	case frameHandshakeInit:
		if c.isInitiator || c.handshake == nil {
			return 0, nil, false
		}
		if _, err := c.handshake.ReadMessage1(payload); err != nil {
			n.stats.MalformedSTUN++
			return 0, nil, false
		}
		resp, err := c.handshake.WriteMessage2()
		if err != nil {
			return 0, nil, false
		}
		if pair, ok := c.selectedPair(); ok {
			n.transmitToward(c, pair, buildHandshakeRespFrame(resp))
		}
		n.completeHandshake(c, now)
		return 0, nil, false

	case frameHandshakeResp:
		if !c.isInitiator || c.handshake == nil {
			return 0, nil, false
		}
		if err := c.handshake.ReadMessage2(payload); err != nil {
			n.stats.MalformedSTUN++
			return 0, nil, false
		}
		n.completeHandshake(c, now)
		return 0, nil, false

	case frameData:
		if c.session == nil {
			n.stats.DroppedUnroutable++
			return 0, nil, false
		}
		counter, ciphertext, ok := parseDataFrame(data)
		if !ok {
			n.stats.MalformedSTUN++
			return 0, nil, false
		}
		plaintext, err := c.session.Decrypt(counter, ciphertext)
		if err != nil {
			n.stats.BadMessageIntegrity++
			return 0, nil, false
		}
		c.lastActivity = now
		return c.id, plaintext, true
	}
	return 0, nil, false
}

// connectionForPair finds the connection whose nominated pair matches
// (local, peer) — the demultiplexing step of spec §4.5 item 3.
func (n *Node) connectionForPair(local, peer netip.AddrPort) *connection {
	for _, c := range n.connections {
		pair := c.agent.NominatedPair()
		if pair == nil {
			continue
		}
		if pair.Local.LocalSocket() == local && pair.Remote.Addr == peer {
			return c
		}
	}
	return nil
}

// completeHandshake derives the transport session once both handshake
// messages have been processed.
func (n *Node) completeHandshake(c *connection, now time.Time) {
	if !c.handshake.Done() {
		return
	}
	sendKey, recvKey, err := c.handshake.Split()
	if err != nil {
		return
	}
	c.session = noise.NewSession(sendKey, recvKey, now)
	c.lastActivity = now
}
