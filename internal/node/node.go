package node

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/netip"
	"time"

	"github.com/kuuji/bamgate/internal/node/iceagent"
	"github.com/kuuji/bamgate/internal/node/noise"
	"github.com/kuuji/bamgate/internal/node/relayclient"
)

// Node is the facade of spec §4.1: a single-threaded, sans-I/O state
// machine driving any number of connections for one host identity. Every
// method is synchronous; effects accumulate in internal queues drained by
// PollTransmit, PollEvent, and PollTimeout. Node holds no logger and no
// clock of its own, per spec §5 ("no global state... time is always a
// parameter").
type Node struct {
	staticPrivate noise.Key
	staticPublic  noise.Key

	connections map[ConnectionID]*connection
	byRemoteKey map[noise.Key]ConnectionID
	byLocalUfrag map[string]ConnectionID
	relays      map[uint64]*relayclient.Relay

	localHostCandidates []netip.AddrPort

	events    []Event
	transmits []Transmit

	stats Stats
}

// New constructs a Node from an existing static keypair (e.g. loaded from
// the daemon's config). Use GenerateKeypair to create a fresh one.
func New(staticPrivate, staticPublic noise.Key) *Node {
	return &Node{
		staticPrivate: staticPrivate,
		staticPublic:  staticPublic,
		connections:   make(map[ConnectionID]*connection),
		byRemoteKey:   make(map[noise.Key]ConnectionID),
		byLocalUfrag:  make(map[string]ConnectionID),
		relays:        make(map[uint64]*relayclient.Relay),
	}
}

// NewWithGeneratedKeypair constructs a Node with a freshly generated static
// X25519 keypair. This is the only construction path that can fail (spec
// §7: "only construction of the Node itself may fail synchronously (bad
// key material)") — GenerateKeypair only errors if the system RNG does.
func NewWithGeneratedKeypair() (*Node, error) {
	priv, pub, err := noise.GenerateKeypair()
	if err != nil {
		return nil, wrapf("generating node keypair", err)
	}
	return New(priv, pub), nil
}

// PublicKey returns this Node's static X25519 public key.
func (n *Node) PublicKey() noise.Key { return n.staticPublic }

// ConnectionID returns the connection id associated with a remote static
// key, if one exists. Used by the owner to route an inbound signalling
// message (keyed by peer identity) back to a connection id.
func (n *Node) ConnectionID(remoteKey noise.Key) (ConnectionID, bool) {
	id, ok := n.byRemoteKey[remoteKey]
	return id, ok
}

// IsConnectedTo reports whether id names an Established connection whose
// remote static key matches remoteKey — a debug/test helper mirroring the
// `is_connected_to` assertion the scenario tests lean on.
func (n *Node) IsConnectedTo(id ConnectionID, remoteKey noise.Key) bool {
	c, ok := n.connections[id]
	if !ok {
		return false
	}
	return c.state == Established && c.remoteStaticKey == remoteKey
}

func newUfragPwd() (ufrag, pwd string) {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	ufrag = base64.RawURLEncoding.EncodeToString(buf[:4])
	pwd = base64.RawURLEncoding.EncodeToString(buf[4:])
	return ufrag, pwd
}

func randomTiebreaker() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v
}

// NewConnection registers a Connecting connection as the controlling
// (offering) side and returns the Offer to hand to signalling. Any host
// candidates already added via AddLocalHostCandidate are attached.
func (n *Node) NewConnection(id ConnectionID, now time.Time) (Offer, error) {
	if _, exists := n.connections[id]; exists {
		return Offer{}, ErrDuplicateConnection
	}
	ufrag, pwd := newUfragPwd()
	agent := iceagent.New(iceagent.Controlling, ufrag, pwd, randomTiebreaker())
	for _, addr := range n.localHostCandidates {
		agent.AddLocalCandidate(iceagent.NewHostCandidate(addr))
	}

	c := newConnection(id, agent, now)
	c.isInitiator = true
	n.connections[id] = c
	n.byLocalUfrag[ufrag] = id

	return Offer{
		SessionID:       id,
		IceUfrag:        ufrag,
		IcePwd:          pwd,
		StaticPublicKey: n.staticPublic,
	}, nil
}

// AcceptConnection registers a Connecting connection as the controlled
// (answering) side in response to a remote Offer, and returns the Answer.
func (n *Node) AcceptConnection(id ConnectionID, offer Offer, remoteStaticKey noise.Key, now time.Time) (Answer, error) {
	if _, exists := n.connections[id]; exists {
		return Answer{}, ErrDuplicateConnection
	}
	ufrag, pwd := newUfragPwd()
	agent := iceagent.New(iceagent.Controlled, ufrag, pwd, randomTiebreaker())
	agent.SetRemoteCredentials(offer.IceUfrag, offer.IcePwd)
	for _, addr := range n.localHostCandidates {
		agent.AddLocalCandidate(iceagent.NewHostCandidate(addr))
	}

	c := newConnection(id, agent, now)
	c.remoteStaticKey = remoteStaticKey
	c.handshake = noise.NewResponder(n.staticPrivate, n.staticPublic)
	n.connections[id] = c
	n.byRemoteKey[remoteStaticKey] = id
	n.byLocalUfrag[ufrag] = id

	// The controlled side's own signalling input (the offer) is the thing
	// that gates candidate emission, so it is already satisfied, and it is
	// also this side's equivalent of the controlling side's accept_answer
	// for the purposes of the 10s check-convergence deadline (spec §4.2).
	c.answerAcceptedAt = now
	c.checkDeadline = now.Add(answerCheckDeadline)
	n.releaseGatedCandidates(c)

	return Answer{
		SessionID:       id,
		IceUfrag:        ufrag,
		IcePwd:          pwd,
		StaticPublicKey: n.staticPublic,
	}, nil
}

// AcceptAnswer consumes the remote peer's Answer to a connection this Node
// offered. Idempotent over duplicate answers; silently ignores answers for
// connections that no longer exist or have already failed or closed (e.g.
// timed out), per spec §4.1.
func (n *Node) AcceptAnswer(id ConnectionID, remoteStaticKey noise.Key, answer Answer, now time.Time) {
	c, ok := n.connections[id]
	if !ok || c.terminalEmitted {
		return
	}
	if !c.answerAcceptedAt.IsZero() {
		return // idempotent: already accepted
	}
	c.remoteStaticKey = remoteStaticKey
	c.handshake = noise.NewInitiator(n.staticPrivate, n.staticPublic, remoteStaticKey)
	c.agent.SetRemoteCredentials(answer.IceUfrag, answer.IcePwd)
	n.byRemoteKey[remoteStaticKey] = id

	c.answerAcceptedAt = now
	c.checkDeadline = now.Add(answerCheckDeadline)
	n.releaseGatedCandidates(c)
}

// releaseGatedCandidates drains a connection's held-back candidate events
// (spec §4.2's gating rule) into the Node's event queue.
func (n *Node) releaseGatedCandidates(c *connection) {
	for _, sdp := range c.ungateCandidates() {
		n.events = append(n.events, Event{Kind: EventNewIceCandidate, Connection: c.id, Candidate: sdp})
	}
}

// AddLocalHostCandidate registers a host candidate usable by every
// connection, present and future. Rejects unspecified, loopback, and
// multicast addresses per spec §4.1 (loopback is permitted only through
// test-only construction paths that bypass this validation entirely).
func (n *Node) AddLocalHostCandidate(addr netip.AddrPort) error {
	a := addr.Addr()
	if !a.IsValid() || a.IsUnspecified() || a.IsLoopback() || a.IsMulticast() {
		return ErrInvalidAddress
	}
	n.localHostCandidates = append(n.localHostCandidates, addr)
	for _, c := range n.connections {
		cand := iceagent.NewHostCandidate(addr)
		if c.agent.AddLocalCandidate(cand) {
			n.queueCandidateEvent(c, EventNewIceCandidate, cand)
		}
	}
	return nil
}

func (n *Node) queueCandidateEvent(c *connection, kind EventKind, cand iceagent.Candidate) {
	sdp := cand.SDP()
	if c.candidatesGated {
		if kind == EventNewIceCandidate {
			c.pendingCandidate = append(c.pendingCandidate, sdp)
		}
		// Invalidation of a candidate that was never released is a no-op.
		return
	}
	n.events = append(n.events, Event{Kind: kind, Connection: c.id, Candidate: sdp})
}

// AddRemoteCandidate parses sdpCandidate and registers it against id's ICE
// agent. Returns ErrUnknownConnection / ErrInvalidCandidate as appropriate.
func (n *Node) AddRemoteCandidate(id ConnectionID, sdpCandidate string, now time.Time) error {
	c, ok := n.connections[id]
	if !ok {
		return ErrUnknownConnection
	}
	cand, err := iceagent.ParseCandidateSDP(sdpCandidate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	c.agent.AddRemoteCandidate(cand)
	return nil
}

// RemoveRemoteCandidate parses sdpCandidate and removes it (and any pairs
// referencing it) from id's ICE agent.
func (n *Node) RemoveRemoteCandidate(id ConnectionID, sdpCandidate string) error {
	c, ok := n.connections[id]
	if !ok {
		return ErrUnknownConnection
	}
	cand, err := iceagent.ParseCandidateSDP(sdpCandidate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	c.agent.RemoveRemoteCandidate(cand)
	return nil
}

// Stats returns the running counts of silently-dropped protocol errors
// (spec §7: malformed STUN, bad HMAC, unknown channel — never surfaced as
// Go errors).
func (n *Node) Stats() Stats { return n.stats }
