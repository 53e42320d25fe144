package node

import (
	"net/netip"
	"time"

	"github.com/kuuji/bamgate/internal/node/iceagent"
	"github.com/kuuji/bamgate/internal/node/noise"
)

// Timeout budgets from spec §4.2.
const (
	answerCheckDeadline = 10 * time.Second
	offerOnlyDeadline   = 20 * time.Second
	idleCloseDeadline   = 5 * time.Minute
)

// connection is the Node's record for one ConnectionID: its ICE agent, its
// Noise handshake/session, channel bindings on each relay it uses, and the
// bookkeeping needed for the lifecycle deadlines in spec §4.2.
type connection struct {
	id      ConnectionID
	agent   *iceagent.Agent
	state   ConnState

	remoteStaticKey noise.Key
	isInitiator     bool // true for connections created via NewConnection (we offered)
	handshake       *noise.Handshake
	session         *noise.Session
	handshakeSent   bool

	createdAt    time.Time
	lastActivity time.Time

	// answerAcceptedAt is zero until accept_answer (controlling side) or
	// accept_connection (controlled side) completes; the 10s check-deadline
	// is first measured from it (a relay migration later restarts
	// checkDeadline from the relay change instead).
	answerAcceptedAt time.Time
	// checkDeadline is recomputed whenever answerAcceptedAt changes, so a
	// relay migration (spec §4.4) can reset it without re-deriving the
	// original acceptance instant.
	checkDeadline time.Time

	// candidatesGated holds NewIceCandidate events until the peer's
	// offer/answer has been consumed (spec §4.2 "Event emission ordering").
	candidatesGated  bool
	pendingCandidate []string

	// relayChannels maps relay id -> the peer socket a channel is bound to
	// on that relay for this connection's active pair, so UpdateRelays can
	// find and tear down bindings by relay id alone (spec §9 "no cyclic
	// object graphs... relays referenced by integer id").
	relayChannels map[uint64]netip.AddrPort

	establishedEmitted bool
	terminalEmitted    bool // Failed or Closed already emitted; mutually exclusive per spec §8 invariant 2
}

func newConnection(id ConnectionID, agent *iceagent.Agent, now time.Time) *connection {
	return &connection{
		id:              id,
		agent:           agent,
		state:           Connecting,
		createdAt:       now,
		lastActivity:    now,
		candidatesGated: true,
		relayChannels:   make(map[uint64]netip.AddrPort),
	}
}

// ungateCandidates releases any NewIceCandidate events queued before
// signalling completed, and stops gating future ones.
func (c *connection) ungateCandidates() []string {
	c.candidatesGated = false
	released := c.pendingCandidate
	c.pendingCandidate = nil
	return released
}

// selectedPair returns the connection's nominated pair, or ok=false if none
// has been nominated yet.
func (c *connection) selectedPair() (pair *iceagent.CandidatePair, ok bool) {
	p := c.agent.NominatedPair()
	if p == nil {
		return nil, false
	}
	return p, true
}
