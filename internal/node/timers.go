package node

import (
	"time"

	"github.com/kuuji/bamgate/internal/node/iceagent"
	"github.com/kuuji/bamgate/internal/node/relayclient"
)

// HandleTimeout drives every time-dependent piece of state: connection
// lifecycle deadlines, ICE check scheduling and retransmits, and relay
// refresh/rebind schedules. It is idempotent for a repeated `now` (spec §8
// invariant 5): every comparison below is `now >= deadline`, so calling it
// twice with the same instant advances nothing the second time, since the
// transitions it triggers are all one-shot (state changes, not counters).
func (n *Node) HandleTimeout(now time.Time) {
	for _, c := range n.connections {
		n.handleConnectionTimeout(c, now)
	}
	for _, relay := range n.relays {
		n.handleRelayTimeout(relay, now)
	}
}

func (n *Node) handleConnectionTimeout(c *connection, now time.Time) {
	if c.terminalEmitted {
		return
	}

	switch {
	case c.state == Connecting && c.answerAcceptedAt.IsZero():
		if now.Sub(c.createdAt) >= offerOnlyDeadline {
			n.failConnection(c, now)
			return
		}
	case c.state == Connecting:
		if c.agent.NominatedPair() == nil && !c.agent.AnyPairActive() && !now.Before(c.checkDeadline) {
			n.failConnection(c, now)
			return
		}
	case c.state == Established:
		if now.Sub(c.lastActivity) >= idleCloseDeadline {
			n.closeConnection(c, now)
			return
		}
	}

	n.driveChecks(c, now)
}

// driveChecks retransmits/expires in-flight connectivity checks and starts
// the next scheduled one, per spec §4.2.
func (n *Node) driveChecks(c *connection, now time.Time) {
	retransmit, failed := c.agent.AdvanceRetries(now)
	for _, pair := range retransmit {
		n.sendCheck(c, pair, now)
	}
	_ = failed // pair exhaustion feeds the deadline check above via AnyPairActive; nothing else to emit per pair

	if next := c.agent.NextCheck(now); next != nil {
		n.sendCheck(c, next, now)
	}
}

// onNominated transitions a connection to Established on first nomination
// and, for the initiator, sends the first handshake message piggy-backed
// on the nomination (spec §4.3: "initiator sends the first handshake
// message...after nomination").
func (n *Node) onNominated(c *connection, now time.Time) {
	if c.state != Established {
		c.state = Established
	}
	if pair := c.agent.NominatedPair(); pair != nil {
		for id := range c.relayChannels {
			delete(c.relayChannels, id)
		}
		if pair.Local.Kind == iceagent.Relayed {
			c.relayChannels[pair.Local.SourceRelay] = pair.Remote.Addr
		}
	}
	if !c.establishedEmitted {
		c.establishedEmitted = true
		n.events = append(n.events, Event{Kind: EventConnectionEstablished, Connection: c.id})
	}
	if c.isInitiator && !c.handshakeSent && c.handshake != nil {
		pair := c.agent.NominatedPair()
		if pair == nil {
			return
		}
		msg, err := c.handshake.WriteMessage1()
		if err != nil {
			return
		}
		c.handshakeSent = true
		n.transmitToward(c, pair, buildHandshakeInitFrame(msg))
	}
}

func (n *Node) failConnection(c *connection, now time.Time) {
	if c.terminalEmitted {
		return
	}
	c.state = Failed
	c.terminalEmitted = true
	n.events = append(n.events, Event{Kind: EventConnectionFailed, Connection: c.id})
}

func (n *Node) closeConnection(c *connection, now time.Time) {
	if c.terminalEmitted {
		return
	}
	c.state = Closed
	c.terminalEmitted = true
	n.events = append(n.events, Event{Kind: EventConnectionClosed, Connection: c.id})
}

func (n *Node) handleRelayTimeout(relay *relayclient.Relay, now time.Time) {
	if relay.NeedsRefresh(now) {
		n.transmits = append(n.transmits, Transmit{Dst: relay.Control, Payload: relay.BuildRefresh(relayclient.DefaultLifetime, now)})
	}
	for peer := range relay.Channels() {
		if relay.NeedsRebind(peer, now) {
			if req := relay.Rebind(peer, now); req != nil {
				n.transmits = append(n.transmits, Transmit{Dst: relay.Control, Payload: req})
			}
		}
	}
}

// PollEvent dequeues the next Event, or ok=false if none is pending.
func (n *Node) PollEvent() (Event, bool) {
	if len(n.events) == 0 {
		return Event{}, false
	}
	e := n.events[0]
	n.events = n.events[1:]
	return e, true
}

// PollTransmit dequeues the next Transmit, or ok=false if none is pending.
func (n *Node) PollTransmit() (Transmit, bool) {
	if len(n.transmits) == 0 {
		return Transmit{}, false
	}
	t := n.transmits[0]
	n.transmits = n.transmits[1:]
	return t, true
}

// PollTimeout returns the earliest instant the owner should next call
// HandleTimeout, or ok=false if nothing is currently scheduled.
func (n *Node) PollTimeout() (time.Time, bool) {
	var soonest time.Time
	found := false
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if !found || t.Before(soonest) {
			soonest, found = t, true
		}
	}

	for _, c := range n.connections {
		if c.terminalEmitted {
			continue
		}
		switch c.state {
		case Connecting:
			if c.answerAcceptedAt.IsZero() {
				consider(c.createdAt.Add(offerOnlyDeadline))
			} else {
				consider(c.checkDeadline)
			}
		case Established:
			consider(c.lastActivity.Add(idleCloseDeadline))
		}
		for _, p := range c.agent.Pairs() {
			if p.State == iceagent.InProgress {
				consider(p.LastCheckSent) // a conservative lower bound; AdvanceRetries re-derives the exact RTO internally
			}
		}
	}
	for _, relay := range n.relays {
		consider(relay.RefreshAt)
		for _, b := range relay.Channels() {
			if !b.Pending {
				consider(b.ExpiresAt.Add(-relayclient.ChannelBindingTTL + relayclient.ChannelRebindAt))
			}
		}
	}

	return soonest, found
}
