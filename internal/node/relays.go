package node

import (
	"net/netip"
	"time"

	"github.com/kuuji/bamgate/internal/node/iceagent"
	"github.com/kuuji/bamgate/internal/node/relayclient"
)

// RelayDescriptor names a relay to add via UpdateRelays.
type RelayDescriptor struct {
	ID       uint64
	Control  netip.AddrPort
	Username string
	Password string
	Realm    string
}

// UpdateRelays is the sole entry point for relay set changes (spec §4.4).
// Duplicate ids across calls are idempotent: removing an id already absent,
// or adding one already present, is a no-op.
func (n *Node) UpdateRelays(toRemove []uint64, toAdd []RelayDescriptor, now time.Time) {
	for _, id := range toRemove {
		n.removeRelay(id, now)
	}
	for _, d := range toAdd {
		if _, exists := n.relays[d.ID]; exists {
			continue
		}
		r := relayclient.New(d.ID, d.Control, d.Username, d.Password, d.Realm)
		n.relays[d.ID] = r
		n.transmits = append(n.transmits, Transmit{Dst: d.Control, Payload: r.BeginAllocate()})
	}
}

func (n *Node) removeRelay(id uint64, now time.Time) {
	relay, ok := n.relays[id]
	if !ok {
		return
	}
	if relay.State == relayclient.Allocated {
		n.transmits = append(n.transmits, Transmit{Dst: relay.Control, Payload: relay.BuildRefresh(0, now)})
	}
	delete(n.relays, id)

	for _, c := range n.connections {
		removedCandidates := c.agent.RemoveLocalCandidatesFromRelay(id)
		for _, cand := range removedCandidates {
			n.queueCandidateEvent(c, EventInvalidateIceCandidate, cand)
		}
		if _, used := c.relayChannels[id]; used {
			delete(c.relayChannels, id)
			if c.state == Established {
				// The selected pair used this relay; re-enter check
				// scheduling without tearing down the crypto session, and
				// measure the 10s convergence budget from this change
				// rather than from the original acceptance (spec §4.4).
				c.state = Connecting
				c.checkDeadline = now.Add(answerCheckDeadline)
			}
		}
	}
}

// onRelayAllocated is called once a relay's Allocate handshake completes
// (spec §4.4 item 2): it creates one Relayed candidate per allocated
// address family, for every active connection, and queues NewIceCandidate.
// It also kicks off server-reflexive discovery against the relay's control
// socket (spec §4.2: "TURN servers also answer STUN Binding").
func (n *Node) onRelayAllocated(relay *relayclient.Relay) {
	n.transmits = append(n.transmits, Transmit{Dst: relay.Control, Payload: relay.BuildBindingRequest()})

	for _, c := range n.connections {
		if relay.AllocatedV4 != nil {
			cand := iceagent.NewRelayedCandidate(*relay.AllocatedV4, relay.ID)
			if c.agent.AddLocalCandidate(cand) {
				n.queueCandidateEvent(c, EventNewIceCandidate, cand)
			}
		}
		if relay.AllocatedV6 != nil {
			cand := iceagent.NewRelayedCandidate(*relay.AllocatedV6, relay.ID)
			if c.agent.AddLocalCandidate(cand) {
				n.queueCandidateEvent(c, EventNewIceCandidate, cand)
			}
		}
	}
}

func (n *Node) relayByControl(addr netip.AddrPort) (*relayclient.Relay, bool) {
	for _, r := range n.relays {
		if r.Control == addr {
			return r, true
		}
	}
	return nil, false
}
