// Package iceagent implements the subset of interactive connectivity
// establishment (ICE, RFC 8445) the Node needs: candidate and pair tables,
// connectivity-check scheduling, nomination, and role-conflict resolution.
// It is sans-I/O like the rest of the engine: it never touches a socket or
// a clock directly, only producing STUN bytes to send (via internal/node's
// stunmsg codec) and consuming STUN bytes received.
package iceagent

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Kind identifies the origin of a Candidate, per spec §3.
type Kind int

const (
	Host Kind = iota
	ServerReflexive
	Relayed
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case Relayed:
		return "relay"
	default:
		return "unknown"
	}
}

// Type preferences from RFC 8445 §5.1.2.1, table 1 (peer-reflexive omitted:
// the Node never originates peer-reflexive candidates of its own).
const (
	typePreferenceHost    = 126
	typePreferenceSrflx   = 100
	typePreferenceRelayed = 0

	componentID     = 1
	localPreference = 65535
)

// Candidate is a potential transport address for one end of a connection.
type Candidate struct {
	Kind        Kind
	Addr        netip.AddrPort
	Base        netip.AddrPort // underlying local socket; valid iff Kind == ServerReflexive
	Foundation  string
	Priority    uint32
	Component   int
	SourceRelay uint64 // valid iff HasRelay (Relayed, or ServerReflexive learned through a relay)
	HasRelay    bool
}

// LocalSocket returns the address a Transmit should actually bind/send from
// when this Candidate is used as a pair's local side. For a host or relayed
// candidate that is Addr itself; for a server-reflexive candidate — whose
// Addr is the NAT's external mapping, not anything locally bindable — it is
// the underlying host socket the mapping was observed on.
func (c Candidate) LocalSocket() netip.AddrPort {
	if c.Kind == ServerReflexive && c.Base.IsValid() {
		return c.Base
	}
	return c.Addr
}

// NewHostCandidate builds a host candidate with a priority and foundation
// derived from its address, per the canonical ICE formula.
func NewHostCandidate(addr netip.AddrPort) Candidate {
	c := Candidate{Kind: Host, Addr: addr, Component: componentID}
	c.Foundation = foundation(Host, addr.Addr())
	c.Priority = priority(typePreferenceHost, localPreference, componentID)
	return c
}

// NewServerReflexiveCandidate builds a srflx candidate discovered via a
// Binding request/response exchange against relay relayID's control socket.
// base is the local host socket the mapping was observed on.
func NewServerReflexiveCandidate(addr, base netip.AddrPort, relayID uint64) Candidate {
	c := Candidate{Kind: ServerReflexive, Addr: addr, Base: base, Component: componentID, SourceRelay: relayID, HasRelay: true}
	c.Foundation = foundation(ServerReflexive, addr.Addr())
	c.Priority = priority(typePreferenceSrflx, localPreference, componentID)
	return c
}

// NewRelayedCandidate builds a relayed candidate for an allocation relay
// reported as live on relayID.
func NewRelayedCandidate(addr netip.AddrPort, relayID uint64) Candidate {
	c := Candidate{Kind: Relayed, Addr: addr, Component: componentID, SourceRelay: relayID, HasRelay: true}
	c.Foundation = foundation(Relayed, addr.Addr())
	c.Priority = priority(typePreferenceRelayed, localPreference, componentID)
	return c
}

// priority implements the RFC 8445 §5.1.2.1 formula:
//
//	priority = (2^24)*type_pref + (2^8)*local_pref + (2^0)*(256 - component_id)
func priority(typePref, localPref, component int) uint32 {
	return uint32(typePref)<<24 | uint32(localPref&0xFFFF)<<8 | uint32(256-component)
}

// foundation groups candidates that were obtained the same way from the
// same base, so pair unfreezing can treat them as one group. We key it off
// kind and address family, which is sufficient for the single-interface
// case the Node targets (§4.2 "ICE lite" subset).
func foundation(k Kind, addr netip.Addr) string {
	family := "4"
	if addr.Is6() {
		family = "6"
	}
	return fmt.Sprintf("%s%s", k.String(), family)
}

// SDP renders the candidate in the wire form described in spec §6:
//
//	candidate:<foundation> 1 udp <priority> <addr> <port> typ host|srflx|relay
func (c Candidate) SDP() string {
	return fmt.Sprintf("candidate:%s %d udp %d %s %d typ %s",
		c.Foundation, c.Component, c.Priority, c.Addr.Addr().String(), c.Addr.Port(), c.Kind)
}

// ParseCandidateSDP parses the wire form produced by SDP back into a Candidate.
func ParseCandidateSDP(line string) (Candidate, error) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "a=")
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return Candidate{}, fmt.Errorf("iceagent: malformed candidate line %q", line)
	}
	if !strings.HasPrefix(fields[0], "candidate:") {
		return Candidate{}, fmt.Errorf("iceagent: missing candidate: prefix in %q", line)
	}
	foundationVal := strings.TrimPrefix(fields[0], "candidate:")
	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, fmt.Errorf("iceagent: parsing component: %w", err)
	}
	if !strings.EqualFold(fields[2], "udp") {
		return Candidate{}, fmt.Errorf("iceagent: unsupported transport %q", fields[2])
	}
	prio, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("iceagent: parsing priority: %w", err)
	}
	ip, err := netip.ParseAddr(fields[4])
	if err != nil {
		return Candidate{}, fmt.Errorf("iceagent: parsing address: %w", err)
	}
	port, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return Candidate{}, fmt.Errorf("iceagent: parsing port: %w", err)
	}
	if fields[6] != "typ" {
		return Candidate{}, fmt.Errorf("iceagent: expected \"typ\", got %q", fields[6])
	}

	var kind Kind
	switch fields[7] {
	case "host":
		kind = Host
	case "srflx":
		kind = ServerReflexive
	case "relay":
		kind = Relayed
	default:
		return Candidate{}, fmt.Errorf("iceagent: unknown candidate type %q", fields[7])
	}

	return Candidate{
		Kind:       kind,
		Addr:       netip.AddrPortFrom(ip, uint16(port)),
		Foundation: foundationVal,
		Priority:   uint32(prio),
		Component:  component,
	}, nil
}
