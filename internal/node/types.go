// Package node implements the sans-I/O connection engine: candidate
// gathering bookkeeping, pairing, nomination, relay allocation lifecycle,
// and encrypted transport for a set of peer-to-peer connections. It never
// opens a socket or reads a clock — every input that depends on time takes
// an explicit `now time.Time`, and every effect (datagrams to send, events
// to report, the next wakeup deadline) accumulates in a queue drained by
// PollTransmit/PollEvent/PollTimeout.
//
// Node is the connection backend that cmd/bamgate-noded runs, wired to real
// sockets by internal/node/daemon.
package node

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/kuuji/bamgate/internal/node/noise"
)

// ConnectionID is an opaque, caller-assigned identifier for one connection.
type ConnectionID uint64

// ConnState is a connection's position in its lifecycle (spec Data Model).
type ConnState int

const (
	Connecting ConnState = iota
	Established
	Closed
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Offer is the signalling payload a Connecting connection hands to its
// owner for delivery to the remote peer. Answer has the same shape.
type Offer struct {
	SessionID       ConnectionID
	IceUfrag        string
	IcePwd          string
	StaticPublicKey noise.Key
}

// Answer is the signalling payload the accepting side returns.
type Answer = Offer

// EventKind distinguishes the variants of Event.
type EventKind int

const (
	EventNewIceCandidate EventKind = iota
	EventInvalidateIceCandidate
	EventConnectionEstablished
	EventConnectionFailed
	EventConnectionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventNewIceCandidate:
		return "new-ice-candidate"
	case EventInvalidateIceCandidate:
		return "invalidate-ice-candidate"
	case EventConnectionEstablished:
		return "connection-established"
	case EventConnectionFailed:
		return "connection-failed"
	case EventConnectionClosed:
		return "connection-closed"
	default:
		return "unknown"
	}
}

// Event is one item from PollEvent. Candidate is populated (in the wire SDP
// form) for the two candidate-related kinds only.
type Event struct {
	Kind       EventKind
	Connection ConnectionID
	Candidate  string
}

// Transmit is an outbound datagram for the owner to send; Dst is always set.
// Src is the local socket to send from for a direct pair (the host
// candidate's socket, or a server-reflexive candidate's base). It is nil for
// traffic addressed to a relay's control socket: such a Transmit does not
// name which local socket faces the relay.
type Transmit struct {
	Src     *netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// Input-error sentinels (spec §7: caller-bug errors, surfaced synchronously).
var (
	ErrUnknownConnection   = errors.New("node: unknown connection id")
	ErrDuplicateConnection = errors.New("node: duplicate connection id")
	ErrInvalidAddress      = errors.New("node: invalid local address")
	ErrInvalidCandidate    = errors.New("node: invalid candidate")
)

// Stats counts protocol-level misbehavior that spec §7 says must be
// silently dropped rather than surfaced as Go errors, so operators still
// have visibility into it.
type Stats struct {
	MalformedSTUN      uint64
	BadMessageIntegrity uint64
	UnknownChannel     uint64
	DroppedUnroutable  uint64
}

func wrapf(context string, err error) error {
	return fmt.Errorf("node: %s: %w", context, err)
}
