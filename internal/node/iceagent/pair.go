package iceagent

import "time"

// PairState is a CandidatePair's position in the ICE check state machine
// (spec §3, Data Model: CandidatePair).
type PairState int

const (
	Frozen PairState = iota
	Waiting
	InProgress
	Succeeded
	Failed
)

func (s PairState) String() string {
	switch s {
	case Frozen:
		return "frozen"
	case Waiting:
		return "waiting"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// CandidatePair is an ordered (local, remote) combination eligible for
// connectivity checks and nomination.
type CandidatePair struct {
	Local, Remote Candidate
	State         PairState
	Nominated     bool

	Priority uint64

	LastCheckSent time.Time
	BindingTxID   [12]byte
	retries       int
	nextRetryAt   time.Time
}

// pairPriority implements the RFC 8445 §6.1.2.3 formula, with the
// controlling agent's priority as G and the controlled agent's as D:
//
//	priority = 2^32 * min(G,D) + 2*max(G,D) + (G>D ? 1 : 0)
func pairPriority(controllingPriority, controlledPriority uint32, weAreControlling bool) uint64 {
	g, d := uint64(controllingPriority), uint64(controlledPriority)
	if !weAreControlling {
		g, d = d, g
	}
	min, max := g, d
	if d < g {
		min, max = d, g
	}
	tie := uint64(0)
	if g > d {
		tie = 1
	}
	return (min << 32) + 2*max + tie
}

func newPair(local, remote Candidate, controlling bool) *CandidatePair {
	return &CandidatePair{
		Local:    local,
		Remote:   remote,
		State:    Frozen,
		Priority: pairPriority(local.Priority, remote.Priority, controlling),
	}
}
