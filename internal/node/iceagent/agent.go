package iceagent

import (
	"sort"
	"time"
)

// Role is which side of the ICE exchange this agent plays. The Node's
// "Client" role is Controlling; "Server" is Controlled (spec §4.1).
type Role int

const (
	Controlling Role = iota
	Controlled
)

// Ta is the default pacing interval between connectivity checks (spec §4.2).
const Ta = 50 * time.Millisecond

// checkRTO and maxRetries implement the RFC 5389 §7.2.1 retransmit schedule
// referenced in spec §4.2 (RC=7), simplified to a doubling backoff from a
// 500ms base rather than tracking a measured RTT estimate.
const (
	checkRTO   = 500 * time.Millisecond
	maxRetries = 7
)

// Agent runs ICE candidate gathering bookkeeping, pair formation, and
// connectivity-check scheduling for a single connection. It holds no clock
// or socket: every method that needs "now" takes it as a parameter, and
// every check the agent wants sent is returned to the caller to transmit.
type Agent struct {
	role        Role
	tiebreaker  uint64
	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string

	localCandidates  []Candidate
	remoteCandidates []Candidate
	pairs            []*CandidatePair
	nominated        *CandidatePair
	lastCheckAt      time.Time
}

// New creates an Agent for one connection.
func New(role Role, localUfrag, localPwd string, tiebreaker uint64) *Agent {
	return &Agent{role: role, localUfrag: localUfrag, localPwd: localPwd, tiebreaker: tiebreaker}
}

func (a *Agent) Role() Role                { return a.role }
func (a *Agent) Tiebreaker() uint64        { return a.tiebreaker }
func (a *Agent) LocalCredentials() (u, p string) { return a.localUfrag, a.localPwd }
func (a *Agent) RemoteCredentials() (u, p string) { return a.remoteUfrag, a.remotePwd }

// SetRemoteCredentials records the ufrag/pwd learned from the remote offer
// or answer. Connectivity checks before this is called are impossible, since
// short-term credentials can't be derived yet.
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) {
	a.remoteUfrag, a.remotePwd = ufrag, pwd
}

func (a *Agent) LocalCandidates() []Candidate  { return a.localCandidates }
func (a *Agent) RemoteCandidates() []Candidate { return a.remoteCandidates }

// AddLocalCandidate registers a local candidate and recomputes the pair
// table. Returns false if an equivalent candidate (same addr and kind) is
// already present.
func (a *Agent) AddLocalCandidate(c Candidate) bool {
	for _, existing := range a.localCandidates {
		if existing.Addr == c.Addr && existing.Kind == c.Kind {
			return false
		}
	}
	a.localCandidates = append(a.localCandidates, c)
	a.recomputePairs()
	return true
}

// RemoveLocalCandidatesFromRelay drops every local candidate sourced from
// relayID (used when a relay is removed, spec §4.4) and cascades pair
// removal. Returns the removed candidates so the Node can emit
// InvalidateIceCandidate for each.
func (a *Agent) RemoveLocalCandidatesFromRelay(relayID uint64) []Candidate {
	var removed []Candidate
	kept := a.localCandidates[:0]
	for _, c := range a.localCandidates {
		if c.HasRelay && c.SourceRelay == relayID {
			removed = append(removed, c)
			continue
		}
		kept = append(kept, c)
	}
	a.localCandidates = kept
	if len(removed) > 0 {
		a.recomputePairs()
	}
	return removed
}

// AddRemoteCandidate registers a remote candidate and recomputes the pair
// table. Returns false if it is already present.
func (a *Agent) AddRemoteCandidate(c Candidate) bool {
	for _, existing := range a.remoteCandidates {
		if existing.Addr == c.Addr {
			return false
		}
	}
	a.remoteCandidates = append(a.remoteCandidates, c)
	a.recomputePairs()
	return true
}

// RemoveRemoteCandidate drops a remote candidate and cascades pair removal.
func (a *Agent) RemoveRemoteCandidate(c Candidate) {
	kept := a.remoteCandidates[:0]
	for _, existing := range a.remoteCandidates {
		if existing.Addr != c.Addr {
			kept = append(kept, existing)
		}
	}
	a.remoteCandidates = kept
	a.recomputePairs()
}

// recomputePairs rebuilds the pair table as the cross-product of local and
// remote candidates filtered by matching address family, deduplicated by
// (local.base, remote), sorted by priority descending (spec §4.2). Pairs
// that already existed keep their state; brand new pairs start Frozen.
// Pairs whose local or remote candidate no longer exists are dropped.
func (a *Agent) recomputePairs() {
	existing := make(map[[2]string]*CandidatePair, len(a.pairs))
	for _, p := range a.pairs {
		existing[pairKey(p.Local, p.Remote)] = p
	}

	var rebuilt []*CandidatePair
	seen := make(map[[2]string]bool)
	for _, local := range a.localCandidates {
		for _, remote := range a.remoteCandidates {
			if local.Addr.Addr().Is4() != remote.Addr.Addr().Is4() {
				continue
			}
			key := pairKey(local, remote)
			if seen[key] {
				continue
			}
			seen[key] = true
			if p, ok := existing[key]; ok {
				rebuilt = append(rebuilt, p)
			} else {
				rebuilt = append(rebuilt, newPair(local, remote, a.role == Controlling))
			}
		}
	}

	sort.Slice(rebuilt, func(i, j int) bool { return rebuilt[i].Priority > rebuilt[j].Priority })
	a.pairs = rebuilt

	if a.nominated != nil && !seen[pairKey(a.nominated.Local, a.nominated.Remote)] {
		a.nominated = nil
	}

	a.unfreezeNewFoundations()
}

func pairKey(local, remote Candidate) [2]string {
	return [2]string{local.LocalSocket().String(), remote.Addr.String()}
}

func pairFoundation(p *CandidatePair) string {
	return p.Local.Foundation + "/" + p.Remote.Foundation
}

// unfreezeNewFoundations implements spec §4.2's freeze/unfreeze rule: for
// every foundation group with no active (Waiting/InProgress/Succeeded) pair,
// promote its highest-priority Frozen pair to Waiting.
func (a *Agent) unfreezeNewFoundations() {
	active := make(map[string]bool)
	for _, p := range a.pairs {
		if p.State == Waiting || p.State == InProgress || p.State == Succeeded {
			active[pairFoundation(p)] = true
		}
	}
	best := make(map[string]*CandidatePair)
	for _, p := range a.pairs {
		if p.State != Frozen || active[pairFoundation(p)] {
			continue
		}
		f := pairFoundation(p)
		if cur, ok := best[f]; !ok || p.Priority > cur.Priority {
			best[f] = p
		}
	}
	for _, p := range best {
		p.State = Waiting
	}
}

// NextCheck pops the highest-priority Waiting pair, transitions it to
// InProgress, and returns it for the caller to send a Binding request on.
// Returns nil if no pair is ready, or if the previous check was started
// less than Ta before now. Unfreezes sibling pairs sharing its
// foundation per spec §4.2 ("On first Waiting->InProgress for a
// foundation, all other Frozen pairs sharing that foundation become
// Waiting").
func (a *Agent) NextCheck(now time.Time) *CandidatePair {
	if !a.lastCheckAt.IsZero() && now.Sub(a.lastCheckAt) < Ta {
		return nil
	}
	var best *CandidatePair
	for _, p := range a.pairs {
		if p.State != Waiting {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	best.State = InProgress
	a.lastCheckAt = now
	best.LastCheckSent = now
	best.nextRetryAt = now.Add(checkRTO)
	best.retries = 0

	foundation := pairFoundation(best)
	for _, p := range a.pairs {
		if p != best && p.State == Frozen && pairFoundation(p) == foundation {
			p.State = Waiting
		}
	}
	return best
}

// TriggeredCheck looks up the pair for local/remote in response to a
// received Binding request from the peer (spec §4.2). A Frozen pair is
// promoted directly to Waiting, bypassing the normal unfreeze order; a pair
// in any other state is left as it is. The pair is not moved ahead of other
// Waiting pairs: NextCheck still picks the highest-priority one. Returns nil
// if no such pair exists.
func (a *Agent) TriggeredCheck(local, remote Candidate) *CandidatePair {
	for _, p := range a.pairs {
		if p.Local.Addr == local.Addr && p.Remote.Addr == remote.Addr {
			if p.State == Frozen {
				p.State = Waiting
			}
			return p
		}
	}
	return nil
}

// AdvanceRetries scans InProgress pairs whose retransmit deadline has
// passed, returning those needing another Binding request and those that
// have exhausted RC=7 retries and transitioned to Failed.
func (a *Agent) AdvanceRetries(now time.Time) (retransmit, failed []*CandidatePair) {
	for _, p := range a.pairs {
		if p.State != InProgress || now.Before(p.nextRetryAt) {
			continue
		}
		if p.retries >= maxRetries {
			p.State = Failed
			failed = append(failed, p)
			continue
		}
		p.retries++
		p.nextRetryAt = now.Add(checkRTO * time.Duration(1<<min(p.retries, 4)))
		retransmit = append(retransmit, p)
	}
	return retransmit, failed
}

// CompleteCheck marks the pair matching local/remote as Succeeded.
func (a *Agent) CompleteCheck(local, remote Candidate, now time.Time) *CandidatePair {
	for _, p := range a.pairs {
		if p.Local.Addr == local.Addr && p.Remote.Addr == remote.Addr {
			p.State = Succeeded
			return p
		}
	}
	return nil
}

// BestSucceededPair returns the highest-priority Succeeded pair, or nil.
func (a *Agent) BestSucceededPair() *CandidatePair {
	var best *CandidatePair
	for _, p := range a.pairs {
		if p.State == Succeeded && (best == nil || p.Priority > best.Priority) {
			best = p
		}
	}
	return best
}

// Nominate designates pair as selected. Per spec §3's invariant, a later
// call only replaces the existing nomination if pair is strictly
// higher-priority and Succeeded.
func (a *Agent) Nominate(pair *CandidatePair) bool {
	if pair.State != Succeeded {
		return false
	}
	if a.nominated != nil && pair.Priority <= a.nominated.Priority {
		return false
	}
	pair.Nominated = true
	a.nominated = pair
	return true
}

// NominatedPair returns the currently selected pair, or nil.
func (a *Agent) NominatedPair() *CandidatePair { return a.nominated }

// ResolveRoleConflict implements spec §4.2's tiebreak: if both ends believe
// themselves Controlling, the one with the numerically larger tiebreaker
// wins and the other switches role. Returns true if this agent switched.
func (a *Agent) ResolveRoleConflict(remoteRole Role, remoteTiebreaker uint64) bool {
	if a.role != Controlling || remoteRole != Controlling {
		return false
	}
	if a.tiebreaker >= remoteTiebreaker {
		return false
	}
	a.role = Controlled
	for _, p := range a.pairs {
		p.Priority = pairPriority(p.Local.Priority, p.Remote.Priority, false)
	}
	sort.Slice(a.pairs, func(i, j int) bool { return a.pairs[i].Priority > a.pairs[j].Priority })
	return true
}

// AnyPairActive reports whether at least one pair has not Failed (Frozen,
// Waiting, InProgress or Succeeded) — used by the Node to decide whether
// checks are still making progress or every pair has failed.
func (a *Agent) AnyPairActive() bool {
	for _, p := range a.pairs {
		if p.State != Failed {
			return true
		}
	}
	return false
}

// Pairs exposes the full pair table, primarily for tests and diagnostics.
func (a *Agent) Pairs() []*CandidatePair { return a.pairs }
