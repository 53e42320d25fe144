package node

import (
	"testing"
	"time"
)

// TestInvariantPairTableMatchesCrossProduct is property 1: for any sequence
// of add/remove remote candidate calls, the pair table equals the filtered
// (same address family) cross-product of local x remote candidates.
func TestInvariantPairTableMatchesCrossProduct(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const id ConnectionID = 1
	if _, err := n.NewConnection(id, t0); err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	c := n.connections[id]

	remotes := []string{
		"candidate:host4 1 udp 2130706431 10.0.0.2 9000 typ host",
		"candidate:host4 1 udp 2130706430 10.0.0.3 9001 typ host",
		"candidate:host6 1 udp 2130706429 fe80::1 9002 typ host",
	}
	if err := n.AddLocalHostCandidate(mustAddrPort(t, "10.0.0.1:9000")); err != nil {
		t.Fatalf("AddLocalHostCandidate: %v", err)
	}
	for _, sdp := range remotes {
		if err := n.AddRemoteCandidate(id, sdp, t0); err != nil {
			t.Fatalf("AddRemoteCandidate(%q): %v", sdp, err)
		}
	}
	if err := n.RemoveRemoteCandidate(id, remotes[1]); err != nil {
		t.Fatalf("RemoveRemoteCandidate: %v", err)
	}

	wantPairs := 0
	for _, local := range c.agent.LocalCandidates() {
		for _, remote := range c.agent.RemoteCandidates() {
			if local.Addr.Addr().Is4() == remote.Addr.Addr().Is4() {
				wantPairs++
			}
		}
	}
	if got := len(c.agent.Pairs()); got != wantPairs {
		t.Fatalf("pair table has %d pairs, want %d (filtered cross-product)", got, wantPairs)
	}
	for _, p := range c.agent.Pairs() {
		if p.Local.Addr.Addr().Is4() != p.Remote.Addr.Addr().Is4() {
			t.Fatalf("pair %v/%v crosses address families", p.Local.Addr, p.Remote.Addr)
		}
	}
}

// TestInvariantTerminalEventsAreExclusiveAndSingular is property 2.
func TestInvariantTerminalEventsAreExclusiveAndSingular(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const id ConnectionID = 1
	if _, err := n.NewConnection(id, t0); err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	var failed, established int
	for _, tick := range []time.Duration{5 * time.Second, 20 * time.Second, 30 * time.Second, 40 * time.Second} {
		n.HandleTimeout(t0.Add(tick))
		for {
			e, ok := n.PollEvent()
			if !ok {
				break
			}
			switch e.Kind {
			case EventConnectionFailed:
				failed++
			case EventConnectionEstablished:
				established++
			}
		}
	}
	if failed > 1 {
		t.Fatalf("ConnectionFailed emitted %d times, want at most 1", failed)
	}
	if established > 0 {
		t.Fatalf("ConnectionEstablished emitted for a connection that never nominated a pair")
	}
	if failed == 0 {
		t.Fatalf("expected the offer-only connection to eventually fail")
	}
}

// TestInvariantNewIceCandidateNeverPrecedesAcceptance is property 3.
func TestInvariantNewIceCandidateNeverPrecedesAcceptance(t *testing.T) {
	t.Parallel()

	alice := newTestNode(t)
	bob := newTestNode(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const id ConnectionID = 1

	offer, _ := alice.NewConnection(id, t0)
	if err := alice.AddLocalHostCandidate(mustAddrPort(t, "10.0.0.1:9000")); err != nil {
		t.Fatalf("AddLocalHostCandidate: %v", err)
	}
	if err := alice.AddLocalHostCandidate(mustAddrPort(t, "10.0.0.1:9001")); err != nil {
		t.Fatalf("AddLocalHostCandidate: %v", err)
	}
	for {
		e, ok := alice.PollEvent()
		if !ok {
			break
		}
		if e.Kind == EventNewIceCandidate {
			t.Fatalf("NewIceCandidate emitted before accept_answer was consumed")
		}
	}

	answer, _ := bob.AcceptConnection(id, offer, alice.PublicKey(), t0)
	alice.AcceptAnswer(id, bob.PublicKey(), answer, t0)

	var released int
	for {
		e, ok := alice.PollEvent()
		if !ok {
			break
		}
		if e.Kind == EventNewIceCandidate {
			released++
		}
	}
	if released != 2 {
		t.Fatalf("expected 2 released NewIceCandidate events after accept_answer, got %d", released)
	}
}

// TestInvariantEncapsulateDecapsulateRoundTrips is property 4, driven over
// several distinct payloads including an empty one.
func TestInvariantEncapsulateDecapsulateRoundTrips(t *testing.T) {
	t.Parallel()

	alice := newTestNode(t)
	bob := newTestNode(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const id ConnectionID = 1

	offer, _ := alice.NewConnection(id, start)
	_ = alice.AddLocalHostCandidate(mustAddrPort(t, "10.0.0.1:9000"))
	_ = bob.AddLocalHostCandidate(mustAddrPort(t, "10.0.0.2:9000"))
	answer, _ := bob.AcceptConnection(id, offer, alice.PublicKey(), start)
	alice.AcceptAnswer(id, bob.PublicKey(), answer, start)
	for _, sdp := range drainCandidateSDPs(alice) {
		_ = bob.AddRemoteCandidate(id, sdp, start)
	}
	for _, sdp := range drainCandidateSDPs(bob) {
		_ = alice.AddRemoteCandidate(id, sdp, start)
	}
	now := pumpUntilConnected(t, alice, bob, id, id, start, 20*time.Millisecond, 200)

	for _, payload := range [][]byte{
		[]byte("hello"),
		{},
		make([]byte, 1400),
		[]byte("a second packet after the first"),
	} {
		tr, ok := alice.Encapsulate(id, payload, now)
		if !ok {
			t.Fatalf("Encapsulate failed for payload of length %d", len(payload))
		}
		gotID, plaintext, ok := bob.Decapsulate(tr.Dst, *tr.Src, tr.Payload, now)
		if !ok || gotID != id {
			t.Fatalf("Decapsulate failed for payload of length %d", len(payload))
		}
		if len(plaintext) != len(payload) {
			t.Fatalf("round-tripped length = %d, want %d", len(plaintext), len(payload))
		}
		for i := range payload {
			if plaintext[i] != payload[i] {
				t.Fatalf("round-tripped payload differs at byte %d", i)
			}
		}
	}
}

// TestInvariantHandleTimeoutIsIdempotent is property 5.
func TestInvariantHandleTimeoutIsIdempotent(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const id ConnectionID = 1
	if _, err := n.NewConnection(id, t0); err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	at := t0.Add(20 * time.Second)
	n.HandleTimeout(at)
	var firstEvents []Event
	for {
		e, ok := n.PollEvent()
		if !ok {
			break
		}
		firstEvents = append(firstEvents, e)
	}
	if len(firstEvents) != 1 || firstEvents[0].Kind != EventConnectionFailed {
		t.Fatalf("expected exactly one ConnectionFailed on first call, got %+v", firstEvents)
	}

	n.HandleTimeout(at)
	n.HandleTimeout(at)
	if _, ok := n.PollEvent(); ok {
		t.Fatalf("repeated HandleTimeout(same t) produced another event")
	}
}

// TestInvariantPollTimeoutAdvancesOrDrains is property 6: calling
// HandleTimeout(pollTimeout()) always either advances or drains at least one
// internal deadline — here, checked against the offer-only connection's
// failure deadline, the simplest single-deadline case to assert precisely.
func TestInvariantPollTimeoutAdvancesOrDrains(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const id ConnectionID = 1
	if _, err := n.NewConnection(id, t0); err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	deadline, ok := n.PollTimeout()
	if !ok {
		t.Fatalf("PollTimeout reported nothing pending for a fresh Connecting connection")
	}
	wantDeadline := t0.Add(offerOnlyDeadline)
	if !deadline.Equal(wantDeadline) {
		t.Fatalf("PollTimeout = %v, want %v", deadline, wantDeadline)
	}

	n.HandleTimeout(deadline)
	if ev, ok := pollKind(n, EventConnectionFailed); !ok || ev.Connection != id {
		t.Fatalf("HandleTimeout(PollTimeout()) did not drain the offer-only deadline")
	}
	if _, ok := n.PollTimeout(); ok {
		t.Fatalf("PollTimeout still reports a deadline for a terminated connection")
	}
}
