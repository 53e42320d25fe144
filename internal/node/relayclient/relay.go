// Package relayclient implements the TURN allocation and channel-binding
// lifecycle the Node's relay client needs (spec §4.4): long-term credential
// Allocate/Refresh, per-peer channel bindings, and the Send-indication
// fallback used before a channel is bound. It builds and parses messages
// with internal/node/stunmsg and never touches a socket itself — every
// method either returns bytes to transmit or consumes bytes received.
package relayclient

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/kuuji/bamgate/internal/node/stunmsg"
)

// netIPFrom converts a netip.Addr to the net.IP form stunmsg's XOR-address
// helpers expect.
func netIPFrom(a netip.Addr) net.IP { return net.IP(a.AsSlice()) }

// addrPortFromXOR converts a decoded XOR-address attribute back to netip.AddrPort.
func addrPortFromXOR(x stunmsg.XORAddress) (netip.AddrPort, bool) {
	addr, ok := netip.AddrFromSlice(x.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(x.Port)), true
}

// AllocationState tracks one relay's TURN allocation (spec §3, Data Model: Relay).
type AllocationState int

const (
	Unallocated AllocationState = iota
	Requesting
	Authenticating
	Allocated
	Refreshing
	Failed
)

// Defaults from spec §4.4.
const (
	DefaultLifetime       = 600 * time.Second
	ChannelBindingTTL     = 10 * time.Minute
	ChannelRebindAt       = 9 * time.Minute
)

// ChannelBinding maps a relay channel number to a peer address (spec GLOSSARY).
type ChannelBinding struct {
	Number    uint16
	Peer      netip.AddrPort
	ExpiresAt time.Time
	Pending   bool // true while the ChannelBind request is outstanding
}

// Relay is the Node's view of one TURN server: its credentials, the
// long-term-credential handshake state, and the channel bindings opened on
// it for the connections currently using it.
type Relay struct {
	ID       uint64
	Control  netip.AddrPort
	Username string
	Password string
	Realm    string

	State          AllocationState
	nonce          string
	authKey        []byte
	AllocatedV4    *netip.AddrPort
	AllocatedV6    *netip.AddrPort
	LifetimeExpiry time.Time
	RefreshAt      time.Time

	channels          map[netip.AddrPort]*ChannelBinding
	nextChannelNumber uint16

	pendingAllocateTxID [12]byte
	pendingBindingTxID  [12]byte
	ReflexiveAddr       *netip.AddrPort
}

// New creates a Relay in the Unallocated state. Call BeginAllocate to start
// the TURN handshake.
func New(id uint64, control netip.AddrPort, username, password, realm string) *Relay {
	return &Relay{
		ID:                id,
		Control:           control,
		Username:          username,
		Password:          password,
		Realm:             realm,
		State:             Unallocated,
		channels:          make(map[netip.AddrPort]*ChannelBinding),
		nextChannelNumber: stunmsg.ChannelNumberMin,
	}
}

func randomTxID() [12]byte {
	var id [12]byte
	_, _ = rand.Read(id[:])
	return id
}

// BeginAllocate builds the first (unauthenticated) Allocate request, which
// the server is expected to reject with 401 Unauthorized plus a nonce/realm.
func (r *Relay) BeginAllocate() []byte {
	r.State = Requesting
	r.pendingAllocateTxID = randomTxID()
	msg := stunmsg.NewBuilder(stunmsg.MethodAllocate, stunmsg.ClassRequest, r.pendingAllocateTxID).
		AddRequestedTransport(17). // UDP
		Build(nil)
	return msg
}

// HandleAllocateResponse processes a response to an outstanding Allocate
// request. For a 401 error it records the nonce/realm, derives the
// long-term-credential key, and returns the retried, authenticated Allocate
// request. For a success it records the allocated relay address(es) and
// returns nil (nothing further to send).
func (r *Relay) HandleAllocateResponse(msg *stunmsg.Message, now time.Time) (retry []byte, err error) {
	if msg.TransactionID != r.pendingAllocateTxID {
		return nil, fmt.Errorf("relayclient: allocate response for stale transaction")
	}

	if msg.Class == stunmsg.ClassErrorResponse {
		code, _, _ := msg.GetErrorCode()
		if code != 401 {
			r.State = Failed
			return nil, fmt.Errorf("relayclient: allocate failed with code %d", code)
		}
		r.nonce = msg.GetNonce()
		if realm := msg.GetRealm(); realm != "" {
			r.Realm = realm
		}
		r.authKey = stunmsg.DeriveAuthKey(r.Username, r.Realm, r.Password)
		r.State = Authenticating
		r.pendingAllocateTxID = randomTxID()
		built := stunmsg.NewBuilder(stunmsg.MethodAllocate, stunmsg.ClassRequest, r.pendingAllocateTxID).
			AddRequestedTransport(17).
			AddUsername(r.Username).
			AddRealm(r.Realm).
			AddNonce(r.nonce).
			AddLifetime(uint32(DefaultLifetime.Seconds())).
			Build(r.authKey)
		return built, nil
	}

	if addr, ok := msg.GetXORRelayedAddress(); ok {
		if ap, ok := addrPortFromXOR(addr); ok {
			if ap.Addr().Is4() {
				r.AllocatedV4 = &ap
			} else {
				r.AllocatedV6 = &ap
			}
		}
	}
	lifetime := msg.GetLifetime()
	if lifetime == 0 {
		lifetime = uint32(DefaultLifetime.Seconds())
	}
	r.LifetimeExpiry = now.Add(time.Duration(lifetime) * time.Second)
	r.RefreshAt = now.Add(time.Duration(lifetime) * time.Second / 2)
	r.State = Allocated
	return nil, nil
}

// NeedsRefresh reports whether it is time to refresh the allocation
// (scheduled at lifetime/2, per spec §4.4).
func (r *Relay) NeedsRefresh(now time.Time) bool {
	return r.State == Allocated && !r.RefreshAt.IsZero() && !now.Before(r.RefreshAt)
}

// BuildRefresh constructs a Refresh request. lifetime=0 is used to
// deallocate (spec §4.4, update_relays removal path).
func (r *Relay) BuildRefresh(lifetime time.Duration, now time.Time) []byte {
	r.State = Refreshing
	txID := randomTxID()
	b := stunmsg.NewBuilder(stunmsg.MethodRefresh, stunmsg.ClassRequest, txID).
		AddUsername(r.Username).
		AddRealm(r.Realm).
		AddNonce(r.nonce).
		AddLifetime(uint32(lifetime.Seconds()))
	return b.Build(r.authKey)
}

// HandleRefreshResponse updates the allocation's lifetime bookkeeping after
// a successful Refresh.
func (r *Relay) HandleRefreshResponse(msg *stunmsg.Message, now time.Time) error {
	if msg.Class == stunmsg.ClassErrorResponse {
		r.State = Failed
		code, _, _ := msg.GetErrorCode()
		return fmt.Errorf("relayclient: refresh failed with code %d", code)
	}
	lifetime := msg.GetLifetime()
	if lifetime == 0 {
		r.State = Unallocated
		return nil
	}
	r.LifetimeExpiry = now.Add(time.Duration(lifetime) * time.Second)
	r.RefreshAt = now.Add(time.Duration(lifetime) * time.Second / 2)
	r.State = Allocated
	return nil
}

// BindChannel allocates the next free channel number for peer and builds the
// ChannelBind request. If a binding already exists (or is pending) for peer,
// it is returned unchanged and no request is built.
func (r *Relay) BindChannel(peer netip.AddrPort, now time.Time) (*ChannelBinding, []byte) {
	if existing, ok := r.channels[peer]; ok {
		return existing, nil
	}
	number := r.nextChannelNumber
	r.nextChannelNumber++
	if r.nextChannelNumber > stunmsg.ChannelNumberMax {
		r.nextChannelNumber = stunmsg.ChannelNumberMin
	}

	binding := &ChannelBinding{Number: number, Peer: peer, Pending: true}
	r.channels[peer] = binding

	txID := randomTxID()
	req := stunmsg.NewBuilder(stunmsg.MethodChannelBind, stunmsg.ClassRequest, txID).
		AddChannelNumber(number).
		AddXORAddress(stunmsg.AttrXORPeerAddress, stunmsg.XORAddress{IP: netIPFrom(peer.Addr()), Port: int(peer.Port())}).
		AddUsername(r.Username).
		AddRealm(r.Realm).
		AddNonce(r.nonce)
	return binding, req.Build(r.authKey)
}

// HandleChannelBindResponse marks a pending binding confirmed or, on
// failure, removes it so the caller falls back to Send indications.
func (r *Relay) HandleChannelBindResponse(peer netip.AddrPort, success bool, now time.Time) {
	binding, ok := r.channels[peer]
	if !ok {
		return
	}
	if !success {
		delete(r.channels, peer)
		return
	}
	binding.Pending = false
	binding.ExpiresAt = now.Add(ChannelBindingTTL)
}

// ChannelFor returns the bound (non-pending) channel number for peer, if any.
func (r *Relay) ChannelFor(peer netip.AddrPort) (uint16, bool) {
	b, ok := r.channels[peer]
	if !ok || b.Pending {
		return 0, false
	}
	return b.Number, true
}

// HasPendingBinding reports whether a ChannelBind for peer is outstanding;
// the Node must not fall back to Send indications while this is true
// (spec §4.4: "never emits Send indications for a peer for which a channel
// binding is pending").
func (r *Relay) HasPendingBinding(peer netip.AddrPort) bool {
	b, ok := r.channels[peer]
	return ok && b.Pending
}

// NeedsRebind reports whether peer's channel binding should be refreshed
// (at 9 minutes of its 10-minute life, spec §4.4).
func (r *Relay) NeedsRebind(peer netip.AddrPort, now time.Time) bool {
	b, ok := r.channels[peer]
	if !ok || b.Pending {
		return false
	}
	return !now.Before(b.ExpiresAt.Add(-ChannelBindingTTL + ChannelRebindAt))
}

// Rebind re-sends ChannelBind for an already-bound peer, keeping the same
// channel number, ahead of its 10-minute expiry (spec §4.4's 9-minute
// rebind rule). It marks the binding pending again until the response
// arrives, same as a fresh BindChannel.
func (r *Relay) Rebind(peer netip.AddrPort, now time.Time) []byte {
	b, ok := r.channels[peer]
	if !ok {
		return nil
	}
	b.Pending = true

	txID := randomTxID()
	req := stunmsg.NewBuilder(stunmsg.MethodChannelBind, stunmsg.ClassRequest, txID).
		AddChannelNumber(b.Number).
		AddXORAddress(stunmsg.AttrXORPeerAddress, stunmsg.XORAddress{IP: netIPFrom(peer.Addr()), Port: int(peer.Port())}).
		AddUsername(r.Username).
		AddRealm(r.Realm).
		AddNonce(r.nonce)
	return req.Build(r.authKey)
}

// RemoveChannel drops the binding for peer (used on relay removal).
func (r *Relay) RemoveChannel(peer netip.AddrPort) {
	delete(r.channels, peer)
}

// Channels exposes all bindings, for diagnostics and tests.
func (r *Relay) Channels() map[netip.AddrPort]*ChannelBinding { return r.channels }

// PeerForChannel reverse-looks-up the peer bound to a channel number, for
// demultiplexing inbound channel-data frames.
func (r *Relay) PeerForChannel(number uint16) (netip.AddrPort, bool) {
	for peer, b := range r.channels {
		if b.Number == number && !b.Pending {
			return peer, true
		}
	}
	return netip.AddrPort{}, false
}

// BuildSendIndication wraps payload in a Send indication with
// XOR-PEER-ADDRESS, for use before a channel is bound (spec §4.4).
func (r *Relay) BuildSendIndication(peer netip.AddrPort, payload []byte) []byte {
	txID := randomTxID()
	return stunmsg.NewBuilder(stunmsg.MethodSend, stunmsg.ClassIndication, txID).
		AddXORAddress(stunmsg.AttrXORPeerAddress, stunmsg.XORAddress{IP: netIPFrom(peer.Addr()), Port: int(peer.Port())}).
		AddData(payload).
		BuildNoFingerprint(nil)
}

// BuildBindingRequest constructs a STUN Binding request to discover this
// relay's view of our server-reflexive address (spec §4.2: "TURN servers
// also answer STUN Binding").
func (r *Relay) BuildBindingRequest() []byte {
	r.pendingBindingTxID = randomTxID()
	return stunmsg.NewBuilder(stunmsg.MethodBinding, stunmsg.ClassRequest, r.pendingBindingTxID).Build(nil)
}

// HandleBindingResponse processes a response to BuildBindingRequest,
// recording the discovered server-reflexive address.
func (r *Relay) HandleBindingResponse(msg *stunmsg.Message) (netip.AddrPort, bool) {
	if msg.TransactionID != r.pendingBindingTxID {
		return netip.AddrPort{}, false
	}
	addr, ok := msg.GetXORMappedAddress()
	if !ok {
		return netip.AddrPort{}, false
	}
	ap, ok := addrPortFromXOR(addr)
	if !ok {
		return netip.AddrPort{}, false
	}
	r.ReflexiveAddr = &ap
	return ap, true
}
