// Package daemon wires internal/node.Node to real UDP sockets, a wall
// clock, and internal/signaling, the way internal/agent wires the
// pion/webrtc-backed path. It is the only package that gives Node actual
// I/O; Node itself stays sans-I/O.
package daemon

import (
	"fmt"
	"net/netip"

	"github.com/BurntSushi/toml"
)

// Config is bamgate-noded's persisted configuration.
type Config struct {
	Identity  IdentityConfig  `toml:"identity"`
	Listen    ListenConfig    `toml:"listen"`
	Signaling SignalingConfig `toml:"signaling"`
	Relays    []RelayConfig   `toml:"relay"`
	Tunnel    TunnelConfig    `toml:"tunnel"`
}

// TunnelConfig describes the local WireGuard TUN interface the daemon
// brings up once Node connections are established, the way
// internal/config.DeviceConfig's Address/Routes fields did for the
// pion/webrtc path.
type TunnelConfig struct {
	// Name is the kernel interface name. Empty uses tunnel.DefaultTUNName.
	Name string `toml:"name,omitempty"`

	// Address is this node's tunnel address in CIDR notation, e.g. "10.66.0.1/24".
	Address string `toml:"address"`

	// MTU overrides tunnel.DefaultMTU when non-zero.
	MTU int `toml:"mtu,omitempty"`

	// Masquerade NATs traffic arriving on the tunnel out the node's default
	// physical interface, the way a home-server node advertising LAN routes
	// needs to for its peers' replies to find their way back.
	Masquerade bool `toml:"masquerade,omitempty"`

	// Peers maps a signaling peer id to the AllowedIPs routed to it once its
	// connection is established. A peer with no entry is added as a tunnel
	// peer with no allowed IPs.
	Peers map[string]TunnelPeerConfig `toml:"peers,omitempty"`
}

// TunnelPeerConfig is one statically-known peer's routing policy.
type TunnelPeerConfig struct {
	AllowedIPs []string `toml:"allowed_ips"`
}

// IdentityConfig names the file holding this node's static X25519 private
// key, base64-encoded, one line. If KeyFile doesn't exist, the daemon
// generates and persists a fresh keypair there on first run.
type IdentityConfig struct {
	KeyFile string `toml:"key_file"`
}

// ListenConfig controls the UDP socket Node's host candidate is gathered
// from.
type ListenConfig struct {
	Addr string `toml:"addr"`
}

// SignalingConfig points at the signaling hub used to exchange offers,
// answers, and trickled ICE candidates with named peers.
type SignalingConfig struct {
	ServerURL string `toml:"server_url"`
	PeerID    string `toml:"peer_id"`
}

// RelayConfig names one relay (spec §4.4/§4.6) to keep allocated for as
// long as the daemon runs.
type RelayConfig struct {
	ID       uint64 `toml:"id"`
	Control  string `toml:"control"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Realm    string `toml:"realm"`
}

// ResolvedRelay is a RelayConfig with its control address parsed.
type ResolvedRelay struct {
	ID       uint64
	Control  netip.AddrPort
	Username string
	Password string
	Realm    string
}

// Resolve parses r.Control into a netip.AddrPort.
func (r RelayConfig) Resolve() (ResolvedRelay, error) {
	ap, err := netip.ParseAddrPort(r.Control)
	if err != nil {
		return ResolvedRelay{}, fmt.Errorf("parsing relay %d control addr %q: %w", r.ID, r.Control, err)
	}
	return ResolvedRelay{ID: r.ID, Control: ap, Username: r.Username, Password: r.Password, Realm: r.Realm}, nil
}

// DefaultConfig mirrors internal/config's pattern of a sane local default
// for running entirely on one machine against bamgate-hub.
func DefaultConfig() Config {
	return Config{
		Identity: IdentityConfig{KeyFile: "/etc/bamgate/node.key"},
		Listen:   ListenConfig{Addr: "0.0.0.0:0"},
		Signaling: SignalingConfig{
			ServerURL: "ws://127.0.0.1:8080/connect",
		},
		Tunnel: TunnelConfig{Address: "10.66.0.1/32"},
	}
}

// LoadConfig reads and decodes a daemon config file, filling in any zero
// fields from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("daemon: decoding config %s: %w", path, err)
	}
	if cfg.Signaling.PeerID == "" {
		return Config{}, fmt.Errorf("daemon: signaling.peer_id must be set")
	}
	return cfg, nil
}
