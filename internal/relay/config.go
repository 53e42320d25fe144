// Package relay implements the companion server of spec §4.6: a real,
// always-on TURN-compatible relay that cooperates with the Node's
// internal/node/relayclient to provide allocations and channel-data
// forwarding when a direct or server-reflexive path is unreachable.
//
// Unlike the Node, the server is not sans-I/O — it owns real UDP sockets —
// but it reuses the Node's wire codec (internal/node/stunmsg) so both sides
// of the protocol stay in lock-step without duplicating the attribute and
// framing logic.
package relay

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the relay server's persisted configuration, loaded from a TOML
// file the way internal/config loads bamgate's own config.
type Config struct {
	Listen  ListenConfig  `toml:"listen"`
	Auth    AuthConfig    `toml:"auth"`
	Lease   LeaseConfig   `toml:"lease"`
}

// ListenConfig controls the sockets the server binds.
type ListenConfig struct {
	// ControlAddr is where Allocate/Refresh/ChannelBind/Send/Binding
	// requests arrive (e.g. "0.0.0.0:3478").
	ControlAddr string `toml:"control_addr"`

	// RelayAddr is the public address new allocations' relayed transport
	// addresses are drawn from; its IP is reported as XOR-RELAYED-ADDRESS
	// and its port range bounds the ephemeral sockets opened per allocation.
	RelayAddr    string `toml:"relay_addr"`
	MinPort      int    `toml:"min_port"`
	MaxPort      int    `toml:"max_port"`
}

// AuthConfig configures long-term-credential authentication (spec §4.4,
// §4.6): a shared secret used to validate time-limited REST-API-style
// credentials, the way worker/turn.go's validateTURNCredentials does.
type AuthConfig struct {
	Realm  string `toml:"realm"`
	Secret string `toml:"secret"`
}

// LeaseConfig controls allocation lifetimes. ChannelTTL is decoded and
// defaulted, but Server does not read it.
type LeaseConfig struct {
	DefaultLifetime time.Duration `toml:"default_lifetime"`
	MaxLifetime     time.Duration `toml:"max_lifetime"`
	ChannelTTL      time.Duration `toml:"channel_ttl"`
}

// DefaultConfig mirrors spec §4.4's defaults (10-minute allocation,
// 10-minute channel binding).
func DefaultConfig() Config {
	return Config{
		Listen: ListenConfig{
			ControlAddr: "0.0.0.0:3478",
			RelayAddr:   "0.0.0.0",
			MinPort:     49152,
			MaxPort:     65535,
		},
		Auth: AuthConfig{Realm: "bamgate"},
		Lease: LeaseConfig{
			DefaultLifetime: 600 * time.Second,
			MaxLifetime:     3600 * time.Second,
			ChannelTTL:      10 * time.Minute,
		},
	}
}

// LoadConfig reads and decodes a relay config file, filling in any zero
// fields from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("relay: decoding config %s: %w", path, err)
	}
	if cfg.Auth.Secret == "" {
		return Config{}, fmt.Errorf("relay: auth.secret must be set")
	}
	return cfg, nil
}
