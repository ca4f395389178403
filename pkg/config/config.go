// Package config loads the YAML configuration of a mesh node.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/zentalk-mesh/pkg/fragment"
	"github.com/ZentaChain/zentalk-mesh/pkg/gossip"
	"github.com/ZentaChain/zentalk-mesh/pkg/network"
	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/session"
)

// Duration is a time.Duration written as a string ("30s", "5m") in YAML
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full node configuration
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Node      NodeConfig      `yaml:"node"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Fragment  FragmentConfig  `yaml:"fragment"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
}

// NodeConfig configures identity, wire version and session timing
type NodeConfig struct {
	Nickname         string   `yaml:"nickname"`
	IdentityPath     string   `yaml:"identity_path"`
	DataDir          string   `yaml:"data_dir"`
	Version          uint8    `yaml:"version"`
	DefaultTTL       uint8    `yaml:"default_ttl"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	RekeyInterval    Duration `yaml:"rekey_interval"`
	PaddingBlock     int      `yaml:"padding_block"`
	SyncInterval     Duration `yaml:"sync_interval"`
	AnnounceInterval Duration `yaml:"announce_interval"`
	SyncResendLimit  int      `yaml:"sync_resend_limit"`
}

// GossipConfig sizes the dedup filter and the known-message store
type GossipConfig struct {
	Capacity          uint    `yaml:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	Generations       int     `yaml:"generations"`
	StoreSize         int     `yaml:"store_size"`
}

// FragmentConfig bounds reassembly
type FragmentConfig struct {
	Timeout      Duration `yaml:"timeout"`
	MaxGroups    int      `yaml:"max_groups"`
	MaxFragments int      `yaml:"max_fragments"`
}

// TransportConfig selects the transport adapters
type TransportConfig struct {
	Listen    []string `yaml:"listen"` // libp2p multiaddrs
	Peers     []string `yaml:"peers"`  // multiaddrs with /p2p/ to dial at start
	Relay     string   `yaml:"relay"`  // websocket relay url, optional
	EnableNAT bool     `yaml:"enable_nat"`
}

// APIConfig configures the HTTP control API
type APIConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Addr       string   `yaml:"addr"`
	EnableCORS bool     `yaml:"enable_cors"`
	RateLimit  int      `yaml:"rate_limit"`
	APIKeys    []string `yaml:"api_keys"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Node: NodeConfig{
			IdentityPath:     "./keys/identity.pem",
			DataDir:          "./data",
			Version:          protocol.VersionV1,
			DefaultTTL:       network.DefaultTTL,
			HandshakeTimeout: Duration(noise.HandshakeTimeout),
			RekeyInterval:    Duration(session.DefaultRekeyInterval),
			PaddingBlock:     network.DefaultPaddingBlock,
			SyncInterval:     Duration(network.DefaultSyncInterval),
			AnnounceInterval: Duration(network.DefaultAnnounceInterval),
			SyncResendLimit:  network.DefaultSyncResendLimit,
		},
		Gossip: GossipConfig{
			Capacity:          gossip.DefaultCapacity,
			FalsePositiveRate: gossip.DefaultFalsePositiveRate,
			Generations:       gossip.DefaultGenerations,
			StoreSize:         gossip.DefaultStoreSize,
		},
		Fragment: FragmentConfig{
			Timeout:      Duration(fragment.DefaultTimeout),
			MaxGroups:    fragment.DefaultMaxGroups,
			MaxFragments: fragment.DefaultMaxFragments,
		},
		Transport: TransportConfig{
			Listen: []string{"/ip4/0.0.0.0/tcp/4001"},
		},
		API: APIConfig{
			Enabled:    true,
			Addr:       ":8080",
			EnableCORS: true,
			RateLimit:  600,
		},
	}
}

// Load reads path over the defaults. Fields absent from the file keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges the node would otherwise reject at start
func (c *Config) Validate() error {
	var err error
	if _, lerr := logging.Parse(c.LogLevel); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", lerr))
	}
	if _, verr := protocol.MaxPayload(c.Node.Version); verr != nil {
		err = multierr.Append(err, fmt.Errorf("node.version: %w", verr))
	}
	if c.Node.DefaultTTL > protocol.MaxTTL {
		err = multierr.Append(err, fmt.Errorf("node.default_ttl: %d above %d", c.Node.DefaultTTL, protocol.MaxTTL))
	}
	if c.Node.IdentityPath == "" {
		err = multierr.Append(err, errors.New("node.identity_path is required"))
	}
	if c.Node.HandshakeTimeout <= 0 {
		err = multierr.Append(err, errors.New("node.handshake_timeout must be positive"))
	}
	if c.Node.PaddingBlock < 0 {
		err = multierr.Append(err, errors.New("node.padding_block must not be negative"))
	}
	if c.Gossip.FalsePositiveRate <= 0 || c.Gossip.FalsePositiveRate >= 1 {
		err = multierr.Append(err, fmt.Errorf("gossip.false_positive_rate: %v not in (0,1)", c.Gossip.FalsePositiveRate))
	}
	if c.API.Enabled && c.API.Addr == "" {
		err = multierr.Append(err, errors.New("api.addr is required when the API is enabled"))
	}
	if c.API.RateLimit < 0 {
		err = multierr.Append(err, errors.New("api.rate_limit must not be negative"))
	}
	return err
}

// Network returns the node settings. Identity, transport, key store,
// clock and registry are left for the caller.
func (c *Config) Network() network.Config {
	limits := session.DefaultLimits()
	if c.Node.RekeyInterval > 0 {
		limits.RekeyInterval = c.Node.RekeyInterval.Std()
	}
	return network.Config{
		Nickname:         c.Node.Nickname,
		Version:          c.Node.Version,
		DefaultTTL:       c.Node.DefaultTTL,
		Limits:           limits,
		HandshakeTimeout: c.Node.HandshakeTimeout.Std(),
		FragmentOptions: fragment.Options{
			Timeout:      c.Fragment.Timeout.Std(),
			MaxGroups:    c.Fragment.MaxGroups,
			MaxFragments: c.Fragment.MaxFragments,
		},
		Gossip: gossip.Config{
			Capacity:          c.Gossip.Capacity,
			FalsePositiveRate: c.Gossip.FalsePositiveRate,
			Generations:       c.Gossip.Generations,
			StoreSize:         c.Gossip.StoreSize,
		},
		PaddingBlock:     c.Node.PaddingBlock,
		SyncInterval:     c.Node.SyncInterval.Std(),
		AnnounceInterval: c.Node.AnnounceInterval.Std(),
		SyncResendLimit:  c.Node.SyncResendLimit,
	}
}
