package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/session"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	nc := cfg.Network()
	assert.Equal(t, protocol.VersionV1, nc.Version)
	assert.Equal(t, 30*time.Second, nc.HandshakeTimeout)
	assert.Equal(t, session.DefaultLimits(), nc.Limits)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	data := []byte(`
log_level: debug
node:
  nickname: alice
  version: 2
  handshake_timeout: 10s
  rekey_interval: 1h
  sync_interval: 2m
transport:
  peers:
    - /ip4/10.0.0.2/tcp/4001/p2p/12D3KooWExample
  relay: ws://relay.example:8080/ws
api:
  addr: 127.0.0.1:9000
  api_keys: [secret]
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "alice", cfg.Node.Nickname)
	assert.Equal(t, protocol.VersionV2, cfg.Node.Version)
	assert.Equal(t, 10*time.Second, cfg.Node.HandshakeTimeout.Std())
	assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/4001/p2p/12D3KooWExample"}, cfg.Transport.Peers)
	assert.Equal(t, "ws://relay.example:8080/ws", cfg.Transport.Relay)
	assert.Equal(t, []string{"secret"}, cfg.API.APIKeys)

	// untouched sections keep defaults
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001"}, cfg.Transport.Listen)
	assert.Equal(t, Default().Gossip, cfg.Gossip)
	assert.True(t, cfg.API.Enabled)

	nc := cfg.Network()
	assert.Equal(t, "alice", nc.Nickname)
	assert.Equal(t, time.Hour, nc.Limits.RekeyInterval)
	assert.Equal(t, session.DefaultLimits().MaxMessages, nc.Limits.MaxMessages)
	assert.Equal(t, 2*time.Minute, nc.SyncInterval)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad duration", "node:\n  handshake_timeout: soon\n"},
		{"numeric duration", "node:\n  handshake_timeout: 30\n"},
		{"bad log level", "log_level: loud\n"},
		{"unknown version", "node:\n  version: 9\n"},
		{"ttl above max", "node:\n  default_ttl: 8\n"},
		{"zero handshake timeout", "node:\n  handshake_timeout: 0s\n"},
		{"fp rate out of range", "gossip:\n  false_positive_rate: 1.5\n"},
		{"api without addr", "api:\n  addr: \"\"\n"},
		{"not yaml", "node: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Node.DefaultTTL = 9
	cfg.API.RateLimit = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "node.default_ttl")
	assert.Contains(t, err.Error(), "api.rate_limit")
}

func TestDurationMarshal(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m30s\n", string(out))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
