package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadNodeConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
name: node-a
admin:
  enabled: true
  token: secret
`)

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Name)
	assert.Equal(t, ":8765", cfg.Listen)
	assert.Equal(t, "root", cfg.RootPath)
	assert.Equal(t, 50, cfg.Ephemeral.Capacity)
	assert.False(t, cfg.Ephemeral.AllowSigning)
	assert.Equal(t, "30s", cfg.Reputation.PublishInterval)
	assert.Equal(t, 4, cfg.Replication.Concurrency)
	assert.Equal(t, 64, cfg.Replication.QueueDepth)
	assert.Equal(t, "6h", cfg.Deals.Interval)
	assert.InDelta(t, 0.4, cfg.Reputation.FulfillmentWeight, 1e-9)

	require.NoError(t, cfg.Validate())
}

func TestLoadNodeConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
name: node-b
listen: ":9000"
root_path: "~"
peers:
  - wss://peer1.example.com/graph
ephemeral:
  capacity: 2
replication:
  concurrency: 8
  queue_depth: 16
  pin_timeout: 10s
admin:
  enabled: true
  token: secret
`)

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "~", cfg.RootPath)
	assert.Equal(t, 2, cfg.Ephemeral.Capacity)
	assert.Equal(t, 8, cfg.Replication.Concurrency)
	assert.Equal(t, 16, cfg.Replication.QueueDepth)
}

func TestNodeConfig_Validate(t *testing.T) {
	base := func() *NodeConfig {
		cfg := &NodeConfig{Name: "n"}
		cfg.ApplyDefaults()
		return cfg
	}

	t.Run("missing name", func(t *testing.T) {
		cfg := base()
		cfg.Name = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("root path with slash", func(t *testing.T) {
		cfg := base()
		cfg.RootPath = "a/b"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad peer URL", func(t *testing.T) {
		cfg := base()
		cfg.Peers = []string{"http://peer.example.com"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("admin without token", func(t *testing.T) {
		cfg := base()
		cfg.Admin.Enabled = true
		cfg.Admin.Token = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad duration", func(t *testing.T) {
		cfg := base()
		cfg.Replication.PinTimeout = "soon"
		assert.Error(t, cfg.Validate())
	})

	t.Run("deals enabled without chain rpc", func(t *testing.T) {
		cfg := base()
		cfg.Deals.Enabled = true
		cfg.Deals.Contract = "0x1"
		cfg.Deals.NodeAddress = "0x2"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero capacity", func(t *testing.T) {
		cfg := base()
		cfg.Ephemeral.Capacity = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 30*time.Second, Duration("30s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("bogus", time.Minute))
}
