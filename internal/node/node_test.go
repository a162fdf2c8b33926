package node

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmesh/graphmesh/internal/config"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

func testConfig(t *testing.T) *config.NodeConfig {
	t.Helper()
	cfg := &config.NodeConfig{
		Name:    "test-node",
		Listen:  "127.0.0.1:0",
		DataDir: t.TempDir(),
		Admin: config.AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:18766",
			Token:   "test-token",
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNodeStartStop(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	n, err := New(ctx, cfg, "test")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	// The admin endpoint coming up means the node finished starting.
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Admin.Listen + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get("http://" + cfg.Admin.Listen + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health proto.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "test-node", health.Name)
	assert.Equal(t, 50, health.EphemeralCapacity)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("node did not shut down")
	}
}

func TestNodePersistsIdentity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = false

	ctx := context.Background()
	n, err := New(ctx, cfg, "test")
	require.NoError(t, err)
	n.registry.Shutdown()
	require.NoError(t, n.rootStore.Close())

	// Second startup reuses the same data dir and key.
	n2, err := New(ctx, cfg, "test")
	require.NoError(t, err)
	n2.registry.Shutdown()
	require.NoError(t, n2.rootStore.Close())
}
