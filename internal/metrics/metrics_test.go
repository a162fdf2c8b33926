package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics(t *testing.T) {
	m := InitMetrics("test-node")
	require.NotNil(t, m)

	m.EphemeralInstances.Set(3)
	m.InstanceEvictions.Inc()
	m.PeerScore.WithLabelValues("peer-1").Set(0.75)

	families, err := Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["graphmesh_ephemeral_instances"])
	assert.True(t, names["graphmesh_instance_evictions_total"])
	assert.True(t, names["graphmesh_peer_score"])
	// Standard collectors are registered too.
	assert.True(t, names["go_goroutines"])

	// Repeated calls return the same registered set.
	assert.Same(t, m, InitMetrics("other-node"))
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
