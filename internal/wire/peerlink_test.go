package wire

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/internal/instance"
)

func newPeerServer(t *testing.T, reg *instance.Registry) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewServer("127.0.0.1:0", reg, nil, nil))
	t.Cleanup(ts.Close)
	return ts
}

func TestPeerLinkSyncsBothWays(t *testing.T) {
	// Remote node with its own persistent store behind a wire server.
	remoteStore := graph.NewStore(graph.NewMemoryBackend(), nil)
	t.Cleanup(func() { remoteStore.Close() })
	remoteReg := instance.NewRegistry("root", remoteStore, 10, nil, nil)
	t.Cleanup(remoteReg.Shutdown)
	ts := newPeerServer(t, remoteReg)

	localStore := graph.NewStore(graph.NewMemoryBackend(), nil)
	t.Cleanup(func() { localStore.Close() })

	link := NewPeerLink("node-a", strings.Replace(ts.URL, "http://", "ws://", 1), localStore)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	time.Sleep(100 * time.Millisecond)

	// Remote write arrives locally.
	require.NoError(t, remoteStore.Put(ctx, "/remote/k", "from-remote"))
	require.Eventually(t, func() bool {
		var v string
		return localStore.Get(ctx, "/remote/k", &v) == nil && v == "from-remote"
	}, 2*time.Second, 10*time.Millisecond)

	// Local write propagates to the remote node.
	require.NoError(t, localStore.Put(ctx, "/local/k", "from-local"))
	require.Eventually(t, func() bool {
		var v string
		return remoteStore.Get(ctx, "/local/k", &v) == nil && v == "from-local"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPeerLinkReconnects(t *testing.T) {
	remoteStore := graph.NewStore(graph.NewMemoryBackend(), nil)
	t.Cleanup(func() { remoteStore.Close() })
	remoteReg := instance.NewRegistry("root", remoteStore, 10, nil, nil)
	t.Cleanup(remoteReg.Shutdown)
	ts := newPeerServer(t, remoteReg)

	localStore := graph.NewStore(graph.NewMemoryBackend(), nil)
	t.Cleanup(func() { localStore.Close() })

	link := NewPeerLink("node-a", strings.Replace(ts.URL, "http://", "ws://", 1), localStore)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	// Drop every open connection; the link must come back on its own.
	ts.CloseClientConnections()
	time.Sleep(1500 * time.Millisecond)

	require.NoError(t, remoteStore.Put(ctx, "/after/reconnect", json.RawMessage(`1`)))
	require.Eventually(t, func() bool {
		_, err := localStore.GetEntry(ctx, "/after/reconnect")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
