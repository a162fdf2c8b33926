package wire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/internal/instance"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

func newTestWire(t *testing.T, capacity int) (*httptest.Server, *instance.Registry) {
	t.Helper()
	rootStore := graph.NewStore(graph.NewMemoryBackend(), nil)
	t.Cleanup(func() { rootStore.Close() })

	registry := instance.NewRegistry("root", rootStore, capacity, func() *graph.Store {
		return graph.NewStore(graph.NewMemoryBackend(), nil)
	}, nil)
	t.Cleanup(registry.Shutdown)

	srv := NewServer("127.0.0.1:0", registry, nil, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, registry
}

func dialGraph(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/graph"
	if path != "" {
		url += "/" + path
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msg proto.GraphMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readMsg(t *testing.T, conn *websocket.Conn) proto.GraphMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg proto.GraphMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestPutGetRoundTrip(t *testing.T) {
	ts, _ := newTestWire(t, 10)
	conn := dialGraph(t, ts, "")

	sendMsg(t, conn, proto.GraphMessage{
		Type:  "put",
		ID:    "1",
		Entry: &proto.Entry{Key: "/users/alice", Value: json.RawMessage(`{"name":"alice"}`)},
	})
	ack := readMsg(t, conn)
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, "1", ack.ID)
	assert.True(t, ack.OK)

	sendMsg(t, conn, proto.GraphMessage{Type: "get", ID: "2", Key: "/users/alice"})
	reply := readMsg(t, conn)
	require.Equal(t, "entry", reply.Type)
	assert.Equal(t, "2", reply.ID)
	assert.JSONEq(t, `{"name":"alice"}`, string(reply.Entry.Value))
	assert.NotZero(t, reply.Entry.UpdatedAt)
}

func TestGetMissingKey(t *testing.T) {
	ts, _ := newTestWire(t, 10)
	conn := dialGraph(t, ts, "")

	sendMsg(t, conn, proto.GraphMessage{Type: "get", ID: "1", Key: "/nope"})
	reply := readMsg(t, conn)
	assert.Equal(t, "error", reply.Type)
	assert.Contains(t, reply.Error, "not found")
}

func TestSubscribeStreamsEntries(t *testing.T) {
	ts, _ := newTestWire(t, 10)
	sub := dialGraph(t, ts, "feed")
	pub := dialGraph(t, ts, "feed")

	sendMsg(t, sub, proto.GraphMessage{Type: "sub", ID: "s1", Prefix: "/posts"})
	assert.Equal(t, "ack", readMsg(t, sub).Type)

	sendMsg(t, pub, proto.GraphMessage{
		Type:  "put",
		ID:    "p1",
		Entry: &proto.Entry{Key: "/posts/1", Value: json.RawMessage(`"hello"`)},
	})
	assert.Equal(t, "ack", readMsg(t, pub).Type)

	// A write outside the prefix must not be delivered.
	sendMsg(t, pub, proto.GraphMessage{
		Type:  "put",
		ID:    "p2",
		Entry: &proto.Entry{Key: "/other/1", Value: json.RawMessage(`"x"`)},
	})
	assert.Equal(t, "ack", readMsg(t, pub).Type)

	got := readMsg(t, sub)
	require.Equal(t, "entry", got.Type)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "/posts/1", got.Entry.Key)
}

func TestSeparateInstancesAreIsolated(t *testing.T) {
	ts, _ := newTestWire(t, 10)
	a := dialGraph(t, ts, "tenants/a")
	b := dialGraph(t, ts, "tenants/b")

	sendMsg(t, a, proto.GraphMessage{
		Type:  "put",
		ID:    "1",
		Entry: &proto.Entry{Key: "/k", Value: json.RawMessage(`1`)},
	})
	assert.Equal(t, "ack", readMsg(t, a).Type)

	sendMsg(t, b, proto.GraphMessage{Type: "get", ID: "2", Key: "/k"})
	reply := readMsg(t, b)
	assert.Equal(t, "error", reply.Type)
}

func TestEmptyPathServesPersistentInstance(t *testing.T) {
	ts, registry := newTestWire(t, 10)
	conn := dialGraph(t, ts, "")

	sendMsg(t, conn, proto.GraphMessage{
		Type:  "put",
		ID:    "1",
		Entry: &proto.Entry{Key: "/k", Value: json.RawMessage(`true`)},
	})
	assert.Equal(t, "ack", readMsg(t, conn).Type)

	var v bool
	require.NoError(t, registry.Root().Store().Get(context.Background(), "/k", &v))
	assert.True(t, v)
}

func TestInvalidPathRejectedBeforeUpgrade(t *testing.T) {
	ts, _ := newTestWire(t, 10)

	resp, err := http.Get(ts.URL + "/graph/root/sub")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvictionClosesConnections(t *testing.T) {
	ts, registry := newTestWire(t, 1)
	conn := dialGraph(t, ts, "a")

	sendMsg(t, conn, proto.GraphMessage{
		Type:  "put",
		ID:    "1",
		Entry: &proto.Entry{Key: "/k", Value: json.RawMessage(`1`)},
	})
	assert.Equal(t, "ack", readMsg(t, conn).Type)

	// Resolving a second path evicts /a and must close its socket.
	_, err := registry.Resolve("b")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestUnknownMessageType(t *testing.T) {
	ts, _ := newTestWire(t, 10)
	conn := dialGraph(t, ts, "")

	sendMsg(t, conn, proto.GraphMessage{Type: "bogus", ID: "1"})
	reply := readMsg(t, conn)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "1", reply.ID)
}
