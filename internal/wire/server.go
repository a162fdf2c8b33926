// Package wire serves graph instances over WebSocket. Clients address an
// instance by path, then exchange put/get/sub frames against its store.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/internal/instance"
	"github.com/graphmesh/graphmesh/internal/metrics"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

const (
	readDeadline  = 90 * time.Second
	pingInterval  = 30 * time.Second
	writeChanSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ContentProvider serves locally pinned content by CID. Satisfied by the
// replication pinner.
type ContentProvider interface {
	Retrieve(ctx context.Context, c cid.Cid) ([]byte, error)
}

// Server is the wire endpoint. Connections are bound to the instance
// resolved from the request path, so instance eviction closes them.
type Server struct {
	registry *instance.Registry
	content  ContentProvider
	nm       *metrics.NodeMetrics
	listen   string

	mux  *http.ServeMux
	http *http.Server
}

// NewServer creates the wire server over the given registry. The content
// provider may be nil when this node serves no pinned content.
func NewServer(listen string, registry *instance.Registry, content ContentProvider, nm *metrics.NodeMetrics) *Server {
	s := &Server{
		registry: registry,
		content:  content,
		nm:       nm,
		listen:   listen,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/graph", s.handleGraph)
	s.mux.HandleFunc("/graph/", s.handleGraph)
	s.mux.HandleFunc("/content/", s.handleContent)
	return s
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.content == nil {
		http.Error(w, "no content served", http.StatusNotFound)
		return
	}
	c, err := cid.Decode(strings.TrimPrefix(r.URL.Path, "/content/"))
	if err != nil {
		http.Error(w, "invalid cid", http.StatusBadRequest)
		return
	}
	data, err := s.content.Retrieve(r.Context(), c)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			http.Error(w, "content not pinned", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the wire server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{Addr: s.listen, Handler: s}
	log.Info().Str("listen", s.listen).Msg("starting wire server")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the wire server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/graph")
	path = strings.Trim(path, "/")
	if path == "" {
		path = s.registry.RootPath()
	}

	inst, err := s.registry.Resolve(path)
	if err != nil {
		if errors.Is(err, instance.ErrInvalidPath) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("websocket upgrade failed")
		return
	}

	wc := newWSConn(conn)
	inst.Bind(wc)
	if s.nm != nil {
		s.nm.WireConnections.Inc()
	}
	log.Info().Str("path", path).Str("remote", conn.RemoteAddr().String()).
		Msg("graph connection established")

	defer func() {
		inst.Unbind(wc)
		wc.Close()
		if s.nm != nil {
			s.nm.WireConnections.Dec()
		}
		log.Info().Str("path", path).Msg("graph connection closed")
	}()

	s.readLoop(wc, inst.Store())
}

func (s *Server) readLoop(wc *wsConn, store *graph.Store) {
	conn := wc.conn
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("graph connection read error")
			}
			return
		}

		var msg proto.GraphMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wc.send(proto.GraphMessage{Type: "error", Error: "malformed frame"})
			continue
		}
		s.handleMessage(wc, store, msg)
	}
}

func (s *Server) handleMessage(wc *wsConn, store *graph.Store, msg proto.GraphMessage) {
	ctx := context.Background()
	switch msg.Type {
	case "put":
		if msg.Entry == nil {
			wc.send(proto.GraphMessage{Type: "error", ID: msg.ID, Error: "put requires an entry"})
			return
		}
		e := *msg.Entry
		if e.UpdatedAt == 0 {
			e.UpdatedAt = time.Now().UnixMilli()
		}
		if err := store.PutEntry(ctx, e); err != nil {
			wc.send(proto.GraphMessage{Type: "error", ID: msg.ID, Error: err.Error()})
			return
		}
		wc.send(proto.GraphMessage{Type: "ack", ID: msg.ID, OK: true})

	case "get":
		if msg.Key == "" {
			wc.send(proto.GraphMessage{Type: "error", ID: msg.ID, Error: "get requires a key"})
			return
		}
		e, err := store.GetEntry(ctx, msg.Key)
		if err != nil {
			wc.send(proto.GraphMessage{Type: "error", ID: msg.ID, Error: err.Error()})
			return
		}
		wc.send(proto.GraphMessage{Type: "entry", ID: msg.ID, Entry: &e})

	case "sub":
		prefix := msg.Prefix
		if prefix == "" {
			prefix = "/"
		}
		ch, cancel := store.Subscribe(prefix)
		wc.addSubscription(cancel)
		wc.send(proto.GraphMessage{Type: "ack", ID: msg.ID, OK: true})
		go func() {
			for e := range ch {
				entry := e
				if !wc.send(proto.GraphMessage{Type: "entry", ID: msg.ID, Entry: &entry}) {
					return
				}
			}
		}()

	default:
		wc.send(proto.GraphMessage{Type: "error", ID: msg.ID, Error: "unknown message type"})
	}
}
