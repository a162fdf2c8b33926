package wire

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

const (
	linkHandshakeTimeout = 30 * time.Second
	linkMaxBackoff       = 30 * time.Second
)

// PeerLink maintains an outbound connection to a configured peer's wire
// endpoint, syncing the persistent instance in both directions: remote
// entries are applied locally and local entries are forwarded out.
type PeerLink struct {
	self  string
	url   string // ws:// or wss:// base URL
	store *graph.Store
}

// NewPeerLink creates a link from the local persistent store to a peer.
func NewPeerLink(self, url string, store *graph.Store) *PeerLink {
	return &PeerLink{self: self, url: url, store: store}
}

// Run connects and resyncs with exponential backoff until the context is
// cancelled.
func (l *PeerLink) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := l.connectAndSync(ctx); err != nil {
			log.Warn().Err(err).Str("peer", l.url).Dur("backoff", backoff).
				Msg("peer link lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > linkMaxBackoff {
			backoff = linkMaxBackoff
		}
	}
}

func (l *PeerLink) connectAndSync(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: linkHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, l.url+"/graph", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Str("peer", l.url).Msg("peer link connected")

	// Subscribe to everything the peer publishes.
	sub, err := json.Marshal(proto.GraphMessage{Type: "sub", Prefix: "/"})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return err
	}

	localCh, cancelLocal := l.store.Subscribe("/")
	defer cancelLocal()

	writeChan := make(chan []byte, writeChanSize)
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	// Forward local entries to the peer. Entries authored remotely come
	// back through the subscription; skipping them stops echo loops.
	go func() {
		defer cancelConn()
		for {
			select {
			case <-connCtx.Done():
				return
			case e, ok := <-localCh:
				if !ok {
					return
				}
				if e.Author != "" && e.Author != l.self {
					continue
				}
				entry := e
				data, err := json.Marshal(proto.GraphMessage{Type: "put", Entry: &entry})
				if err != nil {
					continue
				}
				select {
				case writeChan <- data:
				default:
					log.Debug().Str("peer", l.url).Msg("dropping entry for slow peer link")
				}
			}
		}
	}()

	go func() {
		defer cancelConn()
		pingTicker := time.NewTicker(pingInterval)
		defer pingTicker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case data := <-writeChan:
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()

	// Close the socket when the context ends so the read below unblocks.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg proto.GraphMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "entry" || msg.Entry == nil {
			continue
		}
		// Only apply entries authored elsewhere; our own writes are
		// already in the store.
		if msg.Entry.Author == l.self {
			continue
		}
		if err := l.store.PutEntry(ctx, *msg.Entry); err != nil {
			log.Debug().Err(err).Str("key", msg.Entry.Key).Msg("rejected entry from peer")
		}
	}
}
