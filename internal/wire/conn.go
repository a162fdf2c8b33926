package wire

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/pkg/proto"
)

// wsConn wraps a WebSocket connection with a buffered write queue so
// subscription fan-out never blocks on a slow client.
type wsConn struct {
	conn      *websocket.Conn
	writeChan chan []byte
	closeChan chan struct{}

	closeMu sync.Mutex
	closed  bool

	subMu   sync.Mutex
	cancels []func()
}

func newWSConn(conn *websocket.Conn) *wsConn {
	wc := &wsConn{
		conn:      conn,
		writeChan: make(chan []byte, writeChanSize),
		closeChan: make(chan struct{}),
	}
	go wc.writeLoop()
	return wc
}

// send queues a frame for delivery. Returns false once the connection is
// closed. A full queue drops the frame rather than blocking the caller.
func (wc *wsConn) send(msg proto.GraphMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	select {
	case <-wc.closeChan:
		return false
	case wc.writeChan <- data:
		return true
	default:
		log.Debug().Str("type", msg.Type).Msg("dropping frame for slow graph client")
		return true
	}
}

func (wc *wsConn) writeLoop() {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-wc.closeChan:
			return
		case <-pingTicker.C:
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				log.Debug().Err(err).Msg("graph connection ping failed")
				return
			}
		case data := <-wc.writeChan:
			if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Msg("graph connection write failed")
				return
			}
		}
	}
}

// addSubscription records a store subscription to cancel on close.
func (wc *wsConn) addSubscription(cancel func()) {
	wc.subMu.Lock()
	defer wc.subMu.Unlock()
	wc.cancels = append(wc.cancels, cancel)
}

// Close cancels all subscriptions, stops the writer and closes the
// underlying connection. Safe to call more than once.
func (wc *wsConn) Close() error {
	wc.closeMu.Lock()
	if wc.closed {
		wc.closeMu.Unlock()
		return nil
	}
	wc.closed = true
	close(wc.closeChan)
	wc.closeMu.Unlock()

	wc.subMu.Lock()
	cancels := wc.cancels
	wc.cancels = nil
	wc.subMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	_ = wc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return wc.conn.Close()
}
