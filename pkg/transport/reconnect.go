package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

const (
	reconnectMinBackoff = time.Second
	reconnectMaxBackoff = 30 * time.Second
	redialTimeout       = 10 * time.Second
)

// run reads from the relay and redials with exponential backoff whenever
// the connection drops, until Close
func (w *WebSocket) run() {
	defer close(w.readDone)

	backoff := reconnectMinBackoff
	for {
		w.readLoop(w.currentConn())
		if w.closed() {
			return
		}

		// peers reached through a dead relay are not neighbours
		w.mu.Lock()
		w.peers = make(map[protocol.PeerID]struct{})
		w.mu.Unlock()

		for {
			log.Infow("reconnecting to relay", "backoff", backoff)
			select {
			case <-w.done:
				return
			case <-time.After(backoff):
			}

			if err := w.reconnect(); err != nil {
				log.Warnw("relay reconnect failed", "error", err)
				backoff *= 2
				if backoff > reconnectMaxBackoff {
					backoff = reconnectMaxBackoff
				}
				continue
			}
			log.Infow("reconnected to relay")
			backoff = reconnectMinBackoff
			break
		}
	}
}

// reconnect dials the relay again and swaps the new connection in
func (w *WebSocket) reconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), redialTimeout)
	defer cancel()
	conn, err := dialRelay(ctx, w.url)
	if err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed() {
		return conn.Close()
	}
	old := w.conn
	w.conn = conn
	_ = old.Close()
	return nil
}

func (w *WebSocket) currentConn() *websocket.Conn {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn
}

func (w *WebSocket) closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
