package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Relay wire format over a websocket connection:
//
//	binary, client -> relay:  to(8) || frame
//	binary, relay -> client:  from(8) || frame
//	text,   relay -> client:  {"peers": ["<hex id>", ...]}
//
// The relay only forwards; it never sees plaintext since frames are mesh
// packets.
const relayAddressSize = protocol.PeerIDSize

// RelayPeerParam is the query parameter carrying the client's peer id
const RelayPeerParam = "peer"

const relayWriteTimeout = 10 * time.Second

// RelayPeerList is the text message a relay sends when membership changes
type RelayPeerList struct {
	Peers []string `json:"peers"`
}

// WebSocket is a client for a frame-forwarding relay. A dropped connection
// is redialled with exponential backoff until Close.
type WebSocket struct {
	self    protocol.PeerID
	url     string
	writeMu sync.Mutex // guards conn and writes to it
	conn    *websocket.Conn

	mu    sync.RWMutex
	peers map[protocol.PeerID]struct{}

	inbound   chan Inbound
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// DialWebSocket connects to the relay at rawURL as self
func DialWebSocket(ctx context.Context, self protocol.PeerID, rawURL string) (*WebSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set(RelayPeerParam, self.String())
	u.RawQuery = q.Encode()

	conn, err := dialRelay(ctx, u.String())
	if err != nil {
		return nil, err
	}

	w := &WebSocket{
		self:     self,
		url:      u.String(),
		conn:     conn,
		peers:    make(map[protocol.PeerID]struct{}),
		inbound:  make(chan Inbound, inboundBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go w.run()

	log.Infow("connected to relay", "url", u.Redacted())
	return w, nil
}

func dialRelay(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}
	conn.SetReadLimit(MaxFrameSize + relayAddressSize)
	return conn, nil
}

// readLoop returns when conn fails or the transport closes
func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
			default:
				log.Warnw("relay connection lost", "error", err)
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			w.updatePeers(msg)
		case websocket.BinaryMessage:
			if len(msg) <= relayAddressSize {
				log.Debugw("short relay frame", "size", len(msg))
				continue
			}
			var from protocol.PeerID
			copy(from[:], msg[:relayAddressSize])
			w.mu.Lock()
			w.peers[from] = struct{}{}
			w.mu.Unlock()

			select {
			case w.inbound <- Inbound{From: from, Data: msg[relayAddressSize:]}:
			case <-w.done:
				return
			}
		}
	}
}

func (w *WebSocket) updatePeers(msg []byte) {
	var list RelayPeerList
	if err := json.Unmarshal(msg, &list); err != nil {
		log.Debugw("bad relay peer list", "error", err)
		return
	}
	peers := make(map[protocol.PeerID]struct{}, len(list.Peers))
	for _, s := range list.Peers {
		id, err := protocol.ParsePeerID(s)
		if err != nil || id == w.self {
			continue
		}
		peers[id] = struct{}{}
	}
	w.mu.Lock()
	w.peers = peers
	w.mu.Unlock()
}

// Send asks the relay to forward frame to a peer
func (w *WebSocket) Send(ctx context.Context, to protocol.PeerID, frame []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	msg := make([]byte, 0, relayAddressSize+len(frame))
	msg = append(msg, to[:]...)
	msg = append(msg, frame...)

	deadline := time.Now().Add(relayWriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("failed to write to relay: %w", err)
	}
	return nil
}

// Inbound returns frames forwarded by the relay
func (w *WebSocket) Inbound() <-chan Inbound {
	return w.inbound
}

// Peers returns the peers the relay reported or that sent us frames
func (w *WebSocket) Peers() []protocol.PeerID {
	w.mu.RLock()
	defer w.mu.RUnlock()

	peers := make([]protocol.PeerID, 0, len(w.peers))
	for id := range w.peers {
		peers = append(peers, id)
	}
	return peers
}

// Close sends a close message and tears the connection down
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)

		w.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); werr != nil {
			log.Debugw("close handshake failed", "error", werr)
		}
		err = w.conn.Close()
		w.writeMu.Unlock()

		<-w.readDone
	})
	return err
}
