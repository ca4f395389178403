package network

import (
	"time"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// EventKind names what happened
type EventKind string

const (
	EventEstablished     EventKind = "established"
	EventFailed          EventKind = "failed"
	EventMessageReceived EventKind = "message_received"
	EventMessageSent     EventKind = "message_sent" // delivery acknowledged by the peer
	EventReadReceipt     EventKind = "read_receipt"
	EventPublicMessage   EventKind = "public_message"
	EventClosed          EventKind = "closed"
	EventVerified        EventKind = "verified"
	EventPeerAnnounced   EventKind = "peer_announced"
)

// Event is delivered to the application through Node.Events
type Event struct {
	Kind      EventKind          `json:"kind"`
	Peer      protocol.PeerID    `json:"peer"`
	MessageID protocol.MessageID `json:"message_id"`
	Data      []byte             `json:"data,omitempty"`
	Text      string             `json:"text,omitempty"`
	Nickname  string             `json:"nickname,omitempty"`
	Verified  bool               `json:"verified,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Time      time.Time          `json:"time"`
}

// eventBuffer is the depth of the event channel. Events beyond it are
// dropped and counted.
const eventBuffer = 1024

func (n *Node) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = n.clock.Now()
	}
	select {
	case n.events <- ev:
	default:
		n.metrics.EventsDropped.Inc()
		log.Warnw("event dropped, consumer too slow", "kind", ev.Kind, "peer", ev.Peer)
	}
}
