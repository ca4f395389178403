package network

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"

	"github.com/ZentaChain/zentalk-mesh/pkg/fragment"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

const (
	relayTimeout = 5 * time.Second
	// sendTimeout bounds one session task send
	sendTimeout = 10 * time.Second
)

// frameOverhead is the largest non-payload part of a frame: header, sender,
// recipient, a full route and a signature
func frameOverhead(version uint8) (int, error) {
	hs, err := protocol.HeaderSize(version)
	if err != nil {
		return 0, err
	}
	return hs + 2*protocol.PeerIDSize + 1 + int(protocol.MaxTTL)*protocol.PeerIDSize + protocol.SignatureSize, nil
}

// frameBudget is the largest payload one frame of version carries: the
// version maximum, capped so the frame fits transport.MaxFrameSize
func frameBudget(version uint8) (uint64, error) {
	maxPayload, err := protocol.MaxPayload(version)
	if err != nil {
		return 0, err
	}
	overhead, err := frameOverhead(version)
	if err != nil {
		return 0, err
	}
	if limit := uint64(transport.MaxFrameSize - overhead); limit < maxPayload {
		maxPayload = limit
	}
	return maxPayload, nil
}

// newPacket builds a packet originating at this node
func (n *Node) newPacket(typ uint8, to *protocol.PeerID, payload []byte) *protocol.Packet {
	return &protocol.Packet{
		Version:     n.cfg.Version,
		Type:        typ,
		TTL:         n.cfg.DefaultTTL,
		Timestamp:   n.timestamp(),
		SenderID:    n.self,
		RecipientID: to,
		Payload:     payload,
	}
}

// transmit sends a packet of our own: it is marked seen, split into
// fragments when it exceeds its version's payload limit, and sent to the
// next hops
func (n *Node) transmit(ctx context.Context, pkt *protocol.Packet) error {
	frames, err := n.frames(ctx, pkt)
	if err != nil {
		return err
	}
	hops := n.nextHops(pkt, protocol.PeerID{})
	if len(hops) == 0 {
		return ErrNotConnected
	}

	typeName := typeLabel(pkt.Type)
	var errs error
	delivered := false
	for _, hop := range hops {
		hopErr := error(nil)
		for _, frame := range frames {
			if err := n.transport.Send(ctx, hop, frame); err != nil {
				hopErr = fmt.Errorf("send to %s: %w", hop, err)
				break
			}
		}
		if hopErr != nil {
			errs = multierr.Append(errs, hopErr)
			continue
		}
		delivered = true
		n.metrics.PacketsOut.WithLabelValues(typeName).Inc()
	}
	if !delivered {
		return fmt.Errorf("%w: %v", ErrNotConnected, errs)
	}
	if errs != nil {
		log.Debugw("some hops failed", "type", typeName, "error", errs)
	}
	return nil
}

// frames encodes pkt, fragmenting it when needed
func (n *Node) frames(ctx context.Context, pkt *protocol.Packet) ([][]byte, error) {
	maxPayload, err := frameBudget(pkt.Version)
	if err != nil {
		return nil, err
	}
	if _, err := n.gossip.Observe(ctx, pkt.ID()); err != nil {
		return nil, err
	}

	if uint64(len(pkt.Payload)) <= maxPayload {
		frame, err := pkt.Encode()
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}
	if pkt.Signature != nil {
		return nil, fmt.Errorf("%w: signed packets are not fragmented", protocol.ErrPayloadTooLarge)
	}

	// The first byte of the fragmented body is the original packet type
	body := make([]byte, 0, len(pkt.Payload)+1)
	body = append(body, pkt.Type)
	body = append(body, pkt.Payload...)
	frags, err := fragment.Split(body, int(maxPayload))
	if err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, len(frags))
	for i := range frags {
		chunk, err := protocol.EncodeFragment(&frags[i])
		if err != nil {
			return nil, err
		}
		fp := &protocol.Packet{
			Version:     pkt.Version,
			Type:        protocol.TypeFragment,
			TTL:         pkt.TTL,
			Timestamp:   pkt.Timestamp,
			Flags:       pkt.Flags,
			SenderID:    pkt.SenderID,
			RecipientID: pkt.RecipientID,
			Payload:     chunk,
		}
		frame, err := fp.Encode()
		if err != nil {
			return nil, err
		}
		if _, err := n.gossip.Observe(ctx, fp.ID()); err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	n.metrics.FragmentsSent.Add(float64(len(frames)))
	log.Debugw("fragmented packet", "type", typeLabel(pkt.Type), "size", len(pkt.Payload), "fragments", len(frames))
	return frames, nil
}

// nextHops picks neighbours for pkt: the recipient itself when it is a
// neighbour, otherwise every neighbour except the one it came from and its
// original sender
func (n *Node) nextHops(pkt *protocol.Packet, from protocol.PeerID) []protocol.PeerID {
	neighbours := n.transport.Peers()
	if !pkt.IsBroadcast() {
		to := *pkt.RecipientID
		for _, p := range neighbours {
			if p == to {
				return []protocol.PeerID{to}
			}
		}
	}

	hops := make([]protocol.PeerID, 0, len(neighbours))
	for _, p := range neighbours {
		if p == from || p == pkt.SenderID || p == n.self {
			continue
		}
		hops = append(hops, p)
	}
	return hops
}

// relay forwards a packet that is not only for us with its TTL decremented
func (n *Node) relay(pkt *protocol.Packet, from protocol.PeerID) {
	if pkt.TTL == 0 {
		return
	}
	if !pkt.IsBroadcast() && *pkt.RecipientID == n.self {
		return
	}

	fwd := pkt.Clone()
	fwd.TTL--
	frame, err := fwd.Encode()
	if err != nil {
		log.Debugw("cannot re-encode packet for relay", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, relayTimeout)
	defer cancel()
	for _, hop := range n.nextHops(fwd, from) {
		if err := n.transport.Send(ctx, hop, frame); err != nil {
			log.Debugw("relay failed", "hop", hop, "error", err)
			continue
		}
		n.metrics.Relayed.Inc()
	}
}

// Announce broadcasts this node's nickname and public keys
func (n *Node) Announce(ctx context.Context) error {
	a := &protocol.Announce{
		Nickname:   n.cfg.Nickname,
		NoiseKey:   n.identity.NoisePublic,
		SigningKey: n.identity.SigningPublic(),
	}
	payload, err := a.Encode()
	if err != nil {
		return err
	}
	return n.broadcastPacket(ctx, n.newPacket(protocol.TypeAnnounce, nil, payload))
}

// Broadcast sends a signed public text message to the whole mesh
func (n *Node) Broadcast(ctx context.Context, text string) (protocol.MessageID, error) {
	if text == "" || !utf8.ValidString(text) {
		return protocol.MessageID{}, fmt.Errorf("%w: message must be non-empty UTF-8", protocol.ErrMalformedPacket)
	}
	if len(text) > n.maxPayload {
		return protocol.MessageID{}, fmt.Errorf("%w: %d bytes, limit %d", protocol.ErrPayloadTooLarge, len(text), n.maxPayload)
	}
	pkt := n.newPacket(protocol.TypeMessage, nil, []byte(text))
	return pkt.ID(), n.broadcastPacket(ctx, pkt)
}

func (n *Node) sendLeave(ctx context.Context) error {
	return n.broadcastPacket(ctx, n.newPacket(protocol.TypeLeave, nil, nil))
}

// broadcastPacket signs, remembers and floods a public packet
func (n *Node) broadcastPacket(ctx context.Context, pkt *protocol.Packet) error {
	if err := pkt.Sign(n.identity.SigningKey); err != nil {
		return err
	}
	n.remember(ctx, pkt)
	err := n.transmit(ctx, pkt)
	if err == ErrNotConnected {
		// nobody to tell yet; gossip sync delivers it later
		return nil
	}
	return err
}

// remember keeps a public packet for reconciliation. Leaves are not kept:
// a late copy must not close a newer session.
func (n *Node) remember(ctx context.Context, pkt *protocol.Packet) {
	if pkt.Type == protocol.TypeLeave {
		return
	}
	maxPayload, err := frameBudget(pkt.Version)
	if err != nil || uint64(len(pkt.Payload)) > maxPayload {
		return
	}
	frame, err := pkt.Encode()
	if err != nil {
		return
	}
	if err := n.gossip.Remember(ctx, pkt.ID(), frame); err != nil {
		log.Debugw("gossip remember failed", "error", err)
	}
}

// zeroTTL re-encodes a stored packet so the receiver does not relay it
func zeroTTL(frame []byte) ([]byte, error) {
	p, err := protocol.Decode(frame)
	if err != nil {
		return nil, err
	}
	p.TTL = 0
	return p.Encode()
}

// reinjectFrame feeds a frame received inside a session back into the
// inbound path. Dropped when the queue is full; gossip retries later.
func (n *Node) reinjectFrame(from protocol.PeerID, frame []byte) {
	select {
	case n.reinject <- transport.Inbound{From: from, Data: frame}:
	default:
		n.metrics.drop(dropQueueFull)
	}
}

// syncRound starts reconciliation with neighbours and over sessions
func (n *Node) syncRound() {
	for _, t := range n.tasks {
		if !t.finished() {
			t.post(cmdSync{})
		}
	}
	go n.requestSync(n.ctx)
}

// requestSync sends our summary in plaintext to every neighbour
func (n *Node) requestSync(ctx context.Context) {
	summary, err := n.gossip.Summary(ctx, n.maxPayload)
	if err != nil {
		log.Debugw("summary failed", "error", err)
		return
	}
	pkt := n.newPacket(protocol.TypeRequestSync, nil, summary)
	pkt.TTL = 0
	frame, err := pkt.Encode()
	if err != nil {
		log.Debugw("request sync encode failed", "error", err)
		return
	}
	for _, p := range n.transport.Peers() {
		if err := n.transport.Send(ctx, p, frame); err != nil {
			log.Debugw("request sync failed", "peer", p, "error", err)
			continue
		}
		n.metrics.PacketsOut.WithLabelValues(typeLabel(protocol.TypeRequestSync)).Inc()
	}
}

// answerSync sends every stored packet the summary lacks straight to a neighbour
func (n *Node) answerSync(ctx context.Context, to protocol.PeerID, summary []byte) {
	missing, err := n.gossip.Missing(ctx, summary, n.cfg.SyncResendLimit)
	if err != nil {
		log.Debugw("bad sync summary", "peer", to, "error", err)
		return
	}
	for _, stored := range missing {
		frame, err := zeroTTL(stored)
		if err != nil {
			continue
		}
		if err := n.transport.Send(ctx, to, frame); err != nil {
			log.Debugw("sync resend failed", "peer", to, "error", err)
			return
		}
		n.metrics.GossipResent.Inc()
	}
}

func typeLabel(code uint8) string {
	if s, err := protocol.DefaultRegistry().LookupOuter(code); err == nil {
		return s.Name
	}
	return fmt.Sprintf("%#02x", code)
}
