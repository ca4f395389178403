package network

import (
	"errors"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

// handleFrame is the inbound pipeline: decode, dedup, relay, reassemble, dispatch.
// Runs on the orchestrator goroutine.
func (n *Node) handleFrame(in transport.Inbound) {
	pkt, verified, err := n.codec.Decode(in.Data)
	if err != nil {
		reason := dropMalformed
		switch {
		case errors.Is(err, protocol.ErrInvalidSignature):
			reason = dropSignature
		case errors.Is(err, protocol.ErrUnsupportedVersion):
			reason = dropUnsupported
		}
		n.metrics.drop(reason)
		log.Debugw("dropped frame", "from", in.From, "reason", reason, "error", err)
		return
	}
	if pkt.SenderID == n.self {
		n.metrics.drop(dropOwn)
		return
	}

	spec, err := n.registry.ValidatePacket(pkt)
	if err != nil {
		n.metrics.drop(dropMalformed)
		log.Debugw("dropped invalid packet", "from", in.From, "type", pkt.Type, "error", err)
		return
	}
	n.metrics.PacketsIn.WithLabelValues(spec.Name).Inc()

	fresh, err := n.gossip.Observe(n.ctx, pkt.ID())
	if err != nil {
		return
	}
	if !fresh {
		n.metrics.DedupHits.Inc()
		n.metrics.drop(dropDuplicate)
		return
	}

	n.relay(pkt, in.From)
	if !pkt.IsFor(n.self) {
		return
	}

	switch {
	case spec.Experimental:
		n.handleExperimental(pkt.SenderID, pkt.Type, pkt.Payload)
	case pkt.Type == protocol.TypeFragment:
		n.handleFragment(pkt, in.From)
	default:
		n.dispatch(pkt, in.From, verified)
	}
}

// handleFragment buffers a fragment and dispatches the rebuilt packet once
// its group completes
func (n *Node) handleFragment(pkt *protocol.Packet, from protocol.PeerID) {
	f, err := protocol.DecodeFragment(pkt.Payload)
	if err != nil {
		n.metrics.drop(dropFragment)
		return
	}
	body, complete, err := n.reasm.Add(pkt.SenderID, f, n.now())
	if err != nil {
		n.metrics.drop(dropFragment)
		log.Debugw("fragment rejected", "sender", pkt.SenderID, "id", f.ID, "error", err)
		return
	}
	if !complete {
		return
	}
	n.metrics.Reassembled.Inc()

	if len(body) < 1 || body[0] == protocol.TypeFragment {
		n.metrics.drop(dropFragment)
		return
	}
	logical := &protocol.Packet{
		Version:   pkt.Version,
		Type:      body[0],
		TTL:       pkt.TTL,
		Timestamp: pkt.Timestamp,
		Flags:     pkt.Flags,
		SenderID:  pkt.SenderID,
		Payload:   body[1:],
	}
	if pkt.RecipientID != nil {
		r := *pkt.RecipientID
		logical.RecipientID = &r
	}

	spec, err := n.registry.ValidatePacket(logical)
	if err != nil {
		n.metrics.drop(dropMalformed)
		log.Debugw("reassembled packet invalid", "sender", pkt.SenderID, "error", err)
		return
	}
	fresh, err := n.gossip.Observe(n.ctx, logical.ID())
	if err != nil {
		return
	}
	if !fresh {
		n.metrics.DedupHits.Inc()
		n.metrics.drop(dropDuplicate)
		return
	}
	if spec.Experimental {
		n.handleExperimental(logical.SenderID, logical.Type, logical.Payload)
		return
	}
	n.dispatch(logical, from, false)
}

// dispatch hands a fresh packet addressed to us to its handler
func (n *Node) dispatch(pkt *protocol.Packet, from protocol.PeerID, verified bool) {
	switch pkt.Type {
	case protocol.TypeAnnounce:
		n.handleAnnounce(pkt)
	case protocol.TypeMessage:
		n.handlePublicMessage(pkt, verified)
	case protocol.TypeLeave:
		n.handleLeave(pkt, verified)
	case protocol.TypeRequestSync:
		go n.answerSync(n.ctx, from, pkt.Payload)
	case protocol.TypeHandshakeInit:
		n.deliver(n.task(pkt.SenderID, true), pkt)
	case protocol.TypeHandshakeResponse, protocol.TypeHandshakeFinal, protocol.TypeNoiseEncrypted:
		n.deliver(n.task(pkt.SenderID, false), pkt)
	default:
		n.metrics.drop(dropUnhandled)
	}
}

// deliver never blocks the orchestrator: a task whose inbox is full loses
// the packet
func (n *Node) deliver(t *peerTask, pkt *protocol.Packet) {
	if t == nil || t.finished() {
		n.metrics.drop(dropNoSession)
		log.Debugw("no session for packet", "sender", pkt.SenderID, "type", typeLabel(pkt.Type))
		return
	}
	if !t.post(inPacket{pkt: pkt}) {
		n.metrics.drop(dropQueueFull)
		log.Debugw("session inbox full", "sender", pkt.SenderID, "type", typeLabel(pkt.Type))
	}
}

// handleAnnounce learns a peer's keys on first use
func (n *Node) handleAnnounce(pkt *protocol.Packet) {
	a, err := protocol.DecodeAnnounce(pkt.Payload)
	if err != nil {
		n.metrics.drop(dropMalformed)
		return
	}
	if crypto.DerivePeerID(a.NoiseKey[:]) != pkt.SenderID {
		n.metrics.drop(dropIdentity)
		log.Debugw("announce key does not match sender", "sender", pkt.SenderID)
		return
	}
	if pkt.Signature == nil || pkt.Verify(a.SigningKey) != nil {
		n.metrics.drop(dropSignature)
		return
	}

	nowMs := n.now().UnixMilli()
	created, err := n.peers.LearnPeer(&storage.PeerRecord{
		PeerID:     pkt.SenderID,
		Nickname:   a.Nickname,
		NoiseKey:   a.NoiseKey,
		SigningKey: a.SigningKey,
		FirstSeen:  nowMs,
		LastSeen:   nowMs,
	})
	if errors.Is(err, storage.ErrKeyMismatch) {
		n.metrics.drop(dropIdentity)
		log.Warnw("announce with keys different from the pinned ones", "peer", pkt.SenderID)
		return
	}
	if err != nil {
		log.Warnw("failed to store peer", "peer", pkt.SenderID, "error", err)
		return
	}

	n.remember(n.ctx, pkt)
	if created {
		log.Infow("learned peer", "peer", pkt.SenderID, "nickname", a.Nickname)
	}
	n.emit(Event{Kind: EventPeerAnnounced, Peer: pkt.SenderID, Nickname: a.Nickname, Verified: true})
}

func (n *Node) handlePublicMessage(pkt *protocol.Packet, verified bool) {
	n.remember(n.ctx, pkt)
	ev := Event{
		Kind:      EventPublicMessage,
		Peer:      pkt.SenderID,
		MessageID: pkt.ID(),
		Text:      string(pkt.Payload),
		Verified:  verified,
	}
	if rec, err := n.peers.GetPeer(pkt.SenderID); err == nil {
		ev.Nickname = rec.Nickname
	}
	n.emit(ev)
}

// handleLeave closes the sender's session. Only a signature checked against
// the pinned key may close it.
func (n *Node) handleLeave(pkt *protocol.Packet, verified bool) {
	if !verified {
		return
	}
	if t := n.task(pkt.SenderID, false); t != nil {
		n.deliver(t, pkt)
	}
}

func (n *Node) handleExperimental(from protocol.PeerID, code uint8, body []byte) {
	fn := n.experimentalHandler(code)
	if fn == nil {
		n.metrics.drop(dropUnhandled)
		return
	}
	fn(from, code, append([]byte(nil), body...))
}
