package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/session"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
)

var (
	errSuperseded = errors.New("superseded by a new handshake")
	// errTaskExited means the task ended before it answered
	errTaskExited = errors.New("session task exited")
)

// summaryLimit bounds the dedup summary sent inside a session
const summaryLimit = 4096

// Commands sent to a session task
type (
	cmdOpen    struct{}
	cmdSend    struct{ msg protocol.PrivateMessage }
	cmdControl struct {
		payload uint8
		body    []byte
	}
	cmdClose  struct{ reason string }
	cmdRekey  struct{}
	cmdVerify struct{}
	cmdInfo   struct{ out *SessionInfo }
	cmdSync   struct{}
)

type inPacket struct {
	pkt *protocol.Packet
}

type request struct {
	cmd   any
	reply chan error
}

// SessionInfo is a snapshot of one session
type SessionInfo struct {
	Peer           protocol.PeerID `json:"peer"`
	Nickname       string          `json:"nickname,omitempty"`
	State          string          `json:"state"`
	Initiator      bool            `json:"initiator"`
	SendCounter    uint64          `json:"send_counter"`
	RecvCounter    uint64          `json:"recv_counter"`
	Queued         int             `json:"queued"`
	EstablishedAt  time.Time       `json:"established_at,omitempty"`
	LastRekeyAt    time.Time       `json:"last_rekey_at,omitempty"`
	ChannelBinding string          `json:"channel_binding,omitempty"`
}

// peerTask owns one peer's Session and handshake machine. Everything below
// the inbox runs on the task goroutine only.
type peerTask struct {
	node  *Node
	peer  protocol.PeerID
	inbox chan any
	done  chan struct{}

	sess    *session.Session
	hs      *noise.Machine
	hsRekey bool
	// hsShadow marks a responder attempt running beside an Established
	// session. The session only changes once that attempt authenticates.
	hsShadow   bool
	initiator  bool
	hsTimer    *clock.Timer
	rekeyTimer *clock.Timer

	queue     []protocol.NoisePayload
	unacked   map[protocol.MessageID]struct{}
	challenge []byte
	failed    bool
	stop      bool
}

func newPeerTask(n *Node, peer protocol.PeerID) *peerTask {
	return &peerTask{
		node:    n,
		peer:    peer,
		inbox:   make(chan any, taskInboxSize),
		done:    make(chan struct{}),
		sess:    session.New(peer, n.cfg.Limits),
		unacked: make(map[protocol.MessageID]struct{}),
	}
}

func (t *peerTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// post hands msg over only if the inbox has room
func (t *peerTask) post(msg any) bool {
	select {
	case t.inbox <- msg:
		return true
	default:
		return false
	}
}

// call runs cmd on the task and waits for its result
func (t *peerTask) call(ctx context.Context, cmd any) error {
	req := &request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case t.inbox <- req:
	case <-t.done:
		return errTaskExited
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-t.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return errTaskExited
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *peerTask) run() {
	defer t.node.taskWG.Done()
	defer t.exit()

	for {
		var hsC, rekeyC <-chan time.Time
		if t.hsTimer != nil {
			hsC = t.hsTimer.C
		}
		if t.rekeyTimer != nil {
			rekeyC = t.rekeyTimer.C
		}

		select {
		case msg := <-t.inbox:
			t.handle(msg)
		case <-hsC:
			t.hsTimer = nil
			t.onHandshakeTimeout()
		case <-rekeyC:
			t.rekeyTimer = nil
			t.maybeRekey()
		case <-t.node.ctx.Done():
			return
		}

		if t.stop || t.sess.State().IsTerminal() {
			return
		}
	}
}

func (t *peerTask) exit() {
	t.stopTimers()
	close(t.done)
	select {
	case t.node.exits <- t:
	case <-t.node.done:
	}
}

func (t *peerTask) handle(msg any) {
	switch m := msg.(type) {
	case inPacket:
		t.handlePacket(m.pkt)
	case *request:
		m.reply <- t.handleCommand(m.cmd)
	case cmdSync:
		t.sendSummary()
	}
}

func (t *peerTask) handleCommand(cmd any) error {
	state := t.sess.State()
	switch c := cmd.(type) {
	case cmdOpen:
		switch state {
		case session.Uninitialized:
			return t.initiate(false)
		case session.Handshaking, session.Established, session.Rekeying:
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNoSession, t.peer)

	case cmdSend:
		body, err := c.msg.Encode()
		if err != nil {
			return err
		}
		t.unacked[c.msg.ID] = struct{}{}
		if err := t.sendPayload(protocol.NoisePayload{Type: protocol.PayloadPrivateMessage, Body: body}); err != nil {
			delete(t.unacked, c.msg.ID)
			return err
		}
		return nil

	case cmdControl:
		if state == session.Uninitialized {
			return fmt.Errorf("%w: %s", ErrNoSession, t.peer)
		}
		return t.sendPayload(protocol.NoisePayload{Type: c.payload, Body: c.body})

	case cmdClose:
		t.close(c.reason)
		return nil

	case cmdRekey:
		if state != session.Established {
			return fmt.Errorf("%w: rekey in %s", session.ErrInvalidStateTransition, state)
		}
		return t.initiate(true)

	case cmdVerify:
		if state != session.Established {
			return fmt.Errorf("%w: verify in %s", session.ErrInvalidStateTransition, state)
		}
		nonce, err := crypto.GenerateNonce(32)
		if err != nil {
			return err
		}
		t.challenge = nonce
		return t.seal(protocol.NoisePayload{Type: protocol.PayloadVerifyChallenge, Body: nonce})

	case cmdInfo:
		*c.out = t.snapshot()
		return nil
	}
	return fmt.Errorf("unknown command %T", cmd)
}

func (t *peerTask) snapshot() SessionInfo {
	info := SessionInfo{
		Peer:          t.peer,
		State:         t.sess.State().String(),
		Initiator:     t.initiator,
		SendCounter:   t.sess.SendCounter(),
		RecvCounter:   t.sess.RecvCounter(),
		Queued:        len(t.queue),
		EstablishedAt: t.sess.EstablishedAt(),
		LastRekeyAt:   t.sess.LastRekeyAt(),
	}
	if h := t.sess.HandshakeHash(); h != nil {
		info.ChannelBinding = hex.EncodeToString(h)
	}
	if rec, err := t.node.peers.GetPeer(t.peer); err == nil {
		info.Nickname = rec.Nickname
	}
	return info
}

// sendPayload seals now when Established and queues otherwise, opening the
// session first if nothing is running yet
func (t *peerTask) sendPayload(np protocol.NoisePayload) error {
	switch t.sess.State() {
	case session.Established:
		return t.seal(np)
	case session.Uninitialized:
		if err := t.enqueue(np); err != nil {
			return err
		}
		return t.initiate(false)
	case session.Handshaking, session.Rekeying:
		return t.enqueue(np)
	}
	return fmt.Errorf("%w: %s is %s", ErrNoSession, t.peer, t.sess.State())
}

func (t *peerTask) enqueue(np protocol.NoisePayload) error {
	if len(t.queue) >= maxQueued {
		t.node.metrics.drop(dropQueueFull)
		return fmt.Errorf("send queue for %s is full", t.peer)
	}
	t.queue = append(t.queue, np)
	return nil
}

// flush sends everything queued while the session was not Established
func (t *peerTask) flush() {
	for len(t.queue) > 0 && t.sess.State() == session.Established {
		np := t.queue[0]
		t.queue = t.queue[1:]
		if err := t.seal(np); err != nil {
			log.Debugw("queued payload not sent", "peer", t.peer, "error", err)
		}
	}
	if len(t.queue) == 0 {
		t.queue = nil
	}
}

// seal encrypts np under the session keys and transmits it
func (t *peerTask) seal(np protocol.NoisePayload) error {
	n := t.node
	plain, err := np.Encode(n.cfg.PaddingBlock)
	if err != nil {
		return err
	}
	sealed, err := t.sess.Seal(plain)
	if err != nil {
		if errors.Is(err, session.ErrRekeyFailure) {
			t.fail(err)
		}
		return err
	}
	if err := t.transmit(n.newPacket(protocol.TypeNoiseEncrypted, &t.peer, sealed)); err != nil {
		return err
	}
	t.maybeRekey()
	return nil
}

func (t *peerTask) maybeRekey() {
	if !t.sess.NeedsRekey(t.node.now()) {
		t.armRekey()
		return
	}
	if err := t.initiate(true); err != nil {
		log.Warnw("rekey failed to start", "peer", t.peer, "error", err)
	}
}

func (t *peerTask) handshakeConfig() noise.Config {
	id := t.node.identity
	return noise.Config{
		StaticPrivate: id.NoisePrivate,
		StaticPublic:  id.NoisePublic,
		Payload:       id.SigningPublic(),
		Timeout:       t.node.cfg.HandshakeTimeout,
	}
}

// initiate sends HandshakeInit, as a rekey of the current session when rekey is set
func (t *peerTask) initiate(rekey bool) error {
	now := t.node.now()
	if t.hsShadow {
		t.discardHandshake(errSuperseded)
	}
	var err error
	if rekey {
		err = t.sess.BeginRekey(now)
	} else {
		err = t.sess.BeginHandshake(now)
	}
	if err != nil {
		return err
	}

	t.hsRekey = rekey
	m, err := noise.NewInitiatorMachine(t.handshakeConfig())
	if err != nil {
		t.fail(err)
		return err
	}
	msg, err := m.Start(now)
	if err != nil {
		t.fail(err)
		return err
	}
	t.hs = m
	t.armHandshake()

	if err := t.sendHandshake(protocol.TypeHandshakeInit, msg); err != nil {
		t.fail(err)
		return err
	}
	log.Debugw("handshake started", "peer", t.peer, "rekey", rekey)
	return nil
}

func (t *peerTask) sendHandshake(typ uint8, msg []byte) error {
	n := t.node
	pkt := n.newPacket(typ, &t.peer, msg)
	if t.hsRekey {
		pkt.Flags |= protocol.FlagIsRekey
	}
	return t.transmit(pkt)
}

// transmit sends with a deadline so a stalled transport cannot hold the
// task forever
func (t *peerTask) transmit(pkt *protocol.Packet) error {
	ctx, cancel := context.WithTimeout(t.node.ctx, sendTimeout)
	defer cancel()
	return t.node.transmit(ctx, pkt)
}

func (t *peerTask) handlePacket(pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeHandshakeInit:
		t.onInit(pkt)
	case protocol.TypeHandshakeResponse:
		t.onHandshake(noise.MessageResponse, pkt)
	case protocol.TypeHandshakeFinal:
		t.onHandshake(noise.MessageFinal, pkt)
	case protocol.TypeNoiseEncrypted:
		t.onEncrypted(pkt)
	case protocol.TypeLeave:
		t.close("peer left")
	}
}

// onInit answers a HandshakeInit according to the current state
func (t *peerTask) onInit(pkt *protocol.Packet) {
	n := t.node
	rekey := pkt.HasFlag(protocol.FlagIsRekey)

	switch t.sess.State() {
	case session.Uninitialized:
		if err := t.sess.BeginHandshake(n.now()); err != nil {
			return
		}
		t.respond(pkt, false, false)

	case session.Handshaking, session.Rekeying:
		if t.hs != nil && t.hs.Initiator() && t.hs.Stage() == noise.StageAwaitingResponse {
			// Both sides opened at once; the lower id keeps the initiator role
			if bytes.Compare(n.self[:], t.peer[:]) < 0 {
				log.Debugw("ignoring crossing handshake", "peer", t.peer)
				return
			}
			t.hs.Fail(errSuperseded)
		}
		t.respond(pkt, t.sess.State() == session.Rekeying, false)

	case session.Established:
		// An init is unauthenticated. The live session keeps sealing and
		// opening under its keys until the attempt proves the peer's static
		// key; only then does it rekey or replace the session.
		if t.hs != nil {
			t.discardHandshake(errSuperseded)
		}
		t.respond(pkt, rekey, true)

	default:
		n.metrics.drop(dropState)
	}
}

func (t *peerTask) respond(pkt *protocol.Packet, rekey, shadow bool) {
	now := t.node.now()
	t.hsRekey, t.hsShadow = rekey, shadow
	m, err := noise.NewResponderMachine(t.handshakeConfig())
	if err != nil {
		t.handshakeFailed(err)
		return
	}
	reply, err := m.Handle(noise.MessageInit, pkt.Payload, now)
	if err != nil {
		t.handshakeFailed(err)
		return
	}
	t.hs = m
	t.armHandshake()
	if err := t.sendHandshake(protocol.TypeHandshakeResponse, reply); err != nil {
		t.handshakeFailed(err)
	}
}

func (t *peerTask) onHandshake(kind noise.MessageKind, pkt *protocol.Packet) {
	if t.hs == nil {
		t.node.metrics.drop(dropState)
		return
	}
	reply, err := t.hs.Handle(kind, pkt.Payload, t.node.now())
	if err != nil {
		log.Debugw("handshake message rejected", "peer", t.peer, "kind", kind, "error", err)
		t.handshakeFailed(err)
		return
	}
	if reply != nil {
		if err := t.sendHandshake(protocol.TypeHandshakeFinal, reply); err != nil {
			t.handshakeFailed(err)
			return
		}
	}
	if t.hs.Stage() == noise.StageComplete {
		t.complete(t.hs.Result())
	}
}

// complete binds the handshake result to the peer id and installs its keys
func (t *peerTask) complete(res *noise.Result) {
	n := t.node
	now := n.now()

	if crypto.DerivePeerID(res.PeerStatic[:]) != t.peer || len(res.PeerAuth) != ed25519.PublicKeySize {
		t.handshakeFailed(fmt.Errorf("%w: %s", ErrIdentity, t.peer))
		return
	}
	rec, err := n.peers.GetPeer(t.peer)
	switch {
	case err == nil:
		if rec.Trust == storage.TrustBlocked {
			t.handshakeFailed(fmt.Errorf("%w: %s is blocked", ErrIdentity, t.peer))
			return
		}
		if rec.NoiseKey != res.PeerStatic || !bytes.Equal(rec.SigningKey, res.PeerAuth) {
			t.handshakeFailed(fmt.Errorf("%w: %s presented keys other than the pinned ones", ErrIdentity, t.peer))
			return
		}
	case errors.Is(err, storage.ErrNotFound):
		_, lerr := n.peers.LearnPeer(&storage.PeerRecord{
			PeerID:     t.peer,
			NoiseKey:   res.PeerStatic,
			SigningKey: ed25519.PublicKey(res.PeerAuth),
			LastSeen:   now.UnixMilli(),
		})
		if lerr != nil {
			log.Warnw("failed to pin peer keys", "peer", t.peer, "error", lerr)
		}
	default:
		log.Warnw("peer lookup failed", "peer", t.peer, "error", err)
	}

	rekey, shadow := t.hsRekey, t.hsShadow
	t.hs, t.hsShadow = nil, false
	t.stopHandshakeTimer()
	if shadow {
		// the attempt is authenticated; now it may touch the live session
		if rekey {
			err = t.sess.BeginRekey(now)
		} else {
			t.supersede()
			err = t.sess.BeginHandshake(now)
		}
		if err != nil {
			t.fail(err)
			return
		}
	}
	if rekey {
		err = t.sess.CompleteRekey(res, now)
	} else {
		err = t.sess.Establish(res, now)
	}
	if err != nil {
		t.fail(err)
		return
	}

	if rekey {
		n.metrics.Rekeys.Inc()
		log.Infow("session rekeyed", "peer", t.peer)
	} else {
		t.initiator = res.Initiator
		n.metrics.SessionsEstablished.Inc()
		log.Infow("session established", "peer", t.peer, "initiator", res.Initiator)
		n.emit(Event{Kind: EventEstablished, Peer: t.peer})
	}
	t.armRekey()
	t.flush()
}

func (t *peerTask) onEncrypted(pkt *protocol.Packet) {
	n := t.node
	plain, err := t.sess.Open(pkt.Payload)
	if err != nil {
		reason := dropMalformed
		switch {
		case errors.Is(err, session.ErrReplay):
			reason = dropReplay
		case errors.Is(err, session.ErrDecrypt):
			reason = dropDecrypt
		case errors.Is(err, session.ErrInvalidStateTransition):
			reason = dropState
		}
		n.metrics.drop(reason)
		log.Debugw("dropped encrypted packet", "peer", t.peer, "reason", reason, "error", err)
		return
	}

	np, err := protocol.DecodeNoisePayload(plain)
	if err != nil {
		n.metrics.drop(dropMalformed)
		return
	}
	spec, err := n.registry.ValidatePayload(np.Type, np.Body, t.sess.State())
	if err != nil {
		if errors.Is(err, protocol.ErrTypeNotPermitted) {
			err = fmt.Errorf("%w: %v", session.ErrInvalidStateTransition, err)
			n.metrics.drop(dropState)
		} else {
			n.metrics.drop(dropMalformed)
		}
		log.Debugw("dropped payload", "peer", t.peer, "type", np.Type, "error", err)
		return
	}
	if spec.Experimental {
		n.handleExperimental(t.peer, np.Type, np.Body)
	} else {
		t.onPayload(np)
	}
	t.maybeRekey()
}

func (t *peerTask) onPayload(np *protocol.NoisePayload) {
	n := t.node
	switch np.Type {
	case protocol.PayloadPrivateMessage:
		msg, err := protocol.DecodePrivateMessage(np.Body)
		if err != nil {
			n.metrics.drop(dropMalformed)
			return
		}
		n.emit(Event{Kind: EventMessageReceived, Peer: t.peer, MessageID: msg.ID, Data: msg.Content})
		if err := t.sendPayload(protocol.NoisePayload{Type: protocol.PayloadDelivered, Body: msg.ID[:]}); err != nil {
			log.Debugw("delivery ack not sent", "peer", t.peer, "error", err)
		}

	case protocol.PayloadDelivered:
		var id protocol.MessageID
		copy(id[:], np.Body)
		if _, ok := t.unacked[id]; ok {
			delete(t.unacked, id)
			n.emit(Event{Kind: EventMessageSent, Peer: t.peer, MessageID: id})
		}

	case protocol.PayloadReadReceipt:
		var id protocol.MessageID
		copy(id[:], np.Body)
		n.emit(Event{Kind: EventReadReceipt, Peer: t.peer, MessageID: id})

	case protocol.PayloadVerifyChallenge:
		sig := crypto.SignChallenge(n.identity.SigningKey, np.Body, t.sess.HandshakeHash())
		if err := t.seal(protocol.NoisePayload{Type: protocol.PayloadVerifyResponse, Body: sig}); err != nil {
			log.Debugw("verify response not sent", "peer", t.peer, "error", err)
		}

	case protocol.PayloadVerifyResponse:
		if t.challenge == nil {
			n.metrics.drop(dropState)
			return
		}
		ok := crypto.VerifyChallenge(t.sess.PeerAuth(), t.challenge, t.sess.HandshakeHash(), np.Body)
		t.challenge = nil
		if !ok {
			n.metrics.drop(dropSignature)
			log.Warnw("peer failed verification", "peer", t.peer)
			return
		}
		if err := n.peers.SetTrust(t.peer, storage.TrustVerified); err != nil {
			log.Warnw("failed to record verification", "peer", t.peer, "error", err)
		}
		n.emit(Event{Kind: EventVerified, Peer: t.peer, Verified: true})

	case protocol.PayloadSyncSummary:
		missing, err := n.gossip.Missing(n.ctx, np.Body, n.cfg.SyncResendLimit)
		if err != nil {
			n.metrics.drop(dropMalformed)
			return
		}
		for _, stored := range missing {
			frame, err := zeroTTL(stored)
			if err != nil {
				continue
			}
			if err := t.sendPayload(protocol.NoisePayload{Type: protocol.PayloadSyncPacket, Body: frame}); err != nil {
				log.Debugw("sync packet not sent", "peer", t.peer, "error", err)
				return
			}
			n.metrics.GossipResent.Inc()
		}

	case protocol.PayloadSyncPacket:
		n.reinjectFrame(t.peer, np.Body)

	default:
		n.metrics.drop(dropUnhandled)
	}
}

func (t *peerTask) sendSummary() {
	if t.sess.State() != session.Established {
		return
	}
	summary, err := t.node.gossip.Summary(t.node.ctx, summaryLimit)
	if err != nil {
		log.Debugw("summary failed", "error", err)
		return
	}
	if err := t.seal(protocol.NoisePayload{Type: protocol.PayloadSyncSummary, Body: summary}); err != nil {
		log.Debugw("sync summary not sent", "peer", t.peer, "error", err)
	}
}

// close ends the session explicitly. Queued acks go out first while keys
// are still installed.
func (t *peerTask) close(reason string) {
	n := t.node
	switch t.sess.State() {
	case session.Uninitialized:
		t.stop = true
		return
	case session.Handshaking:
		t.fail(fmt.Errorf("closed during handshake: %s", reason))
		return
	case session.Established:
		t.flush()
	}

	if err := t.sess.BeginClose(); err != nil {
		return
	}
	t.stopTimers()
	t.discardHandshake(errors.New(reason))
	if err := t.sess.FinishClose(); err != nil {
		log.Warnw("close failed", "peer", t.peer, "error", err)
		return
	}
	t.queue = nil
	log.Infow("session closed", "peer", t.peer, "reason", reason)
	n.emit(Event{Kind: EventClosed, Peer: t.peer, Reason: reason})
}

func (t *peerTask) onHandshakeTimeout() {
	if t.hs == nil {
		return
	}
	t.handshakeFailed(noise.ErrHandshakeTimeout)
}

// supersede replaces an Established session whose peer proved it started over
func (t *peerTask) supersede() {
	log.Infow("peer restarted handshake, replacing session", "peer", t.peer)
	t.node.emit(Event{Kind: EventClosed, Peer: t.peer, Reason: errSuperseded.Error()})
	t.stopTimers()
	t.sess = session.New(t.peer, t.node.cfg.Limits)
	t.challenge = nil
}

// handshakeFailed ends the running attempt. A shadow attempt is dropped and
// the live session carries on; any other attempt fails the session.
func (t *peerTask) handshakeFailed(err error) {
	if t.hsShadow {
		t.node.metrics.drop(dropHandshake)
		log.Debugw("handshake attempt dropped", "peer", t.peer, "error", err)
		t.discardHandshake(err)
		return
	}
	t.fail(err)
}

func (t *peerTask) discardHandshake(err error) {
	if t.hs != nil {
		t.hs.Fail(err)
		t.hs = nil
	}
	t.hsRekey, t.hsShadow = false, false
	t.stopHandshakeTimer()
}

// fail moves the session to Failed and reports it once. Leaving Rekeying
// this way is a rekey failure whatever broke the attempt.
func (t *peerTask) fail(err error) {
	if t.sess.State() == session.Rekeying && !errors.Is(err, session.ErrRekeyFailure) {
		err = fmt.Errorf("%w: %v", session.ErrRekeyFailure, err)
	}
	if t.sess.Allows(session.OpFail) {
		_ = t.sess.Fail(err)
	}
	if t.sess.State() != session.Failed || t.failed {
		return
	}
	t.failed = true
	t.stopTimers()
	if t.hs != nil {
		t.hs.Fail(err)
		t.hs = nil
	}
	t.hsShadow = false
	t.queue = nil

	n := t.node
	n.metrics.SessionsFailed.Inc()
	log.Warnw("session failed", "peer", t.peer, "error", err)
	n.emit(Event{Kind: EventFailed, Peer: t.peer, Reason: err.Error()})
}

func (t *peerTask) armHandshake() {
	t.stopHandshakeTimer()
	t.hsTimer = t.node.clock.Timer(t.node.cfg.HandshakeTimeout)
}

// armRekey schedules the time-based rekey of an established session
func (t *peerTask) armRekey() {
	if t.rekeyTimer != nil || t.sess.State() != session.Established {
		return
	}
	due := t.sess.RekeyDue()
	if due.IsZero() {
		return
	}
	wait := due.Sub(t.node.now())
	if wait < 0 {
		wait = 0
	}
	t.rekeyTimer = t.node.clock.Timer(wait)
}

func (t *peerTask) stopHandshakeTimer() {
	if t.hsTimer != nil {
		t.hsTimer.Stop()
		t.hsTimer = nil
	}
}

func (t *peerTask) stopTimers() {
	t.stopHandshakeTimer()
	if t.rekeyTimer != nil {
		t.rekeyTimer.Stop()
		t.rekeyTimer = nil
	}
}
