// Package network runs a mesh node: it owns the session table, reassembles
// fragments, drops duplicates, relays packets for other peers and drives one
// session task per peer.
//
// Goroutines:
//
//	orchestrator   inbound frames, session table, reassembler, timers
//	session task   one per peer; owns its Session and handshake machine
//	gossip service dedup filter and known-message store
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/fragment"
	"github.com/ZentaChain/zentalk-mesh/pkg/gossip"
	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/session"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

var log = logging.Logger("mesh/network")

var (
	ErrNotConnected = errors.New("not connected to peer")
	ErrNoSession    = errors.New("no session with peer")
	ErrNodeClosed   = errors.New("node closed")
	ErrNotStarted   = errors.New("node not started")
	ErrSelf         = errors.New("peer is this node")
	ErrIdentity     = errors.New("peer identity does not match its id")
)

// Defaults
const (
	DefaultTTL              uint8 = protocol.MaxTTL
	DefaultSyncInterval           = 30 * time.Second
	DefaultAnnounceInterval       = 5 * time.Minute
	DefaultEvictInterval          = time.Second
	DefaultPaddingBlock           = protocol.DefaultPaddingBlock
	DefaultSyncResendLimit        = 64

	taskInboxSize  = 64
	maxQueued      = 1024
	reinjectBuffer = 256
)

// PeerStore is what the node needs from a key store
type PeerStore interface {
	protocol.KeyResolver
	LearnPeer(rec *storage.PeerRecord) (bool, error)
	GetPeer(id protocol.PeerID) (*storage.PeerRecord, error)
	ListPeers() ([]*storage.PeerRecord, error)
	SetTrust(id protocol.PeerID, trust storage.Trust) error
}

// ExperimentalHandler receives payloads of experimental types
type ExperimentalHandler func(from protocol.PeerID, code uint8, body []byte)

// Config contains configuration for a node
type Config struct {
	Identity  *crypto.Identity
	Nickname  string
	Transport transport.Transport
	Peers     PeerStore // defaults to an in-memory store

	Version    uint8 // wire version for outbound packets, default v1
	DefaultTTL uint8

	Limits           session.Limits
	HandshakeTimeout time.Duration
	FragmentOptions  fragment.Options
	Gossip           gossip.Config
	PaddingBlock     int

	SyncInterval     time.Duration // 0 uses the default, negative disables
	AnnounceInterval time.Duration // 0 uses the default, negative disables
	SyncResendLimit  int

	Clock    clock.Clock
	Registry prometheus.Registerer // defaults to a private registry
}

func (c *Config) setDefaults() {
	if c.Version == 0 {
		c.Version = protocol.VersionV1
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.Limits.MaxMessages == 0 {
		c.Limits = session.DefaultLimits()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = noise.HandshakeTimeout
	}
	if c.PaddingBlock == 0 {
		c.PaddingBlock = DefaultPaddingBlock
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.SyncResendLimit <= 0 {
		c.SyncResendLimit = DefaultSyncResendLimit
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Peers == nil {
		c.Peers = storage.NewMemoryStore()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
}

func (c *Config) validate() error {
	if c.Identity == nil {
		return errors.New("identity is required")
	}
	if c.Transport == nil {
		return errors.New("transport is required")
	}
	if _, err := protocol.MaxPayload(c.Version); err != nil {
		return err
	}
	if c.DefaultTTL > protocol.MaxTTL {
		return fmt.Errorf("default ttl %d above %d", c.DefaultTTL, protocol.MaxTTL)
	}
	return nil
}

// Node is a mesh participant
type Node struct {
	cfg       Config
	self      protocol.PeerID
	identity  *crypto.Identity
	transport transport.Transport
	peers     PeerStore
	registry  *protocol.Registry
	codec     protocol.Codec
	clock     clock.Clock
	gossip    *gossip.Service
	metrics   *Metrics

	maxPayload int

	// owned by the orchestrator goroutine
	tasks map[protocol.PeerID]*peerTask
	reasm *fragment.Reassembler

	ops      chan func()
	exits    chan *peerTask
	reinject chan transport.Inbound
	events   chan Event

	expMu        sync.RWMutex
	experimental map[uint8]ExperimentalHandler

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	taskWG    sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	running   atomic.Bool
}

// New creates a node. Start runs it.
func New(cfg Config) (*Node, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	maxPayload, _ := frameBudget(cfg.Version)

	svc, err := gossip.NewService(cfg.Gossip)
	if err != nil {
		return nil, fmt.Errorf("failed to start gossip service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:          cfg,
		self:         cfg.Identity.PeerID(),
		identity:     cfg.Identity,
		transport:    cfg.Transport,
		peers:        cfg.Peers,
		registry:     protocol.DefaultRegistry(),
		codec:        protocol.Codec{Keys: cfg.Peers},
		clock:        cfg.Clock,
		gossip:       svc,
		metrics:      NewMetrics(cfg.Registry),
		maxPayload:   int(maxPayload),
		tasks:        make(map[protocol.PeerID]*peerTask),
		reasm:        fragment.NewReassembler(cfg.FragmentOptions),
		ops:          make(chan func()),
		exits:        make(chan *peerTask),
		reinject:     make(chan transport.Inbound, reinjectBuffer),
		events:       make(chan Event, eventBuffer),
		experimental: make(map[uint8]ExperimentalHandler),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	return n, nil
}

// ID returns this node's peer id
func (n *Node) ID() protocol.PeerID {
	return n.self
}

// Nickname returns the nickname this node announces
func (n *Node) Nickname() string {
	return n.cfg.Nickname
}

// Version returns the wire version of outbound packets
func (n *Node) Version() uint8 {
	return n.cfg.Version
}

// Identity returns the node's keys
func (n *Node) Identity() *crypto.Identity {
	return n.identity
}

// Events returns the application event stream
func (n *Node) Events() <-chan Event {
	return n.events
}

// Start launches the orchestrator and announces this node
func (n *Node) Start(ctx context.Context) error {
	started := false
	n.startOnce.Do(func() {
		started = true
		n.running.Store(true)
		go n.run(n.newTickers())
	})
	if !started {
		return errors.New("node already started")
	}

	log.Infow("node started", "peer", n.self, "version", n.cfg.Version, "nickname", n.cfg.Nickname)
	if err := n.Announce(ctx); err != nil {
		log.Warnw("initial announce failed", "error", err)
	}
	return nil
}

// Close leaves the mesh, stops every session task and the gossip service.
// The transport is owned by the caller.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		select {
		case <-n.done:
		default:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if lerr := n.sendLeave(ctx); lerr != nil {
				log.Debugw("leave not sent", "error", lerr)
			}
			cancel()
		}

		n.cancel()
		n.startOnce.Do(func() { close(n.done) })
		<-n.done
		n.taskWG.Wait()
		err = multierr.Append(err, n.gossip.Close())
		log.Infow("node stopped", "peer", n.self)
	})
	return err
}

// HandleExperimental routes payloads of an experimental type to fn.
// Without a handler they are dropped.
func (n *Node) HandleExperimental(code uint8, fn ExperimentalHandler) {
	n.expMu.Lock()
	defer n.expMu.Unlock()
	n.experimental[code] = fn
}

func (n *Node) experimentalHandler(code uint8) ExperimentalHandler {
	n.expMu.RLock()
	defer n.expMu.RUnlock()
	return n.experimental[code]
}

type tickers struct {
	evict    *clock.Ticker
	sync     *clock.Ticker
	announce *clock.Ticker
}

// newTickers creates the orchestrator tickers before the loop starts so a
// clock advanced right after Start still drives them
func (n *Node) newTickers() *tickers {
	t := &tickers{evict: n.clock.Ticker(DefaultEvictInterval)}
	if n.cfg.SyncInterval > 0 {
		t.sync = n.clock.Ticker(n.cfg.SyncInterval)
	}
	if n.cfg.AnnounceInterval > 0 {
		t.announce = n.clock.Ticker(n.cfg.AnnounceInterval)
	}
	return t
}

func (t *tickers) stop() {
	for _, tk := range []*clock.Ticker{t.evict, t.sync, t.announce} {
		if tk != nil {
			tk.Stop()
		}
	}
}

// run is the orchestrator loop
func (n *Node) run(tk *tickers) {
	defer close(n.done)
	defer tk.stop()

	var syncC, announceC <-chan time.Time
	if tk.sync != nil {
		syncC = tk.sync.C
	}
	if tk.announce != nil {
		announceC = tk.announce.C
	}

	inbound := n.transport.Inbound()
	for {
		select {
		case in := <-inbound:
			n.handleFrame(in)
		case in := <-n.reinject:
			n.handleFrame(in)
		case fn := <-n.ops:
			fn()
		case t := <-n.exits:
			n.reap(t)
		case now := <-tk.evict.C:
			if dropped := n.reasm.Evict(now); dropped > 0 {
				log.Debugw("evicted stale fragment groups", "count", dropped)
			}
		case <-syncC:
			n.syncRound()
		case <-announceC:
			go func() {
				if err := n.Announce(n.ctx); err != nil {
					log.Debugw("periodic announce failed", "error", err)
				}
			}()
		case <-n.ctx.Done():
			return
		}
	}
}

// do runs fn on the orchestrator goroutine and waits for it
func (n *Node) do(ctx context.Context, fn func()) error {
	if !n.running.Load() {
		return ErrNotStarted
	}
	finished := make(chan struct{})
	select {
	case n.ops <- func() { fn(); close(finished) }:
	case <-n.done:
		return ErrNodeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// task returns the live task for peer, creating one when create is set.
// Must run on the orchestrator goroutine.
func (n *Node) task(peer protocol.PeerID, create bool) *peerTask {
	if t, ok := n.tasks[peer]; ok && !t.finished() {
		return t
	}
	if !create {
		return nil
	}
	t := newPeerTask(n, peer)
	n.tasks[peer] = t
	n.metrics.ActiveSessions.Inc()
	n.taskWG.Add(1)
	go t.run()
	return t
}

// reap forgets an exited task and its partial fragment groups
func (n *Node) reap(t *peerTask) {
	n.metrics.ActiveSessions.Dec()
	if cur, ok := n.tasks[t.peer]; !ok || cur != t {
		return
	}
	delete(n.tasks, t.peer)
	if dropped := n.reasm.DropSender(t.peer); dropped > 0 {
		log.Debugw("dropped partial fragments of closed session", "peer", t.peer, "groups", dropped)
	}
}

// lookup fetches (or creates) a peer's task through the orchestrator
func (n *Node) lookup(ctx context.Context, peer protocol.PeerID, create bool) (*peerTask, error) {
	if peer == n.self {
		return nil, ErrSelf
	}
	if peer.IsZero() || peer.IsBroadcast() {
		return nil, fmt.Errorf("%w: reserved peer id %s", ErrNotConnected, peer)
	}
	var t *peerTask
	if err := n.do(ctx, func() { t = n.task(peer, create) }); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	return t, nil
}

// command runs cmd on peer's task. When create is set, a task that exits
// with the command still in its inbox is replaced and the command retried.
func (n *Node) command(ctx context.Context, peer protocol.PeerID, create bool, cmd any) error {
	for attempt := 0; attempt < 3; attempt++ {
		t, err := n.lookup(ctx, peer, create)
		if err != nil {
			return err
		}
		err = t.call(ctx, cmd)
		if !errors.Is(err, errTaskExited) {
			return err
		}
		if !create {
			break
		}
	}
	return fmt.Errorf("%w: %s", ErrNoSession, peer)
}

// OpenSession starts a handshake with peer. The Established or Failed
// event reports the outcome.
func (n *Node) OpenSession(ctx context.Context, peer protocol.PeerID) error {
	return n.command(ctx, peer, true, cmdOpen{})
}

// Send queues data as a private message to peer, opening a session if
// needed, and returns the message id that acks and receipts refer to
func (n *Node) Send(ctx context.Context, peer protocol.PeerID, data []byte) (protocol.MessageID, error) {
	if len(data) == 0 {
		return protocol.MessageID{}, fmt.Errorf("%w: empty message", protocol.ErrMalformedPacket)
	}
	nonce, err := crypto.GenerateNonce(protocol.MessageIDSize)
	if err != nil {
		return protocol.MessageID{}, err
	}
	var id protocol.MessageID
	copy(id[:], nonce)
	return id, n.command(ctx, peer, true, cmdSend{msg: protocol.PrivateMessage{ID: id, Content: data}})
}

// MarkRead sends a read receipt for a received message
func (n *Node) MarkRead(ctx context.Context, peer protocol.PeerID, id protocol.MessageID) error {
	return n.command(ctx, peer, false, cmdControl{payload: protocol.PayloadReadReceipt, body: id[:]})
}

// CloseSession closes the session with peer
func (n *Node) CloseSession(ctx context.Context, peer protocol.PeerID) error {
	return n.command(ctx, peer, false, cmdClose{reason: "closed locally"})
}

// Rekey starts a rekey of an established session
func (n *Node) Rekey(ctx context.Context, peer protocol.PeerID) error {
	return n.command(ctx, peer, false, cmdRekey{})
}

// Verify sends a signed challenge; EventVerified reports success
func (n *Node) Verify(ctx context.Context, peer protocol.PeerID) error {
	return n.command(ctx, peer, false, cmdVerify{})
}

// Session returns a snapshot of the session with peer
func (n *Node) Session(ctx context.Context, peer protocol.PeerID) (SessionInfo, error) {
	var info SessionInfo
	err := n.command(ctx, peer, false, cmdInfo{out: &info})
	return info, err
}

// Sessions returns snapshots of every live session
func (n *Node) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var tasks []*peerTask
	err := n.do(ctx, func() {
		for _, t := range n.tasks {
			if !t.finished() {
				tasks = append(tasks, t)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(tasks))
	for _, t := range tasks {
		var info SessionInfo
		err := t.call(ctx, cmdInfo{out: &info})
		if errors.Is(err, errTaskExited) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// KnownPeers returns every peer learned from announces
func (n *Node) KnownPeers() ([]*storage.PeerRecord, error) {
	return n.peers.ListPeers()
}

// Neighbours returns the peers the transport can reach directly
func (n *Node) Neighbours() []protocol.PeerID {
	return n.transport.Peers()
}

// GossipStats returns dedup and store counters
func (n *Node) GossipStats(ctx context.Context) (gossip.Stats, error) {
	return n.gossip.Stats(ctx)
}

func (n *Node) now() time.Time {
	return n.clock.Now()
}

func (n *Node) timestamp() uint64 {
	return uint64(n.clock.Now().UnixMilli())
}
