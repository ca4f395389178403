package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	p2pproto "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Libp2pProtocolID is the stream protocol carrying mesh frames
const Libp2pProtocolID p2pproto.ID = "/zentalk-mesh/frames/1.0.0"

var ErrBadPreamble = errors.New("invalid stream preamble")

// Libp2pConfig contains configuration for the libp2p adapter
type Libp2pConfig struct {
	ListenAddrs []string
	PrivateKey  crypto.PrivKey // Optional: generated when nil
	EnableNAT   bool
}

// Libp2p carries frames over one libp2p stream per mesh peer. Each stream
// starts with both sides exchanging their 8-byte mesh peer id, after which
// every msgio message is one frame.
type Libp2p struct {
	self    protocol.PeerID
	host    host.Host
	mu      sync.RWMutex
	streams map[protocol.PeerID]*frameStream
	inbound chan Inbound
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

type frameStream struct {
	stream  p2pnet.Stream
	r       msgio.ReadCloser
	w       msgio.WriteCloser
	writeMu sync.Mutex
}

// NewLibp2p creates a libp2p host speaking the frame protocol
func NewLibp2p(self protocol.PeerID, cfg Libp2pConfig) (*Libp2p, error) {
	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap(), libp2p.EnableNATService())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	t := &Libp2p{
		self:    self,
		host:    h,
		streams: make(map[protocol.PeerID]*frameStream),
		inbound: make(chan Inbound, inboundBuffer),
		done:    make(chan struct{}),
	}
	h.SetStreamHandler(Libp2pProtocolID, t.handleStream)
	return t, nil
}

// Addrs returns the host's dialable multiaddrs including the /p2p/ component
func (t *Libp2p) Addrs() []string {
	maddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()})
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(maddrs))
	for _, a := range maddrs {
		out = append(out, a.String())
	}
	return out
}

// Connect dials a peer by multiaddr and returns its mesh peer id
func (t *Libp2p) Connect(ctx context.Context, addr string) (protocol.PeerID, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return protocol.PeerID{}, fmt.Errorf("invalid peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return protocol.PeerID{}, fmt.Errorf("failed to parse peer info: %w", err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return protocol.PeerID{}, fmt.Errorf("failed to connect to peer: %w", err)
	}

	s, err := t.host.NewStream(ctx, info.ID, Libp2pProtocolID)
	if err != nil {
		return protocol.PeerID{}, fmt.Errorf("failed to open stream: %w", err)
	}
	fs := newFrameStream(s)
	if err := fs.w.WriteMsg(t.self[:]); err != nil {
		_ = s.Reset()
		return protocol.PeerID{}, fmt.Errorf("failed to send preamble: %w", err)
	}
	id, err := fs.readPreamble()
	if err != nil {
		_ = s.Reset()
		return protocol.PeerID{}, err
	}

	t.register(id, fs)
	log.Infow("connected", "peer", id, "libp2p_peer", info.ID)
	return id, nil
}

func (t *Libp2p) handleStream(s p2pnet.Stream) {
	fs := newFrameStream(s)
	id, err := fs.readPreamble()
	if err != nil {
		log.Debugw("rejected stream", "remote", s.Conn().RemotePeer(), "error", err)
		_ = s.Reset()
		return
	}
	t.register(id, fs)
	if err := fs.write(context.Background(), t.self[:]); err != nil {
		log.Debugw("failed to answer preamble", "peer", id, "error", err)
		_ = s.Reset()
	}
}

func newFrameStream(s p2pnet.Stream) *frameStream {
	return &frameStream{
		stream: s,
		r:      msgio.NewReaderSize(s, MaxFrameSize),
		w:      msgio.NewWriter(s),
	}
}

func (fs *frameStream) readPreamble() (protocol.PeerID, error) {
	var id protocol.PeerID
	msg, err := fs.r.ReadMsg()
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrBadPreamble, err)
	}
	defer fs.r.ReleaseMsg(msg)
	if len(msg) != protocol.PeerIDSize {
		return id, fmt.Errorf("%w: %d bytes", ErrBadPreamble, len(msg))
	}
	copy(id[:], msg)
	if id.IsZero() || id.IsBroadcast() {
		return id, fmt.Errorf("%w: reserved id %s", ErrBadPreamble, id)
	}
	return id, nil
}

func (fs *frameStream) write(ctx context.Context, frame []byte) error {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = fs.stream.SetWriteDeadline(dl)
		defer func() { _ = fs.stream.SetWriteDeadline(time.Time{}) }()
	}
	return fs.w.WriteMsg(frame)
}

func (t *Libp2p) register(id protocol.PeerID, fs *frameStream) {
	t.mu.Lock()
	old := t.streams[id]
	t.streams[id] = fs
	t.mu.Unlock()

	if old != nil {
		_ = old.stream.Close()
	}

	t.wg.Add(1)
	go t.readLoop(id, fs)
}

func (t *Libp2p) readLoop(id protocol.PeerID, fs *frameStream) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		if t.streams[id] == fs {
			delete(t.streams, id)
		}
		t.mu.Unlock()
		_ = fs.stream.Close()
	}()

	for {
		msg, err := fs.r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("stream read failed", "peer", id, "error", err)
			}
			return
		}
		data := append([]byte(nil), msg...)
		fs.r.ReleaseMsg(msg)

		select {
		case t.inbound <- Inbound{From: id, Data: data}:
		case <-t.done:
			return
		}
	}
}

// Send writes frame on the peer's stream
func (t *Libp2p) Send(ctx context.Context, to protocol.PeerID, frame []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	t.mu.RLock()
	fs := t.streams[to]
	t.mu.RUnlock()
	if fs == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if err := fs.write(ctx, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Inbound returns received frames
func (t *Libp2p) Inbound() <-chan Inbound {
	return t.inbound
}

// Peers returns mesh peers with an open stream
func (t *Libp2p) Peers() []protocol.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]protocol.PeerID, 0, len(t.streams))
	for id := range t.streams {
		peers = append(peers, id)
	}
	return peers
}

// Close shuts the host down and waits for stream readers
func (t *Libp2p) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.host.Close()
		t.wg.Wait()
	})
	return err
}
