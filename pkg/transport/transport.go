// Package transport carries encoded packets between mesh peers.
//
// The engine only sees the Transport interface: send bytes to a peer id, and
// receive (peer id, bytes) pairs. Adapters:
//
//   - Memory: in-process hub used by tests and simulations
//   - Libp2p: length-prefixed frames over a libp2p stream per peer
//   - WebSocket: client for a relay that forwards frames between peers
//   - Multi: fans several adapters into one
package transport

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

var log = logging.Logger("mesh/transport")

// MaxFrameSize bounds a single frame on any adapter
const MaxFrameSize = 1 << 20

// inboundBuffer is the depth of each adapter's inbound channel
const inboundBuffer = 256

var (
	ErrClosed        = errors.New("transport closed")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Inbound is one frame received from a neighbour
type Inbound struct {
	From protocol.PeerID
	Data []byte
}

// Transport is the boundary between the engine and a physical network.
// The inbound channel is never closed; consumers stop on their own context.
type Transport interface {
	Send(ctx context.Context, to protocol.PeerID, frame []byte) error
	Inbound() <-chan Inbound
	Peers() []protocol.PeerID
	Close() error
}

// Multi sends through whichever adapter knows the peer and merges inbound
type Multi struct {
	transports []Transport
	inbound    chan Inbound
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewMulti combines adapters. Earlier adapters are preferred for sending.
func NewMulti(transports ...Transport) *Multi {
	m := &Multi{
		transports: transports,
		inbound:    make(chan Inbound, inboundBuffer),
		done:       make(chan struct{}),
	}
	for _, t := range transports {
		m.wg.Add(1)
		go m.pump(t)
	}
	return m
}

func (m *Multi) pump(t Transport) {
	defer m.wg.Done()
	for {
		select {
		case in := <-t.Inbound():
			select {
			case m.inbound <- in:
			case <-m.done:
				return
			}
		case <-m.done:
			return
		}
	}
}

// Send delivers frame through the first adapter that lists the peer,
// falling back to trying each adapter in order
func (m *Multi) Send(ctx context.Context, to protocol.PeerID, frame []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	for _, t := range m.transports {
		if contains(t.Peers(), to) {
			return t.Send(ctx, to, frame)
		}
	}

	var errs error
	for _, t := range m.transports {
		err := t.Send(ctx, to, frame)
		if err == nil {
			return nil
		}
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		return ErrUnknownPeer
	}
	return errs
}

// Inbound returns the merged inbound channel
func (m *Multi) Inbound() <-chan Inbound {
	return m.inbound
}

// Peers returns the union of all adapters' peers
func (m *Multi) Peers() []protocol.PeerID {
	seen := make(map[protocol.PeerID]struct{})
	var out []protocol.PeerID
	for _, t := range m.transports {
		for _, p := range t.Peers() {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Close closes every adapter
func (m *Multi) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		for _, t := range m.transports {
			err = multierr.Append(err, t.Close())
		}
	})
	return err
}

func contains(peers []protocol.PeerID, id protocol.PeerID) bool {
	for _, p := range peers {
		if p == id {
			return true
		}
	}
	return false
}
