package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// InterceptFunc sees every frame crossing a hub. Returning false drops it.
type InterceptFunc func(from, to protocol.PeerID, frame []byte) bool

// Hub connects Memory endpoints. Every endpoint is a neighbour of every other.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[protocol.PeerID]*Memory
	intercept InterceptFunc
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{endpoints: make(map[protocol.PeerID]*Memory)}
}

// Join attaches a new endpoint for id
func (h *Hub) Join(id protocol.PeerID) (*Memory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.endpoints[id]; exists {
		return nil, fmt.Errorf("peer %s already joined", id)
	}
	m := &Memory{
		hub:     h,
		self:    id,
		inbound: make(chan Inbound, inboundBuffer),
		done:    make(chan struct{}),
	}
	h.endpoints[id] = m
	return m, nil
}

// Intercept installs fn on the hub. A nil fn delivers everything.
func (h *Hub) Intercept(fn InterceptFunc) {
	h.mu.Lock()
	h.intercept = fn
	h.mu.Unlock()
}

func (h *Hub) lookup(id protocol.PeerID) (*Memory, InterceptFunc) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.endpoints[id], h.intercept
}

func (h *Hub) leave(id protocol.PeerID) {
	h.mu.Lock()
	delete(h.endpoints, id)
	h.mu.Unlock()
}

// Memory is an in-process transport endpoint
type Memory struct {
	hub       *Hub
	self      protocol.PeerID
	inbound   chan Inbound
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the endpoint's peer id
func (m *Memory) ID() protocol.PeerID {
	return m.self
}

// Send copies frame into the destination's inbound queue
func (m *Memory) Send(ctx context.Context, to protocol.PeerID, frame []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	dst, intercept := m.hub.lookup(to)
	if dst == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	data := append([]byte(nil), frame...)
	if intercept != nil && !intercept(m.self, to, data) {
		return nil
	}
	return dst.deliver(ctx, Inbound{From: m.self, Data: data})
}

// Inject queues a frame on this endpoint as if the peer from had sent it
func (m *Memory) Inject(ctx context.Context, from protocol.PeerID, frame []byte) error {
	return m.deliver(ctx, Inbound{From: from, Data: append([]byte(nil), frame...)})
}

func (m *Memory) deliver(ctx context.Context, in Inbound) error {
	select {
	case m.inbound <- in:
		return nil
	case <-m.done:
		return fmt.Errorf("%w: %s", ErrUnknownPeer, m.self)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound returns received frames
func (m *Memory) Inbound() <-chan Inbound {
	return m.inbound
}

// Peers returns every other endpoint on the hub
func (m *Memory) Peers() []protocol.PeerID {
	m.hub.mu.RLock()
	defer m.hub.mu.RUnlock()

	peers := make([]protocol.PeerID, 0, len(m.hub.endpoints))
	for id := range m.hub.endpoints {
		if id != m.self {
			peers = append(peers, id)
		}
	}
	return peers
}

// Close detaches the endpoint from the hub
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.hub.leave(m.self)
		close(m.done)
	})
	return nil
}
