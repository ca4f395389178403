package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-mesh/pkg/network"
)

// subscriberBuffer is how far a stream client may lag before events to it are dropped
const subscriberBuffer = 64

// broker fans node events out to every stream subscriber
type broker struct {
	mu   sync.Mutex
	subs map[chan network.Event]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[chan network.Event]struct{})}
}

func (b *broker) run(ctx context.Context, events <-chan network.Event) {
	for {
		select {
		case ev := <-events:
			b.publish(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (b *broker) publish(ev network.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Debugw("event stream subscriber lagging, event dropped", "kind", ev.Kind)
		}
	}
}

func (b *broker) subscribe() chan network.Event {
	ch := make(chan network.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broker) unsubscribe(ch chan network.Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// handleEvents handles GET /api/v1/events as a server-sent event stream
func (s *Server) handleEvents(c *gin.Context) {
	sub := s.events.subscribe()
	defer s.events.unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case ev := <-sub:
			c.SSEvent(string(ev.Kind), ev)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}
