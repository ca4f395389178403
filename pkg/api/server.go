// Package api provides the HTTP control surface of a mesh node: sessions,
// direct and public messages, known peers, an event stream and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZentaChain/zentalk-mesh/pkg/gossip"
	"github.com/ZentaChain/zentalk-mesh/pkg/network"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
)

var log = logging.Logger("mesh/api")

// MeshNode is the part of network.Node the API drives
type MeshNode interface {
	ID() protocol.PeerID
	Nickname() string
	Version() uint8
	Events() <-chan network.Event

	OpenSession(ctx context.Context, peer protocol.PeerID) error
	CloseSession(ctx context.Context, peer protocol.PeerID) error
	Rekey(ctx context.Context, peer protocol.PeerID) error
	Verify(ctx context.Context, peer protocol.PeerID) error
	Session(ctx context.Context, peer protocol.PeerID) (network.SessionInfo, error)
	Sessions(ctx context.Context) ([]network.SessionInfo, error)

	Send(ctx context.Context, peer protocol.PeerID, data []byte) (protocol.MessageID, error)
	MarkRead(ctx context.Context, peer protocol.PeerID, id protocol.MessageID) error
	Broadcast(ctx context.Context, text string) (protocol.MessageID, error)

	KnownPeers() ([]*storage.PeerRecord, error)
	Neighbours() []protocol.PeerID
	GossipStats(ctx context.Context) (gossip.Stats, error)
}

// Server is the HTTP API server
type Server struct {
	node       MeshNode
	router     *gin.Engine
	config     *Config
	httpServer *http.Server
	events     *broker
	limiter    *RateLimiter
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds server configuration
type Config struct {
	Addr        string
	EnableCORS  bool
	RateLimit   int // requests per minute per client, 0 disables
	APIKeys     []string
	ReadTimeout time.Duration
	Gatherer    prometheus.Gatherer // serves /metrics when set
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:        ":8080",
		EnableCORS:  true,
		RateLimit:   600,
		ReadTimeout: 30 * time.Second,
	}
}

// NewServer creates the API server and starts forwarding node events to
// stream subscribers
func NewServer(node MeshNode, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		node:      node,
		router:    gin.New(),
		config:    config,
		events:    newBroker(),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	go s.events.run(ctx, node.Events())

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware())
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.limiter = NewRateLimiter(s.ctx, s.config.RateLimit)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.config.Gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	if len(s.config.APIKeys) > 0 {
		v1.Use(AuthMiddleware(s.config.APIKeys))
	}
	{
		v1.GET("/node", s.handleNodeInfo)
		v1.GET("/peers", s.handlePeers)
		v1.GET("/neighbours", s.handleNeighbours)
		v1.GET("/gossip", s.handleGossipStats)
		v1.GET("/events", s.handleEvents)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", s.handleListSessions)
			sessions.GET("/:peer", s.handleGetSession)
			sessions.POST("/:peer", s.handleOpenSession)
			sessions.DELETE("/:peer", s.handleCloseSession)
			sessions.POST("/:peer/rekey", s.handleRekey)
			sessions.POST("/:peer/verify", s.handleVerify)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("", s.handleSend)
			messages.POST("/:peer/:id/read", s.handleMarkRead)
		}

		v1.POST("/broadcast", s.handleBroadcast)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.config.Addr,
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// no write timeout: /api/v1/events is long-lived
		IdleTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infow("HTTP API listening", "addr", s.config.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Infow("shutting down HTTP API")
	return s.Stop()
}

// Stop shuts the server down and ends every event stream
func (s *Server) Stop() error {
	s.cancel()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
