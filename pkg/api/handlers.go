package api

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-mesh/pkg/network"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
	"github.com/ZentaChain/zentalk-mesh/pkg/session"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
)

// SendRequest is the body of POST /api/v1/messages. Exactly one of Text
// and Data (base64) is set.
type SendRequest struct {
	Peer protocol.PeerID `json:"peer" binding:"required"`
	Text string          `json:"text,omitempty"`
	Data string          `json:"data,omitempty"`
}

// BroadcastRequest is the body of POST /api/v1/broadcast
type BroadcastRequest struct {
	Text string `json:"text" binding:"required"`
}

// MessageResponse returns the id of a sent message
type MessageResponse struct {
	Success   bool               `json:"success"`
	MessageID protocol.MessageID `json:"messageId"`
}

// NodeInfoResponse describes this node
type NodeInfoResponse struct {
	Success    bool            `json:"success"`
	PeerID     protocol.PeerID `json:"peerId"`
	Nickname   string          `json:"nickname"`
	Version    uint8           `json:"version"`
	Neighbours int             `json:"neighbours"`
	Uptime     string          `json:"uptime"`
}

// PeerInfo is a known peer
type PeerInfo struct {
	PeerID     protocol.PeerID `json:"peerId"`
	Nickname   string          `json:"nickname"`
	NoiseKey   string          `json:"noiseKey"`
	SigningKey string          `json:"signingKey"`
	Trust      storage.Trust   `json:"trust"`
	FirstSeen  time.Time       `json:"firstSeen"`
	LastSeen   time.Time       `json:"lastSeen"`
}

// PeersResponse lists known peers
type PeersResponse struct {
	Success bool       `json:"success"`
	Count   int        `json:"count"`
	Peers   []PeerInfo `json:"peers"`
}

// SessionsResponse lists live sessions
type SessionsResponse struct {
	Success  bool                  `json:"success"`
	Count    int                   `json:"count"`
	Sessions []network.SessionInfo `json:"sessions"`
}

// GossipResponse reports dedup and store counters
type GossipResponse struct {
	Success         bool    `json:"success"`
	Observed        uint64  `json:"observed"`
	Duplicates      uint64  `json:"duplicates"`
	Stored          int     `json:"stored"`
	FilterCount     uint    `json:"filterCount"`
	FilterCapacity  uint    `json:"filterCapacity"`
	EstimatedFPRate float64 `json:"estimatedFalsePositiveRate"`
}

// HealthResponse reports liveness
type HealthResponse struct {
	Status     string `json:"status"` // "healthy" or "isolated"
	Uptime     string `json:"uptime"`
	Neighbours int    `json:"neighbours"`
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, network.ErrNoSession), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, network.ErrSelf),
		errors.Is(err, protocol.ErrMalformedPacket),
		errors.Is(err, protocol.ErrPayloadTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, network.ErrNotConnected),
		errors.Is(err, network.ErrNodeClosed),
		errors.Is(err, network.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warnw("request error", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, ErrorResponse{Error: http.StatusText(status), Message: err.Error()})
}

// peerParam parses the :peer path parameter
func peerParam(c *gin.Context) (protocol.PeerID, bool) {
	id, err := protocol.ParsePeerID(c.Param("peer"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid peer id", Message: err.Error()})
		return protocol.PeerID{}, false
	}
	return id, true
}

func (s *Server) uptime() string {
	return time.Since(s.startedAt).Round(time.Second).String()
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	n := len(s.node.Neighbours())
	status := "healthy"
	if n == 0 {
		status = "isolated"
	}
	c.JSON(http.StatusOK, HealthResponse{Status: status, Uptime: s.uptime(), Neighbours: n})
}

// handleNodeInfo handles GET /api/v1/node
func (s *Server) handleNodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, NodeInfoResponse{
		Success:    true,
		PeerID:     s.node.ID(),
		Nickname:   s.node.Nickname(),
		Version:    s.node.Version(),
		Neighbours: len(s.node.Neighbours()),
		Uptime:     s.uptime(),
	})
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	records, err := s.node.KnownPeers()
	if err != nil {
		respondError(c, err)
		return
	}
	peers := make([]PeerInfo, 0, len(records))
	for _, r := range records {
		peers = append(peers, PeerInfo{
			PeerID:     r.PeerID,
			Nickname:   r.Nickname,
			NoiseKey:   hex.EncodeToString(r.NoiseKey[:]),
			SigningKey: hex.EncodeToString(r.SigningKey),
			Trust:      r.Trust,
			FirstSeen:  time.UnixMilli(r.FirstSeen).UTC(),
			LastSeen:   time.UnixMilli(r.LastSeen).UTC(),
		})
	}
	c.JSON(http.StatusOK, PeersResponse{Success: true, Count: len(peers), Peers: peers})
}

// handleNeighbours handles GET /api/v1/neighbours
func (s *Server) handleNeighbours(c *gin.Context) {
	neighbours := s.node.Neighbours()
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: neighbours})
}

// handleGossipStats handles GET /api/v1/gossip
func (s *Server) handleGossipStats(c *gin.Context) {
	st, err := s.node.GossipStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, GossipResponse{
		Success:         true,
		Observed:        st.Observed,
		Duplicates:      st.Duplicates,
		Stored:          st.Stored,
		FilterCount:     st.FilterCount,
		FilterCapacity:  st.FilterCapacity,
		EstimatedFPRate: st.EstimatedFPRate,
	})
}

// handleListSessions handles GET /api/v1/sessions
func (s *Server) handleListSessions(c *gin.Context) {
	infos, err := s.node.Sessions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionsResponse{Success: true, Count: len(infos), Sessions: infos})
}

// handleGetSession handles GET /api/v1/sessions/:peer
func (s *Server) handleGetSession(c *gin.Context) {
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	info, err := s.node.Session(c.Request.Context(), peer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: info})
}

// handleOpenSession handles POST /api/v1/sessions/:peer
func (s *Server) handleOpenSession(c *gin.Context) {
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	if err := s.node.OpenSession(c.Request.Context(), peer); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "handshake started"})
}

// handleCloseSession handles DELETE /api/v1/sessions/:peer
func (s *Server) handleCloseSession(c *gin.Context) {
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	if err := s.node.CloseSession(c.Request.Context(), peer); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "session closed"})
}

// handleRekey handles POST /api/v1/sessions/:peer/rekey
func (s *Server) handleRekey(c *gin.Context) {
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	if err := s.node.Rekey(c.Request.Context(), peer); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "rekey started"})
}

// handleVerify handles POST /api/v1/sessions/:peer/verify
func (s *Server) handleVerify(c *gin.Context) {
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	if err := s.node.Verify(c.Request.Context(), peer); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "challenge sent"})
}

// handleSend handles POST /api/v1/messages
func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	var data []byte
	switch {
	case req.Text != "" && req.Data != "":
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: "set text or data, not both"})
		return
	case req.Data != "":
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: "data is not base64"})
			return
		}
		data = decoded
	default:
		data = []byte(req.Text)
	}

	id, err := s.node.Send(c.Request.Context(), req.Peer, data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, MessageResponse{Success: true, MessageID: id})
}

// handleMarkRead handles POST /api/v1/messages/:peer/:id/read
func (s *Server) handleMarkRead(c *gin.Context) {
	peer, ok := peerParam(c)
	if !ok {
		return
	}
	var id protocol.MessageID
	if err := id.UnmarshalText([]byte(c.Param("id"))); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid message id", Message: err.Error()})
		return
	}
	if err := s.node.MarkRead(c.Request.Context(), peer, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// handleBroadcast handles POST /api/v1/broadcast
func (s *Server) handleBroadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	id, err := s.node.Broadcast(c.Request.Context(), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, MessageResponse{Success: true, MessageID: id})
}
