package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/channels/chat"
	"github.com/tether-agent/tether/internal/peercomms"
	"github.com/tether-agent/tether/internal/transcript"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{"ok": true, "uptimeSeconds": int(time.Since(s.startedAt).Seconds())}

	if s.deps.Session != nil {
		resp["session"] = s.deps.Session.SessionExists(c.Request.Context())
	}
	if s.deps.Router != nil {
		resp["channel"] = string(s.deps.Router.Channel())
		if s.deps.Limiter != nil {
			resp["queueDepth"] = s.deps.Limiter.QueueLen(s.deps.Router.LastRecipient())
		}
	}
	if s.deps.Peers != nil {
		resp["peers"] = s.deps.Peers.PeerStates()
	}
	c.JSON(http.StatusOK, resp)
}

type hookRequest struct {
	TranscriptPath string `json:"transcript_path" binding:"required"`
	HookEvent      string `json:"hook_event"`
}

func (s *Server) handleHookResponse(c *gin.Context) {
	if s.deps.Hooks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transcript stream disabled"})
		return
	}

	var req hookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.HookEvent == "" {
		req.HookEvent = transcript.HookStop
	}

	if err := s.deps.Hooks.HandleHook(c.Request.Context(), req.TranscriptPath, req.HookEvent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleAgentMessage(c *gin.Context) {
	if s.deps.Peers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent comms disabled"})
		return
	}

	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if err := s.deps.Peers.CheckAuth(c.Request.Context(), c.ClientIP(), token); err != nil {
		s.log.Warn("peer auth rejected", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var msg peercomms.AgentMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.deps.Peers.HandleInbound(c.Request.Context(), &msg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	status := "unknown"
	if s.deps.Session != nil {
		if s.deps.Session.IsAgentIdle(c.Request.Context()) {
			status = "idle"
		} else {
			status = "busy"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"status":        status,
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
	})
}

type sendRequest struct {
	Peer string `json:"peer" binding:"required"`
	peercomms.AgentMessage
}

func (s *Server) handleAgentSend(c *gin.Context) {
	if s.deps.Sender == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent comms disabled"})
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = peercomms.TypeText
	}

	if err := s.deps.Sender.SendToPeer(c.Request.Context(), req.Peer, &req.AgentMessage); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleChatInbound(c *gin.Context) {
	if s.deps.Chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat disabled"})
		return
	}

	var msg chat.InboundMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.deps.Chat.HandleInbound(c.Request.Context(), &msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"ok": true, "tier": string(result.Tier), "injected": result.Injected}
	if result.Queued {
		resp["queued"] = true
	}
	c.JSON(http.StatusOK, resp)
}
