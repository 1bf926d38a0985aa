// Package server exposes the daemon's local HTTP endpoint: health and
// status, the transcript hook, the LAN peer inbox, and the outbound send
// helper for local scripts.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/channels/chat"
	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
	"github.com/tether-agent/tether/internal/peercomms"
	"github.com/tether-agent/tether/internal/router"
)

// SessionProber reports on the agent session.
type SessionProber interface {
	SessionExists(ctx context.Context) bool
	IsAgentIdle(ctx context.Context) bool
}

// HookHandler receives transcript-change notifications.
type HookHandler interface {
	HandleHook(ctx context.Context, transcriptPath, hookEvent string) error
}

// PeerService is the LAN inbound side.
type PeerService interface {
	CheckAuth(ctx context.Context, remote, token string) error
	HandleInbound(ctx context.Context, msg *peercomms.AgentMessage) (*peercomms.InboundResult, error)
	PeerStates() []peercomms.PeerState
}

// PeerSender delivers outbound messages, LAN first then relay.
type PeerSender interface {
	SendToPeer(ctx context.Context, peer string, msg *peercomms.AgentMessage) error
}

// ChatInbound is the chat webhook target.
type ChatInbound interface {
	HandleInbound(ctx context.Context, msg *chat.InboundMessage) (*chat.InboundResult, error)
}

// Deps wires the handlers to the daemon's subsystems. Nil fields disable the
// corresponding routes with a 503 rather than a panic.
type Deps struct {
	Session SessionProber
	Hooks   HookHandler
	Peers   PeerService
	Sender  PeerSender
	Chat    ChatInbound
	Router  *router.Router
	Limiter *router.RateLimiter

	// WebSocket is mounted at GET /ws when non-nil.
	WebSocket http.Handler
}

// Server is the daemon's HTTP front end.
type Server struct {
	cfg    *config.DaemonConfig
	deps   Deps
	log    *logger.Logger
	engine *gin.Engine
	http   *http.Server

	startedAt time.Time
}

// New builds the server and registers all routes.
func New(cfg *config.DaemonConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       log.WithFields(zap.String("component", "http-server")),
		engine:    engine,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)
	s.engine.POST("/hook/response", s.handleHookResponse)
	s.engine.POST("/agent/message", s.handleAgentMessage)
	s.engine.GET("/agent/status", s.handleAgentStatus)
	s.engine.POST("/agent/send", s.handleAgentSend)
	s.engine.POST("/channels/chat/inbound", s.handleChatInbound)

	if s.deps.WebSocket != nil {
		s.engine.GET("/ws", gin.WrapH(s.deps.WebSocket))
	}
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	s.log.Info("http server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
