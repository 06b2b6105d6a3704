// Package api exposes the HTTP surface: model catalogue, MCP server
// registration, chat completions with SSE streaming, and stream control.
package api

import (
	"context"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/codeready-toolchain/agentgate/pkg/config"
	"github.com/codeready-toolchain/agentgate/pkg/llm"
	"github.com/codeready-toolchain/agentgate/pkg/mcp"
	"github.com/codeready-toolchain/agentgate/pkg/session"
)

// Server wires the HTTP layer to the supervisor and session manager.
type Server struct {
	cfg        *config.Config
	catalogue  *config.Catalogue
	supervisor *mcp.Supervisor
	manager    *session.Manager
	// streamers maps provider name to its model client.
	streamers map[string]llm.Streamer
	maxTurns  int
	logger    *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(cfg *config.Config, cat *config.Catalogue, sup *mcp.Supervisor, mgr *session.Manager, streamers map[string]llm.Streamer, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		catalogue:  cat,
		supervisor: sup,
		manager:    mgr,
		streamers:  streamers,
		maxTurns:   cfg.MaxTurns,
		logger:     logger,
	}

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowHeaders: []string{"Content-Type", "Authorization", userHeader},
		}))
	}

	v1 := e.Group("/v1", bearerAuth(cfg.APIKey))
	v1.GET("/health", s.handleHealth)
	v1.GET("/list/models", s.handleListModels)

	scoped := v1.Group("", requireUser)
	scoped.GET("/list/mcp_server", s.handleListServers)
	scoped.POST("/add/mcp_server", s.handleAddServer)
	scoped.DELETE("/remove/mcp_server/:server_id", s.handleRemoveServer)
	scoped.POST("/chat/completions", s.handleChat)
	scoped.POST("/stop/stream/:stream_id", s.handleStopStream)
	scoped.POST("/remove/history", s.handleRemoveHistory)

	s.echo = e
	s.http = &http.Server{
		Addr:    cfg.Addr(),
		Handler: e,
	}
	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until the listener fails or Shutdown runs. It blocks.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.cfg.Addr(), "https", s.cfg.UseHTTPS)
	if s.cfg.UseHTTPS {
		return s.http.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
