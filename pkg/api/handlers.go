package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgate/pkg/validate"
	"github.com/codeready-toolchain/agentgate/pkg/version"
)

// handleListModels returns the model catalogue.
func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"models": s.catalogue.Models})
}

// handleListServers returns the caller's registered MCP servers plus the
// shared ones, with live status.
func (s *Server) handleListServers(c *echo.Context) error {
	infos, err := s.supervisor.List(c.Request().Context(), userID(c))
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"servers": infos})
}

// handleAddServer registers and starts an MCP server for the caller.
func (s *Server) handleAddServer(c *echo.Context) error {
	var req AddServerRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, validate.KindBadArg, "request body is not valid JSON")
	}
	spec, err := req.Normalize()
	if err != nil {
		return errJSON(c, http.StatusBadRequest, validate.KindBadArg, err.Error())
	}

	if err := s.supervisor.Add(c.Request().Context(), userID(c), spec); err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"server_id": spec.ServerID,
		"status":    "ready",
	})
}

// handleRemoveServer stops and forgets a server. Removing an unknown server
// succeeds; the end state is the same.
func (s *Server) handleRemoveServer(c *echo.Context) error {
	serverID := c.Param("server_id")
	if err := s.supervisor.Remove(c.Request().Context(), userID(c), serverID); err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"server_id": serverID,
		"removed":   true,
	})
}

// handleRemoveHistory drops all of the caller's agent sessions. Registered
// MCP servers are untouched.
func (s *Server) handleRemoveHistory(c *echo.Context) error {
	s.manager.DropUser(userID(c))
	return c.JSON(http.StatusOK, map[string]any{"cleared": true})
}

// handleStopStream cancels an in-flight stream. Unknown or already-finished
// stream ids succeed: the stream is not running either way.
func (s *Server) handleStopStream(c *echo.Context) error {
	streamID := c.Param("stream_id")
	s.manager.CancelStream(userID(c), streamID)
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, map[string]any{
		"stream_id": streamID,
		"stopped":   true,
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"service": version.Full(),
	})
}
