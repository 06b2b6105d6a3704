package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgate/pkg/mcp"
	"github.com/codeready-toolchain/agentgate/pkg/store"
	"github.com/codeready-toolchain/agentgate/pkg/validate"
)

// errorBody is the uniform error response: a machine-readable kind plus a
// short reason. Internal details (stack traces, subprocess paths) never
// reach the client.
type errorBody struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func errJSON(c *echo.Context, status int, kind, reason string) error {
	return c.JSON(status, errorBody{Kind: kind, Reason: reason})
}

// mapDomainError maps lower-layer errors onto HTTP responses.
func mapDomainError(c *echo.Context, err error) error {
	var verr *validate.Error
	if errors.As(err, &verr) {
		return errJSON(c, http.StatusBadRequest, verr.Kind, verr.Reason)
	}
	if errors.Is(err, store.ErrUnavailable) {
		return errJSON(c, http.StatusServiceUnavailable, "store:unavailable", "persistence layer is unreachable")
	}
	switch mcp.ErrorKind(err) {
	case mcp.KindSpawnFailed:
		return errJSON(c, http.StatusBadGateway, mcp.KindSpawnFailed, "server process could not be started")
	case mcp.KindHandshakeTimeout:
		return errJSON(c, http.StatusBadGateway, mcp.KindHandshakeTimeout, "server did not complete the handshake in time")
	case mcp.KindTransport:
		return errJSON(c, http.StatusBadGateway, mcp.KindTransport, "server connection failed")
	}

	slog.Error("unexpected error", "error", err)
	return errJSON(c, http.StatusInternalServerError, "internal", "internal server error")
}
