package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"unicode"

	echo "github.com/labstack/echo/v5"
)

const userHeader = "X-User-ID"

const maxUserIDLength = 128

// userIDKey is the context key under which the authenticated tenant id is
// stored.
const userIDKey = "agentgate.user_id"

// bearerAuth enforces token equality against the resolved API key. The
// comparison is constant time; a wrong token and a missing one get distinct
// kinds so clients can tell misconfiguration from absence.
func bearerAuth(apiKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return errJSON(c, http.StatusUnauthorized, "auth:missing-token", "Authorization bearer token is required")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				return errJSON(c, http.StatusUnauthorized, "auth:bad-token", "invalid token")
			}
			return next(c)
		}
	}
}

// requireUser extracts the tenant id header for user-scoped endpoints.
func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		userID := c.Request().Header.Get(userHeader)
		if userID == "" {
			return errJSON(c, http.StatusBadRequest, "auth:missing-user", userHeader+" header is required")
		}
		if len(userID) > maxUserIDLength || !isPrintable(userID) {
			return errJSON(c, http.StatusBadRequest, "auth:missing-user", userHeader+" header is malformed")
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

func userID(c *echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
