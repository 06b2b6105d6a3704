package mcp

import (
	"errors"
	"fmt"
)

// MCP failure kinds. The first three abort registration; the tool kinds are
// reported inside tool results and never disturb the session.
const (
	KindSpawnFailed      = "mcp:spawn-failed"
	KindHandshakeTimeout = "mcp:handshake-timeout"
	KindTransport        = "mcp:transport"
	KindToolTimeout      = "mcp:tool-timeout"
	KindToolRaised       = "mcp:tool-raised"
)

// Error tags an underlying failure with its kind.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindError(kind string, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// ErrorKind extracts the kind from an error chain; "" when the error carries
// no kind.
func ErrorKind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
