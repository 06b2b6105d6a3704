// Package models holds the domain types shared across the gateway:
// MCP server specifications, conversation messages, and content blocks.
package models

// ServerStatus is the derived lifecycle status of a registered MCP server.
// It is never persisted; the supervisor computes it from the live client state.
type ServerStatus string

const (
	StatusRegistered ServerStatus = "registered"
	StatusConnecting ServerStatus = "connecting"
	StatusReady      ServerStatus = "ready"
	StatusFailed     ServerStatus = "failed"
)

// ServerSpec is the user-supplied declaration of one MCP tool server.
// A spec is only ever persisted after validation passes, and is only ever
// executed after the persistence write is acknowledged.
type ServerSpec struct {
	// ServerID is unique within one user; 1-64 chars from [A-Za-z0-9_-].
	ServerID string `json:"server_id" yaml:"server_id"`

	// ServerName is a human-readable label shown in listings.
	ServerName string `json:"server_name" yaml:"server_name"`

	// Command must be one of the launch whitelist (npx, uvx, uv, node,
	// python, docker).
	Command string `json:"command" yaml:"command"`

	// Args are passed verbatim to the subprocess after validation.
	Args []string `json:"args" yaml:"args"`

	// Env is merged over the inherited environment after key/value checks.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// ServerInfo is a ServerSpec annotated with its derived status, as returned
// by list operations.
type ServerInfo struct {
	ServerID   string       `json:"server_id"`
	ServerName string       `json:"server_name"`
	Status     ServerStatus `json:"status"`
	Shared     bool         `json:"shared,omitempty"`
}
