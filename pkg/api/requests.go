package api

import (
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

// AddServerRequest is the body of POST /v1/add/mcp_server. Either the flat
// spec fields or a nested config_json block may be supplied; after
// normalization a command is required.
type AddServerRequest struct {
	ServerID   string            `json:"server_id"`
	ServerName string            `json:"server_name"`
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`

	// ConfigJSON is the standard {"mcpServers": {...}} block many MCP server
	// READMEs publish, accepted verbatim for copy-paste convenience.
	ConfigJSON string `json:"config_json"`
}

type mcpServersBlock struct {
	MCPServers map[string]struct {
		Command string            `json:"command"`
		Args    []string          `json:"args"`
		Env     map[string]string `json:"env"`
	} `json:"mcpServers"`
}

// Normalize resolves the request into a single ServerSpec. config_json wins
// over the flat fields for the launch triple; the flat server_id/server_name
// still apply when the block names exactly one server.
func (r *AddServerRequest) Normalize() (models.ServerSpec, error) {
	spec := models.ServerSpec{
		ServerID:   r.ServerID,
		ServerName: r.ServerName,
		Command:    r.Command,
		Args:       r.Args,
		Env:        r.Env,
	}

	if r.ConfigJSON != "" {
		var block mcpServersBlock
		if err := json.Unmarshal([]byte(r.ConfigJSON), &block); err != nil {
			return models.ServerSpec{}, fmt.Errorf("config_json is not valid JSON: %w", err)
		}
		if len(block.MCPServers) != 1 {
			return models.ServerSpec{}, fmt.Errorf("config_json must declare exactly one server, got %d", len(block.MCPServers))
		}
		for name, entry := range block.MCPServers {
			if spec.ServerID == "" {
				spec.ServerID = name
			}
			if spec.ServerName == "" {
				spec.ServerName = name
			}
			spec.Command = entry.Command
			spec.Args = entry.Args
			spec.Env = entry.Env
		}
	}

	if spec.ServerName == "" {
		spec.ServerName = spec.ServerID
	}
	return spec, nil
}

// ChatExtraParams are the recognized extra_params fields.
type ChatExtraParams struct {
	OnlyNMostRecentImages *int  `json:"only_n_most_recent_images"`
	BudgetTokens          int64 `json:"budget_tokens"`
	EnableThinking        bool  `json:"enable_thinking"`
	// UseSwarm is reserved; requests setting it are rejected.
	UseSwarm bool `json:"use_swarm"`
}

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Messages     []wireMessage   `json:"messages"`
	Model        string          `json:"model"`
	MCPServerIDs []string        `json:"mcp_server_ids"`
	Stream       bool            `json:"stream"`
	MaxTokens    int64           `json:"max_tokens"`
	Temperature  float64         `json:"temperature"`
	KeepSession  bool            `json:"keep_session"`
	UseMemory    bool            `json:"use_memory"`
	ExtraParams  ChatExtraParams `json:"extra_params"`
}

// MemoryMode reports whether the server holds history between requests.
// Either legacy flag selects it.
func (r *ChatRequest) MemoryMode() bool {
	return r.KeepSession || r.UseMemory
}

// wireMessage accepts both plain-string and block-list content.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	FileName  string `json:"file_name"`
	FileData  string `json:"file_data"`
}

// ParseMessages converts the wire messages into domain messages.
func (r *ChatRequest) ParseMessages() ([]models.Message, error) {
	out := make([]models.Message, 0, len(r.Messages))
	for i, wm := range r.Messages {
		role := models.Role(wm.Role)
		switch role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant:
		default:
			return nil, fmt.Errorf("messages[%d]: unknown role %q", i, wm.Role)
		}

		var text string
		if err := json.Unmarshal(wm.Content, &text); err == nil {
			out = append(out, models.TextMessage(role, text))
			continue
		}

		var blocks []wireBlock
		if err := json.Unmarshal(wm.Content, &blocks); err != nil {
			return nil, fmt.Errorf("messages[%d]: content must be a string or a block list", i)
		}
		msg := models.Message{Role: role}
		for j, b := range blocks {
			switch b.Type {
			case "text":
				msg.Content = append(msg.Content, models.ContentBlock{Type: models.BlockText, Text: b.Text})
			case "image":
				msg.Content = append(msg.Content, models.ContentBlock{
					Type: models.BlockImage, MediaType: b.MediaType, Data: b.Data,
				})
			case "file":
				msg.Content = append(msg.Content, models.ContentBlock{
					Type: models.BlockFile, FileName: b.FileName, FileData: b.FileData,
				})
			default:
				return nil, fmt.Errorf("messages[%d].content[%d]: unknown block type %q", i, j, b.Type)
			}
		}
		out = append(out, msg)
	}
	return out, nil
}
