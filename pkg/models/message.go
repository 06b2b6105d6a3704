package models

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content blocks inside a message.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockFile       BlockType = "file"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one typed element of a message. Exactly the fields for the
// declared Type are populated; the rest stay zero.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockImage: base64 payload plus its media type (e.g. "image/png").
	// Elided images keep the Type but carry only the Placeholder text.
	MediaType   string `json:"media_type,omitempty"`
	Data        string `json:"data,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`

	// BlockFile: inline base64 document content.
	FileName string `json:"file_name,omitempty"`
	FileData string `json:"file_data,omitempty"`

	// BlockToolUse: a tool invocation requested by the assistant.
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"` // raw JSON arguments

	// BlockToolResult: outcome of a tool invocation, fed back to the model.
	// Content carries the tool's own blocks (text, images, structured output).
	ServerID string         `json:"server_id,omitempty"`
	Content  []ContentBlock `json:"content,omitempty"`
	IsError  bool           `json:"is_error,omitempty"`
}

// Message is one turn of conversation history.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// JoinedText concatenates all text blocks of the message.
func (m Message) JoinedText() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
