// Package llm defines the provider-neutral streaming contract. Providers
// translate their SDK event streams into one small chunk alphabet; everything
// above this package (agent loop, SSE rendering) consumes only that alphabet.
package llm

import (
	"context"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

// Stop reasons, normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ToolDefinition describes one callable tool in provider-neutral form.
// InputSchema is a JSON-schema object ({"type":"object","properties":...}).
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one model invocation: the full conversation so far plus the
// tools the model may call.
type Request struct {
	ModelID     string
	System      string
	Messages    []models.Message
	Tools       []ToolDefinition
	MaxTokens   int64
	Temperature float64

	// Thinking enables extended reasoning on providers that support it;
	// ThinkingBudget caps the reasoning tokens.
	Thinking       bool
	ThinkingBudget int64
}

// Chunk is one event of a model response stream.
//
// Ordering contract: for each tool call the stream carries exactly one
// ToolCallStart, zero or more ToolInputDelta, then one ToolCall with the
// complete arguments. A Stop chunk is always the final chunk of a successful
// stream; an Error chunk is always the final chunk of a failed one.
type Chunk interface {
	isChunk()
}

// Text is a fragment of assistant-visible output text.
type Text struct {
	Text string
}

// Thinking is a fragment of extended-reasoning text. Thinking text is shown
// to the caller inside markers but never fed back to the model.
type Thinking struct {
	Text string
}

// ToolCallStart opens a tool invocation. Name is already server-qualified.
type ToolCallStart struct {
	ID   string
	Name string
}

// ToolInputDelta is a fragment of the tool call's JSON arguments, emitted in
// order between ToolCallStart and ToolCall.
type ToolInputDelta struct {
	ID    string
	Delta string
}

// ToolCall closes a tool invocation with its complete argument JSON.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Stop terminates a successful stream with the normalized stop reason.
type Stop struct {
	Reason string
}

// Error terminates a failed stream.
type Error struct {
	Err error
}

func (Text) isChunk()           {}
func (Thinking) isChunk()       {}
func (ToolCallStart) isChunk()  {}
func (ToolInputDelta) isChunk() {}
func (ToolCall) isChunk()       {}
func (Stop) isChunk()           {}
func (Error) isChunk()          {}

// Streamer starts one model invocation and delivers its chunks in order.
// The channel is closed after the terminal chunk. Cancelling ctx stops the
// stream; the provider then closes the channel without a terminal chunk.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
