// Package agent implements per-user conversational sessions: the model loop
// that streams tokens, intercepts tool calls, dispatches them to MCP servers,
// and splices results back into the conversation.
package agent

import "github.com/codeready-toolchain/agentgate/pkg/models"

// Terminal reasons for a Done event.
const (
	ReasonComplete  = "complete"
	ReasonCancelled = "cancelled"
	ReasonFailed    = "failed"
)

// Event is one canonical event of a conversation turn. The sequence within a
// turn is: thinking deltas, then any number of tool rounds (name, input
// deltas, result), then text deltas, repeated until a single terminal Done.
type Event interface {
	isEvent()
}

// TextDelta carries assistant output tokens.
type TextDelta struct {
	Text string
}

// ThinkingDelta carries chain-of-thought tokens, present only when thinking
// is enabled.
type ThinkingDelta struct {
	Text string
}

// ToolName announces the tool about to be called, once per call, before any
// argument bytes.
type ToolName struct {
	Name string
}

// ToolInputDelta carries streamed tool-call arguments.
type ToolInputDelta struct {
	Delta string
}

// ToolResult is the complete result of the just-finished tool call.
type ToolResult struct {
	ServerID string
	ToolName string
	IsError  bool
	Content  []models.ContentBlock
}

// ErrorEvent reports a stream error. A fatal error is followed by Done with
// reason failed.
type ErrorEvent struct {
	Kind    string
	Message string
}

// Done terminates the event stream. Exactly one Done is emitted per turn and
// its reason is final.
type Done struct {
	Reason string
}

func (TextDelta) isEvent()      {}
func (ThinkingDelta) isEvent()  {}
func (ToolName) isEvent()       {}
func (ToolInputDelta) isEvent() {}
func (ToolResult) isEvent()     {}
func (ErrorEvent) isEvent()     {}
func (Done) isEvent()           {}
