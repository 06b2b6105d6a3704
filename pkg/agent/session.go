package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentgate/pkg/llm"
	"github.com/codeready-toolchain/agentgate/pkg/mcp"
	"github.com/codeready-toolchain/agentgate/pkg/models"
)

// ErrSuperseded is the cancellation cause when a newer request on the same
// session replaces an active stream.
var ErrSuperseded = errors.New("session:superseded")

// DefaultMaxTurns bounds the model/tool round trips within one converse call.
const DefaultMaxTurns = 10

// Params are the per-session sampling knobs.
type Params struct {
	MaxTokens      int64
	Temperature    float64
	EnableThinking bool
	// BudgetTokens caps reasoning tokens; ignored unless EnableThinking.
	BudgetTokens int64
	// OnlyNMostRecentImages elides older image payloads from history before
	// each upstream call; nil keeps everything, 0 strips all prior images.
	OnlyNMostRecentImages *int
	// MemoryMode on: the session owns history and callers send only new
	// messages. Off: callers resend the full history and the session adopts it.
	MemoryMode bool
	MaxTurns   int
}

// Dispatcher routes a qualified tool call to the owning MCP client.
type Dispatcher interface {
	CallTool(ctx context.Context, userID, qualifiedName string, args map[string]any) (string, *mcp.ToolResult, error)
}

// Session is a bound (user, model, system prompt, tool set) conversation.
// At most one stream is active at a time; a newer Converse supersedes the
// running one.
type Session struct {
	UserID  string
	ModelID string

	systemPrompt string
	tools        []llm.ToolDefinition
	params       Params
	streamer     llm.Streamer
	dispatcher   Dispatcher
	logger       *slog.Logger

	mu           sync.Mutex
	history      []models.Message
	lastActivity time.Time

	slotMu       sync.Mutex
	activeCancel context.CancelCauseFunc
	activeDone   chan struct{}
}

// New constructs a session with an empty history.
func New(userID, modelID, systemPrompt string, tools []llm.ToolDefinition, params Params, streamer llm.Streamer, dispatcher Dispatcher, logger *slog.Logger) *Session {
	if params.MaxTurns <= 0 {
		params.MaxTurns = DefaultMaxTurns
	}
	return &Session{
		UserID:       userID,
		ModelID:      modelID,
		systemPrompt: systemPrompt,
		tools:        tools,
		params:       params,
		streamer:     streamer,
		dispatcher:   dispatcher,
		logger:       logger.With("component", "agent", "user", userID, "model", modelID),
		lastActivity: time.Now(),
	}
}

// LastActivity returns the time of the session's most recent use.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch refreshes the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// History returns a snapshot of the conversation.
func (s *Session) History() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Close cancels any active stream. The session is unusable afterwards only by
// convention; the manager drops its reference.
func (s *Session) Close() {
	s.slotMu.Lock()
	cancel, done := s.activeCancel, s.activeDone
	s.slotMu.Unlock()
	if cancel != nil {
		cancel(context.Canceled)
		<-done
	}
}

// Converse runs one conversation turn and streams canonical events. The
// returned channel is closed after the terminal Done event. Cancelling ctx
// (client disconnect, explicit stop) terminates the turn with Done{cancelled}.
func (s *Session) Converse(ctx context.Context, incoming []models.Message) <-chan Event {
	// Acquire the single-stream slot, superseding any active stream.
	var runCtx context.Context
	var done chan struct{}
	for {
		s.slotMu.Lock()
		if s.activeDone == nil {
			done = make(chan struct{})
			var cancel context.CancelCauseFunc
			runCtx, cancel = context.WithCancelCause(ctx)
			s.activeDone = done
			s.activeCancel = cancel
			s.slotMu.Unlock()
			break
		}
		cancel, prevDone := s.activeCancel, s.activeDone
		s.slotMu.Unlock()
		cancel(ErrSuperseded)
		<-prevDone
	}

	s.adoptIncoming(incoming)

	events := make(chan Event, 64)
	go func() {
		defer func() {
			s.Touch()
			s.slotMu.Lock()
			if s.activeDone == done {
				s.activeDone = nil
				s.activeCancel = nil
			}
			s.slotMu.Unlock()
			close(done)
			close(events)
		}()
		s.run(runCtx, events)
	}()
	return events
}

func (s *Session) adoptIncoming(incoming []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params.MemoryMode {
		s.history = append(s.history, incoming...)
		return
	}
	s.history = make([]models.Message, len(incoming))
	copy(s.history, incoming)
}

// run is the agent loop: stream from the model, dispatch tool calls, repeat
// until the model stops asking for tools or the turn budget runs out.
func (s *Session) run(ctx context.Context, events chan<- Event) {
	emit := func(e Event) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// finish delivers the terminal event even when the consumer is gone; the
	// channel buffer absorbs it so the goroutine never blocks on exit.
	finish := func(e Event) {
		select {
		case events <- e:
		default:
		}
	}

	for turn := 0; turn < s.params.MaxTurns; turn++ {
		request := s.buildRequest()
		chunks, err := s.streamer.Stream(ctx, request)
		if err != nil {
			emit(ErrorEvent{Kind: "model:upstream", Message: err.Error()})
			finish(Done{Reason: ReasonFailed})
			return
		}

		var text strings.Builder
		var calls []llm.ToolCall
		stopReason := ""
		failed := false

		// When ctx is cancelled emit becomes a no-op and the provider closes
		// the channel; the loop then drains and falls through to the
		// cancellation check below.
		for chunk := range chunks {
			switch c := chunk.(type) {
			case llm.Text:
				text.WriteString(c.Text)
				emit(TextDelta{Text: c.Text})
			case llm.Thinking:
				emit(ThinkingDelta{Text: c.Text})
			case llm.ToolCallStart:
				emit(ToolName{Name: c.Name})
			case llm.ToolInputDelta:
				emit(ToolInputDelta{Delta: c.Delta})
			case llm.ToolCall:
				calls = append(calls, c)
			case llm.Stop:
				stopReason = c.Reason
			case llm.Error:
				emit(ErrorEvent{Kind: "model:upstream", Message: c.Err.Error()})
				failed = true
			}
		}

		// A cancelled turn discards partial assistant output.
		if ctx.Err() != nil {
			finish(Done{Reason: ReasonCancelled})
			return
		}
		if failed {
			finish(Done{Reason: ReasonFailed})
			return
		}
		if stopReason == "" {
			emit(ErrorEvent{Kind: "model:upstream", Message: "stream ended without a stop reason"})
			finish(Done{Reason: ReasonFailed})
			return
		}

		s.appendAssistant(text.String(), calls)

		if stopReason != llm.StopToolUse || len(calls) == 0 {
			finish(Done{Reason: ReasonComplete})
			return
		}

		resultBlocks := make([]models.ContentBlock, 0, len(calls))
		for _, call := range calls {
			block, event := s.dispatch(ctx, call)
			if ctx.Err() != nil {
				finish(Done{Reason: ReasonCancelled})
				return
			}
			if !emit(event) {
				finish(Done{Reason: ReasonCancelled})
				return
			}
			resultBlocks = append(resultBlocks, block)
		}
		s.appendToolResults(resultBlocks)
	}

	emit(ErrorEvent{Kind: "model:upstream", Message: "tool-call turn budget exhausted"})
	finish(Done{Reason: ReasonFailed})
}

func (s *Session) buildRequest() llm.Request {
	s.mu.Lock()
	history := make([]models.Message, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	if s.params.OnlyNMostRecentImages != nil {
		history = elideOldImages(history, *s.params.OnlyNMostRecentImages)
	}
	history = redactOldToolResults(history, redactKeepRecent, redactTextThreshold)

	return llm.Request{
		ModelID:        s.ModelID,
		System:         s.systemPrompt,
		Messages:       history,
		Tools:          s.tools,
		MaxTokens:      s.params.MaxTokens,
		Temperature:    s.params.Temperature,
		Thinking:       s.params.EnableThinking,
		ThinkingBudget: s.params.BudgetTokens,
	}
}

func (s *Session) appendAssistant(text string, calls []llm.ToolCall) {
	var blocks []models.ContentBlock
	if text != "" {
		blocks = append(blocks, models.ContentBlock{Type: models.BlockText, Text: text})
	}
	for _, call := range calls {
		blocks = append(blocks, models.ContentBlock{
			Type:      models.BlockToolUse,
			ToolUseID: call.ID,
			ToolName:  call.Name,
			ToolInput: call.Arguments,
		})
	}
	if len(blocks) == 0 {
		return
	}
	s.mu.Lock()
	s.history = append(s.history, models.Message{Role: models.RoleAssistant, Content: blocks})
	s.mu.Unlock()
}

func (s *Session) appendToolResults(blocks []models.ContentBlock) {
	if len(blocks) == 0 {
		return
	}
	s.mu.Lock()
	s.history = append(s.history, models.Message{Role: models.RoleUser, Content: blocks})
	s.mu.Unlock()
}

// dispatch runs one tool call and produces both the history block and the
// canonical event. Dispatch failures come back as error-flagged results so
// the model can react; they never abort the turn.
func (s *Session) dispatch(ctx context.Context, call llm.ToolCall) (models.ContentBlock, ToolResult) {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return s.dispatchFailure(call, "", fmt.Sprintf("tool arguments are not valid JSON: %v", err))
		}
	}

	serverID, result, err := s.dispatcher.CallTool(ctx, s.UserID, call.Name, args)
	if err != nil {
		kind := mcp.ErrorKind(err)
		if kind == "" {
			kind = mcp.KindTransport
		}
		s.logger.Warn("tool dispatch failed", "tool", call.Name, "kind", kind, "error", err)
		return s.dispatchFailure(call, serverID, kind)
	}

	event := ToolResult{
		ServerID: serverID,
		ToolName: call.Name,
		IsError:  result.IsError,
		Content:  result.Content,
	}
	block := models.ContentBlock{
		Type:      models.BlockToolResult,
		ToolUseID: call.ID,
		ServerID:  serverID,
		Content:   result.Content,
		IsError:   result.IsError,
	}
	return block, event
}

func (s *Session) dispatchFailure(call llm.ToolCall, serverID, message string) (models.ContentBlock, ToolResult) {
	content := []models.ContentBlock{{Type: models.BlockText, Text: message}}
	event := ToolResult{
		ServerID: serverID,
		ToolName: call.Name,
		IsError:  true,
		Content:  content,
	}
	block := models.ContentBlock{
		Type:      models.BlockToolResult,
		ToolUseID: call.ID,
		ServerID:  serverID,
		Content:   content,
		IsError:   true,
	}
	return block, event
}
