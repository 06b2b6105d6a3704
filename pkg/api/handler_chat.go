package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentgate/pkg/agent"
	"github.com/codeready-toolchain/agentgate/pkg/config"
	"github.com/codeready-toolchain/agentgate/pkg/models"
	"github.com/codeready-toolchain/agentgate/pkg/validate"
)

// Marker strings interleaved into the content stream so plain chat clients
// can render reasoning and tool arguments without a custom protocol.
const (
	thinkingOpen   = "<thinking>"
	thinkingClose  = "</thinking>"
	toolInputOpen  = "<tool_input>"
	toolInputClose = "</tool_input>"
)

// completionResponse is the non-streaming chat completion body.
type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

type completionChoice struct {
	Index         int               `json:"index"`
	Message       completionMessage `json:"message"`
	FinishReason  string            `json:"finish_reason"`
	MessageExtras map[string]any    `json:"message_extras,omitempty"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleChat runs one conversation turn against the caller's session,
// streaming over SSE or collecting into a single completion body.
func (s *Server) handleChat(c *echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, validate.KindBadArg, "request body is not valid JSON")
	}
	if req.ExtraParams.UseSwarm {
		return errJSON(c, http.StatusBadRequest, validate.KindBadArg, "use_swarm is reserved and not accepted")
	}
	model, ok := s.catalogue.Lookup(req.Model)
	if !ok {
		return errJSON(c, http.StatusBadRequest, validate.KindBadArg, "unknown model "+strconv.Quote(req.Model))
	}
	incoming, err := req.ParseMessages()
	if err != nil {
		return errJSON(c, http.StatusBadRequest, validate.KindBadArg, err.Error())
	}
	systemPrompt, incoming := splitSystem(incoming)

	uid := userID(c)
	sess, err := s.manager.GetOrCreate(uid, model.ModelID, func() (*agent.Session, error) {
		return s.buildSession(c, uid, model, systemPrompt, &req)
	})
	if err != nil {
		return mapDomainError(c, err)
	}

	// An empty message list is a warm-up probe: servers are reconciled and
	// the session is built, but no model call is made.
	if len(incoming) == 0 {
		return c.JSON(http.StatusOK, completionResponse{
			ID:      "chat" + strconv.FormatInt(time.Now().UnixNano(), 10),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   model.ModelID,
			Choices: []completionChoice{{
				Message:      completionMessage{Role: "assistant"},
				FinishReason: "load",
			}},
		})
	}

	streamID, streamCtx, release := s.manager.RegisterStream(c.Request().Context(), uid)
	defer release()

	events := sess.Converse(streamCtx, incoming)

	if req.Stream {
		return s.pumpSSE(c, streamID, model.ModelID, events)
	}
	return s.collectCompletion(c, streamID, model.ModelID, events)
}

// buildSession binds a fresh agent session to the caller's selected servers
// and the model's provider.
func (s *Server) buildSession(c *echo.Context, uid string, model config.Model, systemPrompt string, req *ChatRequest) (*agent.Session, error) {
	tools, err := s.supervisor.ToolsFor(c.Request().Context(), uid, req.MCPServerIDs)
	if err != nil {
		return nil, err
	}
	streamer, ok := s.streamers[model.Provider]
	if !ok {
		return nil, &validate.Error{Kind: validate.KindBadArg, Reason: "provider " + model.Provider + " is not configured"}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.MaxTokens
	}
	params := agent.Params{
		MaxTokens:             maxTokens,
		Temperature:           req.Temperature,
		EnableThinking:        req.ExtraParams.EnableThinking,
		BudgetTokens:          req.ExtraParams.BudgetTokens,
		OnlyNMostRecentImages: req.ExtraParams.OnlyNMostRecentImages,
		MemoryMode:            req.MemoryMode(),
		MaxTurns:              s.maxTurns,
	}
	return agent.New(uid, model.ModelID, systemPrompt, tools, params, streamer, s.supervisor, s.logger), nil
}

// pumpSSE forwards agent events as SSE frames until the terminal event.
func (s *Server) pumpSSE(c *echo.Context, streamID, modelID string, events <-chan agent.Event) error {
	w := newSSEWriter(c.Response(), streamID, modelID)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	inThinking := false
	inToolInput := false
	closeMarkers := func() error {
		if inToolInput {
			inToolInput = false
			if err := w.Content(toolInputClose); err != nil {
				return err
			}
		}
		if inThinking {
			inThinking = false
			if err := w.Content(thinkingClose); err != nil {
				return err
			}
		}
		return nil
	}

	sawDone := false
	for {
		select {
		case <-heartbeat.C:
			if err := w.Heartbeat(); err != nil {
				return nil
			}
			continue
		case ev, ok := <-events:
			if !ok {
				// Channel closed without a terminal event: the stream was
				// torn down mid-flight.
				if !sawDone {
					_ = closeMarkers()
					_ = w.Finish("cancelled")
					_ = w.Done()
				}
				return nil
			}
			if err := s.writeEvent(w, ev, &inThinking, &inToolInput, closeMarkers); err != nil {
				// Client went away; the deferred release cancels the stream.
				return nil
			}
			if _, ok := ev.(agent.Done); ok {
				sawDone = true
				return w.Done()
			}
		}
	}
}

func (s *Server) writeEvent(w *sseWriter, ev agent.Event, inThinking, inToolInput *bool, closeMarkers func() error) error {
	switch ev := ev.(type) {
	case agent.ThinkingDelta:
		if !*inThinking {
			*inThinking = true
			if err := w.Content(thinkingOpen); err != nil {
				return err
			}
		}
		return w.Content(ev.Text)
	case agent.TextDelta:
		if err := closeMarkers(); err != nil {
			return err
		}
		return w.Content(ev.Text)
	case agent.ToolName:
		if err := closeMarkers(); err != nil {
			return err
		}
		return w.Extras(map[string]any{"tool_use": map[string]any{"name": ev.Name}})
	case agent.ToolInputDelta:
		if !*inToolInput {
			*inToolInput = true
			if err := w.Content(toolInputOpen); err != nil {
				return err
			}
		}
		return w.Content(ev.Delta)
	case agent.ToolResult:
		if err := closeMarkers(); err != nil {
			return err
		}
		return w.Extras(map[string]any{"tool_result": map[string]any{
			"server_id": ev.ServerID,
			"tool_name": ev.ToolName,
			"is_error":  ev.IsError,
			"content":   ev.Content,
		}})
	case agent.ErrorEvent:
		if err := closeMarkers(); err != nil {
			return err
		}
		return w.Extras(map[string]any{"error": map[string]any{
			"kind":    ev.Kind,
			"message": ev.Message,
		}})
	case agent.Done:
		if err := closeMarkers(); err != nil {
			return err
		}
		return w.Finish(finishReason(ev.Reason))
	}
	return nil
}

// collectCompletion drains the event stream into a single completion body.
func (s *Server) collectCompletion(c *echo.Context, streamID, modelID string, events <-chan agent.Event) error {
	c.Response().Header().Set(streamIDHeader, streamID)

	var text strings.Builder
	var toolResults []map[string]any
	reason := "cancelled"
	for ev := range events {
		switch ev := ev.(type) {
		case agent.TextDelta:
			text.WriteString(ev.Text)
		case agent.ToolResult:
			toolResults = append(toolResults, map[string]any{
				"server_id": ev.ServerID,
				"tool_name": ev.ToolName,
				"is_error":  ev.IsError,
				"content":   ev.Content,
			})
		case agent.Done:
			reason = finishReason(ev.Reason)
		}
	}

	var extras map[string]any
	if len(toolResults) > 0 {
		extras = map[string]any{"tool_results": toolResults}
	}
	return c.JSON(http.StatusOK, completionResponse{
		ID:      "chat" + strconv.FormatInt(time.Now().UnixNano(), 10),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []completionChoice{{
			Message:       completionMessage{Role: "assistant", Content: text.String()},
			FinishReason:  reason,
			MessageExtras: extras,
		}},
	})
}

func finishReason(reason string) string {
	switch reason {
	case agent.ReasonComplete:
		return "stop"
	case agent.ReasonCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// splitSystem pulls system-role messages out of the incoming list; their
// text becomes the session system prompt.
func splitSystem(msgs []models.Message) (string, []models.Message) {
	var system []string
	rest := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			if t := m.JoinedText(); t != "" {
				system = append(system, t)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
