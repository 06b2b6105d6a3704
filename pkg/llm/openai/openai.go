// Package openai adapts the OpenAI Chat Completions API to the gateway's
// provider-neutral stream contract. Chat Completions delivers tool calls as
// indexed argument fragments, so the adapter accumulates per-index state and
// closes every call when the finish reason arrives.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/codeready-toolchain/agentgate/pkg/llm"
	"github.com/codeready-toolchain/agentgate/pkg/models"
	"github.com/codeready-toolchain/agentgate/pkg/version"
)

// Streamer drives OpenAI models.
type Streamer struct {
	client oai.Client
	logger *slog.Logger
}

var _ llm.Streamer = (*Streamer)(nil)

// New builds a Streamer authenticated with the given API key.
func New(apiKey string, logger *slog.Logger) *Streamer {
	return &Streamer{
		client: oai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHeader("User-Agent", version.Full()),
		),
		logger: logger.With("component", "llm", "provider", "openai"),
	}
}

// Stream implements llm.Streamer.
func (s *Streamer) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := s.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan llm.Chunk, 32)

	go func() {
		defer close(out)
		defer stream.Close()

		// Tool calls under construction, keyed by the provider's index.
		pending := map[int64]*llm.ToolCall{}
		stopReason := llm.StopEndTurn

		emit := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !emit(llm.Text{Text: choice.Delta.Content}) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				call, ok := pending[tc.Index]
				if !ok {
					call = &llm.ToolCall{ID: tc.ID, Name: tc.Function.Name}
					pending[tc.Index] = call
					if !emit(llm.ToolCallStart{ID: call.ID, Name: call.Name}) {
						return
					}
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					call.Arguments += tc.Function.Arguments
					if !emit(llm.ToolInputDelta{ID: call.ID, Delta: tc.Function.Arguments}) {
						return
					}
				}
			}

			switch choice.FinishReason {
			case "tool_calls":
				stopReason = llm.StopToolUse
			case "length":
				stopReason = llm.StopMaxTokens
			case "stop":
				stopReason = llm.StopEndTurn
			}
		}

		if err := stream.Err(); err != nil {
			s.logger.Warn("stream failed", "model", req.ModelID, "error", err)
			emit(llm.Error{Err: fmt.Errorf("openai stream: %w", err)})
			return
		}

		// Close pending calls in index order so callers see a stable sequence.
		indexes := make([]int64, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })
		for _, i := range indexes {
			call := pending[i]
			if call.Arguments == "" {
				call.Arguments = "{}"
			}
			if !emit(*call) {
				return
			}
		}
		emit(llm.Stop{Reason: stopReason})
	}()

	return out, nil
}

func buildParams(req llm.Request) (oai.ChatCompletionNewParams, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.ModelID),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}

	if req.System != "" {
		params.Messages = append(params.Messages, oai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		params.Messages = append(params.Messages, converted...)
	}

	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: param.NewOpt(tool.Description),
				Parameters:  shared.FunctionParameters(tool.InputSchema),
			},
		})
	}
	return params, nil
}

// convertMessage flattens one conversation message into Chat Completions
// messages. Tool results become standalone "tool" role messages, so a single
// user turn can expand into several wire messages.
func convertMessage(msg models.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	switch msg.Role {
	case models.RoleSystem:
		return []oai.ChatCompletionMessageParamUnion{oai.SystemMessage(msg.JoinedText())}, nil

	case models.RoleAssistant:
		return convertAssistant(msg)

	default:
		return convertUser(msg), nil
	}
}

func convertAssistant(msg models.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	asst := oai.ChatCompletionAssistantMessageParam{}
	text := msg.JoinedText()
	if text != "" {
		asst.Content.OfString = oai.String(text)
	}
	for _, block := range msg.Content {
		if block.Type != models.BlockToolUse {
			continue
		}
		args := block.ToolInput
		if args == "" {
			args = "{}"
		}
		asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
			ID: block.ToolUseID,
			Function: oai.ChatCompletionMessageToolCallFunctionParam{
				Name:      block.ToolName,
				Arguments: args,
			},
		})
	}
	if text == "" && len(asst.ToolCalls) == 0 {
		return nil, nil
	}
	return []oai.ChatCompletionMessageParamUnion{{OfAssistant: &asst}}, nil
}

func convertUser(msg models.Message) []oai.ChatCompletionMessageParamUnion {
	var out []oai.ChatCompletionMessageParamUnion
	var parts []oai.ChatCompletionContentPartUnionParam

	flush := func() {
		if len(parts) == 0 {
			return
		}
		out = append(out, oai.UserMessage(parts))
		parts = nil
	}

	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockText:
			parts = append(parts, oai.TextContentPart(block.Text))

		case models.BlockImage:
			if block.Data == "" {
				parts = append(parts, oai.TextContentPart(block.Placeholder))
				continue
			}
			parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL: fmt.Sprintf("data:%s;base64,%s", block.MediaType, block.Data),
			}))

		case models.BlockFile:
			parts = append(parts, oai.FileContentPart(oai.ChatCompletionContentPartFileFileParam{
				Filename: param.NewOpt(block.FileName),
				FileData: param.NewOpt("data:application/pdf;base64," + block.FileData),
			}))

		case models.BlockToolResult:
			// Tool results are their own wire message, ordered between the
			// surrounding content parts. The API only takes text here, so
			// non-text result blocks are flattened.
			flush()
			out = append(out, oai.ToolMessage(flattenResult(block.Content), block.ToolUseID))
		}
	}
	flush()
	return out
}

// flattenResult renders tool-result blocks as plain text.
func flattenResult(blocks []models.ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case models.BlockText:
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(block.Text)
		case models.BlockImage:
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("[image: " + block.MediaType + "]")
		}
	}
	return b.String()
}
