// Package anthropic adapts the Anthropic Messages API to the gateway's
// provider-neutral stream contract. Content-block events map directly onto
// the chunk alphabet: block starts open tool calls, input-JSON deltas extend
// them, block stops close them.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codeready-toolchain/agentgate/pkg/llm"
	"github.com/codeready-toolchain/agentgate/pkg/models"
	"github.com/codeready-toolchain/agentgate/pkg/version"
)

// Streamer drives Anthropic models.
type Streamer struct {
	client sdk.Client
	logger *slog.Logger
}

var _ llm.Streamer = (*Streamer)(nil)

// New builds a Streamer authenticated with the given API key.
func New(apiKey string, logger *slog.Logger) *Streamer {
	return &Streamer{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHeader("User-Agent", version.Full()),
		),
		logger: logger.With("component", "llm", "provider", "anthropic"),
	}
}

// Stream implements llm.Streamer.
func (s *Streamer) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := s.client.Messages.NewStreaming(ctx, params)
	out := make(chan llm.Chunk, 32)

	go func() {
		defer close(out)
		defer stream.Close()

		// Tool call under construction; only one content block is open at a
		// time in the Messages stream.
		var openTool *llm.ToolCall
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
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockStartEvent:
				if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					openTool = &llm.ToolCall{ID: block.ID, Name: block.Name}
					if !emit(llm.ToolCallStart{ID: block.ID, Name: block.Name}) {
						return
					}
				}

			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if !emit(llm.Text{Text: delta.Text}) {
						return
					}
				case sdk.ThinkingDelta:
					if !emit(llm.Thinking{Text: delta.Thinking}) {
						return
					}
				case sdk.InputJSONDelta:
					if openTool == nil {
						continue
					}
					openTool.Arguments += delta.PartialJSON
					if !emit(llm.ToolInputDelta{ID: openTool.ID, Delta: delta.PartialJSON}) {
						return
					}
				}

			case sdk.ContentBlockStopEvent:
				if openTool != nil {
					if openTool.Arguments == "" {
						openTool.Arguments = "{}"
					}
					if !emit(*openTool) {
						return
					}
					openTool = nil
				}

			case sdk.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					stopReason = normalizeStopReason(string(ev.Delta.StopReason))
				}
			}
		}

		if err := stream.Err(); err != nil {
			s.logger.Warn("stream failed", "model", req.ModelID, "error", err)
			emit(llm.Error{Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}
		emit(llm.Stop{Reason: stopReason})
	}()

	return out, nil
}

func buildParams(req llm.Request) (sdk.MessageNewParams, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.ModelID),
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.Thinking {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(req.ThinkingBudget)
	}

	for _, tool := range req.Tools {
		properties, required := splitSchema(tool.InputSchema)
		params.Tools = append(params.Tools, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        tool.Name,
				Description: sdk.String(tool.Description),
				InputSchema: sdk.ToolInputSchemaParam{
					Properties: properties,
					Required:   required,
				},
			},
		})
	}

	for _, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		if converted != nil {
			params.Messages = append(params.Messages, *converted)
		}
	}
	return params, nil
}

// splitSchema extracts the properties/required parts of a JSON-schema object,
// which is how the Messages API wants tool schemas.
func splitSchema(schema map[string]any) (any, []string) {
	if schema == nil {
		return map[string]any{}, nil
	}
	properties, _ := schema["properties"]
	if properties == nil {
		properties = map[string]any{}
	}
	var required []string
	switch r := schema["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return properties, required
}

func convertMessage(msg models.Message) (*sdk.MessageParam, error) {
	// System turns ride in params.System, never in the message list.
	if msg.Role == models.RoleSystem {
		return nil, nil
	}

	var blocks []sdk.ContentBlockParamUnion
	for _, block := range msg.Content {
		switch block.Type {
		case models.BlockText:
			blocks = append(blocks, sdk.NewTextBlock(block.Text))

		case models.BlockImage:
			if block.Data == "" {
				// Elided image: only the placeholder text remains.
				blocks = append(blocks, sdk.NewTextBlock(block.Placeholder))
				continue
			}
			blocks = append(blocks, sdk.NewImageBlockBase64(block.MediaType, block.Data))

		case models.BlockFile:
			blocks = append(blocks, sdk.ContentBlockParamUnion{
				OfDocument: &sdk.DocumentBlockParam{
					Title: sdk.String(block.FileName),
					Source: sdk.DocumentBlockParamSourceUnion{
						OfBase64: &sdk.Base64PDFSourceParam{Data: block.FileData},
					},
				},
			})

		case models.BlockToolUse:
			var input any
			if block.ToolInput != "" {
				if err := json.Unmarshal([]byte(block.ToolInput), &input); err != nil {
					return nil, fmt.Errorf("tool input for %s is not valid JSON: %w", block.ToolUseID, err)
				}
			} else {
				input = map[string]any{}
			}
			blocks = append(blocks, sdk.ContentBlockParamUnion{
				OfToolUse: &sdk.ToolUseBlockParam{
					ID:    block.ToolUseID,
					Name:  block.ToolName,
					Input: input,
				},
			})

		case models.BlockToolResult:
			blocks = append(blocks, sdk.ContentBlockParamUnion{
				OfToolResult: &sdk.ToolResultBlockParam{
					ToolUseID: block.ToolUseID,
					IsError:   sdk.Bool(block.IsError),
					Content:   convertToolResult(block.Content),
				},
			})
		}
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	var param sdk.MessageParam
	if msg.Role == models.RoleAssistant {
		param = sdk.NewAssistantMessage(blocks...)
	} else {
		param = sdk.NewUserMessage(blocks...)
	}
	return &param, nil
}

// convertToolResult lowers a tool's result blocks into the tool_result
// content union. Text and images pass through; anything else was already
// rendered to text by the MCP layer.
func convertToolResult(blocks []models.ContentBlock) []sdk.ToolResultBlockParamContentUnion {
	var out []sdk.ToolResultBlockParamContentUnion
	for _, block := range blocks {
		switch block.Type {
		case models.BlockText:
			out = append(out, sdk.ToolResultBlockParamContentUnion{
				OfText: &sdk.TextBlockParam{Text: block.Text},
			})
		case models.BlockImage:
			if block.Data == "" {
				out = append(out, sdk.ToolResultBlockParamContentUnion{
					OfText: &sdk.TextBlockParam{Text: block.Placeholder},
				})
				continue
			}
			image := sdk.NewImageBlockBase64(block.MediaType, block.Data)
			out = append(out, sdk.ToolResultBlockParamContentUnion{
				OfImage: image.OfImage,
			})
		}
	}
	if len(out) == 0 {
		out = append(out, sdk.ToolResultBlockParamContentUnion{
			OfText: &sdk.TextBlockParam{Text: ""},
		})
	}
	return out
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return llm.StopToolUse
	case "max_tokens":
		return llm.StopMaxTokens
	default:
		return llm.StopEndTurn
	}
}
