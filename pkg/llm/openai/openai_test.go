package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentgate/pkg/llm"
	"github.com/codeready-toolchain/agentgate/pkg/models"
)

func TestBuildParams(t *testing.T) {
	params, err := buildParams(llm.Request{
		ModelID:   "gpt-4o",
		System:    "be terse",
		MaxTokens: 256,
		Tools: []llm.ToolDefinition{{
			Name:        "fs__read",
			Description: "reads a file",
			InputSchema: map[string]any{"type": "object"},
		}},
		Messages: []models.Message{
			models.TextMessage(models.RoleUser, "hello"),
		},
	})
	require.NoError(t, err)

	assert.EqualValues(t, "gpt-4o", params.Model)
	assert.EqualValues(t, 256, params.MaxCompletionTokens.Value)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "fs__read", params.Tools[0].Function.Name)
	// System prompt becomes the leading message.
	require.Len(t, params.Messages, 2)
}

func TestConvertAssistant_ToolCalls(t *testing.T) {
	out, err := convertAssistant(models.Message{
		Role: models.RoleAssistant,
		Content: []models.ContentBlock{
			{Type: models.BlockText, Text: "let me check"},
			{Type: models.BlockToolUse, ToolUseID: "t1", ToolName: "fs__read", ToolInput: `{"path":"/tmp/x"}`},
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	asst := out[0].OfAssistant
	require.NotNil(t, asst)
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "t1", asst.ToolCalls[0].ID)
	assert.Equal(t, "fs__read", asst.ToolCalls[0].Function.Name)
}

func TestConvertUser_ToolResultSplitsMessages(t *testing.T) {
	out := convertUser(models.Message{
		Role: models.RoleUser,
		Content: []models.ContentBlock{
			{
				Type:      models.BlockToolResult,
				ToolUseID: "t1",
				Content:   []models.ContentBlock{{Type: models.BlockText, Text: "file contents"}},
			},
			{Type: models.BlockText, Text: "now summarize"},
		},
	})

	// Tool result rides as its own message before the remaining text parts.
	require.Len(t, out, 2)
	assert.NotNil(t, out[0].OfTool)
	assert.NotNil(t, out[1].OfUser)
}

func TestFlattenResult(t *testing.T) {
	text := flattenResult([]models.ContentBlock{
		{Type: models.BlockText, Text: "line one"},
		{Type: models.BlockImage, MediaType: "image/png", Data: "aWpr"},
	})
	assert.Equal(t, "line one\n[image: image/png]", text)
}
