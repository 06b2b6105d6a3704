package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/agentgate/pkg/models"
)

func imageMsg(data string) models.Message {
	return models.Message{Role: models.RoleUser, Content: []models.ContentBlock{
		{Type: models.BlockImage, MediaType: "image/png", Data: data},
	}}
}

func countPayloadImages(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		for _, b := range m.Content {
			if b.Type == models.BlockImage && b.Data != "" {
				n++
			}
		}
	}
	return n
}

func TestElideOldImages_KeepsMostRecent(t *testing.T) {
	history := []models.Message{
		imageMsg("one"),
		models.TextMessage(models.RoleAssistant, "ok"),
		imageMsg("two"),
		imageMsg("three"),
	}

	out := elideOldImages(history, 1)
	assert.Equal(t, 1, countPayloadImages(out))

	// Oldest images are the elided ones.
	assert.Empty(t, out[0].Content[0].Data)
	assert.Equal(t, imagePlaceholder, out[0].Content[0].Placeholder)
	assert.Empty(t, out[2].Content[0].Data)
	assert.Equal(t, "three", out[3].Content[0].Data)
}

func TestElideOldImages_ZeroStripsAll(t *testing.T) {
	history := []models.Message{imageMsg("one"), imageMsg("two")}
	out := elideOldImages(history, 0)
	assert.Equal(t, 0, countPayloadImages(out))
}

func TestElideOldImages_UnderLimitUntouched(t *testing.T) {
	history := []models.Message{imageMsg("one"), imageMsg("two")}
	out := elideOldImages(history, 5)
	assert.Equal(t, 2, countPayloadImages(out))
}

func TestElideOldImages_InputNotMutated(t *testing.T) {
	history := []models.Message{imageMsg("one"), imageMsg("two")}
	_ = elideOldImages(history, 0)
	assert.Equal(t, "one", history[0].Content[0].Data)
	assert.Equal(t, "two", history[1].Content[0].Data)
}

func toolResultMsg(text string) models.Message {
	return models.Message{Role: models.RoleUser, Content: []models.ContentBlock{
		{
			Type:      models.BlockToolResult,
			ToolUseID: "t1",
			Content:   []models.ContentBlock{{Type: models.BlockText, Text: text}},
		},
	}}
}

func TestRedactOldToolResults_TruncatesOldLongOutput(t *testing.T) {
	long := strings.Repeat("x", 100)
	history := []models.Message{
		toolResultMsg(long),
		models.TextMessage(models.RoleAssistant, "noted"),
		toolResultMsg(long),
	}

	out := redactOldToolResults(history, 2, 10)
	redacted := out[0].Content[0].Content[0].Text
	assert.Len(t, redacted, 10+len(redactNote))
	assert.Contains(t, redacted, redactNote)

	// Messages inside the recency window are untouched.
	assert.Equal(t, long, out[2].Content[0].Content[0].Text)
}

func TestRedactOldToolResults_ShortOutputUntouched(t *testing.T) {
	history := []models.Message{
		toolResultMsg("short"),
		models.TextMessage(models.RoleAssistant, "a"),
		models.TextMessage(models.RoleUser, "b"),
	}

	out := redactOldToolResults(history, 1, 10)
	assert.Equal(t, "short", out[0].Content[0].Content[0].Text)
}

func TestRedactOldToolResults_InputNotMutated(t *testing.T) {
	long := strings.Repeat("y", 100)
	history := []models.Message{
		toolResultMsg(long),
		models.TextMessage(models.RoleAssistant, "a"),
	}

	_ = redactOldToolResults(history, 1, 10)
	assert.Equal(t, long, history[0].Content[0].Content[0].Text)
}
