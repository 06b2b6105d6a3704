package agent

import "github.com/codeready-toolchain/agentgate/pkg/models"

// imagePlaceholder replaces elided image payloads so the model still sees
// that an image was there.
const imagePlaceholder = "[image removed to conserve context]"

// Tool-result redaction: outside the redactKeepRecent most recent messages,
// tool-result text longer than redactTextThreshold is cut down to the
// threshold with a truncation note.
const (
	redactKeepRecent    = 6
	redactTextThreshold = 4096
	redactNote          = "\n[earlier tool output truncated]"
)

// elideOldImages returns a copy of the history in which every image block
// beyond the keep most recent ones is stripped of its payload and replaced by
// a textual placeholder. keep == 0 strips every image. Messages and blocks
// that are untouched are shared, not copied.
func elideOldImages(history []models.Message, keep int) []models.Message {
	total := 0
	for _, msg := range history {
		for _, block := range msg.Content {
			if block.Type == models.BlockImage && block.Data != "" {
				total++
			}
		}
	}
	if total <= keep {
		return history
	}
	toElide := total - keep

	out := make([]models.Message, len(history))
	copy(out, history)
	elided := 0
	for i := range out {
		if elided == toElide {
			break
		}
		changed := false
		blocks := make([]models.ContentBlock, len(out[i].Content))
		copy(blocks, out[i].Content)
		for j := range blocks {
			if elided == toElide {
				break
			}
			if blocks[j].Type == models.BlockImage && blocks[j].Data != "" {
				blocks[j].Data = ""
				blocks[j].MediaType = ""
				blocks[j].Placeholder = imagePlaceholder
				elided++
				changed = true
			}
		}
		if changed {
			out[i].Content = blocks
		}
	}
	return out
}

// redactOldToolResults returns a copy of the history in which oversized
// tool-result text outside the keepRecent most recent messages is truncated.
// Recent results stay intact: the model may still be acting on them.
func redactOldToolResults(history []models.Message, keepRecent, threshold int) []models.Message {
	cutoff := len(history) - keepRecent
	if cutoff <= 0 {
		return history
	}

	out := make([]models.Message, len(history))
	copy(out, history)
	for i := 0; i < cutoff; i++ {
		changed := false
		blocks := make([]models.ContentBlock, len(out[i].Content))
		copy(blocks, out[i].Content)
		for j := range blocks {
			if blocks[j].Type != models.BlockToolResult {
				continue
			}
			nested := make([]models.ContentBlock, len(blocks[j].Content))
			copy(nested, blocks[j].Content)
			for k := range nested {
				if nested[k].Type == models.BlockText && len(nested[k].Text) > threshold {
					nested[k].Text = nested[k].Text[:threshold] + redactNote
					changed = true
				}
			}
			if changed {
				blocks[j].Content = nested
			}
		}
		if changed {
			out[i].Content = blocks
		}
	}
	return out
}
