// Package tokens estimates token usage and computes the context-window
// budget shared by the turn loop's policy check and the forced summary.
package tokens

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/codefionn/dirigent/internal/interaction"
)

const (
	systemMessageOverhead = 2
	perMessageOverhead    = 4
)

// Budget computes the per-turn token cutoff for a context window: the turn
// loop forces a summary once the turn's total tokens exceed it.
func Budget(contextWindow, cutoffPercent int) int {
	if cutoffPercent <= 0 || cutoffPercent > 100 {
		cutoffPercent = 95
	}
	return contextWindow * cutoffPercent / 100
}

// OverBudget reports whether a turn's total token count exceeds the cutoff
// for the given context window.
func OverBudget(turnTotal, contextWindow, cutoffPercent int) bool {
	return turnTotal > Budget(contextWindow, cutoffPercent)
}

// EstimateMessages returns the estimated token usage for an interaction's
// messages plus a system prompt, the per-message breakdown, and whether the
// estimate is approximate (no exact encoding for the model).
func EstimateMessages(modelID, systemPrompt string, messages []*interaction.Message) (int, []int, bool) {
	encoder, approx := encodingForModel(modelID)

	total := tokenCount(encoder, systemPrompt)
	if systemPrompt != "" {
		total += systemMessageOverhead
	}

	perMessage := make([]int, len(messages))

	for i, msg := range messages {
		count := tokenCount(encoder, msg.Content) + perMessageOverhead

		if msg.ToolUseID != "" {
			count += tokenCount(encoder, msg.ToolUseID)
		}
		if msg.ToolName != "" {
			count += tokenCount(encoder, msg.ToolName)
		}
		if len(msg.ToolCalls) > 0 {
			if data, err := json.Marshal(msg.ToolCalls); err == nil {
				count += tokenCount(encoder, string(data))
			}
		}

		perMessage[i] = count
		total += count
	}

	return total, perMessage, approx
}

// EstimateText returns the estimated token count of a plain string.
func EstimateText(modelID, text string) int {
	encoder, _ := encodingForModel(modelID)
	return tokenCount(encoder, text)
}

func encodingForModel(modelID string) (*tiktoken.Tiktoken, bool) {
	encoder, err := tiktoken.EncodingForModel(modelID)
	if err == nil {
		return encoder, false
	}

	fallback, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, true
	}

	return fallback, true
}

func tokenCount(encoder *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}

	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}

	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}

	// Rough heuristic: 1 token per 4 characters.
	return (runes + 3) / 4
}
