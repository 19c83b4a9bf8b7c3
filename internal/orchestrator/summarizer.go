package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/dirigent/internal/interaction"
	"github.com/codefionn/dirigent/internal/llm"
	"github.com/codefionn/dirigent/internal/prompts"
)

// defaultKeepRecent is how many trailing messages survive a forced summary
// so the model keeps the immediate turn context verbatim.
const defaultKeepRecent = 4

// BudgetSummarizer condenses an interaction's history with the auxiliary
// model. The summary targets a fraction of the token budget so the
// compacted history leaves room for further turns.
type BudgetSummarizer struct {
	aux      llm.Transport
	renderer prompts.Renderer
}

// NewBudgetSummarizer creates the default summarizer used when no custom
// one is injected.
func NewBudgetSummarizer(aux llm.Transport, renderer prompts.Renderer) *BudgetSummarizer {
	return &BudgetSummarizer{aux: aux, renderer: renderer}
}

// Summarize produces a replacement summary for everything except the most
// recent messages.
func (s *BudgetSummarizer) Summarize(ctx context.Context, inter *interaction.Interaction, budget int) (*SummaryResult, error) {
	msgs := inter.GetMessages()
	keepRecent := defaultKeepRecent
	if len(msgs) <= keepRecent {
		keepRecent = 0
	}

	conversation := renderConversation(msgs[:len(msgs)-keepRecent])
	targetTokens := budget / 4
	if targetTokens < 256 {
		targetTokens = 256
	}

	prompt, err := s.renderer.Render(prompts.TemplateSummary, map[string]interface{}{
		"Conversation": conversation,
		"TargetTokens": targetTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render summary prompt: %w", err)
	}

	summary, err := s.aux.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return &SummaryResult{
		Summary:    strings.TrimSpace(summary),
		KeepRecent: keepRecent,
	}, nil
}

// renderConversation flattens messages into a plain transcript for the
// summary prompt.
func renderConversation(msgs []*interaction.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case interaction.RoleTool:
			sb.WriteString(fmt.Sprintf("[tool %s]: %s\n", msg.ToolName, msg.Content))
		default:
			sb.WriteString(fmt.Sprintf("[%s]: %s\n", msg.Role, msg.Content))
		}
		for _, call := range msg.ToolCalls {
			sb.WriteString(fmt.Sprintf("[%s requested tool %s]\n", msg.Role, call.Name))
		}
	}
	return sb.String()
}
