package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/dirigent/internal/interaction"
	"github.com/codefionn/dirigent/internal/prompts"
)

func TestBudgetSummarizerKeepsRecentMessages(t *testing.T) {
	transport := newMockTransport()
	transport.completeFn = func(prompt string) (string, error) {
		return "  a tight summary of the older turns  ", nil
	}
	s := NewBudgetSummarizer(transport, prompts.NewTemplateRenderer())

	inter := interaction.New("", "collab-1", "")
	for i := 0; i < 8; i++ {
		inter.AddMessage(&interaction.Message{Role: interaction.RoleUser, Content: "message"})
	}

	result, err := s.Summarize(context.Background(), inter, 10000)
	require.NoError(t, err)
	assert.Equal(t, "a tight summary of the older turns", result.Summary)
	assert.Equal(t, defaultKeepRecent, result.KeepRecent)
}

func TestBudgetSummarizerShortHistoryKeepsNothing(t *testing.T) {
	transport := newMockTransport()
	s := NewBudgetSummarizer(transport, prompts.NewTemplateRenderer())

	inter := interaction.New("", "collab-1", "")
	inter.AddMessage(&interaction.Message{Role: interaction.RoleUser, Content: "only one"})

	result, err := s.Summarize(context.Background(), inter, 10000)
	require.NoError(t, err)
	assert.Equal(t, 0, result.KeepRecent, "short histories are summarized whole")
}

func TestBudgetSummarizerPromptCarriesConversation(t *testing.T) {
	var captured string
	transport := newMockTransport()
	transport.completeFn = func(prompt string) (string, error) {
		captured = prompt
		return "summary", nil
	}
	s := NewBudgetSummarizer(transport, prompts.NewTemplateRenderer())

	inter := interaction.New("", "collab-1", "")
	for i := 0; i < 6; i++ {
		inter.AddMessage(&interaction.Message{Role: interaction.RoleUser, Content: "the distinctive phrase"})
	}
	inter.AddMessage(&interaction.Message{Role: interaction.RoleTool, Content: "tool says hi", ToolName: "shell"})

	_, err := s.Summarize(context.Background(), inter, 10000)
	require.NoError(t, err)
	assert.Contains(t, captured, "the distinctive phrase")
	assert.True(t, strings.Contains(captured, "2500"), "target token budget is part of the prompt")
}

func TestRenderConversationLabelsTools(t *testing.T) {
	text := renderConversation([]*interaction.Message{
		{Role: interaction.RoleUser, Content: "do it"},
		{Role: interaction.RoleAssistant, Content: "on it", ToolCalls: []interaction.ToolCall{{Name: "shell"}}},
		{Role: interaction.RoleTool, Content: "done", ToolName: "shell"},
	})

	assert.Contains(t, text, "[user]: do it")
	assert.Contains(t, text, "[assistant requested tool shell]")
	assert.Contains(t, text, "[tool shell]: done")
}
