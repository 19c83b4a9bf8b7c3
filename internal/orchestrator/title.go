package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/codefionn/dirigent/internal/llm"
	"github.com/codefionn/dirigent/internal/logger"
	"github.com/codefionn/dirigent/internal/prompts"
)

// TitleGenerator synthesizes a short interaction title from the first
// statement. Title generation never fails: any model or parsing problem
// falls back to a title derived from the statement itself.
type TitleGenerator struct {
	aux      llm.Transport
	renderer prompts.Renderer
	log      *logger.Logger
}

// NewTitleGenerator creates a generator backed by the auxiliary transport.
func NewTitleGenerator(aux llm.Transport, renderer prompts.Renderer) *TitleGenerator {
	return &TitleGenerator{
		aux:      aux,
		renderer: renderer,
		log:      logger.Global().WithPrefix("title"),
	}
}

// Generate produces a title for a conversation opened by the statement.
func (tg *TitleGenerator) Generate(ctx context.Context, statement string) string {
	if tg.aux == nil {
		return simpleTitle(statement)
	}

	prompt, err := tg.renderer.Render(prompts.TemplateTitle, map[string]interface{}{
		"Statement": statement,
	})
	if err != nil {
		tg.log.Warn("Failed to render title prompt, using fallback: %v", err)
		return simpleTitle(statement)
	}

	response, err := tg.aux.Complete(ctx, prompt)
	if err != nil {
		tg.log.Warn("Failed to generate title, using fallback: %v", err)
		return simpleTitle(statement)
	}

	var result struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(cleanJSONResponse(response)), &result); err != nil {
		tg.log.Warn("Failed to parse title response, using fallback: %v", err)
		return simpleTitle(statement)
	}
	if result.Title == "" {
		tg.log.Warn("Model returned an empty title, using fallback")
		return simpleTitle(statement)
	}

	return capTitle(result.Title)
}

// capTitle bounds a title to 80 runes, ellipsizing longer ones.
func capTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= 80 {
		return title
	}
	return string(runes[:77]) + "..."
}

// simpleTitle derives a title from the statement's first line.
func simpleTitle(statement string) string {
	lines := strings.Split(statement, "\n")
	title := strings.TrimSpace(lines[0])

	for _, prefix := range []string{"please ", "Please ", "can you ", "Can you ", "could you ", "Could you "} {
		title = strings.TrimPrefix(title, prefix)
	}

	if len(title) > 0 {
		runes := []rune(title)
		runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
		title = string(runes)
	}

	title = capTitle(title)
	if title == "" {
		title = "New conversation"
	}
	return title
}

// cleanJSONResponse strips markdown code fences that models sometimes wrap
// around JSON payloads.
func cleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}
