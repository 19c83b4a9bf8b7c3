// Package prompts renders the prompt templates used by the orchestration
// core. Rendering failures are surfaced to the caller; only the top-level
// system prompt has a hard-coded fallback.
package prompts

import (
	"embed"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// Template names known to the core.
const (
	TemplateSystemOrchestrator    = "system_orchestrator"
	TemplateSystemAgent           = "system_agent"
	TemplateObjectiveConversation = "objective_conversation"
	TemplateObjectiveStatement    = "objective_statement"
	TemplateTitle                 = "title"
	TemplateSummary               = "summary"
)

// FallbackSystemPrompt is the minimal instruction used when rendering the
// top-level system prompt fails. It is never used for statement text.
const FallbackSystemPrompt = "You are an AI assistant orchestrating a conversation. " +
	"Answer the user's statements and use the available tools when needed."

// Renderer produces prompt text from a named template and variables.
type Renderer interface {
	Render(templateName string, vars map[string]interface{}) (string, error)
}

//go:embed templates/*.tmpl
var templateFS embed.FS

// TemplateRenderer renders the embedded template set.
type TemplateRenderer struct {
	once sync.Once
	tmpl *template.Template
	err  error
}

// NewTemplateRenderer creates a renderer over the embedded templates.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

func (r *TemplateRenderer) load() {
	r.tmpl, r.err = template.ParseFS(templateFS, "templates/*.tmpl")
}

// Render executes the named template. Unknown templates and execution
// failures are errors; the caller decides whether a fallback applies.
func (r *TemplateRenderer) Render(templateName string, vars map[string]interface{}) (string, error) {
	r.once.Do(r.load)
	if r.err != nil {
		return "", fmt.Errorf("failed to parse prompt templates: %w", r.err)
	}

	var sb strings.Builder
	if err := r.tmpl.ExecuteTemplate(&sb, templateName+".tmpl", vars); err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", templateName, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
