package orchestrator

import (
	"context"
	"sync/atomic"

	"github.com/codefionn/dirigent/internal/interaction"
	"github.com/codefionn/dirigent/internal/llm"
	"github.com/codefionn/dirigent/internal/notify"
	"github.com/codefionn/dirigent/internal/prompts"
)

// ToolResult is the structured outcome of a single tool invocation.
type ToolResult struct {
	Text       string                 `json:"text"`
	Structured map[string]interface{} `json:"structured,omitempty"`
	IsError    bool                   `json:"is_error,omitempty"`
}

// ToolDispatcher executes a single tool invocation against a project. It
// is consumed, never implemented, by the core.
type ToolDispatcher interface {
	Invoke(ctx context.Context, inter *interaction.Interaction, use llm.ToolUse) (*ToolResult, error)
}

// SummaryResult is what a Summarizer produces for a forced summary.
type SummaryResult struct {
	// Summary replaces the truncated head of the conversation.
	Summary string
	// KeepRecent is how many trailing messages survive the truncation.
	KeepRecent int
}

// Summarizer compacts an interaction's history down to a token budget.
// The turn engine calls it directly; it does not go through the tool
// dispatch pipeline.
type Summarizer interface {
	Summarize(ctx context.Context, inter *interaction.Interaction, budget int) (*SummaryResult, error)
}

// Attachment is an externally supplied file or snippet to resolve into
// model-consumable content.
type Attachment struct {
	Name      string
	Path      string
	MediaType string
	Data      []byte
}

// AttachmentResolver converts attachments into content blocks. Resolution
// is best-effort: a failed attachment is logged and skipped.
type AttachmentResolver interface {
	Resolve(ctx context.Context, att Attachment) (llm.ContentBlock, error)
}

// Capabilities bundles the collaborators injected into the engine. Only
// Tools is required; the rest default to no-op or built-in implementations.
type Capabilities struct {
	Tools       ToolDispatcher
	Summarizer  Summarizer
	Attachments AttachmentResolver
	Notifier    notify.Sink
	Renderer    prompts.Renderer
}

func (c *Capabilities) normalize() {
	if c.Notifier == nil {
		c.Notifier = notify.NopSink{}
	}
	if c.Renderer == nil {
		c.Renderer = prompts.NewTemplateRenderer()
	}
}

// CancelFlag is a cooperative cancellation flag checked once per loop
// iteration. In-flight model and tool calls complete; further turns are
// skipped.
type CancelFlag struct {
	cancelled atomic.Bool
}

// Cancel requests that the turn loop stop after the current iteration.
func (c *CancelFlag) Cancel() {
	c.cancelled.Store(true)
}

// IsCancelled reports whether cancellation was requested.
func (c *CancelFlag) IsCancelled() bool {
	return c != nil && c.cancelled.Load()
}
