package llm

import (
	"github.com/codefionn/dirigent/internal/core"
)

// Message is a single entry of the conversation as sent to the provider.
type Message struct {
	Role      string    `json:"role"` // "user", "assistant", "tool"
	Content   string    `json:"content"`
	ToolCalls []ToolUse `json:"tool_calls,omitempty"`
	ToolUseID string    `json:"tool_use_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
}

// ToolUse is a single tool invocation requested by the model.
type ToolUse struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// ToolResult carries the outcome of a dispatched tool back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// ContentBlock is a model-consumable piece of attachment content.
type ContentBlock struct {
	Type      string `json:"type"` // "text"
	Text      string `json:"text,omitempty"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// TurnMetadata identifies where in the conversation hierarchy a request
// originates. It is observability context for the transport, never prompt
// content.
type TurnMetadata struct {
	InteractionID   string `json:"interaction_id"`
	CollaborationID string `json:"collaboration_id,omitempty"`
	Objective       string `json:"objective,omitempty"`
	StatementCount  int    `json:"statement_count"`
	TurnCount       int    `json:"turn_count"`
}

// Options controls a single provider call.
type Options struct {
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
}

// ConverseRequest is a full request to the model: the running history, an
// optional new statement or batch of tool results, and the offered tools.
type ConverseRequest struct {
	Statement   string          `json:"statement,omitempty"`
	History     []Message       `json:"history,omitempty"`
	ToolResults []ToolResult    `json:"tool_results,omitempty"`
	Attachments []ContentBlock  `json:"attachments,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Metadata    *TurnMetadata   `json:"metadata,omitempty"`
	Options     *Options        `json:"options,omitempty"`
}

// ConverseResponse is the model's answer for one turn.
type ConverseResponse struct {
	Answer     string          `json:"answer"`
	ToolsUsed  []ToolUse       `json:"tools_used,omitempty"`
	Usage      core.TokenUsage `json:"usage"`
	StopReason string          `json:"stop_reason,omitempty"`
}
