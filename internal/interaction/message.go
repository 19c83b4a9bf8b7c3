package interaction

import (
	"time"

	"github.com/codefionn/dirigent/internal/core"
)

// Message roles used throughout the conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// ToolCall records a tool invocation requested by the model inside an
// assistant message.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// UsageReport attaches provider-reported token usage to a message together
// with the derived differential and cache-impact numbers. The derived
// values exist for observability; the raw counters are the source of truth.
type UsageReport struct {
	Reported    core.TokenUsage  `json:"reported"`
	InputDelta  int              `json:"input_delta"`
	OutputDelta int              `json:"output_delta"`
	Cache       core.CacheImpact `json:"cache"`
}

// Message is one entry of an interaction's ordered history.
type Message struct {
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	ToolCalls []ToolCall   `json:"tool_calls,omitempty"`
	ToolUseID string       `json:"tool_use_id,omitempty"`
	ToolName  string       `json:"tool_name,omitempty"`
	Usage     *UsageReport `json:"usage,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
