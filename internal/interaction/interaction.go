package interaction

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/dirigent/internal/core"
)

// ToolStat aggregates the outcomes of one tool across an interaction.
type ToolStat struct {
	Count   int       `json:"count"`
	Success int       `json:"success"`
	Failure int       `json:"failure"`
	LastUse time.Time `json:"last_use"`
}

// Interaction is one conversation thread with the model. A root interaction
// has no parent; delegated (agent) interactions point at the orchestrating
// interaction through ParentID.
//
// All operations are synchronous and in-memory. Callers must serialize turn
// processing per interaction; the registry hands out per-id locks for that.
type Interaction struct {
	ID              string
	ParentID        string
	CollaborationID string
	Title           string

	// Counters. StatementTurnCount resets to zero at each new statement;
	// InteractionTurnCount only increases.
	StatementCount       int
	StatementTurnCount   int
	InteractionTurnCount int

	// Token accounting. TurnUsage and StatementUsage are replaced at their
	// respective boundaries; InteractionUsage is cumulative and
	// monotonically non-decreasing.
	TurnUsage        core.TokenUsage
	StatementUsage   core.TokenUsage
	InteractionUsage core.TokenUsage

	Messages  []*Message
	ToolStats map[string]*ToolStat

	// ConversationObjective is set once per interaction;
	// StatementObjectives is append-only, one entry per statement.
	ConversationObjective string
	StatementObjectives   []string

	CreatedAt time.Time
	UpdatedAt time.Time

	// lastAssistantInput is the input-token count reported with the most
	// recent assistant message, used to derive the next user input delta.
	lastAssistantInput int

	mu    sync.RWMutex
	dirty bool
}

// New creates a fresh interaction. An empty id gets a generated one.
func New(id, collaborationID, parentID string) *Interaction {
	if id == "" {
		id = GenerateID()
	}
	now := time.Now()
	return &Interaction{
		ID:              id,
		CollaborationID: collaborationID,
		ParentID:        parentID,
		Messages:        make([]*Message, 0),
		ToolStats:       make(map[string]*ToolStat),
		CreatedAt:       now,
		UpdatedAt:       now,
		dirty:           true,
	}
}

// GenerateID creates a random interaction ID (12 hex chars).
func GenerateID() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("inter-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

// AddMessage appends a message to the history. Message history is
// append-only during a turn.
func (i *Interaction) AddMessage(msg *Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	i.Messages = append(i.Messages, msg)
	i.touch()
}

// GetMessages returns a copy of the message history.
func (i *Interaction) GetMessages() []*Message {
	i.mu.RLock()
	defer i.mu.RUnlock()
	messages := make([]*Message, len(i.Messages))
	copy(messages, i.Messages)
	return messages
}

// ReplaceMessages swaps the full message history, e.g. after a forced
// summary truncated older turns.
func (i *Interaction) ReplaceMessages(messages []*Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Messages = messages
	i.touch()
}

// MessageCount returns the number of active messages in the history.
func (i *Interaction) MessageCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.Messages)
}

// CompactWithSummary replaces all but the most recent keepRecent messages
// with a single system message carrying the summary. It returns the number
// of messages removed; zero means nothing was compacted.
func (i *Interaction) CompactWithSummary(summary string, keepRecent int) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	if keepRecent < 0 {
		keepRecent = 0
	}
	removable := len(i.Messages) - keepRecent
	if removable <= 0 {
		return 0
	}

	summaryMsg := &Message{
		Role:      RoleSystem,
		Content:   summary,
		Timestamp: time.Now(),
	}

	kept := make([]*Message, 0, keepRecent+1)
	kept = append(kept, summaryMsg)
	kept = append(kept, i.Messages[removable:]...)
	i.Messages = kept
	i.touch()

	return removable
}

// BeginStatement marks the start of a new user statement: the statement
// counter advances, the per-statement turn counter resets to zero, and
// per-statement usage is replaced.
func (i *Interaction) BeginStatement() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.StatementCount++
	i.StatementTurnCount = 0
	i.StatementUsage = core.TokenUsage{}
	i.touch()
}

// BeginTurn marks the start of a model request/response cycle within the
// current statement.
func (i *Interaction) BeginTurn() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.StatementTurnCount++
	i.InteractionTurnCount++
	i.TurnUsage = core.TokenUsage{}
	i.touch()
}

// RecordUsage updates the token counters from a provider usage report
// attached to a message of the given role, and returns the derived record.
//
// For an assistant message the output delta equals the reported output
// tokens. For a user message the input delta is the reported input minus
// the input reported with the most recent assistant message, floored at
// zero. Cache impact is derived independently and never feeds back into
// the raw counters.
func (i *Interaction) RecordUsage(role string, reported core.TokenUsage) *UsageReport {
	i.mu.Lock()
	defer i.mu.Unlock()

	report := &UsageReport{
		Reported: reported,
		Cache:    core.ComputeCacheImpact(reported),
	}

	var delta core.TokenUsage
	switch role {
	case RoleAssistant:
		report.OutputDelta = reported.OutputTokens
		delta = core.TokenUsage{
			OutputTokens:        reported.OutputTokens,
			CacheCreationTokens: reported.CacheCreationTokens,
			CacheReadTokens:     reported.CacheReadTokens,
		}
		i.lastAssistantInput = reported.InputTokens
	default:
		inputDelta := reported.InputTokens - i.lastAssistantInput
		if inputDelta < 0 {
			inputDelta = 0
		}
		report.InputDelta = inputDelta
		delta = core.TokenUsage{InputTokens: inputDelta}
	}

	// The per-turn view tracks the raw report of the latest call; the
	// statement and interaction views accumulate the derived deltas.
	i.TurnUsage = reported
	i.StatementUsage.Add(delta)
	i.InteractionUsage.Add(delta)
	i.touch()

	return report
}

// RecordToolOutcome updates the per-tool usage statistics.
func (i *Interaction) RecordToolOutcome(toolName string, success bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	stat, ok := i.ToolStats[toolName]
	if !ok {
		stat = &ToolStat{}
		i.ToolStats[toolName] = stat
	}
	stat.Count++
	if success {
		stat.Success++
	} else {
		stat.Failure++
	}
	stat.LastUse = time.Now()
	i.touch()
}

// GetToolStats returns a copy of the tool-usage statistics.
func (i *Interaction) GetToolStats() map[string]ToolStat {
	i.mu.RLock()
	defer i.mu.RUnlock()
	stats := make(map[string]ToolStat, len(i.ToolStats))
	for name, stat := range i.ToolStats {
		stats[name] = *stat
	}
	return stats
}

// SetConversationObjective sets the conversation-level objective. It is
// set once; later calls are ignored and return false.
func (i *Interaction) SetConversationObjective(objective string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ConversationObjective != "" {
		return false
	}
	i.ConversationObjective = objective
	i.touch()
	return true
}

// AppendStatementObjective appends a per-statement objective.
func (i *Interaction) AppendStatementObjective(objective string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.StatementObjectives = append(i.StatementObjectives, objective)
	i.touch()
}

// CurrentObjective returns the most recent statement objective, falling
// back to the conversation objective.
func (i *Interaction) CurrentObjective() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if n := len(i.StatementObjectives); n > 0 {
		return i.StatementObjectives[n-1]
	}
	return i.ConversationObjective
}

// SetTitle updates the interaction title.
func (i *Interaction) SetTitle(title string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Title = title
	i.touch()
}

// GetTitle returns the interaction title.
func (i *Interaction) GetTitle() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.Title
}

// LastAssistantContent returns the content of the most recent assistant
// message, or an empty string if none exists.
func (i *Interaction) LastAssistantContent() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for idx := len(i.Messages) - 1; idx >= 0; idx-- {
		if i.Messages[idx].Role == RoleAssistant {
			return i.Messages[idx].Content
		}
	}
	return ""
}

// GetTurnUsage returns the latest per-turn usage report.
func (i *Interaction) GetTurnUsage() core.TokenUsage {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.TurnUsage
}

// GetStatementUsage returns the current per-statement usage.
func (i *Interaction) GetStatementUsage() core.TokenUsage {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.StatementUsage
}

// GetInteractionUsage returns the cumulative interaction usage.
func (i *Interaction) GetInteractionUsage() core.TokenUsage {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.InteractionUsage
}

// Counters returns the statement, statement-turn, and interaction-turn
// counters in one consistent read.
func (i *Interaction) Counters() (statements, statementTurns, interactionTurns int) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.StatementCount, i.StatementTurnCount, i.InteractionTurnCount
}

// IsDirty reports whether the interaction has unsaved changes.
func (i *Interaction) IsDirty() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.dirty
}

// MarkSaved updates bookkeeping after a successful save.
func (i *Interaction) MarkSaved() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dirty = false
}

// touch updates the modification time; callers must hold the write lock.
func (i *Interaction) touch() {
	i.UpdatedAt = time.Now()
	i.dirty = true
}
