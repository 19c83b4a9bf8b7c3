package interaction

import (
	"encoding/gob"
	"time"

	"github.com/codefionn/dirigent/internal/core"
)

// SnapshotVersion is the storage format version for forward compatibility.
const SnapshotVersion = 1

func init() {
	// Register container types used inside tool-call inputs for gob encoding.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// StoredMessage is the persistence form of a Message.
type StoredMessage struct {
	Role      string
	Content   string
	ToolCalls []ToolCall
	ToolUseID string
	ToolName  string
	Usage     *UsageReport
	Timestamp time.Time
}

// Snapshot is the serializable form of an Interaction. Reloading a
// snapshot reproduces identical counters, history, and objectives.
type Snapshot struct {
	Version         int
	ID              string
	ParentID        string
	CollaborationID string
	Title           string

	StatementCount       int
	StatementTurnCount   int
	InteractionTurnCount int

	TurnUsage        core.TokenUsage
	StatementUsage   core.TokenUsage
	InteractionUsage core.TokenUsage

	Messages  []*StoredMessage
	ToolStats map[string]*ToolStat

	ConversationObjective string
	StatementObjectives   []string

	LastAssistantInput int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot computes a consistent serializable snapshot for persistence.
func (i *Interaction) Snapshot() *Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()

	messages := make([]*StoredMessage, len(i.Messages))
	for idx, msg := range i.Messages {
		messages[idx] = &StoredMessage{
			Role:      msg.Role,
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
			ToolUseID: msg.ToolUseID,
			ToolName:  msg.ToolName,
			Usage:     msg.Usage,
			Timestamp: msg.Timestamp,
		}
	}

	stats := make(map[string]*ToolStat, len(i.ToolStats))
	for name, stat := range i.ToolStats {
		copied := *stat
		stats[name] = &copied
	}

	objectives := make([]string, len(i.StatementObjectives))
	copy(objectives, i.StatementObjectives)

	return &Snapshot{
		Version:               SnapshotVersion,
		ID:                    i.ID,
		ParentID:              i.ParentID,
		CollaborationID:       i.CollaborationID,
		Title:                 i.Title,
		StatementCount:        i.StatementCount,
		StatementTurnCount:    i.StatementTurnCount,
		InteractionTurnCount:  i.InteractionTurnCount,
		TurnUsage:             i.TurnUsage,
		StatementUsage:        i.StatementUsage,
		InteractionUsage:      i.InteractionUsage,
		Messages:              messages,
		ToolStats:             stats,
		ConversationObjective: i.ConversationObjective,
		StatementObjectives:   objectives,
		LastAssistantInput:    i.lastAssistantInput,
		CreatedAt:             i.CreatedAt,
		UpdatedAt:             i.UpdatedAt,
	}
}

// FromSnapshot reconstructs an Interaction from its stored form. The
// result is marked clean; loading is not a mutation.
func FromSnapshot(stored *Snapshot) *Interaction {
	inter := New(stored.ID, stored.CollaborationID, stored.ParentID)
	inter.Title = stored.Title
	inter.StatementCount = stored.StatementCount
	inter.StatementTurnCount = stored.StatementTurnCount
	inter.InteractionTurnCount = stored.InteractionTurnCount
	inter.TurnUsage = stored.TurnUsage
	inter.StatementUsage = stored.StatementUsage
	inter.InteractionUsage = stored.InteractionUsage
	inter.ConversationObjective = stored.ConversationObjective
	inter.StatementObjectives = append([]string(nil), stored.StatementObjectives...)
	inter.lastAssistantInput = stored.LastAssistantInput
	inter.CreatedAt = stored.CreatedAt
	inter.UpdatedAt = stored.UpdatedAt

	inter.Messages = make([]*Message, len(stored.Messages))
	for idx, msg := range stored.Messages {
		inter.Messages[idx] = &Message{
			Role:      msg.Role,
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
			ToolUseID: msg.ToolUseID,
			ToolName:  msg.ToolName,
			Usage:     msg.Usage,
			Timestamp: msg.Timestamp,
		}
	}

	inter.ToolStats = make(map[string]*ToolStat, len(stored.ToolStats))
	for name, stat := range stored.ToolStats {
		copied := *stat
		inter.ToolStats[name] = &copied
	}

	inter.dirty = false
	return inter
}
