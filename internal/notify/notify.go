// Package notify defines the fire-and-forget event sink consumed by the
// orchestration core. Events are delivered at least once; consumers must
// be idempotent on the sequence number.
package notify

import (
	"github.com/codefionn/dirigent/internal/core"
	"github.com/codefionn/dirigent/internal/logger"
)

// CollaborationNewEvent announces a newly titled collaboration.
type CollaborationNewEvent struct {
	CollaborationID string `json:"collaboration_id"`
	InteractionID   string `json:"interaction_id"`
	Title           string `json:"title"`
}

// CollaborationErrorEvent reports a statement-level failure.
type CollaborationErrorEvent struct {
	CollaborationID string          `json:"collaboration_id"`
	InteractionID   string          `json:"interaction_id"`
	Code            core.ErrorCode  `json:"code"`
	Message         string          `json:"message"`
	Stats           core.TokenUsage `json:"stats"`
}

// ProgressStatusEvent reports a state transition of the turn loop. The
// sequence increases monotonically within one statement.
type ProgressStatusEvent struct {
	InteractionID string `json:"interaction_id"`
	Status        string `json:"status"`
	Sequence      int    `json:"sequence"`
}

// ToolHandlingEvent reports a tool dispatch.
type ToolHandlingEvent struct {
	InteractionID string `json:"interaction_id"`
	ToolName      string `json:"tool_name"`
	Sequence      int    `json:"sequence"`
}

// Sink receives structured events from the core. Implementations must not
// block; delivery is fire-and-forget.
type Sink interface {
	CollaborationNew(ev CollaborationNewEvent)
	CollaborationError(ev CollaborationErrorEvent)
	ProgressStatus(ev ProgressStatusEvent)
	ToolHandling(ev ToolHandlingEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) CollaborationNew(CollaborationNewEvent)     {}
func (NopSink) CollaborationError(CollaborationErrorEvent) {}
func (NopSink) ProgressStatus(ProgressStatusEvent)         {}
func (NopSink) ToolHandling(ToolHandlingEvent)             {}

// LogSink writes events to the logger. Useful as a default sink when no
// UI transport is attached.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a LogSink on top of the given logger.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.WithPrefix("events")}
}

func (s *LogSink) CollaborationNew(ev CollaborationNewEvent) {
	s.log.Info("collaboration_new collab=%s interaction=%s title=%q", ev.CollaborationID, ev.InteractionID, ev.Title)
}

func (s *LogSink) CollaborationError(ev CollaborationErrorEvent) {
	s.log.Error("collaboration_error interaction=%s code=%s message=%q", ev.InteractionID, ev.Code, ev.Message)
}

func (s *LogSink) ProgressStatus(ev ProgressStatusEvent) {
	s.log.Debug("progress_status interaction=%s seq=%d status=%s", ev.InteractionID, ev.Sequence, ev.Status)
}

func (s *LogSink) ToolHandling(ev ToolHandlingEvent) {
	s.log.Debug("tool_handling interaction=%s seq=%d tool=%s", ev.InteractionID, ev.Sequence, ev.ToolName)
}
