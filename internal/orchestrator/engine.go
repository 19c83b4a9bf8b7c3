// Package orchestrator drives the statement turn loop: one model call per
// turn, tool dispatch between turns, forced summarization when a turn
// approaches the context window, and persistence checkpoints along the way.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codefionn/dirigent/internal/collab"
	"github.com/codefionn/dirigent/internal/config"
	"github.com/codefionn/dirigent/internal/core"
	"github.com/codefionn/dirigent/internal/interaction"
	"github.com/codefionn/dirigent/internal/llm"
	"github.com/codefionn/dirigent/internal/logger"
	"github.com/codefionn/dirigent/internal/notify"
	"github.com/codefionn/dirigent/internal/prompts"
	"github.com/codefionn/dirigent/internal/store"
	"github.com/codefionn/dirigent/internal/tokens"
)

// SummaryToolName is the synthetic tool name under which forced summaries
// show up in tool statistics and tool-handling events.
const SummaryToolName = "collaboration_summary"

// Statement outcome statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Termination reasons for a completed statement.
const (
	TerminationNatural   = "natural"
	TerminationCancelled = "cancelled"
	TerminationMaxTurns  = "max_turns"
)

// Progress statuses emitted while a statement is processed.
const (
	progressObjective = "resolving_objective"
	progressModelCall = "model_call"
	progressTools     = "handling_tools"
	progressFinalize  = "finalizing"
)

// compactionNote tells the model that older turns were replaced by a
// summary. It is only sent when tool responses are pending, so a turn that
// finished naturally is never reopened.
const compactionNote = "Note: earlier parts of this conversation were " +
	"replaced by a summary to stay within the context window. The summary " +
	"is part of the history above."

// StatementOptions tune a single HandleStatement call.
type StatementOptions struct {
	// MaxTurns overrides the configured per-statement turn bound.
	MaxTurns int
	// Cancel stops the loop after the current iteration when set.
	Cancel *CancelFlag
	// Tools offered to the model for this statement.
	Tools []llm.ToolDefinition
	// Attachments resolved best-effort into extra content blocks.
	Attachments []Attachment
	// SystemTemplate names the system-prompt template; defaults to the
	// orchestrator template. Delegated tasks pass the agent template.
	SystemTemplate string
	// TemplateVars are merged into the system-prompt template variables.
	TemplateVars map[string]interface{}
	// Model overrides the transport's default model id.
	Model string
	// ParentID links a newly created interaction to its orchestrator.
	ParentID string
}

// Response is the outcome of one statement.
type Response struct {
	CollaborationID   string          `json:"collaboration_id"`
	InteractionID     string          `json:"interaction_id"`
	Status            string          `json:"status"`
	Answer            string          `json:"answer,omitempty"`
	ErrorCode         core.ErrorCode  `json:"error_code,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Turns             int             `json:"turns"`
	TerminationReason string          `json:"termination_reason,omitempty"`
	Usage             core.TokenUsage `json:"usage"`
}

// Engine owns the statement state machine. One engine serves many
// interactions; per-interaction locks from the registry serialize loops on
// the same interaction.
type Engine struct {
	cfg       *config.Config
	transport llm.Transport
	aux       llm.Transport
	registry  *collab.Registry
	store     store.Store
	caps      Capabilities
	titles    *TitleGenerator
	log       *logger.Logger
}

// NewEngine wires an engine from its collaborators. The aux transport
// serves titles, objectives, and summaries; it may be the same transport
// as the orchestration one.
func NewEngine(cfg *config.Config, transport, aux llm.Transport, registry *collab.Registry, st store.Store, caps Capabilities) *Engine {
	caps.normalize()
	if caps.Summarizer == nil {
		caps.Summarizer = NewBudgetSummarizer(aux, caps.Renderer)
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		aux:       aux,
		registry:  registry,
		store:     st,
		caps:      caps,
		titles:    NewTitleGenerator(aux, caps.Renderer),
		log:       logger.Global().WithPrefix("orchestrator"),
	}
}

// HandleStatement runs one user statement to completion: objective
// resolution, the first model call, and the bounded tool loop. The
// returned response is always non-nil; terminal failures additionally
// return the classified error so delegation strategies can act on it.
func (e *Engine) HandleStatement(ctx context.Context, collabID, interactionID, statement string, opts *StatementOptions) (*Response, error) {
	if opts == nil {
		opts = &StatementOptions{}
	}
	statement = strings.TrimSpace(statement)

	resp := &Response{
		CollaborationID: collabID,
		InteractionID:   interactionID,
		Status:          StatusCompleted,
	}

	if statement == "" {
		err := core.NewError(core.CodeEmptyPrompt, "statement has no instructions")
		e.emitError(collabID, interactionID, nil, err)
		return e.fail(resp, nil, err), err
	}

	group, err := e.collaborationFor(collabID, statement)
	if err != nil {
		cErr := e.classify(err)
		e.emitError(collabID, interactionID, nil, cErr)
		return e.fail(resp, nil, cErr), cErr
	}
	collabID = group.ID
	resp.CollaborationID = collabID

	inter, err := e.registry.GetOrCreateInteraction(ctx, collabID, interactionID, opts.ParentID)
	if err != nil {
		cErr := e.classify(err)
		e.emitError(collabID, interactionID, nil, cErr)
		return e.fail(resp, nil, cErr), cErr
	}
	resp.InteractionID = inter.ID

	unlock := e.registry.LockInteraction(inter.ID)
	defer unlock()

	seq := 0
	progress := func(status string) {
		seq++
		e.caps.Notifier.ProgressStatus(notify.ProgressStatusEvent{
			InteractionID: inter.ID,
			Status:        status,
			Sequence:      seq,
		})
	}
	toolEvent := func(name string) {
		seq++
		e.caps.Notifier.ToolHandling(notify.ToolHandlingEvent{
			InteractionID: inter.ID,
			ToolName:      name,
			Sequence:      seq,
		})
	}

	if inter.GetTitle() == "" {
		title := e.titles.Generate(ctx, statement)
		inter.SetTitle(title)
		group.SetTitle(title)
		e.caps.Notifier.CollaborationNew(notify.CollaborationNewEvent{
			CollaborationID: collabID,
			InteractionID:   inter.ID,
			Title:           title,
		})
	}

	progress(progressObjective)
	if err := e.resolveObjective(ctx, inter, statement); err != nil {
		cErr := e.classify(err)
		e.emitError(collabID, inter.ID, inter, cErr)
		return e.fail(resp, inter, cErr), cErr
	}

	inter.BeginStatement()

	blocks := e.resolveAttachments(ctx, inter.ID, opts.Attachments)

	model := opts.Model
	if model == "" {
		model = e.transport.ModelName()
	}
	if model == "" {
		model = e.cfg.Model.OrchestrationModel
	}
	window := e.cfg.ContextWindow(model)
	cutoff := e.cfg.Turns.ContextCutoffPercent
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = e.cfg.Turns.MaxTurnsPerStatement
	}

	systemPrompt := e.systemPrompt(inter, opts)
	callOpts := &llm.Options{
		Model:        model,
		MaxTokens:    e.cfg.Model.MaxTokens,
		Temperature:  e.cfg.Model.Temperature,
		SystemPrompt: systemPrompt,
	}

	history := toLLMHistory(inter.GetMessages(), nil)
	inter.AddMessage(&interaction.Message{Role: interaction.RoleUser, Content: statement})

	inter.BeginTurn()
	progress(progressModelCall)
	modelResp, err := e.transport.Converse(ctx, &llm.ConverseRequest{
		Statement:   statement,
		History:     history,
		Attachments: blocks,
		Tools:       opts.Tools,
		Metadata:    e.metadata(inter),
		Options:     callOpts,
	})
	if err != nil {
		e.log.Error("Model call failed for interaction %s (%s): %v", inter.ID, llm.ReasonOf(err), err)
		cErr := core.WrapError(core.CodeLLM, "model call failed", err)
		e.emitError(collabID, inter.ID, inter, cErr)
		return e.fail(resp, inter, cErr), cErr
	}
	e.recordTurn(inter, modelResp)

	// Durability checkpoint before any tool side effects.
	e.persist(ctx, inter)

	turns := 1
	pending := modelResp.ToolsUsed
	termination := TerminationNatural

	for len(pending) > 0 {
		if opts.Cancel.IsCancelled() {
			termination = TerminationCancelled
			break
		}
		if turns >= maxTurns {
			termination = TerminationMaxTurns
			break
		}

		progress(progressTools)
		batch := toolUseIDs(pending)
		results := e.dispatchTools(ctx, inter, pending, toolEvent)

		relayNote := ""
		if tokens.OverBudget(inter.GetTurnUsage().Total(), window, cutoff) {
			if err := e.forceSummarize(ctx, inter, window, cutoff, toolEvent); err != nil {
				e.log.Warn("Forced summary failed for interaction %s: %v", inter.ID, err)
			} else if len(results) > 0 {
				relayNote = compactionNote
			}
		}

		inter.BeginTurn()
		turns++
		progress(progressModelCall)
		relayResp, err := e.transport.RelayToolResults(ctx, &llm.ConverseRequest{
			Statement:   relayNote,
			History:     toLLMHistory(inter.GetMessages(), batch),
			ToolResults: results,
			Tools:       opts.Tools,
			Metadata:    e.metadata(inter),
			Options:     callOpts,
		})
		if err != nil {
			e.log.Error("Relay failed for interaction %s (%s): %v", inter.ID, llm.ReasonOf(err), err)
			if turns >= maxTurns {
				cErr := core.WrapError(core.CodeLLM, "model call failed on final turn", err)
				e.emitError(collabID, inter.ID, inter, cErr)
				e.persist(ctx, inter)
				return e.fail(resp, inter, cErr), cErr
			}
			// Recoverable mid-loop failure: report it, place a marker in
			// the history, and let the loop finish without further turns.
			cErr := core.WrapError(core.CodeResponseHandling, "failed to handle model response", err)
			e.emitError(collabID, inter.ID, inter, cErr)
			inter.AddMessage(&interaction.Message{
				Role:    interaction.RoleAssistant,
				Content: fmt.Sprintf("An error occurred while handling the response: %v", err),
			})
			pending = nil
			continue
		}

		e.recordTurn(inter, relayResp)
		e.persist(ctx, inter)
		pending = relayResp.ToolsUsed
	}

	progress(progressFinalize)
	e.persist(ctx, inter)

	resp.Turns = turns
	resp.TerminationReason = termination
	resp.Answer = inter.LastAssistantContent()
	resp.Usage = inter.GetStatementUsage()
	group.AccumulateUsage(resp.Usage)

	statements, statementTurns, _ := inter.Counters()
	e.log.Info("Statement %d of interaction %s finished after %d turns (%s, %d tokens)",
		statements, inter.ID, statementTurns, termination, resp.Usage.Total())

	return resp, nil
}

// ForceSummarize compacts the interaction's history down to the budget
// derived from the model's context window. Exposed for callers that want
// to compact outside the turn loop.
func (e *Engine) ForceSummarize(ctx context.Context, collabID, interactionID string) error {
	inter, err := e.registry.LoadInteraction(ctx, collabID, interactionID)
	if err != nil {
		return err
	}
	if inter == nil {
		return core.Errorf(core.CodeNotFound, "interaction %s not found", interactionID)
	}

	unlock := e.registry.LockInteraction(inter.ID)
	defer unlock()

	model := e.transport.ModelName()
	if model == "" {
		model = e.cfg.Model.OrchestrationModel
	}
	if err := e.forceSummarize(ctx, inter, e.cfg.ContextWindow(model), e.cfg.Turns.ContextCutoffPercent, func(string) {}); err != nil {
		return err
	}
	e.persist(ctx, inter)
	return nil
}

func (e *Engine) forceSummarize(ctx context.Context, inter *interaction.Interaction, window, cutoff int, toolEvent func(string)) error {
	toolEvent(SummaryToolName)

	budget := tokens.Budget(window, cutoff)
	result, err := e.caps.Summarizer.Summarize(ctx, inter, budget)
	if err != nil {
		inter.RecordToolOutcome(SummaryToolName, false)
		return core.WrapError(core.CodeResponseHandling, "summary generation failed", err)
	}

	removed := inter.CompactWithSummary(result.Summary, result.KeepRecent)
	inter.RecordToolOutcome(SummaryToolName, true)
	e.log.Info("Compacted interaction %s: removed %d messages, kept %d recent",
		inter.ID, removed, result.KeepRecent)
	return nil
}

// collaborationFor resolves the target collaboration, creating a fresh one
// when no id was supplied.
func (e *Engine) collaborationFor(collabID, statement string) (*collab.Collaboration, error) {
	if collabID == "" {
		title := statement
		if runes := []rune(title); len(runes) > 60 {
			title = string(runes[:60])
		}
		return e.registry.CreateCollaboration(title, collab.TypeProject), nil
	}
	return e.registry.GetStrict(collabID)
}

// resolveObjective generates the conversation objective on the first
// statement and a statement objective on every later one. Failures abort
// the statement before any orchestration model call is made.
func (e *Engine) resolveObjective(ctx context.Context, inter *interaction.Interaction, statement string) error {
	if inter.CurrentObjective() == "" {
		prompt, err := e.caps.Renderer.Render(prompts.TemplateObjectiveConversation, map[string]interface{}{
			"Statement": statement,
		})
		if err != nil {
			return core.WrapError(core.CodeResponseHandling, "failed to render objective prompt", err)
		}
		objective, err := e.aux.Complete(ctx, prompt)
		if err != nil {
			return core.WrapError(core.CodeLLM, "objective generation failed", err)
		}
		inter.SetConversationObjective(strings.TrimSpace(objective))
		return nil
	}

	prompt, err := e.caps.Renderer.Render(prompts.TemplateObjectiveStatement, map[string]interface{}{
		"ConversationObjective": inter.ConversationObjective,
		"PreviousResponse":      inter.LastAssistantContent(),
		"Statement":             statement,
	})
	if err != nil {
		return core.WrapError(core.CodeResponseHandling, "failed to render objective prompt", err)
	}
	objective, err := e.aux.Complete(ctx, prompt)
	if err != nil {
		return core.WrapError(core.CodeLLM, "objective generation failed", err)
	}
	inter.AppendStatementObjective(strings.TrimSpace(objective))
	return nil
}

// resolveAttachments is best-effort: a failed attachment is logged and
// skipped, never fatal.
func (e *Engine) resolveAttachments(ctx context.Context, interactionID string, atts []Attachment) []llm.ContentBlock {
	if len(atts) == 0 {
		return nil
	}
	if e.caps.Attachments == nil {
		e.log.Warn("Dropping %d attachments for interaction %s: no resolver configured", len(atts), interactionID)
		return nil
	}

	blocks := make([]llm.ContentBlock, 0, len(atts))
	for _, att := range atts {
		block, err := e.caps.Attachments.Resolve(ctx, att)
		if err != nil {
			e.log.Warn("Skipping attachment %q for interaction %s: %v", att.Name, interactionID, err)
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// dispatchTools executes the pending tool uses in order. Tool failures
// become error-flagged results for the model, never exceptions.
func (e *Engine) dispatchTools(ctx context.Context, inter *interaction.Interaction, uses []llm.ToolUse, toolEvent func(string)) []llm.ToolResult {
	results := make([]llm.ToolResult, 0, len(uses))
	for _, use := range uses {
		toolEvent(use.Name)

		tr := llm.ToolResult{ToolUseID: use.ID, ToolName: use.Name}
		var out *ToolResult
		var err error
		if e.caps.Tools == nil {
			err = core.Errorf(core.CodeTool, "no tool dispatcher configured")
		} else {
			out, err = e.caps.Tools.Invoke(ctx, inter, use)
		}

		switch {
		case err != nil:
			tr.Content = fmt.Sprintf("tool %s failed: %v", use.Name, err)
			tr.IsError = true
		case out == nil:
			tr.Content = ""
		default:
			tr.Content = out.Text
			tr.IsError = out.IsError
		}

		inter.RecordToolOutcome(use.Name, !tr.IsError)
		inter.AddMessage(&interaction.Message{
			Role:      interaction.RoleTool,
			Content:   tr.Content,
			ToolUseID: use.ID,
			ToolName:  use.Name,
		})
		results = append(results, tr)
	}
	return results
}

// recordTurn folds a model response into the interaction: the user-side
// usage delta first, then the assistant message with its own report.
func (e *Engine) recordTurn(inter *interaction.Interaction, resp *llm.ConverseResponse) {
	userReport := inter.RecordUsage(interaction.RoleUser, resp.Usage)
	attachUserReport(inter, userReport)

	assistantReport := inter.RecordUsage(interaction.RoleAssistant, resp.Usage)
	inter.AddMessage(&interaction.Message{
		Role:      interaction.RoleAssistant,
		Content:   resp.Answer,
		ToolCalls: toToolCalls(resp.ToolsUsed),
		Usage:     assistantReport,
	})
}

// attachUserReport pins the user-side usage report to the most recent
// user or tool message that has none yet.
func attachUserReport(inter *interaction.Interaction, report *interaction.UsageReport) {
	msgs := inter.GetMessages()
	for idx := len(msgs) - 1; idx >= 0; idx-- {
		msg := msgs[idx]
		if msg.Role == interaction.RoleAssistant {
			return
		}
		if msg.Usage == nil {
			msg.Usage = report
			return
		}
	}
}

func (e *Engine) systemPrompt(inter *interaction.Interaction, opts *StatementOptions) string {
	name := opts.SystemTemplate
	if name == "" {
		name = prompts.TemplateSystemOrchestrator
	}

	vars := map[string]interface{}{
		"Objective": inter.CurrentObjective(),
		"Title":     inter.GetTitle(),
	}
	for k, v := range opts.TemplateVars {
		vars[k] = v
	}

	out, err := e.caps.Renderer.Render(name, vars)
	if err != nil {
		e.log.Warn("Failed to render system prompt %q, using fallback: %v", name, err)
		return prompts.FallbackSystemPrompt
	}
	return out
}

func (e *Engine) metadata(inter *interaction.Interaction) *llm.TurnMetadata {
	statements, _, interactionTurns := inter.Counters()
	return &llm.TurnMetadata{
		InteractionID:   inter.ID,
		CollaborationID: inter.CollaborationID,
		Objective:       inter.CurrentObjective(),
		StatementCount:  statements,
		TurnCount:       interactionTurns,
	}
}

// persist is a checkpoint, not a transaction: a failed save is logged and
// processing continues on the in-memory state.
func (e *Engine) persist(ctx context.Context, inter *interaction.Interaction) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveInteraction(ctx, inter); err != nil {
		e.log.Error("Failed to persist interaction %s: %v", inter.ID, err)
	}
}

func (e *Engine) fail(resp *Response, inter *interaction.Interaction, err *core.Error) *Response {
	resp.Status = StatusFailed
	resp.ErrorCode = err.Code
	resp.ErrorMessage = err.Message
	if inter != nil {
		resp.Answer = inter.LastAssistantContent()
		resp.Usage = inter.GetStatementUsage()
	}
	return resp
}

func (e *Engine) emitError(collabID, interactionID string, inter *interaction.Interaction, err *core.Error) {
	ev := notify.CollaborationErrorEvent{
		CollaborationID: collabID,
		InteractionID:   interactionID,
		Code:            err.Code,
		Message:         err.Message,
	}
	if inter != nil {
		ev.InteractionID = inter.ID
		ev.Stats = inter.GetStatementUsage()
	}
	e.caps.Notifier.CollaborationError(ev)
}

// classify wraps raw collaborator errors that are not already classified.
func (e *Engine) classify(err error) *core.Error {
	var cErr *core.Error
	if errors.As(err, &cErr) {
		return cErr
	}
	return core.WrapError(core.CodeResponseHandling, "statement setup failed", err)
}

// toLLMHistory converts the stored history to transport messages. Tool
// messages whose ids are in skipToolIDs are omitted; those travel as the
// request's explicit tool results instead.
func toLLMHistory(msgs []*interaction.Message, skipToolIDs map[string]bool) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == interaction.RoleTool && skipToolIDs[msg.ToolUseID] {
			continue
		}
		out = append(out, llm.Message{
			Role:      msg.Role,
			Content:   msg.Content,
			ToolCalls: toToolUses(msg.ToolCalls),
			ToolUseID: msg.ToolUseID,
			ToolName:  msg.ToolName,
		})
	}
	return out
}

func toolUseIDs(uses []llm.ToolUse) map[string]bool {
	ids := make(map[string]bool, len(uses))
	for _, use := range uses {
		ids[use.ID] = true
	}
	return ids
}

func toToolCalls(uses []llm.ToolUse) []interaction.ToolCall {
	if len(uses) == 0 {
		return nil
	}
	calls := make([]interaction.ToolCall, len(uses))
	for idx, use := range uses {
		calls[idx] = interaction.ToolCall{ID: use.ID, Name: use.Name, Input: use.Input}
	}
	return calls
}

func toToolUses(calls []interaction.ToolCall) []llm.ToolUse {
	if len(calls) == 0 {
		return nil
	}
	uses := make([]llm.ToolUse, len(calls))
	for idx, call := range calls {
		uses[idx] = llm.ToolUse{ID: call.ID, Name: call.Name, Input: call.Input}
	}
	return uses
}
