package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/dirigent/internal/collab"
	"github.com/codefionn/dirigent/internal/config"
	"github.com/codefionn/dirigent/internal/core"
	"github.com/codefionn/dirigent/internal/interaction"
	"github.com/codefionn/dirigent/internal/llm"
	"github.com/codefionn/dirigent/internal/notify"
	"github.com/codefionn/dirigent/internal/store"
)

// scriptStep is one scripted model turn.
type scriptStep struct {
	resp *llm.ConverseResponse
	err  error
}

// mockTransport pops scripted responses in order. An exhausted script
// yields a plain final answer so tests only script the turns they assert.
type mockTransport struct {
	mu          sync.Mutex
	model       string
	steps       []scriptStep
	converses   []*llm.ConverseRequest
	relays      []*llm.ConverseRequest
	completeFn  func(prompt string) (string, error)
	completions int
}

func newMockTransport(steps ...scriptStep) *mockTransport {
	return &mockTransport{model: "mock-model", steps: steps}
}

func (m *mockTransport) next() (*llm.ConverseResponse, error) {
	if len(m.steps) == 0 {
		return &llm.ConverseResponse{
			Answer: "done",
			Usage:  core.TokenUsage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	return step.resp, step.err
}

func (m *mockTransport) Converse(ctx context.Context, req *llm.ConverseRequest) (*llm.ConverseResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.converses = append(m.converses, req)
	return m.next()
}

func (m *mockTransport) RelayToolResults(ctx context.Context, req *llm.ConverseRequest) (*llm.ConverseResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relays = append(m.relays, req)
	return m.next()
}

func (m *mockTransport) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions++
	if m.completeFn != nil {
		return m.completeFn(prompt)
	}
	return "Generated objective", nil
}

func (m *mockTransport) ModelName() string { return m.model }

func (m *mockTransport) modelCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.converses) + len(m.relays)
}

// mockDispatcher records invocations and delegates to fn.
type mockDispatcher struct {
	mu      sync.Mutex
	invoked []string
	fn      func(use llm.ToolUse) (*ToolResult, error)
}

func (m *mockDispatcher) Invoke(ctx context.Context, inter *interaction.Interaction, use llm.ToolUse) (*ToolResult, error) {
	m.mu.Lock()
	m.invoked = append(m.invoked, use.Name)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(use)
	}
	return &ToolResult{Text: "tool output"}, nil
}

// recordingSink captures all emitted events.
type recordingSink struct {
	mu       sync.Mutex
	news     []notify.CollaborationNewEvent
	errors   []notify.CollaborationErrorEvent
	progress []notify.ProgressStatusEvent
	tools    []notify.ToolHandlingEvent
}

func (s *recordingSink) CollaborationNew(ev notify.CollaborationNewEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.news = append(s.news, ev)
}

func (s *recordingSink) CollaborationError(ev notify.CollaborationErrorEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, ev)
}

func (s *recordingSink) ProgressStatus(ev notify.ProgressStatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, ev)
}

func (s *recordingSink) ToolHandling(ev notify.ToolHandlingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, ev)
}

func (s *recordingSink) toolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tools))
	for i, ev := range s.tools {
		names[i] = ev.ToolName
	}
	return names
}

type mockSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (m *mockSummarizer) Summarize(ctx context.Context, inter *interaction.Interaction, budget int) (*SummaryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return &SummaryResult{Summary: "condensed history", KeepRecent: 1}, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ContextWindows = map[string]int{"mock-model": 10000}
	return cfg
}

type testRig struct {
	engine    *Engine
	registry  *collab.Registry
	group     *collab.Collaboration
	transport *mockTransport
	tools     *mockDispatcher
	sink      *recordingSink
}

func newTestRig(t *testing.T, transport *mockTransport, caps Capabilities) *testRig {
	t.Helper()

	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	registry := collab.NewRegistry(st)
	group := registry.CreateCollaboration("", collab.TypeProject)

	tools, _ := caps.Tools.(*mockDispatcher)
	if tools == nil {
		tools = &mockDispatcher{}
		caps.Tools = tools
	}
	sink, _ := caps.Notifier.(*recordingSink)
	if sink == nil {
		sink = &recordingSink{}
		caps.Notifier = sink
	}

	return &testRig{
		engine:    NewEngine(testConfig(), transport, transport, registry, st, caps),
		registry:  registry,
		group:     group,
		transport: transport,
		tools:     tools,
		sink:      sink,
	}
}

func toolUseResponse(id, name string, usage core.TokenUsage) *llm.ConverseResponse {
	return &llm.ConverseResponse{
		Answer:    "working on it",
		ToolsUsed: []llm.ToolUse{{ID: id, Name: name, Input: map[string]interface{}{}}},
		Usage:     usage,
	}
}

func TestHandleStatementEmptyPrompt(t *testing.T) {
	rig := newTestRig(t, newMockTransport(), Capabilities{})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "   \n\t ", nil)

	require.Error(t, err)
	assert.Equal(t, core.CodeEmptyPrompt, core.CodeOf(err))
	require.NotNil(t, resp)
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, core.CodeEmptyPrompt, resp.ErrorCode)
	assert.Equal(t, 0, rig.transport.modelCalls(), "no model call for an empty statement")
	assert.Equal(t, 0, rig.transport.completions)
	require.Len(t, rig.sink.errors, 1)
	assert.Equal(t, core.CodeEmptyPrompt, rig.sink.errors[0].Code)
}

func TestHandleStatementUnknownCollaboration(t *testing.T) {
	rig := newTestRig(t, newMockTransport(), Capabilities{})

	resp, err := rig.engine.HandleStatement(context.Background(), "ghost", "", "hello", nil)

	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, 0, rig.transport.modelCalls())
}

func TestHandleStatementFreshCollaborationTitleIsRuneSafe(t *testing.T) {
	rig := newTestRig(t, newMockTransport(), Capabilities{})

	statement := strings.Repeat("настрой", 12)
	resp, err := rig.engine.HandleStatement(context.Background(), "", "", statement, nil)

	require.NoError(t, err)
	group, err := rig.registry.GetStrict(resp.CollaborationID)
	require.NoError(t, err)

	title := group.GetTitle()
	assert.True(t, utf8.ValidString(title), "truncation must not split a rune")
	assert.Equal(t, 60, utf8.RuneCountInString(title))
}

func TestHandleStatementSimpleAnswer(t *testing.T) {
	transport := newMockTransport(scriptStep{resp: &llm.ConverseResponse{
		Answer: "the answer",
		Usage:  core.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}})
	rig := newTestRig(t, transport, Capabilities{})
	ctx := context.Background()

	resp, err := rig.engine.HandleStatement(ctx, rig.group.ID, "", "explain the build failure", nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "the answer", resp.Answer)
	assert.Equal(t, 1, resp.Turns)
	assert.Equal(t, TerminationNatural, resp.TerminationReason)
	assert.Equal(t, 100, resp.Usage.InputTokens)
	assert.Equal(t, 50, resp.Usage.OutputTokens)

	// The interaction was persisted and titled.
	inter, err := rig.registry.LoadInteraction(ctx, rig.group.ID, resp.InteractionID)
	require.NoError(t, err)
	require.NotNil(t, inter)
	assert.NotEmpty(t, inter.GetTitle())

	require.Len(t, rig.sink.news, 1)
	assert.Equal(t, resp.InteractionID, rig.sink.news[0].InteractionID)

	// Usage rolled up into the collaboration.
	assert.Equal(t, 150, rig.group.GetTotalUsage().Total())
}

func TestHandleStatementToolLoop(t *testing.T) {
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "grep", core.TokenUsage{InputTokens: 100, OutputTokens: 30})},
		scriptStep{resp: &llm.ConverseResponse{
			Answer: "found it",
			Usage:  core.TokenUsage{InputTokens: 180, OutputTokens: 40},
		}},
	)
	tools := &mockDispatcher{fn: func(use llm.ToolUse) (*ToolResult, error) {
		return &ToolResult{Text: "match in main.go"}, nil
	}}
	rig := newTestRig(t, transport, Capabilities{Tools: tools})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "find the bug", nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "found it", resp.Answer)
	assert.Equal(t, 2, resp.Turns)
	assert.Equal(t, []string{"grep"}, tools.invoked)

	// Tool results travel explicitly, not duplicated in the history.
	require.Len(t, transport.relays, 1)
	relay := transport.relays[0]
	require.Len(t, relay.ToolResults, 1)
	assert.Equal(t, "t1", relay.ToolResults[0].ToolUseID)
	assert.Equal(t, "match in main.go", relay.ToolResults[0].Content)
	assert.False(t, relay.ToolResults[0].IsError)
	for _, msg := range relay.History {
		assert.NotEqual(t, "t1", msg.ToolUseID, "relayed tool result must not also appear in history")
	}

	assert.Contains(t, rig.sink.toolNames(), "grep")

	inter, err := rig.registry.LoadInteraction(context.Background(), rig.group.ID, resp.InteractionID)
	require.NoError(t, err)
	stats := inter.GetToolStats()
	require.Contains(t, stats, "grep")
	assert.Equal(t, 1, stats["grep"].Success)
}

func TestToolFailureIsNonFatal(t *testing.T) {
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "shell", core.TokenUsage{InputTokens: 50, OutputTokens: 10})},
		scriptStep{resp: &llm.ConverseResponse{Answer: "recovered", Usage: core.TokenUsage{InputTokens: 90, OutputTokens: 20}}},
	)
	tools := &mockDispatcher{fn: func(use llm.ToolUse) (*ToolResult, error) {
		return nil, errors.New("command not found")
	}}
	rig := newTestRig(t, transport, Capabilities{Tools: tools})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "run the tests", nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)

	require.Len(t, transport.relays, 1)
	result := transport.relays[0].ToolResults[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "command not found")

	inter, err := rig.registry.LoadInteraction(context.Background(), rig.group.ID, resp.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, 1, inter.GetToolStats()["shell"].Failure)
}

func TestForcedSummaryWhenOverBudget(t *testing.T) {
	// 9800 of a 10000-token window exceeds the 95% cutoff.
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "read_file", core.TokenUsage{InputTokens: 9500, OutputTokens: 300})},
		scriptStep{resp: &llm.ConverseResponse{Answer: "summarized and finished", Usage: core.TokenUsage{InputTokens: 800, OutputTokens: 50}}},
	)
	summarizer := &mockSummarizer{}
	rig := newTestRig(t, transport, Capabilities{Summarizer: summarizer})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "analyze this huge file", nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, 1, summarizer.calls)
	assert.Contains(t, rig.sink.toolNames(), SummaryToolName)

	// The relay carries the compaction note and the compacted history.
	require.Len(t, transport.relays, 1)
	relay := transport.relays[0]
	assert.Equal(t, compactionNote, relay.Statement)
	require.NotEmpty(t, relay.History)
	assert.Equal(t, "condensed history", relay.History[0].Content)

	inter, err := rig.registry.LoadInteraction(context.Background(), rig.group.ID, resp.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, 1, inter.GetToolStats()[SummaryToolName].Success)
}

func TestNoForcedSummaryUnderBudget(t *testing.T) {
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "grep", core.TokenUsage{InputTokens: 100, OutputTokens: 20})},
		scriptStep{resp: &llm.ConverseResponse{Answer: "ok", Usage: core.TokenUsage{InputTokens: 150, OutputTokens: 20}}},
	)
	summarizer := &mockSummarizer{}
	rig := newTestRig(t, transport, Capabilities{Summarizer: summarizer})

	_, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "small task", nil)

	require.NoError(t, err)
	assert.Equal(t, 0, summarizer.calls)
	assert.Empty(t, transport.relays[0].Statement)
}

func TestMaxTurnsTerminatesLoop(t *testing.T) {
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "grep", core.TokenUsage{InputTokens: 10, OutputTokens: 5})},
		scriptStep{resp: toolUseResponse("t2", "grep", core.TokenUsage{InputTokens: 20, OutputTokens: 5})},
		scriptStep{resp: toolUseResponse("t3", "grep", core.TokenUsage{InputTokens: 30, OutputTokens: 5})},
	)
	rig := newTestRig(t, transport, Capabilities{})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "keep digging", &StatementOptions{
		MaxTurns: 3,
	})

	require.NoError(t, err, "hitting the turn limit is not an error")
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, 3, resp.Turns)
	assert.Equal(t, TerminationMaxTurns, resp.TerminationReason)
	assert.Equal(t, "working on it", resp.Answer, "answer reflects the last assistant content")
	assert.Equal(t, 3, transport.modelCalls())
}

func TestCancellationStopsLoop(t *testing.T) {
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "grep", core.TokenUsage{InputTokens: 10, OutputTokens: 5})},
	)
	rig := newTestRig(t, transport, Capabilities{})

	cancel := &CancelFlag{}
	cancel.Cancel()

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "long task", &StatementOptions{
		Cancel: cancel,
	})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, TerminationCancelled, resp.TerminationReason)
	assert.Equal(t, 1, resp.Turns)
	assert.Empty(t, rig.tools.invoked, "cancelled iteration must not dispatch tools")
}

func TestLLMErrorOnFirstCall(t *testing.T) {
	transport := newMockTransport(scriptStep{err: errors.New("overloaded")})
	rig := newTestRig(t, transport, Capabilities{})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "hello", nil)

	require.Error(t, err)
	assert.Equal(t, core.CodeLLM, core.CodeOf(err))
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, core.CodeLLM, resp.ErrorCode)
	require.Len(t, rig.sink.errors, 1)
	assert.Equal(t, core.CodeLLM, rig.sink.errors[0].Code)
}

func TestRelayErrorOnNonFinalTurnRecovers(t *testing.T) {
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "grep", core.TokenUsage{InputTokens: 10, OutputTokens: 5})},
		scriptStep{err: errors.New("transient failure")},
	)
	rig := newTestRig(t, transport, Capabilities{})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "search", nil)

	require.NoError(t, err, "mid-loop failures on non-final turns are recoverable")
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Contains(t, resp.Answer, "error occurred")

	require.Len(t, rig.sink.errors, 1)
	assert.Equal(t, core.CodeResponseHandling, rig.sink.errors[0].Code)
}

func TestRelayErrorOnFinalTurnPropagates(t *testing.T) {
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "grep", core.TokenUsage{InputTokens: 10, OutputTokens: 5})},
		scriptStep{err: errors.New("hard failure")},
	)
	rig := newTestRig(t, transport, Capabilities{})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "search", &StatementOptions{
		MaxTurns: 2,
	})

	require.Error(t, err)
	assert.Equal(t, core.CodeLLM, core.CodeOf(err))
	assert.Equal(t, StatusFailed, resp.Status)
}

func TestObjectiveFailureAbortsStatement(t *testing.T) {
	transport := newMockTransport()
	transport.completeFn = func(prompt string) (string, error) {
		return "", errors.New("auxiliary model down")
	}
	rig := newTestRig(t, transport, Capabilities{})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "hello", nil)

	require.Error(t, err)
	assert.Equal(t, core.CodeLLM, core.CodeOf(err))
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, 0, rig.transport.modelCalls(), "objective failure precedes the orchestration call")
}

func TestObjectivesAcrossStatements(t *testing.T) {
	transport := newMockTransport()
	rig := newTestRig(t, transport, Capabilities{})
	ctx := context.Background()

	first, err := rig.engine.HandleStatement(ctx, rig.group.ID, "", "first question", nil)
	require.NoError(t, err)

	_, err = rig.engine.HandleStatement(ctx, rig.group.ID, first.InteractionID, "second question", nil)
	require.NoError(t, err)

	inter, err := rig.registry.LoadInteraction(ctx, rig.group.ID, first.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, "Generated objective", inter.ConversationObjective)
	require.Len(t, inter.StatementObjectives, 1, "conversation objective is set once, later statements append")

	statements, _, _ := inter.Counters()
	assert.Equal(t, 2, statements)
}

func TestDifferentialUsageAcrossTurns(t *testing.T) {
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "grep", core.TokenUsage{InputTokens: 1000, OutputTokens: 200})},
		scriptStep{resp: &llm.ConverseResponse{Answer: "done", Usage: core.TokenUsage{InputTokens: 1500, OutputTokens: 100}}},
	)
	rig := newTestRig(t, transport, Capabilities{})

	resp, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "count tokens", nil)

	require.NoError(t, err)
	// Input: 1000 on the first turn, then only the 500 new tokens.
	assert.Equal(t, 1500, resp.Usage.InputTokens)
	assert.Equal(t, 300, resp.Usage.OutputTokens)
}

func TestProgressSequenceIsMonotonic(t *testing.T) {
	transport := newMockTransport(
		scriptStep{resp: toolUseResponse("t1", "grep", core.TokenUsage{InputTokens: 10, OutputTokens: 5})},
		scriptStep{resp: &llm.ConverseResponse{Answer: "ok", Usage: core.TokenUsage{InputTokens: 20, OutputTokens: 5}}},
	)
	rig := newTestRig(t, transport, Capabilities{})

	_, err := rig.engine.HandleStatement(context.Background(), rig.group.ID, "", "do things", nil)
	require.NoError(t, err)

	rig.sink.mu.Lock()
	defer rig.sink.mu.Unlock()
	last := 0
	for _, ev := range rig.sink.progress {
		assert.Greater(t, ev.Sequence, last)
		last = ev.Sequence
	}
	assert.NotEmpty(t, rig.sink.progress)
}

func TestConcurrentStatementsOnDistinctInteractions(t *testing.T) {
	transport := newMockTransport()
	rig := newTestRig(t, transport, Capabilities{})
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rig.engine.HandleStatement(ctx, rig.group.ID, fmt.Sprintf("inter-%d", i), "parallel question", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, workers, rig.group.TotalInteractions())
}
