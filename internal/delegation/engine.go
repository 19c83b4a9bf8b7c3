// Package delegation executes batches of tasks in child interactions, each
// driven by the statement engine under an agent system prompt and a tighter
// turn bound. Failure handling is pluggable per batch.
package delegation

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/codefionn/dirigent/internal/config"
	"github.com/codefionn/dirigent/internal/core"
	"github.com/codefionn/dirigent/internal/llm"
	"github.com/codefionn/dirigent/internal/logger"
	"github.com/codefionn/dirigent/internal/orchestrator"
	"github.com/codefionn/dirigent/internal/prompts"
)

// Tool names under which delegation itself is exposed to the model. They
// are stripped from every child's tool set so agents cannot delegate
// further.
const (
	ToolNameDelegate      = "delegate_tasks"
	ToolNameDelegateAsync = "delegate_tasks_async"
)

// Task is one delegated unit of work.
type Task struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Instructions string `json:"instructions"`
	// Requirements describe the expected output, shown to the agent in its
	// system prompt.
	Requirements string `json:"requirements,omitempty"`
	// Tools the agent may use. Delegation tools are removed before the
	// child runs.
	Tools []llm.ToolDefinition `json:"-"`
}

// CompletedTask pairs a task with its outcome. Err is nil for successful
// tasks; the response is present whenever the engine got far enough to
// produce one.
type CompletedTask struct {
	Task          Task
	InteractionID string
	Response      *orchestrator.Response
	Attempts      int
	Err           error
}

// Engine runs delegated tasks through the statement engine.
type Engine struct {
	turns *orchestrator.Engine
	cfg   *config.Config
	log   *logger.Logger
}

// NewEngine creates a delegation engine on top of the statement engine.
func NewEngine(turns *orchestrator.Engine, cfg *config.Config) *Engine {
	return &Engine{
		turns: turns,
		cfg:   cfg,
		log:   logger.Global().WithPrefix("delegation"),
	}
}

// ExecuteTasks runs the batch sequentially. The handler's strategy decides
// how failures affect the rest of the batch; an abort stops execution and
// returns the terminal error together with everything completed so far.
func (e *Engine) ExecuteTasks(ctx context.Context, collabID, parentID string, tasks []Task, errCfg *ErrorHandlingConfig) ([]CompletedTask, error) {
	handler := NewErrorHandler(e.effectiveConfig(errCfg))
	completed := make([]CompletedTask, 0, len(tasks))

	for _, task := range tasks {
		task = withID(task)
		attempts := 0
		for {
			attempts++
			result := e.executeTask(ctx, collabID, parentID, task)
			result.Attempts = attempts

			if result.Err == nil {
				completed = append(completed, result)
				break
			}

			decision, terminalErr := handler.Handle(task.ID, result.Err)
			e.log.Warn("Task %s attempt %d failed (%s): %v", task.ID, attempts, decision, result.Err)

			if decision == DecisionRetry {
				continue
			}
			completed = append(completed, result)
			if decision == DecisionAbort {
				return completed, terminalErr
			}
			break
		}
	}
	return completed, nil
}

// ExecuteTasksAsync runs the batch concurrently. Every task's outcome is
// independent: a failure becomes a failed CompletedTask, never a batch
// error. Results keep the input order. The retry strategy still applies
// inside each task; fail-fast and threshold have no batch-level effect
// here, since concurrent siblings cannot be unstarted.
func (e *Engine) ExecuteTasksAsync(ctx context.Context, collabID, parentID string, tasks []Task, errCfg *ErrorHandlingConfig) []CompletedTask {
	handler := NewErrorHandler(e.effectiveConfig(errCfg))
	completed := make([]CompletedTask, len(tasks))

	var wg sync.WaitGroup
	for idx, task := range tasks {
		wg.Add(1)
		go func(idx int, task Task) {
			defer wg.Done()
			task = withID(task)

			attempts := 0
			for {
				attempts++
				result := e.executeTask(ctx, collabID, parentID, task)
				result.Attempts = attempts
				completed[idx] = result
				if result.Err == nil {
					return
				}

				decision, _ := handler.Handle(task.ID, result.Err)
				e.log.Warn("Task %s attempt %d failed (%s): %v", task.ID, attempts, decision, result.Err)
				if decision != DecisionRetry {
					return
				}
			}
		}(idx, task)
	}
	wg.Wait()

	return completed
}

// executeTask runs one task in a fresh child interaction. A task without
// instructions fails immediately; no model call is made for it.
func (e *Engine) executeTask(ctx context.Context, collabID, parentID string, task Task) CompletedTask {
	result := CompletedTask{Task: task}

	if strings.TrimSpace(task.Instructions) == "" {
		result.Err = core.Errorf(core.CodeEmptyPrompt, "task %s has no instructions", task.ID)
		return result
	}

	resp, err := e.turns.HandleStatement(ctx, collabID, "", task.Instructions, &orchestrator.StatementOptions{
		MaxTurns:       e.cfg.Turns.MaxTurnsPerTask,
		Tools:          restrictTools(task.Tools),
		ParentID:       parentID,
		SystemTemplate: prompts.TemplateSystemAgent,
		TemplateVars: map[string]interface{}{
			"TaskTitle":    task.Title,
			"Requirements": task.Requirements,
		},
	})
	result.Response = resp
	result.Err = err
	if resp != nil {
		result.InteractionID = resp.InteractionID
	}
	return result
}

func (e *Engine) effectiveConfig(errCfg *ErrorHandlingConfig) ErrorHandlingConfig {
	cfg := ErrorHandlingConfig{Strategy: StrategyFailFast}
	if errCfg != nil {
		cfg = *errCfg
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyFailFast
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = e.cfg.Delegation.MaxRetries
	}
	if cfg.ContinueThreshold <= 0 {
		cfg.ContinueThreshold = e.cfg.Delegation.ContinueOnErrorThreshold
	}
	return cfg
}

func withID(task Task) Task {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	return task
}

// restrictTools strips delegation tools from a child's tool set.
func restrictTools(tools []llm.ToolDefinition) []llm.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	restricted := make([]llm.ToolDefinition, 0, len(tools))
	for _, def := range tools {
		if def.Name == ToolNameDelegate || def.Name == ToolNameDelegateAsync {
			continue
		}
		restricted = append(restricted, def)
	}
	return restricted
}
