package delegation

import (
	"sync"

	"github.com/codefionn/dirigent/internal/core"
)

// Failure strategies for a batch of delegated tasks.
const (
	StrategyFailFast        = "fail_fast"
	StrategyContinueOnError = "continue_on_error"
	StrategyRetry           = "retry"
)

// Decision is the outcome of consulting the error handler about a failed
// task. It is an explicit value, not an error: the handler decides, the
// engine acts.
type Decision int

const (
	// DecisionContinue records the failure and moves to the next task.
	DecisionContinue Decision = iota
	// DecisionRetry re-executes the same task.
	DecisionRetry
	// DecisionAbort stops the batch.
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionRetry:
		return "retry"
	case DecisionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ErrorHandlingConfig selects the strategy and its parameters.
type ErrorHandlingConfig struct {
	Strategy string `json:"strategy"`
	// MaxRetries bounds re-executions per task under the retry strategy.
	MaxRetries int `json:"max_retries"`
	// ContinueThreshold is how many failures the continue-on-error strategy
	// tolerates before aborting the batch.
	ContinueThreshold int `json:"continue_threshold"`
}

// ErrorHandler applies one failure strategy across a batch of tasks. It is
// safe for concurrent use so asynchronous batches can share one handler.
type ErrorHandler struct {
	cfg ErrorHandlingConfig

	mu       sync.Mutex
	failures int
	retries  map[string]int
}

// NewErrorHandler creates a handler for one batch.
func NewErrorHandler(cfg ErrorHandlingConfig) *ErrorHandler {
	return &ErrorHandler{
		cfg:     cfg,
		retries: make(map[string]int),
	}
}

// Handle decides what the engine should do about a failed task. For abort
// decisions the returned error is the terminal batch error: the original
// task error under fail-fast, a classified threshold or retry-budget error
// otherwise.
func (h *ErrorHandler) Handle(taskID string, taskErr error) (Decision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.cfg.Strategy {
	case StrategyContinueOnError:
		h.failures++
		if h.failures > h.cfg.ContinueThreshold {
			return DecisionAbort, &core.Error{
				Code:    core.CodeThresholdExceeded,
				Message: "delegated task failure threshold exceeded",
				Retries: h.failures,
				Err:     taskErr,
			}
		}
		return DecisionContinue, nil

	case StrategyRetry:
		h.retries[taskID]++
		if h.retries[taskID] > h.cfg.MaxRetries {
			return DecisionAbort, &core.Error{
				Code:    core.CodeMaxRetriesExceeded,
				Message: "delegated task exhausted its retry budget",
				Retries: h.retries[taskID] - 1,
				Err:     taskErr,
			}
		}
		return DecisionRetry, nil

	default: // fail fast
		return DecisionAbort, taskErr
	}
}

// Failures returns how many failures the handler has recorded.
func (h *ErrorHandler) Failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures
}
