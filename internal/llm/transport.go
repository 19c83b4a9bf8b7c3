package llm

import "context"

// Transport is the model-provider interface consumed by the orchestration
// core. Implementations live at the edge of the system (see the anthropic
// subpackage); the core never depends on a concrete provider.
type Transport interface {
	// Converse submits a new user statement together with the running
	// conversation history and returns the model's turn.
	Converse(ctx context.Context, req *ConverseRequest) (*ConverseResponse, error)

	// RelayToolResults feeds tool results back to the model as the next
	// turn's input. The request carries ToolResults instead of a Statement.
	RelayToolResults(ctx context.Context, req *ConverseRequest) (*ConverseResponse, error)

	// Complete is a short auxiliary call for titles, objectives, and
	// summaries. It bypasses conversation history.
	Complete(ctx context.Context, prompt string) (string, error)

	// ModelName returns the identifier of the model this transport talks to.
	ModelName() string
}
