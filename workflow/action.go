package workflow

import (
	"context"

	"github.com/songzhibin97/careflow/types"
)

// DispatchResult is a collaborator's acknowledgement of a dispatch request.
type DispatchResult struct {
	// Outcome optionally names the labeled connection to follow, e.g.
	// "task-completed" or "payment-still-failed".
	Outcome string
}

// Dispatcher performs the side effect an action block asks for: sending a
// message, creating a task or delivering documents. It must be idempotent
// on req.RequestKey.
type Dispatcher interface {
	Dispatch(ctx context.Context, req types.DispatchRequest) (DispatchResult, error)
}

// DispatcherFunc is a function adapter for Dispatcher.
type DispatcherFunc func(ctx context.Context, req types.DispatchRequest) (DispatchResult, error)

// Dispatch implements the Dispatcher interface.
func (f DispatcherFunc) Dispatch(ctx context.Context, req types.DispatchRequest) (DispatchResult, error) {
	return f(ctx, req)
}

// Decider chooses among the paths of a condition block. Returning
// ErrUndecided or a VerdictEscalate decision lets the engine fall back to the
// block's default path.
type Decider interface {
	Decide(ctx context.Context, req types.DecisionRequest) (types.Decision, error)
}

// DeciderFunc is a function adapter for Decider.
type DeciderFunc func(ctx context.Context, req types.DecisionRequest) (types.Decision, error)

// Decide implements the Decider interface.
func (f DeciderFunc) Decide(ctx context.Context, req types.DecisionRequest) (types.Decision, error) {
	return f(ctx, req)
}

// Renderer substitutes {{path}} tokens in a template string.
type Renderer interface {
	Substitute(text string, vars map[string]interface{}) string
}

// ContextProvider supplies host variables (patient record, practice details)
// used when rendering an instance's action blocks. They are merged over the
// instance context.
type ContextProvider interface {
	Variables(ctx context.Context, inst types.Instance) (map[string]interface{}, error)
}

// ContextProviderFunc is a function adapter for ContextProvider.
type ContextProviderFunc func(ctx context.Context, inst types.Instance) (map[string]interface{}, error)

// Variables implements the ContextProvider interface.
func (f ContextProviderFunc) Variables(ctx context.Context, inst types.Instance) (map[string]interface{}, error) {
	return f(ctx, inst)
}
