package workflow

import (
	"context"
	"fmt"
	"time"
)

// Action is the automated work of an auto node. A map result is merged into
// the process variables; any other non-nil result is stored under the node's
// action name.
type Action interface {
	Execute(ctx context.Context, vars map[string]interface{}) (interface{}, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, vars map[string]interface{}) (interface{}, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, vars map[string]interface{}) (interface{}, error) {
	return f(ctx, vars)
}

// RegisterAction registers an action for auto nodes.
func (e *Engine) RegisterAction(name string, action Action) error {
	if name == "" || action == nil {
		return errorf(KindValidation, "register action", "name and action are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[name] = action
	return nil
}

func (e *Engine) action(name string) (Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[name]
	return a, ok
}

// executeWithRetry runs action up to 1+retries times.
func (e *Engine) executeWithRetry(ctx context.Context, action Action, vars map[string]interface{}) (interface{}, error) {
	var lastErr error
	for i := 0; i <= e.opts.ActionRetries; i++ {
		result, err := action.Execute(ctx, vars)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i == e.opts.ActionRetries {
			break
		}
		timer := time.NewTimer(e.opts.ActionRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("action failed after %d retries: %w", e.opts.ActionRetries, lastErr)
}
