package workflow

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-flow/cache"
	"github.com/songzhibin97/approval-flow/history"
	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/types"
)

// GetInstance returns a flow instance, served from the cache when one is configured.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (types.FlowInstance, error) {
	const op = "get instance"
	load := func(ctx context.Context) (types.FlowInstance, error) {
		return e.store.GetInstance(ctx, id)
	}
	var (
		inst types.FlowInstance
		err  error
	)
	if e.aside != nil {
		inst, err = cache.GetWithLock(ctx, e.aside, cache.InstanceKey(id), load)
	} else {
		inst, err = load(ctx)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return inst, errorf(KindNotFound, op, "flow instance %d: %w", id, err)
	}
	if err != nil {
		return inst, wrap(KindCollaborator, op, err)
	}
	return inst, nil
}

// ChildInstances returns the sub-flows started from a flow instance.
func (e *Engine) ChildInstances(ctx context.Context, parentID uint64) ([]types.FlowInstance, error) {
	children, err := e.store.ListChildInstances(ctx, parentID)
	if err != nil {
		return nil, wrap(KindCollaborator, "child instances", err)
	}
	return children, nil
}

// TodoTasks returns the pending todo tasks of an assignee.
func (e *Engine) TodoTasks(ctx context.Context, assigneeID uint64) ([]types.TodoTask, error) {
	todos, err := e.tasks.PendingTodos(ctx, assigneeID)
	if err != nil {
		return nil, wrap(KindCollaborator, "todo tasks", err)
	}
	return todos, nil
}

// DoneTasks returns the actions an assignee took.
func (e *Engine) DoneTasks(ctx context.Context, assigneeID uint64) ([]types.DoneTask, error) {
	done, err := e.tasks.DoneTasks(ctx, assigneeID)
	if err != nil {
		return nil, wrap(KindCollaborator, "done tasks", err)
	}
	return done, nil
}

// History returns the recorded timeline of a flow instance.
func (e *Engine) History(ctx context.Context, flowInstanceID uint64) (history.Timeline, error) {
	const op = "history"
	tl, err := e.history.Timeline(ctx, flowInstanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return tl, errorf(KindNotFound, op, "flow instance %d: %w", flowInstanceID, err)
	}
	if err != nil {
		return tl, wrap(KindCollaborator, op, err)
	}
	return tl, nil
}
