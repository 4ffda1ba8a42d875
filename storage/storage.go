package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-flow/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("resource not found")

// DefinitionStore persists flow definitions together with their nodes.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def types.FlowDefinition) error
	GetDefinition(ctx context.Context, id uint64) (types.FlowDefinition, error)
	GetDefinitionByCode(ctx context.Context, code string) (types.FlowDefinition, error)
	DeleteDefinition(ctx context.Context, id uint64) error
}

// InstanceStore persists flow instances. Node instances are part of the aggregate.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst types.FlowInstance) error
	GetInstance(ctx context.Context, id uint64) (types.FlowInstance, error)
	ListChildInstances(ctx context.Context, parentID uint64) ([]types.FlowInstance, error)
}

// TaskStore persists todo and done tasks.
type TaskStore interface {
	SaveTodoTask(ctx context.Context, task types.TodoTask) error
	GetTodoTask(ctx context.Context, nodeInstanceID, assigneeID uint64) (types.TodoTask, error)
	ListTodoTasksByAssignee(ctx context.Context, assigneeID uint64) ([]types.TodoTask, error)
	ListTodoTasksByFlowInstance(ctx context.Context, flowInstanceID uint64) ([]types.TodoTask, error)
	AppendDoneTask(ctx context.Context, task types.DoneTask) error
	ListDoneTasksByHandler(ctx context.Context, handlerID uint64) ([]types.DoneTask, error)
}

// HistoryStore persists the three history views. Callers decide insert
// versus update through the Find methods.
type HistoryStore interface {
	FindFlowHistory(ctx context.Context, flowInstanceID uint64) (types.FlowInstanceHistory, error)
	InsertFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error
	UpdateFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error

	FindTaskHistory(ctx context.Context, nodeInstanceID uint64) (types.TaskHistory, error)
	InsertTaskHistory(ctx context.Context, h types.TaskHistory) error
	UpdateTaskHistory(ctx context.Context, h types.TaskHistory) error

	AppendActivity(ctx context.Context, a types.ActivityHistory) error
	ListActivities(ctx context.Context, flowInstanceID uint64) ([]types.ActivityHistory, error)
	ListTaskHistories(ctx context.Context, flowInstanceID uint64) ([]types.TaskHistory, error)
}

// ActionStore persists the free-flow action and rule table.
type ActionStore interface {
	SaveAction(ctx context.Context, action types.FlowAction) error
	GetAction(ctx context.Context, id uint64) (types.FlowAction, error)
	ListEnabledActions(ctx context.Context) ([]types.FlowAction, error)
	SaveActionRule(ctx context.Context, rule types.FlowActionRule) error
	ListActionRules(ctx context.Context, actionID uint64) ([]types.FlowActionRule, error)
}

// Storage is the full persistence collaborator of the engine.
type Storage interface {
	DefinitionStore
	InstanceStore
	TaskStore
	HistoryStore
	ActionStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
