package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/types"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
)

var (
	// ErrNotPending is returned when cancelling a todo task that already left pending.
	ErrNotPending = errors.New("todo task is not pending")
	// ErrCancelled is returned when handling a cancelled todo task.
	ErrCancelled = errors.New("todo task is cancelled")
)

// Manager derives todo and done tasks from node instances.
type Manager struct {
	store    storage.TaskStore
	generate generator.Generator
	logger   *zap.Logger
}

// NewManager creates a task manager.
func NewManager(store storage.TaskStore, generate generator.Generator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, generate: generate, logger: logger}
}

// CreateTodo creates the pending todo task of a node instance. An existing
// task for the same (node instance, assignee) is returned unchanged.
func (m *Manager) CreateTodo(ctx context.Context, ni types.FlowNodeInstance) (types.TodoTask, error) {
	assignee := ni.ApproverID()
	if assignee == 0 {
		return types.TodoTask{}, fmt.Errorf("node instance %d has no approver", ni.ID)
	}
	existing, err := m.store.GetTodoTask(ctx, ni.ID, assignee)
	if err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return types.TodoTask{}, err
	}

	id, err := m.generate.NextID()
	if err != nil {
		return types.TodoTask{}, fmt.Errorf("generate todo id: %w", err)
	}
	created := ni.CreatedAt
	if created == 0 {
		created = time.Now().UnixMilli()
	}
	task := types.TodoTask{
		ID:             id,
		FlowInstanceID: ni.FlowInstanceID,
		NodeInstanceID: ni.ID,
		NodeID:         ni.NodeID,
		AssigneeID:     assignee,
		Status:         types.TodoPending,
		CreatedAt:      created,
	}
	if err := m.store.SaveTodoTask(ctx, task); err != nil {
		return types.TodoTask{}, err
	}
	m.logger.Debug("todo created", zap.Uint64("node_instance_id", ni.ID), zap.Uint64("approver_id", assignee))
	return task, nil
}

// MarkAsHandled moves a pending todo task to handled. Handling it again is a no-op.
func (m *Manager) MarkAsHandled(ctx context.Context, nodeInstanceID, assigneeID uint64, at int64) error {
	t, err := m.store.GetTodoTask(ctx, nodeInstanceID, assigneeID)
	if err != nil {
		return err
	}
	switch t.Status {
	case types.TodoHandled:
		return nil
	case types.TodoCancelled:
		return fmt.Errorf("%w: node instance %d", ErrCancelled, nodeInstanceID)
	}
	t.Status = types.TodoHandled
	t.HandledAt = at
	return m.store.SaveTodoTask(ctx, t)
}

// CancelTodo cancels a pending todo task.
func (m *Manager) CancelTodo(ctx context.Context, nodeInstanceID, assigneeID uint64, at int64) error {
	t, err := m.store.GetTodoTask(ctx, nodeInstanceID, assigneeID)
	if err != nil {
		return err
	}
	if t.Status != types.TodoPending {
		return fmt.Errorf("%w: node instance %d is %s", ErrNotPending, nodeInstanceID, t.Status)
	}
	t.Status = types.TodoCancelled
	t.HandledAt = at
	return m.store.SaveTodoTask(ctx, t)
}

// CreateDoneTask appends the immutable record of an action on a node instance.
func (m *Manager) CreateDoneTask(ctx context.Context, ni types.FlowNodeInstance, handlerID uint64, action types.TaskAction, comments string, at int64) (types.DoneTask, error) {
	id, err := m.generate.NextID()
	if err != nil {
		return types.DoneTask{}, fmt.Errorf("generate done id: %w", err)
	}
	done := types.DoneTask{
		ID:             id,
		FlowInstanceID: ni.FlowInstanceID,
		NodeInstanceID: ni.ID,
		NodeID:         ni.NodeID,
		HandlerID:      handlerID,
		Action:         action,
		Comments:       comments,
		ReceivedAt:     ni.CreatedAt,
		HandledAt:      at,
	}
	if err := m.store.AppendDoneTask(ctx, done); err != nil {
		return types.DoneTask{}, err
	}
	return done, nil
}

// PendingTodos returns the pending todo tasks of an assignee.
func (m *Manager) PendingTodos(ctx context.Context, assigneeID uint64) ([]types.TodoTask, error) {
	all, err := m.store.ListTodoTasksByAssignee(ctx, assigneeID)
	if err != nil {
		return nil, err
	}
	var out []types.TodoTask
	for _, t := range all {
		if t.Status == types.TodoPending {
			out = append(out, t)
		}
	}
	return out, nil
}

// DoneTasks returns the done tasks of a handler.
func (m *Manager) DoneTasks(ctx context.Context, handlerID uint64) ([]types.DoneTask, error) {
	return m.store.ListDoneTasksByHandler(ctx, handlerID)
}

// FlowTodos returns every todo task of a flow instance.
func (m *Manager) FlowTodos(ctx context.Context, flowInstanceID uint64) ([]types.TodoTask, error) {
	return m.store.ListTodoTasksByFlowInstance(ctx, flowInstanceID)
}
