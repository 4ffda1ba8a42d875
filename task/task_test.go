package task

import (
	"context"
	"errors"
	"testing"

	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.id++
	return g.id, nil
}

type failingGenerator struct{}

func (failingGenerator) NextID() (uint64, error) { return 0, errors.New("clock moved backwards") }

func nodeInstance(id, approver uint64) types.FlowNodeInstance {
	return types.FlowNodeInstance{
		ID:             id,
		FlowInstanceID: 1,
		NodeID:         2,
		Approver:       &types.Approver{UserID: approver},
		Status:         types.NodePending,
		CreatedAt:      100,
	}
}

func TestCreateTodo(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryStorage(), &MockGenerator{}, nil)

	todo, err := m.CreateTodo(ctx, nodeInstance(10, 7))
	require.NoError(t, err)
	assert.Equal(t, types.TodoPending, todo.Status)
	assert.Equal(t, uint64(7), todo.AssigneeID)
	assert.Equal(t, int64(100), todo.CreatedAt)

	again, err := m.CreateTodo(ctx, nodeInstance(10, 7))
	require.NoError(t, err)
	assert.Equal(t, todo.ID, again.ID)

	_, err = m.CreateTodo(ctx, types.FlowNodeInstance{ID: 11})
	assert.Error(t, err)

	m = NewManager(storage.NewMemoryStorage(), failingGenerator{}, nil)
	_, err = m.CreateTodo(ctx, nodeInstance(12, 7))
	assert.Error(t, err)
}

func TestMarkAsHandled(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	m := NewManager(store, &MockGenerator{}, nil)

	_, err := m.CreateTodo(ctx, nodeInstance(10, 7))
	require.NoError(t, err)

	require.NoError(t, m.MarkAsHandled(ctx, 10, 7, 200))
	got, err := store.GetTodoTask(ctx, 10, 7)
	require.NoError(t, err)
	assert.Equal(t, types.TodoHandled, got.Status)
	assert.Equal(t, int64(200), got.HandledAt)

	require.NoError(t, m.MarkAsHandled(ctx, 10, 7, 300), "re-handling is a no-op")
	got, _ = store.GetTodoTask(ctx, 10, 7)
	assert.Equal(t, int64(200), got.HandledAt)

	err = m.MarkAsHandled(ctx, 99, 7, 1)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCancelTodo(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryStorage(), &MockGenerator{}, nil)

	_, err := m.CreateTodo(ctx, nodeInstance(10, 7))
	require.NoError(t, err)
	_, err = m.CreateTodo(ctx, nodeInstance(11, 8))
	require.NoError(t, err)

	require.NoError(t, m.CancelTodo(ctx, 10, 7, 200))
	err = m.CancelTodo(ctx, 10, 7, 300)
	assert.True(t, errors.Is(err, ErrNotPending))

	err = m.MarkAsHandled(ctx, 10, 7, 300)
	assert.True(t, errors.Is(err, ErrCancelled))

	require.NoError(t, m.MarkAsHandled(ctx, 11, 8, 200))
	err = m.CancelTodo(ctx, 11, 8, 300)
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestDoneTasksAndQueries(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryStorage(), &MockGenerator{}, nil)

	_, err := m.CreateTodo(ctx, nodeInstance(10, 7))
	require.NoError(t, err)
	_, err = m.CreateTodo(ctx, nodeInstance(11, 7))
	require.NoError(t, err)
	require.NoError(t, m.MarkAsHandled(ctx, 10, 7, 200))

	pending, err := m.PendingTodos(ctx, 7)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(11), pending[0].NodeInstanceID)

	all, err := m.FlowTodos(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	done, err := m.CreateDoneTask(ctx, nodeInstance(10, 7), 7, types.ActionApprove, "ok", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(100), done.ReceivedAt)

	dones, err := m.DoneTasks(ctx, 7)
	require.NoError(t, err)
	require.Len(t, dones, 1)
	assert.Equal(t, "ok", dones[0].Comments)
}
