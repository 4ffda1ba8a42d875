package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-flow/types"
)

type todoKey struct {
	nodeInstanceID uint64
	assigneeID     uint64
}

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions  map[uint64]types.FlowDefinition
	instances    map[uint64]types.FlowInstance
	todos        map[todoKey]types.TodoTask
	dones        []types.DoneTask
	flowHistory  map[uint64]types.FlowInstanceHistory
	taskHistory  map[uint64]types.TaskHistory
	activities   map[uint64][]types.ActivityHistory
	actions      map[uint64]types.FlowAction
	actionRules  map[uint64][]types.FlowActionRule
	mu           sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.FlowDefinition),
		instances:   make(map[uint64]types.FlowInstance),
		todos:       make(map[todoKey]types.TodoTask),
		flowHistory: make(map[uint64]types.FlowInstanceHistory),
		taskHistory: make(map[uint64]types.TaskHistory),
		activities:  make(map[uint64][]types.ActivityHistory),
		actions:     make(map[uint64]types.FlowAction),
		actionRules: make(map[uint64][]types.FlowActionRule),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", ErrNotFound, id)
		}
		return item, nil
	})
}

func (s *MemoryStorage) write(ctx context.Context, fn func()) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		fn()
		return nil
	})
}

// SaveDefinition stores a definition, replacing any previous version.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.FlowDefinition) error {
	return s.write(ctx, func() {
		nodes := make([]types.FlowNode, len(def.Nodes))
		copy(nodes, def.Nodes)
		def.Nodes = nodes
		s.definitions[def.ID] = def
	})
}

// GetDefinition retrieves a definition by id.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.FlowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id)
}

// GetDefinitionByCode retrieves a definition by its unique code.
func (s *MemoryStorage) GetDefinitionByCode(ctx context.Context, code string) (types.FlowDefinition, error) {
	return withContext(ctx, func() (types.FlowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, def := range s.definitions {
			if def.Code == code {
				return def, nil
			}
		}
		return types.FlowDefinition{}, fmt.Errorf("%w: code=%s", ErrNotFound, code)
	})
}

// DeleteDefinition removes a definition.
func (s *MemoryStorage) DeleteDefinition(ctx context.Context, id uint64) error {
	return s.write(ctx, func() { delete(s.definitions, id) })
}

// SaveInstance stores a deep copy of the instance.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.FlowInstance) error {
	return s.write(ctx, func() { s.instances[inst.ID] = *inst.Clone() })
}

// GetInstance retrieves a deep copy of the instance.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.FlowInstance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id)
	if err != nil {
		return inst, err
	}
	return *inst.Clone(), nil
}

// ListChildInstances returns the sub-flows spawned by parentID.
func (s *MemoryStorage) ListChildInstances(ctx context.Context, parentID uint64) ([]types.FlowInstance, error) {
	return withContext(ctx, func() ([]types.FlowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.FlowInstance
		for _, inst := range s.instances {
			if inst.ParentFlowInstanceID == parentID {
				out = append(out, *inst.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveTodoTask upserts a todo task keyed by (node instance, assignee).
func (s *MemoryStorage) SaveTodoTask(ctx context.Context, task types.TodoTask) error {
	return s.write(ctx, func() {
		s.todos[todoKey{task.NodeInstanceID, task.AssigneeID}] = task
	})
}

// GetTodoTask retrieves a todo task.
func (s *MemoryStorage) GetTodoTask(ctx context.Context, nodeInstanceID, assigneeID uint64) (types.TodoTask, error) {
	return getItem(ctx, &s.mu, s.todos, todoKey{nodeInstanceID, assigneeID})
}

func (s *MemoryStorage) listTodos(ctx context.Context, match func(types.TodoTask) bool) ([]types.TodoTask, error) {
	return withContext(ctx, func() ([]types.TodoTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.TodoTask
		for _, t := range s.todos {
			if match(t) {
				out = append(out, t)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ListTodoTasksByAssignee returns every todo task of an assignee.
func (s *MemoryStorage) ListTodoTasksByAssignee(ctx context.Context, assigneeID uint64) ([]types.TodoTask, error) {
	return s.listTodos(ctx, func(t types.TodoTask) bool { return t.AssigneeID == assigneeID })
}

// ListTodoTasksByFlowInstance returns every todo task of a flow instance.
func (s *MemoryStorage) ListTodoTasksByFlowInstance(ctx context.Context, flowInstanceID uint64) ([]types.TodoTask, error) {
	return s.listTodos(ctx, func(t types.TodoTask) bool { return t.FlowInstanceID == flowInstanceID })
}

// AppendDoneTask appends an immutable done task.
func (s *MemoryStorage) AppendDoneTask(ctx context.Context, task types.DoneTask) error {
	return s.write(ctx, func() { s.dones = append(s.dones, task) })
}

// ListDoneTasksByHandler returns the done tasks of a handler in insertion order.
func (s *MemoryStorage) ListDoneTasksByHandler(ctx context.Context, handlerID uint64) ([]types.DoneTask, error) {
	return withContext(ctx, func() ([]types.DoneTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.DoneTask
		for _, t := range s.dones {
			if t.HandlerID == handlerID {
				out = append(out, t)
			}
		}
		return out, nil
	})
}

// FindFlowHistory returns the summary of a flow instance.
func (s *MemoryStorage) FindFlowHistory(ctx context.Context, flowInstanceID uint64) (types.FlowInstanceHistory, error) {
	return getItem(ctx, &s.mu, s.flowHistory, flowInstanceID)
}

// InsertFlowHistory inserts a summary.
func (s *MemoryStorage) InsertFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error {
	return s.write(ctx, func() { s.flowHistory[h.FlowInstanceID] = h })
}

// UpdateFlowHistory replaces a summary.
func (s *MemoryStorage) UpdateFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error {
	return s.InsertFlowHistory(ctx, h)
}

// FindTaskHistory returns the record of a node instance.
func (s *MemoryStorage) FindTaskHistory(ctx context.Context, nodeInstanceID uint64) (types.TaskHistory, error) {
	return getItem(ctx, &s.mu, s.taskHistory, nodeInstanceID)
}

// InsertTaskHistory inserts a task record.
func (s *MemoryStorage) InsertTaskHistory(ctx context.Context, h types.TaskHistory) error {
	return s.write(ctx, func() { s.taskHistory[h.NodeInstanceID] = h })
}

// UpdateTaskHistory replaces a task record.
func (s *MemoryStorage) UpdateTaskHistory(ctx context.Context, h types.TaskHistory) error {
	return s.InsertTaskHistory(ctx, h)
}

// ListTaskHistories returns the task records of a flow instance ordered by node instance id.
func (s *MemoryStorage) ListTaskHistories(ctx context.Context, flowInstanceID uint64) ([]types.TaskHistory, error) {
	return withContext(ctx, func() ([]types.TaskHistory, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.TaskHistory
		for _, h := range s.taskHistory {
			if h.FlowInstanceID == flowInstanceID {
				out = append(out, h)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].NodeInstanceID < out[j].NodeInstanceID })
		return out, nil
	})
}

// AppendActivity appends to the activity log of a flow instance.
func (s *MemoryStorage) AppendActivity(ctx context.Context, a types.ActivityHistory) error {
	return s.write(ctx, func() {
		s.activities[a.FlowInstanceID] = append(s.activities[a.FlowInstanceID], a)
	})
}

// ListActivities returns the activity log of a flow instance.
func (s *MemoryStorage) ListActivities(ctx context.Context, flowInstanceID uint64) ([]types.ActivityHistory, error) {
	return withContext(ctx, func() ([]types.ActivityHistory, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ActivityHistory, len(s.activities[flowInstanceID]))
		copy(out, s.activities[flowInstanceID])
		return out, nil
	})
}

// SaveAction stores a free-flow action.
func (s *MemoryStorage) SaveAction(ctx context.Context, action types.FlowAction) error {
	return s.write(ctx, func() { s.actions[action.ID] = action })
}

// GetAction retrieves a free-flow action.
func (s *MemoryStorage) GetAction(ctx context.Context, id uint64) (types.FlowAction, error) {
	return getItem(ctx, &s.mu, s.actions, id)
}

// ListEnabledActions returns the enabled actions ordered by id.
func (s *MemoryStorage) ListEnabledActions(ctx context.Context) ([]types.FlowAction, error) {
	return withContext(ctx, func() ([]types.FlowAction, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.FlowAction
		for _, a := range s.actions {
			if a.Enabled {
				out = append(out, a)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveActionRule upserts a rule by id.
func (s *MemoryStorage) SaveActionRule(ctx context.Context, rule types.FlowActionRule) error {
	return s.write(ctx, func() {
		rules := s.actionRules[rule.ActionID]
		for i := range rules {
			if rules[i].ID == rule.ID {
				rules[i] = rule
				return
			}
		}
		s.actionRules[rule.ActionID] = append(rules, rule)
	})
}

// ListActionRules returns the rules of an action.
func (s *MemoryStorage) ListActionRules(ctx context.Context, actionID uint64) ([]types.FlowActionRule, error) {
	return withContext(ctx, func() ([]types.FlowActionRule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.FlowActionRule, len(s.actionRules[actionID]))
		copy(out, s.actionRules[actionID])
		return out, nil
	})
}

// ClearFinished removes instances that reached a final status.
func (s *MemoryStorage) ClearFinished(ctx context.Context) error {
	return s.write(ctx, func() {
		for id, inst := range s.instances {
			if inst.Status.IsFinal() {
				delete(s.instances, id)
			}
		}
	})
}
