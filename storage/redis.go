package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/approval-flow/types"
)

const (
	definitionPrefix     = "flowdef:"
	definitionCodePrefix = "flowdef-code:"
	instancePrefix       = "instance:"
	childrenPrefix       = "children:"
	todoPrefix           = "todo:"
	todoAssigneePrefix   = "todo-assignee:"
	todoFlowPrefix       = "todo-flow:"
	donePrefix           = "done:"
	flowHistoryPrefix    = "history-flow:"
	taskHistoryPrefix    = "history-task:"
	taskHistoryIndex     = "history-tasks:"
	activityPrefix       = "history-activity:"
	actionPrefix         = "action:"
	actionIndex          = "actions"
	actionRulePrefix     = "action-rules:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Records are stored as JSON; secondary lookups use sets and lists.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisClient dials and pings a Redis server. The client is shared by
// storage, lock and cache.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return &RedisStorage{client: client}, nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (s *RedisStorage) setJSON(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value stored under key.
func getJSON[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// getMany loads every key and skips the ones that disappeared in between.
func getMany[T any](ctx context.Context, client *redis.Client, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget %d keys: %w", len(keys), err)
	}
	out := make([]T, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

func decodeList[T any](raws []string, key string) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry of %s: %w", key, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func idKey(prefix string, id uint64) string {
	return prefix + strconv.FormatUint(id, 10)
}

func todoKeyOf(nodeInstanceID, assigneeID uint64) string {
	return fmt.Sprintf("%s%d:%d", todoPrefix, nodeInstanceID, assigneeID)
}

// SaveDefinition saves a definition and its code index.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.FlowDefinition) error {
	if err := s.setJSON(ctx, idKey(definitionPrefix, def.ID), def); err != nil {
		return err
	}
	if err := s.client.Set(ctx, definitionCodePrefix+def.Code, def.ID, 0).Err(); err != nil {
		return fmt.Errorf("failed to index definition code %s: %w", def.Code, err)
	}
	return nil
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.FlowDefinition, error) {
	return getJSON[types.FlowDefinition](ctx, s.client, idKey(definitionPrefix, id))
}

// GetDefinitionByCode resolves the code index and loads the definition.
func (s *RedisStorage) GetDefinitionByCode(ctx context.Context, code string) (types.FlowDefinition, error) {
	id, err := s.client.Get(ctx, definitionCodePrefix+code).Uint64()
	if errors.Is(err, redis.Nil) {
		return types.FlowDefinition{}, fmt.Errorf("%w: code=%s", ErrNotFound, code)
	} else if err != nil {
		return types.FlowDefinition{}, fmt.Errorf("failed to resolve definition code %s: %w", code, err)
	}
	return s.GetDefinition(ctx, id)
}

// DeleteDefinition removes a definition and its code index.
func (s *RedisStorage) DeleteDefinition(ctx context.Context, id uint64) error {
	def, err := s.GetDefinition(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if err := s.client.Del(ctx, idKey(definitionPrefix, id), definitionCodePrefix+def.Code).Err(); err != nil {
		return fmt.Errorf("failed to delete definition %d: %w", id, err)
	}
	return nil
}

// SaveInstance saves a flow instance including its node instances.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.FlowInstance) error {
	if err := s.setJSON(ctx, idKey(instancePrefix, inst.ID), inst); err != nil {
		return err
	}
	if inst.ParentFlowInstanceID != 0 {
		if err := s.client.SAdd(ctx, idKey(childrenPrefix, inst.ParentFlowInstanceID), inst.ID).Err(); err != nil {
			return fmt.Errorf("failed to index child instance %d: %w", inst.ID, err)
		}
	}
	return nil
}

// GetInstance retrieves a flow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.FlowInstance, error) {
	return getJSON[types.FlowInstance](ctx, s.client, idKey(instancePrefix, id))
}

// ListChildInstances returns the sub-flows spawned by parentID.
func (s *RedisStorage) ListChildInstances(ctx context.Context, parentID uint64) ([]types.FlowInstance, error) {
	ids, err := s.client.SMembers(ctx, idKey(childrenPrefix, parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %d: %w", parentID, err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instancePrefix + id
	}
	out, err := getMany[types.FlowInstance](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveTodoTask upserts a todo task and its assignee and flow indexes.
func (s *RedisStorage) SaveTodoTask(ctx context.Context, task types.TodoTask) error {
	key := todoKeyOf(task.NodeInstanceID, task.AssigneeID)
	return withContextError(ctx, func() error {
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, key, data, 0)
		pipe.SAdd(ctx, idKey(todoAssigneePrefix, task.AssigneeID), key)
		pipe.SAdd(ctx, idKey(todoFlowPrefix, task.FlowInstanceID), key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
		return nil
	})
}

// GetTodoTask retrieves a todo task.
func (s *RedisStorage) GetTodoTask(ctx context.Context, nodeInstanceID, assigneeID uint64) (types.TodoTask, error) {
	return getJSON[types.TodoTask](ctx, s.client, todoKeyOf(nodeInstanceID, assigneeID))
}

func (s *RedisStorage) todosIn(ctx context.Context, index string) ([]types.TodoTask, error) {
	keys, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", index, err)
	}
	out, err := getMany[types.TodoTask](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListTodoTasksByAssignee returns every todo task of an assignee.
func (s *RedisStorage) ListTodoTasksByAssignee(ctx context.Context, assigneeID uint64) ([]types.TodoTask, error) {
	return s.todosIn(ctx, idKey(todoAssigneePrefix, assigneeID))
}

// ListTodoTasksByFlowInstance returns every todo task of a flow instance.
func (s *RedisStorage) ListTodoTasksByFlowInstance(ctx context.Context, flowInstanceID uint64) ([]types.TodoTask, error) {
	return s.todosIn(ctx, idKey(todoFlowPrefix, flowInstanceID))
}

func (s *RedisStorage) pushJSON(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal entry of %s: %w", key, err)
		}
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to append to %s: %w", key, err)
		}
		return nil
	})
}

func listJSON[T any](ctx context.Context, client *redis.Client, key string) ([]T, error) {
	raws, err := client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return decodeList[T](raws, key)
}

// AppendDoneTask appends to the handler's done list.
func (s *RedisStorage) AppendDoneTask(ctx context.Context, task types.DoneTask) error {
	return s.pushJSON(ctx, idKey(donePrefix, task.HandlerID), task)
}

// ListDoneTasksByHandler returns the done tasks of a handler in insertion order.
func (s *RedisStorage) ListDoneTasksByHandler(ctx context.Context, handlerID uint64) ([]types.DoneTask, error) {
	return listJSON[types.DoneTask](ctx, s.client, idKey(donePrefix, handlerID))
}

// FindFlowHistory returns the summary of a flow instance.
func (s *RedisStorage) FindFlowHistory(ctx context.Context, flowInstanceID uint64) (types.FlowInstanceHistory, error) {
	return getJSON[types.FlowInstanceHistory](ctx, s.client, idKey(flowHistoryPrefix, flowInstanceID))
}

// InsertFlowHistory writes a new summary.
func (s *RedisStorage) InsertFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error {
	return s.setJSON(ctx, idKey(flowHistoryPrefix, h.FlowInstanceID), h)
}

// UpdateFlowHistory overwrites a summary.
func (s *RedisStorage) UpdateFlowHistory(ctx context.Context, h types.FlowInstanceHistory) error {
	return s.setJSON(ctx, idKey(flowHistoryPrefix, h.FlowInstanceID), h)
}

// FindTaskHistory returns the record of a node instance.
func (s *RedisStorage) FindTaskHistory(ctx context.Context, nodeInstanceID uint64) (types.TaskHistory, error) {
	return getJSON[types.TaskHistory](ctx, s.client, idKey(taskHistoryPrefix, nodeInstanceID))
}

// InsertTaskHistory writes a new task record and indexes it under its flow instance.
func (s *RedisStorage) InsertTaskHistory(ctx context.Context, h types.TaskHistory) error {
	if err := s.setJSON(ctx, idKey(taskHistoryPrefix, h.NodeInstanceID), h); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, idKey(taskHistoryIndex, h.FlowInstanceID), h.NodeInstanceID).Err(); err != nil {
		return fmt.Errorf("failed to index task history %d: %w", h.NodeInstanceID, err)
	}
	return nil
}

// UpdateTaskHistory overwrites a task record.
func (s *RedisStorage) UpdateTaskHistory(ctx context.Context, h types.TaskHistory) error {
	return s.setJSON(ctx, idKey(taskHistoryPrefix, h.NodeInstanceID), h)
}

// ListTaskHistories returns the task records of a flow instance ordered by node instance id.
func (s *RedisStorage) ListTaskHistories(ctx context.Context, flowInstanceID uint64) ([]types.TaskHistory, error) {
	ids, err := s.client.SMembers(ctx, idKey(taskHistoryIndex, flowInstanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task histories of %d: %w", flowInstanceID, err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskHistoryPrefix + id
	}
	out, err := getMany[types.TaskHistory](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeInstanceID < out[j].NodeInstanceID })
	return out, nil
}

// AppendActivity appends to the activity log of a flow instance.
func (s *RedisStorage) AppendActivity(ctx context.Context, a types.ActivityHistory) error {
	return s.pushJSON(ctx, idKey(activityPrefix, a.FlowInstanceID), a)
}

// ListActivities returns the activity log of a flow instance.
func (s *RedisStorage) ListActivities(ctx context.Context, flowInstanceID uint64) ([]types.ActivityHistory, error) {
	return listJSON[types.ActivityHistory](ctx, s.client, idKey(activityPrefix, flowInstanceID))
}

// SaveAction stores a free-flow action.
func (s *RedisStorage) SaveAction(ctx context.Context, action types.FlowAction) error {
	if err := s.setJSON(ctx, idKey(actionPrefix, action.ID), action); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, actionIndex, action.ID).Err(); err != nil {
		return fmt.Errorf("failed to index action %d: %w", action.ID, err)
	}
	return nil
}

// GetAction retrieves a free-flow action.
func (s *RedisStorage) GetAction(ctx context.Context, id uint64) (types.FlowAction, error) {
	return getJSON[types.FlowAction](ctx, s.client, idKey(actionPrefix, id))
}

// ListEnabledActions returns the enabled actions ordered by id.
func (s *RedisStorage) ListEnabledActions(ctx context.Context) ([]types.FlowAction, error) {
	ids, err := s.client.SMembers(ctx, actionIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = actionPrefix + id
	}
	all, err := getMany[types.FlowAction](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Enabled {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveActionRule upserts a rule in the action's rule hash.
func (s *RedisStorage) SaveActionRule(ctx context.Context, rule types.FlowActionRule) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("failed to marshal rule %d: %w", rule.ID, err)
		}
		key := idKey(actionRulePrefix, rule.ActionID)
		if err := s.client.HSet(ctx, key, strconv.FormatUint(rule.ID, 10), data).Err(); err != nil {
			return fmt.Errorf("failed to save rule %d in %s: %w", rule.ID, key, err)
		}
		return nil
	})
}

// ListActionRules returns the rules of an action ordered by id.
func (s *RedisStorage) ListActionRules(ctx context.Context, actionID uint64) ([]types.FlowActionRule, error) {
	key := idKey(actionRulePrefix, actionID)
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	raws := make([]string, 0, len(m))
	for _, raw := range m {
		raws = append(raws, raw)
	}
	out, err := decodeList[types.FlowActionRule](raws, key)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClearFinished removes instances that reached a final status.
func (s *RedisStorage) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		var keys []string
		iter := s.client.Scan(ctx, 0, instancePrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan instance keys: %w", err)
		}
		if len(keys) == 0 {
			return nil
		}

		instances, err := getMany[types.FlowInstance](ctx, s.client, keys)
		if err != nil {
			return err
		}
		pipe := s.client.Pipeline()
		for _, inst := range instances {
			if inst.Status.IsFinal() {
				pipe.Del(ctx, idKey(instancePrefix, inst.ID))
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return nil
	})
}

// Client exposes the underlying connection for lock and cache wiring.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
