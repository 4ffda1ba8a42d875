package events

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-flow/cache"
	"github.com/songzhibin97/approval-flow/history"
	"github.com/songzhibin97/approval-flow/task"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

// Dispatcher performs the effects of committed transitions. A failed effect
// is logged and reported to the failure hook; it never undoes the commit.
type Dispatcher struct {
	tasks     *task.Manager
	history   *history.Recorder
	cache     cache.Cache
	bus       *EventBus
	logger    *zap.Logger
	onFailure func(kind types.EffectKind)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCache evicts instance snapshots on EffectCacheEvict.
func WithCache(c cache.Cache) DispatcherOption {
	return func(d *Dispatcher) { d.cache = c }
}

// WithBus publishes EffectEvent on bus.
func WithBus(bus *EventBus) DispatcherOption {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithDispatchFailureHook is called with the effect kind whenever one fails.
func WithDispatchFailureHook(fn func(kind types.EffectKind)) DispatcherOption {
	return func(d *Dispatcher) { d.onFailure = fn }
}

// NewDispatcher creates a dispatcher over the task manager and history recorder.
func NewDispatcher(tasks *task.Manager, rec *history.Recorder, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{tasks: tasks, history: rec, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch performs effects in order.
func (d *Dispatcher) Dispatch(ctx context.Context, effects []types.Effect) {
	for _, e := range effects {
		if err := d.apply(ctx, e); err != nil {
			d.logger.Warn("effect failed",
				zap.String("kind", string(e.Kind)), zap.Uint64("flow_instance_id", e.FlowInstanceID), zap.Error(err))
			if d.onFailure != nil {
				d.onFailure(e.Kind)
			}
		}
	}
}

func (d *Dispatcher) apply(ctx context.Context, e types.Effect) error {
	switch e.Kind {
	case types.EffectTodoCreated:
		if e.NodeInstance == nil {
			return errMissingNodeInstance
		}
		_, err := d.tasks.CreateTodo(ctx, *e.NodeInstance)
		return err
	case types.EffectTodoHandled:
		if e.NodeInstance == nil {
			return errMissingNodeInstance
		}
		return d.tasks.MarkAsHandled(ctx, e.NodeInstance.ID, e.NodeInstance.ApproverID(), e.At)
	case types.EffectTodoCancelled:
		if e.NodeInstance == nil {
			return errMissingNodeInstance
		}
		err := d.tasks.CancelTodo(ctx, e.NodeInstance.ID, e.NodeInstance.ApproverID(), e.At)
		if errors.Is(err, task.ErrNotPending) {
			d.logger.Debug("todo already closed", zap.Uint64("node_instance_id", e.NodeInstance.ID))
			return nil
		}
		return err
	case types.EffectDoneTask:
		if e.NodeInstance == nil {
			return errMissingNodeInstance
		}
		_, err := d.tasks.CreateDoneTask(ctx, *e.NodeInstance, e.OperatorID, e.Action, e.Comments, e.At)
		return err
	case types.EffectFlowHistory:
		if e.Instance != nil {
			d.history.RecordFlow(ctx, *e.Instance)
		}
	case types.EffectTaskHistory:
		if e.NodeInstance != nil {
			d.history.RecordTask(ctx, *e.NodeInstance)
		}
	case types.EffectActivity:
		a := types.ActivityHistory{
			FlowInstanceID: e.FlowInstanceID,
			Activity:       e.Activity,
			OperatorID:     e.OperatorID,
			Comments:       e.Comments,
			CreatedAt:      e.At,
		}
		if e.NodeInstance != nil {
			a.NodeInstanceID = e.NodeInstance.ID
			a.NodeID = e.NodeInstance.NodeID
		}
		d.history.RecordActivity(ctx, a)
	case types.EffectCacheEvict:
		if d.cache != nil {
			return d.cache.Evict(ctx, cache.InstanceKey(e.FlowInstanceID))
		}
	case types.EffectEvent:
		if d.bus == nil {
			return nil
		}
		err := d.bus.Publish(ctx, Event{Type: e.Event, FlowInstanceID: e.FlowInstanceID, Data: e.Data, At: e.At})
		if errors.Is(err, ErrNoHandler) {
			return nil
		}
		return err
	default:
		d.logger.Warn("unknown effect", zap.String("kind", string(e.Kind)))
	}
	return nil
}

var errMissingNodeInstance = errors.New("effect has no node instance")
