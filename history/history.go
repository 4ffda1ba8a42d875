package history

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/types"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
)

// Views recorded by the Recorder; used as metric and log labels.
const (
	ViewFlow     = "flow"
	ViewTask     = "task"
	ViewActivity = "activity"
)

// Recorder upserts the audit views of flow instances. Every write is best
// effort: failures are logged and reported to the failure hook, never returned.
type Recorder struct {
	store     storage.HistoryStore
	generate  generator.Generator
	logger    *zap.Logger
	onFailure func(view string)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithFailureHook is called with the view name whenever a write fails.
func WithFailureHook(fn func(view string)) Option {
	return func(r *Recorder) {
		r.onFailure = fn
	}
}

// NewRecorder creates a recorder.
func NewRecorder(store storage.HistoryStore, generate generator.Generator, logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{store: store, generate: generate, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// swallow runs fn and turns errors and panics into log entries.
func (r *Recorder) swallow(view string, flowInstanceID uint64, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			r.fail(view, flowInstanceID, fmt.Errorf("panic: %v\n%s", p, debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		r.fail(view, flowInstanceID, err)
	}
}

func (r *Recorder) fail(view string, flowInstanceID uint64, err error) {
	r.logger.Warn("history record failed",
		zap.String("view", view), zap.Uint64("flow_instance_id", flowInstanceID), zap.Error(err))
	if r.onFailure != nil {
		r.onFailure(view)
	}
}

// RecordFlow upserts the summary of inst.
func (r *Recorder) RecordFlow(ctx context.Context, inst types.FlowInstance) {
	r.swallow(ViewFlow, inst.ID, func() error {
		h := types.FlowInstanceHistory{
			FlowInstanceID: inst.ID,
			DocumentID:     inst.DocumentID,
			FlowDefID:      inst.FlowDefID,
			InitiatorID:    inst.InitiatorID,
			Status:         inst.Status,
			CurrentNodeID:  inst.CurrentNodeID,
			StartTime:      inst.StartTime,
			EndTime:        inst.EndTime,
			UpdatedAt:      inst.UpdatedAt,
		}
		_, err := r.store.FindFlowHistory(ctx, inst.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return r.store.InsertFlowHistory(ctx, h)
		case err != nil:
			return err
		}
		return r.store.UpdateFlowHistory(ctx, h)
	})
}

// RecordTask upserts the record of a node instance.
func (r *Recorder) RecordTask(ctx context.Context, ni types.FlowNodeInstance) {
	r.swallow(ViewTask, ni.FlowInstanceID, func() error {
		h := types.TaskHistory{
			NodeInstanceID: ni.ID,
			FlowInstanceID: ni.FlowInstanceID,
			NodeID:         ni.NodeID,
			AssigneeID:     ni.ApproverID(),
			Status:         ni.Status,
			Comments:       ni.Comments,
			CreatedAt:      ni.CreatedAt,
			HandledAt:      ni.HandledAt,
		}
		_, err := r.store.FindTaskHistory(ctx, ni.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return r.store.InsertTaskHistory(ctx, h)
		case err != nil:
			return err
		}
		return r.store.UpdateTaskHistory(ctx, h)
	})
}

// RecordActivity appends an activity entry, assigning an id when missing.
func (r *Recorder) RecordActivity(ctx context.Context, a types.ActivityHistory) {
	r.swallow(ViewActivity, a.FlowInstanceID, func() error {
		if a.ID == 0 {
			id, err := r.generate.NextID()
			if err != nil {
				return fmt.Errorf("generate activity id: %w", err)
			}
			a.ID = id
		}
		return r.store.AppendActivity(ctx, a)
	})
}

// Timeline is the full audit trail of one flow instance.
type Timeline struct {
	Flow       types.FlowInstanceHistory `json:"flow"`
	Tasks      []types.TaskHistory       `json:"tasks"`
	Activities []types.ActivityHistory   `json:"activities"`
}

// Timeline reads the three views of a flow instance.
func (r *Recorder) Timeline(ctx context.Context, flowInstanceID uint64) (Timeline, error) {
	var t Timeline
	flow, err := r.store.FindFlowHistory(ctx, flowInstanceID)
	if err != nil {
		return t, err
	}
	t.Flow = flow
	if t.Tasks, err = r.store.ListTaskHistories(ctx, flowInstanceID); err != nil {
		return t, err
	}
	if t.Activities, err = r.store.ListActivities(ctx, flowInstanceID); err != nil {
		return t, err
	}
	return t, nil
}
