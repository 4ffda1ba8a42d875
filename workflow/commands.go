package workflow

import (
	"context"
	"time"

	"github.com/songzhibin97/approval-flow/assign"
	"github.com/songzhibin97/approval-flow/routing"
	"github.com/songzhibin97/approval-flow/tracing"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

// Start creates a flow instance for a document and opens its first node.
// Nothing is saved when the first node cannot be opened.
func (e *Engine) Start(ctx context.Context, cmd types.StartCommand) (res types.Result, err error) {
	const op = "start"
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "workflow.Start", map[string]uint64{
		"document_id": cmd.DocumentID,
		"flow_def_id": cmd.FlowDefID,
	})
	defer func() {
		span.End(err)
		e.metrics.ObserveCommand(op, start, err)
	}()

	select {
	case <-ctx.Done():
		return res, ctx.Err()
	default:
	}

	if cmd.DocumentID == 0 || cmd.InitiatorID == 0 {
		return res, errorf(KindValidation, op, "document id and initiator id are required")
	}
	def, err := e.definition(ctx, op, cmd.FlowDefID)
	if err != nil {
		return res, err
	}
	if len(def.Nodes) == 0 {
		return res, errorf(KindValidation, op, "%w: %d", ErrNoNodes, def.ID)
	}
	if !def.Enabled {
		return res, errorf(KindState, op, "%w: %d", ErrDefinitionDisabled, def.ID)
	}
	first, ok := routing.FirstNode(def)
	if !ok {
		return res, errorf(KindValidation, op, "flow definition %d has no entry node", def.ID)
	}

	id, err := e.nextID(op)
	if err != nil {
		return res, err
	}
	mode := cmd.FlowMode
	if mode == "" {
		mode = types.FlowModeFixed
	}
	vars := make(map[string]interface{}, len(cmd.Variables)+1)
	for k, v := range cmd.Variables {
		vars[k] = v
	}
	vars[assign.VarInitiatorID] = cmd.InitiatorID

	inst := &types.FlowInstance{
		ID:                   id,
		DocumentID:           cmd.DocumentID,
		FlowDefID:            def.ID,
		FlowType:             cmd.FlowType,
		FlowMode:             mode,
		Status:               types.FlowNotStarted,
		ParentFlowInstanceID: cmd.ParentFlowInstanceID,
		InitiatorID:          cmd.InitiatorID,
		Round:                1,
		ProcessVariables:     vars,
	}
	t := e.newTransition(ctx, op, def, inst)
	inst.CreatedAt = t.now
	inst.StartTime = t.now
	inst.Status = types.FlowRunning
	t.activity(types.ActivityFlowStarted, nil, cmd.InitiatorID, "")
	t.event(types.EventFlowStarted, map[string]interface{}{
		"document_id":             cmd.DocumentID,
		"flow_def_id":             def.ID,
		"initiator_id":            cmd.InitiatorID,
		"parent_flow_instance_id": cmd.ParentFlowInstanceID,
	})
	if err := t.enterNode(first, 0); err != nil {
		return res, err
	}

	res, err = e.commit(ctx, t)
	if err != nil {
		return res, err
	}
	e.logger.Info("flow started",
		zap.Uint64("flow_instance_id", inst.ID),
		zap.Uint64("flow_def_id", def.ID),
		zap.Uint64("node_id", inst.CurrentNodeID))
	return res, nil
}

// Approve completes a pending node instance and routes onward when the node's
// parallel mode allows it. Completing a sub-flow resumes its parent.
func (e *Engine) Approve(ctx context.Context, cmd types.ApproveCommand) (types.Result, error) {
	res, err := e.mutate(ctx, "approve", cmd.FlowInstanceID, func(t *transition) error {
		if err := t.requireRunning(); err != nil {
			return err
		}
		ni, err := t.pendingFor(cmd.NodeInstanceID, cmd.ApproverID)
		if err != nil {
			return err
		}
		nodeID := ni.NodeID
		t.close(ni, types.NodeCompleted, types.ActionApprove, cmd.ApproverID, cmd.Comments)
		return t.nodeDone(nodeID)
	})
	if err != nil {
		return res, err
	}
	e.continueParent(ctx, res.Instance)
	return res, nil
}

// continueParent resumes the parent of a sub-flow that just completed.
func (e *Engine) continueParent(ctx context.Context, child *types.FlowInstance) {
	if child == nil || child.ParentFlowInstanceID == 0 || child.Status != types.FlowCompleted {
		return
	}
	if _, err := e.CheckAndContinueParentFlow(ctx, child.ID); err != nil {
		e.logger.Warn("resume parent flow failed",
			zap.Uint64("flow_instance_id", child.ParentFlowInstanceID),
			zap.Uint64("child_flow_instance_id", child.ID),
			zap.Error(err))
	}
}

// withdrawChildren ends sub-flows whose parent stopped waiting for them.
func (e *Engine) withdrawChildren(ctx context.Context, children []uint64, cause string) {
	for _, id := range children {
		_, err := e.mutate(ctx, "withdraw sub-flow", id, func(t *transition) error {
			if s := t.inst.Status; s != types.FlowRunning && s != types.FlowSuspended {
				return nil
			}
			reason := "parent flow " + cause
			t.cancelActive(0, reason)
			t.finish(types.FlowWithdrawn, types.ActivityFlowWithdrawn, types.EventFlowWithdrawn, 0, reason)
			return nil
		})
		if err != nil {
			e.logger.Warn("withdraw sub-flow failed", zap.Uint64("child_flow_instance_id", id), zap.Error(err))
		}
	}
}

// Reject rejects a pending node instance. Without a rollback target the flow
// ends as rejected; with one the target node is reopened in a new round.
func (e *Engine) Reject(ctx context.Context, cmd types.RejectCommand) (types.Result, error) {
	return e.mutate(ctx, "reject", cmd.FlowInstanceID, func(t *transition) error {
		if err := t.requireRunning(); err != nil {
			return err
		}
		ni, err := t.pendingFor(cmd.NodeInstanceID, cmd.ApproverID)
		if err != nil {
			return err
		}
		if cmd.RollbackToNodeID != 0 {
			target, err := t.node(cmd.RollbackToNodeID)
			if err != nil {
				return err
			}
			t.close(ni, types.NodeRejected, types.ActionReject, cmd.ApproverID, cmd.Comments)
			return t.rollbackTo(target, cmd.ApproverID, cmd.Comments)
		}
		t.close(ni, types.NodeRejected, types.ActionReject, cmd.ApproverID, cmd.Comments)
		t.cancelActive(cmd.ApproverID, "flow rejected")
		t.finish(types.FlowRejected, types.ActivityFlowRejected, types.EventFlowRejected, cmd.ApproverID, cmd.Comments)
		return nil
	})
}

// Withdraw lets the initiator take back a flow no approver has acted on yet.
func (e *Engine) Withdraw(ctx context.Context, cmd types.WithdrawCommand) (types.Result, error) {
	return e.mutate(ctx, "withdraw", cmd.FlowInstanceID, func(t *transition) error {
		if s := t.inst.Status; s != types.FlowRunning && s != types.FlowSuspended {
			return errorf(KindState, t.op, "%w: flow instance %d is %s", ErrNotRunning, t.inst.ID, s)
		}
		if cmd.InitiatorID == 0 || cmd.InitiatorID != t.inst.InitiatorID {
			return errorf(KindValidation, t.op, "%w: user %d on flow instance %d", ErrNotInitiator, cmd.InitiatorID, t.inst.ID)
		}
		for _, ni := range t.inst.NodeInstances {
			if ni.Status == types.NodeCompleted && ni.Approver != nil {
				return errorf(KindState, t.op, "%w: node instance %d", ErrAlreadyApproved, ni.ID)
			}
		}
		t.cancelActive(cmd.InitiatorID, cmd.Reason)
		t.finish(types.FlowWithdrawn, types.ActivityFlowWithdrawn, types.EventFlowWithdrawn, cmd.InitiatorID, cmd.Reason)
		return nil
	})
}

// Rollback jumps from an active node instance back to a node that was
// already completed in this flow instance.
func (e *Engine) Rollback(ctx context.Context, cmd types.RollbackCommand) (types.Result, error) {
	return e.mutate(ctx, "rollback", cmd.FlowInstanceID, func(t *transition) error {
		if err := t.requireRunning(); err != nil {
			return err
		}
		ni := t.inst.NodeInstance(cmd.CurrentNodeInstanceID)
		if ni == nil {
			return errorf(KindNotFound, t.op, "node instance %d in flow instance %d", cmd.CurrentNodeInstanceID, t.inst.ID)
		}
		if !ni.Status.IsActive() {
			return errorf(KindState, t.op, "%w: node instance %d is %s", ErrNotPending, ni.ID, ni.Status)
		}
		if cmd.ApproverID == 0 || ni.ApproverID() != cmd.ApproverID {
			return errorf(KindValidation, t.op, "%w: user %d on node instance %d", ErrNotApprover, cmd.ApproverID, ni.ID)
		}
		target, err := t.node(cmd.TargetNodeID)
		if err != nil {
			return err
		}
		completed := false
		for _, other := range t.inst.NodeInstances {
			if other.NodeID == target.ID && other.Status == types.NodeCompleted {
				completed = true
				break
			}
		}
		if !completed {
			return errorf(KindState, t.op, "%w: node %d", ErrBadRollbackTarget, target.ID)
		}
		t.emit(types.Effect{Kind: types.EffectDoneTask, NodeInstance: snapshot(ni), Action: types.ActionRollback, OperatorID: cmd.ApproverID, Comments: cmd.Reason})
		return t.rollbackTo(target, cmd.ApproverID, cmd.Reason)
	})
}

// Suspend pauses a running flow. Node instances are left untouched.
func (e *Engine) Suspend(ctx context.Context, flowInstanceID, operatorID uint64, reason string) (types.Result, error) {
	return e.mutate(ctx, "suspend", flowInstanceID, func(t *transition) error {
		if err := t.requireRunning(); err != nil {
			return err
		}
		t.inst.Status = types.FlowSuspended
		t.activity(types.ActivityFlowSuspended, nil, operatorID, reason)
		return nil
	})
}

// Resume continues a suspended flow.
func (e *Engine) Resume(ctx context.Context, flowInstanceID, operatorID uint64, reason string) (types.Result, error) {
	return e.mutate(ctx, "resume", flowInstanceID, func(t *transition) error {
		if t.inst.Status != types.FlowSuspended {
			return errorf(KindState, t.op, "flow instance %d is %s, not suspended", t.inst.ID, t.inst.Status)
		}
		t.inst.Status = types.FlowRunning
		t.activity(types.ActivityFlowResumed, nil, operatorID, reason)
		return nil
	})
}

// Reevaluate re-runs the advance check of nodeID. It creates nothing when the
// node already advanced in the current round.
func (e *Engine) Reevaluate(ctx context.Context, flowInstanceID, nodeID uint64) (types.Result, error) {
	return e.mutate(ctx, "reevaluate", flowInstanceID, func(t *transition) error {
		if err := t.requireRunning(); err != nil {
			return err
		}
		return t.nodeDone(nodeID)
	})
}
