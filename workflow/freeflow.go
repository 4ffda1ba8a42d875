package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-flow/freeflow"
	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

// SendFreeFlow sends a pending node instance to approvers chosen by the
// operator instead of the static routing. A sub-flow action starts a child
// flow and holds the node instance until the child completes.
func (e *Engine) SendFreeFlow(ctx context.Context, cmd types.FreeFlowCommand) (types.Result, error) {
	return e.mutate(ctx, "free flow", cmd.FlowInstanceID, func(t *transition) error {
		if err := t.requireRunning(); err != nil {
			return err
		}
		ni, err := t.pendingFor(cmd.NodeInstanceID, cmd.OperatorID)
		if err != nil {
			return err
		}
		node, err := t.node(ni.NodeID)
		if err != nil {
			return err
		}
		if !node.FreeFlowAllowed() && t.inst.FlowMode != types.FlowModeFree {
			return errorf(KindState, t.op, "%w: node %d", ErrFreeFlowNotAllowed, node.ID)
		}

		op, status, err := e.freeFlowContext(ctx, t.op, t.inst, cmd.OperatorID)
		if err != nil {
			return err
		}
		action, err := e.freeflow.Permitted(ctx, cmd.ActionID, status, op)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return errorf(KindNotFound, t.op, "action %d: %w", cmd.ActionID, err)
		case errors.Is(err, freeflow.ErrActionDisabled), errors.Is(err, freeflow.ErrActionNotAvailable):
			return wrap(KindValidation, t.op, err)
		case err != nil:
			return wrap(KindCollaborator, t.op, err)
		}

		if action.Type == types.ActionTypeSubFlow {
			return t.startSubFlow(ni, action, cmd)
		}
		return t.sendAdHoc(node, ni, action, op, cmd)
	})
}

func (e *Engine) freeFlowContext(ctx context.Context, op string, inst *types.FlowInstance, operatorID uint64) (freeflow.Operator, int, error) {
	operator, err := e.freeflow.Operator(ctx, operatorID)
	if err != nil {
		return operator, 0, errorf(KindValidation, op, "operator %d: %w", operatorID, err)
	}
	status, err := e.documents.DocumentStatus(ctx, inst.DocumentID)
	if err != nil {
		return operator, 0, errorf(KindCollaborator, op, "document %d status: %w", inst.DocumentID, err)
	}
	return operator, status, nil
}

// sendAdHoc closes ni and opens ad hoc instances of the same node for the
// chosen approvers. The node routes on once they are all closed.
func (t *transition) sendAdHoc(node types.FlowNode, ni *types.FlowNodeInstance, action types.FlowAction, op freeflow.Operator, cmd types.FreeFlowCommand) error {
	available, err := t.e.freeflow.AvailableApprovers(t.ctx, action, op, cmd.DeptIDs, t.inst.ProcessVariables)
	if err != nil {
		return errorf(KindValidation, t.op, "resolve approvers of action %s: %w", action.Code, err)
	}
	approvers := freeflow.Select(available, cmd.ApproverIDs)
	if len(cmd.ApproverIDs) == 0 && action.Type == types.ActionTypeReturn {
		approvers = available
	}
	if len(approvers) == 0 {
		return errorf(KindValidation, t.op, "%w for action %s", ErrNoApprovers, action.Code)
	}

	t.close(ni, types.NodeCompleted, types.ActionFreeFlow, cmd.OperatorID, cmd.Comments)
	adhoc := func(n *types.FlowNodeInstance) {
		n.FreeFlow = true
		n.ActionID = action.ID
	}
	for i := range approvers {
		a := approvers[i]
		if _, err := t.addNodeInstance(node, &a, types.NodePending, adhoc); err != nil {
			return err
		}
	}
	t.inst.CurrentNodeID = node.ID
	return nil
}

// startSubFlow starts the child flow of a sub-flow action and parks ni in
// processing until the child completes.
func (t *transition) startSubFlow(ni *types.FlowNodeInstance, action types.FlowAction, cmd types.FreeFlowCommand) error {
	if action.SubFlowDefID == 0 {
		return errorf(KindValidation, t.op, "action %s has no sub-flow definition", action.Code)
	}
	vars := make(map[string]interface{}, len(t.inst.ProcessVariables))
	for k, v := range t.inst.ProcessVariables {
		vars[k] = v
	}
	child, err := t.e.Start(t.ctx, types.StartCommand{
		DocumentID:           t.inst.DocumentID,
		FlowDefID:            action.SubFlowDefID,
		FlowType:             t.inst.FlowType,
		FlowMode:             types.FlowModeFixed,
		InitiatorID:          cmd.OperatorID,
		Variables:            vars,
		ParentFlowInstanceID: t.inst.ID,
	})
	if err != nil {
		return err
	}

	ni.Status = types.NodeProcessing
	ni.ChildFlowInstanceID = child.Instance.ID
	ni.ActionID = action.ID
	if cmd.Comments != "" {
		ni.Comments = cmd.Comments
	}
	snap := snapshot(ni)
	t.emit(types.Effect{Kind: types.EffectDoneTask, NodeInstance: snap, Action: types.ActionFreeFlow, OperatorID: cmd.OperatorID, Comments: cmd.Comments})
	t.emit(types.Effect{Kind: types.EffectTaskHistory, NodeInstance: snap})
	t.activity(types.ActivitySubFlowStarted, ni, cmd.OperatorID, fmt.Sprintf("sub-flow %d", child.Instance.ID))
	t.e.logger.Info("sub-flow started",
		zap.Uint64("flow_instance_id", t.inst.ID),
		zap.Uint64("child_flow_instance_id", child.Instance.ID),
		zap.Uint64("node_instance_id", ni.ID))

	if child.Instance.Status == types.FlowCompleted {
		return t.resumeFromChild(ni, child.Instance.ID)
	}
	return nil
}

// resumeFromChild completes a node instance that waited for a sub-flow and
// re-runs the advance check of its node.
func (t *transition) resumeFromChild(ni *types.FlowNodeInstance, childID uint64) error {
	nodeID := ni.NodeID
	ni.Status = types.NodeCompleted
	ni.HandledAt = t.now
	snap := snapshot(ni)
	if ni.Approver != nil {
		t.emit(types.Effect{Kind: types.EffectTodoHandled, NodeInstance: snap})
	}
	t.emit(types.Effect{Kind: types.EffectTaskHistory, NodeInstance: snap})
	t.activity(types.ActivityParentFlowResume, ni, 0, fmt.Sprintf("sub-flow %d completed", childID))
	return t.nodeDone(nodeID)
}

// CheckAndContinueParentFlow resumes the parent of a completed sub-flow. It
// is a no-op while the child is not completed or once the parent moved on.
func (e *Engine) CheckAndContinueParentFlow(ctx context.Context, childFlowInstanceID uint64) (types.Result, error) {
	const op = "continue parent"
	child, err := e.store.GetInstance(ctx, childFlowInstanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Result{}, errorf(KindNotFound, op, "flow instance %d: %w", childFlowInstanceID, err)
	} else if err != nil {
		return types.Result{}, wrap(KindCollaborator, op, err)
	}
	if child.ParentFlowInstanceID == 0 {
		return types.Result{}, errorf(KindValidation, op, "flow instance %d has no parent", child.ID)
	}
	if child.Status != types.FlowCompleted {
		return types.Result{}, nil
	}

	return e.mutate(ctx, op, child.ParentFlowInstanceID, func(t *transition) error {
		if err := t.requireRunning(); err != nil {
			return err
		}
		for i := range t.inst.NodeInstances {
			ni := &t.inst.NodeInstances[i]
			if ni.ChildFlowInstanceID == child.ID && ni.Status == types.NodeProcessing {
				return t.resumeFromChild(ni, child.ID)
			}
		}
		return nil
	})
}

// AvailableActions lists the free-flow actions operatorID may take on a flow
// instance, highest priority first.
func (e *Engine) AvailableActions(ctx context.Context, flowInstanceID, operatorID uint64) ([]types.FlowAction, error) {
	const op = "available actions"
	inst, err := e.GetInstance(ctx, flowInstanceID)
	if err != nil {
		return nil, err
	}
	operator, status, err := e.freeFlowContext(ctx, op, &inst, operatorID)
	if err != nil {
		return nil, err
	}
	actions, err := e.freeflow.AvailableActions(ctx, status, operator)
	if err != nil {
		return nil, wrap(KindCollaborator, op, err)
	}
	return actions, nil
}

// AvailableApprovers lists the users an action may be sent to.
func (e *Engine) AvailableApprovers(ctx context.Context, flowInstanceID, operatorID, actionID uint64, deptIDs []uint64) ([]types.Approver, error) {
	const op = "available approvers"
	inst, err := e.GetInstance(ctx, flowInstanceID)
	if err != nil {
		return nil, err
	}
	operator, status, err := e.freeFlowContext(ctx, op, &inst, operatorID)
	if err != nil {
		return nil, err
	}
	action, err := e.freeflow.Permitted(ctx, actionID, status, operator)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, errorf(KindNotFound, op, "action %d: %w", actionID, err)
	case errors.Is(err, freeflow.ErrActionDisabled), errors.Is(err, freeflow.ErrActionNotAvailable):
		return nil, wrap(KindValidation, op, err)
	case err != nil:
		return nil, wrap(KindCollaborator, op, err)
	}
	approvers, err := e.freeflow.AvailableApprovers(ctx, action, operator, deptIDs, inst.ProcessVariables)
	if err != nil {
		return nil, wrap(KindCollaborator, op, err)
	}
	return approvers, nil
}
