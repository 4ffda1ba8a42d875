package workflow

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-flow/assign"
	"github.com/songzhibin97/approval-flow/routing"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

// transition applies one command to a copy of a flow instance and collects
// the effects to perform once the copy is saved.
type transition struct {
	e       *Engine
	ctx     context.Context
	op      string
	def     types.FlowDefinition
	inst    *types.FlowInstance
	now     int64
	effects []types.Effect
	// sub-flows whose waiting node instance was cancelled
	orphans []uint64
}

func (e *Engine) newTransition(ctx context.Context, op string, def types.FlowDefinition, inst *types.FlowInstance) *transition {
	if inst.ProcessVariables == nil {
		inst.ProcessVariables = make(map[string]interface{})
	}
	return &transition{e: e, ctx: ctx, op: op, def: def, inst: inst, now: e.now().UnixMilli()}
}

func (t *transition) emit(eff types.Effect) {
	eff.FlowInstanceID = t.inst.ID
	eff.At = t.now
	t.effects = append(t.effects, eff)
}

func snapshot(ni *types.FlowNodeInstance) *types.FlowNodeInstance {
	cp := *ni
	if ni.Approver != nil {
		a := *ni.Approver
		cp.Approver = &a
	}
	return &cp
}

func (t *transition) activity(a types.ActivityType, ni *types.FlowNodeInstance, operator uint64, comments string) {
	eff := types.Effect{Kind: types.EffectActivity, Activity: a, OperatorID: operator, Comments: comments}
	if ni != nil {
		eff.NodeInstance = snapshot(ni)
	}
	t.emit(eff)
}

func (t *transition) event(name string, data map[string]interface{}) {
	t.emit(types.Effect{Kind: types.EffectEvent, Event: name, Data: data})
}

func (t *transition) node(id uint64) (types.FlowNode, error) {
	n, ok := t.def.Node(id)
	if !ok {
		return n, errorf(KindNotFound, t.op, "node %d in flow definition %d", id, t.def.ID)
	}
	return n, nil
}

// addNodeInstance appends a node instance in the current round and records
// its creation.
func (t *transition) addNodeInstance(node types.FlowNode, approver *types.Approver, status types.NodeStatus, opts ...func(*types.FlowNodeInstance)) (*types.FlowNodeInstance, error) {
	id, err := t.e.nextID(t.op)
	if err != nil {
		return nil, err
	}
	ni := types.FlowNodeInstance{
		ID:             id,
		FlowInstanceID: t.inst.ID,
		NodeID:         node.ID,
		Approver:       approver,
		Status:         status,
		Round:          t.inst.Round,
		CreatedAt:      t.now,
	}
	if status.IsClosed() {
		ni.HandledAt = t.now
	}
	for _, opt := range opts {
		opt(&ni)
	}
	t.inst.NodeInstances = append(t.inst.NodeInstances, ni)
	created := &t.inst.NodeInstances[len(t.inst.NodeInstances)-1]

	switch status {
	case types.NodePending:
		t.emit(types.Effect{Kind: types.EffectTodoCreated, NodeInstance: snapshot(created)})
		t.activity(types.ActivityNodeCreated, created, 0, "")
		t.event(types.EventNodeInstanceCreated, map[string]interface{}{
			"node_id":          node.ID,
			"node_instance_id": created.ID,
			"approver_id":      created.ApproverID(),
			"free_flow":        created.FreeFlow,
		})
	case types.NodeSkipped:
		t.activity(types.ActivityNodeSkipped, created, 0, "")
	}
	t.emit(types.Effect{Kind: types.EffectTaskHistory, NodeInstance: snapshot(created)})
	return created, nil
}

// close moves an active node instance to a closed status on behalf of operator.
func (t *transition) close(ni *types.FlowNodeInstance, status types.NodeStatus, action types.TaskAction, operator uint64, comments string) {
	ni.Status = status
	ni.HandledAt = t.now
	if comments != "" {
		ni.Comments = comments
	}
	snap := snapshot(ni)
	if ni.Approver != nil {
		t.emit(types.Effect{Kind: types.EffectTodoHandled, NodeInstance: snap})
		t.emit(types.Effect{Kind: types.EffectDoneTask, NodeInstance: snap, Action: action, OperatorID: operator, Comments: comments})
	}
	t.emit(types.Effect{Kind: types.EffectTaskHistory, NodeInstance: snap})

	act := types.ActivityApproved
	switch action {
	case types.ActionReject:
		act = types.ActivityRejected
	case types.ActionFreeFlow:
		act = types.ActivityFreeFlowSent
	}
	t.activity(act, ni, operator, comments)
}

// cancel closes an active node instance without a decision.
func (t *transition) cancel(ni *types.FlowNodeInstance, operator uint64, reason string) {
	if ni.ChildFlowInstanceID != 0 && ni.Status == types.NodeProcessing {
		t.orphans = append(t.orphans, ni.ChildFlowInstanceID)
	}
	ni.Status = types.NodeCancelled
	ni.HandledAt = t.now
	snap := snapshot(ni)
	if ni.Approver != nil {
		t.emit(types.Effect{Kind: types.EffectTodoCancelled, NodeInstance: snap})
	}
	t.emit(types.Effect{Kind: types.EffectTaskHistory, NodeInstance: snap})
	t.activity(types.ActivityCancelled, ni, operator, reason)
}

func (t *transition) cancelActive(operator uint64, reason string) {
	for _, ni := range t.inst.ActiveInstances() {
		t.cancel(ni, operator, reason)
	}
}

// enterNode creates the node instances of node in the current round and keeps
// routing through nodes that need no decision. A node that already has
// instances in this round is left alone, so re-entering is idempotent.
func (t *transition) enterNode(node types.FlowNode, depth int) error {
	if depth > t.e.opts.MaxRouteDepth {
		return errorf(KindState, t.op, "%w at node %d", ErrRouteTooDeep, node.ID)
	}
	if len(t.inst.InstancesOf(node.ID, t.inst.Round)) > 0 {
		return nil
	}
	vars := t.inst.ProcessVariables

	if node.IsJoin() {
		if !t.e.router.Converged(t.def, node, t.inst, t.inst.Round) {
			return nil
		}
		if node.GatewayType == types.GatewayConditionJoin || node.GatewayMode == types.GatewayModeAny {
			t.cancelBranches(node)
		}
		if _, err := t.addNodeInstance(node, nil, types.NodeCompleted); err != nil {
			return err
		}
		return t.advance(node, depth)
	}

	if t.e.router.ShouldSkip(node, vars) {
		if _, err := t.addNodeInstance(node, nil, types.NodeSkipped); err != nil {
			return err
		}
		return t.advance(node, depth)
	}

	switch node.Type {
	case types.NodeTypeGateway, types.NodeTypeCondition:
		if _, err := t.addNodeInstance(node, nil, types.NodeCompleted); err != nil {
			return err
		}
		return t.advance(node, depth)
	case types.NodeTypeAuto:
		if err := t.runAuto(node); err != nil {
			return err
		}
		if _, err := t.addNodeInstance(node, nil, types.NodeCompleted); err != nil {
			return err
		}
		return t.advance(node, depth)
	case types.NodeTypeNotify:
		ni, err := t.addNodeInstance(node, nil, types.NodeCompleted)
		if err != nil {
			return err
		}
		var ids []uint64
		if node.ApproverType != "" {
			approvers, _ := t.e.assigner.Resolve(t.ctx, node, vars)
			for _, a := range approvers {
				ids = append(ids, a.UserID)
			}
		}
		t.event(types.EventNodeNotified, map[string]interface{}{
			"node_id":          node.ID,
			"node_instance_id": ni.ID,
			"recipient_ids":    ids,
		})
		return t.advance(node, depth)
	}

	approvers, err := t.e.assigner.Resolve(t.ctx, node, vars)
	if errors.Is(err, assign.ErrNoStrategy) || (err == nil && len(approvers) == 0) {
		return errorf(KindValidation, t.op, "%w for node %d (%s)", ErrNoApprovers, node.ID, node.Name)
	}
	if err != nil {
		return errorf(KindValidation, t.op, "resolve approvers of node %d: %w", node.ID, err)
	}
	for i := range approvers {
		a := approvers[i]
		if _, err := t.addNodeInstance(node, &a, types.NodePending); err != nil {
			return err
		}
	}
	if t.inst.CurrentNodeID == 0 || !t.hasActiveAt(t.inst.CurrentNodeID) {
		t.inst.CurrentNodeID = node.ID
	}
	return nil
}

// cancelBranches cancels the work left on the other branches once an OR join fired.
func (t *transition) cancelBranches(join types.FlowNode) {
	for _, id := range routing.BranchNodes(t.def, join) {
		for _, ni := range t.inst.InstancesOf(id, t.inst.Round) {
			if ni.Status.IsActive() {
				t.cancel(ni, 0, "branch closed by join")
			}
		}
	}
}

func (t *transition) runAuto(node types.FlowNode) error {
	if node.AutoAction == "" {
		return nil
	}
	action, ok := t.e.action(node.AutoAction)
	if !ok {
		return errorf(KindValidation, t.op, "%w: %s on node %d", ErrActionNotFound, node.AutoAction, node.ID)
	}
	result, err := t.e.executeWithRetry(t.ctx, action, t.inst.ProcessVariables)
	if err != nil {
		return errorf(KindCollaborator, t.op, "auto node %d: %w", node.ID, err)
	}
	switch r := result.(type) {
	case nil:
	case map[string]interface{}:
		for k, v := range r {
			t.inst.ProcessVariables[k] = v
		}
	default:
		t.inst.ProcessVariables[node.AutoAction] = r
	}
	return nil
}

// advance routes past node once it is done.
func (t *transition) advance(node types.FlowNode, depth int) error {
	if node.IsLastNode {
		t.completeIfIdle()
		return nil
	}
	next, err := t.e.router.NextNodes(t.def, node, t.inst.ProcessVariables)
	if errors.Is(err, routing.ErrNoBranch) {
		return errorf(KindState, t.op, "node %d: %w", node.ID, err)
	}
	if err != nil {
		return wrap(KindCollaborator, t.op, err)
	}
	if len(next) == 0 {
		t.completeIfIdle()
		return nil
	}
	for _, n := range next {
		if err := t.enterNode(n, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// nodeDone is called after a node instance of nodeID closed. When the node's
// parallel mode allows it the remaining instances are cancelled and routing
// continues.
func (t *transition) nodeDone(nodeID uint64) error {
	node, err := t.node(nodeID)
	if err != nil {
		return err
	}
	if !routing.CanAdvance(node, t.inst, t.inst.Round) {
		t.e.logger.Debug("node waiting for siblings",
			zap.Uint64("flow_instance_id", t.inst.ID), zap.Uint64("node_id", node.ID))
		return nil
	}
	for _, ni := range t.inst.InstancesOf(node.ID, t.inst.Round) {
		if ni.Status.IsActive() {
			t.cancel(ni, 0, "node advanced")
		}
	}
	return t.advance(node, 0)
}

// completeIfIdle completes the flow unless another branch is still active.
func (t *transition) completeIfIdle() {
	if t.inst.Status != types.FlowRunning || len(t.inst.ActiveInstances()) > 0 {
		return
	}
	t.finish(types.FlowCompleted, types.ActivityFlowCompleted, types.EventFlowCompleted, 0, "")
}

// finish moves the flow to a final status.
func (t *transition) finish(status types.FlowStatus, act types.ActivityType, event string, operator uint64, comments string) {
	t.inst.Status = status
	t.inst.EndTime = t.now
	t.inst.CurrentNodeID = 0
	t.activity(act, nil, operator, comments)
	t.event(event, map[string]interface{}{
		"document_id":             t.inst.DocumentID,
		"status":                  string(status),
		"parent_flow_instance_id": t.inst.ParentFlowInstanceID,
	})
}

// rollbackTo reopens target in a new round.
func (t *transition) rollbackTo(target types.FlowNode, operator uint64, reason string) error {
	t.cancelActive(operator, reason)
	t.inst.Round++
	t.inst.CurrentNodeID = 0
	if err := t.enterNode(target, 0); err != nil {
		return err
	}
	if t.inst.Status == types.FlowRunning && len(t.inst.ActiveInstances()) == 0 {
		return errorf(KindState, t.op, "%w: node %d", ErrNotRoutable, target.ID)
	}
	t.activity(types.ActivityRolledBack, nil, operator, reason)
	return nil
}

func (t *transition) hasActiveAt(nodeID uint64) bool {
	for _, ni := range t.inst.ActiveInstances() {
		if ni.NodeID == nodeID {
			return true
		}
	}
	return false
}

// settleCurrent points CurrentNodeID at a node that still waits for work.
func (t *transition) settleCurrent() {
	if t.inst.Status.IsFinal() {
		t.inst.CurrentNodeID = 0
		return
	}
	if t.inst.CurrentNodeID != 0 && t.hasActiveAt(t.inst.CurrentNodeID) {
		return
	}
	if active := t.inst.ActiveInstances(); len(active) > 0 {
		t.inst.CurrentNodeID = active[0].NodeID
	}
}

// requireRunning fails unless the flow is running.
func (t *transition) requireRunning() error {
	if t.inst.Status != types.FlowRunning {
		return errorf(KindState, t.op, "%w: flow instance %d is %s", ErrNotRunning, t.inst.ID, t.inst.Status)
	}
	return nil
}

// pendingFor returns the node instance an approver acts on.
func (t *transition) pendingFor(nodeInstanceID, approverID uint64) (*types.FlowNodeInstance, error) {
	ni := t.inst.NodeInstance(nodeInstanceID)
	if ni == nil {
		return nil, errorf(KindNotFound, t.op, "node instance %d in flow instance %d", nodeInstanceID, t.inst.ID)
	}
	if ni.Status != types.NodePending {
		return nil, errorf(KindState, t.op, "%w: node instance %d is %s", ErrNotPending, ni.ID, ni.Status)
	}
	if approverID == 0 || ni.ApproverID() != approverID {
		return nil, errorf(KindValidation, t.op, "%w: user %d on node instance %d", ErrNotApprover, approverID, ni.ID)
	}
	return ni, nil
}
