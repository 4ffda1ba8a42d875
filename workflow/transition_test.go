package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/approval-flow/lock"
	"github.com/songzhibin97/approval-flow/routing"
	"github.com/songzhibin97/approval-flow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gateway(id uint64, order int, gt types.GatewayType, gatewayID uint64) types.FlowNode {
	return types.FlowNode{ID: id, Name: string(gt), Type: types.NodeTypeGateway, GatewayType: gt, GatewayID: gatewayID, OrderNum: order}
}

// parallelDefinition is split(1) -> {2 by user 1, 3 by user 2} -> join(4) -> 5 by user 3.
func parallelDefinition(mode types.GatewayMode) types.FlowDefinition {
	split := gateway(1, 1, types.GatewayParallelSplit, 7)
	split.NextNodeIDs = types.IDList{2, 3}
	a, b := userNode(2, 2, "1"), userNode(3, 3, "2")
	a.NextNodeID, b.NextNodeID = 4, 4
	join := gateway(4, 4, types.GatewayParallelJoin, 7)
	join.GatewayMode = mode
	join.NextNodeID = 5
	end := userNode(5, 5, "3")
	end.IsLastNode = true
	return types.FlowDefinition{ID: 1, Name: "parallel", Nodes: []types.FlowNode{split, a, b, join, end}}
}

func TestParallelModes(t *testing.T) {
	tests := []struct {
		name        string
		mode        types.ParallelMode
		advancesOn  int
		cancelsRest bool
	}{
		{"serial advances on the first approval", types.ParallelSerial, 1, true},
		{"any advances on the first approval", types.ParallelAny, 1, true},
		{"all waits for every approver", types.ParallelAll, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			first, second := userNode(1, 1, "1,2,3"), userNode(2, 2, "4")
			first.ParallelMode = tt.mode
			first.NextNodeID = 2
			second.IsLastNode = true
			h.register(types.FlowDefinition{ID: 1, Name: "modes", Nodes: []types.FlowNode{first, second}})
			inst := h.start(1, nil)
			assert.Equal(t, 3, countAt(h.instance(inst.ID), 1, types.NodePending))

			for i := 1; i <= tt.advancesOn; i++ {
				before := h.instance(inst.ID)
				assert.Zero(t, countAt(before, 2, types.NodePending), "advanced before approval %d", i)
				h.approve(inst.ID, 1, uint64(i))
			}
			got := h.instance(inst.ID)
			assert.Equal(t, 1, countAt(got, 2, types.NodePending))
			assert.Equal(t, uint64(2), got.CurrentNodeID)
			if tt.cancelsRest {
				assert.Equal(t, 2, countAt(got, 1, types.NodeCancelled))
				todos, err := h.e.TodoTasks(h.ctx, 2)
				require.NoError(t, err)
				assert.Empty(t, todos)
			}
		})
	}
}

func TestParallelSplitJoin(t *testing.T) {
	h := newHarness(t)
	h.register(parallelDefinition(types.GatewayModeAll))
	inst := h.start(1, nil)
	assert.Equal(t, 1, countAt(*inst, 1, types.NodeCompleted))
	assert.Equal(t, 1, countAt(*inst, 2, types.NodePending))
	assert.Equal(t, 1, countAt(*inst, 3, types.NodePending))

	res := h.approve(inst.ID, 2, 1)
	assert.Zero(t, countAt(*res.Instance, 4, types.NodeCompleted), "join fired early")
	assert.Equal(t, uint64(3), res.Instance.CurrentNodeID)

	res = h.approve(inst.ID, 3, 2)
	assert.Equal(t, 1, countAt(*res.Instance, 4, types.NodeCompleted))
	assert.Equal(t, 1, countAt(*res.Instance, 5, types.NodePending))
	assert.Equal(t, uint64(5), res.Instance.CurrentNodeID)

	res = h.approve(inst.ID, 5, 3)
	assert.Equal(t, types.FlowCompleted, res.Instance.Status)
}

func TestParallelJoinAnyCancelsBranches(t *testing.T) {
	h := newHarness(t)
	h.register(parallelDefinition(types.GatewayModeAny))
	inst := h.start(1, nil)

	res := h.approve(inst.ID, 2, 1)
	assert.Equal(t, 1, countAt(*res.Instance, 4, types.NodeCompleted))
	assert.Equal(t, 1, countAt(*res.Instance, 3, types.NodeCancelled))
	assert.Equal(t, 1, countAt(*res.Instance, 5, types.NodePending))
}

func TestConcurrentApprovalsAdvanceOnce(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"explicit locker", []Option{WithLocker(lock.NewMemoryLocker(time.Millisecond))}},
		{"default engine", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				h := newHarness(t, tt.opts...)
				h.register(parallelDefinition(types.GatewayModeAll))
				inst := h.start(1, nil)
				a := h.pending(inst.ID, 2, 1)
				b := h.pending(inst.ID, 3, 2)

				var wg sync.WaitGroup
				var failures int32
				for _, cmd := range []types.ApproveCommand{
					{FlowInstanceID: inst.ID, NodeInstanceID: a.ID, ApproverID: 1},
					{FlowInstanceID: inst.ID, NodeInstanceID: b.ID, ApproverID: 2},
				} {
					wg.Add(1)
					go func(cmd types.ApproveCommand) {
						defer wg.Done()
						if _, err := h.e.Approve(h.ctx, cmd); err != nil {
							atomic.AddInt32(&failures, 1)
						}
					}(cmd)
				}
				wg.Wait()

				require.Zero(t, failures)
				got := h.instance(inst.ID)
				assert.Equal(t, 1, countAt(got, 2, types.NodeCompleted))
				assert.Equal(t, 1, countAt(got, 3, types.NodeCompleted))
				require.Len(t, got.InstancesOf(4, 1), 1, "join instances")
				require.Len(t, got.InstancesOf(5, 1), 1, "next node instances")
			}
		})
	}
}

// conditionDefinition routes amount > 1000 to user 2 and positive amounts up
// to 1000 to user 3.
func conditionDefinition() types.FlowDefinition {
	submit := userNode(1, 1, "1")
	submit.NextNodeID = 2
	split := gateway(2, 2, types.GatewayConditionSplit, 8)
	split.NextNodeIDs = types.IDList{3, 4}
	big, small := userNode(3, 3, "2"), userNode(4, 4, "3")
	big.ConditionExpression = "amount > 1000"
	small.ConditionExpression = "amount > 0 && amount <= 1000"
	big.NextNodeID, small.NextNodeID = 5, 5
	join := gateway(5, 5, types.GatewayConditionJoin, 8)
	join.NextNodeID = 6
	end := userNode(6, 6, "4")
	end.IsLastNode = true
	return types.FlowDefinition{ID: 1, Name: "condition", Nodes: []types.FlowNode{submit, split, big, small, join, end}}
}

func TestConditionSplit(t *testing.T) {
	tests := []struct {
		name   string
		amount int
		branch uint64
		user   uint64
	}{
		{"large amount", 5000, 3, 2},
		{"small amount", 300, 4, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.register(conditionDefinition())
			inst := h.start(1, map[string]interface{}{"amount": tt.amount})
			res := h.approve(inst.ID, 1, 1)
			assert.Equal(t, 1, countAt(*res.Instance, tt.branch, types.NodePending))
			assert.Len(t, res.Instance.ActiveInstances(), 1)

			res = h.approve(inst.ID, tt.branch, tt.user)
			assert.Equal(t, 1, countAt(*res.Instance, 5, types.NodeCompleted))
			assert.Equal(t, 1, countAt(*res.Instance, 6, types.NodePending))
		})
	}
}

func TestConditionSplitWithoutBranch(t *testing.T) {
	h := newHarness(t)
	h.register(conditionDefinition())
	inst := h.start(1, map[string]interface{}{"amount": -5})
	ni := h.pending(inst.ID, 1, 1)

	_, err := h.e.Approve(h.ctx, types.ApproveCommand{FlowInstanceID: inst.ID, NodeInstanceID: ni.ID, ApproverID: 1})
	assert.True(t, IsState(err))
	assert.ErrorIs(t, err, routing.ErrNoBranch)

	// nothing was applied
	h.pending(inst.ID, 1, 1)
}

func TestSkipCondition(t *testing.T) {
	h := newHarness(t)
	def := serialDefinition()
	def.Nodes[1].SkipCondition = "amount < 100"
	h.register(def)

	inst := h.start(1, map[string]interface{}{"amount": 50})
	res := h.approve(inst.ID, 1, 1)
	assert.Equal(t, 1, countAt(*res.Instance, 2, types.NodeSkipped))
	assert.Equal(t, 1, countAt(*res.Instance, 3, types.NodePending))

	inst = h.start(1, map[string]interface{}{"amount": 500})
	res = h.approve(inst.ID, 1, 1)
	assert.Equal(t, 1, countAt(*res.Instance, 2, types.NodePending))
}

func TestInitiatorApprover(t *testing.T) {
	h := newHarness(t)
	n := userNode(1, 1, "")
	n.ApproverType = types.ApproverInitiator
	n.IsLastNode = true
	h.register(types.FlowDefinition{ID: 1, Name: "self", Nodes: []types.FlowNode{n}})

	inst := h.start(1, map[string]interface{}{"approverIds": []uint64{2, 3}})
	assert.Equal(t, 2, countAt(*inst, 1, types.NodePending))

	_, err := h.e.Start(h.ctx, types.StartCommand{DocumentID: 501, FlowDefID: 1, InitiatorID: 9})
	assert.True(t, IsValidation(err))
	assert.ErrorIs(t, err, ErrNoApprovers)
	todos, err := h.e.TodoTasks(h.ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, todos)
}

func TestRoleAndDeptLeaderApprovers(t *testing.T) {
	h := newHarness(t)
	role, leader := userNode(1, 1, "200"), userNode(2, 2, "20,30")
	role.ApproverType = types.ApproverRole
	role.ParallelMode = types.ParallelAll
	role.NextNodeID = 2
	leader.ApproverType = types.ApproverDeptLeader
	leader.IsLastNode = true
	h.register(types.FlowDefinition{ID: 1, Name: "org", Nodes: []types.FlowNode{role, leader}})

	inst := h.start(1, nil)
	assert.Equal(t, 2, countAt(*inst, 1, types.NodePending))
	h.approve(inst.ID, 1, 2)
	res := h.approve(inst.ID, 1, 3)

	var leaders []uint64
	for _, ni := range res.Instance.InstancesOf(2, 1) {
		leaders = append(leaders, ni.ApproverID())
	}
	assert.ElementsMatch(t, []uint64{3, 4}, leaders)
}

func TestAutoNode(t *testing.T) {
	opts := DefaultOptions()
	opts.ActionRetries = 2
	opts.ActionRetryDelay = time.Millisecond
	h := newHarness(t, WithOptions(opts))

	var attempts int32
	require.NoError(t, h.e.RegisterAction("score", ActionFunc(func(_ context.Context, vars map[string]interface{}) (interface{}, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("scoring service unavailable")
		}
		return map[string]interface{}{"score": 42}, nil
	})))
	require.NoError(t, h.e.RegisterAction("tag", ActionFunc(func(context.Context, map[string]interface{}) (interface{}, error) {
		return "tagged", nil
	})))
	assert.True(t, IsValidation(h.e.RegisterAction("", nil)))

	score := types.FlowNode{ID: 1, Name: "score", Type: types.NodeTypeAuto, AutoAction: "score", OrderNum: 1, NextNodeID: 2}
	tag := types.FlowNode{ID: 2, Name: "tag", Type: types.NodeTypeAuto, AutoAction: "tag", OrderNum: 2, NextNodeID: 3}
	review := userNode(3, 3, "1")
	review.SkipCondition = "score < 10"
	review.IsLastNode = true
	h.register(types.FlowDefinition{ID: 1, Name: "auto", Nodes: []types.FlowNode{score, tag, review}})

	inst := h.start(1, nil)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, 42, inst.ProcessVariables["score"])
	assert.Equal(t, "tagged", inst.ProcessVariables["tag"])
	assert.Equal(t, 1, countAt(*inst, 3, types.NodePending))
}

func TestAutoNodeErrors(t *testing.T) {
	h := newHarness(t)
	missing := types.FlowNode{ID: 1, Name: "missing", Type: types.NodeTypeAuto, AutoAction: "nope", OrderNum: 1, IsLastNode: true}
	h.register(types.FlowDefinition{ID: 1, Name: "missing", Nodes: []types.FlowNode{missing}})
	_, err := h.e.Start(h.ctx, types.StartCommand{DocumentID: 1, FlowDefID: 1, InitiatorID: 9})
	assert.ErrorIs(t, err, ErrActionNotFound)

	require.NoError(t, h.e.RegisterAction("broken", ActionFunc(func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})))
	broken := types.FlowNode{ID: 1, Name: "broken", Type: types.NodeTypeAuto, AutoAction: "broken", OrderNum: 1, IsLastNode: true}
	h.register(types.FlowDefinition{ID: 2, Name: "broken", Nodes: []types.FlowNode{broken}})
	_, err = h.e.Start(h.ctx, types.StartCommand{DocumentID: 1, FlowDefID: 2, InitiatorID: 9})
	assert.ErrorIs(t, err, ErrCollaborator)
}

func TestAutoOnlyFlowCompletesAtStart(t *testing.T) {
	h := newHarness(t)
	only := types.FlowNode{ID: 1, Name: "archive", Type: types.NodeTypeAuto, OrderNum: 1, IsLastNode: true}
	h.register(types.FlowDefinition{ID: 1, Name: "archive", Nodes: []types.FlowNode{only}})

	inst := h.start(1, nil)
	assert.Equal(t, types.FlowCompleted, inst.Status)
	assert.NotZero(t, inst.EndTime)
}

func TestNotifyNode(t *testing.T) {
	h := newHarness(t)
	notify := types.FlowNode{ID: 1, Name: "notify", Type: types.NodeTypeNotify, ApproverType: types.ApproverUser, ApproverValue: "2,3", OrderNum: 1, NextNodeID: 2}
	review := userNode(2, 2, "1")
	review.IsLastNode = true
	h.register(types.FlowDefinition{ID: 1, Name: "notify", Nodes: []types.FlowNode{notify, review}})

	res, err := h.e.Start(h.ctx, types.StartCommand{DocumentID: 1, FlowDefID: 1, InitiatorID: 9})
	require.NoError(t, err)
	assert.Equal(t, 1, countAt(*res.Instance, 1, types.NodeCompleted))
	assert.Equal(t, 1, countAt(*res.Instance, 2, types.NodePending))

	var recipients []uint64
	for _, eff := range res.Effects {
		if eff.Kind == types.EffectEvent && eff.Event == types.EventNodeNotified {
			recipients = eff.Data["recipient_ids"].([]uint64)
		}
	}
	assert.Equal(t, []uint64{2, 3}, recipients)
}

func TestRouteDepthLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRouteDepth = 3
	h := newHarness(t, WithOptions(opts))
	var nodes []types.FlowNode
	for i := uint64(1); i <= 6; i++ {
		n := types.FlowNode{ID: i, Name: "auto", Type: types.NodeTypeAuto, OrderNum: int(i), NextNodeID: i + 1}
		if i == 6 {
			n.NextNodeID = 0
			n.IsLastNode = true
		}
		nodes = append(nodes, n)
	}
	h.register(types.FlowDefinition{ID: 1, Name: "deep", Nodes: nodes})

	_, err := h.e.Start(h.ctx, types.StartCommand{DocumentID: 1, FlowDefID: 1, InitiatorID: 9})
	assert.ErrorIs(t, err, ErrRouteTooDeep)
	assert.True(t, IsState(err))
}
