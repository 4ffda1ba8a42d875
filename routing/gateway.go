package routing

import (
	"github.com/songzhibin97/approval-flow/rules"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

// GatewayStrategy implements one gateway type.
type GatewayStrategy interface {
	// Select returns the branches a split takes out of the static candidates.
	Select(split types.FlowNode, candidates []types.FlowNode, vars map[string]interface{}) []types.FlowNode
	// Converged reports whether a join may fire. Each group holds the
	// current-round instances of one predecessor node.
	Converged(join types.FlowNode, groups [][]*types.FlowNodeInstance) bool
}

// ParallelSplit takes every branch.
type ParallelSplit struct{}

func (ParallelSplit) Select(_ types.FlowNode, candidates []types.FlowNode, _ map[string]interface{}) []types.FlowNode {
	return candidates
}

func (ParallelSplit) Converged(types.FlowNode, [][]*types.FlowNodeInstance) bool { return true }

// ParallelJoin converges on all branches or on any, per the join's gateway mode.
type ParallelJoin struct{}

func (ParallelJoin) Select(_ types.FlowNode, candidates []types.FlowNode, _ map[string]interface{}) []types.FlowNode {
	return candidates
}

func (ParallelJoin) Converged(join types.FlowNode, groups [][]*types.FlowNodeInstance) bool {
	if join.GatewayMode == types.GatewayModeAny {
		return anyTerminal(groups)
	}
	return allTerminal(groups)
}

// ConditionSplit takes the branches whose condition expression holds. A
// branch without an expression is always taken.
type ConditionSplit struct {
	eval   rules.Evaluator
	logger *zap.Logger
}

func (s ConditionSplit) Select(split types.FlowNode, candidates []types.FlowNode, vars map[string]interface{}) []types.FlowNode {
	var out []types.FlowNode
	for _, c := range candidates {
		if c.ConditionExpression == "" {
			out = append(out, c)
			continue
		}
		ok, err := s.eval.Evaluate(c.ConditionExpression, vars)
		if err != nil {
			s.logger.Warn("branch condition failed, branch not taken",
				zap.Uint64("node_id", split.ID), zap.Uint64("branch_node_id", c.ID), zap.Error(err))
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

func (ConditionSplit) Converged(types.FlowNode, [][]*types.FlowNodeInstance) bool { return true }

// ConditionJoin fires as soon as any branch reached a decision.
type ConditionJoin struct{}

func (ConditionJoin) Select(_ types.FlowNode, candidates []types.FlowNode, _ map[string]interface{}) []types.FlowNode {
	return candidates
}

func (ConditionJoin) Converged(_ types.FlowNode, groups [][]*types.FlowNodeInstance) bool {
	return anyTerminal(groups)
}

// allTerminal requires every predecessor to have instances, all closed and at
// least one terminal.
func allTerminal(groups [][]*types.FlowNodeInstance) bool {
	if len(groups) == 0 {
		return false
	}
	for _, g := range groups {
		if len(g) == 0 {
			return false
		}
		terminal := false
		for _, ni := range g {
			if !ni.Status.IsClosed() {
				return false
			}
			terminal = terminal || ni.Status.IsTerminal()
		}
		if !terminal {
			return false
		}
	}
	return true
}

func anyTerminal(groups [][]*types.FlowNodeInstance) bool {
	for _, g := range groups {
		for _, ni := range g {
			if ni.Status.IsTerminal() {
				return true
			}
		}
	}
	return false
}
