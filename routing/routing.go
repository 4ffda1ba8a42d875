package routing

import (
	"errors"
	"sort"

	"github.com/songzhibin97/approval-flow/rules"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

// ErrNoBranch is returned when a condition split selects no branch.
var ErrNoBranch = errors.New("no branch condition matched")

// Router computes next nodes, skip decisions and convergence for a definition.
// It holds no per-instance state and is safe for concurrent use.
type Router struct {
	eval     rules.Evaluator
	gateways map[types.GatewayType]GatewayStrategy
	logger   *zap.Logger
}

// NewRouter creates a router with the four built-in gateway strategies.
func NewRouter(eval rules.Evaluator, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{eval: eval, gateways: make(map[types.GatewayType]GatewayStrategy), logger: logger}
	r.RegisterGateway(types.GatewayParallelSplit, ParallelSplit{})
	r.RegisterGateway(types.GatewayParallelJoin, ParallelJoin{})
	r.RegisterGateway(types.GatewayConditionSplit, ConditionSplit{eval: eval, logger: logger})
	r.RegisterGateway(types.GatewayConditionJoin, ConditionJoin{})
	return r
}

// RegisterGateway replaces the strategy of a gateway type. Not safe to call
// concurrently with routing.
func (r *Router) RegisterGateway(t types.GatewayType, s GatewayStrategy) {
	r.gateways[t] = s
}

// StaticNext resolves the statically configured successors of current.
// The first tier that yields a node wins: nextNodeIds, then nextNodeId,
// then the node with orderNum+1. Unknown or foreign references are skipped
// with a warning.
func (r *Router) StaticNext(def types.FlowDefinition, current types.FlowNode) []types.FlowNode {
	return staticNext(def, current, r.logger)
}

func staticNext(def types.FlowDefinition, current types.FlowNode, logger *zap.Logger) []types.FlowNode {
	if len(current.NextNodeIDs) > 0 {
		var out []types.FlowNode
		for _, id := range current.NextNodeIDs {
			if n, ok := lookup(def, id, current.ID, logger); ok {
				out = append(out, n)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if current.NextNodeID != 0 {
		if n, ok := lookup(def, current.NextNodeID, current.ID, logger); ok {
			return []types.FlowNode{n}
		}
	}
	for _, n := range def.Nodes {
		if n.OrderNum == current.OrderNum+1 && n.ID != current.ID && (n.FlowDefID == 0 || n.FlowDefID == def.ID) {
			return []types.FlowNode{n}
		}
	}
	return nil
}

func lookup(def types.FlowDefinition, id, from uint64, logger *zap.Logger) (types.FlowNode, bool) {
	n, ok := def.Node(id)
	if !ok {
		if logger != nil {
			logger.Warn("next node not found", zap.Uint64("node_id", from), zap.Uint64("next_node_id", id))
		}
		return types.FlowNode{}, false
	}
	if n.FlowDefID != 0 && n.FlowDefID != def.ID {
		if logger != nil {
			logger.Warn("next node belongs to another definition",
				zap.Uint64("node_id", from), zap.Uint64("next_node_id", id), zap.Uint64("flow_def_id", n.FlowDefID))
		}
		return types.FlowNode{}, false
	}
	return n, true
}

// NextNodes returns the ordered successors of current. Split gateways and
// condition nodes filter the static successors through their gateway strategy.
func (r *Router) NextNodes(def types.FlowDefinition, current types.FlowNode, vars map[string]interface{}) ([]types.FlowNode, error) {
	candidates := r.StaticNext(def, current)
	strategy := r.splitStrategy(current)
	if strategy == nil || len(candidates) == 0 {
		return candidates, nil
	}
	selected := strategy.Select(current, candidates, vars)
	if len(selected) == 0 {
		return nil, ErrNoBranch
	}
	return selected, nil
}

func (r *Router) splitStrategy(n types.FlowNode) GatewayStrategy {
	switch {
	case n.IsSplit():
		return r.gateways[n.GatewayType]
	case n.Type == types.NodeTypeCondition:
		return r.gateways[types.GatewayConditionSplit]
	}
	return nil
}

// FirstNode returns the entry node: the lowest orderNum among nodes that no
// other node references explicitly.
func FirstNode(def types.FlowDefinition) (types.FlowNode, bool) {
	referenced := make(map[uint64]bool)
	for _, n := range def.Nodes {
		for _, id := range n.NextNodeIDs {
			referenced[id] = true
		}
		if n.NextNodeID != 0 {
			referenced[n.NextNodeID] = true
		}
	}
	var best *types.FlowNode
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if referenced[n.ID] {
			continue
		}
		if best == nil || n.OrderNum < best.OrderNum {
			best = n
		}
	}
	if best == nil {
		for i := range def.Nodes {
			if best == nil || def.Nodes[i].OrderNum < best.OrderNum {
				best = &def.Nodes[i]
			}
		}
	}
	if best == nil {
		return types.FlowNode{}, false
	}
	return *best, true
}

// ShouldSkip evaluates the skip condition of node. Evaluation errors do not skip.
func (r *Router) ShouldSkip(node types.FlowNode, vars map[string]interface{}) bool {
	if node.SkipCondition == "" {
		return false
	}
	skip, err := r.eval.Evaluate(node.SkipCondition, vars)
	if err != nil {
		r.logger.Warn("skip condition failed, node not skipped",
			zap.Uint64("node_id", node.ID), zap.String("expression", node.SkipCondition), zap.Error(err))
		return false
	}
	return skip
}

// Predecessors returns the nodes whose static successors include nodeID, ordered by orderNum.
func Predecessors(def types.FlowDefinition, nodeID uint64) []types.FlowNode {
	var out []types.FlowNode
	for _, n := range def.Nodes {
		for _, next := range staticNext(def, n, nil) {
			if next.ID == nodeID {
				out = append(out, n)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderNum < out[j].OrderNum })
	return out
}

// Converged reports whether join may fire in the given round.
func (r *Router) Converged(def types.FlowDefinition, join types.FlowNode, inst *types.FlowInstance, round int) bool {
	strategy, ok := r.gateways[join.GatewayType]
	if !ok || !join.IsJoin() {
		return true
	}
	preds := Predecessors(def, join.ID)
	groups := make([][]*types.FlowNodeInstance, 0, len(preds))
	for _, p := range preds {
		groups = append(groups, inst.InstancesOf(p.ID, round))
	}
	return strategy.Converged(join, groups)
}

// BranchNodes returns the ids of the nodes strictly between the split paired
// with join and join itself.
func BranchNodes(def types.FlowDefinition, join types.FlowNode) []uint64 {
	var split *types.FlowNode
	for i := range def.Nodes {
		n := def.Nodes[i]
		if n.IsSplit() && n.GatewayID == join.GatewayID && n.ID != join.ID {
			split = &def.Nodes[i]
			break
		}
	}
	if split == nil {
		var out []uint64
		for _, p := range Predecessors(def, join.ID) {
			out = append(out, p.ID)
		}
		return out
	}

	seen := map[uint64]bool{split.ID: true, join.ID: true}
	var out []uint64
	queue := staticNext(def, *split, nil)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n.ID)
		queue = append(queue, staticNext(def, n, nil)...)
	}
	return out
}

// CanAdvance reports whether node may route onward in round. Ad hoc free-flow
// instances must all be closed with at least one completed; the regular
// instances then follow the node's parallel mode.
func CanAdvance(node types.FlowNode, inst *types.FlowInstance, round int) bool {
	var regular, adhoc []*types.FlowNodeInstance
	for _, ni := range inst.InstancesOf(node.ID, round) {
		if ni.FreeFlow {
			adhoc = append(adhoc, ni)
		} else {
			regular = append(regular, ni)
		}
	}
	if len(adhoc) > 0 {
		completed := false
		for _, ni := range adhoc {
			if !ni.Status.IsClosed() {
				return false
			}
			completed = completed || ni.Status == types.NodeCompleted
		}
		if !completed {
			return false
		}
	}
	if len(regular) == 0 {
		return len(adhoc) > 0
	}

	switch node.ParallelMode {
	case types.ParallelAll:
		for _, ni := range regular {
			if !ni.Status.IsTerminal() {
				return false
			}
		}
		return true
	default:
		for _, ni := range regular {
			if ni.Status == types.NodeCompleted || ni.Status == types.NodeSkipped {
				return true
			}
		}
		return false
	}
}
