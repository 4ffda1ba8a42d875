package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

// RegisterDefinition validates and persists a flow definition. A definition
// without nodes is accepted as a draft but cannot be started.
func (e *Engine) RegisterDefinition(ctx context.Context, def types.FlowDefinition) error {
	const op = "register definition"
	if def.ID == 0 {
		return errorf(KindValidation, op, "flow definition id cannot be zero")
	}
	if def.Code == "" {
		return errorf(KindValidation, op, "flow definition %d has no code", def.ID)
	}
	existing, err := e.store.GetDefinitionByCode(ctx, def.Code)
	switch {
	case err == nil && existing.ID != def.ID:
		return errorf(KindValidation, op, "code %q already used by flow definition %d", def.Code, existing.ID)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return wrap(KindCollaborator, op, err)
	}
	return e.saveDefinition(ctx, op, def)
}

// GetDefinition returns a registered flow definition.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (types.FlowDefinition, error) {
	return e.definition(ctx, "get definition", id)
}

// AddNode appends a node to a definition and re-validates it.
func (e *Engine) AddNode(ctx context.Context, flowDefID uint64, node types.FlowNode) error {
	const op = "add node"
	def, err := e.loadDefinition(ctx, op, flowDefID)
	if err != nil {
		return err
	}
	if node.FlowDefID == 0 {
		node.FlowDefID = flowDefID
	}
	def.Nodes = append(def.Nodes, node)
	return e.saveDefinition(ctx, op, def)
}

// RemoveNode removes a node nothing else routes to.
func (e *Engine) RemoveNode(ctx context.Context, flowDefID, nodeID uint64) error {
	const op = "remove node"
	def, err := e.loadDefinition(ctx, op, flowDefID)
	if err != nil {
		return err
	}
	idx := -1
	for i, n := range def.Nodes {
		if n.ID == nodeID {
			idx = i
			continue
		}
		if n.NextNodeID == nodeID || n.NextNodeIDs.Contains(nodeID) {
			return errorf(KindValidation, op, "node %d is referenced by node %d", nodeID, n.ID)
		}
	}
	if idx < 0 {
		return errorf(KindNotFound, op, "node %d in flow definition %d", nodeID, flowDefID)
	}
	def.Nodes = append(def.Nodes[:idx:idx], def.Nodes[idx+1:]...)
	return e.saveDefinition(ctx, op, def)
}

// EnableDefinition allows new instances of a definition to start.
func (e *Engine) EnableDefinition(ctx context.Context, id uint64) error {
	return e.setEnabled(ctx, "enable definition", id, true)
}

// DisableDefinition prevents new instances; running ones are unaffected.
func (e *Engine) DisableDefinition(ctx context.Context, id uint64) error {
	return e.setEnabled(ctx, "disable definition", id, false)
}

func (e *Engine) setEnabled(ctx context.Context, op string, id uint64, enabled bool) error {
	def, err := e.loadDefinition(ctx, op, id)
	if err != nil {
		return err
	}
	def.Enabled = enabled
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return wrap(KindCollaborator, op, err)
	}
	e.evictDefinition(ctx, id)
	return nil
}

// ValidateExpressions checks every skip condition and branch expression of def.
func (e *Engine) ValidateExpressions(def types.FlowDefinition) error {
	for _, n := range def.Nodes {
		if n.SkipCondition != "" && !e.eval.IsValid(n.SkipCondition) {
			return errorf(KindValidation, "validate expressions", "node %d skip condition %q", n.ID, n.SkipCondition)
		}
		if n.ConditionExpression != "" && !e.eval.IsValid(n.ConditionExpression) {
			return errorf(KindValidation, "validate expressions", "node %d condition %q", n.ID, n.ConditionExpression)
		}
	}
	return nil
}

// loadDefinition reads a definition from storage, bypassing the cache.
func (e *Engine) loadDefinition(ctx context.Context, op string, id uint64) (types.FlowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return def, errorf(KindNotFound, op, "flow definition %d: %w", id, err)
	}
	if err != nil {
		return def, wrap(KindCollaborator, op, err)
	}
	return def, nil
}

func (e *Engine) saveDefinition(ctx context.Context, op string, def types.FlowDefinition) error {
	if err := validateNodes(&def); err != nil {
		return wrap(KindValidation, op, err)
	}
	if err := e.ValidateExpressions(def); err != nil {
		return err
	}
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return wrap(KindCollaborator, op, err)
	}
	e.evictDefinition(ctx, def.ID)
	e.logger.Info("flow definition saved",
		zap.Uint64("flow_def_id", def.ID),
		zap.String("code", def.Code),
		zap.Int("nodes", len(def.Nodes)))
	return nil
}

// validateNodes normalizes the nodes of def and checks ids, references and
// gateway pairing.
func validateNodes(def *types.FlowDefinition) error {
	ids := make(map[uint64]bool, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == 0 {
			return errors.New("node id cannot be zero")
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate node ID %d found in flow definition %d", n.ID, def.ID)
		}
		ids[n.ID] = true
		if n.FlowDefID == 0 {
			n.FlowDefID = def.ID
		}
		if n.FlowDefID != def.ID {
			return fmt.Errorf("node %d belongs to flow definition %d", n.ID, n.FlowDefID)
		}
		if err := n.Normalize(); err != nil {
			return err
		}
		if !n.Type.Valid() {
			return fmt.Errorf("node %d has unknown type %q", n.ID, n.Type)
		}
		if n.Type == types.NodeTypeGateway && n.GatewayType == "" {
			return fmt.Errorf("gateway node %d has no gateway type", n.ID)
		}
	}

	for _, n := range def.Nodes {
		if n.NextNodeID != 0 && !ids[n.NextNodeID] {
			return fmt.Errorf("node %d routes to unknown node %d", n.ID, n.NextNodeID)
		}
		for _, next := range n.NextNodeIDs {
			if !ids[next] {
				return fmt.Errorf("node %d routes to unknown node %d", n.ID, next)
			}
		}
	}
	return validateGateways(def.Nodes)
}

// validateGateways requires every split to have exactly one join of the
// matching type sharing its gateway id, and vice versa.
func validateGateways(nodes []types.FlowNode) error {
	type pair struct{ splits, joins []types.FlowNode }
	groups := make(map[uint64]*pair)
	var order []uint64
	for _, n := range nodes {
		if !n.IsGateway() {
			continue
		}
		if n.GatewayID == 0 {
			return fmt.Errorf("gateway node %d has no gateway id", n.ID)
		}
		p, ok := groups[n.GatewayID]
		if !ok {
			p = &pair{}
			groups[n.GatewayID] = p
			order = append(order, n.GatewayID)
		}
		if n.IsSplit() {
			p.splits = append(p.splits, n)
		} else {
			p.joins = append(p.joins, n)
		}
	}
	for _, id := range order {
		p := groups[id]
		if len(p.splits) != 1 || len(p.joins) != 1 {
			return fmt.Errorf("gateway %d needs one split and one join, has %d and %d", id, len(p.splits), len(p.joins))
		}
		if p.splits[0].GatewayType.Pair() != p.joins[0].GatewayType {
			return fmt.Errorf("gateway %d pairs %s with %s", id, p.splits[0].GatewayType, p.joins[0].GatewayType)
		}
	}
	return nil
}
