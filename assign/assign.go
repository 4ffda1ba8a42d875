package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/songzhibin97/approval-flow/directory"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

// Process variables read by the initiator strategy.
const (
	VarApproverIDs = "approverIds"
	VarInitiatorID = "initiatorId"
)

// ErrNoStrategy is returned when no strategy supports an approver type.
var ErrNoStrategy = errors.New("no approver strategy")

// Strategy resolves candidate approvers for one approver type. Resolve fails
// soft: configuration or directory problems yield an empty result.
type Strategy interface {
	Supports(t types.ApproverType) bool
	Priority() int
	Resolve(ctx context.Context, node types.FlowNode, vars map[string]interface{}) []types.Approver
}

// Registry dispatches to the lowest priority strategy supporting a node's approver type.
type Registry struct {
	mu         sync.RWMutex
	strategies []Strategy
}

// NewRegistry returns a registry holding the user, role, deptLeader and initiator strategies.
func NewRegistry(dir directory.Directory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{}
	r.Register(&UserStrategy{dir: dir, logger: logger})
	r.Register(&RoleStrategy{dir: dir, logger: logger})
	r.Register(&DeptLeaderStrategy{dir: dir, logger: logger})
	r.Register(&InitiatorStrategy{dir: dir, logger: logger})
	return r
}

// Register adds a strategy, keeping the list ordered by priority.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.strategies[i].Priority() < r.strategies[j].Priority()
	})
}

// Resolve returns the de-duplicated approvers of node.
func (r *Registry) Resolve(ctx context.Context, node types.FlowNode, vars map[string]interface{}) ([]types.Approver, error) {
	r.mu.RLock()
	var chosen Strategy
	for _, s := range r.strategies {
		if s.Supports(node.ApproverType) {
			chosen = s
			break
		}
	}
	r.mu.RUnlock()
	if chosen == nil {
		return nil, fmt.Errorf("%w for %q on node %d", ErrNoStrategy, node.ApproverType, node.ID)
	}
	return dedupe(chosen.Resolve(ctx, node, vars)), nil
}

func dedupe(in []types.Approver) []types.Approver {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[uint64]bool, len(in))
	out := make([]types.Approver, 0, len(in))
	for _, a := range in {
		if seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true
		out = append(out, a)
	}
	return out
}

// UserStrategy resolves approverValue as user ids.
type UserStrategy struct {
	dir    directory.Directory
	logger *zap.Logger
}

func (s *UserStrategy) Supports(t types.ApproverType) bool { return t == types.ApproverUser }
func (s *UserStrategy) Priority() int                      { return 10 }

func (s *UserStrategy) Resolve(ctx context.Context, node types.FlowNode, _ map[string]interface{}) []types.Approver {
	if len(node.ApproverIDs) == 0 {
		s.logger.Warn("user approver list is empty", zap.Uint64("node_id", node.ID))
		return nil
	}
	users, err := s.dir.ResolveUsers(ctx, node.ApproverIDs)
	if err != nil {
		s.logger.Warn("resolve users failed", zap.Uint64("node_id", node.ID), zap.Error(err))
		return nil
	}
	return users
}

// RoleStrategy resolves approverValue as role ids.
type RoleStrategy struct {
	dir    directory.Directory
	logger *zap.Logger
}

func (s *RoleStrategy) Supports(t types.ApproverType) bool { return t == types.ApproverRole }
func (s *RoleStrategy) Priority() int                      { return 20 }

func (s *RoleStrategy) Resolve(ctx context.Context, node types.FlowNode, _ map[string]interface{}) []types.Approver {
	if len(node.ApproverIDs) == 0 {
		s.logger.Warn("role list is empty", zap.Uint64("node_id", node.ID))
		return nil
	}
	users, err := s.dir.UsersByRole(ctx, node.ApproverIDs)
	if err != nil {
		s.logger.Warn("resolve role members failed", zap.Uint64("node_id", node.ID), zap.Error(err))
		return nil
	}
	return users
}

// DeptLeaderStrategy resolves approverValue as department ids.
type DeptLeaderStrategy struct {
	dir    directory.Directory
	logger *zap.Logger
}

func (s *DeptLeaderStrategy) Supports(t types.ApproverType) bool { return t == types.ApproverDeptLeader }
func (s *DeptLeaderStrategy) Priority() int                      { return 30 }

func (s *DeptLeaderStrategy) Resolve(ctx context.Context, node types.FlowNode, _ map[string]interface{}) []types.Approver {
	if len(node.ApproverIDs) == 0 {
		s.logger.Warn("department list is empty", zap.Uint64("node_id", node.ID))
		return nil
	}
	users, err := s.dir.DeptLeaders(ctx, node.ApproverIDs)
	if err != nil {
		s.logger.Warn("resolve department leaders failed", zap.Uint64("node_id", node.ID), zap.Error(err))
		return nil
	}
	return users
}

// InitiatorStrategy resolves the approverIds process variable chosen at start.
type InitiatorStrategy struct {
	dir    directory.Directory
	logger *zap.Logger
}

func (s *InitiatorStrategy) Supports(t types.ApproverType) bool { return t == types.ApproverInitiator }
func (s *InitiatorStrategy) Priority() int                      { return 40 }

func (s *InitiatorStrategy) Resolve(ctx context.Context, node types.FlowNode, vars map[string]interface{}) []types.Approver {
	raw, ok := vars[VarApproverIDs]
	if !ok {
		s.logger.Warn("no approverIds process variable", zap.Uint64("node_id", node.ID))
		return nil
	}
	ids, err := IDsFromVar(raw)
	if err != nil {
		s.logger.Warn("malformed approverIds process variable", zap.Uint64("node_id", node.ID), zap.Error(err))
		return nil
	}
	users, err := s.dir.ResolveUsers(ctx, ids)
	if err != nil {
		s.logger.Warn("resolve initiator approvers failed", zap.Uint64("node_id", node.ID), zap.Error(err))
		return nil
	}
	return users
}

// IDsFromVar converts a process variable holding ids into an IDList. It
// accepts id slices, JSON decoded slices, numbers and id-list strings.
func IDsFromVar(v interface{}) (types.IDList, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case types.IDList:
		return x, nil
	case []uint64:
		return types.IDList(x), nil
	case string:
		return types.ParseIDList(x)
	case []interface{}:
		out := make(types.IDList, 0, len(x))
		for _, e := range x {
			id, err := toID(e)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	default:
		id, err := toID(x)
		if err != nil {
			return nil, err
		}
		return types.IDList{id}, nil
	}
}

func toID(v interface{}) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case int:
		if x >= 0 {
			return uint64(x), nil
		}
	case int64:
		if x >= 0 {
			return uint64(x), nil
		}
	case float64:
		if x >= 0 && x == float64(uint64(x)) {
			return uint64(x), nil
		}
	case string:
		return strconv.ParseUint(x, 10, 64)
	}
	return 0, fmt.Errorf("invalid id %v (%T)", v, v)
}
