package freeflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/songzhibin97/approval-flow/assign"
	"github.com/songzhibin97/approval-flow/directory"
	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/types"
	"go.uber.org/zap"
)

var (
	// ErrActionNotAvailable is returned when no enabled rule grants the action.
	ErrActionNotAvailable = errors.New("action not available")
	// ErrActionDisabled is returned for a disabled action.
	ErrActionDisabled = errors.New("action disabled")
)

// Documents supplies the status of the document a flow instance approves.
type Documents interface {
	DocumentStatus(ctx context.Context, documentID uint64) (int, error)
}

// DocumentsFunc adapts a function to Documents.
type DocumentsFunc func(ctx context.Context, documentID uint64) (int, error)

// DocumentStatus implements Documents.
func (f DocumentsFunc) DocumentStatus(ctx context.Context, documentID uint64) (int, error) {
	return f(ctx, documentID)
}

// FixedStatus reports the same status for every document.
func FixedStatus(status int) Documents {
	return DocumentsFunc(func(context.Context, uint64) (int, error) { return status, nil })
}

// Operator is the user performing a free-flow action.
type Operator struct {
	UserID uint64
	DeptID uint64
	Roles  []string
}

// Service resolves the actions an operator may take and the approvers each
// action may be sent to.
type Service struct {
	actions storage.ActionStore
	dir     directory.Directory
	logger  *zap.Logger
}

// NewService creates a free-flow service.
func NewService(actions storage.ActionStore, dir directory.Directory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{actions: actions, dir: dir, logger: logger}
}

// Operator looks up the roles and department of userID.
func (s *Service) Operator(ctx context.Context, userID uint64) (Operator, error) {
	roles, dept, err := s.dir.Roles(ctx, userID)
	if err != nil {
		return Operator{}, err
	}
	return Operator{UserID: userID, DeptID: dept, Roles: roles}, nil
}

// matches reports whether rule grants the action for the given context.
func matches(rule types.FlowActionRule, docStatus int, op Operator) bool {
	if !rule.Enabled || rule.DocumentStatus != docStatus {
		return false
	}
	if rule.DeptID != 0 && rule.DeptID != op.DeptID {
		return false
	}
	role := strings.TrimSpace(rule.UserRole)
	if role == "" || len(op.Roles) == 0 {
		return false
	}
	if role == "*" {
		return true
	}
	for _, r := range strings.Split(role, ",") {
		r = strings.TrimSpace(r)
		for _, have := range op.Roles {
			if r == have {
				return true
			}
		}
	}
	return false
}

// priority returns the highest priority among the rules granting the action.
func (s *Service) priority(ctx context.Context, actionID uint64, docStatus int, op Operator) (int, bool, error) {
	rules, err := s.actions.ListActionRules(ctx, actionID)
	if err != nil {
		return 0, false, err
	}
	best, found := 0, false
	for _, r := range rules {
		if !matches(r, docStatus, op) {
			continue
		}
		if !found || r.Priority > best {
			best = r.Priority
		}
		found = true
	}
	return best, found, nil
}

// AvailableActions returns the enabled actions granted to op for a document
// status, highest rule priority first.
func (s *Service) AvailableActions(ctx context.Context, docStatus int, op Operator) ([]types.FlowAction, error) {
	if len(op.Roles) == 0 {
		s.logger.Debug("operator has no roles", zap.Uint64("user_id", op.UserID))
		return nil, nil
	}
	all, err := s.actions.ListEnabledActions(ctx)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		action   types.FlowAction
		priority int
	}
	var out []ranked
	for _, a := range all {
		p, ok, err := s.priority(ctx, a.ID, docStatus, op)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ranked{action: a, priority: p})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority > out[j].priority })

	actions := make([]types.FlowAction, len(out))
	for i, r := range out {
		actions[i] = r.action
	}
	return actions, nil
}

// Permitted returns the action if op may take it on a document in docStatus.
func (s *Service) Permitted(ctx context.Context, actionID uint64, docStatus int, op Operator) (types.FlowAction, error) {
	action, err := s.actions.GetAction(ctx, actionID)
	if err != nil {
		return types.FlowAction{}, err
	}
	if !action.Enabled {
		return types.FlowAction{}, fmt.Errorf("%w: %s", ErrActionDisabled, action.Code)
	}
	_, ok, err := s.priority(ctx, actionID, docStatus, op)
	if err != nil {
		return types.FlowAction{}, err
	}
	if !ok {
		return types.FlowAction{}, fmt.Errorf("%w: %s for document status %d", ErrActionNotAvailable, action.Code, docStatus)
	}
	return action, nil
}

// AvailableApprovers returns the users an action may be sent to. deptIDs
// scopes external actions; vars supplies the initiator for return actions.
func (s *Service) AvailableApprovers(ctx context.Context, action types.FlowAction, op Operator, deptIDs []uint64, vars map[string]interface{}) ([]types.Approver, error) {
	switch action.Type {
	case types.ActionTypeUnitHandle:
		if op.DeptID == 0 {
			return nil, nil
		}
		return s.dir.UsersByDept(ctx, op.DeptID)
	case types.ActionTypeReview:
		if len(action.RoleIDs) == 0 {
			return nil, nil
		}
		return s.dir.UsersByRole(ctx, action.RoleIDs)
	case types.ActionTypeExternal:
		if len(deptIDs) == 0 {
			return nil, nil
		}
		return s.dir.DeptLeaders(ctx, deptIDs)
	case types.ActionTypeReturn:
		ids, err := assign.IDsFromVar(vars[assign.VarInitiatorID])
		if err != nil || len(ids) == 0 {
			s.logger.Warn("return action without initiator", zap.String("action", action.Code), zap.Error(err))
			return nil, nil
		}
		return s.dir.ResolveUsers(ctx, ids)
	case types.ActionTypeSubFlow:
		return nil, nil
	}
	s.logger.Warn("unknown action type", zap.String("action", action.Code), zap.String("type", string(action.Type)))
	return nil, nil
}

// Select keeps the available approvers whose ids were requested, in request order.
func Select(available []types.Approver, requested []uint64) []types.Approver {
	byID := make(map[uint64]types.Approver, len(available))
	for _, a := range available {
		byID[a.UserID] = a
	}
	var out []types.Approver
	seen := make(map[uint64]bool, len(requested))
	for _, id := range requested {
		a, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, a)
	}
	return out
}
