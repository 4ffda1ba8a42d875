package workflow

import (
	"testing"

	"github.com/songzhibin97/approval-flow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefinition(t *testing.T) {
	valid := serialDefinition()
	valid.Code = "serial"

	tests := []struct {
		name    string
		mutate  func(def *types.FlowDefinition)
		wantErr string
	}{
		{"valid", func(*types.FlowDefinition) {}, ""},
		{"zero id", func(def *types.FlowDefinition) { def.ID = 0 }, "id cannot be zero"},
		{"missing code", func(def *types.FlowDefinition) { def.Code = "" }, "has no code"},
		{"duplicate node ids", func(def *types.FlowDefinition) { def.Nodes[1].ID = 1 }, "duplicate node ID"},
		{"zero node id", func(def *types.FlowDefinition) { def.Nodes[0].ID = 0 }, "node id cannot be zero"},
		{"foreign node", func(def *types.FlowDefinition) { def.Nodes[0].FlowDefID = 8 }, "belongs to flow definition 8"},
		{"unknown type", func(def *types.FlowDefinition) { def.Nodes[0].Type = "robot" }, "unknown type"},
		{"dangling next node", func(def *types.FlowDefinition) { def.Nodes[0].NextNodeID = 42 }, "unknown node 42"},
		{"dangling branch", func(def *types.FlowDefinition) { def.Nodes[0].NextNodeIDs = types.IDList{2, 43} }, "unknown node 43"},
		{"malformed approvers", func(def *types.FlowDefinition) { def.Nodes[0].ApproverValue = "[1,x]" }, "approver value"},
		{"invalid skip condition", func(def *types.FlowDefinition) { def.Nodes[1].SkipCondition = "amount >" }, "skip condition"},
		{"invalid branch condition", func(def *types.FlowDefinition) { def.Nodes[1].ConditionExpression = "((" }, "condition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			def := valid
			def.Nodes = append([]types.FlowNode(nil), valid.Nodes...)
			tt.mutate(&def)

			err := h.e.RegisterDefinition(h.ctx, def)
			if tt.wantErr == "" {
				require.NoError(t, err)
				got, err := h.e.GetDefinition(h.ctx, def.ID)
				require.NoError(t, err)
				assert.Equal(t, types.IDList{1}, got.Nodes[0].ApproverIDs)
				assert.Equal(t, def.ID, got.Nodes[0].FlowDefID)
				assert.Equal(t, types.ParallelSerial, got.Nodes[0].ParallelMode)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegisterDefinitionUniqueCode(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())

	other := serialDefinition()
	other.ID, other.Code = 2, "serial"
	err := h.e.RegisterDefinition(h.ctx, other)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "already used")

	// re-registering the same definition is an update
	def := serialDefinition()
	def.Code, def.Name = "serial", "renamed"
	require.NoError(t, h.e.RegisterDefinition(h.ctx, def))
}

func TestGatewayPairing(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(def *types.FlowDefinition)
		wantErr string
	}{
		{"paired", func(*types.FlowDefinition) {}, ""},
		{"missing gateway id", func(def *types.FlowDefinition) { def.Nodes[3].GatewayID = 0 }, "has no gateway id"},
		{"unpaired split", func(def *types.FlowDefinition) { def.Nodes[3].GatewayID = 9 }, "needs one split and one join"},
		{"mismatched types", func(def *types.FlowDefinition) { def.Nodes[3].GatewayType = types.GatewayConditionJoin }, "pairs parallelSplit with conditionJoin"},
		{"gateway without type", func(def *types.FlowDefinition) { def.Nodes[3].GatewayType = "" }, "has no gateway type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			def := parallelDefinition(types.GatewayModeAll)
			def.Code = "parallel"
			tt.mutate(&def)
			err := h.e.RegisterDefinition(h.ctx, def)
			if tt.wantErr == "" {
				require.NoError(t, err)
				got, err := h.e.GetDefinition(h.ctx, def.ID)
				require.NoError(t, err)
				assert.Equal(t, types.GatewayModeAll, got.Nodes[0].GatewayMode)
				return
			}
			assert.True(t, IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAddAndRemoveNode(t *testing.T) {
	h := newHarness(t)
	def := serialDefinition()
	def.Nodes[2].IsLastNode = false
	def.Nodes[2].NextNodeID = 0
	h.register(def)

	extra := userNode(4, 4, "4")
	extra.IsLastNode = true
	require.NoError(t, h.e.AddNode(h.ctx, 1, extra))

	inst := h.start(1, nil)
	h.approve(inst.ID, 1, 1)
	h.approve(inst.ID, 2, 2)
	h.approve(inst.ID, 3, 3)
	res := h.approve(inst.ID, 4, 4)
	assert.Equal(t, types.FlowCompleted, res.Instance.Status)

	err := h.e.AddNode(h.ctx, 1, userNode(4, 5, "1"))
	assert.True(t, IsValidation(err))
	err = h.e.AddNode(h.ctx, 77, extra)
	assert.True(t, IsNotFound(err))

	err = h.e.RemoveNode(h.ctx, 1, 2)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "referenced by node 1")
	err = h.e.RemoveNode(h.ctx, 1, 99)
	assert.True(t, IsNotFound(err))

	require.NoError(t, h.e.RemoveNode(h.ctx, 1, 4))
	got, err := h.e.GetDefinition(h.ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 3)
}

func TestValidateExpressions(t *testing.T) {
	h := newHarness(t)
	def := conditionDefinition()
	assert.NoError(t, h.e.ValidateExpressions(def))

	def.Nodes[2].ConditionExpression = "amount > "
	assert.True(t, IsValidation(h.e.ValidateExpressions(def)))
}
