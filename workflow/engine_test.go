package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/songzhibin97/approval-flow/cache"
	"github.com/songzhibin97/approval-flow/directory"
	"github.com/songzhibin97/approval-flow/events"
	"github.com/songzhibin97/approval-flow/lock"
	"github.com/songzhibin97/approval-flow/metrics"
	"github.com/songzhibin97/approval-flow/storage"
	"github.com/songzhibin97/approval-flow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// failingGenerator fails every call.
type failingGenerator struct{}

func (failingGenerator) NextID() (uint64, error) { return 0, errors.New("clock moved backwards") }

// timeoutLocker never acquires.
type timeoutLocker struct{}

func (timeoutLocker) TryLock(context.Context, string, time.Duration, time.Duration) (lock.Token, bool, error) {
	return lock.Token{}, false, nil
}

func (timeoutLocker) Unlock(context.Context, lock.Token) error { return nil }

func testDirectory() *directory.StaticDirectory {
	return directory.NewStaticDirectory([]directory.User{
		{ID: 1, Name: "alice", DeptID: 10, RoleIDs: []uint64{100}, RoleCode: []string{"clerk"}},
		{ID: 2, Name: "bob", DeptID: 10, RoleIDs: []uint64{200}, RoleCode: []string{"reviewer"}},
		{ID: 3, Name: "carol", DeptID: 20, RoleIDs: []uint64{200}, RoleCode: []string{"reviewer"}},
		{ID: 4, Name: "dave", DeptID: 30, RoleCode: []string{"manager"}},
		{ID: 9, Name: "ivan", DeptID: 10, RoleCode: []string{"clerk"}},
	}, []directory.Dept{
		{ID: 10, Name: "ops", LeaderID: 1},
		{ID: 20, Name: "legal", LeaderID: 3},
		{ID: 30, Name: "board", LeaderID: 4},
	})
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	e     *Engine
	store *storage.MemoryStorage
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store := storage.NewMemoryStorage()
	e, err := New(&MockGenerator{}, store, testDirectory(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return &harness{t: t, ctx: context.Background(), e: e, store: store}
}

func (h *harness) register(def types.FlowDefinition) {
	h.t.Helper()
	if def.Code == "" {
		def.Code = def.Name
	}
	def.Enabled = true
	require.NoError(h.t, h.e.RegisterDefinition(h.ctx, def))
}

func (h *harness) start(defID uint64, vars map[string]interface{}) *types.FlowInstance {
	h.t.Helper()
	res, err := h.e.Start(h.ctx, types.StartCommand{DocumentID: 500, FlowDefID: defID, InitiatorID: 9, Variables: vars})
	require.NoError(h.t, err)
	return res.Instance
}

func (h *harness) instance(id uint64) types.FlowInstance {
	h.t.Helper()
	inst, err := h.e.GetInstance(h.ctx, id)
	require.NoError(h.t, err)
	return inst
}

// pending returns the single pending node instance of nodeID for approver.
func (h *harness) pending(id, nodeID, approverID uint64) types.FlowNodeInstance {
	h.t.Helper()
	inst := h.instance(id)
	for _, ni := range inst.NodeInstances {
		if ni.NodeID == nodeID && ni.ApproverID() == approverID && ni.Status == types.NodePending {
			return ni
		}
	}
	h.t.Fatalf("no pending instance of node %d for user %d", nodeID, approverID)
	return types.FlowNodeInstance{}
}

func (h *harness) approve(id, nodeID, approverID uint64) types.Result {
	h.t.Helper()
	ni := h.pending(id, nodeID, approverID)
	res, err := h.e.Approve(h.ctx, types.ApproveCommand{FlowInstanceID: id, NodeInstanceID: ni.ID, ApproverID: approverID, Comments: "ok"})
	require.NoError(h.t, err)
	return res
}

func countAt(inst types.FlowInstance, nodeID uint64, status types.NodeStatus) int {
	n := 0
	for _, ni := range inst.NodeInstances {
		if ni.NodeID == nodeID && ni.Status == status {
			n++
		}
	}
	return n
}

func userNode(id uint64, order int, approvers string) types.FlowNode {
	return types.FlowNode{ID: id, Name: "step", Type: types.NodeTypeApproval, ApproverType: types.ApproverUser, ApproverValue: approvers, OrderNum: order}
}

// serialDefinition is 1 -> 2 -> 3 approved by users 1, 2 and 3.
func serialDefinition() types.FlowDefinition {
	n1, n2, n3 := userNode(1, 1, "1"), userNode(2, 2, "2"), userNode(3, 3, "3")
	n1.NextNodeID, n2.NextNodeID = 2, 3
	n3.IsLastNode = true
	return types.FlowDefinition{ID: 1, Name: "serial", Nodes: []types.FlowNode{n1, n2, n3}}
}

func TestNew(t *testing.T) {
	_, err := New(nil, storage.NewMemoryStorage(), nil)
	assert.ErrorIs(t, err, ErrGeneratorRequired)

	e, err := New(&MockGenerator{}, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, e.Router())
	assert.NotNil(t, e.Assigner())
	require.NoError(t, e.Stop(context.Background()))
}

func TestSerialApproval(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())

	inst := h.start(1, nil)
	assert.Equal(t, types.FlowRunning, inst.Status)
	assert.Equal(t, uint64(1), inst.CurrentNodeID)
	assert.Equal(t, uint64(9), inst.ProcessVariables["initiatorId"])

	todos, err := h.e.TodoTasks(h.ctx, 1)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, inst.ID, todos[0].FlowInstanceID)

	res := h.approve(inst.ID, 1, 1)
	assert.Equal(t, uint64(2), res.Instance.CurrentNodeID)
	h.approve(inst.ID, 2, 2)
	res = h.approve(inst.ID, 3, 3)

	assert.Equal(t, types.FlowCompleted, res.Instance.Status)
	assert.Zero(t, res.Instance.CurrentNodeID)
	assert.NotZero(t, res.Instance.EndTime)

	for _, user := range []uint64{1, 2, 3} {
		todos, err := h.e.TodoTasks(h.ctx, user)
		require.NoError(t, err)
		assert.Empty(t, todos, "user %d", user)
		done, err := h.e.DoneTasks(h.ctx, user)
		require.NoError(t, err)
		require.Len(t, done, 1, "user %d", user)
		assert.Equal(t, types.ActionApprove, done[0].Action)
	}

	tl, err := h.e.History(h.ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FlowCompleted, tl.Flow.Status)
	assert.Len(t, tl.Tasks, 3)
	require.NotEmpty(t, tl.Activities)
	assert.Equal(t, types.ActivityFlowStarted, tl.Activities[0].Activity)
	assert.Equal(t, types.ActivityFlowCompleted, tl.Activities[len(tl.Activities)-1].Activity)
}

func TestStartErrors(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())
	require.NoError(t, h.e.RegisterDefinition(h.ctx, types.FlowDefinition{ID: 2, Code: "draft", Enabled: true}))
	require.NoError(t, h.e.RegisterDefinition(h.ctx, types.FlowDefinition{ID: 3, Code: "off", Nodes: []types.FlowNode{userNode(1, 1, "1")}}))
	nobody := userNode(1, 1, "")
	nobody.ApproverType = types.ApproverRole
	nobody.ApproverValue = "999"
	h.register(types.FlowDefinition{ID: 4, Name: "nobody", Nodes: []types.FlowNode{nobody}})

	tests := []struct {
		name string
		cmd  types.StartCommand
		kind error
		is   error
	}{
		{"unknown definition", types.StartCommand{DocumentID: 1, FlowDefID: 42, InitiatorID: 9}, ErrNotFound, storage.ErrNotFound},
		{"draft without nodes", types.StartCommand{DocumentID: 1, FlowDefID: 2, InitiatorID: 9}, ErrValidation, ErrNoNodes},
		{"disabled definition", types.StartCommand{DocumentID: 1, FlowDefID: 3, InitiatorID: 9}, ErrState, ErrDefinitionDisabled},
		{"no approvers", types.StartCommand{DocumentID: 1, FlowDefID: 4, InitiatorID: 9}, ErrValidation, ErrNoApprovers},
		{"missing document", types.StartCommand{FlowDefID: 1, InitiatorID: 9}, ErrValidation, nil},
		{"missing initiator", types.StartCommand{DocumentID: 1, FlowDefID: 1}, ErrValidation, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.e.Start(h.ctx, tt.cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}

	todos, err := h.e.TodoTasks(h.ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, todos)
}

func TestStartGeneratorFailure(t *testing.T) {
	store := storage.NewMemoryStorage()
	e, err := New(failingGenerator{}, store, testDirectory())
	require.NoError(t, err)
	defer e.Stop(context.Background())
	def := serialDefinition()
	def.Code, def.Enabled = "serial", true
	require.NoError(t, e.RegisterDefinition(context.Background(), def))

	_, err = e.Start(context.Background(), types.StartCommand{DocumentID: 1, FlowDefID: 1, InitiatorID: 9})
	assert.ErrorIs(t, err, ErrCollaborator)
}

func TestApproveErrors(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())
	inst := h.start(1, nil)
	ni := h.pending(inst.ID, 1, 1)

	_, err := h.e.Approve(h.ctx, types.ApproveCommand{FlowInstanceID: inst.ID, NodeInstanceID: ni.ID, ApproverID: 2})
	assert.True(t, IsValidation(err))
	assert.ErrorIs(t, err, ErrNotApprover)

	_, err = h.e.Approve(h.ctx, types.ApproveCommand{FlowInstanceID: inst.ID, NodeInstanceID: 12345, ApproverID: 1})
	assert.True(t, IsNotFound(err))

	_, err = h.e.Approve(h.ctx, types.ApproveCommand{FlowInstanceID: 777, NodeInstanceID: ni.ID, ApproverID: 1})
	assert.True(t, IsNotFound(err))

	h.approve(inst.ID, 1, 1)
	_, err = h.e.Approve(h.ctx, types.ApproveCommand{FlowInstanceID: inst.ID, NodeInstanceID: ni.ID, ApproverID: 1})
	assert.True(t, IsState(err))
	assert.ErrorIs(t, err, ErrNotPending)

	h.approve(inst.ID, 2, 2)
	last := h.pending(inst.ID, 3, 3)
	h.approve(inst.ID, 3, 3)
	_, err = h.e.Approve(h.ctx, types.ApproveCommand{FlowInstanceID: inst.ID, NodeInstanceID: last.ID, ApproverID: 3})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRejectEndsFlow(t *testing.T) {
	h := newHarness(t)
	def := serialDefinition()
	def.Nodes[1].ApproverValue = "2,3"
	def.Nodes[1].ParallelMode = types.ParallelAll
	h.register(def)
	inst := h.start(1, nil)
	h.approve(inst.ID, 1, 1)

	ni := h.pending(inst.ID, 2, 2)
	res, err := h.e.Reject(h.ctx, types.RejectCommand{FlowInstanceID: inst.ID, NodeInstanceID: ni.ID, ApproverID: 2, Comments: "no budget"})
	require.NoError(t, err)
	assert.Equal(t, types.FlowRejected, res.Instance.Status)
	assert.Zero(t, res.Instance.CurrentNodeID)
	assert.NotZero(t, res.Instance.EndTime)
	assert.Equal(t, 1, countAt(*res.Instance, 2, types.NodeRejected))
	assert.Equal(t, 1, countAt(*res.Instance, 2, types.NodeCancelled))

	todos, err := h.e.TodoTasks(h.ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, todos)
}

func TestRejectWithRollback(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())
	inst := h.start(1, nil)
	h.approve(inst.ID, 1, 1)

	ni := h.pending(inst.ID, 2, 2)
	res, err := h.e.Reject(h.ctx, types.RejectCommand{FlowInstanceID: inst.ID, NodeInstanceID: ni.ID, ApproverID: 2, RollbackToNodeID: 1})
	require.NoError(t, err)
	assert.Equal(t, types.FlowRunning, res.Instance.Status)
	assert.Equal(t, 2, res.Instance.Round)
	assert.Equal(t, uint64(1), res.Instance.CurrentNodeID)
	assert.Equal(t, 1, countAt(*res.Instance, 1, types.NodePending))
	assert.Equal(t, 1, countAt(*res.Instance, 2, types.NodeRejected))

	_, err = h.e.Reject(h.ctx, types.RejectCommand{FlowInstanceID: inst.ID, NodeInstanceID: h.pending(inst.ID, 1, 1).ID, ApproverID: 1, RollbackToNodeID: 99})
	assert.True(t, IsNotFound(err))
}

func TestRollbackCancelsSiblings(t *testing.T) {
	tests := []struct {
		name string
		back func(h *harness, flowID, niID uint64) (types.Result, error)
	}{
		{"reject with rollback", func(h *harness, flowID, niID uint64) (types.Result, error) {
			return h.e.Reject(h.ctx, types.RejectCommand{FlowInstanceID: flowID, NodeInstanceID: niID, ApproverID: 2, RollbackToNodeID: 1})
		}},
		{"rollback", func(h *harness, flowID, niID uint64) (types.Result, error) {
			return h.e.Rollback(h.ctx, types.RollbackCommand{FlowInstanceID: flowID, CurrentNodeInstanceID: niID, TargetNodeID: 1, ApproverID: 2})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			def := serialDefinition()
			def.Nodes[1].ApproverValue = "2,3"
			def.Nodes[1].ParallelMode = types.ParallelAll
			h.register(def)
			inst := h.start(1, nil)
			h.approve(inst.ID, 1, 1)
			sibling := h.pending(inst.ID, 2, 3)

			res, err := tt.back(h, inst.ID, h.pending(inst.ID, 2, 2).ID)
			require.NoError(t, err)
			assert.Equal(t, types.FlowRunning, res.Instance.Status)
			assert.Equal(t, types.NodeCancelled, res.Instance.NodeInstance(sibling.ID).Status)
			assert.Zero(t, countAt(*res.Instance, 2, types.NodePending))
			assert.Len(t, res.Instance.InstancesOf(1, 2), 1)
			assert.Equal(t, 1, countAt(*res.Instance, 1, types.NodePending))
			assert.Equal(t, uint64(1), res.Instance.CurrentNodeID)

			todos, err := h.e.TodoTasks(h.ctx, 3)
			require.NoError(t, err)
			assert.Empty(t, todos)
			todos, err = h.e.TodoTasks(h.ctx, 1)
			require.NoError(t, err)
			require.Len(t, todos, 1)
		})
	}
}

func TestRollback(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())
	inst := h.start(1, nil)
	h.approve(inst.ID, 1, 1)
	current := h.pending(inst.ID, 2, 2)

	_, err := h.e.Rollback(h.ctx, types.RollbackCommand{FlowInstanceID: inst.ID, CurrentNodeInstanceID: current.ID, TargetNodeID: 3, ApproverID: 2})
	assert.True(t, IsState(err))
	assert.ErrorIs(t, err, ErrBadRollbackTarget)

	_, err = h.e.Rollback(h.ctx, types.RollbackCommand{FlowInstanceID: inst.ID, CurrentNodeInstanceID: current.ID, TargetNodeID: 1, ApproverID: 1})
	assert.ErrorIs(t, err, ErrNotApprover)

	res, err := h.e.Rollback(h.ctx, types.RollbackCommand{FlowInstanceID: inst.ID, CurrentNodeInstanceID: current.ID, TargetNodeID: 1, ApproverID: 2, Reason: "missing receipt"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Instance.Round)
	assert.Equal(t, 1, countAt(*res.Instance, 2, types.NodeCancelled))
	assert.Equal(t, 1, countAt(*res.Instance, 1, types.NodePending))

	// the reopened step routes again and creates fresh instances downstream
	h.approve(inst.ID, 1, 1)
	got := h.instance(inst.ID)
	assert.Equal(t, 1, countAt(got, 2, types.NodePending))
	assert.Len(t, got.InstancesOf(2, 2), 1)

	done, err := h.e.DoneTasks(h.ctx, 2)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, types.ActionRollback, done[0].Action)
}

func TestWithdraw(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())

	inst := h.start(1, nil)
	_, err := h.e.Withdraw(h.ctx, types.WithdrawCommand{FlowInstanceID: inst.ID, InitiatorID: 1})
	assert.ErrorIs(t, err, ErrNotInitiator)

	res, err := h.e.Withdraw(h.ctx, types.WithdrawCommand{FlowInstanceID: inst.ID, InitiatorID: 9, Reason: "typo"})
	require.NoError(t, err)
	assert.Equal(t, types.FlowWithdrawn, res.Instance.Status)
	assert.NotZero(t, res.Instance.EndTime)
	assert.Equal(t, 1, countAt(*res.Instance, 1, types.NodeCancelled))
	todos, err := h.e.TodoTasks(h.ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, todos)

	_, err = h.e.Withdraw(h.ctx, types.WithdrawCommand{FlowInstanceID: inst.ID, InitiatorID: 9})
	assert.ErrorIs(t, err, ErrNotRunning)

	other := h.start(1, nil)
	h.approve(other.ID, 1, 1)
	_, err = h.e.Withdraw(h.ctx, types.WithdrawCommand{FlowInstanceID: other.ID, InitiatorID: 9})
	assert.True(t, IsState(err))
	assert.ErrorIs(t, err, ErrAlreadyApproved)
}

func TestSuspendResume(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())
	inst := h.start(1, nil)
	ni := h.pending(inst.ID, 1, 1)

	res, err := h.e.Suspend(h.ctx, inst.ID, 9, "waiting for invoice")
	require.NoError(t, err)
	assert.Equal(t, types.FlowSuspended, res.Instance.Status)
	assert.Equal(t, 1, countAt(*res.Instance, 1, types.NodePending))

	_, err = h.e.Approve(h.ctx, types.ApproveCommand{FlowInstanceID: inst.ID, NodeInstanceID: ni.ID, ApproverID: 1})
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = h.e.Suspend(h.ctx, inst.ID, 9, "")
	assert.True(t, IsState(err))

	res, err = h.e.Resume(h.ctx, inst.ID, 9, "")
	require.NoError(t, err)
	assert.Equal(t, types.FlowRunning, res.Instance.Status)
	_, err = h.e.Resume(h.ctx, inst.ID, 9, "")
	assert.True(t, IsState(err))

	h.approve(inst.ID, 1, 1)
}

func TestReevaluateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())
	inst := h.start(1, nil)
	h.approve(inst.ID, 1, 1)

	for i := 0; i < 3; i++ {
		_, err := h.e.Reevaluate(h.ctx, inst.ID, 1)
		require.NoError(t, err)
	}
	got := h.instance(inst.ID)
	assert.Len(t, got.InstancesOf(2, 1), 1)

	_, err := h.e.Reevaluate(h.ctx, inst.ID, 99)
	assert.True(t, IsNotFound(err))
}

func TestDegradedLockStillExecutes(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	h := newHarness(t, WithLocker(timeoutLocker{}), WithMetrics(m))
	h.register(serialDefinition())
	inst := h.start(1, nil)

	h.approve(inst.ID, 1, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Locks.WithLabelValues(metrics.LockTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("approve", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("start", "ok")))
}

func TestCacheIsEvictedOnCommit(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	h := newHarness(t, WithCache(cache.NewMemoryCache()), WithLocker(lock.NewMemoryLocker(time.Millisecond)), WithMetrics(m))
	h.register(serialDefinition())
	inst := h.start(1, nil)

	assert.Equal(t, uint64(1), h.instance(inst.ID).CurrentNodeID)
	assert.Equal(t, uint64(1), h.instance(inst.ID).CurrentNodeID)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.CacheRequests.WithLabelValues("hit")), 1.0)

	h.approve(inst.ID, 1, 1)
	assert.Equal(t, uint64(2), h.instance(inst.ID).CurrentNodeID)
}

func TestDefinitionCacheIsEvictedOnDisable(t *testing.T) {
	h := newHarness(t, WithCache(cache.NewMemoryCache()))
	h.register(serialDefinition())
	h.start(1, nil)

	require.NoError(t, h.e.DisableDefinition(h.ctx, 1))
	_, err := h.e.Start(h.ctx, types.StartCommand{DocumentID: 1, FlowDefID: 1, InitiatorID: 9})
	assert.ErrorIs(t, err, ErrDefinitionDisabled)

	require.NoError(t, h.e.EnableDefinition(h.ctx, 1))
	h.start(1, nil)
}

func TestFlowEventsArePublished(t *testing.T) {
	bus := events.NewEventBus()
	h := newHarness(t, WithEventBus(bus))
	h.register(serialDefinition())

	completed := make(chan events.Event, 1)
	h.e.SubscribeEvent(types.EventFlowCompleted, events.EventHandlerFunc(func(_ context.Context, ev events.Event) error {
		completed <- ev
		return nil
	}))

	inst := h.start(1, nil)
	h.approve(inst.ID, 1, 1)
	h.approve(inst.ID, 2, 2)
	h.approve(inst.ID, 3, 3)

	select {
	case ev := <-completed:
		assert.Equal(t, inst.ID, ev.FlowInstanceID)
		assert.Equal(t, uint64(500), ev.Data["document_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("flow_completed not published")
	}
}

func TestContextCancelled(t *testing.T) {
	h := newHarness(t)
	h.register(serialDefinition())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.e.Start(ctx, types.StartCommand{DocumentID: 1, FlowDefID: 1, InitiatorID: 9})
	assert.ErrorIs(t, err, context.Canceled)
}
