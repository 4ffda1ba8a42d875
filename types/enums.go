package types

// NodeType is the behavioural kind of a flow node.
type NodeType string

const (
	NodeTypeApproval  NodeType = "approval"
	NodeTypeNotify    NodeType = "notify"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAuto      NodeType = "auto"
	NodeTypeFreeFlow  NodeType = "freeFlow"
	NodeTypeGateway   NodeType = "gateway"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeApproval, NodeTypeNotify, NodeTypeCondition, NodeTypeAuto, NodeTypeFreeFlow, NodeTypeGateway:
		return true
	}
	return false
}

// NeedsApprover reports whether nodes of this type wait for a human decision.
func (t NodeType) NeedsApprover() bool {
	return t == NodeTypeApproval || t == NodeTypeFreeFlow || t == ""
}

// ApproverType selects the approver assignment strategy of a node.
type ApproverType string

const (
	ApproverUser       ApproverType = "user"
	ApproverRole       ApproverType = "role"
	ApproverDeptLeader ApproverType = "deptLeader"
	ApproverInitiator  ApproverType = "initiator"
)

// ParallelMode controls how many approvers of one node must act before it advances.
type ParallelMode string

const (
	ParallelSerial ParallelMode = "serial"
	ParallelAll    ParallelMode = "parallelAll"
	ParallelAny    ParallelMode = "parallelAny"
)

// GatewayType is the split/join role of a gateway node.
type GatewayType string

const (
	GatewayParallelSplit  GatewayType = "parallelSplit"
	GatewayParallelJoin   GatewayType = "parallelJoin"
	GatewayConditionSplit GatewayType = "conditionSplit"
	GatewayConditionJoin  GatewayType = "conditionJoin"
)

// IsSplit reports whether the gateway fans out.
func (g GatewayType) IsSplit() bool {
	return g == GatewayParallelSplit || g == GatewayConditionSplit
}

// IsJoin reports whether the gateway converges branches.
func (g GatewayType) IsJoin() bool {
	return g == GatewayParallelJoin || g == GatewayConditionJoin
}

// Pair returns the gateway type a split or join must be paired with.
func (g GatewayType) Pair() GatewayType {
	switch g {
	case GatewayParallelSplit:
		return GatewayParallelJoin
	case GatewayParallelJoin:
		return GatewayParallelSplit
	case GatewayConditionSplit:
		return GatewayConditionJoin
	case GatewayConditionJoin:
		return GatewayConditionSplit
	}
	return ""
}

// GatewayMode is the convergence predicate of a parallel join.
type GatewayMode string

const (
	GatewayModeAll GatewayMode = "all"
	GatewayModeAny GatewayMode = "any"
)

// FlowMode distinguishes statically routed flows from operator driven ones.
type FlowMode string

const (
	FlowModeFixed FlowMode = "fixed"
	FlowModeFree  FlowMode = "free"
)

// FlowStatus is the lifecycle state of a flow instance.
type FlowStatus string

const (
	FlowNotStarted FlowStatus = "notStarted"
	FlowRunning    FlowStatus = "running"
	FlowSuspended  FlowStatus = "suspended"
	FlowCompleted  FlowStatus = "completed"
	FlowRejected   FlowStatus = "rejected"
	FlowWithdrawn  FlowStatus = "withdrawn"
)

// IsFinal reports whether no further transition is possible.
func (s FlowStatus) IsFinal() bool {
	return s == FlowCompleted || s == FlowRejected || s == FlowWithdrawn
}

// NodeStatus is the lifecycle state of a node instance. It only moves forward.
type NodeStatus string

const (
	NodePending    NodeStatus = "pending"
	NodeProcessing NodeStatus = "processing"
	NodeCompleted  NodeStatus = "completed"
	NodeRejected   NodeStatus = "rejected"
	NodeSkipped    NodeStatus = "skipped"
	NodeCancelled  NodeStatus = "cancelled"
)

// IsActive reports whether the node instance still waits for an action.
func (s NodeStatus) IsActive() bool {
	return s == NodePending || s == NodeProcessing
}

// IsTerminal reports whether the node instance reached a decision.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeCompleted || s == NodeRejected || s == NodeSkipped
}

// IsClosed reports whether the node instance can no longer change.
func (s NodeStatus) IsClosed() bool {
	return s.IsTerminal() || s == NodeCancelled
}

// TodoStatus is the state of a todo task.
type TodoStatus string

const (
	TodoPending   TodoStatus = "pending"
	TodoHandled   TodoStatus = "handled"
	TodoCancelled TodoStatus = "cancelled"
)

// TaskAction is the action an approver took on a node instance.
type TaskAction string

const (
	ActionApprove  TaskAction = "approve"
	ActionReject   TaskAction = "reject"
	ActionRollback TaskAction = "rollback"
	ActionFreeFlow TaskAction = "freeFlow"
	ActionWithdraw TaskAction = "withdraw"
)

// ActivityType classifies entries of the activity log.
type ActivityType string

const (
	ActivityFlowStarted      ActivityType = "flowStarted"
	ActivityNodeCreated      ActivityType = "nodeCreated"
	ActivityNodeSkipped      ActivityType = "nodeSkipped"
	ActivityApproved         ActivityType = "approved"
	ActivityRejected         ActivityType = "rejected"
	ActivityCancelled        ActivityType = "cancelled"
	ActivityRolledBack       ActivityType = "rolledBack"
	ActivityFreeFlowSent     ActivityType = "freeFlowSent"
	ActivitySubFlowStarted   ActivityType = "subFlowStarted"
	ActivityFlowCompleted    ActivityType = "flowCompleted"
	ActivityFlowRejected     ActivityType = "flowRejected"
	ActivityFlowWithdrawn    ActivityType = "flowWithdrawn"
	ActivityFlowSuspended    ActivityType = "flowSuspended"
	ActivityFlowResumed      ActivityType = "flowResumed"
	ActivityParentFlowResume ActivityType = "parentFlowResumed"
)

// ActionType is the kind of a free-flow action.
type ActionType string

const (
	ActionTypeUnitHandle ActionType = "unitHandle"
	ActionTypeReview     ActionType = "review"
	ActionTypeExternal   ActionType = "external"
	ActionTypeReturn     ActionType = "return"
	ActionTypeSubFlow    ActionType = "subFlow"
)
