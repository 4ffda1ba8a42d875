package types

// StartCommand starts a flow instance for a document.
type StartCommand struct {
	DocumentID  uint64
	FlowDefID   uint64
	FlowType    string
	FlowMode    FlowMode
	InitiatorID uint64
	Variables   map[string]interface{}
	// ParentFlowInstanceID links a sub-flow started by a free-flow action.
	ParentFlowInstanceID uint64
}

// ApproveCommand approves one node instance.
type ApproveCommand struct {
	FlowInstanceID uint64
	NodeInstanceID uint64
	ApproverID     uint64
	Comments       string
}

// RejectCommand rejects one node instance. A non-zero RollbackToNodeID
// reopens that node instead of ending the flow.
type RejectCommand struct {
	FlowInstanceID   uint64
	NodeInstanceID   uint64
	ApproverID       uint64
	Comments         string
	RollbackToNodeID uint64
}

// WithdrawCommand lets the initiator take a flow back.
type WithdrawCommand struct {
	FlowInstanceID uint64
	InitiatorID    uint64
	Reason         string
}

// RollbackCommand jumps back to an already completed node.
type RollbackCommand struct {
	FlowInstanceID        uint64
	CurrentNodeInstanceID uint64
	TargetNodeID          uint64
	ApproverID            uint64
	Reason                string
}

// FreeFlowCommand sends a node instance outside the static routing.
type FreeFlowCommand struct {
	FlowInstanceID uint64
	NodeInstanceID uint64
	OperatorID     uint64
	ActionID       uint64
	ApproverIDs    []uint64
	DeptIDs        []uint64
	Comments       string
}
