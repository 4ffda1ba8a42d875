package types

import "fmt"

// FlowDefinition is the static, reusable graph of an approval process.
type FlowDefinition struct {
	ID        uint64     `json:"id" yaml:"id"`
	Code      string     `json:"code" yaml:"code"`
	Name      string     `json:"name" yaml:"name"`
	DocTypeID uint64     `json:"doc_type_id" yaml:"doc_type_id"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	Nodes     []FlowNode `json:"nodes" yaml:"nodes"`
}

// FlowNode is one step of a flow definition.
type FlowNode struct {
	ID            uint64       `json:"id" yaml:"id"`
	FlowDefID     uint64       `json:"flow_def_id" yaml:"flow_def_id"`
	Name          string       `json:"name" yaml:"name"`
	Type          NodeType     `json:"type" yaml:"type"`
	ApproverType  ApproverType `json:"approver_type,omitempty" yaml:"approver_type"`
	ApproverValue string       `json:"approver_value,omitempty" yaml:"approver_value"`
	// ApproverIDs is ApproverValue decoded by Normalize.
	ApproverIDs  IDList       `json:"approver_ids,omitempty" yaml:"-"`
	OrderNum     int          `json:"order_num" yaml:"order_num"`
	ParallelMode ParallelMode `json:"parallel_mode,omitempty" yaml:"parallel_mode"`

	GatewayType GatewayType `json:"gateway_type,omitempty" yaml:"gateway_type"`
	GatewayMode GatewayMode `json:"gateway_mode,omitempty" yaml:"gateway_mode"`
	GatewayID   uint64      `json:"gateway_id,omitempty" yaml:"gateway_id"`

	NextNodeID  uint64 `json:"next_node_id,omitempty" yaml:"next_node_id"`
	NextNodeIDs IDList `json:"next_node_ids,omitempty" yaml:"next_node_ids"`

	SkipCondition       string `json:"skip_condition,omitempty" yaml:"skip_condition"`
	ConditionExpression string `json:"condition_expression,omitempty" yaml:"condition_expression"`
	AllowFreeFlow       bool   `json:"allow_free_flow,omitempty" yaml:"allow_free_flow"`
	IsLastNode          bool   `json:"is_last_node,omitempty" yaml:"is_last_node"`
	// AutoAction names the registered action an auto node runs.
	AutoAction string `json:"auto_action,omitempty" yaml:"auto_action"`
}

// IsGateway reports whether the node is a split or join point.
func (n FlowNode) IsGateway() bool {
	return n.Type == NodeTypeGateway && n.GatewayType != ""
}

// IsJoin reports whether the node is a join gateway.
func (n FlowNode) IsJoin() bool {
	return n.IsGateway() && n.GatewayType.IsJoin()
}

// IsSplit reports whether the node is a split gateway.
func (n FlowNode) IsSplit() bool {
	return n.IsGateway() && n.GatewayType.IsSplit()
}

// FreeFlowAllowed reports whether operators may deviate from static routing here.
func (n FlowNode) FreeFlowAllowed() bool {
	return n.AllowFreeFlow || n.Type == NodeTypeFreeFlow
}

// Normalize decodes the raw approver encoding once and fills defaults.
func (n *FlowNode) Normalize() error {
	if n.Type == "" {
		n.Type = NodeTypeApproval
	}
	if n.ParallelMode == "" {
		n.ParallelMode = ParallelSerial
	}
	if n.IsGateway() && n.GatewayMode == "" {
		n.GatewayMode = GatewayModeAll
	}
	if n.ApproverType == ApproverInitiator || n.ApproverValue == "" {
		return nil
	}
	ids, err := ParseIDList(n.ApproverValue)
	if err != nil {
		return fmt.Errorf("node %d approver value: %w", n.ID, err)
	}
	n.ApproverIDs = ids
	return nil
}

// Node returns the node with the given id.
func (d FlowDefinition) Node(id uint64) (FlowNode, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return FlowNode{}, false
}

// Approver is a resolved assignee of a node instance.
type Approver struct {
	UserID   uint64 `json:"user_id"`
	DeptID   uint64 `json:"dept_id,omitempty"`
	Name     string `json:"name,omitempty"`
	DeptName string `json:"dept_name,omitempty"`
}

// FlowInstance is one execution of a flow definition against one document.
type FlowInstance struct {
	ID                   uint64                 `json:"id"`
	DocumentID           uint64                 `json:"document_id"`
	FlowDefID            uint64                 `json:"flow_def_id"`
	FlowType             string                 `json:"flow_type,omitempty"`
	FlowMode             FlowMode               `json:"flow_mode"`
	Status               FlowStatus             `json:"status"`
	CurrentNodeID        uint64                 `json:"current_node_id,omitempty"`
	ParentFlowInstanceID uint64                 `json:"parent_flow_instance_id,omitempty"`
	InitiatorID          uint64                 `json:"initiator_id"`
	Round                int                    `json:"round"`
	ProcessVariables     map[string]interface{} `json:"process_variables"`
	NodeInstances        []FlowNodeInstance     `json:"node_instances"`
	StartTime            int64                  `json:"start_time"`
	EndTime              int64                  `json:"end_time,omitempty"`
	CreatedAt            int64                  `json:"created_at"`
	UpdatedAt            int64                  `json:"updated_at"`
}

// FlowNodeInstance is one (node, approver) work item of a running instance.
type FlowNodeInstance struct {
	ID                  uint64     `json:"id"`
	FlowInstanceID      uint64     `json:"flow_instance_id"`
	NodeID              uint64     `json:"node_id"`
	Approver            *Approver  `json:"approver,omitempty"`
	Status              NodeStatus `json:"status"`
	Comments            string     `json:"comments,omitempty"`
	Round               int        `json:"round"`
	FreeFlow            bool       `json:"free_flow,omitempty"`
	ActionID            uint64     `json:"action_id,omitempty"`
	ChildFlowInstanceID uint64     `json:"child_flow_instance_id,omitempty"`
	CreatedAt           int64      `json:"created_at"`
	HandledAt           int64      `json:"handled_at,omitempty"`
}

// ApproverID returns the assignee id or zero for approver-less instances.
func (ni FlowNodeInstance) ApproverID() uint64 {
	if ni.Approver == nil {
		return 0
	}
	return ni.Approver.UserID
}

// Clone returns a deep copy so that a command can be applied atomically.
func (fi *FlowInstance) Clone() *FlowInstance {
	if fi == nil {
		return nil
	}
	cp := *fi
	cp.ProcessVariables = make(map[string]interface{}, len(fi.ProcessVariables))
	for k, v := range fi.ProcessVariables {
		cp.ProcessVariables[k] = v
	}
	cp.NodeInstances = make([]FlowNodeInstance, len(fi.NodeInstances))
	for i, ni := range fi.NodeInstances {
		if ni.Approver != nil {
			a := *ni.Approver
			ni.Approver = &a
		}
		cp.NodeInstances[i] = ni
	}
	return &cp
}

// NodeInstance returns a pointer into the instance's collection.
func (fi *FlowInstance) NodeInstance(id uint64) *FlowNodeInstance {
	for i := range fi.NodeInstances {
		if fi.NodeInstances[i].ID == id {
			return &fi.NodeInstances[i]
		}
	}
	return nil
}

// InstancesOf returns the node instances created for nodeID in the given round.
func (fi *FlowInstance) InstancesOf(nodeID uint64, round int) []*FlowNodeInstance {
	var out []*FlowNodeInstance
	for i := range fi.NodeInstances {
		ni := &fi.NodeInstances[i]
		if ni.NodeID == nodeID && ni.Round == round {
			out = append(out, ni)
		}
	}
	return out
}

// ActiveInstances returns every node instance still waiting for an action.
func (fi *FlowInstance) ActiveInstances() []*FlowNodeInstance {
	var out []*FlowNodeInstance
	for i := range fi.NodeInstances {
		if fi.NodeInstances[i].Status.IsActive() {
			out = append(out, &fi.NodeInstances[i])
		}
	}
	return out
}

// TodoTask is a pending work item of one assignee.
type TodoTask struct {
	ID             uint64     `json:"id"`
	FlowInstanceID uint64     `json:"flow_instance_id"`
	NodeInstanceID uint64     `json:"node_instance_id"`
	NodeID         uint64     `json:"node_id"`
	AssigneeID     uint64     `json:"assignee_id"`
	Status         TodoStatus `json:"status"`
	CreatedAt      int64      `json:"created_at"`
	HandledAt      int64      `json:"handled_at,omitempty"`
}

// DoneTask is the immutable record of an action an assignee took.
type DoneTask struct {
	ID             uint64     `json:"id"`
	FlowInstanceID uint64     `json:"flow_instance_id"`
	NodeInstanceID uint64     `json:"node_instance_id"`
	NodeID         uint64     `json:"node_id"`
	HandlerID      uint64     `json:"handler_id"`
	Action         TaskAction `json:"action"`
	Comments       string     `json:"comments,omitempty"`
	ReceivedAt     int64      `json:"received_at"`
	HandledAt      int64      `json:"handled_at"`
}

// FlowInstanceHistory is the per-instance summary view.
type FlowInstanceHistory struct {
	FlowInstanceID uint64     `json:"flow_instance_id"`
	DocumentID     uint64     `json:"document_id"`
	FlowDefID      uint64     `json:"flow_def_id"`
	InitiatorID    uint64     `json:"initiator_id"`
	Status         FlowStatus `json:"status"`
	CurrentNodeID  uint64     `json:"current_node_id,omitempty"`
	StartTime      int64      `json:"start_time"`
	EndTime        int64      `json:"end_time,omitempty"`
	UpdatedAt      int64      `json:"updated_at"`
}

// TaskHistory is the per-node-instance record.
type TaskHistory struct {
	NodeInstanceID uint64     `json:"node_instance_id"`
	FlowInstanceID uint64     `json:"flow_instance_id"`
	NodeID         uint64     `json:"node_id"`
	AssigneeID     uint64     `json:"assignee_id,omitempty"`
	Status         NodeStatus `json:"status"`
	Comments       string     `json:"comments,omitempty"`
	CreatedAt      int64      `json:"created_at"`
	HandledAt      int64      `json:"handled_at,omitempty"`
}

// ActivityHistory is one entry of the append-only activity log.
type ActivityHistory struct {
	ID             uint64       `json:"id"`
	FlowInstanceID uint64       `json:"flow_instance_id"`
	NodeInstanceID uint64       `json:"node_instance_id,omitempty"`
	NodeID         uint64       `json:"node_id,omitempty"`
	Activity       ActivityType `json:"activity"`
	OperatorID     uint64       `json:"operator_id,omitempty"`
	Comments       string       `json:"comments,omitempty"`
	CreatedAt      int64        `json:"created_at"`
}

// FlowAction is a free-flow action an operator may take.
type FlowAction struct {
	ID           uint64     `json:"id" yaml:"id"`
	Code         string     `json:"code" yaml:"code"`
	Name         string     `json:"name" yaml:"name"`
	Type         ActionType `json:"type" yaml:"type"`
	Enabled      bool       `json:"enabled" yaml:"enabled"`
	RoleIDs      IDList     `json:"role_ids,omitempty" yaml:"role_ids"`
	SubFlowDefID uint64     `json:"sub_flow_def_id,omitempty" yaml:"sub_flow_def_id"`
}

// FlowActionRule makes an action available for a document status, role and department.
type FlowActionRule struct {
	ID             uint64 `json:"id" yaml:"id"`
	ActionID       uint64 `json:"action_id" yaml:"action_id"`
	DocumentStatus int    `json:"document_status" yaml:"document_status"`
	// UserRole is "*" or a comma separated list of role codes.
	UserRole string `json:"user_role" yaml:"user_role"`
	// DeptID zero matches every department.
	DeptID   uint64 `json:"dept_id,omitempty" yaml:"dept_id"`
	Priority int    `json:"priority" yaml:"priority"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}
