package types

// EffectKind names a side effect produced by a state transition.
type EffectKind string

const (
	EffectTodoCreated   EffectKind = "todo_created"
	EffectTodoHandled   EffectKind = "todo_handled"
	EffectTodoCancelled EffectKind = "todo_cancelled"
	EffectDoneTask      EffectKind = "done_task"
	EffectFlowHistory   EffectKind = "flow_history"
	EffectTaskHistory   EffectKind = "task_history"
	EffectActivity      EffectKind = "activity"
	EffectCacheEvict    EffectKind = "cache_evict"
	EffectEvent         EffectKind = "event"
)

// Flow event names carried by EffectEvent.
const (
	EventFlowStarted         = "flow_started"
	EventFlowCompleted       = "flow_completed"
	EventFlowRejected        = "flow_rejected"
	EventFlowWithdrawn       = "flow_withdrawn"
	EventNodeInstanceCreated = "node_instance_created"
	EventNodeNotified        = "node_notified"
)

// Effect describes work that follows a committed transition. Transitions only
// collect effects; a dispatcher performs them.
type Effect struct {
	Kind           EffectKind
	FlowInstanceID uint64
	// Instance is a snapshot taken when the effect was recorded.
	Instance     *FlowInstance
	NodeInstance *FlowNodeInstance
	Action       TaskAction
	Activity     ActivityType
	OperatorID   uint64
	Comments     string
	Event        string
	Data         map[string]interface{}
	At           int64
}

// Result is the outcome of a command: the committed instance and its effects.
type Result struct {
	Instance *FlowInstance
	Effects  []Effect
}
