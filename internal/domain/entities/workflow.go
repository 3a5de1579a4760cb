package entities

import (
	"time"

	"github.com/google/uuid"
)

// Workflow is a user-defined DAG of heterogeneous nodes interpreted by the engine
type Workflow struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	Nodes     []*WorkflowNode       `json:"nodes"`
	Edges     []*WorkflowEdge       `json:"edges"`
	Variables []*VariableDefinition `json:"variables,omitempty"`
	OnFailure FailurePolicy         `json:"on_failure"`
	CreatedAt time.Time             `json:"created_at"`
}

// FailurePolicy controls how an instance reacts to a node failure that exhausts retries
type FailurePolicy string

const (
	FailurePolicyStop     FailurePolicy = "stop"
	FailurePolicyContinue FailurePolicy = "continue"
)

// NodeType identifies the kind of a workflow node
type NodeType string

const (
	NodeTypeTask        NodeType = "task"
	NodeTypeCondition   NodeType = "condition"
	NodeTypeParallel    NodeType = "parallel"
	NodeTypeMerge       NodeType = "merge"
	NodeTypeDelay       NodeType = "delay"
	NodeTypeSubWorkflow NodeType = "sub-workflow"
)

// WorkflowNode is one step in a workflow. Config is a tagged union over the six
// node kinds: exactly the field matching Type is set.
type WorkflowNode struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Config NodeConfig `json:"config"`
}

// NodeConfig holds the type-specific configuration of a node
type NodeConfig struct {
	Task        *TaskNodeConfig        `json:"task,omitempty"`
	Condition   *ConditionNodeConfig   `json:"condition,omitempty"`
	Parallel    *ParallelNodeConfig    `json:"parallel,omitempty"`
	Merge       *MergeNodeConfig       `json:"merge,omitempty"`
	Delay       *DelayNodeConfig       `json:"delay,omitempty"`
	SubWorkflow *SubWorkflowNodeConfig `json:"sub_workflow,omitempty"`
}

// RetryBackoff defines how retry delays grow between attempts
type RetryBackoff string

const (
	RetryBackoffFixed       RetryBackoff = "fixed"
	RetryBackoffLinear      RetryBackoff = "linear"
	RetryBackoffExponential RetryBackoff = "exponential"
)

// TaskNodeConfig configures a task node
type TaskNodeConfig struct {
	TaskType      string                 `json:"task_type"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	AgentSelector *SelectionCriteria     `json:"agent_selector,omitempty"`
	Timeout       time.Duration          `json:"timeout,omitempty"`
	Retries       int                    `json:"retries,omitempty"`
	RetryDelay    time.Duration          `json:"retry_delay,omitempty"`
	RetryBackoff  RetryBackoff           `json:"retry_backoff,omitempty"`
}

// ConditionNodeConfig configures a condition node
type ConditionNodeConfig struct {
	Condition   string `json:"condition"`
	TrueBranch  string `json:"true_branch"`
	FalseBranch string `json:"false_branch"`
}

// WaitForAll and WaitForAny are the symbolic waitFor modes of a parallel node;
// any positive integer N waits for the first N branches.
const (
	WaitForAll = "all"
	WaitForAny = "any"
)

// ParallelNodeConfig configures a parallel node
type ParallelNodeConfig struct {
	Branches []string `json:"branches"`
	WaitFor  string   `json:"wait_for"`
}

// MergeStrategy defines how a merge node combines its parents' results
type MergeStrategy string

const (
	MergeStrategyCollect MergeStrategy = "collect"
	MergeStrategyFirst   MergeStrategy = "first"
	MergeStrategyLast    MergeStrategy = "last"
	MergeStrategyConcat  MergeStrategy = "concat"
	MergeStrategyReduce  MergeStrategy = "reduce"
)

// MergeNodeConfig configures a merge node
type MergeNodeConfig struct {
	Strategy       MergeStrategy `json:"strategy"`
	ReduceFunction string        `json:"reduce_function,omitempty"`
}

// DelayNodeConfig configures a delay node: either a duration or an absolute time
type DelayNodeConfig struct {
	Duration time.Duration `json:"duration,omitempty"`
	Until    *time.Time    `json:"until,omitempty"`
}

// SubWorkflowNodeConfig configures a sub-workflow node
type SubWorkflowNodeConfig struct {
	WorkflowID        string            `json:"workflow_id"`
	Inputs            map[string]string `json:"inputs,omitempty"`
	WaitForCompletion bool              `json:"wait_for_completion,omitempty"`
	Timeout           time.Duration     `json:"timeout,omitempty"`
	PropagateErrors   bool              `json:"propagate_errors,omitempty"`
}

// WorkflowEdge connects two nodes; an optional condition expression gates traversal
type WorkflowEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// VariableDefinition declares a workflow input variable
type VariableDefinition struct {
	Name     string      `json:"name"`
	Default  interface{} `json:"default,omitempty"`
	Required bool        `json:"required,omitempty"`
}

// InstanceStatus is the lifecycle status of a workflow instance
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// NodeStatus is the per-node status within a workflow instance
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// NodeState tracks one node's execution within an instance
type NodeState struct {
	NodeID      string        `json:"node_id"`
	Status      NodeStatus    `json:"status"`
	Attempts    int           `json:"attempts"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// WorkflowInstance is a running or finished interpretation of a workflow.
// Instances are owned by the engine that started them and reference, never own,
// the workflow definition.
type WorkflowInstance struct {
	ID               uuid.UUID              `json:"id"`
	WorkflowID       string                 `json:"workflow_id"`
	Status           InstanceStatus         `json:"status"`
	Variables        map[string]interface{} `json:"variables"`
	NodeStates       map[string]*NodeState  `json:"node_states"`
	CurrentNodes     map[string]bool        `json:"current_nodes"`
	CompletedNodes   []string               `json:"completed_nodes"`
	FailedNodes      []string               `json:"failed_nodes"`
	Results          map[string]interface{} `json:"results"`
	ParentInstanceID *uuid.UUID             `json:"parent_instance_id,omitempty"`
	RootInstanceID   uuid.UUID              `json:"root_instance_id"`
	Depth            int                    `json:"depth"`
	CorrelationID    uuid.UUID              `json:"correlation_id"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}
