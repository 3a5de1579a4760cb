package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// WorkflowEngineConfig tunes the workflow interpreter
type WorkflowEngineConfig struct {
	MaxConcurrentNodes  int
	DefaultTaskTimeout  time.Duration
	SubWorkflowTimeout  time.Duration
	SubWorkflowPoll     time.Duration
	MaxSubWorkflowDepth int
}

// WorkflowEngine interprets registered workflow definitions. It owns every
// instance it starts; instances reference, never own, their definition.
type WorkflowEngine struct {
	bus       *EventBus
	allocator AgentAllocator
	executor  TaskExecutor
	evaluator *ExpressionEvaluator
	config    WorkflowEngineConfig
	logger    common.Logger

	mu        sync.RWMutex
	workflows map[string]*entities.Workflow
	instances map[uuid.UUID]*workflowRun
}

// NewWorkflowEngine creates a workflow engine
func NewWorkflowEngine(bus *EventBus, allocator AgentAllocator, executor TaskExecutor, config WorkflowEngineConfig, logger common.Logger) *WorkflowEngine {
	if config.MaxConcurrentNodes <= 0 {
		config.MaxConcurrentNodes = 10
	}
	if config.SubWorkflowTimeout <= 0 {
		config.SubWorkflowTimeout = 10 * time.Minute
	}
	if config.SubWorkflowPoll <= 0 {
		config.SubWorkflowPoll = 25 * time.Millisecond
	}
	if config.MaxSubWorkflowDepth <= 0 {
		config.MaxSubWorkflowDepth = 8
	}
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &WorkflowEngine{
		bus:       bus,
		allocator: allocator,
		executor:  executor,
		evaluator: NewExpressionEvaluator(),
		config:    config,
		logger:    logger,
		workflows: make(map[string]*entities.Workflow),
		instances: make(map[uuid.UUID]*workflowRun),
	}
}

// RegisterWorkflow validates and stores a workflow definition
func (e *WorkflowEngine) RegisterWorkflow(workflow *entities.Workflow) error {
	if err := e.validate(workflow); err != nil {
		return err
	}
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[workflow.ID] = workflow
	e.logger.Info("Workflow registered", "workflow_id", workflow.ID, "nodes", len(workflow.Nodes), "edges", len(workflow.Edges))
	return nil
}

// GetWorkflow returns a registered definition
func (e *WorkflowEngine) GetWorkflow(id string) (*entities.Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	return wf, ok
}

// ListWorkflows returns every registered definition
func (e *WorkflowEngine) ListWorkflows() []*entities.Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	workflows := make([]*entities.Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		workflows = append(workflows, wf)
	}
	return workflows
}

func (e *WorkflowEngine) validate(workflow *entities.Workflow) error {
	if workflow.ID == "" {
		return common.NewError(common.ValidationError, "MISSING_WORKFLOW_ID", "workflow id is required")
	}
	if len(workflow.Nodes) == 0 {
		return common.NewError(common.ValidationError, "EMPTY_WORKFLOW", "workflow has no nodes")
	}

	nodes := make(map[string]*entities.WorkflowNode, len(workflow.Nodes))
	for _, node := range workflow.Nodes {
		if _, dup := nodes[node.ID]; dup {
			return common.NewError(common.ValidationError, "DUPLICATE_NODE",
				fmt.Sprintf("node %q defined twice", node.ID))
		}
		nodes[node.ID] = node
		if err := validateNodeConfig(node); err != nil {
			return err
		}
	}

	graph := NewDAG()
	for id := range nodes {
		graph.AddNode(id, nodes[id])
	}
	for _, edge := range workflow.Edges {
		if _, ok := nodes[edge.From]; !ok {
			return common.NewError(common.ValidationError, "UNKNOWN_EDGE_ENDPOINT",
				fmt.Sprintf("edge references unknown node %q", edge.From))
		}
		if _, ok := nodes[edge.To]; !ok {
			return common.NewError(common.ValidationError, "UNKNOWN_EDGE_ENDPOINT",
				fmt.Sprintf("edge references unknown node %q", edge.To))
		}
		graph.AddEdge(edge.From, edge.To) //nolint:errcheck // endpoints verified above
	}

	// branch targets count as edges for cycle purposes
	for _, node := range workflow.Nodes {
		switch node.Type {
		case entities.NodeTypeCondition:
			cfg := node.Config.Condition
			for _, branch := range []string{cfg.TrueBranch, cfg.FalseBranch} {
				if _, ok := nodes[branch]; !ok {
					return common.NewError(common.ValidationError, "UNKNOWN_BRANCH",
						fmt.Sprintf("condition %q references unknown branch %q", node.ID, branch))
				}
				graph.AddEdge(node.ID, branch) //nolint:errcheck
			}
		case entities.NodeTypeParallel:
			for _, branch := range node.Config.Parallel.Branches {
				if _, ok := nodes[branch]; !ok {
					return common.NewError(common.ValidationError, "UNKNOWN_BRANCH",
						fmt.Sprintf("parallel %q references unknown branch %q", node.ID, branch))
				}
				graph.AddEdge(node.ID, branch) //nolint:errcheck
			}
		}
	}

	if cycle := graph.DetectCycle(); cycle != nil {
		return common.NewError(common.ValidationError, "WORKFLOW_CYCLE",
			fmt.Sprintf("workflow contains a cycle: %s", strings.Join(cycle, " -> ")))
	}
	return nil
}

func validateNodeConfig(node *entities.WorkflowNode) error {
	missing := func() error {
		return common.NewError(common.ValidationError, "MISSING_NODE_CONFIG",
			fmt.Sprintf("node %q has no %s config", node.ID, node.Type))
	}
	switch node.Type {
	case entities.NodeTypeTask:
		if node.Config.Task == nil {
			return missing()
		}
	case entities.NodeTypeCondition:
		if node.Config.Condition == nil {
			return missing()
		}
	case entities.NodeTypeParallel:
		if node.Config.Parallel == nil {
			return missing()
		}
		if len(node.Config.Parallel.Branches) == 0 {
			return common.NewError(common.ValidationError, "EMPTY_PARALLEL",
				fmt.Sprintf("parallel node %q has no branches", node.ID))
		}
	case entities.NodeTypeMerge:
		if node.Config.Merge == nil {
			return missing()
		}
	case entities.NodeTypeDelay:
		if node.Config.Delay == nil {
			return missing()
		}
	case entities.NodeTypeSubWorkflow:
		if node.Config.SubWorkflow == nil {
			return missing()
		}
	default:
		return common.NewError(common.ValidationError, "UNKNOWN_NODE_TYPE",
			fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type))
	}
	return nil
}

// Start validates inputs, creates an instance and begins interpretation. The
// returned id can be polled with GetInstance or awaited with WaitForInstance.
func (e *WorkflowEngine) Start(ctx context.Context, workflowID string, inputs map[string]interface{}, parent *entities.WorkflowInstance) (uuid.UUID, error) {
	e.mu.RLock()
	workflow, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return uuid.Nil, common.NewError(common.ValidationError, "UNKNOWN_WORKFLOW",
			fmt.Sprintf("workflow %q is not registered", workflowID))
	}

	depth := 0
	if parent != nil {
		depth = parent.Depth + 1
		if depth > e.config.MaxSubWorkflowDepth {
			return uuid.Nil, common.NewError(common.ValidationError, "MAX_DEPTH_EXCEEDED",
				fmt.Sprintf("sub-workflow nesting depth %d exceeds limit %d", depth, e.config.MaxSubWorkflowDepth))
		}
	}

	variables := make(map[string]interface{})
	for _, def := range workflow.Variables {
		if def.Default != nil {
			variables[def.Name] = def.Default
		}
	}
	for name, value := range inputs {
		variables[name] = value
	}
	for _, def := range workflow.Variables {
		if def.Required {
			if _, ok := variables[def.Name]; !ok {
				return uuid.Nil, common.NewError(common.ValidationError, "MISSING_VARIABLE",
					fmt.Sprintf("required variable %q has no value", def.Name))
			}
		}
	}

	startNodes := startNodeSet(workflow)
	if len(startNodes) == 0 {
		return uuid.Nil, common.NewError(common.ValidationError, "NO_START_NODES",
			fmt.Sprintf("workflow %q has no start nodes", workflowID))
	}

	instance := &entities.WorkflowInstance{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		Status:        entities.InstanceStatusRunning,
		Variables:     variables,
		NodeStates:    make(map[string]*entities.NodeState, len(workflow.Nodes)),
		CurrentNodes:  make(map[string]bool),
		Results:       make(map[string]interface{}),
		Depth:         depth,
		CorrelationID: uuid.New(),
		StartedAt:     time.Now(),
	}
	instance.RootInstanceID = instance.ID
	if parent != nil {
		parentID := parent.ID
		instance.ParentInstanceID = &parentID
		instance.RootInstanceID = parent.RootInstanceID
		instance.CorrelationID = parent.CorrelationID
	}
	for _, node := range workflow.Nodes {
		instance.NodeStates[node.ID] = &entities.NodeState{NodeID: node.ID, Status: entities.NodeStatusPending}
	}

	run := newWorkflowRun(e, workflow, instance)
	e.mu.Lock()
	e.instances[instance.ID] = run
	e.mu.Unlock()

	e.publishInstanceEvent(ctx, instance, entities.EventTypeWorkflowStarted, "", nil)
	run.schedule(startNodes)
	return instance.ID, nil
}

// startNodeSet returns nodes with no incoming edges that are neither parallel
// branches nor condition branch targets; the parallel or condition node is
// such a node's unique trigger.
func startNodeSet(workflow *entities.Workflow) []string {
	incoming := make(map[string]bool)
	for _, edge := range workflow.Edges {
		incoming[edge.To] = true
	}
	branch := make(map[string]bool)
	for _, node := range workflow.Nodes {
		switch node.Type {
		case entities.NodeTypeParallel:
			for _, b := range node.Config.Parallel.Branches {
				branch[b] = true
			}
		case entities.NodeTypeCondition:
			// branch targets only fire through the condition
			branch[node.Config.Condition.TrueBranch] = true
			branch[node.Config.Condition.FalseBranch] = true
		}
	}
	starts := make([]string, 0)
	for _, node := range workflow.Nodes {
		if !incoming[node.ID] && !branch[node.ID] {
			starts = append(starts, node.ID)
		}
	}
	return starts
}

// GetInstance returns a snapshot of the instance
func (e *WorkflowEngine) GetInstance(id uuid.UUID) (*entities.WorkflowInstance, bool) {
	e.mu.RLock()
	run, ok := e.instances[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return run.snapshot(), true
}

// ListInstances returns snapshots of every instance, optionally filtered by status
func (e *WorkflowEngine) ListInstances(status entities.InstanceStatus) []*entities.WorkflowInstance {
	e.mu.RLock()
	runs := make([]*workflowRun, 0, len(e.instances))
	for _, run := range e.instances {
		runs = append(runs, run)
	}
	e.mu.RUnlock()

	instances := make([]*entities.WorkflowInstance, 0, len(runs))
	for _, run := range runs {
		snapshot := run.snapshot()
		if status == "" || snapshot.Status == status {
			instances = append(instances, snapshot)
		}
	}
	return instances
}

// WaitForInstance polls until the instance reaches a terminal status
func (e *WorkflowEngine) WaitForInstance(ctx context.Context, id uuid.UUID, timeout time.Duration) (*entities.WorkflowInstance, error) {
	deadline := time.Now().Add(timeout)
	for {
		snapshot, ok := e.GetInstance(id)
		if !ok {
			return nil, common.NewError(common.ValidationError, "UNKNOWN_INSTANCE",
				fmt.Sprintf("instance %s not found", id))
		}
		if snapshot.Status.Terminal() {
			return snapshot, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return snapshot, common.NewError(common.ExecutionError, "WAIT_TIMEOUT",
				fmt.Sprintf("instance %s still %s after %s", id, snapshot.Status, timeout))
		}
		select {
		case <-ctx.Done():
			return snapshot, ctx.Err()
		case <-time.After(e.config.SubWorkflowPoll):
		}
	}
}

// Pause freezes scheduling for the instance; in-flight nodes complete
func (e *WorkflowEngine) Pause(ctx context.Context, id uuid.UUID) error {
	run, err := e.run(id)
	if err != nil {
		return err
	}
	if run.pause() {
		e.publishInstanceEvent(ctx, run.instance, entities.EventTypeWorkflowPaused, "", nil)
	}
	return nil
}

// Resume rescans the frozen node set and continues interpretation
func (e *WorkflowEngine) Resume(ctx context.Context, id uuid.UUID) error {
	run, err := e.run(id)
	if err != nil {
		return err
	}
	if run.resume() {
		e.publishInstanceEvent(ctx, run.instance, entities.EventTypeWorkflowResumed, "", nil)
	}
	return nil
}

// Cancel terminates the instance; running nodes complete but their successors
// are never scheduled.
func (e *WorkflowEngine) Cancel(ctx context.Context, id uuid.UUID) error {
	run, err := e.run(id)
	if err != nil {
		return err
	}
	if run.cancel() {
		e.publishInstanceEvent(ctx, run.instance, entities.EventTypeWorkflowCancelled, "", nil)
	}
	return nil
}

func (e *WorkflowEngine) run(id uuid.UUID) (*workflowRun, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.instances[id]
	if !ok {
		return nil, common.NewError(common.ValidationError, "UNKNOWN_INSTANCE",
			fmt.Sprintf("instance %s not found", id))
	}
	return run, nil
}

func (e *WorkflowEngine) publishInstanceEvent(ctx context.Context, instance *entities.WorkflowInstance, eventType, nodeID string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"instance_id": instance.ID.String(),
		"workflow_id": instance.WorkflowID,
		"timestamp":   time.Now(),
	}
	if nodeID != "" {
		payload["node_id"] = nodeID
	}
	if data != nil {
		payload["data"] = data
	}
	_, err := e.bus.Publish(ctx, eventType, payload, &PublishOptions{
		Source:        "workflow-engine",
		CorrelationID: instance.CorrelationID,
	})
	if err != nil {
		e.logger.Error("Failed to publish workflow event", err, "event_type", eventType, "instance_id", instance.ID)
	}
}

var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)

// SubstituteString replaces ${a.b.c} placeholders against the scope. A string
// that is exactly one placeholder yields the raw value; undefined paths leave
// the placeholder intact.
func SubstituteString(input string, scope map[string]interface{}) interface{} {
	if match := placeholderPattern.FindStringSubmatch(input); match != nil && match[0] == input {
		if value := LookupPath(scope, match[1]); value != nil {
			return value
		}
		return input
	}
	return placeholderPattern.ReplaceAllStringFunc(input, func(token string) string {
		path := token[2 : len(token)-1]
		value := LookupPath(scope, path)
		if value == nil {
			return token
		}
		return fmt.Sprintf("%v", value)
	})
}

// SubstituteValue walks maps, slices and strings applying SubstituteString
func SubstituteValue(value interface{}, scope map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return SubstituteString(v, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			out[key] = SubstituteValue(inner, scope)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = SubstituteValue(inner, scope)
		}
		return out
	default:
		return value
	}
}

// SubstituteExpression replaces placeholders with JSON-encoded values so the
// result stays a parseable expression.
func SubstituteExpression(expression string, scope map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(expression, func(token string) string {
		path := token[2 : len(token)-1]
		value := LookupPath(scope, path)
		if value == nil {
			return token
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return token
		}
		return string(encoded)
	})
}
