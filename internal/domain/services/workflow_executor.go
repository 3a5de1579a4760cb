package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

type branchArrival struct {
	nodeID string
	status entities.NodeStatus
	result interface{}
}

// workflowRun interprets one workflow instance. Scheduling happens under the
// run mutex; node bodies run in their own goroutines, with task and
// sub-workflow nodes bounded by the run's own semaphore of MaxConcurrentNodes
// slots (the bound is per instance, not shared across instances).
type workflowRun struct {
	engine   *WorkflowEngine
	workflow *entities.Workflow
	instance *entities.WorkflowInstance

	nodes    map[string]*entities.WorkflowNode
	outgoing map[string][]*entities.WorkflowEdge
	parents  map[string][]string

	sem      chan struct{}
	cancelCh chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	running       int
	paused        bool
	cancelled     bool
	finished      bool
	deferred      []string
	branchWaiters map[string][]chan branchArrival
}

func newWorkflowRun(engine *WorkflowEngine, workflow *entities.Workflow, instance *entities.WorkflowInstance) *workflowRun {
	run := &workflowRun{
		engine:        engine,
		workflow:      workflow,
		instance:      instance,
		nodes:         make(map[string]*entities.WorkflowNode, len(workflow.Nodes)),
		outgoing:      make(map[string][]*entities.WorkflowEdge),
		parents:       make(map[string][]string),
		sem:           make(chan struct{}, engine.config.MaxConcurrentNodes),
		cancelCh:      make(chan struct{}),
		branchWaiters: make(map[string][]chan branchArrival),
	}
	for _, node := range workflow.Nodes {
		run.nodes[node.ID] = node
	}
	for _, edge := range workflow.Edges {
		run.outgoing[edge.From] = append(run.outgoing[edge.From], edge)
		run.parents[edge.To] = append(run.parents[edge.To], edge.From)
	}
	return run
}

// schedule queues the given nodes for execution. Paused runs defer them;
// merge nodes are only launched once their reached parents have settled.
func (r *workflowRun) schedule(nodeIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleLocked(nodeIDs)
}

func (r *workflowRun) scheduleLocked(nodeIDs []string) {
	for _, id := range nodeIDs {
		if r.finished || r.cancelled {
			return
		}
		if r.paused {
			r.deferred = append(r.deferred, id)
			continue
		}
		state := r.instance.NodeStates[id]
		if state == nil || state.Status != entities.NodeStatusPending {
			continue
		}
		node := r.nodes[id]
		if node.Type == entities.NodeTypeMerge && !r.mergeReadyLocked(id) {
			continue
		}

		state.Status = entities.NodeStatusRunning
		now := time.Now()
		state.StartedAt = &now
		r.instance.CurrentNodes[id] = true
		r.running++
		go r.runNode(node)
	}
}

// mergeReadyLocked reports whether a merge node's active parents have all
// settled: nothing running, nothing still in the frontier.
func (r *workflowRun) mergeReadyLocked(id string) bool {
	settled := 0
	for _, parent := range r.parents[id] {
		state := r.instance.NodeStates[parent]
		switch state.Status {
		case entities.NodeStatusRunning:
			return false
		case entities.NodeStatusCompleted, entities.NodeStatusFailed, entities.NodeStatusSkipped:
			settled++
		default:
			if r.instance.CurrentNodes[parent] {
				return false
			}
		}
	}
	return settled > 0
}

func (r *workflowRun) runNode(node *entities.WorkflowNode) {
	ctx := context.Background()
	r.engine.publishInstanceEvent(ctx, r.instance, entities.EventTypeNodeStarted, node.ID, nil)

	var result interface{}
	var err error
	switch node.Type {
	case entities.NodeTypeTask:
		result, err = r.executeTask(ctx, node)
	case entities.NodeTypeCondition:
		result, err = r.executeCondition(node)
	case entities.NodeTypeParallel:
		result, err = r.executeParallel(node)
	case entities.NodeTypeMerge:
		result, err = r.executeMerge(node)
	case entities.NodeTypeDelay:
		result, err = r.executeDelay(node)
	case entities.NodeTypeSubWorkflow:
		result, err = r.executeSubWorkflow(ctx, node)
	default:
		err = common.NewError(common.ValidationError, "UNKNOWN_NODE_TYPE",
			fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type))
	}

	if err != nil {
		r.finishNode(ctx, node, entities.NodeStatusFailed, nil, err)
		return
	}
	r.finishNode(ctx, node, entities.NodeStatusCompleted, result, nil)
}

// finishNode commits a node outcome, notifies branch waiters, schedules
// successors and runs the completion check.
func (r *workflowRun) finishNode(ctx context.Context, node *entities.WorkflowNode, status entities.NodeStatus, result interface{}, nodeErr error) {
	r.mu.Lock()
	state := r.instance.NodeStates[node.ID]
	now := time.Now()
	state.CompletedAt = &now
	if state.StartedAt != nil {
		state.Duration = now.Sub(*state.StartedAt)
	}
	state.Attempts++
	delete(r.instance.CurrentNodes, node.ID)
	r.running--

	failurePolicy := r.workflow.OnFailure
	if failurePolicy == "" {
		failurePolicy = entities.FailurePolicyStop
	}

	var successors []string
	switch status {
	case entities.NodeStatusCompleted:
		state.Status = entities.NodeStatusCompleted
		r.instance.CompletedNodes = append(r.instance.CompletedNodes, node.ID)
		r.instance.Results[node.ID] = result
		successors = r.successorsLocked(node, result)

	case entities.NodeStatusFailed:
		state.Error = nodeErr.Error()
		r.instance.FailedNodes = append(r.instance.FailedNodes, node.ID)
		if failurePolicy == entities.FailurePolicyStop {
			state.Status = entities.NodeStatusFailed
			failedNow := r.failLocked()
			r.notifyBranchLocked(node.ID, entities.NodeStatusFailed, nil)
			r.mu.Unlock()
			r.engine.publishInstanceEvent(ctx, r.instance, entities.EventTypeNodeFailed, node.ID,
				map[string]interface{}{"error": nodeErr.Error()})
			if failedNow {
				r.engine.publishInstanceEvent(ctx, r.instance, entities.EventTypeWorkflowFailed, "",
					map[string]interface{}{"error": nodeErr.Error()})
			}
			return
		}
		// continue policy: the node is skipped so it never blocks the
		// reached-set check, and its successors see the error as a result
		state.Status = entities.NodeStatusSkipped
		result = map[string]interface{}{"error": nodeErr.Error()}
		r.instance.Results[node.ID] = result
		successors = r.successorsLocked(node, result)
	}

	r.notifyBranchLocked(node.ID, state.Status, result)
	r.scheduleLocked(successors)
	// a freshly settled parent may unblock a merge that was skipped earlier
	r.rescheduleMergesLocked(node.ID)
	completedNow := r.checkCompletionLocked()
	r.mu.Unlock()

	if completedNow {
		r.engine.publishInstanceEvent(ctx, r.instance, entities.EventTypeWorkflowCompleted, "",
			map[string]interface{}{
				"completed_nodes": len(r.instance.CompletedNodes),
				"failed_nodes":    len(r.instance.FailedNodes),
			})
	}

	if nodeErr != nil {
		data := map[string]interface{}{"error": nodeErr.Error()}
		r.engine.publishInstanceEvent(ctx, r.instance, entities.EventTypeNodeFailed, node.ID, data)
		r.engine.publishInstanceEvent(ctx, r.instance, entities.EventTypeNodeSkipped, node.ID, data)
		return
	}
	r.engine.publishInstanceEvent(ctx, r.instance, entities.EventTypeNodeCompleted, node.ID, nil)
}

func (r *workflowRun) rescheduleMergesLocked(parentID string) {
	for _, edge := range r.outgoing[parentID] {
		target := r.nodes[edge.To]
		if target != nil && target.Type == entities.NodeTypeMerge {
			r.scheduleLocked([]string{target.ID})
		}
	}
}

// successorsLocked computes the next node set after a successful node.
// Condition nodes override edge traversal: only the chosen branch follows.
func (r *workflowRun) successorsLocked(node *entities.WorkflowNode, result interface{}) []string {
	if node.Type == entities.NodeTypeCondition {
		if m, ok := result.(map[string]interface{}); ok {
			if branch, ok := m["branch"].(string); ok {
				return []string{branch}
			}
		}
		return nil
	}

	scope := r.scopeWithResult(result)
	next := make([]string, 0, len(r.outgoing[node.ID]))
	for _, edge := range r.outgoing[node.ID] {
		if edge.Condition != "" {
			substituted := SubstituteExpression(edge.Condition, scope)
			pass, err := r.engine.evaluator.EvaluateBool(substituted, scope)
			if err != nil || !pass {
				continue
			}
		}
		next = append(next, edge.To)
	}
	return next
}

func (r *workflowRun) scopeWithResult(result interface{}) map[string]interface{} {
	scope := make(map[string]interface{}, len(r.instance.Variables)+1)
	for k, v := range r.instance.Variables {
		scope[k] = v
	}
	if result != nil {
		scope["result"] = result
	}
	return scope
}

// failLocked moves the instance to failed and unblocks every waiting node
// body. Returns true when this call performed the transition.
func (r *workflowRun) failLocked() bool {
	if r.instance.Status.Terminal() {
		return false
	}
	r.finished = true
	r.instance.Status = entities.InstanceStatusFailed
	now := time.Now()
	r.instance.CompletedAt = &now
	r.stopOnce.Do(func() { close(r.cancelCh) })
	return true
}

// checkCompletionLocked finishes the instance once nothing is running, nothing
// is deferred and every reached terminal node has settled. Returns true when
// this call completed the instance; the caller publishes after unlocking.
func (r *workflowRun) checkCompletionLocked() bool {
	if r.finished || r.cancelled || r.paused {
		return false
	}
	if r.running > 0 || len(r.deferred) > 0 || len(r.instance.CurrentNodes) > 0 {
		return false
	}
	r.finished = true
	r.instance.Status = entities.InstanceStatusCompleted
	now := time.Now()
	r.instance.CompletedAt = &now
	return true
}

func (r *workflowRun) notifyBranchLocked(nodeID string, status entities.NodeStatus, result interface{}) {
	waiters := r.branchWaiters[nodeID]
	if len(waiters) == 0 {
		return
	}
	delete(r.branchWaiters, nodeID)
	for _, ch := range waiters {
		ch <- branchArrival{nodeID: nodeID, status: status, result: result}
	}
}

func (r *workflowRun) pause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.cancelled || r.paused {
		return false
	}
	r.paused = true
	r.instance.Status = entities.InstanceStatusPaused
	return true
}

func (r *workflowRun) resume() bool {
	r.mu.Lock()
	if !r.paused || r.finished || r.cancelled {
		r.mu.Unlock()
		return false
	}
	r.paused = false
	r.instance.Status = entities.InstanceStatusRunning
	deferred := r.deferred
	r.deferred = nil
	r.scheduleLocked(deferred)
	completedNow := r.checkCompletionLocked()
	r.mu.Unlock()

	if completedNow {
		r.engine.publishInstanceEvent(context.Background(), r.instance, entities.EventTypeWorkflowCompleted, "", nil)
	}
	return true
}

func (r *workflowRun) cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.cancelled {
		return false
	}
	r.cancelled = true
	r.finished = true
	r.stopOnce.Do(func() { close(r.cancelCh) })
	r.instance.Status = entities.InstanceStatusCancelled
	now := time.Now()
	r.instance.CompletedAt = &now
	return true
}

// snapshot copies the instance for readers
func (r *workflowRun) snapshot() *entities.WorkflowInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	copyInstance := *r.instance
	copyInstance.Variables = copyMap(r.instance.Variables)
	copyInstance.Results = copyMap(r.instance.Results)
	copyInstance.CompletedNodes = append([]string{}, r.instance.CompletedNodes...)
	copyInstance.FailedNodes = append([]string{}, r.instance.FailedNodes...)
	copyInstance.CurrentNodes = make(map[string]bool, len(r.instance.CurrentNodes))
	for k, v := range r.instance.CurrentNodes {
		copyInstance.CurrentNodes[k] = v
	}
	copyInstance.NodeStates = make(map[string]*entities.NodeState, len(r.instance.NodeStates))
	for k, v := range r.instance.NodeStates {
		state := *v
		copyInstance.NodeStates[k] = &state
	}
	return &copyInstance
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- node bodies ---

func (r *workflowRun) acquireSlot() bool {
	select {
	case r.sem <- struct{}{}:
		return true
	case <-r.cancelCh:
		return false
	}
}

func (r *workflowRun) releaseSlot() {
	<-r.sem
}

func (r *workflowRun) executeTask(ctx context.Context, node *entities.WorkflowNode) (interface{}, error) {
	if !r.acquireSlot() {
		return nil, common.NewError(common.ExecutionError, "CANCELLED", "instance cancelled")
	}
	defer r.releaseSlot()

	cfg := node.Config.Task
	scope := r.scopeWithResult(r.parentResult(node.ID))
	parameters, _ := SubstituteValue(cfg.Parameters, scope).(map[string]interface{})

	task := &entities.Task{
		ID:         fmt.Sprintf("%s:%s", r.instance.ID.String()[:8], node.ID),
		Name:       cfg.TaskType,
		Priority:   entities.TaskPriorityNormal,
		Timeout:    cfg.Timeout,
		Parameters: parameters,
	}
	if cfg.AgentSelector != nil {
		task.RequiredSkills = cfg.AgentSelector.RequiredSkills
	}
	if task.Timeout <= 0 {
		task.Timeout = r.engine.config.DefaultTaskTimeout
	}

	attempts := cfg.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			r.engine.publishInstanceEvent(ctx, r.instance, entities.EventTypeNodeRetrying, node.ID,
				map[string]interface{}{"attempt": attempt, "error": lastErr.Error()})
			select {
			case <-time.After(retryDelay(cfg, attempt)):
			case <-r.cancelCh:
				return nil, common.NewError(common.ExecutionError, "CANCELLED", "instance cancelled")
			}
		}

		result, err := r.callExecutor(ctx, task)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func retryDelay(cfg *entities.TaskNodeConfig, attempt int) time.Duration {
	if cfg.RetryDelay <= 0 {
		return 0
	}
	switch cfg.RetryBackoff {
	case entities.RetryBackoffLinear:
		return cfg.RetryDelay * time.Duration(attempt-1)
	case entities.RetryBackoffExponential:
		return cfg.RetryDelay << (attempt - 2)
	default:
		return cfg.RetryDelay
	}
}

func (r *workflowRun) callExecutor(ctx context.Context, task *entities.Task) (map[string]interface{}, error) {
	agentID, err := r.engine.allocator.AcquireAgent(ctx, task)
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	result, execErr := r.engine.executor.Execute(execCtx, agentID, task)
	if execErr == nil && execCtx.Err() != nil {
		execErr = execCtx.Err()
	}
	r.engine.allocator.ReleaseAgent(ctx, agentID, execErr)
	return result, execErr
}

// parentResult returns the result of the node's graph parent that comes last
// in edge order among the parents with a result; substitution scopes expose it
// as `result`.
func (r *workflowRun) parentResult(nodeID string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var parentResult interface{}
	for _, parent := range r.parents[nodeID] {
		if result, ok := r.instance.Results[parent]; ok {
			parentResult = result
		}
	}
	return parentResult
}

func (r *workflowRun) executeCondition(node *entities.WorkflowNode) (interface{}, error) {
	cfg := node.Config.Condition

	scope := r.scopeWithResult(r.parentResult(node.ID))
	substituted := SubstituteExpression(cfg.Condition, scope)
	verdict, err := r.engine.evaluator.EvaluateBool(substituted, scope)
	if err != nil {
		// evaluation failure reads as false, not as a node failure
		verdict = false
	}

	branch := cfg.FalseBranch
	if verdict {
		branch = cfg.TrueBranch
	}
	return map[string]interface{}{
		"branch":             branch,
		"result":             verdict,
		"evaluatedCondition": substituted,
	}, nil
}

func (r *workflowRun) executeParallel(node *entities.WorkflowNode) (interface{}, error) {
	cfg := node.Config.Parallel

	needed := len(cfg.Branches)
	switch cfg.WaitFor {
	case entities.WaitForAll, "":
	case entities.WaitForAny:
		needed = 1
	default:
		if n, err := parsePositiveInt(cfg.WaitFor); err == nil && n < needed {
			needed = n
		}
	}

	arrivals := make(chan branchArrival, len(cfg.Branches))
	r.mu.Lock()
	for _, branch := range cfg.Branches {
		r.branchWaiters[branch] = append(r.branchWaiters[branch], arrivals)
	}
	r.scheduleLocked(cfg.Branches)
	r.mu.Unlock()

	results := make(map[string]interface{}, needed)
	completed := make([]string, 0, needed)
	for len(completed) < needed {
		select {
		case arrival := <-arrivals:
			completed = append(completed, arrival.nodeID)
			results[arrival.nodeID] = arrival.result
		case <-r.cancelCh:
			return nil, common.NewError(common.ExecutionError, "CANCELLED", "instance cancelled")
		}
	}
	return map[string]interface{}{
		"completed": completed,
		"results":   results,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %q", s)
	}
	return n, nil
}

func (r *workflowRun) executeMerge(node *entities.WorkflowNode) (interface{}, error) {
	cfg := node.Config.Merge

	r.mu.Lock()
	collected := make([]interface{}, 0, len(r.parents[node.ID]))
	for _, parent := range r.parents[node.ID] {
		if result, ok := r.instance.Results[parent]; ok {
			collected = append(collected, result)
		}
	}
	r.mu.Unlock()

	switch cfg.Strategy {
	case entities.MergeStrategyFirst:
		if len(collected) == 0 {
			return nil, nil
		}
		return collected[0], nil
	case entities.MergeStrategyLast:
		if len(collected) == 0 {
			return nil, nil
		}
		return collected[len(collected)-1], nil
	case entities.MergeStrategyConcat:
		flat := make([]interface{}, 0, len(collected))
		for _, item := range collected {
			if list, ok := item.([]interface{}); ok {
				flat = append(flat, list...)
				continue
			}
			flat = append(flat, item)
		}
		return flat, nil
	case entities.MergeStrategyReduce:
		merged := make(map[string]interface{})
		for _, item := range collected {
			if m, ok := item.(map[string]interface{}); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
		return merged, nil
	default: // collect
		return collected, nil
	}
}

func (r *workflowRun) executeDelay(node *entities.WorkflowNode) (interface{}, error) {
	cfg := node.Config.Delay
	duration := cfg.Duration
	if cfg.Until != nil {
		duration = time.Until(*cfg.Until)
	}
	if duration <= 0 {
		return map[string]interface{}{"slept_ms": 0}, nil
	}
	select {
	case <-time.After(duration):
		return map[string]interface{}{"slept_ms": duration.Milliseconds()}, nil
	case <-r.cancelCh:
		return nil, common.NewError(common.ExecutionError, "CANCELLED", "instance cancelled")
	}
}

func (r *workflowRun) executeSubWorkflow(ctx context.Context, node *entities.WorkflowNode) (interface{}, error) {
	if !r.acquireSlot() {
		return nil, common.NewError(common.ExecutionError, "CANCELLED", "instance cancelled")
	}
	defer r.releaseSlot()

	cfg := node.Config.SubWorkflow

	r.mu.Lock()
	scope := r.scopeWithResult(nil)
	r.mu.Unlock()
	inputs := make(map[string]interface{}, len(cfg.Inputs))
	for name, path := range cfg.Inputs {
		inputs[name] = LookupPath(scope, path)
	}

	childID, err := r.engine.Start(ctx, cfg.WorkflowID, inputs, r.instance)
	if err != nil {
		return nil, err
	}
	if !cfg.WaitForCompletion {
		return map[string]interface{}{"instance_id": childID.String()}, nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = r.engine.config.SubWorkflowTimeout
	}
	child, err := r.engine.WaitForInstance(ctx, childID, timeout)
	if err != nil {
		return nil, err
	}
	if child.Status == entities.InstanceStatusFailed && cfg.PropagateErrors {
		return nil, common.NewError(common.ExecutionError, "SUB_WORKFLOW_FAILED",
			fmt.Sprintf("sub-workflow %q instance %s failed", cfg.WorkflowID, childID))
	}
	return map[string]interface{}{
		"instance_id": childID.String(),
		"status":      string(child.Status),
		"results":     child.Results,
	}, nil
}
