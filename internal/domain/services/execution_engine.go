package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// TaskExecutor is the adaptor that runs a task on an out-of-process agent.
// Execute is synchronous: it blocks until the agent's attempt resolves and
// returns the result map. The engine guarantees the agent's state machine is
// busy for the whole call.
type TaskExecutor interface {
	Execute(ctx context.Context, agentID string, task *entities.Task) (map[string]interface{}, error)
	Cancel(ctx context.Context, taskID string) error
}

// AgentAllocator hands out agents for tasks and takes them back afterwards
type AgentAllocator interface {
	AcquireAgent(ctx context.Context, task *entities.Task) (string, error)
	ReleaseAgent(ctx context.Context, agentID string, taskErr error)
}

// RegistryAllocator is the standard allocator: the selector ranks healthy
// agents, the stateful registry transitions the winner idle→busy.
type RegistryAllocator struct {
	Selector *AgentSelector
	Registry *StatefulAgentRegistry
	Criteria func(task *entities.Task) *entities.SelectionCriteria
}

// AcquireAgent picks the best assignable agent for the task
func (a *RegistryAllocator) AcquireAgent(ctx context.Context, task *entities.Task) (string, error) {
	criteria := &entities.SelectionCriteria{RequiredSkills: task.RequiredSkills}
	if a.Criteria != nil {
		criteria = a.Criteria(task)
	}
	ranked, err := a.Selector.RankAgents(criteria)
	if err != nil {
		return "", err
	}
	for _, score := range ranked {
		ok, err := a.Registry.AssignWork(ctx, score.AgentID, task)
		if err != nil {
			continue
		}
		if ok {
			return score.AgentID, nil
		}
	}
	return "", common.NewError(common.SelectionError, common.CodeNoCandidates,
		fmt.Sprintf("no ranked agent would accept task %q", task.ID))
}

// ReleaseAgent returns the agent to the pool, routing through completeWork or
// failWork depending on the task outcome.
func (a *RegistryAllocator) ReleaseAgent(ctx context.Context, agentID string, taskErr error) {
	if taskErr != nil {
		_ = a.Registry.FailWork(ctx, agentID, taskErr)
		return
	}
	_ = a.Registry.CompleteWork(ctx, agentID, nil)
}

// ExecutionEngineConfig tunes the engine
type ExecutionEngineConfig struct {
	MaxConcurrency    int
	RetryAttempts     int
	RetryDelay        time.Duration
	ExponentialRetry  bool
	ContinueOnFailure bool
	TaskTimeout       time.Duration
}

// ExecutionCallbacks observe the run inline, in addition to bus events
type ExecutionCallbacks struct {
	OnTaskStarted    func(taskID, agentID string)
	OnTaskCompleted  func(result *entities.TaskResult)
	OnLevelCompleted func(level int, results []*entities.TaskResult)
}

// ExecutionReport summarizes a finished run
type ExecutionReport struct {
	Completed   int                             `json:"completed"`
	Failed      int                             `json:"failed"`
	StartedAt   time.Time                       `json:"started_at"`
	CompletedAt time.Time                       `json:"completed_at"`
	Duration    time.Duration                   `json:"duration"`
	Results     map[string]*entities.TaskResult `json:"results"`
	Cancelled   bool                            `json:"cancelled"`
}

// ExecutionEngine walks an ExecutionPlan level by level. No task in level k
// starts before every task in level k−1 reached a terminal status.
type ExecutionEngine struct {
	allocator AgentAllocator
	executor  TaskExecutor
	bus       *EventBus
	config    ExecutionEngineConfig
	logger    common.Logger

	mu        sync.Mutex
	cancelled bool
}

// NewExecutionEngine creates an engine
func NewExecutionEngine(allocator AgentAllocator, executor TaskExecutor, bus *EventBus, config ExecutionEngineConfig, logger common.Logger) *ExecutionEngine {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &ExecutionEngine{
		allocator: allocator,
		executor:  executor,
		bus:       bus,
		config:    config,
		logger:    logger,
	}
}

// Cancel stops the run between tasks: in-flight attempts complete but are not
// retried, and remaining levels are skipped.
func (e *ExecutionEngine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

func (e *ExecutionEngine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *ExecutionEngine) publish(ctx context.Context, eventType string, correlationID uuid.UUID, payload map[string]interface{}) {
	if e.bus == nil {
		return
	}
	_, err := e.bus.Publish(ctx, eventType, payload, &PublishOptions{
		Source:        "execution-engine",
		CorrelationID: correlationID,
	})
	if err != nil {
		e.logger.Error("Failed to publish execution event", err, "event_type", eventType)
	}
}

// Execute runs the plan and returns the aggregated report. With
// ContinueOnFailure unset, the first terminal task failure aborts the run
// after its level settles.
func (e *ExecutionEngine) Execute(ctx context.Context, plan *entities.ExecutionPlan, callbacks *ExecutionCallbacks) (*ExecutionReport, error) {
	if plan == nil || len(plan.Levels) == 0 {
		return nil, common.NewError(common.ValidationError, "EMPTY_PLAN", "execution plan has no levels")
	}
	if callbacks == nil {
		callbacks = &ExecutionCallbacks{}
	}

	e.mu.Lock()
	e.cancelled = false
	e.mu.Unlock()

	correlationID := uuid.New()
	report := &ExecutionReport{
		StartedAt: time.Now(),
		Results:   make(map[string]*entities.TaskResult, plan.TotalTasks),
	}
	for _, level := range plan.Levels {
		for _, t := range level.Tasks {
			report.Results[t.ID] = &entities.TaskResult{TaskID: t.ID, Status: entities.TaskStatusPending}
		}
	}

	e.publish(ctx, entities.EventTypeExecutionStarted, correlationID, map[string]interface{}{
		"total_tasks":  plan.TotalTasks,
		"total_levels": len(plan.Levels),
	})

	aborted := false
	for _, level := range plan.Levels {
		if aborted || e.isCancelled() || ctx.Err() != nil {
			e.markRemaining(ctx, report, level.Tasks, aborted, correlationID)
			continue
		}

		e.publish(ctx, entities.EventTypeLevelStarted, correlationID, map[string]interface{}{
			"level":      level.Level,
			"task_count": len(level.Tasks),
		})

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(e.config.MaxConcurrency)
		var levelMu sync.Mutex
		levelResults := make([]*entities.TaskResult, 0, len(level.Tasks))

		for _, t := range level.Tasks {
			t := t
			group.Go(func() error {
				if e.isCancelled() {
					levelMu.Lock()
					report.Results[t.ID].Status = entities.TaskStatusCancelled
					levelMu.Unlock()
					e.publish(ctx, entities.EventTypeTaskCancelled, correlationID, map[string]interface{}{
						"task_id": t.ID,
					})
					return nil
				}
				result := e.runTask(groupCtx, t.Task, correlationID, callbacks)
				levelMu.Lock()
				report.Results[t.ID] = result
				levelResults = append(levelResults, result)
				levelMu.Unlock()
				return nil
			})
		}
		group.Wait() //nolint:errcheck // task outcomes are carried in results, not errors

		failures := 0
		for _, result := range levelResults {
			if result.Status == entities.TaskStatusFailed {
				failures++
			}
		}
		if failures > 0 && !e.config.ContinueOnFailure {
			aborted = true
		}

		e.publish(ctx, entities.EventTypeLevelCompleted, correlationID, map[string]interface{}{
			"level":     level.Level,
			"completed": len(levelResults) - failures,
			"failed":    failures,
		})
		if callbacks.OnLevelCompleted != nil {
			callbacks.OnLevelCompleted(level.Level, levelResults)
		}
	}

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.Cancelled = e.isCancelled()
	for _, result := range report.Results {
		switch result.Status {
		case entities.TaskStatusCompleted:
			report.Completed++
		case entities.TaskStatusFailed:
			report.Failed++
		}
	}

	e.publish(ctx, entities.EventTypeExecutionCompleted, correlationID, map[string]interface{}{
		"completed":   report.Completed,
		"failed":      report.Failed,
		"duration_ms": report.Duration.Milliseconds(),
		"cancelled":   report.Cancelled,
	})
	return report, nil
}

// markRemaining settles tasks in levels that never start: skipped after a
// failure abort, cancelled otherwise. Each settled task is announced so
// trackers see the outcome.
func (e *ExecutionEngine) markRemaining(ctx context.Context, report *ExecutionReport, tasks []*entities.TaskWithDependencies, aborted bool, correlationID uuid.UUID) {
	status := entities.TaskStatusCancelled
	eventType := entities.EventTypeTaskCancelled
	if aborted {
		status = entities.TaskStatusSkipped
		eventType = entities.EventTypeTaskSkipped
	}
	for _, t := range tasks {
		if report.Results[t.ID].Status == entities.TaskStatusPending {
			report.Results[t.ID].Status = status
			e.publish(ctx, eventType, correlationID, map[string]interface{}{
				"task_id": t.ID,
			})
		}
	}
}

// runTask executes one task with the retry policy. attempts = RetryAttempts
// is the total attempt budget.
func (e *ExecutionEngine) runTask(ctx context.Context, task *entities.Task, correlationID uuid.UUID, callbacks *ExecutionCallbacks) *entities.TaskResult {
	result := &entities.TaskResult{
		TaskID:    task.ID,
		Status:    entities.TaskStatusRunning,
		StartedAt: time.Now(),
	}

	var lastErr error
	for attempt := 1; attempt <= e.config.RetryAttempts; attempt++ {
		result.Attempts = attempt

		if attempt > 1 {
			delay := e.config.RetryDelay
			if e.config.ExponentialRetry {
				delay = e.config.RetryDelay << (attempt - 2)
			}
			e.publish(ctx, entities.EventTypeTaskRetry, correlationID, map[string]interface{}{
				"task_id": task.ID,
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				result.Status = entities.TaskStatusCancelled
				result.CompletedAt = time.Now()
				return result
			}
			if e.isCancelled() {
				// cancelled mid-retry: the attempt budget is forfeited
				result.Status = entities.TaskStatusCancelled
				result.CompletedAt = time.Now()
				return result
			}
		}

		agentID, err := e.allocator.AcquireAgent(ctx, task)
		if err != nil {
			lastErr = err
			continue
		}
		result.AgentID = agentID

		e.publish(ctx, entities.EventTypeTaskStarted, correlationID, map[string]interface{}{
			"task_id":  task.ID,
			"agent_id": agentID,
			"attempt":  attempt,
		})
		if callbacks.OnTaskStarted != nil {
			callbacks.OnTaskStarted(task.ID, agentID)
		}

		output, execErr := e.executeOnce(ctx, agentID, task)
		e.allocator.ReleaseAgent(ctx, agentID, execErr)

		if execErr == nil {
			result.Status = entities.TaskStatusCompleted
			result.Result = output
			result.CompletedAt = time.Now()
			e.publish(ctx, entities.EventTypeTaskCompleted, correlationID, map[string]interface{}{
				"task_id":  task.ID,
				"agent_id": agentID,
				"attempts": attempt,
			})
			if callbacks.OnTaskCompleted != nil {
				callbacks.OnTaskCompleted(result)
			}
			return result
		}
		lastErr = execErr
	}

	result.Status = entities.TaskStatusFailed
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	result.CompletedAt = time.Now()
	e.publish(ctx, entities.EventTypeTaskFailed, correlationID, map[string]interface{}{
		"task_id":  task.ID,
		"agent_id": result.AgentID,
		"attempts": result.Attempts,
		"error":    result.Error,
	})
	if callbacks.OnTaskCompleted != nil {
		callbacks.OnTaskCompleted(result)
	}
	return result
}

func (e *ExecutionEngine) executeOnce(ctx context.Context, agentID string, task *entities.Task) (map[string]interface{}, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.config.TaskTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	output, err := e.executor.Execute(ctx, agentID, task)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return output, err
}
