package services

import (
	"context"
	"sync"
	"time"

	"agentmesh/internal/domain/entities"
)

// ExecutionProgress is a point-in-time view of a tracked run
type ExecutionProgress struct {
	TotalTasks             int            `json:"total_tasks"`
	CompletedTasks         int            `json:"completed_tasks"`
	FailedTasks            int            `json:"failed_tasks"`
	RunningTasks           int            `json:"running_tasks"`
	CurrentLevel           int            `json:"current_level"`
	TotalLevels            int            `json:"total_levels"`
	Percentage             float64        `json:"percentage"`
	ActiveAgents           []string       `json:"active_agents"`
	EstimatedTimeRemaining *time.Duration `json:"estimated_time_remaining,omitempty"`
}

// ExecutionSummary aggregates the final counts of a tracked run
type ExecutionSummary struct {
	TotalTasks          int            `json:"total_tasks"`
	Completed           int            `json:"completed"`
	Failed              int            `json:"failed"`
	Cancelled           int            `json:"cancelled"`
	Skipped             int            `json:"skipped"`
	Running             int            `json:"running"`
	Pending             int            `json:"pending"`
	AverageTaskDuration *time.Duration `json:"average_task_duration,omitempty"`
}

// ExecutionTracker derives progress from the engine's bus events
type ExecutionTracker struct {
	bus       *EventBus
	enableETA bool

	mu            sync.Mutex
	totalTasks    int
	totalLevels   int
	currentLevel  int
	completed     int
	failed        int
	cancelled     int
	skipped       int
	started       map[string]time.Time
	activeAgents  map[string]string // task id -> agent id
	durations     []time.Duration
	subscriptions []string
}

// NewExecutionTracker creates a tracker attached to the bus
func NewExecutionTracker(bus *EventBus, enableETA bool) *ExecutionTracker {
	t := &ExecutionTracker{
		bus:          bus,
		enableETA:    enableETA,
		started:      make(map[string]time.Time),
		activeAgents: make(map[string]string),
	}
	t.attach()
	return t
}

func (t *ExecutionTracker) attach() {
	handlers := map[string]EventHandler{
		entities.EventTypeTaskStarted:   t.onTaskStarted,
		entities.EventTypeTaskCompleted: t.onTaskCompleted,
		entities.EventTypeTaskFailed:    t.onTaskFailed,
		entities.EventTypeTaskCancelled: t.onTaskCancelled,
		entities.EventTypeTaskSkipped:   t.onTaskSkipped,
		entities.EventTypeLevelStarted:  t.onLevelStarted,
	}
	for pattern, handler := range handlers {
		id, err := t.bus.Subscribe(pattern, handler, nil)
		if err == nil {
			t.subscriptions = append(t.subscriptions, id)
		}
	}
}

// Initialize resets all counters for a new run
func (t *ExecutionTracker) Initialize(totalTasks, totalLevels int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalTasks = totalTasks
	t.totalLevels = totalLevels
	t.currentLevel = 0
	t.completed = 0
	t.failed = 0
	t.cancelled = 0
	t.skipped = 0
	t.started = make(map[string]time.Time)
	t.activeAgents = make(map[string]string)
	t.durations = nil
}

// Detach removes the tracker's bus subscriptions
func (t *ExecutionTracker) Detach() {
	for _, id := range t.subscriptions {
		t.bus.Unsubscribe(id)
	}
	t.subscriptions = nil
}

func (t *ExecutionTracker) onTaskStarted(ctx context.Context, event *entities.Event) error {
	taskID, _ := event.Payload["task_id"].(string)
	agentID, _ := event.Payload["agent_id"].(string)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[taskID] = event.Timestamp
	if agentID != "" {
		t.activeAgents[taskID] = agentID
	}
	return nil
}

func (t *ExecutionTracker) onTaskCompleted(ctx context.Context, event *entities.Event) error {
	taskID, _ := event.Payload["task_id"].(string)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	if startedAt, ok := t.started[taskID]; ok {
		t.durations = append(t.durations, event.Timestamp.Sub(startedAt))
		delete(t.started, taskID)
	}
	delete(t.activeAgents, taskID)
	return nil
}

func (t *ExecutionTracker) onTaskFailed(ctx context.Context, event *entities.Event) error {
	taskID, _ := event.Payload["task_id"].(string)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
	delete(t.started, taskID)
	delete(t.activeAgents, taskID)
	return nil
}

func (t *ExecutionTracker) onTaskCancelled(ctx context.Context, event *entities.Event) error {
	taskID, _ := event.Payload["task_id"].(string)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled++
	delete(t.started, taskID)
	delete(t.activeAgents, taskID)
	return nil
}

func (t *ExecutionTracker) onTaskSkipped(ctx context.Context, event *entities.Event) error {
	taskID, _ := event.Payload["task_id"].(string)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped++
	delete(t.started, taskID)
	delete(t.activeAgents, taskID)
	return nil
}

func (t *ExecutionTracker) onLevelStarted(ctx context.Context, event *entities.Event) error {
	level, ok := event.Payload["level"].(int)
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.currentLevel = level
	}
	return nil
}

// GetProgress returns the current progress view
func (t *ExecutionTracker) GetProgress() *ExecutionProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	progress := &ExecutionProgress{
		TotalTasks:     t.totalTasks,
		CompletedTasks: t.completed,
		FailedTasks:    t.failed,
		RunningTasks:   len(t.started),
		CurrentLevel:   t.currentLevel,
		TotalLevels:    t.totalLevels,
		ActiveAgents:   make([]string, 0, len(t.activeAgents)),
	}
	for _, agentID := range t.activeAgents {
		progress.ActiveAgents = append(progress.ActiveAgents, agentID)
	}
	if t.totalTasks > 0 {
		progress.Percentage = float64(t.completed+t.failed) / float64(t.totalTasks) * 100
	}

	if t.enableETA && len(t.durations) > 0 {
		var sum time.Duration
		for _, d := range t.durations {
			sum += d
		}
		mean := sum / time.Duration(len(t.durations))
		notStarted := t.totalTasks - t.completed - t.failed - len(t.started)
		if notStarted > 0 {
			eta := mean * time.Duration(notStarted)
			progress.EstimatedTimeRemaining = &eta
		}
	}
	return progress
}

// GetSummary returns the aggregate counts
func (t *ExecutionTracker) GetSummary() *ExecutionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := &ExecutionSummary{
		TotalTasks: t.totalTasks,
		Completed:  t.completed,
		Failed:     t.failed,
		Cancelled:  t.cancelled,
		Skipped:    t.skipped,
		Running:    len(t.started),
	}
	summary.Pending = t.totalTasks - summary.Completed - summary.Failed - summary.Cancelled - summary.Skipped - summary.Running
	if summary.Pending < 0 {
		summary.Pending = 0
	}
	if len(t.durations) > 0 {
		var sum time.Duration
		for _, d := range t.durations {
			sum += d
		}
		mean := sum / time.Duration(len(t.durations))
		summary.AverageTaskDuration = &mean
	}
	return summary
}
