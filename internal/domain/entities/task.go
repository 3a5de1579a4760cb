package entities

import "time"

// Task is the atomic unit of work handed to an agent
type Task struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	RequiredSkills  []string               `json:"required_skills,omitempty"`
	Priority        TaskPriority           `json:"priority"`
	Weight          float64                `json:"weight,omitempty"`
	Checkpointable  bool                   `json:"checkpointable,omitempty"`
	CanSaveProgress bool                   `json:"can_save_progress,omitempty"`
	Progress        float64                `json:"progress,omitempty"`
	Timeout         time.Duration          `json:"timeout,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
}

// TaskPriority defines the priority of a task
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityNormal   TaskPriority = "normal"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// TaskWithDependencies pairs a task with the ids of the tasks it depends on
type TaskWithDependencies struct {
	ID           string   `json:"id"`
	Task         *Task    `json:"task"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ExecutionLevel is one parallel cohort of an execution plan
type ExecutionLevel struct {
	Level    int                     `json:"level"`
	Tasks    []*TaskWithDependencies `json:"tasks"`
	Parallel bool                    `json:"parallel"`
}

// ExecutionPlan is a layered view of a task DAG. For any task in level k every
// dependency lives in a level strictly below k; level 0 holds the root tasks.
type ExecutionPlan struct {
	Levels               []*ExecutionLevel `json:"levels"`
	TotalTasks           int               `json:"total_tasks"`
	EstimatedParallelism int               `json:"estimated_parallelism"`
	CriticalPath         []string          `json:"critical_path"`
}

// TaskStatus is the terminal or in-flight status of a task within a run
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// TaskResult records the outcome of one task within an execution run
type TaskResult struct {
	TaskID      string                 `json:"task_id"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Status      TaskStatus             `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
}
