package services

import (
	"fmt"
	"strings"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// ResolveOptions bounds dependency resolution
type ResolveOptions struct {
	// MaxLevels caps the depth of the produced plan; 0 means unbounded
	MaxLevels int
}

// ResolveResult is the outcome of resolving a task graph
type ResolveResult struct {
	Valid  bool                    `json:"valid"`
	Errors []string                `json:"errors,omitempty"`
	Plan   *entities.ExecutionPlan `json:"plan,omitempty"`
}

// DependencyResolver validates task graphs and produces layered execution plans
type DependencyResolver struct {
	graph  *DAG
	logger common.Logger
}

// NewDependencyResolver creates a resolver
func NewDependencyResolver(logger common.Logger) *DependencyResolver {
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &DependencyResolver{graph: NewDAG(), logger: logger}
}

// BuildGraph clears the internal graph and rebuilds it from the task list.
// Edges with missing endpoints are reported, not inserted.
func (r *DependencyResolver) BuildGraph(tasks []*entities.TaskWithDependencies) []string {
	r.graph.Clear()

	errors := make([]string, 0)
	for _, t := range tasks {
		r.graph.AddNode(t.ID, t)
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !r.graph.HasNode(dep) {
				errors = append(errors, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
				continue
			}
			r.graph.AddEdge(dep, t.ID) //nolint:errcheck // both endpoints verified above
		}
	}
	return errors
}

// Resolve validates the task graph and produces an execution plan. The result
// carries every validation error found; Plan is set only when Valid.
func (r *DependencyResolver) Resolve(tasks []*entities.TaskWithDependencies, opts *ResolveOptions) *ResolveResult {
	if opts == nil {
		opts = &ResolveOptions{}
	}

	result := &ResolveResult{Errors: r.BuildGraph(tasks)}

	if cycle := r.graph.DetectCycle(); cycle != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")))
	}
	if len(result.Errors) > 0 {
		return result
	}

	levelIDs, err := r.graph.GetExecutionLevels()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	if opts.MaxLevels > 0 && len(levelIDs) > opts.MaxLevels {
		result.Errors = append(result.Errors, fmt.Sprintf("plan depth %d exceeds maximum of %d levels", len(levelIDs), opts.MaxLevels))
		return result
	}

	byID := make(map[string]*entities.TaskWithDependencies, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	plan := &entities.ExecutionPlan{
		Levels:       make([]*entities.ExecutionLevel, 0, len(levelIDs)),
		TotalTasks:   len(tasks),
		CriticalPath: r.graph.GetCriticalPath(),
	}
	for i, ids := range levelIDs {
		level := &entities.ExecutionLevel{
			Level:    i,
			Tasks:    make([]*entities.TaskWithDependencies, 0, len(ids)),
			Parallel: len(ids) > 1,
		}
		for _, id := range ids {
			level.Tasks = append(level.Tasks, byID[id])
		}
		plan.Levels = append(plan.Levels, level)
		if len(ids) > plan.EstimatedParallelism {
			plan.EstimatedParallelism = len(ids)
		}
	}

	result.Valid = true
	result.Plan = plan
	r.logger.Debug("Resolved task graph",
		"tasks", plan.TotalTasks,
		"levels", len(plan.Levels),
		"parallelism", plan.EstimatedParallelism)
	return result
}

// Graph exposes the underlying DAG for inspection
func (r *DependencyResolver) Graph() *DAG {
	return r.graph
}
