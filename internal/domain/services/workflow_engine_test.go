package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain/entities"
)

func taskNode(id, taskType string) *entities.WorkflowNode {
	return &entities.WorkflowNode{
		ID:   id,
		Type: entities.NodeTypeTask,
		Config: entities.NodeConfig{
			Task: &entities.TaskNodeConfig{TaskType: taskType},
		},
	}
}

func newTestWorkflowEngine(t *testing.T, executor TaskExecutor) (*WorkflowEngine, *EventBus) {
	t.Helper()
	bus := NewEventBus(EventBusConfig{MaxHistorySize: 500})
	if executor == nil {
		executor = newStubExecutor(nil)
	}
	engine := NewWorkflowEngine(bus, &stubAllocator{}, executor, WorkflowEngineConfig{
		SubWorkflowPoll: 5 * time.Millisecond,
	}, nil)
	return engine, bus
}

func TestWorkflowValidationRejectsCycle(t *testing.T) {
	engine, _ := newTestWorkflowEngine(t, nil)
	err := engine.RegisterWorkflow(&entities.Workflow{
		ID: "cyclic",
		Nodes: []*entities.WorkflowNode{
			taskNode("a", "x"),
			taskNode("b", "x"),
		},
		Edges: []*entities.WorkflowEdge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestWorkflowValidationRejectsUnknownEdgeEndpoint(t *testing.T) {
	engine, _ := newTestWorkflowEngine(t, nil)
	err := engine.RegisterWorkflow(&entities.Workflow{
		ID:    "broken",
		Nodes: []*entities.WorkflowNode{taskNode("a", "x")},
		Edges: []*entities.WorkflowEdge{{From: "a", To: "ghost"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestWorkflowStartRequiresVariables(t *testing.T) {
	engine, _ := newTestWorkflowEngine(t, nil)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID:    "vars",
		Nodes: []*entities.WorkflowNode{taskNode("a", "x")},
		Variables: []*entities.VariableDefinition{
			{Name: "target", Required: true},
			{Name: "mode", Default: "fast"},
		},
	}))

	_, err := engine.Start(context.Background(), "vars", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")

	id, err := engine.Start(context.Background(), "vars", map[string]interface{}{"target": "svc"}, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, entities.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, "fast", instance.Variables["mode"])
	assert.Equal(t, "svc", instance.Variables["target"])
}

func TestWorkflowLinearTasksComplete(t *testing.T) {
	engine, bus := newTestWorkflowEngine(t, nil)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID:    "linear",
		Nodes: []*entities.WorkflowNode{taskNode("a", "x"), taskNode("b", "y")},
		Edges: []*entities.WorkflowEdge{{From: "a", To: "b"}},
	}))

	id, err := engine.Start(context.Background(), "linear", nil, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, entities.InstanceStatusCompleted, instance.Status)
	assert.ElementsMatch(t, []string{"a", "b"}, instance.CompletedNodes)
	assert.NotEmpty(t, bus.QueryHistory(HistoryQuery{Type: entities.EventTypeWorkflowStarted}))
	assert.NotEmpty(t, bus.QueryHistory(HistoryQuery{Type: entities.EventTypeWorkflowCompleted}))
	assert.Len(t, bus.QueryHistory(HistoryQuery{Type: entities.EventTypeNodeCompleted}), 2)
}

// condition + parallel + merge: the true branch fans out and merges; the
// false branch never runs
func TestWorkflowConditionParallelMerge(t *testing.T) {
	engine, _ := newTestWorkflowEngine(t, nil)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID: "fanout",
		Nodes: []*entities.WorkflowNode{
			taskNode("t0", "seed"),
			{
				ID:   "c1",
				Type: entities.NodeTypeCondition,
				Config: entities.NodeConfig{Condition: &entities.ConditionNodeConfig{
					Condition:   "${approve} === true",
					TrueBranch:  "p1",
					FalseBranch: "p2",
				}},
			},
			{
				ID:   "p1",
				Type: entities.NodeTypeParallel,
				Config: entities.NodeConfig{Parallel: &entities.ParallelNodeConfig{
					Branches: []string{"tA", "tB"},
					WaitFor:  entities.WaitForAll,
				}},
			},
			taskNode("p2", "rejected"),
			taskNode("tA", "left"),
			taskNode("tB", "right"),
			{
				ID:   "m1",
				Type: entities.NodeTypeMerge,
				Config: entities.NodeConfig{Merge: &entities.MergeNodeConfig{
					Strategy: entities.MergeStrategyCollect,
				}},
			},
		},
		Edges: []*entities.WorkflowEdge{
			{From: "t0", To: "c1"},
			{From: "tA", To: "m1"},
			{From: "tB", To: "m1"},
		},
	}))

	id, err := engine.Start(context.Background(), "fanout", map[string]interface{}{"approve": true}, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	require.Equal(t, entities.InstanceStatusCompleted, instance.Status)
	for _, node := range []string{"t0", "c1", "p1", "tA", "tB", "m1"} {
		assert.Contains(t, instance.Results, node, "missing result for %s", node)
	}
	assert.NotContains(t, instance.Results, "p2")

	condition := instance.Results["c1"].(map[string]interface{})
	assert.Equal(t, "p1", condition["branch"])
	assert.Equal(t, true, condition["result"])

	merged := instance.Results["m1"].([]interface{})
	assert.Len(t, merged, 2)
}

func TestWorkflowConditionFalseBranch(t *testing.T) {
	engine, _ := newTestWorkflowEngine(t, nil)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID: "branching",
		Nodes: []*entities.WorkflowNode{
			{
				ID:   "c",
				Type: entities.NodeTypeCondition,
				Config: entities.NodeConfig{Condition: &entities.ConditionNodeConfig{
					Condition:   "${approve} === true",
					TrueBranch:  "yes",
					FalseBranch: "no",
				}},
			},
			taskNode("yes", "x"),
			taskNode("no", "y"),
		},
	}))

	id, err := engine.Start(context.Background(), "branching", map[string]interface{}{"approve": false}, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	assert.Contains(t, instance.Results, "no")
	assert.NotContains(t, instance.Results, "yes")
}

func TestWorkflowEdgeConditionsGateTraversal(t *testing.T) {
	executor := newStubExecutor(func(task *entities.Task, attempt int) (map[string]interface{}, error) {
		return map[string]interface{}{"score": float64(42)}, nil
	})
	engine, _ := newTestWorkflowEngine(t, executor)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID: "gated",
		Nodes: []*entities.WorkflowNode{
			taskNode("root", "seed"),
			taskNode("high", "x"),
			taskNode("low", "y"),
		},
		Edges: []*entities.WorkflowEdge{
			{From: "root", To: "high", Condition: "${result.score} > 40"},
			{From: "root", To: "low", Condition: "${result.score} <= 40"},
		},
	}))

	id, err := engine.Start(context.Background(), "gated", nil, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	assert.Contains(t, instance.Results, "high")
	assert.NotContains(t, instance.Results, "low")
}

func TestWorkflowTaskRetryThenFailStopsInstance(t *testing.T) {
	executor := newStubExecutor(func(task *entities.Task, attempt int) (map[string]interface{}, error) {
		return nil, errors.New("always failing")
	})
	engine, bus := newTestWorkflowEngine(t, executor)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID:        "doomed",
		OnFailure: entities.FailurePolicyStop,
		Nodes: []*entities.WorkflowNode{
			{
				ID:   "a",
				Type: entities.NodeTypeTask,
				Config: entities.NodeConfig{Task: &entities.TaskNodeConfig{
					TaskType:   "x",
					Retries:    2,
					RetryDelay: time.Millisecond,
				}},
			},
		},
	}))

	id, err := engine.Start(context.Background(), "doomed", nil, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, entities.InstanceStatusFailed, instance.Status)
	assert.Contains(t, instance.FailedNodes, "a")
	assert.Len(t, bus.QueryHistory(HistoryQuery{Type: entities.EventTypeNodeRetrying}), 2)
	assert.NotEmpty(t, bus.QueryHistory(HistoryQuery{Type: entities.EventTypeWorkflowFailed}))
}

func TestWorkflowContinuePolicySkipsFailedNode(t *testing.T) {
	executor := newStubExecutor(func(task *entities.Task, attempt int) (map[string]interface{}, error) {
		if task.Name == "flaky" {
			return nil, errors.New("nope")
		}
		return nil, nil
	})
	engine, bus := newTestWorkflowEngine(t, executor)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID:        "tolerant",
		OnFailure: entities.FailurePolicyContinue,
		Nodes: []*entities.WorkflowNode{
			taskNode("a", "flaky"),
			taskNode("b", "solid"),
		},
		Edges: []*entities.WorkflowEdge{{From: "a", To: "b"}},
	}))

	id, err := engine.Start(context.Background(), "tolerant", nil, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, entities.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, entities.NodeStatusSkipped, instance.NodeStates["a"].Status)
	assert.Contains(t, instance.FailedNodes, "a")
	assert.Contains(t, instance.CompletedNodes, "b")

	// the successor sees the failure as its result
	errResult := instance.Results["a"].(map[string]interface{})
	assert.Contains(t, errResult["error"], "nope")
	assert.NotEmpty(t, bus.QueryHistory(HistoryQuery{Type: entities.EventTypeNodeSkipped}))
}

func TestWorkflowDelayNode(t *testing.T) {
	engine, _ := newTestWorkflowEngine(t, nil)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID: "sleepy",
		Nodes: []*entities.WorkflowNode{
			{
				ID:     "nap",
				Type:   entities.NodeTypeDelay,
				Config: entities.NodeConfig{Delay: &entities.DelayNodeConfig{Duration: 20 * time.Millisecond}},
			},
		},
	}))

	start := time.Now()
	id, err := engine.Start(context.Background(), "sleepy", nil, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, entities.InstanceStatusCompleted, instance.Status)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWorkflowSubWorkflow(t *testing.T) {
	engine, _ := newTestWorkflowEngine(t, nil)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID:    "child",
		Nodes: []*entities.WorkflowNode{taskNode("work", "x")},
		Variables: []*entities.VariableDefinition{
			{Name: "payload", Required: true},
		},
	}))
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID: "parent",
		Nodes: []*entities.WorkflowNode{
			{
				ID:   "spawn",
				Type: entities.NodeTypeSubWorkflow,
				Config: entities.NodeConfig{SubWorkflow: &entities.SubWorkflowNodeConfig{
					WorkflowID:        "child",
					Inputs:            map[string]string{"payload": "seed"},
					WaitForCompletion: true,
					PropagateErrors:   true,
				}},
			},
		},
		Variables: []*entities.VariableDefinition{{Name: "seed", Default: "from-parent"}},
	}))

	id, err := engine.Start(context.Background(), "parent", nil, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	require.Equal(t, entities.InstanceStatusCompleted, instance.Status)
	result := instance.Results["spawn"].(map[string]interface{})
	assert.Equal(t, string(entities.InstanceStatusCompleted), result["status"])

	children := engine.ListInstances(entities.InstanceStatusCompleted)
	var child *entities.WorkflowInstance
	for _, candidate := range children {
		if candidate.WorkflowID == "child" {
			child = candidate
		}
	}
	require.NotNil(t, child)
	assert.Equal(t, "from-parent", child.Variables["payload"])
	require.NotNil(t, child.ParentInstanceID)
	assert.Equal(t, instance.ID, *child.ParentInstanceID)
	assert.Equal(t, instance.ID, child.RootInstanceID)
	assert.Equal(t, 1, child.Depth)
}

func TestWorkflowSubWorkflowDepthCap(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	engine := NewWorkflowEngine(bus, &stubAllocator{}, newStubExecutor(nil), WorkflowEngineConfig{
		SubWorkflowPoll:     5 * time.Millisecond,
		MaxSubWorkflowDepth: 2,
	}, nil)

	// each instance spawns itself until the depth cap rejects the next child
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID: "recursive",
		Nodes: []*entities.WorkflowNode{
			{
				ID:   "again",
				Type: entities.NodeTypeSubWorkflow,
				Config: entities.NodeConfig{SubWorkflow: &entities.SubWorkflowNodeConfig{
					WorkflowID:        "recursive",
					WaitForCompletion: true,
					PropagateErrors:   true,
				}},
			},
		},
	}))

	id, err := engine.Start(context.Background(), "recursive", nil, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, entities.InstanceStatusFailed, instance.Status)
}

func TestWorkflowPauseAndResume(t *testing.T) {
	release := make(chan struct{})
	executor := newStubExecutor(func(task *entities.Task, attempt int) (map[string]interface{}, error) {
		if task.Name == "slow" {
			<-release
		}
		return nil, nil
	})
	engine, _ := newTestWorkflowEngine(t, executor)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID:    "pausable",
		Nodes: []*entities.WorkflowNode{taskNode("a", "slow"), taskNode("b", "fast")},
		Edges: []*entities.WorkflowEdge{{From: "a", To: "b"}},
	}))

	id, err := engine.Start(context.Background(), "pausable", nil, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Pause(context.Background(), id))
	close(release)

	// the in-flight node finishes but its successor stays frozen
	time.Sleep(50 * time.Millisecond)
	instance, _ := engine.GetInstance(id)
	assert.Equal(t, entities.InstanceStatusPaused, instance.Status)
	assert.NotContains(t, instance.Results, "b")

	require.NoError(t, engine.Resume(context.Background(), id))
	instance, err = engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, entities.InstanceStatusCompleted, instance.Status)
	assert.Contains(t, instance.Results, "b")
}

func TestWorkflowCancelStopsScheduling(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	executor := newStubExecutor(func(task *entities.Task, attempt int) (map[string]interface{}, error) {
		if task.Name == "slow" {
			started <- struct{}{}
			<-release
		}
		return nil, nil
	})
	engine, _ := newTestWorkflowEngine(t, executor)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID:    "cancellable",
		Nodes: []*entities.WorkflowNode{taskNode("a", "slow"), taskNode("b", "fast")},
		Edges: []*entities.WorkflowEdge{{From: "a", To: "b"}},
	}))

	id, err := engine.Start(context.Background(), "cancellable", nil, nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, engine.Cancel(context.Background(), id))
	close(release)

	time.Sleep(50 * time.Millisecond)
	instance, _ := engine.GetInstance(id)
	assert.Equal(t, entities.InstanceStatusCancelled, instance.Status)
	assert.NotContains(t, instance.Results, "b")
}

// a task node's parameters see the upstream node's output as ${result.*}
func TestWorkflowTaskParametersSeeParentResult(t *testing.T) {
	var seen map[string]interface{}
	executor := newStubExecutor(func(task *entities.Task, attempt int) (map[string]interface{}, error) {
		switch task.Name {
		case "produce":
			return map[string]interface{}{"artifact": "build-7", "score": float64(93)}, nil
		default:
			seen = task.Parameters
			return nil, nil
		}
	})
	engine, _ := newTestWorkflowEngine(t, executor)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID: "handoff",
		Nodes: []*entities.WorkflowNode{
			taskNode("build", "produce"),
			{
				ID:   "publish",
				Type: entities.NodeTypeTask,
				Config: entities.NodeConfig{Task: &entities.TaskNodeConfig{
					TaskType: "consume",
					Parameters: map[string]interface{}{
						"artifact": "${result.artifact}",
						"summary":  "publishing ${result.artifact} for ${env}",
						"score":    "${result.score}",
					},
				}},
			},
		},
		Edges:     []*entities.WorkflowEdge{{From: "build", To: "publish"}},
		Variables: []*entities.VariableDefinition{{Name: "env", Default: "prod"}},
	}))

	id, err := engine.Start(context.Background(), "handoff", nil, nil)
	require.NoError(t, err)
	instance, err := engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, entities.InstanceStatusCompleted, instance.Status)

	require.NotNil(t, seen)
	assert.Equal(t, "build-7", seen["artifact"])
	assert.Equal(t, "publishing build-7 for prod", seen["summary"])
	assert.Equal(t, float64(93), seen["score"])
}

func TestWorkflowTaskParameterSubstitution(t *testing.T) {
	var seen map[string]interface{}
	executor := newStubExecutor(func(task *entities.Task, attempt int) (map[string]interface{}, error) {
		seen = task.Parameters
		return nil, nil
	})
	engine, _ := newTestWorkflowEngine(t, executor)
	require.NoError(t, engine.RegisterWorkflow(&entities.Workflow{
		ID: "templated",
		Nodes: []*entities.WorkflowNode{
			{
				ID:   "a",
				Type: entities.NodeTypeTask,
				Config: entities.NodeConfig{Task: &entities.TaskNodeConfig{
					TaskType: "deploy",
					Parameters: map[string]interface{}{
						"target":  "${env}",
						"message": "deploying to ${env}",
					},
				}},
			},
		},
		Variables: []*entities.VariableDefinition{{Name: "env", Default: "staging"}},
	}))

	id, err := engine.Start(context.Background(), "templated", nil, nil)
	require.NoError(t, err)
	_, err = engine.WaitForInstance(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "staging", seen["target"])
	assert.Equal(t, "deploying to staging", seen["message"])
}
