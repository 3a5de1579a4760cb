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

func newTestRegistry(t *testing.T) (*StatefulAgentRegistry, *EventBus) {
	t.Helper()
	bus := NewEventBus(EventBusConfig{MaxHistorySize: 200})
	directory := NewAgentDirectory(AgentDirectoryConfig{})
	t.Cleanup(directory.Close)
	registry := NewStatefulAgentRegistry(StatefulRegistryConfig{
		Directory:       directory,
		Bus:             bus,
		Storage:         newFlakyStorage(),
		SaveDebounce:    5 * time.Millisecond,
		CheckpointGrace: time.Millisecond,
	})
	return registry, bus
}

func agentConfig(id string, skills ...string) *entities.AgentConfig {
	return &entities.AgentConfig{
		ID:      id,
		Runtime: entities.AgentRuntimeContainer,
		Capabilities: entities.AgentCapabilities{
			Skills:      skills,
			CostPerHour: 5,
			Reliability: 0.95,
			AvgSpeed:    10,
		},
	}
}

func TestRegistryLifecycle(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := registry.RegisterAgent(ctx, agentConfig("a1", "go"))
	require.NoError(t, err)
	assert.Equal(t, "a1", agent.ID)

	state, err := registry.GetAgentState("a1")
	require.NoError(t, err)
	assert.Equal(t, entities.AgentStateIdle, state)

	ok, err := registry.AssignWork(ctx, "a1", &entities.Task{ID: "t1", Weight: 1})
	require.NoError(t, err)
	require.True(t, ok)
	state, _ = registry.GetAgentState("a1")
	assert.Equal(t, entities.AgentStateBusy, state)
	assert.Equal(t, entities.AgentStatusBusy, registry.Directory().Get("a1").Status)
	assert.Equal(t, 1.0, registry.Directory().Get("a1").CurrentLoad)

	require.NoError(t, registry.CompleteWork(ctx, "a1", map[string]interface{}{"out": 1}))
	state, _ = registry.GetAgentState("a1")
	assert.Equal(t, entities.AgentStateIdle, state)
	assert.Equal(t, 0.0, registry.Directory().Get("a1").CurrentLoad)

	ok, err = registry.PauseAgent(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	state, _ = registry.GetAgentState("a1")
	assert.Equal(t, entities.AgentStatePaused, state)
	assert.Equal(t, entities.AgentStatusOffline, registry.Directory().Get("a1").Status)

	ok, err = registry.ResumeAgent(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, registry.StopAgent(ctx, "a1", false))
	assert.Nil(t, registry.Directory().Get("a1"))
	_, err = registry.GetAgentState("a1")
	assert.Error(t, err)
}

func TestRegistryRefusesDoubleAssignment(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := registry.RegisterAgent(ctx, agentConfig("a1"))
	require.NoError(t, err)

	ok, err := registry.AssignWork(ctx, "a1", &entities.Task{ID: "t1"})
	require.NoError(t, err)
	require.True(t, ok)

	// at most one concurrently assigned task per agent
	ok, err = registry.AssignWork(ctx, "a1", &entities.Task{ID: "t2"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryFailWorkMarksUnhealthy(t *testing.T) {
	registry, bus := newTestRegistry(t)
	ctx := context.Background()
	_, err := registry.RegisterAgent(ctx, agentConfig("a1"))
	require.NoError(t, err)

	_, err = registry.AssignWork(ctx, "a1", &entities.Task{ID: "t1"})
	require.NoError(t, err)
	require.NoError(t, registry.FailWork(ctx, "a1", errors.New("task blew up")))

	state, _ := registry.GetAgentState("a1")
	assert.Equal(t, entities.AgentStateError, state)
	assert.Equal(t, entities.AgentStatusUnhealthy, registry.Directory().Get("a1").Status)
	assert.NotEmpty(t, bus.QueryHistory(HistoryQuery{Type: "agent.error"}))
}

func TestRegistryRecoverAgent(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := registry.RegisterAgent(ctx, agentConfig("a1"))
	require.NoError(t, err)

	_, err = registry.AssignWork(ctx, "a1", &entities.Task{ID: "t1"})
	require.NoError(t, err)
	require.NoError(t, registry.FailWork(ctx, "a1", errors.New("crash")))

	ok, err := registry.RecoverAgent(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	state, _ := registry.GetAgentState("a1")
	assert.Equal(t, entities.AgentStateIdle, state)
}

func TestRegistryGracefulStopRequiresSaveableProgress(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := registry.RegisterAgent(ctx, agentConfig("a1"))
	require.NoError(t, err)

	_, err = registry.AssignWork(ctx, "a1", &entities.Task{ID: "t1", CanSaveProgress: false})
	require.NoError(t, err)

	err = registry.StopAgent(ctx, "a1", false)
	assert.Error(t, err)
	state, stateErr := registry.GetAgentState("a1")
	require.NoError(t, stateErr)
	assert.Equal(t, entities.AgentStateBusy, state)

	// force pushes through regardless
	require.NoError(t, registry.StopAgent(ctx, "a1", true))
	assert.Nil(t, registry.Directory().Get("a1"))
}

func TestRegistryBusEventsMirrorLifecycle(t *testing.T) {
	registry, bus := newTestRegistry(t)
	ctx := context.Background()
	_, err := registry.RegisterAgent(ctx, agentConfig("a1"))
	require.NoError(t, err)

	_, err = registry.AssignWork(ctx, "a1", &entities.Task{ID: "t1"})
	require.NoError(t, err)
	require.NoError(t, registry.CompleteWork(ctx, "a1", nil))

	busy := bus.QueryHistory(HistoryQuery{Type: "agent.busy"})
	require.NotEmpty(t, busy)
	assert.Equal(t, "a1", busy[0].Payload["agent_id"])
	assert.Equal(t, "idle", busy[0].Payload["previous_state"])
	assert.NotEmpty(t, bus.QueryHistory(HistoryQuery{Type: "agent.idle"}))
}

func TestRegistryQuotaDenialBlocksRegistration(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	directory := NewAgentDirectory(AgentDirectoryConfig{})
	t.Cleanup(directory.Close)

	quotas := NewQuotaManager(QuotaManagerConfig{Bus: bus})
	quotas.SetUserQuota(&entities.UserQuota{
		UserID: "u1",
		Limits: entities.QuotaLimits{ConcurrentAgents: 1},
	})

	registry := NewStatefulAgentRegistry(StatefulRegistryConfig{
		Directory: directory,
		Bus:       bus,
		Storage:   newFlakyStorage(),
		Quotas:    quotas,
	})
	ctx := context.Background()

	first := agentConfig("a1")
	first.Owner = "u1"
	_, err := registry.RegisterAgent(ctx, first)
	require.NoError(t, err)

	second := agentConfig("a2")
	second.Owner = "u1"
	_, err = registry.RegisterAgent(ctx, second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrent agent limit")

	// stopping the first releases the slot
	require.NoError(t, registry.StopAgent(ctx, "a1", false))
	_, err = registry.RegisterAgent(ctx, second)
	assert.NoError(t, err)
}

func TestRegistryGetAgentsInState(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := registry.RegisterAgent(ctx, agentConfig("a1"))
	require.NoError(t, err)
	_, err = registry.RegisterAgent(ctx, agentConfig("a2"))
	require.NoError(t, err)

	_, err = registry.AssignWork(ctx, "a2", &entities.Task{ID: "t1"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a1"}, registry.GetAgentsInState(entities.AgentStateIdle))
	assert.ElementsMatch(t, []string{"a2"}, registry.GetAgentsInState(entities.AgentStateBusy))

	stats, err := registry.GetAgentStats("a2")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTransitions) // created→initializing→idle→busy
}
