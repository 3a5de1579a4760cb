package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain/entities"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishAgentEvent(ctx context.Context, eventType, agentID string, data map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) has(eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func bootMachine(t *testing.T, publisher TransitionPublisher) *AgentStateMachine {
	t.Helper()
	m := NewAgentStateMachine(StateMachineConfig{AgentID: "a1", Publisher: publisher})
	for _, to := range []entities.AgentState{entities.AgentStateInitializing, entities.AgentStateIdle} {
		ok, err := m.Transition(context.Background(), to, "boot")
		require.NoError(t, err)
		require.True(t, ok)
	}
	return m
}

func TestStateMachineHappyPath(t *testing.T) {
	publisher := &recordingPublisher{}
	m := bootMachine(t, publisher)

	m.UpdateContext(func(c *AgentContext) { c.Task = &entities.Task{ID: "t1"} })
	ok, err := m.Transition(context.Background(), entities.AgentStateBusy, "work")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Transition(context.Background(), entities.AgentStateIdle, "done")
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, publisher.has("state:busy"))
	assert.True(t, publisher.has("state:idle"))
	assert.True(t, publisher.has(entities.EventTypeTransitionBefore))
	assert.True(t, publisher.has(entities.EventTypeTransitionAfter))
}

func TestStateMachineUndefinedEdgeFails(t *testing.T) {
	m := NewAgentStateMachine(StateMachineConfig{AgentID: "a1"})
	ok, err := m.Transition(context.Background(), entities.AgentStateBusy, "skip boot")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, entities.AgentStateCreated, m.State())
}

func TestStateMachineTerminalIsFinal(t *testing.T) {
	m := bootMachine(t, nil)
	for _, to := range []entities.AgentState{entities.AgentStateStopping, entities.AgentStateStopped} {
		ok, err := m.Transition(context.Background(), to, "shutdown")
		require.NoError(t, err)
		require.True(t, ok)
	}

	for _, to := range []entities.AgentState{entities.AgentStateIdle, entities.AgentStateInitializing, entities.AgentStateBusy} {
		ok, err := m.Transition(context.Background(), to, "resurrect")
		assert.Error(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, entities.AgentStateStopped, m.State())
}

func TestStateMachineGuardDenialIsNotAnError(t *testing.T) {
	publisher := &recordingPublisher{}
	m := bootMachine(t, publisher)

	// errored context refuses new work
	m.UpdateContext(func(c *AgentContext) { c.HasErrors = true })
	ok, err := m.Transition(context.Background(), entities.AgentStateBusy, "work")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, entities.AgentStateIdle, m.State())
	assert.True(t, publisher.has(entities.EventTypeTransitionDenied))
}

func TestStateMachinePauseGuards(t *testing.T) {
	m := bootMachine(t, nil)
	m.UpdateContext(func(c *AgentContext) { c.Task = &entities.Task{ID: "t1", Checkpointable: false} })
	_, err := m.Transition(context.Background(), entities.AgentStateBusy, "work")
	require.NoError(t, err)

	ok, err := m.Transition(context.Background(), entities.AgentStatePaused, "pause")
	require.NoError(t, err)
	assert.False(t, ok, "non-checkpointable task must refuse pause")

	m.UpdateContext(func(c *AgentContext) { c.Task.Checkpointable = true })
	ok, err = m.Transition(context.Background(), entities.AgentStatePaused, "pause")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStateMachineGracefulStopGuard(t *testing.T) {
	m := bootMachine(t, nil)
	m.UpdateContext(func(c *AgentContext) { c.Task = &entities.Task{ID: "t1"} })
	_, err := m.Transition(context.Background(), entities.AgentStateBusy, "work")
	require.NoError(t, err)

	ok, err := m.Transition(context.Background(), entities.AgentStateStopping, "stop")
	require.NoError(t, err)
	assert.False(t, ok)

	m.UpdateContext(func(c *AgentContext) { c.Task.CanSaveProgress = true })
	ok, err = m.Transition(context.Background(), entities.AgentStateStopping, "stop")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStateMachineErrorRecoveryLimit(t *testing.T) {
	m := bootMachine(t, nil)

	for round := 0; round < 3; round++ {
		m.UpdateContext(func(c *AgentContext) { c.Task = &entities.Task{ID: "t"}; c.HasErrors = false })
		ok, err := m.Transition(context.Background(), entities.AgentStateBusy, "work")
		require.NoError(t, err)
		require.True(t, ok, "round %d", round)

		// busy→error increments the error count
		ok, err = m.Transition(context.Background(), entities.AgentStateError, "crash")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = m.Transition(context.Background(), entities.AgentStateInitializing, "recover")
		require.NoError(t, err)
		if round < 2 {
			require.True(t, ok)
			_, err = m.Transition(context.Background(), entities.AgentStateIdle, "recovered")
			require.NoError(t, err)
		} else {
			// third failure exhausts the recovery budget
			assert.False(t, ok)
			assert.Equal(t, entities.AgentStateError, m.State())
		}
	}
}

func TestStateMachineHistoryIsAppendOnly(t *testing.T) {
	m := bootMachine(t, nil)
	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, entities.AgentStateCreated, history[0].From)
	assert.Equal(t, entities.AgentStateInitializing, history[0].To)
	assert.Equal(t, entities.AgentStateIdle, history[1].To)
	assert.False(t, history[1].Timestamp.Before(history[0].Timestamp))

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalTransitions)
	assert.Equal(t, 1, stats.StateCounts[entities.AgentStateIdle])
}

type flakyStorage struct {
	mu     sync.Mutex
	states map[string]*entities.SavedState
	saves  int
}

func newFlakyStorage() *flakyStorage {
	return &flakyStorage{states: make(map[string]*entities.SavedState)}
}

func (s *flakyStorage) Get(ctx context.Context, agentID string) (*entities.SavedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[agentID], nil
}

func (s *flakyStorage) Save(ctx context.Context, agentID string, state *entities.SavedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.states[agentID] = state
	return nil
}

func (s *flakyStorage) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, agentID)
	return nil
}

func (s *flakyStorage) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestPersistentStateMachineSavesAndRestores(t *testing.T) {
	storage := newFlakyStorage()

	m := NewPersistentStateMachine(StateMachineConfig{AgentID: "a1"}, storage, 5*time.Millisecond)
	_, err := m.Transition(context.Background(), entities.AgentStateInitializing, "boot")
	require.NoError(t, err)
	_, err = m.Transition(context.Background(), entities.AgentStateIdle, "ready")
	require.NoError(t, err)
	require.NoError(t, m.SaveNow(context.Background()))

	restored := NewPersistentStateMachine(StateMachineConfig{AgentID: "a1"}, storage, 5*time.Millisecond)
	assert.Equal(t, entities.AgentStateIdle, restored.State())
	assert.Len(t, restored.History(), 2)
}

func TestPersistentStateMachineDebouncesSaves(t *testing.T) {
	storage := newFlakyStorage()
	m := NewPersistentStateMachine(StateMachineConfig{AgentID: "a1"}, storage, 50*time.Millisecond)

	_, err := m.Transition(context.Background(), entities.AgentStateInitializing, "boot")
	require.NoError(t, err)
	_, err = m.Transition(context.Background(), entities.AgentStateIdle, "ready")
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	storage.mu.Lock()
	saves := storage.saves
	storage.mu.Unlock()
	assert.Equal(t, 1, saves, "both transitions coalesce into one save")
}

func TestPersistentStateMachineDeleteWipes(t *testing.T) {
	storage := newFlakyStorage()
	m := NewPersistentStateMachine(StateMachineConfig{AgentID: "a1"}, storage, 5*time.Millisecond)
	_, err := m.Transition(context.Background(), entities.AgentStateInitializing, "boot")
	require.NoError(t, err)
	require.NoError(t, m.SaveNow(context.Background()))
	require.NoError(t, m.DeletePersistedState(context.Background()))

	saved, err := storage.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Nil(t, saved)
}
