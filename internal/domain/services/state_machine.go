package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// TransitionPublisher is the narrow bus surface the state machine emits on.
// Keeping it this small keeps ownership unidirectional: machines never hold
// the registry or the full bus.
type TransitionPublisher interface {
	PublishAgentEvent(ctx context.Context, eventType, agentID string, data map[string]interface{})
}

// TransitionListener observes committed transitions
type TransitionListener func(from, to entities.AgentState, entry entities.StateEntry)

// AgentContext is the mutable runtime context the guards evaluate against
type AgentContext struct {
	Load           float64
	HasErrors      bool
	ErrorCount     int
	Task           *entities.Task
	HasPendingWork bool
	LastError      string
}

type transitionEdge struct {
	guard     func(m *AgentStateMachine) bool
	guardName string
	action    func(ctx context.Context, m *AgentStateMachine) error
}

// AgentStateMachine is a per-agent guarded finite state machine. Only the
// owning registry calls Transition; readers observe snapshots.
type AgentStateMachine struct {
	agentID   string
	publisher TransitionPublisher
	logger    common.Logger

	mu         sync.Mutex
	current    entities.AgentState
	history    []entities.StateEntry
	context    AgentContext
	lastChange time.Time
	listeners  []TransitionListener

	errorRetryLimit int
	onWorkComplete  func(agentID string)
}

// StateMachineConfig configures an AgentStateMachine
type StateMachineConfig struct {
	AgentID         string
	Publisher       TransitionPublisher
	Logger          common.Logger
	ErrorRetryLimit int
	// OnWorkComplete runs as the busy→idle action (e.g. load-balancer recordSuccess)
	OnWorkComplete func(agentID string)
}

// NewAgentStateMachine creates a machine in the created state
func NewAgentStateMachine(cfg StateMachineConfig) *AgentStateMachine {
	if cfg.Logger == nil {
		cfg.Logger = common.NopLogger{}
	}
	if cfg.ErrorRetryLimit <= 0 {
		cfg.ErrorRetryLimit = 3
	}
	return &AgentStateMachine{
		agentID:         cfg.AgentID,
		publisher:       cfg.Publisher,
		logger:          cfg.Logger,
		current:         entities.AgentStateCreated,
		lastChange:      time.Now(),
		errorRetryLimit: cfg.ErrorRetryLimit,
		onWorkComplete:  cfg.OnWorkComplete,
	}
}

type stateKey struct{ from, to entities.AgentState }

// stateTransitions is the full edge table. Guards must hold for the move;
// actions run before the commit and may fail it.
var stateTransitions = map[stateKey]*transitionEdge{
	{entities.AgentStateCreated, entities.AgentStateInitializing}: {},
	{entities.AgentStateInitializing, entities.AgentStateIdle}:    {},
	{entities.AgentStateInitializing, entities.AgentStateError}:   {},
	{entities.AgentStateIdle, entities.AgentStateBusy}:            {guardName: "canAcceptWork", guard: canAcceptWork},
	{entities.AgentStateBusy, entities.AgentStateIdle}:            {action: notifyWorkComplete},
	{entities.AgentStateBusy, entities.AgentStateError}:           {action: handleWorkError},
	{entities.AgentStateIdle, entities.AgentStatePaused}:          {},
	{entities.AgentStateBusy, entities.AgentStatePaused}:          {guardName: "canPause", guard: canPause},
	{entities.AgentStatePaused, entities.AgentStateIdle}:          {},
	{entities.AgentStatePaused, entities.AgentStateBusy}:          {guardName: "hasPendingWork", guard: hasPendingWork},
	{entities.AgentStateIdle, entities.AgentStateStopping}:        {},
	{entities.AgentStatePaused, entities.AgentStateStopping}:      {},
	{entities.AgentStateBusy, entities.AgentStateStopping}:        {guardName: "canGracefullyStop", guard: canGracefullyStop},
	{entities.AgentStateStopping, entities.AgentStateStopped}:     {},
	{entities.AgentStateError, entities.AgentStateStopping}:       {},
	{entities.AgentStateError, entities.AgentStateInitializing}:   {guardName: "canRecover", guard: canRecover},
}

func (m *AgentStateMachine) edge(from, to entities.AgentState) *transitionEdge {
	return stateTransitions[stateKey{from, to}]
}

func canAcceptWork(m *AgentStateMachine) bool {
	return m.context.Load < 1 && !m.context.HasErrors
}

func canPause(m *AgentStateMachine) bool {
	return m.context.Task != nil && m.context.Task.Checkpointable
}

func hasPendingWork(m *AgentStateMachine) bool {
	return m.context.HasPendingWork
}

func canGracefullyStop(m *AgentStateMachine) bool {
	return m.context.Task != nil && m.context.Task.CanSaveProgress
}

func canRecover(m *AgentStateMachine) bool {
	return m.context.ErrorCount < m.errorRetryLimit
}

func notifyWorkComplete(ctx context.Context, m *AgentStateMachine) error {
	if m.onWorkComplete != nil {
		m.onWorkComplete(m.agentID)
	}
	return nil
}

func handleWorkError(ctx context.Context, m *AgentStateMachine) error {
	m.context.ErrorCount++
	m.context.HasErrors = true
	return nil
}

// Transition attempts the move to the target state. A guard refusal returns
// (false, nil) and emits transition:denied; an undefined edge or a terminal
// current state returns an error.
func (m *AgentStateMachine) Transition(ctx context.Context, to entities.AgentState, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(ctx, to, reason)
}

func (m *AgentStateMachine) transitionLocked(ctx context.Context, to entities.AgentState, reason string) (bool, error) {
	from := m.current

	if from.Terminal() {
		return false, common.NewError(common.TransitionError, "INVALID_TRANSITION",
			fmt.Sprintf("agent %s: state %q is terminal", m.agentID, from))
	}
	edge := m.edge(from, to)
	if edge == nil {
		return false, common.NewError(common.TransitionError, "INVALID_TRANSITION",
			fmt.Sprintf("agent %s: no transition %q -> %q", m.agentID, from, to))
	}

	if edge.guard != nil && !edge.guard(m) {
		m.emit(ctx, entities.EventTypeTransitionDenied, map[string]interface{}{
			"from":   string(from),
			"to":     string(to),
			"guard":  edge.guardName,
			"reason": reason,
		})
		return false, nil
	}

	m.emit(ctx, entities.EventTypeTransitionBefore, map[string]interface{}{
		"from": string(from), "to": string(to), "reason": reason,
	})

	if edge.action != nil {
		if err := edge.action(ctx, m); err != nil {
			m.context.HasErrors = true
			m.context.LastError = err.Error()
			m.emit(ctx, entities.EventTypeTransitionError, map[string]interface{}{
				"from": string(from), "to": string(to), "error": err.Error(),
			})
			return false, common.WrapError(err, common.TransitionError, "TRANSITION_ACTION_FAILED",
				fmt.Sprintf("agent %s: action for %q -> %q failed", m.agentID, from, to))
		}
	}

	now := time.Now()
	entry := entities.StateEntry{
		From:      from,
		To:        to,
		Timestamp: now,
		Duration:  now.Sub(m.lastChange),
		Reason:    reason,
	}
	m.current = to
	m.lastChange = now
	m.history = append(m.history, entry)

	m.emit(ctx, entities.EventTypeTransitionAfter, map[string]interface{}{
		"from": string(from), "to": string(to), "reason": reason,
	})
	m.emit(ctx, "state:"+string(to), map[string]interface{}{
		"previous_state": string(from),
	})

	listeners := make([]TransitionListener, len(m.listeners))
	copy(listeners, m.listeners)
	for _, l := range listeners {
		l(from, to, entry)
	}
	return true, nil
}

func (m *AgentStateMachine) emit(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.publisher == nil {
		return
	}
	m.publisher.PublishAgentEvent(ctx, eventType, m.agentID, data)
}

// OnTransition registers a listener for committed transitions
func (m *AgentStateMachine) OnTransition(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State returns the current state
func (m *AgentStateMachine) State() entities.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns a copy of the append-only transition log
func (m *AgentStateMachine) History() []entities.StateEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]entities.StateEntry, len(m.history))
	copy(history, m.history)
	return history
}

// Context returns a snapshot of the runtime context
func (m *AgentStateMachine) Context() AgentContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.context
	if m.context.Task != nil {
		task := *m.context.Task
		snapshot.Task = &task
	}
	return snapshot
}

// UpdateContext mutates the runtime context under the machine lock
func (m *AgentStateMachine) UpdateContext(fn func(ctx *AgentContext)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.context)
}

// Stats aggregates the transition history
func (m *AgentStateMachine) Stats() *entities.AgentStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &entities.AgentStats{
		AgentID:            m.agentID,
		TotalTransitions:   len(m.history),
		TimeInCurrentState: time.Since(m.lastChange),
		StateCounts:        make(map[entities.AgentState]int),
	}
	for _, entry := range m.history {
		stats.StateCounts[entry.To]++
	}
	if len(m.history) > 0 {
		stats.TotalRuntime = time.Since(m.history[0].Timestamp) + m.history[0].Duration
	}
	best := 0
	for state, count := range stats.StateCounts {
		if count > best {
			best = count
			stats.MostVisitedState = state
		}
	}
	return stats
}

// savedState builds the durable snapshot under the machine lock
func (m *AgentStateMachine) savedState() *entities.SavedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]entities.StateEntry, len(m.history))
	copy(history, m.history)
	return &entities.SavedState{
		State:       m.current,
		History:     history,
		LastUpdated: time.Now(),
		Context: entities.ContextSnapshot{
			Load:       m.context.Load,
			HasErrors:  m.context.HasErrors,
			ErrorCount: m.context.ErrorCount,
		},
	}
}

// restore loads a saved snapshot; terminal snapshots are ignored
func (m *AgentStateMachine) restore(saved *entities.SavedState) {
	if saved == nil || saved.State.Terminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = saved.State
	m.history = append([]entities.StateEntry{}, saved.History...)
	m.context.Load = saved.Context.Load
	m.context.HasErrors = saved.Context.HasErrors
	m.context.ErrorCount = saved.Context.ErrorCount
	m.lastChange = time.Now()
}

// StateStorage persists agent state snapshots. Save must be durable when it
// returns; Get returns (nil, nil) when no snapshot exists.
type StateStorage interface {
	Get(ctx context.Context, agentID string) (*entities.SavedState, error)
	Save(ctx context.Context, agentID string, state *entities.SavedState) error
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]string, error)
}

// PersistentStateMachine wraps an AgentStateMachine with debounced writes to a
// StateStorage. Saves coalesce within the debounce window; failed saves retry
// with exponential backoff and surface a persistence:error event.
type PersistentStateMachine struct {
	*AgentStateMachine
	storage  StateStorage
	debounce time.Duration
	logger   common.Logger

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewPersistentStateMachine creates a persistent machine, restoring any prior
// non-terminal snapshot from storage.
func NewPersistentStateMachine(cfg StateMachineConfig, storage StateStorage, debounce time.Duration) *PersistentStateMachine {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	machine := NewAgentStateMachine(cfg)
	p := &PersistentStateMachine{
		AgentStateMachine: machine,
		storage:           storage,
		debounce:          debounce,
		logger:            machine.logger,
	}

	if saved, err := storage.Get(context.Background(), cfg.AgentID); err != nil {
		p.logger.Warn("Failed to load persisted agent state", "agent_id", cfg.AgentID, "error", err.Error())
	} else {
		machine.restore(saved)
	}

	machine.OnTransition(func(from, to entities.AgentState, entry entities.StateEntry) {
		p.scheduleSave()
	})
	return p
}

func (p *PersistentStateMachine) scheduleSave() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		if err := p.save(context.Background()); err != nil {
			p.logger.Error("Failed to persist agent state", err, "agent_id", p.agentID)
		}
	})
}

func (p *PersistentStateMachine) save(ctx context.Context) error {
	snapshot := p.savedState()
	operation := func() error {
		return p.storage.Save(ctx, p.agentID, snapshot)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		p.emit(ctx, entities.EventTypePersistenceError, map[string]interface{}{
			"operation": "save_state",
			"error":     err.Error(),
		})
		return err
	}
	return nil
}

// SaveNow flushes the pending snapshot immediately
func (p *PersistentStateMachine) SaveNow(ctx context.Context) error {
	p.timerMu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerMu.Unlock()
	return p.save(ctx)
}

// DeletePersistedState wipes the stored snapshot
func (p *PersistentStateMachine) DeletePersistedState(ctx context.Context) error {
	p.timerMu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.timerMu.Unlock()
	return p.storage.Delete(ctx, p.agentID)
}
