package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// QuotaGate is the admission surface consulted before allocating agents
type QuotaGate interface {
	CanAllocate(ctx context.Context, principalID string, agents int, sessionID string) *entities.QuotaDecision
	Allocate(ctx context.Context, principalID string, agents int, sessionID string) error
	Release(ctx context.Context, principalID string, agents int, sessionID string)
}

// busAgentPublisher adapts the event bus to the machine's narrow publisher
type busAgentPublisher struct {
	bus *EventBus
}

func (p *busAgentPublisher) PublishAgentEvent(ctx context.Context, eventType, agentID string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	payload := map[string]interface{}{"agent_id": agentID}
	for k, v := range data {
		payload[k] = v
	}
	_, err := p.bus.Publish(ctx, eventType, payload, &PublishOptions{Source: agentID})
	if err != nil && p.bus.logger != nil {
		p.bus.logger.Error("Failed to publish agent event", err, "event_type", eventType, "agent_id", agentID)
	}
}

type agentOwnership struct {
	owner     string
	sessionID string
}

// StatefulAgentRegistry binds the agent directory to one state machine per
// agent and owns every machine it creates. It is the single writer of agent
// status and load.
type StatefulAgentRegistry struct {
	directory *AgentDirectory
	bus       *EventBus
	storage   StateStorage
	quotas    QuotaGate
	logger    common.Logger

	mu       sync.RWMutex
	machines map[string]*PersistentStateMachine
	owners   map[string]agentOwnership

	saveDebounce    time.Duration
	errorRetryLimit int
	checkpointGrace time.Duration
	onWorkComplete  func(agentID string)
}

// StatefulRegistryConfig configures a StatefulAgentRegistry
type StatefulRegistryConfig struct {
	Directory       *AgentDirectory
	Bus             *EventBus
	Storage         StateStorage
	Quotas          QuotaGate
	Logger          common.Logger
	SaveDebounce    time.Duration
	ErrorRetryLimit int
	// CheckpointGrace is how long a graceful stop waits for the running task
	// to checkpoint before finalizing
	CheckpointGrace time.Duration
	// OnWorkComplete is invoked as the busy→idle action
	OnWorkComplete func(agentID string)
}

// NewStatefulAgentRegistry creates the registry
func NewStatefulAgentRegistry(cfg StatefulRegistryConfig) *StatefulAgentRegistry {
	if cfg.Logger == nil {
		cfg.Logger = common.NopLogger{}
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = 100 * time.Millisecond
	}
	if cfg.ErrorRetryLimit <= 0 {
		cfg.ErrorRetryLimit = 3
	}
	if cfg.CheckpointGrace <= 0 {
		cfg.CheckpointGrace = 100 * time.Millisecond
	}
	return &StatefulAgentRegistry{
		directory:       cfg.Directory,
		bus:             cfg.Bus,
		storage:         cfg.Storage,
		quotas:          cfg.Quotas,
		logger:          cfg.Logger,
		machines:        make(map[string]*PersistentStateMachine),
		owners:          make(map[string]agentOwnership),
		saveDebounce:    cfg.SaveDebounce,
		errorRetryLimit: cfg.ErrorRetryLimit,
		checkpointGrace: cfg.CheckpointGrace,
		onWorkComplete:  cfg.OnWorkComplete,
	}
}

// Directory exposes the underlying agent directory for read paths
func (r *StatefulAgentRegistry) Directory() *AgentDirectory {
	return r.directory
}

// RegisterAgent admits, registers and initializes a new agent, driving its
// machine created → initializing → idle.
func (r *StatefulAgentRegistry) RegisterAgent(ctx context.Context, config *entities.AgentConfig) (*entities.Agent, error) {
	if config.ID == "" {
		return nil, common.NewError(common.ValidationError, "MISSING_AGENT_ID", "agent id is required")
	}

	if r.quotas != nil && config.Owner != "" {
		decision := r.quotas.CanAllocate(ctx, config.Owner, 1, config.SessionID)
		if !decision.Allowed {
			return nil, common.NewError(common.QuotaError, "QUOTA_DENIED", decision.Reason)
		}
	}

	agent, err := r.directory.Register(config)
	if err != nil {
		return nil, err
	}

	machine := NewPersistentStateMachine(StateMachineConfig{
		AgentID:         config.ID,
		Publisher:       &busAgentPublisher{bus: r.bus},
		Logger:          r.logger,
		ErrorRetryLimit: r.errorRetryLimit,
		OnWorkComplete:  r.onWorkComplete,
	}, r.storage, r.saveDebounce)

	machine.OnTransition(func(from, to entities.AgentState, entry entities.StateEntry) {
		r.mirrorState(ctx, config.ID, from, to)
	})

	r.mu.Lock()
	r.machines[config.ID] = machine
	r.owners[config.ID] = agentOwnership{owner: config.Owner, sessionID: config.SessionID}
	r.mu.Unlock()

	if r.quotas != nil && config.Owner != "" {
		if err := r.quotas.Allocate(ctx, config.Owner, 1, config.SessionID); err != nil {
			r.logger.Warn("Quota allocation bookkeeping failed", "agent_id", config.ID, "error", err.Error())
		}
	}

	// a restored machine may already be past the boot states
	if machine.State() == entities.AgentStateCreated {
		if _, err := machine.Transition(ctx, entities.AgentStateInitializing, "registration"); err != nil {
			return nil, err
		}
		if _, err := machine.Transition(ctx, entities.AgentStateIdle, "initialized"); err != nil {
			return nil, err
		}
	}
	return agent, nil
}

// mirrorState maps machine states onto the directory's status column and
// publishes the agent.* lifecycle events.
func (r *StatefulAgentRegistry) mirrorState(ctx context.Context, agentID string, from, to entities.AgentState) {
	var status entities.AgentStatus
	var eventType string
	switch to {
	case entities.AgentStateIdle:
		status, eventType = entities.AgentStatusIdle, "agent.idle"
	case entities.AgentStateBusy:
		status, eventType = entities.AgentStatusBusy, "agent.busy"
	case entities.AgentStateError:
		status, eventType = entities.AgentStatusUnhealthy, "agent.error"
	case entities.AgentStatePaused, entities.AgentStateStopping, entities.AgentStateStopped:
		status = entities.AgentStatusOffline
	default:
		return
	}
	r.directory.UpdateStatus(agentID, status)

	if eventType != "" && r.bus != nil {
		_, err := r.bus.Publish(ctx, eventType, map[string]interface{}{
			"agent_id":       agentID,
			"previous_state": string(from),
		}, &PublishOptions{Source: agentID})
		if err != nil {
			r.logger.Error("Failed to publish agent lifecycle event", err, "agent_id", agentID)
		}
	}
}

func (r *StatefulAgentRegistry) machine(agentID string) (*PersistentStateMachine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	machine, ok := r.machines[agentID]
	if !ok {
		return nil, common.NewError(common.ValidationError, "UNKNOWN_AGENT",
			fmt.Sprintf("agent %q is not registered", agentID))
	}
	return machine, nil
}

// AssignWork moves an agent to busy for the given task. Returns false when the
// agent is already busy or the guard refuses the move.
func (r *StatefulAgentRegistry) AssignWork(ctx context.Context, agentID string, task *entities.Task) (bool, error) {
	machine, err := r.machine(agentID)
	if err != nil {
		return false, err
	}
	if machine.State() == entities.AgentStateBusy {
		return false, nil
	}

	machine.UpdateContext(func(c *AgentContext) {
		c.Task = task
		c.HasPendingWork = true
	})
	ok, err := machine.Transition(ctx, entities.AgentStateBusy, "work assigned")
	if err != nil || !ok {
		machine.UpdateContext(func(c *AgentContext) {
			c.Task = nil
			c.HasPendingWork = false
		})
		return false, err
	}

	weight := task.Weight
	if weight <= 0 {
		weight = 1
	}
	load := weight
	if load > 1 {
		load = 1
	}
	machine.UpdateContext(func(c *AgentContext) {
		c.Load = load
		c.HasPendingWork = false
	})
	r.directory.UpdateLoad(agentID, load)
	return true, nil
}

// CompleteWork finishes the agent's task and returns it to idle
func (r *StatefulAgentRegistry) CompleteWork(ctx context.Context, agentID string, result map[string]interface{}) error {
	machine, err := r.machine(agentID)
	if err != nil {
		return err
	}
	ok, err := machine.Transition(ctx, entities.AgentStateIdle, "work completed")
	if err != nil {
		return err
	}
	if !ok {
		return common.NewError(common.TransitionError, "COMPLETE_DENIED",
			fmt.Sprintf("agent %q could not return to idle", agentID))
	}
	machine.UpdateContext(func(c *AgentContext) {
		c.Task = nil
		c.Load = 0
	})
	r.directory.UpdateLoad(agentID, 0)
	return nil
}

// FailWork records a task failure and moves the agent to error
func (r *StatefulAgentRegistry) FailWork(ctx context.Context, agentID string, taskErr error) error {
	machine, err := r.machine(agentID)
	if err != nil {
		return err
	}
	machine.UpdateContext(func(c *AgentContext) {
		if taskErr != nil {
			c.LastError = taskErr.Error()
		}
	})
	if _, err := machine.Transition(ctx, entities.AgentStateError, "work failed"); err != nil {
		return err
	}
	machine.UpdateContext(func(c *AgentContext) {
		c.Task = nil
		c.Load = 0
	})
	r.directory.UpdateLoad(agentID, 0)
	return nil
}

// PauseAgent pauses an idle or checkpointable busy agent
func (r *StatefulAgentRegistry) PauseAgent(ctx context.Context, agentID string) (bool, error) {
	machine, err := r.machine(agentID)
	if err != nil {
		return false, err
	}
	return machine.Transition(ctx, entities.AgentStatePaused, "pause requested")
}

// ResumeAgent returns a paused agent to busy when work is pending, idle otherwise
func (r *StatefulAgentRegistry) ResumeAgent(ctx context.Context, agentID string) (bool, error) {
	machine, err := r.machine(agentID)
	if err != nil {
		return false, err
	}
	if machine.Context().HasPendingWork {
		return machine.Transition(ctx, entities.AgentStateBusy, "resume with pending work")
	}
	return machine.Transition(ctx, entities.AgentStateIdle, "resume")
}

// RecoverAgent re-initializes an errored agent when the retry budget allows
func (r *StatefulAgentRegistry) RecoverAgent(ctx context.Context, agentID string) (bool, error) {
	machine, err := r.machine(agentID)
	if err != nil {
		return false, err
	}
	ok, err := machine.Transition(ctx, entities.AgentStateInitializing, "recovery")
	if err != nil || !ok {
		return ok, err
	}
	machine.UpdateContext(func(c *AgentContext) {
		c.HasErrors = false
		c.LastError = ""
	})
	return machine.Transition(ctx, entities.AgentStateIdle, "recovered")
}

// StopAgent drives an agent to stopped and removes it. Without force, a busy
// agent stops only when its task can save progress; with force, every legal
// edge toward stopped is taken regardless of checkpointing.
func (r *StatefulAgentRegistry) StopAgent(ctx context.Context, agentID string, force bool) error {
	machine, err := r.machine(agentID)
	if err != nil {
		return err
	}

	state := machine.State()
	if state != entities.AgentStateStopping {
		if state == entities.AgentStateBusy && !force {
			ok, err := machine.Transition(ctx, entities.AgentStateStopping, "graceful stop")
			if err != nil {
				return err
			}
			if !ok {
				return common.NewError(common.TransitionError, "STOP_DENIED",
					fmt.Sprintf("agent %q is busy and its task cannot save progress", agentID))
			}
			// brief grace for the checkpoint to land
			time.Sleep(r.checkpointGrace)
		} else {
			if state == entities.AgentStateBusy && force {
				// force path abandons the task rather than checkpointing it
				machine.UpdateContext(func(c *AgentContext) {
					if c.Task != nil {
						c.Task.CanSaveProgress = true
					}
				})
			}
			if ok, err := machine.Transition(ctx, entities.AgentStateStopping, "stop requested"); err != nil || !ok {
				if err != nil {
					return err
				}
				return common.NewError(common.TransitionError, "STOP_DENIED",
					fmt.Sprintf("agent %q refused to stop from state %q", agentID, state))
			}
		}
	}

	if ok, err := machine.Transition(ctx, entities.AgentStateStopped, "stopped"); err != nil || !ok {
		if err != nil {
			return err
		}
		return common.NewError(common.TransitionError, "STOP_DENIED",
			fmt.Sprintf("agent %q could not finalize stop", agentID))
	}

	if err := machine.DeletePersistedState(ctx); err != nil {
		r.logger.Warn("Failed to delete persisted state", "agent_id", agentID, "error", err.Error())
	}

	r.mu.Lock()
	ownership := r.owners[agentID]
	delete(r.machines, agentID)
	delete(r.owners, agentID)
	r.mu.Unlock()

	r.directory.Unregister(agentID)

	if r.quotas != nil && ownership.owner != "" {
		r.quotas.Release(ctx, ownership.owner, 1, ownership.sessionID)
	}
	return nil
}

// GetAgentState returns an agent's current machine state
func (r *StatefulAgentRegistry) GetAgentState(agentID string) (entities.AgentState, error) {
	machine, err := r.machine(agentID)
	if err != nil {
		return "", err
	}
	return machine.State(), nil
}

// GetAgentStateHistory returns a copy of the agent's transition log
func (r *StatefulAgentRegistry) GetAgentStateHistory(agentID string) ([]entities.StateEntry, error) {
	machine, err := r.machine(agentID)
	if err != nil {
		return nil, err
	}
	return machine.History(), nil
}

// GetAgentsInState lists the ids of agents currently in the given state
func (r *StatefulAgentRegistry) GetAgentsInState(state entities.AgentState) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0)
	for id, machine := range r.machines {
		if machine.State() == state {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetAgentStats aggregates the agent's transition history
func (r *StatefulAgentRegistry) GetAgentStats(agentID string) (*entities.AgentStats, error) {
	machine, err := r.machine(agentID)
	if err != nil {
		return nil, err
	}
	return machine.Stats(), nil
}
