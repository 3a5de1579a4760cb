package services

import (
	"fmt"
	"sync"
	"time"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// AgentDirectory is the in-memory directory of registered agents. All mutations
// happen behind the registry mutex; reads hand out copies so scoring never
// holds the lock.
type AgentDirectory struct {
	mu         sync.RWMutex
	agents     map[string]*entities.Agent
	skillIndex map[string]map[string]bool // skill -> set of agent ids

	heartbeatTimeout time.Duration
	logger           common.Logger
	stopCh           chan struct{}
	stopOnce         sync.Once
}

// AgentDirectoryConfig configures an AgentDirectory
type AgentDirectoryConfig struct {
	// HeartbeatTimeout marks agents unhealthy when exceeded; 0 disables the monitor
	HeartbeatTimeout time.Duration
	// HeartbeatInterval is the monitor sweep period
	HeartbeatInterval time.Duration
	Logger            common.Logger
}

// NewAgentDirectory creates a directory and starts the heartbeat monitor when
// a timeout is configured.
func NewAgentDirectory(cfg AgentDirectoryConfig) *AgentDirectory {
	if cfg.Logger == nil {
		cfg.Logger = common.NopLogger{}
	}
	d := &AgentDirectory{
		agents:           make(map[string]*entities.Agent),
		skillIndex:       make(map[string]map[string]bool),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		logger:           cfg.Logger,
		stopCh:           make(chan struct{}),
	}
	if cfg.HeartbeatTimeout > 0 {
		interval := cfg.HeartbeatInterval
		if interval <= 0 {
			interval = cfg.HeartbeatTimeout / 2
		}
		go d.monitorHeartbeats(interval)
	}
	return d
}

// Register adds an agent to the directory
func (d *AgentDirectory) Register(config *entities.AgentConfig) (*entities.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.agents[config.ID]; exists {
		return nil, common.NewError(common.ValidationError, "AGENT_EXISTS",
			fmt.Sprintf("agent %q already registered", config.ID))
	}

	now := time.Now()
	agent := &entities.Agent{
		ID:            config.ID,
		Runtime:       config.Runtime,
		Capabilities:  config.Capabilities,
		Status:        entities.AgentStatusIdle,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	d.agents[agent.ID] = agent
	for _, skill := range agent.Capabilities.Skills {
		if d.skillIndex[skill] == nil {
			d.skillIndex[skill] = make(map[string]bool)
		}
		d.skillIndex[skill][agent.ID] = true
	}

	d.logger.Info("Agent registered", "agent_id", agent.ID, "runtime", string(agent.Runtime), "skills", len(agent.Capabilities.Skills))
	snapshot := *agent
	return &snapshot, nil
}

// Unregister removes an agent from the directory
func (d *AgentDirectory) Unregister(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, exists := d.agents[agentID]
	if !exists {
		return false
	}
	for _, skill := range agent.Capabilities.Skills {
		delete(d.skillIndex[skill], agentID)
		if len(d.skillIndex[skill]) == 0 {
			delete(d.skillIndex, skill)
		}
	}
	delete(d.agents, agentID)
	d.logger.Info("Agent unregistered", "agent_id", agentID)
	return true
}

// Get returns a copy of the agent, or nil when unknown
func (d *AgentDirectory) Get(agentID string) *entities.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return nil
	}
	snapshot := *agent
	return &snapshot
}

// List returns a snapshot of every registered agent
func (d *AgentDirectory) List() []*entities.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agents := make([]*entities.Agent, 0, len(d.agents))
	for _, agent := range d.agents {
		snapshot := *agent
		agents = append(agents, &snapshot)
	}
	return agents
}

// HealthyAgents returns a snapshot of agents eligible for scheduling: not
// offline, not unhealthy, and heartbeating within the timeout.
func (d *AgentDirectory) HealthyAgents() []*entities.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := time.Now()
	agents := make([]*entities.Agent, 0, len(d.agents))
	for _, agent := range d.agents {
		if agent.Status == entities.AgentStatusOffline || agent.Status == entities.AgentStatusUnhealthy {
			continue
		}
		if d.heartbeatTimeout > 0 && now.Sub(agent.LastHeartbeat) > d.heartbeatTimeout {
			continue
		}
		snapshot := *agent
		agents = append(agents, &snapshot)
	}
	return agents
}

// AgentsWithSkill returns the ids of agents declaring the skill
func (d *AgentDirectory) AgentsWithSkill(skill string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.skillIndex[skill]))
	for id := range d.skillIndex[skill] {
		ids = append(ids, id)
	}
	return ids
}

// AgentsInStatus returns a snapshot of agents in the given status
func (d *AgentDirectory) AgentsInStatus(status entities.AgentStatus) []*entities.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agents := make([]*entities.Agent, 0)
	for _, agent := range d.agents {
		if agent.Status == status {
			snapshot := *agent
			agents = append(agents, &snapshot)
		}
	}
	return agents
}

// UpdateStatus sets an agent's externally visible status. The stateful
// registry is the only intended writer.
func (d *AgentDirectory) UpdateStatus(agentID string, status entities.AgentStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return false
	}
	agent.Status = status
	return true
}

// UpdateLoad sets an agent's current load in [0,1]
func (d *AgentDirectory) UpdateLoad(agentID string, load float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return false
	}
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	agent.CurrentLoad = load
	return true
}

// Heartbeat records a liveness signal from an agent. A heartbeat from an
// unhealthy agent restores it to idle.
func (d *AgentDirectory) Heartbeat(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return false
	}
	agent.LastHeartbeat = time.Now()
	if agent.Status == entities.AgentStatusUnhealthy {
		agent.Status = entities.AgentStatusIdle
	}
	return true
}

// Count returns the number of registered agents
func (d *AgentDirectory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}

func (d *AgentDirectory) monitorHeartbeats(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepHeartbeats()
		}
	}
}

func (d *AgentDirectory) sweepHeartbeats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for _, agent := range d.agents {
		if agent.Status == entities.AgentStatusOffline || agent.Status == entities.AgentStatusUnhealthy {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > d.heartbeatTimeout {
			agent.Status = entities.AgentStatusUnhealthy
			d.logger.Warn("Agent missed heartbeat window", "agent_id", agent.ID, "last_heartbeat", agent.LastHeartbeat)
		}
	}
}

// Close stops the heartbeat monitor
func (d *AgentDirectory) Close() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}
