package services

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// AgentSelector scores healthy agents against selection criteria under a named
// strategy. Rotation and recency state is per-instance; two selectors never
// share it.
type AgentSelector struct {
	directory *AgentDirectory
	logger    common.Logger

	mu             sync.Mutex
	rotationIndex  int
	recentlyPicked map[string]bool
}

// NewAgentSelector creates a selector over the given directory
func NewAgentSelector(directory *AgentDirectory, logger common.Logger) *AgentSelector {
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &AgentSelector{
		directory:      directory,
		logger:         logger,
		recentlyPicked: make(map[string]bool),
	}
}

var validStrategies = map[entities.SelectionStrategy]bool{
	entities.StrategySkillMatch:           true,
	entities.StrategyCostOptimized:        true,
	entities.StrategySpeedOptimized:       true,
	entities.StrategyReliabilityOptimized: true,
	entities.StrategyLoadBalanced:         true,
	entities.StrategyBalanced:             true,
}

// SelectAgent returns the top-scored candidate for the criteria
func (s *AgentSelector) SelectAgent(criteria *entities.SelectionCriteria) (*entities.SelectionResult, error) {
	ranked, considered, err := s.rank(criteria)
	if err != nil {
		return nil, err
	}
	top := ranked[0]
	s.rememberSelection(top.AgentID)
	agent := s.directory.Get(top.AgentID)
	return &entities.SelectionResult{
		Agent:                agent,
		Score:                top,
		CandidatesConsidered: considered,
	}, nil
}

// SelectMultipleAgents returns the top n candidates; it fails when fewer than
// n healthy candidates survive the hard constraints.
func (s *AgentSelector) SelectMultipleAgents(criteria *entities.SelectionCriteria, n int) ([]*entities.SelectionResult, error) {
	if n <= 0 {
		return nil, common.NewError(common.SelectionError, common.CodeInvalidCount,
			fmt.Sprintf("requested agent count %d must be positive", n))
	}
	ranked, considered, err := s.rank(criteria)
	if err != nil {
		return nil, err
	}
	if len(ranked) < n {
		return nil, common.NewError(common.SelectionError, common.CodeInsufficientAgents,
			fmt.Sprintf("need %d agents, only %d candidates matched", n, len(ranked)))
	}
	results := make([]*entities.SelectionResult, 0, n)
	for _, score := range ranked[:n] {
		s.rememberSelection(score.AgentID)
		results = append(results, &entities.SelectionResult{
			Agent:                s.directory.Get(score.AgentID),
			Score:                score,
			CandidatesConsidered: considered,
		})
	}
	return results, nil
}

// RankAgents returns the full sorted score list for the criteria
func (s *AgentSelector) RankAgents(criteria *entities.SelectionCriteria) ([]*entities.ScoreDetail, error) {
	ranked, _, err := s.rank(criteria)
	if err != nil {
		return nil, err
	}
	return ranked, nil
}

func (s *AgentSelector) rank(criteria *entities.SelectionCriteria) ([]*entities.ScoreDetail, int, error) {
	if criteria == nil {
		criteria = &entities.SelectionCriteria{}
	}
	strategy := criteria.Strategy
	if strategy == "" {
		strategy = entities.StrategyBalanced
	}
	if !validStrategies[strategy] {
		return nil, 0, common.NewError(common.SelectionError, common.CodeInvalidStrategy,
			fmt.Sprintf("unknown selection strategy %q", strategy))
	}

	healthy := s.directory.HealthyAgents()
	if len(healthy) == 0 {
		return nil, 0, common.NewError(common.SelectionError, common.CodeNoCandidates, "no healthy agents available")
	}

	candidates := make([]*entities.Agent, 0, len(healthy))
	for _, agent := range healthy {
		if s.passesHardConstraints(agent, criteria) {
			candidates = append(candidates, agent)
		}
	}
	if len(candidates) == 0 {
		return nil, len(healthy), common.NewError(common.SelectionError, common.CodeNoMatchingAgents,
			"no agents satisfy the selection constraints")
	}

	maxSpeed := 0.0
	for _, agent := range candidates {
		if agent.Capabilities.AvgSpeed > maxSpeed {
			maxSpeed = agent.Capabilities.AvgSpeed
		}
	}

	s.mu.Lock()
	rotationTop := ""
	if len(candidates) > 0 {
		rotationTop = candidates[s.rotationIndex%len(candidates)].ID
		s.rotationIndex++
	}
	recent := make(map[string]bool, len(s.recentlyPicked))
	for id := range s.recentlyPicked {
		recent[id] = true
	}
	s.mu.Unlock()

	scores := make([]*entities.ScoreDetail, 0, len(candidates))
	for _, agent := range candidates {
		detail := s.scoreComponents(agent, criteria, maxSpeed)
		detail.Total = s.composeScore(detail, agent, criteria, strategy, rotationTop, recent)
		scores = append(scores, detail)
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Total > scores[j].Total
	})
	return scores, len(candidates), nil
}

func (s *AgentSelector) passesHardConstraints(agent *entities.Agent, criteria *entities.SelectionCriteria) bool {
	caps := agent.Capabilities
	if !containsAll(caps.Skills, criteria.RequiredSkills) {
		return false
	}
	if !containsAll(caps.Specialties, criteria.RequiredSpecialties) {
		return false
	}
	if !containsAll(caps.Languages, criteria.RequiredLanguages) {
		return false
	}
	if criteria.MaxCostPerHour > 0 && caps.CostPerHour > criteria.MaxCostPerHour {
		return false
	}
	if criteria.MinReliability > 0 && caps.Reliability < criteria.MinReliability {
		return false
	}
	if criteria.MinSpeed > 0 && caps.AvgSpeed < criteria.MinSpeed {
		return false
	}
	if criteria.PreferredRuntime != "" && agent.Runtime != criteria.PreferredRuntime {
		return false
	}
	return true
}

func (s *AgentSelector) scoreComponents(agent *entities.Agent, criteria *entities.SelectionCriteria, maxSpeed float64) *entities.ScoreDetail {
	caps := agent.Capabilities
	detail := &entities.ScoreDetail{
		AgentID:     agent.ID,
		Skill:       overlapRatio(caps.Skills, criteria.RequiredSkills, 1),
		Preferred:   overlapRatio(caps.Skills, criteria.PreferredSkills, 0),
		Cost:        math.Exp(-caps.CostPerHour / 10),
		Reliability: caps.Reliability,
		Load:        1 - agent.CurrentLoad,
	}
	if maxSpeed > 0 {
		detail.Speed = caps.AvgSpeed / maxSpeed
	}
	return detail
}

func (s *AgentSelector) composeScore(d *entities.ScoreDetail, agent *entities.Agent, criteria *entities.SelectionCriteria, strategy entities.SelectionStrategy, rotationTop string, recent map[string]bool) float64 {
	switch strategy {
	case entities.StrategySkillMatch:
		if len(criteria.RequiredSkills) > 0 && d.Skill >= 1 {
			// a perfect required match floors the score
			return 0.9 + 0.1*d.Preferred
		}
		return d.Skill*0.7 + d.Preferred*0.3

	case entities.StrategyCostOptimized:
		return d.Cost*0.6 + d.Skill*0.25 + d.Preferred*0.15

	case entities.StrategySpeedOptimized:
		return d.Speed*0.5 + d.Load*0.25 + d.Skill*0.25

	case entities.StrategyReliabilityOptimized:
		return d.Reliability*0.7 + d.Skill*0.3

	case entities.StrategyLoadBalanced:
		score := d.Load*0.5 + d.Skill*0.3
		if agent.ID == rotationTop {
			score += 0.1
		}
		if recent[agent.ID] {
			score -= 0.15
		}
		return score

	default: // balanced
		weights := entities.DefaultSelectionWeights()
		if criteria.Weights != nil {
			weights = *criteria.Weights
		}
		skillComposite := d.Skill*0.7 + d.Preferred*0.3
		return skillComposite*weights.Skill + d.Cost*weights.Cost + d.Reliability*weights.Reliability + d.Load*weights.Load
	}
}

func (s *AgentSelector) rememberSelection(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// only the latest pick counts as "recent"
	s.recentlyPicked = map[string]bool{agentID: true}
}

// overlapRatio returns |required ∩ have| / |required|, or empty when the
// required set is empty.
func overlapRatio(have, required []string, empty float64) float64 {
	if len(required) == 0 {
		return empty
	}
	haveSet := make(map[string]bool, len(have))
	for _, s := range have {
		haveSet[s] = true
	}
	matched := 0
	for _, s := range required {
		if haveSet[s] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func containsAll(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	haveSet := make(map[string]bool, len(have))
	for _, s := range have {
		haveSet[s] = true
	}
	for _, s := range required {
		if !haveSet[s] {
			return false
		}
	}
	return true
}
