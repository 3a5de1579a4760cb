package loadbalancer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// Config tunes the multi-cluster load balancer
type Config struct {
	CircuitBreakerThreshold int
	MaxAlternatives         int
	AffinityTTL             time.Duration
	DefaultStrategy         entities.RouteStrategy
	Logger                  common.Logger
}

type affinityEntry struct {
	clusterID string
	expiresAt time.Time
}

// LoadBalancer routes work requests across clusters. Breakers and the
// session-affinity table are owned here; cluster snapshots are handed out by
// copy.
type LoadBalancer struct {
	config Config
	logger common.Logger

	mu        sync.RWMutex
	clusters  map[string]*entities.Cluster
	breakers  map[string]*CircuitBreaker
	affinity  map[string]affinityEntry
	rrCounter int
}

// New creates a load balancer
func New(config Config) *LoadBalancer {
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = 3
	}
	if config.MaxAlternatives <= 0 {
		config.MaxAlternatives = 3
	}
	if config.AffinityTTL <= 0 {
		config.AffinityTTL = 30 * time.Minute
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = entities.RouteLeastLoaded
	}
	if config.Logger == nil {
		config.Logger = common.NopLogger{}
	}
	return &LoadBalancer{
		config:   config,
		logger:   config.Logger,
		clusters: make(map[string]*entities.Cluster),
		breakers: make(map[string]*CircuitBreaker),
		affinity: make(map[string]affinityEntry),
	}
}

// RegisterCluster adds or replaces a cluster in the routing table
func (lb *LoadBalancer) RegisterCluster(cluster *entities.Cluster) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if cluster.RegisteredAt.IsZero() {
		cluster.RegisteredAt = time.Now()
	}
	if cluster.Health == "" {
		cluster.Health = entities.ClusterHealthHealthy
	}
	lb.clusters[cluster.ID] = cluster
	if _, ok := lb.breakers[cluster.ID]; !ok {
		lb.breakers[cluster.ID] = NewCircuitBreaker(cluster.ID, lb.config.CircuitBreakerThreshold)
	}
	lb.logger.Info("Cluster registered", "cluster_id", cluster.ID, "region", cluster.Region)
}

// RemoveCluster drops a cluster from the routing table
func (lb *LoadBalancer) RemoveCluster(clusterID string) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.clusters[clusterID]; !ok {
		return false
	}
	delete(lb.clusters, clusterID)
	delete(lb.breakers, clusterID)
	for session, entry := range lb.affinity {
		if entry.clusterID == clusterID {
			delete(lb.affinity, session)
		}
	}
	return true
}

// UpdateClusterLoad refreshes a cluster's occupancy
func (lb *LoadBalancer) UpdateClusterLoad(clusterID string, load entities.ClusterLoad) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	cluster, ok := lb.clusters[clusterID]
	if !ok {
		return false
	}
	cluster.Load = load
	return true
}

// UpdateClusterHealth refreshes a cluster's health
func (lb *LoadBalancer) UpdateClusterHealth(clusterID string, health entities.ClusterHealth) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	cluster, ok := lb.clusters[clusterID]
	if !ok {
		return false
	}
	cluster.Health = health
	return true
}

// RecordFailure feeds the cluster's breaker
func (lb *LoadBalancer) RecordFailure(clusterID string) {
	lb.mu.RLock()
	breaker := lb.breakers[clusterID]
	lb.mu.RUnlock()
	if breaker == nil {
		return
	}
	if breaker.RecordFailure() {
		lb.logger.Warn("Circuit breaker opened", "cluster_id", clusterID)
	}
}

// RecordSuccess closes the cluster's breaker
func (lb *LoadBalancer) RecordSuccess(clusterID string) {
	lb.mu.RLock()
	breaker := lb.breakers[clusterID]
	lb.mu.RUnlock()
	if breaker != nil {
		breaker.RecordSuccess()
	}
}

// BreakerSnapshot exposes a cluster's breaker counters
func (lb *LoadBalancer) BreakerSnapshot(clusterID string) (failures int, isOpen bool, ok bool) {
	lb.mu.RLock()
	breaker := lb.breakers[clusterID]
	lb.mu.RUnlock()
	if breaker == nil {
		return 0, false, false
	}
	f, open, _ := breaker.Snapshot()
	return f, open, true
}

// Route places a work request on a cluster. Candidates are the healthy
// clusters with closed breakers; session affinity short-circuits strategy
// selection when an entry is alive.
func (lb *LoadBalancer) Route(request *entities.RouteRequest, strategy entities.RouteStrategy) *entities.RouteResult {
	if request == nil {
		request = &entities.RouteRequest{}
	}
	if strategy == "" {
		strategy = lb.config.DefaultStrategy
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	candidates := lb.candidatesLocked(request)
	if len(candidates) == 0 {
		return &entities.RouteResult{
			Success:  false,
			Strategy: strategy,
			Reason:   "no healthy cluster with a closed circuit breaker",
		}
	}

	if request.SessionID != "" {
		if entry, ok := lb.affinity[request.SessionID]; ok && time.Now().Before(entry.expiresAt) {
			for _, cluster := range candidates {
				if cluster.ID == entry.clusterID {
					return lb.resultLocked(cluster, entities.RouteSessionAffinity)
				}
			}
		}
	}

	var chosen *entities.Cluster
	switch strategy {
	case entities.RouteRoundRobin:
		chosen = candidates[lb.rrCounter%len(candidates)]
		lb.rrCounter++
	case entities.RouteRegional:
		chosen = pickRegional(candidates, request.PreferredRegion)
	case entities.RouteCapabilityMatch:
		chosen = pickByCapabilities(candidates, request.RequiredCapabilities)
	case entities.RouteSessionAffinity, entities.RouteLeastLoaded:
		chosen = pickLeastLoaded(candidates)
	default:
		return &entities.RouteResult{
			Success:  false,
			Strategy: strategy,
			Reason:   fmt.Sprintf("unknown routing strategy %q", strategy),
		}
	}
	if chosen == nil {
		return &entities.RouteResult{
			Success:  false,
			Strategy: strategy,
			Reason:   "no cluster satisfies the request",
		}
	}

	if request.SessionID != "" {
		lb.affinity[request.SessionID] = affinityEntry{
			clusterID: chosen.ID,
			expiresAt: time.Now().Add(lb.config.AffinityTTL),
		}
	}
	return lb.resultLocked(chosen, strategy)
}

// candidatesLocked returns the routable set: healthy clusters whose circuit
// breaker is closed.
func (lb *LoadBalancer) candidatesLocked(request *entities.RouteRequest) []*entities.Cluster {
	candidates := make([]*entities.Cluster, 0, len(lb.clusters))
	for id, cluster := range lb.clusters {
		if cluster.Health == entities.ClusterHealthUnhealthy {
			continue
		}
		if breaker := lb.breakers[id]; breaker != nil && breaker.IsOpen() {
			continue
		}
		candidates = append(candidates, cluster)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates
}

// resultLocked copies the chosen cluster and fills Alternatives. Alternatives
// prefer closed-breaker clusters; open-breaker clusters are excluded from
// routing but still surface here when no closed-breaker alternative exists.
func (lb *LoadBalancer) resultLocked(chosen *entities.Cluster, strategy entities.RouteStrategy) *entities.RouteResult {
	chosenCopy := *chosen
	result := &entities.RouteResult{
		Success:  true,
		Cluster:  &chosenCopy,
		Strategy: strategy,
	}

	closed := make([]*entities.Cluster, 0, len(lb.clusters))
	open := make([]*entities.Cluster, 0)
	for id, cluster := range lb.clusters {
		if id == chosen.ID || cluster.Health == entities.ClusterHealthUnhealthy {
			continue
		}
		if breaker := lb.breakers[id]; breaker != nil && breaker.IsOpen() {
			open = append(open, cluster)
			continue
		}
		closed = append(closed, cluster)
	}
	others := closed
	if len(others) == 0 {
		others = open
	}
	sort.Slice(others, func(i, j int) bool {
		return others[i].Load.UtilizationPercent < others[j].Load.UtilizationPercent
	})
	if len(others) > lb.config.MaxAlternatives {
		others = others[:lb.config.MaxAlternatives]
	}
	for _, cluster := range others {
		alt := *cluster
		result.Alternatives = append(result.Alternatives, &alt)
	}
	return result
}

func pickLeastLoaded(candidates []*entities.Cluster) *entities.Cluster {
	var best *entities.Cluster
	for _, cluster := range candidates {
		if best == nil || cluster.Load.UtilizationPercent < best.Load.UtilizationPercent {
			best = cluster
		}
	}
	return best
}

func pickRegional(candidates []*entities.Cluster, region string) *entities.Cluster {
	if region != "" {
		regional := make([]*entities.Cluster, 0)
		for _, cluster := range candidates {
			if cluster.Region == region {
				regional = append(regional, cluster)
			}
		}
		if len(regional) > 0 {
			return pickLeastLoaded(regional)
		}
	}
	// no regional match falls back to the global least-loaded cluster
	return pickLeastLoaded(candidates)
}

func pickByCapabilities(candidates []*entities.Cluster, required map[string]interface{}) *entities.Cluster {
	if len(required) == 0 {
		return pickLeastLoaded(candidates)
	}
	matching := make([]*entities.Cluster, 0)
	for _, cluster := range candidates {
		if hasCapabilities(cluster, required) {
			matching = append(matching, cluster)
		}
	}
	if len(matching) == 0 {
		return nil
	}
	return pickLeastLoaded(matching)
}

func hasCapabilities(cluster *entities.Cluster, required map[string]interface{}) bool {
	for key, want := range required {
		have, ok := cluster.Capabilities[key]
		if !ok {
			return false
		}
		if want != nil && fmt.Sprintf("%v", have) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// Clusters returns a snapshot of the routing table
func (lb *LoadBalancer) Clusters() []*entities.Cluster {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	clusters := make([]*entities.Cluster, 0, len(lb.clusters))
	for _, cluster := range lb.clusters {
		snapshot := *cluster
		clusters = append(clusters, &snapshot)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })
	return clusters
}

// GenerateRebalancePlan proposes moves from the most to the least utilized
// clusters, predicted to lower the maximum utilization.
func (lb *LoadBalancer) GenerateRebalancePlan() *entities.RebalancePlan {
	clusters := lb.Clusters()
	plan := &entities.RebalancePlan{
		Moves:       make([]*entities.RebalanceMove, 0),
		GeneratedAt: time.Now(),
	}
	if len(clusters) < 2 {
		return plan
	}

	utilization := make(map[string]float64, len(clusters))
	capacity := make(map[string]int, len(clusters))
	agents := make(map[string]int, len(clusters))
	var mean float64
	for _, cluster := range clusters {
		utilization[cluster.ID] = cluster.Load.UtilizationPercent
		capacity[cluster.ID] = cluster.MaxAgents
		agents[cluster.ID] = cluster.Load.CurrentAgents
		mean += cluster.Load.UtilizationPercent
	}
	mean /= float64(len(clusters))
	plan.MaxUtilizationBefore = maxUtilization(utilization)

	for _, donor := range clusters {
		if utilization[donor.ID] <= mean || capacity[donor.ID] == 0 {
			continue
		}
		surplusAgents := int(float64(capacity[donor.ID]) * (utilization[donor.ID] - mean) / 100)
		if surplusAgents <= 0 {
			continue
		}
		for _, receiver := range clusters {
			if surplusAgents == 0 {
				break
			}
			if receiver.ID == donor.ID || utilization[receiver.ID] >= mean || capacity[receiver.ID] == 0 {
				continue
			}
			headroom := int(float64(capacity[receiver.ID]) * (mean - utilization[receiver.ID]) / 100)
			if headroom <= 0 {
				continue
			}
			count := surplusAgents
			if headroom < count {
				count = headroom
			}
			plan.Moves = append(plan.Moves, &entities.RebalanceMove{From: donor.ID, To: receiver.ID, Count: count})
			surplusAgents -= count

			agents[donor.ID] -= count
			agents[receiver.ID] += count
			utilization[donor.ID] = percentOf(agents[donor.ID], capacity[donor.ID])
			utilization[receiver.ID] = percentOf(agents[receiver.ID], capacity[receiver.ID])
		}
	}

	plan.MaxUtilizationAfter = maxUtilization(utilization)
	return plan
}

func percentOf(agents, capacity int) float64 {
	if capacity == 0 {
		return 0
	}
	return float64(agents) / float64(capacity) * 100
}

func maxUtilization(utilization map[string]float64) float64 {
	max := 0.0
	for _, u := range utilization {
		if u > max {
			max = u
		}
	}
	return max
}
