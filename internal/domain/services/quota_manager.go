package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// QuotaManagerConfig tunes the quota manager
type QuotaManagerConfig struct {
	Bus    *EventBus
	Logger common.Logger
	// AdmissionRate smooths bursts of admission checks per principal;
	// 0 disables the limiter
	AdmissionRate  rate.Limit
	AdmissionBurst int
	AuditRetention time.Duration
}

// QuotaManager is the three-level admission gate: user → team → org, first
// denial wins. It owns every allocation counter; callers consult it and never
// mutate counters directly.
type QuotaManager struct {
	bus            *EventBus
	logger         common.Logger
	admissionRate  rate.Limit
	admissionBurst int
	auditRetention time.Duration
	now            func() time.Time

	mu       sync.Mutex
	users    map[string]*entities.UserQuota
	teams    map[string]*entities.TeamQuota
	orgs     map[string]*entities.OrgQuota
	limiters map[string]*rate.Limiter
}

// NewQuotaManager creates a quota manager
func NewQuotaManager(cfg QuotaManagerConfig) *QuotaManager {
	if cfg.Logger == nil {
		cfg.Logger = common.NopLogger{}
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = 30 * 24 * time.Hour
	}
	return &QuotaManager{
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		admissionRate:  cfg.AdmissionRate,
		admissionBurst: cfg.AdmissionBurst,
		auditRetention: cfg.AuditRetention,
		now:            time.Now,
		users:          make(map[string]*entities.UserQuota),
		teams:          make(map[string]*entities.TeamQuota),
		orgs:           make(map[string]*entities.OrgQuota),
		limiters:       make(map[string]*rate.Limiter),
	}
}

// SetUserQuota installs or replaces a user's limits
func (q *QuotaManager) SetUserQuota(quota *entities.UserQuota) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if quota.Usage.LastReset.IsZero() {
		quota.Usage.LastReset = q.now()
	}
	q.users[quota.UserID] = quota
}

// SetTeamQuota installs or replaces a team's limits
func (q *QuotaManager) SetTeamQuota(quota *entities.TeamQuota) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if quota.Members == nil {
		quota.Members = make(map[string]entities.TeamRole)
	}
	if quota.Usage.LastReset.IsZero() {
		quota.Usage.LastReset = q.now()
	}
	q.teams[quota.TeamID] = quota
}

// SetOrgQuota installs or replaces an organization's limits
func (q *QuotaManager) SetOrgQuota(quota *entities.OrgQuota) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if quota.Usage.LastReset.IsZero() {
		quota.Usage.LastReset = q.now()
	}
	q.orgs[quota.OrgID] = quota
	if quota.ParentID != "" {
		if parent, ok := q.orgs[quota.ParentID]; ok {
			parent.Children = appendUnique(parent.Children, quota.OrgID)
		}
	}
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

// CanAllocate checks the full authority chain for the user. The first denial
// wins and is reported with its level's reason.
func (q *QuotaManager) CanAllocate(ctx context.Context, userID string, agents int, sessionID string) *entities.QuotaDecision {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.admissionRate > 0 {
		limiter, ok := q.limiters[userID]
		if !ok {
			limiter = rate.NewLimiter(q.admissionRate, q.admissionBurst)
			q.limiters[userID] = limiter
		}
		if !limiter.Allow() {
			return &entities.QuotaDecision{Allowed: false, Reason: "admission rate exceeded"}
		}
	}

	user, ok := q.users[userID]
	if !ok {
		// unknown principals are unconstrained
		return &entities.QuotaDecision{Allowed: true}
	}
	q.resetStale(&user.Usage)
	if v := q.checkLimits(&user.Limits, &user.Usage, agents); v != nil {
		q.violation(ctx, "user", userID, v, agents)
		return &entities.QuotaDecision{Allowed: false, Reason: "user quota: " + v.reason}
	}

	var team *entities.TeamQuota
	if user.TeamID != "" {
		team = q.teams[user.TeamID]
	}
	if team != nil {
		q.resetStale(&team.Usage)
		if v := q.checkLimits(&team.Limits, &team.Usage, agents); v != nil {
			q.violation(ctx, "team", team.TeamID, v, agents)
			return &entities.QuotaDecision{Allowed: false, Reason: "team quota: " + v.reason}
		}
	}

	if team != nil && team.OrgID != "" {
		if org, ok := q.orgs[team.OrgID]; ok {
			q.resetStale(&org.Usage)
			if v := q.checkLimits(&org.Limits, &org.Usage, agents); v != nil {
				q.violation(ctx, "org", org.OrgID, v, agents)
				return &entities.QuotaDecision{Allowed: false, Reason: "org quota: " + v.reason}
			}
			if v := q.evaluatePolicies(org, userID, agents, sessionID); v != nil {
				q.violation(ctx, "org", org.OrgID, v, agents)
				return &entities.QuotaDecision{Allowed: false, Reason: "org policy: " + v.reason}
			}
		}
	}
	return &entities.QuotaDecision{Allowed: true}
}

// quotaViolation pairs the violated dimension with its configured limit; the
// dimension is the short category carried as `type` on quota:violation events.
type quotaViolation struct {
	dimension string
	limit     interface{}
	reason    string
}

// checkLimits returns nil when the request fits, or the violated dimension
// otherwise.
func (q *QuotaManager) checkLimits(limits *entities.QuotaLimits, usage *entities.QuotaUsage, agents int) *quotaViolation {
	if limits.AgentsPerDay > 0 && usage.AgentsToday+agents > limits.AgentsPerDay {
		return &quotaViolation{"agents_per_day", limits.AgentsPerDay,
			fmt.Sprintf("daily agent limit %d exceeded", limits.AgentsPerDay)}
	}
	if limits.AgentsPerWeek > 0 && usage.AgentsThisWeek+agents > limits.AgentsPerWeek {
		return &quotaViolation{"agents_per_week", limits.AgentsPerWeek,
			fmt.Sprintf("weekly agent limit %d exceeded", limits.AgentsPerWeek)}
	}
	if limits.AgentsPerMonth > 0 && usage.AgentsThisMonth+agents > limits.AgentsPerMonth {
		return &quotaViolation{"agents_per_month", limits.AgentsPerMonth,
			fmt.Sprintf("monthly agent limit %d exceeded", limits.AgentsPerMonth)}
	}
	if limits.ConcurrentAgents > 0 && usage.ConcurrentAgents+agents > limits.ConcurrentAgents {
		return &quotaViolation{"concurrent_agents", limits.ConcurrentAgents,
			fmt.Sprintf("concurrent agent limit %d exceeded", limits.ConcurrentAgents)}
	}
	if limits.ComputeHoursDaily > 0 && usage.ComputeHoursToday >= limits.ComputeHoursDaily {
		return &quotaViolation{"compute_hours_daily", limits.ComputeHoursDaily,
			fmt.Sprintf("daily compute budget %.1fh exhausted", limits.ComputeHoursDaily)}
	}
	if limits.StorageBytes > 0 && usage.StorageBytes > limits.StorageBytes {
		return &quotaViolation{"storage_bytes", limits.StorageBytes,
			fmt.Sprintf("storage limit %d bytes exceeded", limits.StorageBytes)}
	}
	return nil
}

func (q *QuotaManager) resetStale(usage *entities.QuotaUsage) {
	now := q.now()
	last := usage.LastReset
	if last.IsZero() {
		usage.LastReset = now
		return
	}
	ly, lw := last.ISOWeek()
	ny, nw := now.ISOWeek()
	if last.YearDay() != now.YearDay() || last.Year() != now.Year() {
		usage.AgentsToday = 0
		usage.ComputeHoursToday = 0
	}
	if ly != ny || lw != nw {
		usage.AgentsThisWeek = 0
	}
	if last.Month() != now.Month() || last.Year() != now.Year() {
		usage.AgentsThisMonth = 0
	}
	usage.LastReset = now
}

// Allocate records an admitted allocation at every level
func (q *QuotaManager) Allocate(ctx context.Context, userID string, agents int, sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	user, ok := q.users[userID]
	if !ok {
		return nil
	}
	bump := func(usage *entities.QuotaUsage) {
		usage.AgentsToday += agents
		usage.AgentsThisWeek += agents
		usage.AgentsThisMonth += agents
		usage.ConcurrentAgents += agents
	}
	bump(&user.Usage)
	if team, ok := q.teams[user.TeamID]; ok {
		bump(&team.Usage)
		if org, ok := q.orgs[team.OrgID]; ok {
			bump(&org.Usage)
		}
	}
	return nil
}

// Release returns concurrent capacity at every level
func (q *QuotaManager) Release(ctx context.Context, userID string, agents int, sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	user, ok := q.users[userID]
	if !ok {
		return
	}
	drop := func(usage *entities.QuotaUsage) {
		usage.ConcurrentAgents -= agents
		if usage.ConcurrentAgents < 0 {
			usage.ConcurrentAgents = 0
		}
	}
	drop(&user.Usage)
	if team, ok := q.teams[user.TeamID]; ok {
		drop(&team.Usage)
		if org, ok := q.orgs[team.OrgID]; ok {
			drop(&org.Usage)
		}
	}
}

// RecordComputeHours charges compute time against the user chain
func (q *QuotaManager) RecordComputeHours(userID string, hours float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	user, ok := q.users[userID]
	if !ok {
		return
	}
	user.Usage.ComputeHoursToday += hours
	if team, ok := q.teams[user.TeamID]; ok {
		team.Usage.ComputeHoursToday += hours
		if org, ok := q.orgs[team.OrgID]; ok {
			org.Usage.ComputeHoursToday += hours
		}
	}
}

func (q *QuotaManager) violation(ctx context.Context, level, principalID string, v *quotaViolation, attempted int) {
	q.logger.Warn("Quota violation", "level", level, "principal", principalID, "type", v.dimension, "reason", v.reason)
	if q.bus == nil {
		return
	}
	go func() {
		_, err := q.bus.Publish(ctx, entities.EventTypeQuotaViolation, map[string]interface{}{
			level + "_id": principalID,
			"type":        v.dimension,
			"limit":       v.limit,
			"attempted":   attempted,
			"reason":      v.reason,
		}, &PublishOptions{Source: "quota-manager"})
		if err != nil {
			q.logger.Error("Failed to publish quota violation", err)
		}
	}()
}

func (q *QuotaManager) evaluatePolicies(org *entities.OrgQuota, userID string, agents int, sessionID string) *quotaViolation {
	attributes := map[string]interface{}{
		"user_id":    userID,
		"agents":     float64(agents),
		"session_id": sessionID,
	}
	for _, policy := range org.Policies {
		value, ok := attributes[policy.Attribute]
		if !ok {
			continue
		}
		if policyMatches(policy, value) && policy.Action == entities.PolicyActionDeny {
			return &quotaViolation{"policy", policy.Value,
				fmt.Sprintf("rule %s denies %s %s %v", policy.ID, policy.Attribute, policy.Operator, policy.Value)}
		}
	}
	return nil
}

func policyMatches(policy *entities.PolicyRule, value interface{}) bool {
	switch policy.Operator {
	case entities.PolicyOperatorEquals:
		return looseEqual(value, policy.Value)
	case entities.PolicyOperatorNotEquals:
		return !looseEqual(value, policy.Value)
	case entities.PolicyOperatorGreaterThan:
		result, err := compareOrdered(value, policy.Value, ">")
		return err == nil && result.(bool)
	case entities.PolicyOperatorLessThan:
		result, err := compareOrdered(value, policy.Value, "<")
		return err == nil && result.(bool)
	default:
		return false
	}
}

// --- team operations ---

// SetTeamMember installs a member role on the team
func (q *QuotaManager) SetTeamMember(teamID, userID string, role entities.TeamRole) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	team, ok := q.teams[teamID]
	if !ok {
		return common.NewError(common.ValidationError, "UNKNOWN_TEAM", fmt.Sprintf("team %q not found", teamID))
	}
	team.Members[userID] = role
	return nil
}

// SetProjectAllocation reserves agents for a project within the team
func (q *QuotaManager) SetProjectAllocation(teamID, projectID string, agents int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	team, ok := q.teams[teamID]
	if !ok {
		return common.NewError(common.ValidationError, "UNKNOWN_TEAM", fmt.Sprintf("team %q not found", teamID))
	}
	if team.Projects == nil {
		team.Projects = make(map[string]*entities.ProjectAllocation)
	}
	team.Projects[projectID] = &entities.ProjectAllocation{ProjectID: projectID, Agents: agents}
	return nil
}

// RequestQuotaTransfer opens a pending transfer between two team members
func (q *QuotaManager) RequestQuotaTransfer(teamID, fromUserID, toUserID string, agents int) (*entities.QuotaTransfer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	team, ok := q.teams[teamID]
	if !ok {
		return nil, common.NewError(common.ValidationError, "UNKNOWN_TEAM", fmt.Sprintf("team %q not found", teamID))
	}
	if agents <= 0 {
		return nil, common.NewError(common.ValidationError, "INVALID_TRANSFER", "transfer amount must be positive")
	}
	transfer := &entities.QuotaTransfer{
		ID:          uuid.New(),
		TeamID:      teamID,
		FromUserID:  fromUserID,
		ToUserID:    toUserID,
		Agents:      agents,
		Status:      entities.TransferStatusPending,
		RequestedAt: q.now(),
	}
	team.Transfers = append(team.Transfers, transfer)
	return transfer, nil
}

// ResolveQuotaTransfer commits or rejects a pending transfer. Only team admins
// may resolve.
func (q *QuotaManager) ResolveQuotaTransfer(teamID string, transferID uuid.UUID, approved bool, approver string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	team, ok := q.teams[teamID]
	if !ok {
		return common.NewError(common.ValidationError, "UNKNOWN_TEAM", fmt.Sprintf("team %q not found", teamID))
	}
	if team.Members[approver] != entities.TeamRoleAdmin {
		return common.NewError(common.QuotaError, "NOT_AUTHORIZED",
			fmt.Sprintf("user %q is not a team admin", approver))
	}
	for _, transfer := range team.Transfers {
		if transfer.ID != transferID {
			continue
		}
		if transfer.Status != entities.TransferStatusPending {
			return common.NewError(common.ValidationError, "TRANSFER_RESOLVED", "transfer already resolved")
		}
		now := q.now()
		transfer.ResolvedAt = &now
		transfer.ResolvedBy = approver
		if !approved {
			transfer.Status = entities.TransferStatusRejected
			return nil
		}
		transfer.Status = entities.TransferStatusApproved
		if from, ok := q.users[transfer.FromUserID]; ok && from.Limits.AgentsPerDay > 0 {
			from.Limits.AgentsPerDay -= transfer.Agents
			if from.Limits.AgentsPerDay < 0 {
				from.Limits.AgentsPerDay = 0
			}
		}
		if to, ok := q.users[transfer.ToUserID]; ok {
			to.Limits.AgentsPerDay += transfer.Agents
		}
		return nil
	}
	return common.NewError(common.ValidationError, "UNKNOWN_TRANSFER", "transfer not found")
}

// --- org operations ---

// AddOrgPolicy appends a custom policy rule and audits the change
func (q *QuotaManager) AddOrgPolicy(orgID string, policy *entities.PolicyRule, actor string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	org, ok := q.orgs[orgID]
	if !ok {
		return common.NewError(common.ValidationError, "UNKNOWN_ORG", fmt.Sprintf("org %q not found", orgID))
	}
	org.Policies = append(org.Policies, policy)
	q.auditLocked(org, actor, "policy_added", map[string]interface{}{"policy_id": policy.ID})
	return nil
}

// AuditTrail returns the organization's audit log after trimming
func (q *QuotaManager) AuditTrail(orgID string) []*entities.AuditRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	org, ok := q.orgs[orgID]
	if !ok {
		return nil
	}
	q.trimAuditLocked(org)
	log := make([]*entities.AuditRecord, len(org.AuditLog))
	copy(log, org.AuditLog)
	return log
}

func (q *QuotaManager) auditLocked(org *entities.OrgQuota, actor, action string, details map[string]interface{}) {
	org.AuditLog = append(org.AuditLog, &entities.AuditRecord{
		ID:        uuid.New(),
		OrgID:     org.OrgID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		Timestamp: q.now(),
	})
	q.trimAuditLocked(org)
}

func (q *QuotaManager) trimAuditLocked(org *entities.OrgQuota) {
	cutoff := q.now().Add(-q.auditRetention)
	kept := org.AuditLog[:0]
	for _, record := range org.AuditLog {
		if record.Timestamp.After(cutoff) {
			kept = append(kept, record)
		}
	}
	org.AuditLog = kept
}

// UserUsage returns a copy of the user's current usage
func (q *QuotaManager) UserUsage(userID string) (entities.QuotaUsage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	user, ok := q.users[userID]
	if !ok {
		return entities.QuotaUsage{}, false
	}
	return user.Usage, true
}
