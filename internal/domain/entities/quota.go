package entities

import (
	"time"

	"github.com/google/uuid"
)

// QuotaLimits bounds agent allocation for one principal
type QuotaLimits struct {
	AgentsPerDay      int     `json:"agents_per_day,omitempty"`
	AgentsPerWeek     int     `json:"agents_per_week,omitempty"`
	AgentsPerMonth    int     `json:"agents_per_month,omitempty"`
	ComputeHoursDaily float64 `json:"compute_hours_daily,omitempty"`
	ConcurrentAgents  int     `json:"concurrent_agents,omitempty"`
	StorageBytes      int64   `json:"storage_bytes,omitempty"`
}

// QuotaUsage tracks consumption against QuotaLimits
type QuotaUsage struct {
	AgentsToday       int       `json:"agents_today"`
	AgentsThisWeek    int       `json:"agents_this_week"`
	AgentsThisMonth   int       `json:"agents_this_month"`
	ComputeHoursToday float64   `json:"compute_hours_today"`
	ConcurrentAgents  int       `json:"concurrent_agents"`
	StorageBytes      int64     `json:"storage_bytes"`
	LastReset         time.Time `json:"last_reset"`
}

// QuotaDecision is the outcome of an admission check
type QuotaDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// UserQuota is the per-user allocation authority
type UserQuota struct {
	UserID string      `json:"user_id"`
	TeamID string      `json:"team_id,omitempty"`
	Limits QuotaLimits `json:"limits"`
	Usage  QuotaUsage  `json:"usage"`
}

// TeamRole defines a member's authority within a team
type TeamRole string

const (
	TeamRoleAdmin  TeamRole = "admin"
	TeamRoleMember TeamRole = "member"
	TeamRoleViewer TeamRole = "viewer"
)

// ProjectAllocation reserves a slice of a team's quota for one project
type ProjectAllocation struct {
	ProjectID string `json:"project_id"`
	Agents    int    `json:"agents"`
	Used      int    `json:"used"`
}

// TransferStatus is the lifecycle status of a quota transfer request
type TransferStatus string

const (
	TransferStatusPending  TransferStatus = "pending"
	TransferStatusApproved TransferStatus = "approved"
	TransferStatusRejected TransferStatus = "rejected"
)

// QuotaTransfer moves allocation between two members of a team
type QuotaTransfer struct {
	ID          uuid.UUID      `json:"id"`
	TeamID      string         `json:"team_id"`
	FromUserID  string         `json:"from_user_id"`
	ToUserID    string         `json:"to_user_id"`
	Agents      int            `json:"agents"`
	Status      TransferStatus `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
}

// TeamQuota is the per-team allocation authority
type TeamQuota struct {
	TeamID    string                        `json:"team_id"`
	OrgID     string                        `json:"org_id,omitempty"`
	Limits    QuotaLimits                   `json:"limits"`
	Usage     QuotaUsage                    `json:"usage"`
	Members   map[string]TeamRole           `json:"members"`
	Projects  map[string]*ProjectAllocation `json:"projects,omitempty"`
	Transfers []*QuotaTransfer              `json:"transfers,omitempty"`
}

// PolicyAction is what a matched policy rule does to a request
type PolicyAction string

const (
	PolicyActionDeny  PolicyAction = "deny"
	PolicyActionAllow PolicyAction = "allow"
	PolicyActionWarn  PolicyAction = "warn"
)

// PolicyOperator compares a rule condition against a request attribute
type PolicyOperator string

const (
	PolicyOperatorEquals      PolicyOperator = "equals"
	PolicyOperatorNotEquals   PolicyOperator = "not_equals"
	PolicyOperatorGreaterThan PolicyOperator = "greater_than"
	PolicyOperatorLessThan    PolicyOperator = "less_than"
)

// PolicyRule is one custom organization policy
type PolicyRule struct {
	ID        string         `json:"id"`
	Attribute string         `json:"attribute"`
	Operator  PolicyOperator `json:"operator"`
	Value     interface{}    `json:"value"`
	Action    PolicyAction   `json:"action"`
}

// AuditRecord is one admin audit log entry; the log is trimmed to the last 30 days
type AuditRecord struct {
	ID        uuid.UUID              `json:"id"`
	OrgID     string                 `json:"org_id"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// OrgQuota is the per-organization allocation authority
type OrgQuota struct {
	OrgID    string         `json:"org_id"`
	ParentID string         `json:"parent_id,omitempty"`
	Children []string       `json:"children,omitempty"`
	Limits   QuotaLimits    `json:"limits"`
	Usage    QuotaUsage     `json:"usage"`
	Policies []*PolicyRule  `json:"policies,omitempty"`
	AuditLog []*AuditRecord `json:"audit_log,omitempty"`
}
