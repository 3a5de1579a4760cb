package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain/entities"
)

func newQuotaFixture() *QuotaManager {
	manager := NewQuotaManager(QuotaManagerConfig{})
	manager.SetOrgQuota(&entities.OrgQuota{
		OrgID:  "org",
		Limits: entities.QuotaLimits{ConcurrentAgents: 10},
	})
	manager.SetTeamQuota(&entities.TeamQuota{
		TeamID: "team",
		OrgID:  "org",
		Limits: entities.QuotaLimits{ConcurrentAgents: 5},
		Members: map[string]entities.TeamRole{
			"admin":  entities.TeamRoleAdmin,
			"member": entities.TeamRoleMember,
		},
	})
	manager.SetUserQuota(&entities.UserQuota{
		UserID: "member",
		TeamID: "team",
		Limits: entities.QuotaLimits{AgentsPerDay: 3, ConcurrentAgents: 2},
	})
	return manager
}

func TestQuotaUserLimitDeniesFirst(t *testing.T) {
	manager := newQuotaFixture()
	ctx := context.Background()

	decision := manager.CanAllocate(ctx, "member", 2, "")
	assert.True(t, decision.Allowed)

	decision = manager.CanAllocate(ctx, "member", 3, "")
	require.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "user quota")
}

func TestQuotaChainChecksTeamAfterUser(t *testing.T) {
	manager := newQuotaFixture()
	ctx := context.Background()

	// generous user limits push the decision down to the team level
	manager.SetUserQuota(&entities.UserQuota{
		UserID: "member",
		TeamID: "team",
		Limits: entities.QuotaLimits{ConcurrentAgents: 100},
	})
	decision := manager.CanAllocate(ctx, "member", 7, "")
	require.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "team quota")

	decision = manager.CanAllocate(ctx, "member", 5, "")
	assert.True(t, decision.Allowed)
}

func TestQuotaAllocateAndReleaseTrackConcurrency(t *testing.T) {
	manager := newQuotaFixture()
	ctx := context.Background()

	require.NoError(t, manager.Allocate(ctx, "member", 2, ""))
	usage, ok := manager.UserUsage("member")
	require.True(t, ok)
	assert.Equal(t, 2, usage.ConcurrentAgents)
	assert.Equal(t, 2, usage.AgentsToday)

	decision := manager.CanAllocate(ctx, "member", 1, "")
	assert.False(t, decision.Allowed)

	manager.Release(ctx, "member", 2, "")
	usage, _ = manager.UserUsage("member")
	assert.Equal(t, 0, usage.ConcurrentAgents)
	// daily counters survive release
	assert.Equal(t, 2, usage.AgentsToday)

	decision = manager.CanAllocate(ctx, "member", 1, "")
	assert.True(t, decision.Allowed)
}

func TestQuotaViolationEventPublished(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	manager := NewQuotaManager(QuotaManagerConfig{Bus: bus})
	manager.SetUserQuota(&entities.UserQuota{
		UserID: "u1",
		Limits: entities.QuotaLimits{AgentsPerDay: 1},
	})

	eventCh := make(chan *entities.Event, 1)
	_, err := bus.Subscribe(entities.EventTypeQuotaViolation, func(ctx context.Context, event *entities.Event) error {
		eventCh <- event
		return nil
	}, nil)
	require.NoError(t, err)

	decision := manager.CanAllocate(context.Background(), "u1", 5, "")
	require.False(t, decision.Allowed)

	var event *entities.Event
	select {
	case event = <-eventCh:
	case <-time.After(time.Second):
		t.Fatal("quota violation event never arrived")
	}
	assert.Equal(t, "u1", event.Payload["user_id"])
	assert.Equal(t, "agents_per_day", event.Payload["type"])
	assert.Equal(t, 1, event.Payload["limit"])
	assert.Equal(t, 5, event.Payload["attempted"])
}

func TestQuotaUnknownPrincipalIsUnconstrained(t *testing.T) {
	manager := NewQuotaManager(QuotaManagerConfig{})
	decision := manager.CanAllocate(context.Background(), "stranger", 1000, "")
	assert.True(t, decision.Allowed)
}

func TestQuotaTransferLifecycle(t *testing.T) {
	manager := newQuotaFixture()
	manager.SetUserQuota(&entities.UserQuota{
		UserID: "donor",
		TeamID: "team",
		Limits: entities.QuotaLimits{AgentsPerDay: 10},
	})
	manager.SetUserQuota(&entities.UserQuota{
		UserID: "recipient",
		TeamID: "team",
		Limits: entities.QuotaLimits{AgentsPerDay: 1},
	})

	transfer, err := manager.RequestQuotaTransfer("team", "donor", "recipient", 4)
	require.NoError(t, err)
	assert.Equal(t, entities.TransferStatusPending, transfer.Status)

	// only admins resolve
	err = manager.ResolveQuotaTransfer("team", transfer.ID, true, "member")
	require.Error(t, err)

	require.NoError(t, manager.ResolveQuotaTransfer("team", transfer.ID, true, "admin"))
	assert.Equal(t, entities.TransferStatusApproved, transfer.Status)
	assert.Equal(t, "admin", transfer.ResolvedBy)

	// a resolved transfer cannot be resolved again
	err = manager.ResolveQuotaTransfer("team", transfer.ID, false, "admin")
	assert.Error(t, err)

	decision := manager.CanAllocate(context.Background(), "recipient", 5, "")
	assert.True(t, decision.Allowed, "recipient limit grew by the transferred amount")
}

func TestQuotaTransferRejection(t *testing.T) {
	manager := newQuotaFixture()
	transfer, err := manager.RequestQuotaTransfer("team", "a", "b", 2)
	require.NoError(t, err)

	require.NoError(t, manager.ResolveQuotaTransfer("team", transfer.ID, false, "admin"))
	assert.Equal(t, entities.TransferStatusRejected, transfer.Status)
}

func TestQuotaOrgPolicyDenies(t *testing.T) {
	manager := newQuotaFixture()
	require.NoError(t, manager.AddOrgPolicy("org", &entities.PolicyRule{
		ID:        "cap-batch-size",
		Attribute: "agents",
		Operator:  entities.PolicyOperatorGreaterThan,
		Value:     float64(3),
		Action:    entities.PolicyActionDeny,
	}, "admin"))

	// raise lower-level limits so the policy is what denies
	manager.SetUserQuota(&entities.UserQuota{UserID: "member", TeamID: "team", Limits: entities.QuotaLimits{}})
	manager.SetTeamQuota(&entities.TeamQuota{
		TeamID:  "team",
		OrgID:   "org",
		Members: map[string]entities.TeamRole{"admin": entities.TeamRoleAdmin},
	})

	decision := manager.CanAllocate(context.Background(), "member", 4, "")
	require.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "org policy")

	decision = manager.CanAllocate(context.Background(), "member", 2, "")
	assert.True(t, decision.Allowed)
}

func TestQuotaAuditTrailTrimsOldRecords(t *testing.T) {
	manager := NewQuotaManager(QuotaManagerConfig{AuditRetention: 30 * 24 * time.Hour})
	manager.SetOrgQuota(&entities.OrgQuota{OrgID: "org"})

	past := time.Now().Add(-40 * 24 * time.Hour)
	manager.now = func() time.Time { return past }
	require.NoError(t, manager.AddOrgPolicy("org", &entities.PolicyRule{ID: "old"}, "admin"))

	manager.now = time.Now
	require.NoError(t, manager.AddOrgPolicy("org", &entities.PolicyRule{ID: "new"}, "admin"))

	trail := manager.AuditTrail("org")
	require.Len(t, trail, 1)
	assert.Equal(t, "policy_added", trail[0].Action)
	assert.Equal(t, "new", trail[0].Details["policy_id"])
}

func TestQuotaDailyCountersReset(t *testing.T) {
	manager := NewQuotaManager(QuotaManagerConfig{})
	manager.SetUserQuota(&entities.UserQuota{
		UserID: "u1",
		Limits: entities.QuotaLimits{AgentsPerDay: 2},
	})
	ctx := context.Background()

	require.NoError(t, manager.Allocate(ctx, "u1", 2, ""))
	assert.False(t, manager.CanAllocate(ctx, "u1", 1, "").Allowed)

	// the next day the window reopens
	manager.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	assert.True(t, manager.CanAllocate(ctx, "u1", 1, "").Allowed)
}
