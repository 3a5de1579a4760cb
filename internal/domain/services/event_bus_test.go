package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/internal/domain/entities"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()
	return NewEventBus(EventBusConfig{MaxHistorySize: 100})
}

func TestEventBusPublishAssignsMetadata(t *testing.T) {
	bus := newTestBus(t)

	event, err := bus.Publish(context.Background(), "agent.idle", map[string]interface{}{"agent_id": "a1"}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.NotEqual(t, uuid.Nil, event.Metadata.CorrelationID)
	assert.Equal(t, entities.EventPriorityNormal, event.Metadata.Priority)
	assert.Equal(t, uint32(1), event.Metadata.Version)
	assert.False(t, event.Timestamp.IsZero())
}

func TestEventBusWildcardSubscription(t *testing.T) {
	bus := newTestBus(t)
	var mu sync.Mutex
	received := make([]string, 0)

	_, err := bus.Subscribe("agent:*", func(ctx context.Context, event *entities.Event) error {
		mu.Lock()
		received = append(received, event.Type)
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, err)

	bus.Publish(context.Background(), "agent:started", nil, nil)
	bus.Publish(context.Background(), "agent:stopped", nil, nil)
	bus.Publish(context.Background(), "workflow:started", nil, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"agent:started", "agent:stopped"}, received)
}

func TestEventBusSubscriberObservesPublishOrder(t *testing.T) {
	bus := newTestBus(t)
	var mu sync.Mutex
	order := make([]int, 0, 50)

	_, err := bus.Subscribe("seq", func(ctx context.Context, event *entities.Event) error {
		mu.Lock()
		order = append(order, event.Payload["n"].(int))
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		bus.Publish(context.Background(), "seq", map[string]interface{}{"n": i}, nil)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 50)
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}

func TestEventBusOnceFiresExactlyOnce(t *testing.T) {
	bus := newTestBus(t)
	var mu sync.Mutex
	calls := 0

	_, err := bus.SubscribeOnce("spark", func(ctx context.Context, event *entities.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("handler failed anyway")
	})
	require.NoError(t, err)

	bus.Publish(context.Background(), "spark", nil, nil)
	bus.Publish(context.Background(), "spark", nil, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriptionCount())
}

func TestEventBusUnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus(t)
	calls := 0
	id, err := bus.Subscribe("x", func(ctx context.Context, event *entities.Event) error {
		calls++
		return nil
	}, nil)
	require.NoError(t, err)

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))

	bus.Publish(context.Background(), "x", nil, nil)
	assert.Equal(t, 0, calls)
}

func TestEventBusUnsubscribePattern(t *testing.T) {
	bus := newTestBus(t)
	handler := func(ctx context.Context, event *entities.Event) error { return nil }

	bus.Subscribe("a:*", handler, nil)
	bus.Subscribe("a:*", handler, nil)
	bus.Subscribe("b", handler, nil)

	assert.Equal(t, 2, bus.UnsubscribePattern("a:*"))
	assert.Equal(t, 1, bus.SubscriptionCount())
}

func TestEventBusMiddlewareCancelsPublication(t *testing.T) {
	bus := newTestBus(t)
	delivered := false
	bus.Subscribe("blocked", func(ctx context.Context, event *entities.Event) error {
		delivered = true
		return nil
	}, nil)

	bus.Use(&BusMiddleware{
		Name:          "gate",
		BeforePublish: func(ctx context.Context, event *entities.Event) bool { return event.Type != "blocked" },
	})

	event, err := bus.Publish(context.Background(), "blocked", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.False(t, delivered)
	assert.Empty(t, bus.QueryHistory(HistoryQuery{Type: "blocked"}))

	bus.Unuse("gate")
	bus.Publish(context.Background(), "blocked", nil, nil)
	assert.True(t, delivered)
}

func TestEventBusHandlerErrorIsIsolated(t *testing.T) {
	bus := newTestBus(t)
	var mu sync.Mutex
	healthyCalls := 0

	bus.Subscribe("work", func(ctx context.Context, event *entities.Event) error {
		return errors.New("boom")
	}, nil)
	bus.Subscribe("work", func(ctx context.Context, event *entities.Event) error {
		mu.Lock()
		healthyCalls++
		mu.Unlock()
		return nil
	}, nil)

	_, err := bus.Publish(context.Background(), "work", nil, nil)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 1, healthyCalls)
	mu.Unlock()

	errorEvents := bus.QueryHistory(HistoryQuery{Type: entities.EventTypeHandlerError})
	require.Len(t, errorEvents, 1)
	assert.Equal(t, "boom", errorEvents[0].Payload["error"])
}

func TestEventBusHandlerPanicIsIsolated(t *testing.T) {
	bus := newTestBus(t)
	bus.Subscribe("work", func(ctx context.Context, event *entities.Event) error {
		panic("handler exploded")
	}, nil)

	_, err := bus.Publish(context.Background(), "work", nil, nil)
	require.NoError(t, err)
	assert.Len(t, bus.QueryHistory(HistoryQuery{Type: entities.EventTypeHandlerError}), 1)
}

func TestEventBusWaitFor(t *testing.T) {
	bus := newTestBus(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Publish(context.Background(), "task:completed", map[string]interface{}{"task_id": "t1"}, nil)
	}()

	event, err := bus.WaitFor(context.Background(), "task:*", time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "task:completed", event.Type)
}

func TestEventBusWaitForTimeout(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.WaitFor(context.Background(), "never", 20*time.Millisecond, nil)
	require.Error(t, err)
}

func TestEventBusHistoryRingDropsOldest(t *testing.T) {
	bus := NewEventBus(EventBusConfig{MaxHistorySize: 10})
	for i := 0; i < 25; i++ {
		bus.Publish(context.Background(), "tick", map[string]interface{}{"n": i}, nil)
	}
	history := bus.QueryHistory(HistoryQuery{Type: "tick"})
	require.Len(t, history, 10)
	assert.Equal(t, 15, history[0].Payload["n"])
	assert.Equal(t, 24, history[9].Payload["n"])
}

func TestEventBusCorrelationChain(t *testing.T) {
	bus := newTestBus(t)
	correlationID := uuid.New()

	first, err := bus.Publish(context.Background(), "chain:start", nil, &PublishOptions{CorrelationID: correlationID})
	require.NoError(t, err)
	causation := first.ID
	bus.Publish(context.Background(), "chain:next", nil, &PublishOptions{
		CorrelationID: correlationID,
		CausationID:   &causation,
	})
	bus.Publish(context.Background(), "unrelated", nil, nil)

	chain := bus.GetCorrelationChain(correlationID)
	require.Len(t, chain, 2)
	assert.Equal(t, "chain:start", chain[0].Type)
	assert.Equal(t, "chain:next", chain[1].Type)
	require.NotNil(t, chain[1].Metadata.CausationID)
	assert.Equal(t, first.ID, *chain[1].Metadata.CausationID)
	assert.Equal(t, correlationID, chain[0].Metadata.CorrelationID)
}

func TestEventBusFilter(t *testing.T) {
	bus := newTestBus(t)
	matched := 0
	bus.Subscribe("task:*", func(ctx context.Context, event *entities.Event) error {
		matched++
		return nil
	}, &SubscribeOptions{Filter: func(event *entities.Event) bool {
		return event.Payload["agent_id"] == "a1"
	}})

	bus.Publish(context.Background(), "task:started", map[string]interface{}{"agent_id": "a1"}, nil)
	bus.Publish(context.Background(), "task:started", map[string]interface{}{"agent_id": "a2"}, nil)
	assert.Equal(t, 1, matched)
}
