package eventstore

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

func makeEvent(eventType, source string, correlationID uuid.UUID) *entities.Event {
	return &entities.Event{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"k": "v"},
		Metadata: entities.EventMetadata{
			CorrelationID: correlationID,
			Version:       1,
			Priority:      entities.EventPriorityNormal,
		},
	}
}

func TestStoreReadYourWrites(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend, Config{BatchSize: 100, FlushInterval: time.Hour})
	defer store.Close()

	correlationID := uuid.New()
	event := makeEvent("task:completed", "engine", correlationID)
	require.NoError(t, store.Append(context.Background(), event))

	// the buffer has not hit the batch size, but reads flush first
	events, err := store.GetByType(context.Background(), "task:completed", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, 0, store.BufferedCount())
}

func TestStoreFlushesOnBatchSize(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend, Config{BatchSize: 5, FlushInterval: time.Hour})
	defer store.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(context.Background(), makeEvent("tick", "s", uuid.New())))
	}
	assert.Eventually(t, func() bool { return backend.Count() == 5 }, time.Second, 5*time.Millisecond)
}

func TestStoreFlushesOnInterval(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend, Config{BatchSize: 1000, FlushInterval: 20 * time.Millisecond})
	defer store.Close()

	require.NoError(t, store.Append(context.Background(), makeEvent("tick", "s", uuid.New())))
	assert.Eventually(t, func() bool { return backend.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStoreStreamRoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend, Config{BatchSize: 100, FlushInterval: time.Hour})
	defer store.Close()

	correlationID := uuid.New()
	first := makeEvent("chain:start", "engine", correlationID)
	second := makeEvent("chain:next", "engine", correlationID)
	second.Timestamp = first.Timestamp.Add(time.Millisecond)
	require.NoError(t, store.Append(context.Background(), first))
	require.NoError(t, store.Append(context.Background(), second))
	require.NoError(t, store.Append(context.Background(), makeEvent("noise", "other", uuid.New())))

	stream, err := store.GetStream(context.Background(), correlationID)
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Equal(t, "chain:start", stream[0].Type)
	assert.Equal(t, "chain:next", stream[1].Type)

	bySource, err := store.GetBySource(context.Background(), "engine", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, bySource, 2)
}

type failingBackend struct {
	*MemoryBackend
	mu       sync.Mutex
	failures int
}

func (b *failingBackend) Commit(ctx context.Context, events []*entities.Event) error {
	b.mu.Lock()
	shouldFail := b.failures > 0
	if shouldFail {
		b.failures--
	}
	b.mu.Unlock()
	if shouldFail {
		return errors.New("disk on fire")
	}
	return b.MemoryBackend.Commit(ctx, events)
}

func TestStoreRequeuesFailedBatch(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend(), failures: 10}
	var hookCalls int
	var hookMu sync.Mutex
	store := New(backend, Config{
		BatchSize:     100,
		FlushInterval: time.Hour,
		OnFlushError: func(err error, batchSize int) {
			hookMu.Lock()
			hookCalls++
			hookMu.Unlock()
		},
	})
	defer store.Close()

	event := makeEvent("precious", "s", uuid.New())
	require.NoError(t, store.Append(context.Background(), event))

	err := store.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, store.BufferedCount(), "failed batch returns to the buffer")
	hookMu.Lock()
	assert.Equal(t, 1, hookCalls)
	hookMu.Unlock()

	// once the backend recovers, nothing is lost
	backend.mu.Lock()
	backend.failures = 0
	backend.mu.Unlock()
	require.NoError(t, store.Flush(context.Background()))

	events, err := store.GetByType(context.Background(), "precious", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
}

func TestStoreCloseFlushes(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend, Config{BatchSize: 1000, FlushInterval: time.Hour})

	require.NoError(t, store.Append(context.Background(), makeEvent("final", "s", uuid.New())))
	require.NoError(t, store.Close())
	assert.Equal(t, 1, backend.Count())
}

func TestStoreOrderWithinStream(t *testing.T) {
	backend := NewMemoryBackend()
	store := New(backend, Config{BatchSize: 100, FlushInterval: time.Hour})
	defer store.Close()

	correlationID := uuid.New()
	base := time.Now()
	for i := 0; i < 10; i++ {
		event := makeEvent("step", "s", correlationID)
		event.Timestamp = base.Add(time.Duration(i) * time.Millisecond)
		event.Payload = map[string]interface{}{"n": i}
		require.NoError(t, store.Append(context.Background(), event))
	}

	stream, err := store.GetStream(context.Background(), correlationID)
	require.NoError(t, err)
	require.Len(t, stream, 10)
	for i, event := range stream {
		assert.Equal(t, i, event.Payload["n"])
	}
}
