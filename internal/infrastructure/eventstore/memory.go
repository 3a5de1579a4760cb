package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmesh/internal/domain/entities"
)

// MemoryBackend is an in-memory Backend with the same indexes the persistent
// backends keep. Used in tests and single-process deployments.
type MemoryBackend struct {
	mu            sync.RWMutex
	events        []*entities.Event
	byType        map[string][]int
	bySource      map[string][]int
	byCorrelation map[uuid.UUID][]int
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byType:        make(map[string][]int),
		bySource:      make(map[string][]int),
		byCorrelation: make(map[uuid.UUID][]int),
	}
}

// Commit appends the batch atomically
func (b *MemoryBackend) Commit(ctx context.Context, events []*entities.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range events {
		index := len(b.events)
		b.events = append(b.events, event)
		b.byType[event.Type] = append(b.byType[event.Type], index)
		b.bySource[event.Source] = append(b.bySource[event.Source], index)
		b.byCorrelation[event.Metadata.CorrelationID] = append(b.byCorrelation[event.Metadata.CorrelationID], index)
	}
	return nil
}

// GetStream returns the correlation chain sorted ascending by timestamp
func (b *MemoryBackend) GetStream(ctx context.Context, correlationID uuid.UUID) ([]*entities.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	indexes := b.byCorrelation[correlationID]
	events := make([]*entities.Event, 0, len(indexes))
	for _, i := range indexes {
		events = append(events, b.events[i])
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// GetAll returns events after the given time
func (b *MemoryBackend) GetAll(ctx context.Context, after time.Time, limit int) ([]*entities.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := make([]*entities.Event, 0)
	for _, event := range b.events {
		if !after.IsZero() && !event.Timestamp.After(after) {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

// GetByType returns events of one type since the given time
func (b *MemoryBackend) GetByType(ctx context.Context, eventType string, since time.Time, limit int) ([]*entities.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter(b.byType[eventType], since, limit), nil
}

// GetBySource returns events from one source since the given time
func (b *MemoryBackend) GetBySource(ctx context.Context, source string, since time.Time, limit int) ([]*entities.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter(b.bySource[source], since, limit), nil
}

func (b *MemoryBackend) filter(indexes []int, since time.Time, limit int) []*entities.Event {
	events := make([]*entities.Event, 0, len(indexes))
	for _, i := range indexes {
		event := b.events[i]
		if !since.IsZero() && event.Timestamp.Before(since) {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events
}

// Count returns the number of committed events
func (b *MemoryBackend) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Close is a no-op for the in-memory backend
func (b *MemoryBackend) Close() error {
	return nil
}
