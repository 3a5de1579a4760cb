package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// Backend is a durable sink for events. Commit must be atomic: either the
// whole batch lands or none of it does.
type Backend interface {
	Commit(ctx context.Context, events []*entities.Event) error
	GetStream(ctx context.Context, correlationID uuid.UUID) ([]*entities.Event, error)
	GetAll(ctx context.Context, after time.Time, limit int) ([]*entities.Event, error)
	GetByType(ctx context.Context, eventType string, since time.Time, limit int) ([]*entities.Event, error)
	GetBySource(ctx context.Context, source string, since time.Time, limit int) ([]*entities.Event, error)
	Close() error
}

// Config tunes the store's write buffering
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	Logger        common.Logger
	// OnFlushError observes commit failures (e.g. to publish persistence:error)
	OnFlushError func(err error, batchSize int)
}

// Store is the append-only event log. Writes buffer up to BatchSize or
// FlushInterval and commit atomically; a failed batch returns to the head of
// the buffer and is retried on the next flush, so no event is silently
// dropped. Reads flush first for read-your-writes consistency.
type Store struct {
	backend Backend
	config  Config
	logger  common.Logger

	mu     sync.Mutex
	buffer []*entities.Event

	flushMu  sync.Mutex // at most one flush in flight
	notifyCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a store over the backend and starts the flush loop
func New(backend Backend, config Config) *Store {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = common.NopLogger{}
	}
	s := &Store{
		backend:  backend,
		config:   config,
		logger:   config.Logger,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Append buffers an event for the next commit
func (s *Store) Append(ctx context.Context, event *entities.Event) error {
	if event == nil {
		return common.NewError(common.ValidationError, "NIL_EVENT", "cannot append nil event")
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	full := len(s.buffer) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.notifyCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.notifyCh:
		}
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Error("Event store flush failed; batch requeued", err)
		}
	}
}

// Flush commits the buffered events. On commit failure the batch is put back
// at the head of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	commit := func() error {
		return s.backend.Commit(ctx, batch)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(commit, policy); err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.mu.Unlock()
		if s.config.OnFlushError != nil {
			s.config.OnFlushError(err, len(batch))
		}
		return common.WrapError(err, common.PersistenceError, "FLUSH_FAILED", "event batch commit failed")
	}
	return nil
}

// GetStream returns the correlation chain from the log, flushing first
func (s *Store) GetStream(ctx context.Context, correlationID uuid.UUID) ([]*entities.Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.backend.GetStream(ctx, correlationID)
}

// GetAll returns events after the given time, flushing first
func (s *Store) GetAll(ctx context.Context, after time.Time, limit int) ([]*entities.Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.backend.GetAll(ctx, after, limit)
}

// GetByType returns events of one type, flushing first
func (s *Store) GetByType(ctx context.Context, eventType string, since time.Time, limit int) ([]*entities.Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.backend.GetByType(ctx, eventType, since, limit)
}

// GetBySource returns events from one source, flushing first
func (s *Store) GetBySource(ctx context.Context, source string, since time.Time, limit int) ([]*entities.Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.backend.GetBySource(ctx, source, since, limit)
}

// BufferedCount returns the number of events awaiting commit
func (s *Store) BufferedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Close stops the flush loop, performs a final flush and closes the backend
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	flushErr := s.Flush(context.Background())
	closeErr := s.backend.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
