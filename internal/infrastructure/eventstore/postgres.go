package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"agentmesh/internal/domain/entities"
)

// PostgresBackend persists events to a Postgres table. One batch commits as a
// single multi-row insert inside a transaction.
type PostgresBackend struct {
	db *sql.DB
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
	id UUID PRIMARY KEY,
	type TEXT NOT NULL,
	source TEXT NOT NULL,
	target TEXT,
	payload JSONB,
	metadata JSONB NOT NULL,
	correlation_id UUID NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (type);
CREATE INDEX IF NOT EXISTS idx_events_source ON events (source);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (correlation_id);
`

// NewPostgresBackend opens the database and ensures the schema exists
func NewPostgresBackend(ctx context.Context, dsn string, maxOpenConns int) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createEventsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events schema: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

// Commit inserts the batch in one transaction
func (b *PostgresBackend) Commit(ctx context.Context, events []*entities.Event) error {
	if len(events) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*8)
	for i, event := range events {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload for event %s: %w", event.ID, err)
		}
		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for event %s: %w", event.ID, err)
		}
		base := i * 8
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args, event.ID, event.Type, event.Source, nullable(event.Target),
			payload, metadata, event.Metadata.CorrelationID, event.Timestamp)
	}

	query := "INSERT INTO events (id, type, source, target, payload, metadata, correlation_id, timestamp) VALUES " +
		strings.Join(placeholders, ",") + " ON CONFLICT (id) DO NOTHING"

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("failed to insert event batch: %w", err)
	}
	return tx.Commit()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetStream returns the correlation chain sorted ascending by timestamp
func (b *PostgresBackend) GetStream(ctx context.Context, correlationID uuid.UUID) ([]*entities.Event, error) {
	return b.query(ctx,
		"SELECT id, type, source, target, payload, metadata, timestamp FROM events WHERE correlation_id = $1 ORDER BY timestamp ASC",
		correlationID)
}

// GetAll returns events after the given time
func (b *PostgresBackend) GetAll(ctx context.Context, after time.Time, limit int) ([]*entities.Event, error) {
	return b.query(ctx,
		"SELECT id, type, source, target, payload, metadata, timestamp FROM events WHERE timestamp > $1 ORDER BY timestamp ASC LIMIT $2",
		after, effectiveLimit(limit))
}

// GetByType returns events of one type since the given time
func (b *PostgresBackend) GetByType(ctx context.Context, eventType string, since time.Time, limit int) ([]*entities.Event, error) {
	return b.query(ctx,
		"SELECT id, type, source, target, payload, metadata, timestamp FROM events WHERE type = $1 AND timestamp >= $2 ORDER BY timestamp ASC LIMIT $3",
		eventType, since, effectiveLimit(limit))
}

// GetBySource returns events from one source since the given time
func (b *PostgresBackend) GetBySource(ctx context.Context, source string, since time.Time, limit int) ([]*entities.Event, error) {
	return b.query(ctx,
		"SELECT id, type, source, target, payload, metadata, timestamp FROM events WHERE source = $1 AND timestamp >= $2 ORDER BY timestamp ASC LIMIT $3",
		source, since, effectiveLimit(limit))
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func (b *PostgresBackend) query(ctx context.Context, query string, args ...interface{}) ([]*entities.Event, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("event query failed: %w", err)
	}
	defer rows.Close()

	events := make([]*entities.Event, 0)
	for rows.Next() {
		event := &entities.Event{}
		var target sql.NullString
		var payload, metadata []byte
		if err := rows.Scan(&event.ID, &event.Type, &event.Source, &target, &payload, &metadata, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.Target = target.String
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload for event %s: %w", event.ID, err)
			}
		}
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for event %s: %w", event.ID, err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Close releases the database handle
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
